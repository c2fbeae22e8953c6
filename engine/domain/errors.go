package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrUnknownRelationType    = errors.New("unknown relation type")
	ErrIncompatibleCategories = errors.New("category pair not allowed for relation type")
	ErrEmptyName              = errors.New("node name is empty")
	ErrNameTooLong            = errors.New("node name too long")
	ErrEmptyCategory          = errors.New("node category is empty")
	ErrMissingConfidence      = errors.New("confidence is required")
	ErrConfidenceRange        = errors.New("confidence out of range")
	ErrMissingEvidence        = errors.New("evidence is required")
	ErrEvidenceTooShort       = errors.New("evidence too short")
	ErrEvidenceTooLong        = errors.New("evidence too long")
	ErrInvalidField           = errors.New("invalid field value")
	ErrInvalidDirection       = errors.New("invalid direction")
	ErrInvalidProps           = errors.New("malformed props")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
