package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SourceHash fingerprints a relation by its endpoint names, evidence and
// provenance. It is the dedup key for ingest.
func SourceHash(sourceName, targetName, evidence, provenance string) string {
	sum := md5.Sum([]byte(sourceName + "|" + targetName + "|" + evidence + "|" + provenance))
	return hex.EncodeToString(sum[:])
}

// Normalize trims names and applies the default provenance.
func (s Schema) Normalize(in RelationInput) RelationInput {
	in.Type = canonicalType(in.Type)
	in.Source.Name = strings.TrimSpace(in.Source.Name)
	in.Target.Name = strings.TrimSpace(in.Target.Name)
	in.Props.Evidence = strings.TrimSpace(in.Props.Evidence)
	if strings.TrimSpace(in.Props.Source) == "" {
		in.Props.Source = s.DefaultSource
	}
	return in
}

func canonicalType(t RelationType) RelationType {
	return RelationType(strings.ToUpper(strings.TrimSpace(string(t))))
}

// Fingerprint returns the source hash of a normalised input.
func Fingerprint(in RelationInput) string {
	return SourceHash(in.Source.Name, in.Target.Name, in.Props.Evidence, in.Props.Source)
}

// ValidateRelation checks a relation before it reaches the store.
func (s Schema) ValidateRelation(in RelationInput) error {
	if !s.Known(in.Type) {
		return NewValidationError("relation_type", string(in.Type), ErrUnknownRelationType)
	}
	if err := s.validateNode("source", in.Source); err != nil {
		return err
	}
	if err := s.validateNode("target", in.Target); err != nil {
		return err
	}
	if !s.Allows(in.Type, in.Source.Category, in.Target.Category) {
		pair := fmt.Sprintf("%s(%s -> %s)", in.Type, in.Source.Category, in.Target.Category)
		return NewValidationError("relation_type", pair, ErrIncompatibleCategories)
	}

	p := in.Props
	if p.Confidence == nil {
		return NewValidationError("confidence", "", ErrMissingConfidence)
	}
	if c := *p.Confidence; c < 0 || c > 1 {
		return NewValidationError("confidence", fmt.Sprintf("%g", c), ErrConfidenceRange)
	}

	n := utf8.RuneCountInString(p.Evidence)
	switch {
	case n == 0:
		return NewValidationError("evidence", "", ErrMissingEvidence)
	case n < s.MinEvidenceLen:
		return NewValidationError("evidence", p.Evidence, ErrEvidenceTooShort)
	case s.MaxEvidenceLen > 0 && n > s.MaxEvidenceLen:
		return NewValidationError("evidence", truncate(p.Evidence, 32), ErrEvidenceTooLong)
	}

	if p.Payload != nil {
		if p.Payload.RelationType() != in.Type {
			return NewValidationError("props", string(p.Payload.RelationType()), ErrInvalidField)
		}
		if err := p.Payload.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s Schema) validateNode(field string, n NodeRef) error {
	if n.Name == "" {
		return NewValidationError(field+".name", "", ErrEmptyName)
	}
	if s.MaxNameLen > 0 && utf8.RuneCountInString(n.Name) > s.MaxNameLen {
		return NewValidationError(field+".name", truncate(n.Name, 32), ErrNameTooLong)
	}
	if n.Category == "" {
		return NewValidationError(field+".category", "", ErrEmptyCategory)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
