package domain

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// BaseProps holds the properties every relation carries.
type BaseProps struct {
	Confidence *float64 `json:"confidence,omitempty"`
	Evidence   string   `json:"evidence,omitempty"`
	Source     string   `json:"source,omitempty"`
	DocID      string   `json:"doc_id,omitempty"`
	ChunkID    string   `json:"chunk_id,omitempty"`
	Inferred   *bool    `json:"inferred,omitempty"`
}

// ConfidenceValue returns the confidence, or 0 when unset.
func (b BaseProps) ConfidenceValue() float64 {
	if b.Confidence == nil {
		return 0
	}
	return *b.Confidence
}

func (b BaseProps) fields() map[string]any {
	m := make(map[string]any)
	if b.Confidence != nil {
		m["confidence"] = *b.Confidence
	}
	if b.Evidence != "" {
		m["evidence"] = b.Evidence
	}
	if b.Source != "" {
		m["source"] = b.Source
	}
	if b.DocID != "" {
		m["doc_id"] = b.DocID
	}
	if b.ChunkID != "" {
		m["chunk_id"] = b.ChunkID
	}
	if b.Inferred != nil {
		m["inferred"] = *b.Inferred
	}
	return m
}

// Payload is the type-specific part of a relation's property bag.
type Payload interface {
	// RelationType names the relation type the payload belongs to.
	RelationType() RelationType
	// Fields returns the set fields keyed by their stored property name.
	Fields() map[string]any
	Validate() error
}

// Props is the property bag of a relation: the common base plus an optional
// type-specific payload.
type Props struct {
	BaseProps
	Payload Payload
}

// MarshalJSON flattens base and payload fields into one object.
func (p Props) MarshalJSON() ([]byte, error) {
	m := p.BaseProps.fields()
	if p.Payload != nil {
		for k, v := range p.Payload.Fields() {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the props object together with the relation type so
// the right payload variant is selected.
func (r *RelationInput) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type   RelationType    `json:"relation_type"`
		Source NodeRef         `json:"source"`
		Target NodeRef         `json:"target"`
		Props  json.RawMessage `json:"props"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	props, err := DecodeProps(raw.Type, raw.Props)
	if err != nil {
		return err
	}
	*r = RelationInput{Type: raw.Type, Source: raw.Source, Target: raw.Target, Props: props}
	return nil
}

// DecodeProps decodes a JSON props object for the given relation type.
func DecodeProps(t RelationType, raw []byte) (Props, error) {
	var p Props
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p.BaseProps); err != nil {
		return p, NewValidationError("props", string(t), fmt.Errorf("%w: %v", ErrInvalidProps, err))
	}
	payload := NewPayload(t)
	if payload == nil {
		return p, nil
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return p, NewValidationError("props", string(t), fmt.Errorf("%w: %v", ErrInvalidProps, err))
	}
	p.Payload = payload
	return p, nil
}

// NewPayload returns a pointer to the zero payload for t, or nil when the
// type has no specific fields. t is matched case-insensitively.
func NewPayload(t RelationType) Payload {
	switch canonicalType(t) {
	case Causes:
		return &CausesProps{}
	case ResolvedBy:
		return &ResolvedByProps{}
	case Prevents:
		return &PreventsProps{}
	case DependsOn:
		return &DependsOnProps{}
	case InteractsWith:
		return &InteractsWithProps{}
	case Detects:
		return &DetectsProps{}
	case Tests:
		return &TestsProps{}
	case Measures:
		return &MeasuresProps{}
	default:
		return nil
	}
}

// CausesProps is the CAUSES payload.
type CausesProps struct {
	Severity string `json:"severity,omitempty"`
	Phase    string `json:"phase,omitempty"`
}

func (CausesProps) RelationType() RelationType { return Causes }

func (p CausesProps) Fields() map[string]any {
	m := map[string]any{}
	putStr(m, "severity", p.Severity)
	putStr(m, "phase", p.Phase)
	return m
}

func (p CausesProps) Validate() error {
	if err := oneOf("severity", p.Severity, "P0", "P1", "P2", "P3"); err != nil {
		return err
	}
	return oneOf("phase", p.Phase, "EVT", "DVT", "PVT", "MP", "Field")
}

// ResolvedByProps is the RESOLVED_BY payload.
type ResolvedByProps struct {
	Effectiveness *float64 `json:"effectiveness,omitempty"`
	Risk          string   `json:"risk,omitempty"`
	CostLevel     string   `json:"cost_level,omitempty"`
}

func (ResolvedByProps) RelationType() RelationType { return ResolvedBy }

func (p ResolvedByProps) Fields() map[string]any {
	m := map[string]any{}
	if p.Effectiveness != nil {
		m["effectiveness"] = *p.Effectiveness
	}
	putStr(m, "risk", p.Risk)
	putStr(m, "cost_level", p.CostLevel)
	return m
}

func (p ResolvedByProps) Validate() error {
	if err := unitRange("effectiveness", p.Effectiveness); err != nil {
		return err
	}
	if err := oneOf("risk", p.Risk, "low", "mid", "high"); err != nil {
		return err
	}
	return oneOf("cost_level", p.CostLevel, "L", "M", "H")
}

// PreventsProps is the PREVENTS payload.
type PreventsProps struct {
	EvidenceLevel string `json:"evidence_level,omitempty"`
}

func (PreventsProps) RelationType() RelationType { return Prevents }

func (p PreventsProps) Fields() map[string]any {
	m := map[string]any{}
	putStr(m, "evidence_level", p.EvidenceLevel)
	return m
}

func (p PreventsProps) Validate() error {
	return oneOf("evidence_level", p.EvidenceLevel, "lab", "field", "standard")
}

// DependsOnProps is the DEPENDS_ON payload.
type DependsOnProps struct {
	Criticality string `json:"criticality,omitempty"`
	Interface   string `json:"interface,omitempty"`
}

func (DependsOnProps) RelationType() RelationType { return DependsOn }

func (p DependsOnProps) Fields() map[string]any {
	m := map[string]any{}
	putStr(m, "criticality", p.Criticality)
	putStr(m, "interface", p.Interface)
	return m
}

func (p DependsOnProps) Validate() error {
	if err := oneOf("criticality", p.Criticality, "blocker", "major", "minor"); err != nil {
		return err
	}
	return maxRunes("interface", p.Interface, 100)
}

// InteractsWithProps is the INTERACTS_WITH payload.
type InteractsWithProps struct {
	Mode      string `json:"mode,omitempty"`
	Direction string `json:"direction,omitempty"`
}

func (InteractsWithProps) RelationType() RelationType { return InteractsWith }

func (p InteractsWithProps) Fields() map[string]any {
	m := map[string]any{}
	putStr(m, "mode", p.Mode)
	putStr(m, "direction", p.Direction)
	return m
}

func (p InteractsWithProps) Validate() error {
	if err := oneOf("mode", p.Mode, "EMC", "thermal", "mechanical", "fw"); err != nil {
		return err
	}
	return oneOf("direction", p.Direction, "bidir")
}

// DetectsProps is the DETECTS payload.
type DetectsProps struct {
	Coverage *float64 `json:"coverage,omitempty"`
	Env      string   `json:"env,omitempty"`
}

func (DetectsProps) RelationType() RelationType { return Detects }

func (p DetectsProps) Fields() map[string]any {
	m := map[string]any{}
	if p.Coverage != nil {
		m["coverage"] = *p.Coverage
	}
	putStr(m, "env", p.Env)
	return m
}

func (p DetectsProps) Validate() error {
	if err := unitRange("coverage", p.Coverage); err != nil {
		return err
	}
	return maxRunes("env", p.Env, 200)
}

// TestsProps is the TESTS payload.
type TestsProps struct {
	Method    string `json:"method,omitempty"`
	Threshold string `json:"threshold,omitempty"`
}

func (TestsProps) RelationType() RelationType { return Tests }

func (p TestsProps) Fields() map[string]any { return methodFields(p.Method, p.Threshold) }

func (p TestsProps) Validate() error { return validateMethod(p.Method, p.Threshold) }

// MeasuresProps is the MEASURES payload.
type MeasuresProps struct {
	Method    string `json:"method,omitempty"`
	Threshold string `json:"threshold,omitempty"`
}

func (MeasuresProps) RelationType() RelationType { return Measures }

func (p MeasuresProps) Fields() map[string]any { return methodFields(p.Method, p.Threshold) }

func (p MeasuresProps) Validate() error { return validateMethod(p.Method, p.Threshold) }

func methodFields(method, threshold string) map[string]any {
	m := map[string]any{}
	putStr(m, "method", method)
	putStr(m, "threshold", threshold)
	return m
}

func validateMethod(method, threshold string) error {
	if err := maxRunes("method", method, 100); err != nil {
		return err
	}
	return maxRunes("threshold", threshold, 100)
}

func putStr(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

// oneOf accepts an empty value; optional fields are only checked when set.
func oneOf(field, v string, allowed ...string) error {
	if v == "" {
		return nil
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return NewValidationError(field, v, ErrInvalidField)
}

func unitRange(field string, v *float64) error {
	if v == nil {
		return nil
	}
	if *v < 0 || *v > 1 {
		return NewValidationError(field, fmt.Sprintf("%g", *v), ErrInvalidField)
	}
	return nil
}

func maxRunes(field, v string, n int) error {
	if utf8.RuneCountInString(v) > n {
		return NewValidationError(field, v, ErrInvalidField)
	}
	return nil
}

// Ptr returns a pointer to v. Handy for optional numeric props.
func Ptr[T any](v T) *T { return &v }
