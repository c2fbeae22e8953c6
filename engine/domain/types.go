// Package domain defines the core types, schema tables and validation for the
// faultgraph engine. It acts as the validation gate in front of the graph store:
// nothing reaches the store without passing through Schema.ValidateRelation.
package domain

import "strings"

// Category classifies a Term node.
type Category string

const (
	CategoryComponent Category = "Component"
	CategorySymptom   Category = "Symptom"
	CategoryRootCause Category = "RootCause"
	CategorySolution  Category = "Solution"
	CategoryTestCase  Category = "TestCase"
	CategoryMetric    Category = "Metric"
	CategoryTool      Category = "Tool"
	CategoryMaterial  Category = "Material"
	CategoryProcess   Category = "Process"
	CategoryRole      Category = "Role"
)

// RelationType is the type of a directed edge between two Terms.
type RelationType string

const (
	Causes        RelationType = "CAUSES"
	ResolvedBy    RelationType = "RESOLVED_BY"
	Prevents      RelationType = "PREVENTS"
	DependsOn     RelationType = "DEPENDS_ON"
	InteractsWith RelationType = "INTERACTS_WITH"
	Detects       RelationType = "DETECTS"
	Tests         RelationType = "TESTS"
	Measures      RelationType = "MEASURES"
	Affects       RelationType = "AFFECTS"

	// Legacy types that only the hygiene pass deals with.
	RelatedTo    RelationType = "RELATED_TO"
	UsesMaterial RelationType = "USES_MATERIAL"
	Consumes     RelationType = "CONSUMES"
)

// NodeRef identifies a Term by its (name, category) identity.
type NodeRef struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
}

// Key returns a string form of the identity usable as a map key.
func (n NodeRef) Key() string {
	return string(n.Category) + "\x00" + n.Name
}

// Less reports whether n sorts before o in the total order over node
// identities: category first, then name, byte-wise.
func (n NodeRef) Less(o NodeRef) bool {
	if n.Category != o.Category {
		return n.Category < o.Category
	}
	return n.Name < o.Name
}

func (n NodeRef) String() string {
	return n.Name + " (" + string(n.Category) + ")"
}

// Status is the confidence-derived classification attached to a relation.
type Status string

const (
	StatusVerified  Status = "verified"
	StatusPlausible Status = "plausible"
	StatusUncertain Status = "uncertain"
)

// StatusFor derives the status band for a confidence value.
func StatusFor(confidence float64) Status {
	switch {
	case confidence >= 0.8:
		return StatusVerified
	case confidence >= 0.6:
		return StatusPlausible
	default:
		return StatusUncertain
	}
}

// Direction selects which dependency traversals run.
type Direction string

const (
	Upstream   Direction = "upstream"
	Downstream Direction = "downstream"
	Both       Direction = "both"
)

// ParseDirection normalises a direction string. Empty means Both.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return Both, nil
	case Upstream, Downstream, Both:
		return d, nil
	default:
		return "", NewValidationError("direction", s, ErrInvalidDirection)
	}
}

// RelationInput is one relation to ingest.
type RelationInput struct {
	Type   RelationType `json:"relation_type"`
	Source NodeRef      `json:"source"`
	Target NodeRef      `json:"target"`
	Props  Props        `json:"props"`
}
