package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CategoryPair is an allowed (source, target) category combination.
type CategoryPair struct {
	Source Category `yaml:"source" json:"source"`
	Target Category `yaml:"target" json:"target"`
}

// Schema carries the tables the engine is configured with. Each engine gets
// its own copy at construction; nothing here is package-level state.
type Schema struct {
	// Compatibility lists the allowed category pairs per relation type.
	// Types missing from the table are rejected at ingest.
	Compatibility map[RelationType][]CategoryPair `yaml:"compatibility"`
	// Conflicts lists, per type, the types that contradict it on the same
	// ordered pair.
	Conflicts map[RelationType][]RelationType `yaml:"conflicts"`
	// Symmetric types are canonicalised to a single direction by hygiene.
	Symmetric []RelationType `yaml:"symmetric"`
	// Migrations maps deprecated types to their replacement.
	Migrations map[RelationType]RelationType `yaml:"migrations"`
	// OptionalFields is the allow-list of type-specific properties copied
	// onto stored relations.
	OptionalFields []string `yaml:"optional_fields"`

	MinEvidenceLen int    `yaml:"min_evidence_len"`
	MaxEvidenceLen int    `yaml:"max_evidence_len"`
	MaxNameLen     int    `yaml:"max_name_len"`
	DefaultSource  string `yaml:"default_source"`
	MaxDepthLimit  int    `yaml:"max_depth_limit"`
}

// DefaultSchema returns a fresh copy of the built-in tables.
func DefaultSchema() Schema {
	return Schema{
		Compatibility: map[RelationType][]CategoryPair{
			Causes: {
				{CategorySymptom, CategorySymptom},
				{CategoryRootCause, CategorySymptom},
				{CategoryComponent, CategorySymptom},
				{CategoryProcess, CategorySymptom},
				{CategoryMaterial, CategorySymptom},
			},
			ResolvedBy: {{CategorySymptom, CategorySolution}},
			Prevents:   {{CategorySolution, CategorySymptom}},
			DependsOn: {
				{CategoryComponent, CategoryComponent},
				{CategoryComponent, CategoryMaterial},
				{CategoryComponent, CategoryTool},
			},
			InteractsWith: {{CategoryComponent, CategoryComponent}},
			Detects:       {{CategoryTestCase, CategorySymptom}},
			Tests: {
				{CategoryTestCase, CategoryComponent},
				{CategoryTestCase, CategoryProcess},
			},
			Measures: {{CategoryTestCase, CategoryMetric}},
			Affects: {
				{CategoryComponent, CategorySymptom},
				{CategoryProcess, CategorySymptom},
				{CategoryMaterial, CategorySymptom},
			},
		},
		Conflicts: map[RelationType][]RelationType{
			Causes:   {Prevents},
			Prevents: {Causes},
		},
		Symmetric:  []RelationType{InteractsWith, RelatedTo},
		Migrations: map[RelationType]RelationType{UsesMaterial: Consumes},
		OptionalFields: []string{
			"doc_id", "chunk_id", "severity", "phase",
			"effectiveness", "risk", "cost_level", "evidence_level",
			"criticality", "interface", "mode", "direction",
			"coverage", "env", "method", "threshold",
		},
		MinEvidenceLen: 10,
		MaxEvidenceLen: 500,
		MaxNameLen:     200,
		DefaultSource:  "manual",
		MaxDepthLimit:  5,
	}
}

// LoadSchema reads a YAML file and overlays it on DefaultSchema. Tables
// present in the file replace the defaults wholesale; scalar fields left at
// zero keep their default.
func LoadSchema(path string) (Schema, error) {
	s := DefaultSchema()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("schema: read %s: %w", path, err)
	}
	var file Schema
	if err := yaml.Unmarshal(data, &file); err != nil {
		return s, fmt.Errorf("schema: parse %s: %w", path, err)
	}
	return s.merge(file), nil
}

func (s Schema) merge(o Schema) Schema {
	if o.Compatibility != nil {
		s.Compatibility = o.Compatibility
	}
	if o.Conflicts != nil {
		s.Conflicts = o.Conflicts
	}
	if o.Symmetric != nil {
		s.Symmetric = o.Symmetric
	}
	if o.Migrations != nil {
		s.Migrations = o.Migrations
	}
	if o.OptionalFields != nil {
		s.OptionalFields = o.OptionalFields
	}
	if o.MinEvidenceLen > 0 {
		s.MinEvidenceLen = o.MinEvidenceLen
	}
	if o.MaxEvidenceLen > 0 {
		s.MaxEvidenceLen = o.MaxEvidenceLen
	}
	if o.MaxNameLen > 0 {
		s.MaxNameLen = o.MaxNameLen
	}
	if o.DefaultSource != "" {
		s.DefaultSource = o.DefaultSource
	}
	if o.MaxDepthLimit > 0 {
		s.MaxDepthLimit = o.MaxDepthLimit
	}
	return s
}

// Known reports whether t appears in the compatibility table.
func (s Schema) Known(t RelationType) bool {
	_, ok := s.Compatibility[t]
	return ok
}

// Allows reports whether (src, dst) is an allowed pairing for t.
func (s Schema) Allows(t RelationType, src, dst Category) bool {
	for _, p := range s.Compatibility[t] {
		if p.Source == src && p.Target == dst {
			return true
		}
	}
	return false
}

// ConflictsOf returns the relation types declared to contradict t.
func (s Schema) ConflictsOf(t RelationType) []RelationType {
	return s.Conflicts[t]
}

// IsSymmetric reports whether t is declared symmetric.
func (s Schema) IsSymmetric(t RelationType) bool {
	for _, sym := range s.Symmetric {
		if sym == t {
			return true
		}
	}
	return false
}

// AllowsField reports whether an optional property may be stored.
func (s Schema) AllowsField(name string) bool {
	for _, f := range s.OptionalFields {
		if f == name {
			return true
		}
	}
	return false
}

// ClampDepth applies the default for non-positive depths and caps the result
// at MaxDepthLimit.
func (s Schema) ClampDepth(depth, def int) int {
	if depth <= 0 {
		depth = def
	}
	if s.MaxDepthLimit > 0 && depth > s.MaxDepthLimit {
		depth = s.MaxDepthLimit
	}
	return depth
}
