// Package conflict flags stored relations that contradict a candidate one.
package conflict

import (
	"context"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Conflict is a stored relation contradicting the candidate.
type Conflict struct {
	ID         string              `json:"id"`
	Type       domain.RelationType `json:"type"`
	Confidence float64             `json:"confidence"`
	Evidence   string              `json:"evidence"`
	Source     string              `json:"source"`
}

// Detector looks up declared opposites on the same ordered pair. It never
// blocks a write; callers decide what to do with the matches.
type Detector struct {
	store  graph.Store
	schema domain.Schema
}

// NewDetector creates a Detector.
func NewDetector(store graph.Store, schema domain.Schema) *Detector {
	return &Detector{store: store, schema: schema}
}

// DetectConflicts returns stored relations from source to target whose type
// is declared as opposing t. Types without declared opposites return nil
// without touching the store.
func (d *Detector) DetectConflicts(ctx context.Context, t domain.RelationType, source, target domain.NodeRef) ([]Conflict, error) {
	opposites := d.schema.ConflictsOf(t)
	if len(opposites) == 0 {
		return nil, nil
	}

	ctx, span := otel.Tracer("engine/conflict").Start(ctx, "conflict.detect")
	defer span.End()
	span.SetAttributes(attribute.String("relation_type", string(t)))

	edges, err := d.store.RelationsBetween(ctx, source, target, opposites)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := make([]Conflict, 0, len(edges))
	for _, e := range edges {
		out = append(out, Conflict{
			ID:         e.ID,
			Type:       e.Type,
			Confidence: e.Confidence(),
			Evidence:   e.Str("evidence"),
			Source:     e.Str("source"),
		})
	}
	span.SetAttributes(attribute.Int("conflicts", len(out)))
	return out, nil
}
