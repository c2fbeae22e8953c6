package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/WessleyAI/faultgraph/engine/domain"
)

// ErrStore marks failures talking to the graph store. Callers treat it as fatal.
var ErrStore = errors.New("graph store")

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

// Store is the property-graph contract the engine packages depend on.
// Node refs with an empty category match a term of any category.
// An empty types slice matches every relation type.
type Store interface {
	// FindRelation looks up an edge by endpoints, type and source hash.
	FindRelation(ctx context.Context, t domain.RelationType, from, to domain.NodeRef, hash string) (id string, found bool, err error)
	// CreateRelation merges both endpoint terms and creates the edge.
	CreateRelation(ctx context.Context, t domain.RelationType, from, to domain.NodeRef, props map[string]any) (string, error)
	// RelationsBetween returns the edges from -> to.
	RelationsBetween(ctx context.Context, from, to domain.NodeRef, types []domain.RelationType) ([]Edge, error)
	// Incoming returns edges ending at the term with confidence >= minConf.
	Incoming(ctx context.Context, to domain.NodeRef, types []domain.RelationType, minConf float64) ([]Edge, error)
	// Outgoing returns edges starting at the term with confidence >= minConf.
	Outgoing(ctx context.Context, from domain.NodeRef, types []domain.RelationType, minConf float64) ([]Edge, error)
	// ScanRelations returns every edge of the given types ordered by ID.
	ScanRelations(ctx context.Context, types []domain.RelationType) ([]Edge, error)
	// RelationTypes lists the relation types present in the store.
	RelationTypes(ctx context.Context) ([]domain.RelationType, error)
	// DeleteRelations removes edges by ID and returns how many were deleted.
	DeleteRelations(ctx context.Context, ids []string) (int, error)
	// MigrateRelation replaces e with an edge of type to carrying props.
	MigrateRelation(ctx context.Context, e Edge, to domain.RelationType, props map[string]any) (string, error)
	// RelationStats summarises the graph contents.
	RelationStats(ctx context.Context) (Stats, error)
}

var (
	_ Store = (*GraphStore)(nil)
	_ Store = (*MemStore)(nil)
)

func typeStrings(types []domain.RelationType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func matchesType(t domain.RelationType, types []domain.RelationType) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func matchesRef(t Term, ref domain.NodeRef) bool {
	if t.Name != ref.Name {
		return false
	}
	return ref.Category == "" || t.Category == ref.Category
}
