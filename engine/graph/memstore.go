package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/WessleyAI/faultgraph/engine/domain"
)

// MemStore is an in-process Store. It keeps the whole graph as an adjacency
// view and is used by tests and local dry runs.
type MemStore struct {
	mu    sync.RWMutex
	seq   int
	terms map[string]Term
	edges map[string]Edge
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		terms: make(map[string]Term),
		edges: make(map[string]Edge),
	}
}

// FindRelation implements Store.
func (m *MemStore) FindRelation(_ context.Context, t domain.RelationType, from, to domain.NodeRef, hash string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.sortedLocked() {
		if e.Type == t && e.From.Ref() == from && e.To.Ref() == to && e.Str("source_hash") == hash {
			return e.ID, true, nil
		}
	}
	return "", false, nil
}

// CreateRelation implements Store.
func (m *MemStore) CreateRelation(_ context.Context, t domain.RelationType, from, to domain.NodeRef, props map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(t, m.mergeTerm(from), m.mergeTerm(to), props), nil
}

// RelationsBetween implements Store.
func (m *MemStore) RelationsBetween(_ context.Context, from, to domain.NodeRef, types []domain.RelationType) ([]Edge, error) {
	return m.filter(func(e Edge) bool {
		return e.From.Ref() == from && e.To.Ref() == to && matchesType(e.Type, types)
	}), nil
}

// Incoming implements Store.
func (m *MemStore) Incoming(_ context.Context, to domain.NodeRef, types []domain.RelationType, minConf float64) ([]Edge, error) {
	return m.filter(func(e Edge) bool {
		return matchesRef(e.To, to) && matchesType(e.Type, types) && e.Confidence() >= minConf
	}), nil
}

// Outgoing implements Store.
func (m *MemStore) Outgoing(_ context.Context, from domain.NodeRef, types []domain.RelationType, minConf float64) ([]Edge, error) {
	return m.filter(func(e Edge) bool {
		return matchesRef(e.From, from) && matchesType(e.Type, types) && e.Confidence() >= minConf
	}), nil
}

// ScanRelations implements Store.
func (m *MemStore) ScanRelations(_ context.Context, types []domain.RelationType) ([]Edge, error) {
	return m.filter(func(e Edge) bool { return matchesType(e.Type, types) }), nil
}

// RelationTypes implements Store.
func (m *MemStore) RelationTypes(_ context.Context) ([]domain.RelationType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[domain.RelationType]bool)
	var types []domain.RelationType
	for _, e := range m.edges {
		if !seen[e.Type] {
			seen[e.Type] = true
			types = append(types, e.Type)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types, nil
}

// DeleteRelations implements Store.
func (m *MemStore) DeleteRelations(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.edges[id]; ok {
			delete(m.edges, id)
			n++
		}
	}
	return n, nil
}

// MigrateRelation implements Store.
func (m *MemStore) MigrateRelation(_ context.Context, e Edge, to domain.RelationType, props map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.edges[e.ID]
	if !ok {
		return "", storeErr("migrate relation", fmt.Errorf("relation %s not found", e.ID))
	}
	delete(m.edges, e.ID)
	return m.createLocked(to, old.From, old.To, props), nil
}

// RelationStats implements Store.
func (m *MemStore) RelationStats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	terms := make([]Term, 0, len(m.terms))
	for _, t := range m.terms {
		terms = append(terms, t)
	}
	return summarize(terms, m.sortedLocked()), nil
}

// Len returns the number of stored edges.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges)
}

// Terms returns the number of stored terms.
func (m *MemStore) Terms() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.terms)
}

func (m *MemStore) mergeTerm(ref domain.NodeRef) Term {
	if t, ok := m.terms[ref.Key()]; ok {
		return t
	}
	t := Term{Name: ref.Name, Category: ref.Category}
	m.terms[ref.Key()] = t
	return t
}

func (m *MemStore) createLocked(t domain.RelationType, from, to Term, props map[string]any) string {
	m.seq++
	id := fmt.Sprintf("e%08d", m.seq)
	m.edges[id] = Edge{ID: id, Type: t, From: from, To: to, Props: copyProps(props)}
	return id
}

func (m *MemStore) filter(keep func(Edge) bool) []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Edge
	for _, e := range m.sortedLocked() {
		if keep(e) {
			e.Props = copyProps(e.Props)
			out = append(out, e)
		}
	}
	return out
}

func (m *MemStore) sortedLocked() []Edge {
	out := make([]Edge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
