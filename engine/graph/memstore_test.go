package graph

import (
	"context"
	"math"
	"testing"

	"github.com/WessleyAI/faultgraph/engine/domain"
)

func TestMemStore_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	id, err := m.CreateRelation(ctx, domain.Causes, coldSolder, openCircuit, map[string]any{"source_hash": "h1", "confidence": 0.9})
	if err != nil {
		t.Fatal(err)
	}
	got, found, _ := m.FindRelation(ctx, domain.Causes, coldSolder, openCircuit, "h1")
	if !found || got != id {
		t.Fatalf("FindRelation = %q, %v", got, found)
	}
	if _, found, _ := m.FindRelation(ctx, domain.Causes, coldSolder, openCircuit, "other"); found {
		t.Fatal("different hash must not match")
	}
	if _, found, _ := m.FindRelation(ctx, domain.Prevents, coldSolder, openCircuit, "h1"); found {
		t.Fatal("different type must not match")
	}
	if m.Terms() != 2 {
		t.Fatalf("terms = %d", m.Terms())
	}

	// second relation on the same endpoints merges terms
	if _, err := m.CreateRelation(ctx, domain.Causes, coldSolder, openCircuit, map[string]any{"source_hash": "h2"}); err != nil {
		t.Fatal(err)
	}
	if m.Terms() != 2 || m.Len() != 2 {
		t.Fatalf("terms=%d edges=%d", m.Terms(), m.Len())
	}
}

func TestMemStore_IncomingFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	fix := domain.NodeRef{Name: "重新焊接", Category: domain.CategorySolution}
	m.CreateRelation(ctx, domain.Causes, coldSolder, openCircuit, map[string]any{"confidence": 0.9})
	m.CreateRelation(ctx, domain.Causes, domain.NodeRef{Name: "虚焊", Category: domain.CategoryRootCause}, openCircuit, map[string]any{"confidence": 0.4})
	m.CreateRelation(ctx, domain.Prevents, fix, openCircuit, map[string]any{"confidence": 0.8})

	edges, _ := m.Incoming(ctx, domain.NodeRef{Name: "开路"}, []domain.RelationType{domain.Causes}, 0.6)
	if len(edges) != 1 || edges[0].From.Name != "冷焊" {
		t.Fatalf("unexpected %+v", edges)
	}
	edges, _ = m.Incoming(ctx, openCircuit, nil, 0)
	if len(edges) != 3 {
		t.Fatalf("expected all 3 incoming, got %d", len(edges))
	}
	edges, _ = m.Incoming(ctx, domain.NodeRef{Name: "开路", Category: domain.CategoryComponent}, nil, 0)
	if len(edges) != 0 {
		t.Fatal("category mismatch must not match")
	}
	edges, _ = m.Outgoing(ctx, fix, []domain.RelationType{domain.Prevents}, 0.6)
	if len(edges) != 1 {
		t.Fatalf("outgoing = %d", len(edges))
	}
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.CreateRelation(ctx, domain.Causes, coldSolder, openCircuit, map[string]any{"confidence": 0.9})
	edges, _ := m.ScanRelations(ctx, nil)
	edges[0].Props["confidence"] = 0.1
	again, _ := m.ScanRelations(ctx, nil)
	if again[0].Confidence() != 0.9 {
		t.Fatal("callers must not mutate stored props")
	}
}

func TestMemStore_DeleteAndMigrate(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	copper := domain.NodeRef{Name: "铜箔", Category: domain.CategoryMaterial}
	pcb := domain.NodeRef{Name: "PCB", Category: domain.CategoryComponent}
	id, _ := m.CreateRelation(ctx, domain.UsesMaterial, pcb, copper, map[string]any{"confidence": 0.7})
	other, _ := m.CreateRelation(ctx, domain.DependsOn, pcb, copper, map[string]any{"confidence": 0.7})

	edges, _ := m.ScanRelations(ctx, []domain.RelationType{domain.UsesMaterial})
	newID, err := m.MigrateRelation(ctx, edges[0], domain.Consumes, map[string]any{"confidence": 0.7, "migrated_from": "USES_MATERIAL"})
	if err != nil {
		t.Fatal(err)
	}
	if newID == id {
		t.Fatal("migration must create a new edge")
	}
	if left, _ := m.ScanRelations(ctx, []domain.RelationType{domain.UsesMaterial}); len(left) != 0 {
		t.Fatal("old edge should be gone")
	}
	migrated, _ := m.RelationsBetween(ctx, pcb, copper, []domain.RelationType{domain.Consumes})
	if len(migrated) != 1 || migrated[0].Str("migrated_from") != "USES_MATERIAL" {
		t.Fatalf("unexpected %+v", migrated)
	}
	if _, err := m.MigrateRelation(ctx, Edge{ID: id}, domain.Consumes, nil); err == nil {
		t.Fatal("migrating a deleted edge should fail")
	}

	n, _ := m.DeleteRelations(ctx, []string{other, "missing"})
	if n != 1 || m.Len() != 1 {
		t.Fatalf("deleted=%d left=%d", n, m.Len())
	}
	types, _ := m.RelationTypes(ctx)
	if len(types) != 1 || types[0] != domain.Consumes {
		t.Fatalf("types = %v", types)
	}
}

func TestMemStore_Stats(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	fix := domain.NodeRef{Name: "重新焊接", Category: domain.CategorySolution}
	m.CreateRelation(ctx, domain.Causes, coldSolder, openCircuit, map[string]any{"confidence": 0.9})
	m.CreateRelation(ctx, domain.Causes, domain.NodeRef{Name: "虚焊", Category: domain.CategoryRootCause}, openCircuit, map[string]any{"confidence": 0.5})
	m.CreateRelation(ctx, domain.ResolvedBy, openCircuit, fix, map[string]any{"confidence": 0.65})

	stats, _ := m.RelationStats(ctx)
	if stats.Nodes[domain.CategoryRootCause] != 2 || stats.Nodes[domain.CategorySymptom] != 1 {
		t.Errorf("nodes = %v", stats.Nodes)
	}
	if len(stats.Relations) != 2 || stats.Relations[0].Type != domain.Causes {
		t.Fatalf("relations = %+v", stats.Relations)
	}
	c := stats.Relations[0]
	if c.Total != 2 || c.Verified != 1 || c.Uncertain != 1 || c.LowConfidence != 1 || math.Abs(c.AvgConfidence-0.7) > 1e-9 {
		t.Errorf("causes stats = %+v", c)
	}
	r := stats.Relations[1]
	if r.Plausible != 1 || r.LowConfidence != 1 {
		t.Errorf("resolved stats = %+v", r)
	}
}
