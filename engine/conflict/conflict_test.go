package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
)

var (
	humidity  = domain.NodeRef{Name: "高湿环境", Category: domain.CategorySymptom}
	coating   = domain.NodeRef{Name: "三防漆", Category: domain.CategorySolution}
	corrosion = domain.NodeRef{Name: "腐蚀", Category: domain.CategorySymptom}
)

func TestDetectConflicts_CausesVsPrevents(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	store.CreateRelation(ctx, domain.Prevents, humidity, corrosion, map[string]any{
		"confidence": 0.7, "evidence": "实验室盐雾测试", "source": "lab report",
	})
	d := NewDetector(store, domain.DefaultSchema())

	got, err := d.DetectConflicts(ctx, domain.Causes, humidity, corrosion)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(got))
	}
	c := got[0]
	if c.Type != domain.Prevents || c.Confidence != 0.7 || c.Evidence != "实验室盐雾测试" || c.Source != "lab report" {
		t.Errorf("unexpected conflict %+v", c)
	}

	// the reverse lookup finds the same pair from the other side
	store.CreateRelation(ctx, domain.Causes, humidity, corrosion, map[string]any{"confidence": 0.9})
	got, _ = d.DetectConflicts(ctx, domain.Prevents, humidity, corrosion)
	if len(got) != 1 || got[0].Type != domain.Causes {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestDetectConflicts_OrderedPair(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	store.CreateRelation(ctx, domain.Prevents, corrosion, humidity, map[string]any{"confidence": 0.7})
	d := NewDetector(store, domain.DefaultSchema())

	got, err := d.DetectConflicts(ctx, domain.Causes, humidity, corrosion)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("reverse direction is not a conflict, got %+v", got)
	}
}

type failingStore struct{ graph.Store }

func (failingStore) RelationsBetween(context.Context, domain.NodeRef, domain.NodeRef, []domain.RelationType) ([]graph.Edge, error) {
	return nil, graph.ErrStore
}

func TestDetectConflicts_NoDeclaredOpposite(t *testing.T) {
	d := NewDetector(failingStore{}, domain.DefaultSchema())
	got, err := d.DetectConflicts(context.Background(), domain.ResolvedBy, corrosion, coating)
	if err != nil || got != nil {
		t.Fatalf("types without opposites must not query the store: %v %v", got, err)
	}
}

func TestDetectConflicts_StoreError(t *testing.T) {
	d := NewDetector(failingStore{}, domain.DefaultSchema())
	_, err := d.DetectConflicts(context.Background(), domain.Causes, humidity, corrosion)
	if !errors.Is(err, graph.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}

func TestDetectConflicts_CustomTable(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	store.CreateRelation(ctx, domain.Prevents, coating, corrosion, map[string]any{"confidence": 0.8})
	schema := domain.DefaultSchema()
	schema.Conflicts[domain.Affects] = []domain.RelationType{domain.Prevents}

	got, err := NewDetector(store, schema).DetectConflicts(ctx, domain.Affects, coating, corrosion)
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v, %v", got, err)
	}
}
