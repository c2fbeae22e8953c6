package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/WessleyAI/faultgraph/engine/conflict"
	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/WessleyAI/faultgraph/engine/hygiene"
	"github.com/WessleyAI/faultgraph/engine/ingest"
	"github.com/WessleyAI/faultgraph/engine/query"
)

var (
	openCircuit = domain.NodeRef{Name: "开路", Category: domain.CategorySymptom}
	coldSolder  = domain.NodeRef{Name: "冷焊", Category: domain.CategoryRootCause}
	resolder    = domain.NodeRef{Name: "重新焊接", Category: domain.CategorySolution}
)

func newTestServer(store graph.Store) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	schema := domain.DefaultSchema()
	detector := conflict.NewDetector(store, schema)
	srv := &server{
		ingest:   ingest.NewService(ingest.Deps{Store: store, Schema: schema, Detector: detector, Logger: logger}),
		detector: detector,
		query:    query.NewEngine(store, schema, logger),
		hygiene:  hygiene.NewOptimizer(store, schema, logger),
		store:    store,
		log:      logger,
	}
	return srv.routes()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

const causesBody = `{
	"relation_type": "CAUSES",
	"source": {"name": "冷焊", "category": "RootCause"},
	"target": {"name": "开路", "category": "Symptom"},
	"props": {"confidence": 0.9, "evidence": "冷焊导致焊点开路，X-ray 确认", "severity": "P1"}
}`

func TestHealth(t *testing.T) {
	w := do(t, newTestServer(graph.NewMemStore()), http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decodeBody[map[string]string](t, w); got["status"] != "ok" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestUpsert_CreatedThenDuplicate(t *testing.T) {
	store := graph.NewMemStore()
	h := newTestServer(store)

	w := do(t, h, http.MethodPost, "/api/relations", causesBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	first := decodeBody[ingest.UpsertResult](t, w)
	if !first.Created || first.ID == "" || first.Status != domain.StatusVerified {
		t.Fatalf("unexpected result %+v", first)
	}

	w = do(t, h, http.MethodPost, "/api/relations", causesBody)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", w.Code)
	}
	dup := decodeBody[ingest.UpsertResult](t, w)
	if dup.Created || dup.ID != first.ID {
		t.Fatalf("unexpected duplicate result %+v", dup)
	}
	if store.Len() != 1 {
		t.Fatalf("store has %d edges", store.Len())
	}
}

func TestUpsert_ValidationError(t *testing.T) {
	body := strings.Replace(causesBody, `"confidence": 0.9`, `"confidence": 1.5`, 1)
	w := do(t, newTestServer(graph.NewMemStore()), http.MethodPost, "/api/relations", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	res := decodeBody[ingest.UpsertResult](t, w)
	if res.Created || !strings.Contains(res.Message, "confidence") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestUpsert_MalformedBody(t *testing.T) {
	w := do(t, newTestServer(graph.NewMemStore()), http.MethodPost, "/api/relations", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestBatch(t *testing.T) {
	body := `{"relations": [` + causesBody + `,` + causesBody + `]}`
	w := do(t, newTestServer(graph.NewMemStore()), http.MethodPost, "/api/relations/batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	res := decodeBody[ingest.BatchResult](t, w)
	if res.Success != 1 || res.Failed != 1 || len(res.CreatedIDs) != 1 {
		t.Fatalf("unexpected batch result %+v", res)
	}
	if res.Errors[0] != "relation 2: already exists" {
		t.Errorf("unexpected error entry %q", res.Errors[0])
	}
}

func TestConflicts(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	humidity := domain.NodeRef{Name: "高湿环境", Category: domain.CategorySymptom}
	corrosion := domain.NodeRef{Name: "腐蚀", Category: domain.CategorySymptom}
	store.CreateRelation(ctx, domain.Prevents, humidity, corrosion, map[string]any{
		"confidence": 0.7, "evidence": "实验室盐雾测试", "source": "lab report",
	})

	body := `{"relation_type": "CAUSES",
		"source": {"name": "高湿环境", "category": "Symptom"},
		"target": {"name": "腐蚀", "category": "Symptom"}}`
	w := do(t, newTestServer(store), http.MethodPost, "/api/conflicts", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	res := decodeBody[ConflictResponse](t, w)
	if res.Total != 1 || res.Conflicts[0].Type != domain.Prevents {
		t.Fatalf("unexpected response %+v", res)
	}

	// a pair with nothing stored answers an empty list, not null
	body = strings.Replace(body, "腐蚀", "短路", 1)
	w = do(t, newTestServer(store), http.MethodPost, "/api/conflicts", body)
	if !bytes.Contains(w.Body.Bytes(), []byte(`"conflicts":[]`)) {
		t.Fatalf("expected empty list, got %s", w.Body)
	}
}

func seed(t *testing.T) *graph.MemStore {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemStore()
	if _, err := store.CreateRelation(ctx, domain.Causes, coldSolder, openCircuit, map[string]any{
		"confidence": 0.9, "evidence": "冷焊导致焊点开路，X-ray 确认",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateRelation(ctx, domain.ResolvedBy, openCircuit, resolder, map[string]any{
		"confidence": 0.85, "effectiveness": 0.9, "evidence": "返修后良率恢复",
	}); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestDiagnose(t *testing.T) {
	h := newTestServer(seed(t))
	w := do(t, h, http.MethodGet, "/api/diagnose?symptom="+url.QueryEscape("开路"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	d := decodeBody[query.Diagnosis](t, w)
	if d.TotalChains != 1 || d.TotalSolutions != 1 || d.Solutions[0].Name != "重新焊接" {
		t.Fatalf("unexpected diagnosis %+v", d)
	}

	// a floor above the chain confidence filters it out
	w = do(t, h, http.MethodGet, "/api/diagnose?symptom="+url.QueryEscape("开路")+"&min_confidence=0.95", "")
	if d := decodeBody[query.Diagnosis](t, w); d.TotalChains != 0 {
		t.Fatalf("expected no chains, got %+v", d)
	}
}

func TestDiagnose_BadParams(t *testing.T) {
	h := newTestServer(seed(t))
	for _, target := range []string{
		"/api/diagnose",
		"/api/diagnose?symptom=x&min_confidence=abc",
		"/api/diagnose?symptom=x&max_depth=deep",
		"/api/diagnose?symptom=x&min_confidence=1.5",
	} {
		if w := do(t, h, http.MethodGet, target, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", target, w.Code)
		}
	}
}

func TestPrevention(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	coating := domain.NodeRef{Name: "三防漆", Category: domain.CategorySolution}
	store.CreateRelation(ctx, domain.Prevents, coating, openCircuit, map[string]any{
		"confidence": 0.8, "evidence": "涂覆后开路率下降",
	})
	w := do(t, newTestServer(store), http.MethodGet, "/api/prevention?symptom="+url.QueryEscape("开路"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	p := decodeBody[query.Prevention](t, w)
	if p.Total != 1 || p.Measures[0].Name != "三防漆" {
		t.Fatalf("unexpected prevention %+v", p)
	}
}

func TestTestPathAndDependencies(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	ict := domain.NodeRef{Name: "ICT 测试", Category: domain.CategoryTestCase}
	pcb := domain.NodeRef{Name: "主板", Category: domain.CategoryComponent}
	paste := domain.NodeRef{Name: "锡膏", Category: domain.CategoryMaterial}
	store.CreateRelation(ctx, domain.Detects, ict, openCircuit, map[string]any{"confidence": 0.8})
	store.CreateRelation(ctx, domain.DependsOn, pcb, paste, map[string]any{"confidence": 0.9})
	h := newTestServer(store)

	w := do(t, h, http.MethodGet, "/api/tests?target="+url.QueryEscape("开路")+"&category=Symptom", "")
	if w.Code != http.StatusOK {
		t.Fatalf("tests status = %d body=%s", w.Code, w.Body)
	}
	plan := decodeBody[query.TestPlan](t, w)
	if len(plan.Tests) != 1 || plan.Tests[0].Name != "ICT 测试" {
		t.Fatalf("unexpected plan %+v", plan)
	}

	w = do(t, h, http.MethodGet, "/api/dependencies?component="+url.QueryEscape("主板")+"&direction=upstream", "")
	if w.Code != http.StatusOK {
		t.Fatalf("deps status = %d body=%s", w.Code, w.Body)
	}
	rep := decodeBody[query.DependencyReport](t, w)
	if len(rep.Dependencies.Upstream) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	w = do(t, h, http.MethodGet, "/api/dependencies?component=x&direction=sideways", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad direction status = %d", w.Code)
	}
}

func TestHygiene_DryRunThenApply(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	weak := domain.NodeRef{Name: "静电", Category: domain.CategoryRootCause}
	store.CreateRelation(ctx, domain.Causes, weak, openCircuit, map[string]any{"confidence": 0.1})
	h := newTestServer(store)

	w := do(t, h, http.MethodPost, "/api/hygiene", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	rep := decodeBody[hygiene.Report](t, w)
	if rep.Applied || rep.Pruned != 1 || store.Len() != 3 {
		t.Fatalf("dry run changed the store or missed the edge: %+v len=%d", rep, store.Len())
	}

	w = do(t, h, http.MethodPost, "/api/hygiene", `{"apply": true, "dedup": false}`)
	rep = decodeBody[hygiene.Report](t, w)
	if !rep.Applied || rep.Pruned != 1 || store.Len() != 2 {
		t.Fatalf("apply: %+v len=%d", rep, store.Len())
	}

	for _, body := range []string{`{"prune_threshold": 2}`, `{"apply": true, "prune_threshold": -0.5}`} {
		w = do(t, h, http.MethodPost, "/api/hygiene", body)
		if w.Code != http.StatusBadRequest || store.Len() != 2 {
			t.Fatalf("%s: status = %d len=%d", body, w.Code, store.Len())
		}
	}
}

func TestHygieneRequest_Options(t *testing.T) {
	off := false
	opts := HygieneRequest{Dedup: &off, TopKPerNode: 3}.options()
	if !opts.Migrate || opts.Dedup || !opts.Canonicalize || !opts.Prune {
		t.Errorf("unexpected toggles %+v", opts)
	}
	if opts.PruneThreshold != hygiene.DefaultOptions().PruneThreshold || opts.TopKPerNode != 3 {
		t.Errorf("unexpected options %+v", opts)
	}
}

func TestStats(t *testing.T) {
	w := do(t, newTestServer(seed(t)), http.MethodGet, "/api/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	stats := decodeBody[graph.Stats](t, w)
	if len(stats.Relations) != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type brokenStore struct{ *graph.MemStore }

func (brokenStore) RelationStats(context.Context) (graph.Stats, error) {
	return graph.Stats{}, graph.ErrStore
}

func TestStats_StoreDown(t *testing.T) {
	w := do(t, newTestServer(brokenStore{graph.NewMemStore()}), http.MethodGet, "/api/stats", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	w := do(t, newTestServer(graph.NewMemStore()), http.MethodGet, "/api/relations", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
}
