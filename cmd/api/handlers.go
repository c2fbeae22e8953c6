package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/WessleyAI/faultgraph/engine/conflict"
	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/WessleyAI/faultgraph/engine/hygiene"
	"github.com/WessleyAI/faultgraph/engine/ingest"
	"github.com/WessleyAI/faultgraph/engine/query"
	"github.com/WessleyAI/faultgraph/pkg/querycache"
)

// maxBody bounds request bodies; batches of a few thousand relations fit.
const maxBody = 8 << 20

type server struct {
	ingest   *ingest.Service
	detector *conflict.Detector
	query    *query.Engine
	hygiene  *hygiene.Optimizer
	store    graph.Store
	cache    *querycache.Cache // optional
	log      *slog.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/relations", s.handleUpsert)
	mux.HandleFunc("POST /api/relations/batch", s.handleBatch)
	mux.HandleFunc("POST /api/conflicts", s.handleConflicts)
	mux.HandleFunc("GET /api/diagnose", s.handleDiagnose)
	mux.HandleFunc("GET /api/prevention", s.handlePrevention)
	mux.HandleFunc("GET /api/tests", s.handleTestPath)
	mux.HandleFunc("GET /api/dependencies", s.handleDependencies)
	mux.HandleFunc("POST /api/hygiene", s.handleHygiene)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	return mux
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps validation errors to 400 and everything else to 500.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if domain.IsValidation(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// params reads optional numeric query parameters, answering 400 on the
// first malformed one.
type params struct {
	r   *http.Request
	err error
}

func (p *params) float(name string, def float64) float64 {
	v := p.r.URL.Query().Get(name)
	if v == "" || p.err != nil {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = domain.NewValidationError(name, v, domain.ErrInvalidField)
	}
	return f
}

func (p *params) int(name string, def int) int {
	v := p.r.URL.Query().Get(name)
	if v == "" || p.err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = domain.NewValidationError(name, v, domain.ErrInvalidField)
	}
	return n
}

func (p *params) required(name string) string {
	v := p.r.URL.Query().Get(name)
	if v == "" && p.err == nil {
		p.err = domain.NewValidationError(name, "", domain.ErrEmptyName)
	}
	return v
}

// invalidate drops cached query results after a write.
func (s *server) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.log.Warn("cache invalidate failed", "error", err)
	}
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var in domain.RelationInput
	if !decode(w, r, &in) {
		return
	}
	res, err := s.ingest.UpsertRelation(r.Context(), in)
	switch {
	case err == nil && res.Created:
		s.invalidate(r.Context())
		writeJSON(w, http.StatusCreated, res)
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case domain.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, res)
	default:
		s.fail(w, r, err)
	}
}

// BatchRequest is the JSON body for POST /api/relations/batch.
type BatchRequest struct {
	Relations []domain.RelationInput `json:"relations"`
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ingest.BatchUpsertRelations(r.Context(), req.Relations)
	if res.Success > 0 {
		s.invalidate(r.Context())
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ConflictRequest is the JSON body for POST /api/conflicts.
type ConflictRequest struct {
	Type   domain.RelationType `json:"relation_type"`
	Source domain.NodeRef      `json:"source"`
	Target domain.NodeRef      `json:"target"`
}

// ConflictResponse lists the conflicting relations.
type ConflictResponse struct {
	Conflicts []conflict.Conflict `json:"conflicts"`
	Total     int                 `json:"total"`
}

func (s *server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	var req ConflictRequest
	if !decode(w, r, &req) {
		return
	}
	found, err := s.detector.DetectConflicts(r.Context(), req.Type, req.Source, req.Target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if found == nil {
		found = []conflict.Conflict{}
	}
	writeJSON(w, http.StatusOK, ConflictResponse{Conflicts: found, Total: len(found)})
}

func (s *server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	p := &params{r: r}
	symptom := p.required("symptom")
	depth := p.int("max_depth", query.DefaultDiagnoseDepth)
	minConf := p.float("min_confidence", query.DefaultMinConfidence)
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}
	key := querycache.Key("diagnose", symptom, depth, minConf)
	res, err := querycache.Get(r.Context(), s.cache, key, func(ctx context.Context) (query.Diagnosis, error) {
		return s.query.Diagnose(ctx, symptom, depth, minConf)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handlePrevention(w http.ResponseWriter, r *http.Request) {
	p := &params{r: r}
	symptom := p.required("symptom")
	minConf := p.float("min_confidence", query.DefaultMinConfidence)
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}
	key := querycache.Key("prevention", symptom, minConf)
	res, err := querycache.Get(r.Context(), s.cache, key, func(ctx context.Context) (query.Prevention, error) {
		return s.query.PreventionMeasures(ctx, symptom, minConf)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleTestPath(w http.ResponseWriter, r *http.Request) {
	p := &params{r: r}
	target := p.required("target")
	category := domain.Category(r.URL.Query().Get("category"))
	minConf := p.float("min_confidence", query.DefaultMinConfidence)
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}
	key := querycache.Key("tests", target, category, minConf)
	res, err := querycache.Get(r.Context(), s.cache, key, func(ctx context.Context) (query.TestPlan, error) {
		return s.query.TestPath(ctx, target, category, minConf)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	p := &params{r: r}
	component := p.required("component")
	direction := r.URL.Query().Get("direction")
	depth := p.int("max_depth", query.DefaultDependencyDepth)
	minConf := p.float("min_confidence", query.DefaultMinConfidence)
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}
	key := querycache.Key("dependencies", component, direction, depth, minConf)
	res, err := querycache.Get(r.Context(), s.cache, key, func(ctx context.Context) (query.DependencyReport, error) {
		return s.query.Dependencies(ctx, component, direction, depth, minConf)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HygieneRequest is the JSON body for POST /api/hygiene. Omitted step
// toggles default to on; top-K stays off unless topk_per_node is set.
type HygieneRequest struct {
	Migrate        *bool                 `json:"migrate"`
	Dedup          *bool                 `json:"dedup"`
	Canonicalize   *bool                 `json:"canonicalize"`
	Prune          *bool                 `json:"prune"`
	PruneThreshold float64               `json:"prune_threshold"`
	TopKPerNode    int                   `json:"topk_per_node"`
	TopKTypes      []domain.RelationType `json:"topk_types"`
	Apply          bool                  `json:"apply"`
}

func (req HygieneRequest) options() hygiene.Options {
	on := func(b *bool) bool { return b == nil || *b }
	opts := hygiene.DefaultOptions()
	opts.Migrate = on(req.Migrate)
	opts.Dedup = on(req.Dedup)
	opts.Canonicalize = on(req.Canonicalize)
	opts.Prune = on(req.Prune)
	if req.PruneThreshold != 0 {
		opts.PruneThreshold = req.PruneThreshold
	}
	opts.TopKPerNode = req.TopKPerNode
	opts.TopKTypes = req.TopKTypes
	return opts
}

func (s *server) handleHygiene(w http.ResponseWriter, r *http.Request) {
	var req HygieneRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := s.hygiene.Run(r.Context(), req.options(), req.Apply)
	if req.Apply && report.Changes() > 0 {
		s.invalidate(r.Context())
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.RelationStats(r.Context())
	if err != nil && errors.Is(err, graph.ErrStore) {
		s.log.Error("stats failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "graph store unavailable")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
