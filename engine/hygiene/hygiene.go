// Package hygiene runs the maintenance pass over stored relations: type
// migration, duplicate removal, symmetric canonicalisation, low-confidence
// pruning and fan-out capping. Every step counts first and only mutates when
// the run is applied.
package hygiene

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/WessleyAI/faultgraph/pkg/fn"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultPruneThreshold is used when Options.PruneThreshold is zero.
const DefaultPruneThreshold = 0.3

// Options toggles the steps of a run.
type Options struct {
	Migrate        bool                  `json:"migrate"`
	Dedup          bool                  `json:"dedup"`
	Canonicalize   bool                  `json:"canonicalize"`
	Prune          bool                  `json:"prune"`
	PruneThreshold float64               `json:"prune_threshold"`
	TopKPerNode    int                   `json:"topk_per_node"`
	TopKTypes      []domain.RelationType `json:"topk_types,omitempty"` // empty caps every type
}

// DefaultOptions enables every step except top-K capping.
func DefaultOptions() Options {
	return Options{
		Migrate:        true,
		Dedup:          true,
		Canonicalize:   true,
		Prune:          true,
		PruneThreshold: DefaultPruneThreshold,
	}
}

// Report summarises a run. Step counts are what the step removed, or would
// remove on a dry run. Dry-run counts are taken against the unmodified store.
type Report struct {
	RunID               string    `json:"run_id"`
	Applied             bool      `json:"applied"`
	StartedAt           time.Time `json:"started_at"`
	Duration            string    `json:"duration"`
	TotalBefore         int       `json:"total_before"`
	TotalAfter          int       `json:"total_after"`
	Migrated            int       `json:"migrated"`
	PotentialDuplicates int       `json:"potential_duplicates"`
	Deduplicated        int       `json:"deduplicated"`
	Canonicalized       int       `json:"canonicalized"`
	Pruned              int       `json:"pruned"`
	Capped              int       `json:"capped"`
}

// Changes is the number of edges the run touched.
func (r Report) Changes() int {
	return r.Migrated + r.Deduplicated + r.Canonicalized + r.Pruned + r.Capped
}

// Optimizer runs hygiene passes against a Store.
type Optimizer struct {
	store   graph.Store
	schema  domain.Schema
	log     *slog.Logger
	now     func() time.Time
	changes metric.Int64Counter
}

// NewOptimizer creates an Optimizer. A nil logger uses slog.Default.
func NewOptimizer(store graph.Store, schema domain.Schema, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Optimizer{store: store, schema: schema, log: logger, now: time.Now}
	o.changes, _ = otel.Meter("engine/hygiene").Int64Counter("faultgraph.hygiene.changes",
		metric.WithDescription("Relations migrated or deleted by hygiene runs"))
	return o
}

type step struct {
	name    string
	enabled bool
	run     func(ctx context.Context, apply bool, r *Report) (int, error)
}

// Run executes the enabled steps in order: migrate, dedup, canonicalize,
// prune, top-K. With apply=false nothing is written.
func (o *Optimizer) Run(ctx context.Context, opts Options, apply bool) (Report, error) {
	if opts.PruneThreshold == 0 {
		opts.PruneThreshold = DefaultPruneThreshold
	}
	if opts.PruneThreshold < 0 || opts.PruneThreshold > 1 {
		return Report{}, domain.NewValidationError("prune_threshold", fmt.Sprintf("%g", opts.PruneThreshold), domain.ErrConfidenceRange)
	}

	ctx, span := otel.Tracer("engine/hygiene").Start(ctx, "hygiene.run")
	defer span.End()

	r := Report{RunID: uuid.NewString(), Applied: apply, StartedAt: o.now().UTC()}
	span.SetAttributes(attribute.String("run_id", r.RunID), attribute.Bool("apply", apply))
	log := o.log.With("run_id", r.RunID, "apply", apply)

	var err error
	if r.TotalBefore, err = o.total(ctx); err != nil {
		span.RecordError(err)
		return r, err
	}

	steps := []step{
		{"migrate", opts.Migrate, o.migrate},
		{"dedup", opts.Dedup, o.dedup},
		{"canonicalize", opts.Canonicalize, o.canonicalize},
		{"prune", opts.Prune, func(ctx context.Context, apply bool, _ *Report) (int, error) {
			return o.prune(ctx, apply, opts.PruneThreshold)
		}},
		{"topk", opts.TopKPerNode > 0, func(ctx context.Context, apply bool, _ *Report) (int, error) {
			return o.topK(ctx, apply, opts.TopKPerNode, opts.TopKTypes)
		}},
	}
	for _, s := range steps {
		if !s.enabled {
			continue
		}
		sctx, sspan := otel.Tracer("engine/hygiene").Start(ctx, "hygiene."+s.name)
		n, err := s.run(sctx, apply, &r)
		sspan.SetAttributes(attribute.Int("count", n))
		sspan.End()
		if err != nil {
			span.RecordError(err)
			log.Error("hygiene: step failed", "step", s.name, "error", err)
			return r, fmt.Errorf("hygiene %s: %w", s.name, err)
		}
		o.record(&r, s.name, n)
		if apply && n > 0 {
			o.changes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("step", s.name)))
		}
		log.Info("hygiene: step done", "step", s.name, "count", n)
	}

	if r.TotalAfter, err = o.total(ctx); err != nil {
		span.RecordError(err)
		return r, err
	}
	r.Duration = o.now().UTC().Sub(r.StartedAt).String()
	log.Info("hygiene: run done", "before", r.TotalBefore, "after", r.TotalAfter, "changes", r.Changes())
	return r, nil
}

func (o *Optimizer) record(r *Report, name string, n int) {
	switch name {
	case "migrate":
		r.Migrated = n
	case "dedup":
		r.Deduplicated = n
	case "canonicalize":
		r.Canonicalized = n
	case "prune":
		r.Pruned = n
	case "topk":
		r.Capped = n
	}
}

func (o *Optimizer) total(ctx context.Context) (int, error) {
	edges, err := o.store.ScanRelations(ctx, nil)
	if err != nil {
		return 0, err
	}
	return len(edges), nil
}

// migrate rewrites deprecated relation types into their replacement. Pairs
// that already carry the replacement are counted as potential duplicates and
// left for dedup.
func (o *Optimizer) migrate(ctx context.Context, apply bool, r *Report) (int, error) {
	olds := make([]domain.RelationType, 0, len(o.schema.Migrations))
	for old := range o.schema.Migrations {
		olds = append(olds, old)
	}
	sort.Slice(olds, func(i, j int) bool { return olds[i] < olds[j] })

	migrated := 0
	for _, old := range olds {
		repl := o.schema.Migrations[old]
		edges, err := o.store.ScanRelations(ctx, []domain.RelationType{old})
		if err != nil {
			return migrated, err
		}
		if len(edges) == 0 {
			continue
		}
		existing, err := o.store.ScanRelations(ctx, []domain.RelationType{repl})
		if err != nil {
			return migrated, err
		}
		taken := make(map[string]bool, len(existing))
		for _, e := range existing {
			taken[pairKey(e)] = true
		}

		stamp := o.now().UTC().Format(time.RFC3339)
		for _, e := range edges {
			if taken[pairKey(e)] {
				r.PotentialDuplicates++
			}
			if apply {
				props := make(map[string]any, len(e.Props)+2)
				for k, v := range e.Props {
					props[k] = v
				}
				props["migrated_from"] = string(old)
				props["migrated_at"] = stamp
				if _, err := o.store.MigrateRelation(ctx, e, repl, props); err != nil {
					return migrated, err
				}
			}
			migrated++
		}
	}
	return migrated, nil
}

// dedup keeps one edge per (from, to, type).
func (o *Optimizer) dedup(ctx context.Context, apply bool, _ *Report) (int, error) {
	edges, err := o.store.ScanRelations(ctx, nil)
	if err != nil {
		return 0, err
	}
	var doomed []string
	for _, group := range fn.GroupBy(edges, graph.Edge.Key) {
		if len(group) < 2 {
			continue
		}
		rank(group)
		doomed = append(doomed, ids(group[1:])...)
	}
	return o.delete(ctx, apply, doomed)
}

// canonicalize drops the reverse direction of symmetric relations stored
// both ways, keeping the edge whose source sorts first.
func (o *Optimizer) canonicalize(ctx context.Context, apply bool, _ *Report) (int, error) {
	if len(o.schema.Symmetric) == 0 {
		return 0, nil
	}
	edges, err := o.store.ScanRelations(ctx, o.schema.Symmetric)
	if err != nil {
		return 0, err
	}
	present := make(map[string]bool, len(edges))
	for _, e := range edges {
		present[e.Key()] = true
	}
	doomed := fn.Filter(edges, func(e graph.Edge) bool {
		from, to := e.From.Ref(), e.To.Ref()
		if from == to || !to.Less(from) {
			return false
		}
		return present[graph.Edge{Type: e.Type, From: e.To, To: e.From}.Key()]
	})
	return o.delete(ctx, apply, ids(doomed))
}

// prune drops inferred relations below threshold. Unset inferred counts as
// inferred and unset confidence as zero.
func (o *Optimizer) prune(ctx context.Context, apply bool, threshold float64) (int, error) {
	edges, err := o.store.ScanRelations(ctx, nil)
	if err != nil {
		return 0, err
	}
	doomed := fn.Filter(edges, func(e graph.Edge) bool {
		return e.Inferred() && e.Confidence() < threshold
	})
	return o.delete(ctx, apply, ids(doomed))
}

// topK keeps the k best outgoing edges per source node and type.
func (o *Optimizer) topK(ctx context.Context, apply bool, k int, types []domain.RelationType) (int, error) {
	edges, err := o.store.ScanRelations(ctx, types)
	if err != nil {
		return 0, err
	}
	groups := fn.GroupBy(edges, func(e graph.Edge) string {
		return e.From.Ref().Key() + "\x01" + string(e.Type)
	})
	var doomed []string
	for _, group := range groups {
		if len(group) <= k {
			continue
		}
		rank(group)
		doomed = append(doomed, ids(group[k:])...)
	}
	return o.delete(ctx, apply, doomed)
}

func (o *Optimizer) delete(ctx context.Context, apply bool, doomed []string) (int, error) {
	if len(doomed) == 0 {
		return 0, nil
	}
	if !apply {
		return len(doomed), nil
	}
	sort.Strings(doomed)
	return o.store.DeleteRelations(ctx, doomed)
}

// rank orders edges best first: confidence desc, then earliest created_at
// (missing last), then smallest ID.
func rank(edges []graph.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if ca, cb := a.Confidence(), b.Confidence(); ca != cb {
			return ca > cb
		}
		ta, tb := a.Str("created_at"), b.Str("created_at")
		switch {
		case ta != tb && ta == "":
			return false
		case ta != tb && tb == "":
			return true
		case ta != tb:
			return ta < tb
		}
		return a.ID < b.ID
	})
}

func ids(edges []graph.Edge) []string {
	return fn.Map(edges, func(e graph.Edge) string { return e.ID })
}

func pairKey(e graph.Edge) string {
	return e.From.Ref().Key() + "\x01" + e.To.Ref().Key()
}
