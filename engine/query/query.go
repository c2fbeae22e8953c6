// Package query answers read-only diagnostic questions over the knowledge
// graph: causal chains into a symptom, its solutions and preventions, test
// coverage of a target and component dependencies.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/WessleyAI/faultgraph/pkg/fn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Defaults used by callers that omit a parameter.
const (
	DefaultMinConfidence   = 0.6
	DefaultDiagnoseDepth   = 3
	DefaultDependencyDepth = 2

	MaxCausalChains = 10
	MaxSolutions    = 5
	MaxDependencies = 20
)

// Engine runs diagnostic queries against a Store.
type Engine struct {
	store  graph.Store
	schema domain.Schema
	log    *slog.Logger
}

// NewEngine creates an Engine. A nil logger uses slog.Default.
func NewEngine(store graph.Store, schema domain.Schema, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, schema: schema, log: logger}
}

func (q *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("engine/query").Start(ctx, "query."+op, trace.WithAttributes(attrs...))
}

func checkName(field, name string) error {
	if name == "" {
		return domain.NewValidationError(field, "", domain.ErrEmptyName)
	}
	return nil
}

func checkConfidence(minConf float64) error {
	if math.IsNaN(minConf) || minConf < 0 || minConf > 1 {
		return domain.NewValidationError("min_confidence", fmt.Sprintf("%g", minConf), domain.ErrConfidenceRange)
	}
	return nil
}

// Diagnose returns the top causal chains ending at symptom and the best
// solutions for it. An unknown symptom yields empty lists.
func (q *Engine) Diagnose(ctx context.Context, symptom string, maxDepth int, minConf float64) (Diagnosis, error) {
	if err := checkName("symptom", symptom); err != nil {
		return Diagnosis{}, err
	}
	if err := checkConfidence(minConf); err != nil {
		return Diagnosis{}, err
	}
	maxDepth = q.schema.ClampDepth(maxDepth, DefaultDiagnoseDepth)

	ctx, span := q.start(ctx, "diagnose",
		attribute.String("symptom", symptom),
		attribute.Int("max_depth", maxDepth),
		attribute.Float64("min_confidence", minConf))
	defer span.End()

	ref := domain.NodeRef{Name: symptom, Category: domain.CategorySymptom}
	chains, err := walk{
		store:    q.store,
		types:    []domain.RelationType{domain.Causes},
		backward: true,
		maxDepth: maxDepth,
		minConf:  minConf,
		limit:    MaxCausalChains,
	}.run(ctx, ref)
	if err != nil {
		span.RecordError(err)
		return Diagnosis{}, err
	}

	resolved, err := q.store.Outgoing(ctx, ref, []domain.RelationType{domain.ResolvedBy}, minConf)
	if err != nil {
		span.RecordError(err)
		return Diagnosis{}, err
	}
	solutions := fn.Map(resolved, solutionOf)
	sortSolutions(solutions)
	if len(solutions) > MaxSolutions {
		solutions = solutions[:MaxSolutions]
	}

	q.log.Debug("query: diagnose", "symptom", symptom, "chains", len(chains), "solutions", len(solutions))
	return Diagnosis{
		Symptom:        symptom,
		CausalChains:   chains,
		Solutions:      solutions,
		TotalChains:    len(chains),
		TotalSolutions: len(solutions),
	}, nil
}

func solutionOf(e graph.Edge) Solution {
	s := Solution{
		Name:        e.To.Name,
		Category:    e.To.Category,
		Description: e.To.Description,
		Confidence:  e.Confidence(),
		Risk:        e.Str("risk"),
		CostLevel:   e.Str("cost_level"),
		Evidence:    e.Str("evidence"),
	}
	if v, ok := e.Float("effectiveness"); ok {
		s.Effectiveness = domain.Ptr(v)
	}
	return s
}

// sortSolutions orders by effectiveness desc with missing values last, then
// confidence desc, then name.
func sortSolutions(s []Solution) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		switch {
		case a.Effectiveness != nil && b.Effectiveness == nil:
			return true
		case a.Effectiveness == nil && b.Effectiveness != nil:
			return false
		case a.Effectiveness != nil && *a.Effectiveness != *b.Effectiveness:
			return *a.Effectiveness > *b.Effectiveness
		case a.Confidence != b.Confidence:
			return a.Confidence > b.Confidence
		}
		return a.Name < b.Name
	})
}

// PreventionMeasures lists the PREVENTS relations into symptom that meet
// minConf, by confidence desc.
func (q *Engine) PreventionMeasures(ctx context.Context, symptom string, minConf float64) (Prevention, error) {
	if err := checkName("symptom", symptom); err != nil {
		return Prevention{}, err
	}
	if err := checkConfidence(minConf); err != nil {
		return Prevention{}, err
	}
	ctx, span := q.start(ctx, "prevention", attribute.String("symptom", symptom))
	defer span.End()

	ref := domain.NodeRef{Name: symptom, Category: domain.CategorySymptom}
	edges, err := q.store.Incoming(ctx, ref, []domain.RelationType{domain.Prevents}, minConf)
	if err != nil {
		span.RecordError(err)
		return Prevention{}, err
	}
	sortByConfidence(edges, func(e graph.Edge) string { return e.From.Name })

	measures := fn.Map(edges, func(e graph.Edge) Measure {
		return Measure{
			Name:          e.From.Name,
			Category:      e.From.Category,
			Description:   e.From.Description,
			Confidence:    e.Confidence(),
			EvidenceLevel: e.Str("evidence_level"),
			Evidence:      e.Str("evidence"),
		}
	})
	return Prevention{Symptom: symptom, Measures: measures, Total: len(measures)}, nil
}

// TestPath lists the test cases that test or detect target and the metrics
// those tests measure. Both links of a metric must meet minConf. An empty
// category matches the target name in any category.
func (q *Engine) TestPath(ctx context.Context, target string, category domain.Category, minConf float64) (TestPlan, error) {
	if err := checkName("target", target); err != nil {
		return TestPlan{}, err
	}
	if err := checkConfidence(minConf); err != nil {
		return TestPlan{}, err
	}
	ctx, span := q.start(ctx, "test_path",
		attribute.String("target", target),
		attribute.String("category", string(category)))
	defer span.End()

	ref := domain.NodeRef{Name: target, Category: category}
	edges, err := q.store.Incoming(ctx, ref, []domain.RelationType{domain.Tests, domain.Detects}, minConf)
	if err != nil {
		span.RecordError(err)
		return TestPlan{}, err
	}
	edges = fn.Filter(edges, func(e graph.Edge) bool { return e.From.Category == domain.CategoryTestCase })
	sortByConfidence(edges, func(e graph.Edge) string { return e.From.Name })

	plan := TestPlan{Target: target, Category: category, Tests: []TestCase{}, Metrics: []TestMetric{}}
	for _, t := range edges {
		plan.Tests = append(plan.Tests, testCaseOf(t))
	}

	tests := fn.Unique(fn.Map(edges, func(e graph.Edge) domain.NodeRef { return e.From.Ref() }))
	for _, test := range tests {
		measures, err := q.store.Outgoing(ctx, test, []domain.RelationType{domain.Measures}, minConf)
		if err != nil {
			span.RecordError(err)
			return TestPlan{}, err
		}
		measures = fn.Filter(measures, func(e graph.Edge) bool { return e.To.Category == domain.CategoryMetric })
		sort.SliceStable(measures, func(i, j int) bool { return measures[i].To.Name < measures[j].To.Name })
		plan.Metrics = append(plan.Metrics, fn.Unique(fn.Map(measures, metricOf))...)
	}
	plan.TotalTests = len(plan.Tests)
	plan.TotalMetrics = len(plan.Metrics)
	return plan, nil
}

func testCaseOf(e graph.Edge) TestCase {
	tc := TestCase{
		Name:         e.From.Name,
		Description:  e.From.Description,
		RelationType: e.Type,
		Confidence:   e.Confidence(),
		Env:          e.Str("env"),
		Method:       e.Str("method"),
		Evidence:     e.Str("evidence"),
	}
	if v, ok := e.Float("coverage"); ok {
		tc.Coverage = domain.Ptr(v)
	}
	return tc
}

func metricOf(e graph.Edge) TestMetric {
	return TestMetric{
		TestName:          e.From.Name,
		MetricName:        e.To.Name,
		MetricDescription: e.To.Description,
		Threshold:         e.Str("threshold"),
		Method:            e.Str("method"),
	}
}

// Dependencies walks DEPENDS_ON chains from component. Upstream follows
// what the component depends on, downstream what depends on it.
func (q *Engine) Dependencies(ctx context.Context, component string, direction string, maxDepth int, minConf float64) (DependencyReport, error) {
	if err := checkName("component", component); err != nil {
		return DependencyReport{}, err
	}
	dir, err := domain.ParseDirection(direction)
	if err != nil {
		return DependencyReport{}, err
	}
	if err := checkConfidence(minConf); err != nil {
		return DependencyReport{}, err
	}
	maxDepth = q.schema.ClampDepth(maxDepth, DefaultDependencyDepth)

	ctx, span := q.start(ctx, "dependencies",
		attribute.String("component", component),
		attribute.String("direction", string(dir)),
		attribute.Int("max_depth", maxDepth))
	defer span.End()

	// name-only: downstream chains may start at a Material or Tool
	ref := domain.NodeRef{Name: component}
	w := walk{
		store:    q.store,
		types:    []domain.RelationType{domain.DependsOn},
		maxDepth: maxDepth,
		minConf:  minConf,
		limit:    MaxDependencies,
	}
	report := DependencyReport{Component: component, Direction: dir}
	if dir == domain.Upstream || dir == domain.Both {
		if report.Dependencies.Upstream, err = w.run(ctx, ref); err != nil {
			span.RecordError(err)
			return DependencyReport{}, err
		}
	}
	if dir == domain.Downstream || dir == domain.Both {
		w.backward = true
		if report.Dependencies.Downstream, err = w.run(ctx, ref); err != nil {
			span.RecordError(err)
			return DependencyReport{}, err
		}
	}
	report.TotalUpstream = len(report.Dependencies.Upstream)
	report.TotalDownstream = len(report.Dependencies.Downstream)
	return report, nil
}

// sortByConfidence orders edges by confidence desc, then by name asc.
func sortByConfidence(edges []graph.Edge, name func(graph.Edge) string) {
	sort.SliceStable(edges, func(i, j int) bool {
		ci, cj := edges[i].Confidence(), edges[j].Confidence()
		if ci != cj {
			return ci > cj
		}
		return name(edges[i]) < name(edges[j])
	})
}
