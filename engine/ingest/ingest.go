// Package ingest validates, fingerprints and stores relations, one at a time
// or in batches, and consumes relation messages from NATS.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/faultgraph/engine/conflict"
	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/WessleyAI/faultgraph/pkg/fn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	msgCreated = "created"
	msgExists  = "already exists"
)

// ConflictNotifier receives advisory conflict notices.
type ConflictNotifier interface {
	NotifyConflicts(ctx context.Context, n ConflictNotice) error
}

// Deps holds the external dependencies of the ingest service.
type Deps struct {
	Store    graph.Store
	Schema   domain.Schema
	Detector *conflict.Detector // built from Store and Schema when nil
	Notifier ConflictNotifier   // optional
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service upserts relations.
type Service struct {
	store    graph.Store
	schema   domain.Schema
	detector *conflict.Detector
	notifier ConflictNotifier
	log      *slog.Logger
	now      func() time.Time
	upsert   fn.Stage[domain.RelationInput, pending]

	created    metric.Int64Counter
	duplicates metric.Int64Counter
	rejected   metric.Int64Counter
}

// NewService wires the upsert pipeline.
func NewService(deps Deps) *Service {
	s := &Service{
		store:    deps.Store,
		schema:   deps.Schema,
		detector: deps.Detector,
		notifier: deps.Notifier,
		log:      deps.Logger,
		now:      deps.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.detector == nil {
		s.detector = conflict.NewDetector(deps.Store, deps.Schema)
	}

	meter := otel.Meter("engine/ingest")
	s.created, _ = meter.Int64Counter("faultgraph.ingest.created",
		metric.WithDescription("Relations created"))
	s.duplicates, _ = meter.Int64Counter("faultgraph.ingest.duplicates",
		metric.WithDescription("Upserts skipped because the fingerprint exists"))
	s.rejected, _ = meter.Int64Counter("faultgraph.ingest.rejected",
		metric.WithDescription("Upserts rejected by validation"))

	// normalize → lookup → validate → build → create
	s.upsert = fn.Then(
		fn.TracedStage("ingest.normalize", fn.MapStage(s.normalize)),
		fn.Pipeline(
			fn.TracedStage("ingest.lookup", s.lookup),
			fn.TracedStage("ingest.validate", s.validate),
			fn.TracedStage("ingest.build", fn.MapStage(s.build)),
			fn.TracedStage("ingest.create", s.create),
		),
	)
	return s
}

func (s *Service) normalize(in domain.RelationInput) pending {
	in = s.schema.Normalize(in)
	return pending{in: in, hash: domain.Fingerprint(in)}
}

func (s *Service) lookup(ctx context.Context, p pending) fn.Result[pending] {
	// The store sanitizes type labels, so an unknown type could alias a
	// known one and be reported as a duplicate.
	if !s.schema.Known(p.in.Type) {
		return fn.Err[pending](domain.NewValidationError("relation_type", string(p.in.Type), domain.ErrUnknownRelationType))
	}
	id, found, err := s.store.FindRelation(ctx, p.in.Type, p.in.Source, p.in.Target, p.hash)
	if err != nil {
		return fn.Err[pending](err)
	}
	if found {
		return fn.Err[pending](&duplicateError{id: id})
	}
	return fn.Ok(p)
}

func (s *Service) validate(_ context.Context, p pending) fn.Result[pending] {
	if err := s.schema.ValidateRelation(p.in); err != nil {
		return fn.Err[pending](err)
	}
	return fn.Ok(p)
}

// build assembles the stored property bag: required fields, derived status,
// fingerprint, timestamps and the allow-listed optional fields.
func (s *Service) build(p pending) pending {
	base := p.in.Props.BaseProps
	conf := base.ConfidenceValue()
	now := s.now().UTC().Format(time.RFC3339)

	props := map[string]any{
		"confidence":  conf,
		"evidence":    base.Evidence,
		"source":      base.Source,
		"status":      string(domain.StatusFor(conf)),
		"source_hash": p.hash,
		"created_at":  now,
		"updated_at":  now,
	}
	if base.Inferred != nil {
		props["inferred"] = *base.Inferred
	}
	optional := map[string]any{}
	if base.DocID != "" {
		optional["doc_id"] = base.DocID
	}
	if base.ChunkID != "" {
		optional["chunk_id"] = base.ChunkID
	}
	if p.in.Props.Payload != nil {
		for k, v := range p.in.Props.Payload.Fields() {
			optional[k] = v
		}
	}
	for k, v := range optional {
		if s.schema.AllowsField(k) {
			props[k] = v
		}
	}
	p.props = props
	return p
}

func (s *Service) create(ctx context.Context, p pending) fn.Result[pending] {
	id, err := s.store.CreateRelation(ctx, p.in.Type, p.in.Source, p.in.Target, p.props)
	if err != nil {
		return fn.Err[pending](err)
	}
	p.id = id
	return fn.Ok(p)
}

// UpsertRelation stores a relation unless one with the same endpoints, type
// and fingerprint already exists. Duplicates are reported with Created=false
// and a nil error. Validation failures return a *domain.ValidationError and
// store failures an error wrapping graph.ErrStore; both also fill Message.
func (s *Service) UpsertRelation(ctx context.Context, in domain.RelationInput) (UpsertResult, error) {
	ctx, span := otel.Tracer("engine/ingest").Start(ctx, "ingest.upsert")
	defer span.End()

	p, err := s.upsert(ctx, in).Unwrap()
	typeAttr := metric.WithAttributes(attribute.String("relation_type", string(s.schema.Normalize(in).Type)))
	if err != nil {
		var dup *duplicateError
		switch {
		case errors.As(err, &dup):
			s.duplicates.Add(ctx, 1, typeAttr)
			return UpsertResult{Message: msgExists, ID: dup.id}, nil
		case domain.IsValidation(err):
			s.rejected.Add(ctx, 1, typeAttr)
			return UpsertResult{Message: err.Error()}, err
		default:
			span.RecordError(err)
			return UpsertResult{Message: err.Error()}, err
		}
	}
	s.created.Add(ctx, 1, typeAttr)

	res := UpsertResult{
		Created: true,
		Message: msgCreated,
		ID:      p.id,
		Status:  domain.StatusFor(p.in.Props.ConfidenceValue()),
	}
	res.Conflicts = s.checkConflicts(ctx, p)
	return res, nil
}

// checkConflicts runs the advisory conflict check. Failures are logged only.
func (s *Service) checkConflicts(ctx context.Context, p pending) []conflict.Conflict {
	found, err := s.detector.DetectConflicts(ctx, p.in.Type, p.in.Source, p.in.Target)
	if err != nil {
		s.log.Warn("ingest: conflict check failed", "error", err, "relation_id", p.id)
		return nil
	}
	if len(found) == 0 {
		return nil
	}
	s.log.Warn("ingest: conflicting relations",
		"relation_id", p.id,
		"type", p.in.Type,
		"source", p.in.Source.String(),
		"target", p.in.Target.String(),
		"conflicts", len(found),
	)
	if s.notifier != nil {
		notice := ConflictNotice{
			RelationID: p.id,
			Type:       p.in.Type,
			Source:     p.in.Source,
			Target:     p.in.Target,
			Conflicts:  found,
		}
		if err := s.notifier.NotifyConflicts(ctx, notice); err != nil {
			s.log.Warn("ingest: conflict notify failed", "error", err)
		}
	}
	return found
}

// BatchUpsertRelations upserts items in order. Validation failures and
// duplicates are recorded per item and do not stop the batch; a store
// failure aborts it and is returned with the partial result.
func (s *Service) BatchUpsertRelations(ctx context.Context, items []domain.RelationInput) (BatchResult, error) {
	ctx, span := otel.Tracer("engine/ingest").Start(ctx, "ingest.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(items)))

	out := BatchResult{Errors: []string{}, CreatedIDs: []string{}}
	for i, in := range items {
		res, err := s.UpsertRelation(ctx, in)
		if err != nil && !domain.IsValidation(err) {
			return out, fmt.Errorf("relation %d: %w", i+1, err)
		}
		if !res.Created {
			out.Failed++
			out.Errors = append(out.Errors, fmt.Sprintf("relation %d: %s", i+1, res.Message))
			continue
		}
		out.Success++
		out.CreatedIDs = append(out.CreatedIDs, res.ID)
	}
	s.log.Info("ingest: batch done", "success", out.Success, "failed", out.Failed)
	return out, nil
}
