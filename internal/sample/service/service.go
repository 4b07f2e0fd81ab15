// Package service implements the sample domain service: the single authority
// allowed to mutate a sample's lifecycle state. Every mutation path runs
// through it so transition legality, completeness guards, audit emission and
// notification are never bypassed.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"labtrace/internal/audit"
	ncmodels "labtrace/internal/nonconformity/models"
	ncservice "labtrace/internal/nonconformity/service"
	"labtrace/internal/notify"
	"labtrace/internal/sample/codegen"
	"labtrace/internal/sample/fsm"
	"labtrace/internal/sample/models"
	"labtrace/internal/signature"
	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
	"labtrace/pkg/platform/sentinel"
	"labtrace/pkg/requestcontext"
)

// SampleStore is the sample persistence dependency. Status writes are
// compare-and-swap: the expected prior status is a predicate and a false
// return means a concurrent writer won.
type SampleStore interface {
	Insert(ctx context.Context, sample *models.Sample) error
	FindByID(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) (*models.Sample, error)
	UpdateStatus(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID, from, to models.Status, now time.Time) (bool, error)
	ApplyReview(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID, from, to models.Status, reviewer id.UserID, reason string, now time.Time) (bool, error)
	ApplyRelease(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID, from, to models.Status, releaser id.UserID, notes string, now time.Time) (bool, error)
}

// AnalysisStore is the analysis persistence dependency.
type AnalysisStore interface {
	Insert(ctx context.Context, analysis *models.LabAnalysis) error
	InsertBatch(ctx context.Context, analyses []*models.LabAnalysis) error
	FindByID(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID) (*models.LabAnalysis, error)
	ListBySample(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) ([]*models.LabAnalysis, error)
	UpdateStatus(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID, from, to models.AnalysisStatus, now time.Time) (bool, error)
	ApplyResult(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID, from models.AnalysisStatus, result models.AnalysisResult, now time.Time) (bool, error)
	Invalidate(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID, reason string, now time.Time) (bool, error)
}

// NCCreator is the non-conformity collaborator for the automatic generation
// paths: a critical failure at result entry and a failing result discovered
// during review.
type NCCreator interface {
	CreateFromAnalysisFailure(ctx context.Context, input ncservice.CreateFromAnalysisFailureInput) (*ncmodels.NonConformity, error)
}

// Metrics receives service-level counters. Implementations must be
// goroutine-safe.
type Metrics interface {
	SampleRegistered()
	TransitionApplied(from, to string)
	TransitionConflict()
}

type noopMetrics struct{}

func (noopMetrics) SampleRegistered()             {}
func (noopMetrics) TransitionApplied(_, _ string) {}
func (noopMetrics) TransitionConflict()           {}

type Service struct {
	samples  SampleStore
	analyses AnalysisStore
	codes    codegen.Generator
	ncs      NCCreator
	auditor  audit.Sink
	notifier notify.Port
	verifier signature.Verifier
	metrics  Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Service)

func WithCodeGenerator(gen codegen.Generator) Option {
	return func(s *Service) { s.codes = gen }
}

func WithNCCreator(ncs NCCreator) Option {
	return func(s *Service) { s.ncs = ncs }
}

func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) { s.auditor = sink }
}

func WithNotifier(port notify.Port) Option {
	return func(s *Service) { s.notifier = port }
}

func WithSignatureVerifier(v signature.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(samples SampleStore, analyses AnalysisStore, opts ...Option) *Service {
	s := &Service{
		samples:  samples,
		analyses: analyses,
		codes:    codegen.NewTimestamp(),
		metrics:  noopMetrics{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("sample"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlannedAnalysis is one entry of the analysis plan attached at registration.
type PlannedAnalysis struct {
	ParameterID   id.ParameterID
	ParameterName string
}

// RegisterSampleInput is the registration payload. PlantID and tenant scope
// come from the actor context, never from the payload.
type RegisterSampleInput struct {
	SampleTypeID id.SampleTypeID
	// TypeCode feeds the generated sample code, e.g. "RM" for raw material.
	TypeCode string
	// Code overrides generation when the lab pre-prints labels.
	Code string

	BatchID               id.BatchID
	IntermediateProductID id.IntermediateProductID
	SamplingPointID       id.SamplingPointID

	CollectedAt *time.Time
	Notes       string

	// Plan is the set of parameters to measure; each becomes a pending
	// analysis row.
	Plan []PlannedAnalysis
}

func (in RegisterSampleInput) validate() error {
	err := dErrors.New(dErrors.CodeValidation, "invalid sample registration input")
	invalid := false
	if in.SampleTypeID.IsNil() {
		err = err.WithField("sample_type_id", "required")
		invalid = true
	}
	for i, p := range in.Plan {
		if p.ParameterID.IsNil() {
			err = err.WithField(fmt.Sprintf("plan[%d].parameter_id", i), "required")
			invalid = true
		}
	}
	if invalid {
		return err
	}
	return nil
}

// RegisterSample validates the input, allocates a code when none is supplied,
// inserts the sample in the registered state together with its pending
// analysis plan, and emits SAMPLE_REGISTERED.
func (s *Service) RegisterSample(ctx context.Context, input RegisterSampleInput) (*models.Sample, error) {
	ctx, span := s.tracer.Start(ctx, "sample.RegisterSample")
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if actor.PlantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "plant scope is required").
			WithField("plant_id", "required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	code := input.Code
	if code == "" {
		code, err = s.codes.Next(ctx, actor.PlantID, input.TypeCode, now)
		if err != nil {
			return nil, fmt.Errorf("generate sample code: %w", err)
		}
	}

	sample := &models.Sample{
		ID:                    id.NewSampleID(),
		Code:                  code,
		Status:                models.StatusRegistered,
		SampleTypeID:          input.SampleTypeID,
		OrganizationID:        actor.OrganizationID,
		PlantID:               actor.PlantID,
		BatchID:               input.BatchID,
		IntermediateProductID: input.IntermediateProductID,
		SamplingPointID:       input.SamplingPointID,
		CollectedBy:           actor.UserID,
		CollectedAt:           input.CollectedAt,
		Notes:                 input.Notes,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.samples.Insert(ctx, sample); err != nil {
		if errors.Is(err, sentinel.ErrDuplicate) {
			return nil, dErrors.Newf(dErrors.CodeConflict, "sample code %s already exists", code).
				WithField("code", "already in use")
		}
		return nil, fmt.Errorf("insert sample: %w", err)
	}

	if len(input.Plan) > 0 {
		plan := make([]*models.LabAnalysis, 0, len(input.Plan))
		for _, p := range input.Plan {
			plan = append(plan, &models.LabAnalysis{
				ID:             id.NewAnalysisID(),
				SampleID:       sample.ID,
				ParameterID:    p.ParameterID,
				ParameterName:  p.ParameterName,
				OrganizationID: actor.OrganizationID,
				PlantID:        actor.PlantID,
				Status:         models.AnalysisPending,
				Valid:          true,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
		if err := s.analyses.InsertBatch(ctx, plan); err != nil {
			return nil, fmt.Errorf("insert analysis plan: %w", err)
		}
	}

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventSampleRegistered,
		EntityType: audit.EntitySample,
		EntityID:   sample.ID.String(),
		Payload: map[string]any{
			"code":           sample.Code,
			"status":         string(sample.Status),
			"sample_type_id": sample.SampleTypeID.String(),
			"plan_size":      len(input.Plan),
		},
	})
	s.metrics.SampleRegistered()
	return sample, nil
}

// UpdateSampleStatus is the manual/explicit transition path. Decided and
// terminal samples are locked; they move only through the dedicated review,
// release and archive operations.
func (s *Service) UpdateSampleStatus(ctx context.Context, sampleID id.SampleID, target models.Status) (*models.Sample, error) {
	ctx, span := s.tracer.Start(ctx, "sample.UpdateSampleStatus",
		trace.WithAttributes(
			attribute.String("sample.id", sampleID.String()),
			attribute.String("sample.target_status", string(target)),
		))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if !target.Valid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown status %q", target).
			WithField("status", "unknown status")
	}

	sample, err := s.load(ctx, actor, sampleID)
	if err != nil {
		return nil, err
	}
	if sample.Status.Locked() {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition,
			"sample %s is %s and can no longer be edited", sample.Code, sample.Status)
	}
	if target.Locked() {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition,
			"status %s is only reachable through its dedicated operation", target)
	}
	if !fsm.IsValidTransition(sample.Status, target) {
		return nil, invalidTransition(sample.Status, target)
	}

	now := s.now()
	ok, err := s.samples.UpdateStatus(ctx, actor.OrganizationID, sampleID, sample.Status, target, now)
	if err != nil {
		return nil, fmt.Errorf("update sample status: %w", err)
	}
	if !ok {
		s.metrics.TransitionConflict()
		return nil, racedTransition(sample.Status, target)
	}
	s.metrics.TransitionApplied(string(sample.Status), string(target))

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventSampleStatusUpdated,
		EntityType: audit.EntitySample,
		EntityID:   sampleID.String(),
		Payload: map[string]any{
			"code": sample.Code,
			"from": string(sample.Status),
			"to":   string(target),
		},
	})

	sample.Status = target
	sample.UpdatedAt = now
	return sample, nil
}

// Advance is the automatic progression path: it derives the next status from
// analysis completeness and mutates only when the derived status differs from
// the current one. Recomputing on an already-progressed sample is a no-op, so
// the operation is safe to call after every result write.
func (s *Service) Advance(ctx context.Context, sampleID id.SampleID) (*models.Sample, error) {
	ctx, span := s.tracer.Start(ctx, "sample.Advance",
		trace.WithAttributes(attribute.String("sample.id", sampleID.String())))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}

	sample, err := s.load(ctx, actor, sampleID)
	if err != nil {
		return nil, err
	}

	completed, total, err := s.completeness(ctx, actor, sampleID)
	if err != nil {
		return nil, err
	}

	next := fsm.NextAutomatic(sample.Status, completed, total)
	if next == sample.Status {
		return sample, nil
	}

	now := s.now()
	ok, err := s.samples.UpdateStatus(ctx, actor.OrganizationID, sampleID, sample.Status, next, now)
	if err != nil {
		return nil, fmt.Errorf("advance sample: %w", err)
	}
	if !ok {
		s.metrics.TransitionConflict()
		return nil, racedTransition(sample.Status, next)
	}
	s.metrics.TransitionApplied(string(sample.Status), string(next))

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventSampleStatusProgressed,
		EntityType: audit.EntitySample,
		EntityID:   sampleID.String(),
		Payload: map[string]any{
			"code":      sample.Code,
			"from":      string(sample.Status),
			"to":        string(next),
			"completed": completed,
			"total":     total,
		},
	})

	sample.Status = next
	sample.UpdatedAt = now
	return sample, nil
}

// GetSample returns one sample within the caller's tenant scope.
func (s *Service) GetSample(ctx context.Context, sampleID id.SampleID) (*models.Sample, error) {
	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, actor, sampleID)
}

// ListAnalyses returns the valid analyses of one sample.
func (s *Service) ListAnalyses(ctx context.Context, sampleID id.SampleID) ([]*models.LabAnalysis, error) {
	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.load(ctx, actor, sampleID); err != nil {
		return nil, err
	}
	return s.analyses.ListBySample(ctx, actor.OrganizationID, sampleID)
}

// ---------------------------------------------------------------------------
// shared helpers
// ---------------------------------------------------------------------------

func (s *Service) load(ctx context.Context, actor requestcontext.Actor, sampleID id.SampleID) (*models.Sample, error) {
	sample, err := s.samples.FindByID(ctx, actor.OrganizationID, sampleID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "sample not found")
		}
		return nil, fmt.Errorf("load sample: %w", err)
	}
	return sample, nil
}

// completeness counts the valid analyses carrying a value. Invalidated rows
// were already filtered out by the store.
func (s *Service) completeness(ctx context.Context, actor requestcontext.Actor, sampleID id.SampleID) (completed, total int, err error) {
	rows, err := s.analyses.ListBySample(ctx, actor.OrganizationID, sampleID)
	if err != nil {
		return 0, 0, fmt.Errorf("list analyses: %w", err)
	}
	for _, row := range rows {
		total++
		if row.HasValue() {
			completed++
		}
	}
	return completed, total, nil
}

func invalidTransition(from, to models.Status) error {
	return dErrors.Newf(dErrors.CodeInvalidTransition,
		"sample cannot move from %s to %s", from, to)
}

// racedTransition is surfaced when the compare-and-swap write affected zero
// rows: a concurrent writer changed the status after this call read it.
func racedTransition(from, to models.Status) error {
	return dErrors.Newf(dErrors.CodeInvalidTransition,
		"sample status changed concurrently while moving from %s to %s", from, to)
}

// record appends an audit event. The state change is already authoritative;
// an audit failure is logged for operational follow-up, never propagated.
func (s *Service) record(ctx context.Context, actor requestcontext.Actor, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.OrganizationID = actor.OrganizationID
	event.PlantID = actor.PlantID
	event.ActorID = actor.UserID
	event.ActorRole = string(actor.Role)
	event.CorrelationID = actor.CorrelationID
	if err := s.auditor.Record(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "audit record failed",
			slog.String("event_type", string(event.EventType)),
			slog.String("entity_id", event.EntityID),
			slog.String("error", err.Error()))
	}
}

// dispatch sends a notification, fire-and-forget.
func (s *Service) dispatch(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.WarnContext(ctx, "notification dispatch failed",
			slog.String("type", n.Type),
			slog.String("error", err.Error()))
	}
}
