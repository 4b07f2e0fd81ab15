// Package service implements the non-conformity domain service: manual NC
// creation, the automatic path triggered by out-of-spec lab results, and the
// simple open → in_progress → closed lifecycle.
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
	"labtrace/internal/nonconformity/models"
	"labtrace/internal/notify"
	"labtrace/internal/signature"
	samplemodels "labtrace/internal/sample/models"
	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
	"labtrace/pkg/platform/sentinel"
	"labtrace/pkg/requestcontext"
)

// Store is the persistence dependency, satisfied by both the memory and the
// Postgres implementations.
type Store interface {
	NextCode(ctx context.Context, orgID id.OrganizationID, at time.Time) (string, error)
	Insert(ctx context.Context, nc *models.NonConformity) error
	FindByID(ctx context.Context, orgID id.OrganizationID, ncID id.NonConformityID) (*models.NonConformity, error)
	ListBySample(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) ([]*models.NonConformity, error)
	UpdateStatus(ctx context.Context, orgID id.OrganizationID, ncID id.NonConformityID, from, to models.Status, now time.Time) (bool, error)
	ApplyClosure(ctx context.Context, orgID id.OrganizationID, ncID id.NonConformityID, from models.Status, closer id.UserID, resolution string, now time.Time) (bool, error)
}

// SampleResolver confirms the triggering sample exists inside the tenant
// before an auto-generated NC may reference it.
type SampleResolver interface {
	FindByID(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) (*samplemodels.Sample, error)
}

// Metrics receives service-level counters. Implementations must be
// goroutine-safe.
type Metrics interface {
	NCCreated(auto bool)
}

type noopMetrics struct{}

func (noopMetrics) NCCreated(bool) {}

type Service struct {
	store    Store
	samples  SampleResolver
	auditor  audit.Sink
	notifier notify.Port
	verifier signature.Verifier
	metrics  Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Service)

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

func New(store Store, samples SampleResolver, opts ...Option) *Service {
	s := &Service{
		store:   store,
		samples: samples,
		metrics: noopMetrics{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("nonconformity"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput is the manual creation payload.
type CreateInput struct {
	Title       string
	Description string
	Severity    models.Severity
	Type        models.Type
	// Optional provenance links.
	SampleID   id.SampleID
	AnalysisID id.AnalysisID
}

func (in CreateInput) validate() error {
	err := dErrors.New(dErrors.CodeValidation, "invalid nonconformity input")
	invalid := false
	if in.Title == "" {
		err = err.WithField("title", "required")
		invalid = true
	}
	if !in.Severity.Valid() {
		err = err.WithField("severity", "must be one of low, medium, high, critical")
		invalid = true
	}
	if !in.Type.Valid() {
		err = err.WithField("type", "unknown nonconformity type")
		invalid = true
	}
	if invalid {
		return err
	}
	return nil
}

// Create registers a manually raised NC.
func (s *Service) Create(ctx context.Context, input CreateInput) (*models.NonConformity, error) {
	ctx, span := s.tracer.Start(ctx, "nonconformity.Create")
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	nc, err := s.create(ctx, actor, input, audit.EventNCCreated)
	if err != nil {
		return nil, err
	}
	s.metrics.NCCreated(false)
	return nc, nil
}

// CreateFromAnalysisFailureInput carries the failing-result provenance.
type CreateFromAnalysisFailureInput struct {
	SampleID      id.SampleID
	AnalysisID    id.AnalysisID
	ParameterName string
	Value         string
	// Critical spec failures escalate severity.
	Critical bool
}

// CreateFromAnalysisFailure raises an NC for an out-of-spec result. The
// record is attributed to the system role, and the triggering sample must
// resolve inside the caller's tenant or the operation fails with a
// validation error rather than a raw persistence error.
func (s *Service) CreateFromAnalysisFailure(ctx context.Context, input CreateFromAnalysisFailureInput) (*models.NonConformity, error) {
	ctx, span := s.tracer.Start(ctx, "nonconformity.CreateFromAnalysisFailure",
		trace.WithAttributes(attribute.String("sample.id", input.SampleID.String())))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if input.SampleID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "sample reference is required").
			WithField("sample_id", "required")
	}
	if input.ParameterName == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "parameter name is required").
			WithField("parameter_name", "required")
	}

	sample, err := s.samples.FindByID(ctx, actor.OrganizationID, input.SampleID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeValidation, "triggering sample could not be resolved").
				WithField("sample_id", "unknown sample")
		}
		return nil, fmt.Errorf("resolve triggering sample: %w", err)
	}

	severity := models.SeverityMedium
	if input.Critical {
		severity = models.SeverityHigh
	}

	// Auto-generated records are attributed to the system role while keeping
	// the human operation's tenant scope and correlation id.
	system := actor.System()
	nc, err := s.create(requestcontext.WithActor(ctx, system), system, CreateInput{
		Title: fmt.Sprintf("Out-of-spec result: %s on sample %s", input.ParameterName, sample.Code),
		Description: fmt.Sprintf(
			"Parameter %s measured %s outside the acceptance window on sample %s. Generated automatically during technical review.",
			input.ParameterName, input.Value, sample.Code),
		Severity:   severity,
		Type:       models.TypeAnalytical,
		SampleID:   input.SampleID,
		AnalysisID: input.AnalysisID,
	}, audit.EventNCAutoCreated)
	if err != nil {
		return nil, err
	}
	s.metrics.NCCreated(true)

	s.dispatch(ctx, notify.Notification{
		Title:      "Non-conformity raised automatically",
		Content:    fmt.Sprintf("%s: %s failed specification on sample %s", nc.Code, input.ParameterName, sample.Code),
		Type:       "nc_auto_created",
		Severity:   notify.Severity(severity),
		TargetRole: string(requestcontext.RoleQCSupervisor),
		Link:       "/nonconformities/" + nc.ID.String(),
		PlantID:    sample.PlantID,
	})
	return nc, nil
}

func (s *Service) create(ctx context.Context, actor requestcontext.Actor, input CreateInput, eventType audit.EventType) (*models.NonConformity, error) {
	now := s.now()
	code, err := s.store.NextCode(ctx, actor.OrganizationID, now)
	if err != nil {
		return nil, fmt.Errorf("allocate nc code: %w", err)
	}

	nc := &models.NonConformity{
		ID:             id.NewNonConformityID(),
		Code:           code,
		Title:          input.Title,
		Description:    input.Description,
		Severity:       input.Severity,
		Type:           input.Type,
		Status:         models.StatusOpen,
		OrganizationID: actor.OrganizationID,
		PlantID:        actor.PlantID,
		SampleID:       input.SampleID,
		AnalysisID:     input.AnalysisID,
		CreatedBy:      actor.UserID,
		CreatedByRole:  string(actor.Role),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Insert(ctx, nc); err != nil {
		return nil, fmt.Errorf("insert nonconformity: %w", err)
	}

	s.record(ctx, actor, audit.Event{
		EventType:  eventType,
		EntityType: audit.EntityNonConformity,
		EntityID:   nc.ID.String(),
		Payload: map[string]any{
			"code":     nc.Code,
			"title":    nc.Title,
			"severity": string(nc.Severity),
			"type":     string(nc.Type),
		},
	})
	return nc, nil
}

// UpdateStatus moves an NC along the open → in_progress ladder. Closing goes
// through CloseWithSignature instead.
func (s *Service) UpdateStatus(ctx context.Context, ncID id.NonConformityID, target models.Status) (*models.NonConformity, error) {
	ctx, span := s.tracer.Start(ctx, "nonconformity.UpdateStatus",
		trace.WithAttributes(attribute.String("nc.id", ncID.String())))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if !target.Valid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown status %q", target).
			WithField("status", "unknown status")
	}
	if target == models.StatusClosed {
		return nil, dErrors.New(dErrors.CodeValidation, "closing requires a signature confirmation").
			WithField("status", "use the close operation")
	}

	nc, err := s.store.FindByID(ctx, actor.OrganizationID, ncID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "nonconformity not found")
		}
		return nil, fmt.Errorf("load nonconformity: %w", err)
	}
	if !models.CanTransition(nc.Status, target) {
		return nil, invalidTransition(nc.Status, target)
	}

	now := s.now()
	ok, err := s.store.UpdateStatus(ctx, actor.OrganizationID, ncID, nc.Status, target, now)
	if err != nil {
		return nil, fmt.Errorf("update nc status: %w", err)
	}
	if !ok {
		return nil, invalidTransition(nc.Status, target)
	}

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventNCStatusUpdated,
		EntityType: audit.EntityNonConformity,
		EntityID:   ncID.String(),
		Payload: map[string]any{
			"code": nc.Code,
			"from": string(nc.Status),
			"to":   string(target),
		},
	})

	nc.Status = target
	nc.UpdatedAt = now
	return nc, nil
}

// Close resolves an in-progress NC. The resolution is a signature-bearing
// action: the caller re-confirms their password.
func (s *Service) Close(ctx context.Context, ncID id.NonConformityID, resolution, password string) (*models.NonConformity, error) {
	ctx, span := s.tracer.Start(ctx, "nonconformity.Close",
		trace.WithAttributes(attribute.String("nc.id", ncID.String())))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if resolution == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "resolution notes are required").
			WithField("resolution", "required")
	}
	if s.verifier != nil {
		if err := s.verifier.Verify(ctx, actor.UserID, password); err != nil {
			return nil, err
		}
	}

	nc, err := s.store.FindByID(ctx, actor.OrganizationID, ncID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "nonconformity not found")
		}
		return nil, fmt.Errorf("load nonconformity: %w", err)
	}
	if !models.CanTransition(nc.Status, models.StatusClosed) {
		return nil, invalidTransition(nc.Status, models.StatusClosed)
	}

	now := s.now()
	ok, err := s.store.ApplyClosure(ctx, actor.OrganizationID, ncID, nc.Status, actor.UserID, resolution, now)
	if err != nil {
		return nil, fmt.Errorf("close nonconformity: %w", err)
	}
	if !ok {
		return nil, invalidTransition(nc.Status, models.StatusClosed)
	}

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventNCClosed,
		EntityType: audit.EntityNonConformity,
		EntityID:   ncID.String(),
		Payload: map[string]any{
			"code":       nc.Code,
			"resolution": resolution,
		},
	})

	nc.Status = models.StatusClosed
	nc.ClosedBy = actor.UserID
	at := now
	nc.ClosedAt = &at
	nc.ResolutionNotes = resolution
	nc.UpdatedAt = now
	return nc, nil
}

// ListBySample returns the NCs triggered by one sample.
func (s *Service) ListBySample(ctx context.Context, sampleID id.SampleID) ([]*models.NonConformity, error) {
	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListBySample(ctx, actor.OrganizationID, sampleID)
}

func invalidTransition(from, to models.Status) error {
	return dErrors.Newf(dErrors.CodeInvalidTransition,
		"nonconformity cannot move from %s to %s", from, to)
}

// record appends an audit event. Failures are logged, never propagated; the
// state change is already authoritative.
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

// dispatch sends a notification. Fire-and-forget relative to the state
// change.
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
