package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"labtrace/internal/audit"
	"labtrace/internal/sample/fsm"
	"labtrace/internal/sample/models"
	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
	"labtrace/pkg/platform/sentinel"
	"labtrace/pkg/requestcontext"
)

// StartAnalysis moves a pending analysis into execution.
func (s *Service) StartAnalysis(ctx context.Context, analysisID id.AnalysisID) (*models.LabAnalysis, error) {
	ctx, span := s.tracer.Start(ctx, "sample.StartAnalysis",
		trace.WithAttributes(attribute.String("analysis.id", analysisID.String())))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}

	row, err := s.loadAnalysis(ctx, actor, analysisID)
	if err != nil {
		return nil, err
	}
	if !fsm.IsValidAnalysisTransition(row.Status, models.AnalysisStarted) {
		return nil, invalidAnalysisTransition(row.Status, models.AnalysisStarted)
	}

	now := s.now()
	ok, err := s.analyses.UpdateStatus(ctx, actor.OrganizationID, analysisID, row.Status, models.AnalysisStarted, now)
	if err != nil {
		return nil, fmt.Errorf("start analysis: %w", err)
	}
	if !ok {
		return nil, invalidAnalysisTransition(row.Status, models.AnalysisStarted)
	}

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventAnalysisStarted,
		EntityType: audit.EntityAnalysis,
		EntityID:   analysisID.String(),
		Payload: map[string]any{
			"sample_id": row.SampleID.String(),
			"parameter": row.ParameterName,
		},
	})

	row.Status = models.AnalysisStarted
	row.UpdatedAt = now
	return row, nil
}

// CompleteAnalysisInput carries the measured result. Exactly one of the two
// value fields must be set. Spec, when present, is evaluated against a
// numeric value to derive the conformity verdict.
type CompleteAnalysisInput struct {
	AnalysisID   id.AnalysisID
	ValueNumeric *float64
	ValueText    *string
	Notes        string
	Spec         *models.Spec
}

func (in CompleteAnalysisInput) validate() error {
	if in.ValueNumeric == nil && in.ValueText == nil {
		return dErrors.New(dErrors.CodeValidation, "a result value is required").
			WithField("value", "required")
	}
	if in.ValueNumeric != nil && in.ValueText != nil {
		return dErrors.New(dErrors.CodeValidation, "numeric and text values are mutually exclusive").
			WithField("value", "set exactly one value")
	}
	return nil
}

// CompleteAnalysis records a result, evaluates the specification when one is
// supplied, and attempts automatic progression of the owning sample. The
// progression is recomputed from stored rows, so calling it after every
// result write is idempotent.
func (s *Service) CompleteAnalysis(ctx context.Context, input CompleteAnalysisInput) (*models.LabAnalysis, error) {
	ctx, span := s.tracer.Start(ctx, "sample.CompleteAnalysis",
		trace.WithAttributes(attribute.String("analysis.id", input.AnalysisID.String())))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	row, err := s.loadAnalysis(ctx, actor, input.AnalysisID)
	if err != nil {
		return nil, err
	}
	if !fsm.IsValidAnalysisTransition(row.Status, models.AnalysisCompleted) {
		return nil, invalidAnalysisTransition(row.Status, models.AnalysisCompleted)
	}

	var conforming *bool
	critical := false
	if input.Spec != nil && input.ValueNumeric != nil {
		verdict := input.Spec.Evaluate(*input.ValueNumeric)
		conforming = &verdict
		critical = input.Spec.Critical
	}

	now := s.now()
	result := models.AnalysisResult{
		ValueNumeric: input.ValueNumeric,
		ValueText:    input.ValueText,
		Conforming:   conforming,
		Critical:     critical,
		Notes:        input.Notes,
		AnalyzedBy:   actor.UserID,
	}
	ok, err := s.analyses.ApplyResult(ctx, actor.OrganizationID, input.AnalysisID, row.Status, result, now)
	if err != nil {
		return nil, fmt.Errorf("complete analysis: %w", err)
	}
	if !ok {
		return nil, invalidAnalysisTransition(row.Status, models.AnalysisCompleted)
	}

	payload := map[string]any{
		"sample_id": row.SampleID.String(),
		"parameter": row.ParameterName,
	}
	if input.ValueNumeric != nil {
		payload["value"] = *input.ValueNumeric
	}
	if input.ValueText != nil {
		payload["value"] = *input.ValueText
	}
	if conforming != nil {
		payload["conforming"] = *conforming
	}
	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventAnalysisCompleted,
		EntityType: audit.EntityAnalysis,
		EntityID:   input.AnalysisID.String(),
		Payload:    payload,
	})

	row.Status = models.AnalysisCompleted
	row.ValueNumeric = input.ValueNumeric
	row.ValueText = input.ValueText
	row.Conforming = conforming
	row.Critical = critical
	row.Notes = input.Notes
	row.AnalyzedBy = actor.UserID
	at := now
	row.AnalyzedAt = &at
	row.UpdatedAt = now

	// A critical out-of-spec result raises its non-conformity immediately;
	// non-critical failures wait for the review decision.
	if conforming != nil && !*conforming && critical {
		s.raiseNC(ctx, row)
	}

	// Best-effort progression; a concurrent advance losing the race is fine,
	// the winner already moved the sample.
	if _, err := s.Advance(ctx, row.SampleID); err != nil {
		if !dErrors.HasCode(err, dErrors.CodeInvalidTransition) {
			s.logger.WarnContext(ctx, "automatic progression failed",
				"sample_id", row.SampleID.String(),
				"error", err.Error())
		}
	}

	return row, nil
}

// InvalidateAnalysis voids a completed result and schedules the retest: the
// invalidated row stays for traceability, a pending clone supersedes it, and
// the owning sample returns to in_analysis when it had already progressed.
func (s *Service) InvalidateAnalysis(ctx context.Context, analysisID id.AnalysisID, reason string) (*models.LabAnalysis, error) {
	ctx, span := s.tracer.Start(ctx, "sample.InvalidateAnalysis",
		trace.WithAttributes(attribute.String("analysis.id", analysisID.String())))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if !actor.HasRole(requestcontext.RoleQCSupervisor, requestcontext.RoleQAManager, requestcontext.RoleAdmin) {
		return nil, dErrors.New(dErrors.CodeForbidden, "invalidating a result requires a QC supervisor or QA manager role")
	}
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "an invalidation reason is required").
			WithField("reason", "required")
	}

	row, err := s.loadAnalysis(ctx, actor, analysisID)
	if err != nil {
		return nil, err
	}
	if !fsm.IsValidAnalysisTransition(row.Status, models.AnalysisInvalidated) {
		return nil, invalidAnalysisTransition(row.Status, models.AnalysisInvalidated)
	}

	now := s.now()
	ok, err := s.analyses.Invalidate(ctx, actor.OrganizationID, analysisID, reason, now)
	if err != nil {
		return nil, fmt.Errorf("invalidate analysis: %w", err)
	}
	if !ok {
		return nil, invalidAnalysisTransition(row.Status, models.AnalysisInvalidated)
	}

	retest := &models.LabAnalysis{
		ID:             id.NewAnalysisID(),
		SampleID:       row.SampleID,
		ParameterID:    row.ParameterID,
		ParameterName:  row.ParameterName,
		OrganizationID: actor.OrganizationID,
		PlantID:        row.PlantID,
		Status:         models.AnalysisPending,
		Valid:          true,
		IsRetest:       true,
		SupersedesID:   row.ID,
		RetestReason:   reason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.analyses.Insert(ctx, retest); err != nil {
		return nil, fmt.Errorf("insert retest analysis: %w", err)
	}

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventAnalysisInvalidated,
		EntityType: audit.EntityAnalysis,
		EntityID:   analysisID.String(),
		Payload: map[string]any{
			"sample_id": row.SampleID.String(),
			"parameter": row.ParameterName,
			"reason":    reason,
			"retest_id": retest.ID.String(),
		},
	})

	// The sample re-enters analysis if review had already started.
	sample, err := s.load(ctx, actor, row.SampleID)
	if err == nil && fsm.IsValidTransition(sample.Status, models.StatusInAnalysis) && sample.Status != models.StatusInAnalysis {
		if applied, uerr := s.samples.UpdateStatus(ctx, actor.OrganizationID, sample.ID, sample.Status, models.StatusInAnalysis, now); uerr == nil && applied {
			s.metrics.TransitionApplied(string(sample.Status), string(models.StatusInAnalysis))
			s.record(ctx, actor, audit.Event{
				EventType:  audit.EventSampleStatusProgressed,
				EntityType: audit.EntitySample,
				EntityID:   sample.ID.String(),
				Payload: map[string]any{
					"code": sample.Code,
					"from": string(sample.Status),
					"to":   string(models.StatusInAnalysis),
				},
			})
		}
	}

	row.Status = models.AnalysisInvalidated
	row.Valid = false
	row.RetestReason = reason
	row.UpdatedAt = now
	return row, nil
}

func (s *Service) loadAnalysis(ctx context.Context, actor requestcontext.Actor, analysisID id.AnalysisID) (*models.LabAnalysis, error) {
	row, err := s.analyses.FindByID(ctx, actor.OrganizationID, analysisID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "analysis not found")
		}
		return nil, fmt.Errorf("load analysis: %w", err)
	}
	return row, nil
}

func invalidAnalysisTransition(from, to models.AnalysisStatus) error {
	return dErrors.Newf(dErrors.CodeInvalidTransition,
		"analysis cannot move from %s to %s", from, to)
}
