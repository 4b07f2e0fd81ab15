package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"labtrace/internal/audit"
	ncservice "labtrace/internal/nonconformity/service"
	"labtrace/internal/notify"
	"labtrace/internal/sample/fsm"
	"labtrace/internal/sample/models"
	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
	"labtrace/pkg/requestcontext"
)

// bulkConcurrency bounds the workers a bulk operation may run at once. Each
// id is an isolated unit; no lock spans the batch.
const bulkConcurrency = 4

// TechnicalReviewInput resolves a sample under review. Password is the
// electronic-signature confirmation.
type TechnicalReviewInput struct {
	SampleID id.SampleID
	Decision models.ReviewDecision
	Reason   string
	Password string
}

// TechnicalReview resolves the review into approved or rejected. Completeness
// is re-validated here, not only when the sample entered review, to close the
// race where values changed in between. A rejection tied to a non-conforming
// result triggers automatic NC creation.
func (s *Service) TechnicalReview(ctx context.Context, input TechnicalReviewInput) (*models.Sample, error) {
	ctx, span := s.tracer.Start(ctx, "sample.TechnicalReview",
		trace.WithAttributes(
			attribute.String("sample.id", input.SampleID.String()),
			attribute.String("review.decision", string(input.Decision)),
		))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if !actor.HasRole(requestcontext.RoleQCSupervisor, requestcontext.RoleQAManager, requestcontext.RoleAdmin) {
		return nil, dErrors.New(dErrors.CodeForbidden, "technical review requires a QC supervisor or QA manager role")
	}

	var target models.Status
	switch input.Decision {
	case models.DecisionApproved:
		target = models.StatusApproved
	case models.DecisionRejected:
		target = models.StatusRejected
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown review decision %q", input.Decision).
			WithField("decision", "must be approved or rejected")
	}
	if input.Decision == models.DecisionRejected && input.Reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a rejection requires a reason").
			WithField("reason", "required")
	}
	if err := s.confirmSignature(ctx, actor, input.Password); err != nil {
		return nil, err
	}

	sample, err := s.load(ctx, actor, input.SampleID)
	if err != nil {
		return nil, err
	}
	if !fsm.IsValidTransition(sample.Status, target) {
		return nil, invalidTransition(sample.Status, target)
	}

	rows, err := s.analyses.ListBySample(ctx, actor.OrganizationID, input.SampleID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	if err := requireComplete(rows); err != nil {
		return nil, err
	}

	now := s.now()
	ok, err := s.samples.ApplyReview(ctx, actor.OrganizationID, input.SampleID, sample.Status, target, actor.UserID, input.Reason, now)
	if err != nil {
		return nil, fmt.Errorf("apply review: %w", err)
	}
	if !ok {
		s.metrics.TransitionConflict()
		return nil, racedTransition(sample.Status, target)
	}
	s.metrics.TransitionApplied(string(sample.Status), string(target))

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventSampleTechnicalReview,
		EntityType: audit.EntitySample,
		EntityID:   input.SampleID.String(),
		Payload: map[string]any{
			"code":     sample.Code,
			"from":     string(sample.Status),
			"to":       string(target),
			"decision": string(input.Decision),
			"reason":   input.Reason,
		},
	})

	if input.Decision == models.DecisionRejected {
		s.raiseNCForFailure(ctx, rows)
	}

	s.notifyReviewOutcome(ctx, sample, input.Decision, input.Reason)

	sample.Status = target
	sample.ReviewedBy = actor.UserID
	at := now
	sample.ReviewedAt = &at
	if input.Decision == models.DecisionRejected && input.Reason != "" {
		sample.Notes = input.Reason
	}
	sample.UpdatedAt = now
	return sample, nil
}

// FinalReleaseInput resolves an approved sample. Password is the
// electronic-signature confirmation.
type FinalReleaseInput struct {
	SampleID id.SampleID
	Decision models.ReleaseDecision
	Notes    string
	Password string
}

// FinalRelease is the last mutable step: released samples are terminal and
// the rejection path sends the sample back through the rework cycle.
func (s *Service) FinalRelease(ctx context.Context, input FinalReleaseInput) (*models.Sample, error) {
	ctx, span := s.tracer.Start(ctx, "sample.FinalRelease",
		trace.WithAttributes(
			attribute.String("sample.id", input.SampleID.String()),
			attribute.String("release.decision", string(input.Decision)),
		))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if !actor.HasRole(requestcontext.RoleQAManager, requestcontext.RoleAdmin) {
		return nil, dErrors.New(dErrors.CodeForbidden, "final release requires a QA manager role")
	}

	var target models.Status
	switch input.Decision {
	case models.DecisionReleased:
		target = models.StatusReleased
	case models.DecisionReleaseRejected:
		target = models.StatusRejected
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown release decision %q", input.Decision).
			WithField("decision", "must be released or rejected")
	}
	if err := s.confirmSignature(ctx, actor, input.Password); err != nil {
		return nil, err
	}

	sample, err := s.load(ctx, actor, input.SampleID)
	if err != nil {
		return nil, err
	}
	if !fsm.IsValidTransition(sample.Status, target) {
		return nil, invalidTransition(sample.Status, target)
	}

	now := s.now()
	ok, err := s.samples.ApplyRelease(ctx, actor.OrganizationID, input.SampleID, sample.Status, target, actor.UserID, input.Notes, now)
	if err != nil {
		return nil, fmt.Errorf("apply release: %w", err)
	}
	if !ok {
		s.metrics.TransitionConflict()
		return nil, racedTransition(sample.Status, target)
	}
	s.metrics.TransitionApplied(string(sample.Status), string(target))

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventSampleFinalRelease,
		EntityType: audit.EntitySample,
		EntityID:   input.SampleID.String(),
		Payload: map[string]any{
			"code":     sample.Code,
			"from":     string(sample.Status),
			"to":       string(target),
			"decision": string(input.Decision),
			"notes":    input.Notes,
		},
	})

	s.dispatch(ctx, notify.Notification{
		Title:        fmt.Sprintf("Sample %s %s", sample.Code, target),
		Content:      fmt.Sprintf("Final release decision on sample %s: %s", sample.Code, input.Decision),
		Type:         "sample_final_release",
		Severity:     notify.SeverityMedium,
		TargetUserID: sample.CollectedBy,
		Link:         "/samples/" + sample.ID.String(),
		PlantID:      sample.PlantID,
	})

	sample.Status = target
	sample.ReleasedBy = actor.UserID
	at := now
	sample.ReleasedAt = &at
	sample.ReleaseNotes = input.Notes
	sample.UpdatedAt = now
	return sample, nil
}

// Archive retires a resolved sample. Samples are archived, never deleted.
func (s *Service) Archive(ctx context.Context, sampleID id.SampleID) (*models.Sample, error) {
	ctx, span := s.tracer.Start(ctx, "sample.Archive",
		trace.WithAttributes(attribute.String("sample.id", sampleID.String())))
	defer span.End()

	actor, err := requestcontext.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if !actor.HasRole(requestcontext.RoleQAManager, requestcontext.RoleAdmin) {
		return nil, dErrors.New(dErrors.CodeForbidden, "archiving requires a QA manager role")
	}

	sample, err := s.load(ctx, actor, sampleID)
	if err != nil {
		return nil, err
	}
	if !fsm.IsValidTransition(sample.Status, models.StatusArchived) {
		return nil, invalidTransition(sample.Status, models.StatusArchived)
	}

	now := s.now()
	ok, err := s.samples.UpdateStatus(ctx, actor.OrganizationID, sampleID, sample.Status, models.StatusArchived, now)
	if err != nil {
		return nil, fmt.Errorf("archive sample: %w", err)
	}
	if !ok {
		s.metrics.TransitionConflict()
		return nil, racedTransition(sample.Status, models.StatusArchived)
	}
	s.metrics.TransitionApplied(string(sample.Status), string(models.StatusArchived))

	s.record(ctx, actor, audit.Event{
		EventType:  audit.EventSampleArchived,
		EntityType: audit.EntitySample,
		EntityID:   sampleID.String(),
		Payload: map[string]any{
			"code": sample.Code,
			"from": string(sample.Status),
		},
	})

	sample.Status = models.StatusArchived
	sample.UpdatedAt = now
	return sample, nil
}

// BulkResult is the per-item outcome of a bulk operation.
type BulkResult struct {
	SampleID id.SampleID
	Sample   *models.Sample
	Err      error
}

// BulkTechnicalReview applies TechnicalReview to each id independently. A
// failure on one sample never aborts the others; results are positionally
// aligned with the input ids.
func (s *Service) BulkTechnicalReview(ctx context.Context, sampleIDs []id.SampleID, decision models.ReviewDecision, reason, password string) []BulkResult {
	return s.bulk(ctx, sampleIDs, func(ctx context.Context, sampleID id.SampleID) (*models.Sample, error) {
		return s.TechnicalReview(ctx, TechnicalReviewInput{
			SampleID: sampleID,
			Decision: decision,
			Reason:   reason,
			Password: password,
		})
	})
}

// BulkFinalRelease applies FinalRelease to each id independently.
func (s *Service) BulkFinalRelease(ctx context.Context, sampleIDs []id.SampleID, decision models.ReleaseDecision, notes, password string) []BulkResult {
	return s.bulk(ctx, sampleIDs, func(ctx context.Context, sampleID id.SampleID) (*models.Sample, error) {
		return s.FinalRelease(ctx, FinalReleaseInput{
			SampleID: sampleID,
			Decision: decision,
			Notes:    notes,
			Password: password,
		})
	})
}

func (s *Service) bulk(ctx context.Context, sampleIDs []id.SampleID, op func(context.Context, id.SampleID) (*models.Sample, error)) []BulkResult {
	results := make([]BulkResult, len(sampleIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i, sampleID := range sampleIDs {
		g.Go(func() error {
			sample, err := op(gctx, sampleID)
			results[i] = BulkResult{SampleID: sampleID, Sample: sample, Err: err}
			// Per-item failures stay per-item.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// confirmSignature re-authenticates the actor for signature-bearing actions.
func (s *Service) confirmSignature(ctx context.Context, actor requestcontext.Actor, password string) error {
	if s.verifier == nil {
		return nil
	}
	return s.verifier.Verify(ctx, actor.UserID, password)
}

// requireComplete fails with an incomplete-data error when any valid analysis
// still lacks a value.
func requireComplete(rows []*models.LabAnalysis) error {
	if len(rows) == 0 {
		return dErrors.New(dErrors.CodeIncompleteData, "sample has no analyses to review")
	}
	for _, row := range rows {
		if !row.HasValue() {
			return dErrors.Newf(dErrors.CodeIncompleteData,
				"analysis %s has no recorded value", row.ParameterName).
				WithField("analysis_id", row.ID.String())
		}
	}
	return nil
}

// raiseNCForFailure creates at most one NC per review, for the first result
// with a non-conforming verdict. Critical failures are skipped here: their NC
// was already raised at result entry.
func (s *Service) raiseNCForFailure(ctx context.Context, rows []*models.LabAnalysis) {
	if s.ncs == nil {
		return
	}
	for _, row := range rows {
		if row.Conforming == nil || *row.Conforming || row.Critical {
			continue
		}
		s.raiseNC(ctx, row)
		return
	}
}

// raiseNC raises one automatic NC for a non-conforming result, carrying the
// criticality of the evaluated specification so severity escalates. Failures
// are logged, never propagated: the state change already happened.
func (s *Service) raiseNC(ctx context.Context, row *models.LabAnalysis) {
	if s.ncs == nil {
		return
	}
	value := ""
	switch {
	case row.ValueNumeric != nil:
		value = fmt.Sprintf("%g", *row.ValueNumeric)
	case row.ValueText != nil:
		value = *row.ValueText
	}
	_, err := s.ncs.CreateFromAnalysisFailure(ctx, ncservice.CreateFromAnalysisFailureInput{
		SampleID:      row.SampleID,
		AnalysisID:    row.ID,
		ParameterName: row.ParameterName,
		Value:         value,
		Critical:      row.Critical,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "automatic nc creation failed",
			"sample_id", row.SampleID.String(),
			"analysis_id", row.ID.String(),
			"error", err.Error())
	}
}

func (s *Service) notifyReviewOutcome(ctx context.Context, sample *models.Sample, decision models.ReviewDecision, reason string) {
	n := notify.Notification{
		Type:    "sample_technical_review",
		Link:    "/samples/" + sample.ID.String(),
		PlantID: sample.PlantID,
	}
	switch decision {
	case models.DecisionApproved:
		n.Title = fmt.Sprintf("Sample %s approved", sample.Code)
		n.Content = fmt.Sprintf("Sample %s passed technical review and awaits final release.", sample.Code)
		n.Severity = notify.SeverityLow
		n.TargetRole = string(requestcontext.RoleQAManager)
	case models.DecisionRejected:
		n.Title = fmt.Sprintf("Sample %s rejected", sample.Code)
		n.Content = fmt.Sprintf("Sample %s failed technical review: %s", sample.Code, reason)
		n.Severity = notify.SeverityHigh
		n.TargetRole = string(requestcontext.RoleQCSupervisor)
	}
	s.dispatch(ctx, n)
}
