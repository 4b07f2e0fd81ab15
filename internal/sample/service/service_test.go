package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"labtrace/internal/audit"
	ncmodels "labtrace/internal/nonconformity/models"
	ncservice "labtrace/internal/nonconformity/service"
	ncstore "labtrace/internal/nonconformity/store"
	"labtrace/internal/notify"
	"labtrace/internal/sample/codegen"
	"labtrace/internal/sample/models"
	analysisstore "labtrace/internal/sample/store/analysis"
	samplestore "labtrace/internal/sample/store/sample"
	"labtrace/internal/signature"
	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
	"labtrace/pkg/requestcontext"
)

const signaturePassword = "correct horse"

type ServiceSuite struct {
	suite.Suite

	samples  *samplestore.MemoryStore
	analyses *analysisstore.MemoryStore
	ncs      *ncstore.MemoryStore
	audits   *audit.MemoryStore
	notifier *notify.Recorder
	svc      *Service

	actor requestcontext.Actor
	ctx   context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.samples = samplestore.NewMemory()
	s.analyses = analysisstore.NewMemory()
	s.ncs = ncstore.NewMemory()
	s.audits = audit.NewMemoryStore()
	s.notifier = &notify.Recorder{}

	sink := audit.NewPublisher(s.audits)
	verifier := &signature.StaticVerifier{Password: signaturePassword}

	ncSvc := ncservice.New(s.ncs, s.samples,
		ncservice.WithAuditSink(sink),
		ncservice.WithNotifier(s.notifier),
	)

	s.svc = New(s.samples, s.analyses,
		WithCodeGenerator(codegen.NewStatic()),
		WithNCCreator(ncSvc),
		WithAuditSink(sink),
		WithNotifier(s.notifier),
		WithSignatureVerifier(verifier),
	)

	s.actor = requestcontext.Actor{
		OrganizationID: id.OrganizationID(uuid.New()),
		PlantID:        id.PlantID(uuid.New()),
		UserID:         id.UserID(uuid.New()),
		Role:           requestcontext.RoleQAManager,
		CorrelationID:  "corr-test",
	}
	s.ctx = requestcontext.WithActor(context.Background(), s.actor)
}

func (s *ServiceSuite) register(plan ...PlannedAnalysis) *models.Sample {
	sample, err := s.svc.RegisterSample(s.ctx, RegisterSampleInput{
		SampleTypeID: id.SampleTypeID(uuid.New()),
		TypeCode:     "RM",
		Plan:         plan,
	})
	s.Require().NoError(err)
	return sample
}

func (s *ServiceSuite) plan(names ...string) []PlannedAnalysis {
	out := make([]PlannedAnalysis, 0, len(names))
	for _, name := range names {
		out = append(out, PlannedAnalysis{
			ParameterID:   id.ParameterID(uuid.New()),
			ParameterName: name,
		})
	}
	return out
}

func (s *ServiceSuite) completeAll(sampleID id.SampleID, value float64, spec *models.Spec) {
	rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sampleID)
	s.Require().NoError(err)
	for _, row := range rows {
		if row.HasValue() {
			continue
		}
		v := value
		_, err := s.svc.CompleteAnalysis(s.ctx, CompleteAnalysisInput{
			AnalysisID:   row.ID,
			ValueNumeric: &v,
			Spec:         spec,
		})
		s.Require().NoError(err)
	}
}

func (s *ServiceSuite) eventTypes(entityType audit.EntityType, entityID string) []audit.EventType {
	events, err := s.audits.ListByEntity(context.Background(), s.actor.OrganizationID, entityType, entityID)
	s.Require().NoError(err)
	out := make([]audit.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func (s *ServiceSuite) TestRegisterSample() {
	s.Run("creates registered sample with pending plan", func() {
		sample := s.register(s.plan("pH", "moisture")...)

		s.Equal(models.StatusRegistered, sample.Status)
		s.NotEmpty(sample.Code)
		s.Equal(s.actor.OrganizationID, sample.OrganizationID)
		s.Equal(s.actor.PlantID, sample.PlantID)

		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Len(rows, 2)
		for _, row := range rows {
			s.Equal(models.AnalysisPending, row.Status)
			s.True(row.Valid)
		}

		s.Equal([]audit.EventType{audit.EventSampleRegistered},
			s.eventTypes(audit.EntitySample, sample.ID.String()))
	})

	s.Run("rejects missing sample type", func() {
		_, err := s.svc.RegisterSample(s.ctx, RegisterSampleInput{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects actor without plant scope", func() {
		actor := s.actor
		actor.PlantID = id.PlantID{}
		ctx := requestcontext.WithActor(context.Background(), actor)

		_, err := s.svc.RegisterSample(ctx, RegisterSampleInput{
			SampleTypeID: id.SampleTypeID(uuid.New()),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("duplicate explicit code is a conflict", func() {
		_, err := s.svc.RegisterSample(s.ctx, RegisterSampleInput{
			SampleTypeID: id.SampleTypeID(uuid.New()),
			Code:         "LAB-RM-20260115-001",
		})
		s.Require().NoError(err)

		_, err = s.svc.RegisterSample(s.ctx, RegisterSampleInput{
			SampleTypeID: id.SampleTypeID(uuid.New()),
			Code:         "LAB-RM-20260115-001",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

// ---------------------------------------------------------------------------
// Manual and automatic transitions
// ---------------------------------------------------------------------------

func (s *ServiceSuite) TestUpdateSampleStatus() {
	s.Run("legal transition mutates and audits", func() {
		sample := s.register()
		updated, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusCollected)
		s.Require().NoError(err)
		s.Equal(models.StatusCollected, updated.Status)

		s.Equal([]audit.EventType{audit.EventSampleRegistered, audit.EventSampleStatusUpdated},
			s.eventTypes(audit.EntitySample, sample.ID.String()))
	})

	s.Run("illegal transition fails without mutation", func() {
		sample := s.register()
		_, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusUnderReview)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))

		found, err := s.samples.FindByID(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusRegistered, found.Status)
	})

	s.Run("decided samples are locked against manual edits", func() {
		sample := s.reviewedSample(models.DecisionApproved)
		_, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusInAnalysis)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("decision statuses are unreachable via manual path", func() {
		sample := s.register()
		_, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusApproved)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("foreign tenant sees not found", func() {
		sample := s.register()
		foreign := s.actor
		foreign.OrganizationID = id.OrganizationID(uuid.New())
		ctx := requestcontext.WithActor(context.Background(), foreign)

		_, err := s.svc.UpdateSampleStatus(ctx, sample.ID, models.StatusCollected)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		found, err := s.samples.FindByID(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusRegistered, found.Status, "foreign tenant must not mutate")
	})
}

func (s *ServiceSuite) TestAdvance() {
	s.Run("partial completion moves collected to in_analysis", func() {
		sample := s.register(s.plan("pH", "moisture")...)
		_, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusCollected)
		s.Require().NoError(err)

		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		v := 5.0
		_, err = s.svc.CompleteAnalysis(s.ctx, CompleteAnalysisInput{AnalysisID: rows[0].ID, ValueNumeric: &v})
		s.Require().NoError(err)

		found, err := s.samples.FindByID(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusInAnalysis, found.Status)
	})

	s.Run("full completion moves to under_review", func() {
		sample := s.register(s.plan("pH", "moisture")...)
		_, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusCollected)
		s.Require().NoError(err)
		s.completeAll(sample.ID, 5.0, nil)

		found, err := s.samples.FindByID(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusUnderReview, found.Status)
	})

	s.Run("recomputing is an idempotent no-op without audit", func() {
		sample := s.register(s.plan("pH")...)
		_, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusCollected)
		s.Require().NoError(err)
		s.completeAll(sample.ID, 5.0, nil)

		before := len(s.eventTypes(audit.EntitySample, sample.ID.String()))
		advanced, err := s.svc.Advance(s.ctx, sample.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusUnderReview, advanced.Status)
		s.Len(s.eventTypes(audit.EntitySample, sample.ID.String()), before, "no-op advance must not audit")
	})

	s.Run("no analyses means no movement", func() {
		sample := s.register()
		advanced, err := s.svc.Advance(s.ctx, sample.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusRegistered, advanced.Status)
	})
}

// ---------------------------------------------------------------------------
// Technical review
// ---------------------------------------------------------------------------

// underReviewSample builds a sample with every analysis completed at the
// given value, evaluated against a 0..10 window.
func (s *ServiceSuite) underReviewSample(value float64) *models.Sample {
	sample := s.register(s.plan("pH")...)
	_, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusCollected)
	s.Require().NoError(err)

	low, high := 0.0, 10.0
	s.completeAll(sample.ID, value, &models.Spec{ParameterName: "pH", Min: &low, Max: &high})

	found, err := s.samples.FindByID(context.Background(), s.actor.OrganizationID, sample.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusUnderReview, found.Status)
	return found
}

func (s *ServiceSuite) reviewedSample(decision models.ReviewDecision) *models.Sample {
	sample := s.underReviewSample(5.0)
	reviewed, err := s.svc.TechnicalReview(s.ctx, TechnicalReviewInput{
		SampleID: sample.ID,
		Decision: decision,
		Reason:   "review note",
		Password: signaturePassword,
	})
	s.Require().NoError(err)
	return reviewed
}

func (s *ServiceSuite) TestTechnicalReview() {
	s.Run("approval records reviewer and audits", func() {
		sample := s.underReviewSample(5.0)
		reviewed, err := s.svc.TechnicalReview(s.ctx, TechnicalReviewInput{
			SampleID: sample.ID,
			Decision: models.DecisionApproved,
			Password: signaturePassword,
		})
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, reviewed.Status)
		s.Equal(s.actor.UserID, reviewed.ReviewedBy)
		s.NotNil(reviewed.ReviewedAt)

		types := s.eventTypes(audit.EntitySample, sample.ID.String())
		s.Equal(audit.EventSampleTechnicalReview, types[len(types)-1])
	})

	s.Run("wrong password fails authentication before any mutation", func() {
		sample := s.underReviewSample(5.0)
		_, err := s.svc.TechnicalReview(s.ctx, TechnicalReviewInput{
			SampleID: sample.ID,
			Decision: models.DecisionApproved,
			Password: "wrong",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeAuthentication))

		found, err := s.samples.FindByID(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusUnderReview, found.Status)
	})

	s.Run("incomplete analyses block review", func() {
		sample := s.register(s.plan("pH", "moisture")...)
		_, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusCollected)
		s.Require().NoError(err)
		_, err = s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusUnderReview)
		s.Require().NoError(err)

		_, err = s.svc.TechnicalReview(s.ctx, TechnicalReviewInput{
			SampleID: sample.ID,
			Decision: models.DecisionApproved,
			Password: signaturePassword,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeIncompleteData))
	})

	s.Run("rejection with failing result auto-creates a system NC", func() {
		sample := s.underReviewSample(42.0) // outside the 0..10 window
		_, err := s.svc.TechnicalReview(s.ctx, TechnicalReviewInput{
			SampleID: sample.ID,
			Decision: models.DecisionRejected,
			Reason:   "pH out of specification",
			Password: signaturePassword,
		})
		s.Require().NoError(err)

		ncs, err := s.ncs.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Require().Len(ncs, 1)
		s.Equal(ncmodels.TypeAnalytical, ncs[0].Type)
		s.Equal(ncmodels.SeverityMedium, ncs[0].Severity, "non-critical failures stay medium")
		s.Equal(string(requestcontext.RoleSystem), ncs[0].CreatedByRole)
		s.Contains(ncs[0].Title, "pH")
		s.False(ncs[0].AnalysisID.IsNil(), "NC must reference the failing analysis")
	})

	s.Run("rejection with conforming results creates no NC", func() {
		sample := s.underReviewSample(5.0)
		_, err := s.svc.TechnicalReview(s.ctx, TechnicalReviewInput{
			SampleID: sample.ID,
			Decision: models.DecisionRejected,
			Reason:   "sampling procedure deviation",
			Password: signaturePassword,
		})
		s.Require().NoError(err)

		ncs, err := s.ncs.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Empty(ncs)
	})

	s.Run("analyst role is forbidden", func() {
		sample := s.underReviewSample(5.0)
		analyst := s.actor
		analyst.Role = requestcontext.RoleLabAnalyst
		ctx := requestcontext.WithActor(context.Background(), analyst)

		_, err := s.svc.TechnicalReview(ctx, TechnicalReviewInput{
			SampleID: sample.ID,
			Decision: models.DecisionApproved,
			Password: signaturePassword,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("concurrent reviews produce exactly one winner", func() {
		sample := s.underReviewSample(5.0)

		const racers = 8
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			wins   int
			losses int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.svc.TechnicalReview(s.ctx, TechnicalReviewInput{
					SampleID: sample.ID,
					Decision: models.DecisionApproved,
					Password: signaturePassword,
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if dErrors.HasCode(err, dErrors.CodeInvalidTransition) {
					losses++
				}
			}()
		}
		wg.Wait()
		s.Equal(1, wins)
		s.Equal(racers-1, losses, "losers surface an invalid-transition outcome")
	})
}

// ---------------------------------------------------------------------------
// Final release and archive
// ---------------------------------------------------------------------------

func (s *ServiceSuite) TestFinalRelease() {
	s.Run("releases an approved sample", func() {
		sample := s.reviewedSample(models.DecisionApproved)
		released, err := s.svc.FinalRelease(s.ctx, FinalReleaseInput{
			SampleID: sample.ID,
			Decision: models.DecisionReleased,
			Notes:    "batch cleared",
			Password: signaturePassword,
		})
		s.Require().NoError(err)
		s.Equal(models.StatusReleased, released.Status)
		s.Equal(s.actor.UserID, released.ReleasedBy)
		s.Equal("batch cleared", released.ReleaseNotes)

		types := s.eventTypes(audit.EntitySample, sample.ID.String())
		s.Equal(audit.EventSampleFinalRelease, types[len(types)-1])
	})

	s.Run("release rejection sends the sample to rejected", func() {
		sample := s.reviewedSample(models.DecisionApproved)
		rejected, err := s.svc.FinalRelease(s.ctx, FinalReleaseInput{
			SampleID: sample.ID,
			Decision: models.DecisionReleaseRejected,
			Notes:    "documentation gap",
			Password: signaturePassword,
		})
		s.Require().NoError(err)
		s.Equal(models.StatusRejected, rejected.Status)
	})

	s.Run("cannot release before approval", func() {
		sample := s.underReviewSample(5.0)
		_, err := s.svc.FinalRelease(s.ctx, FinalReleaseInput{
			SampleID: sample.ID,
			Decision: models.DecisionReleased,
			Password: signaturePassword,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("released samples are terminal", func() {
		sample := s.reviewedSample(models.DecisionApproved)
		_, err := s.svc.FinalRelease(s.ctx, FinalReleaseInput{
			SampleID: sample.ID,
			Decision: models.DecisionReleased,
			Password: signaturePassword,
		})
		s.Require().NoError(err)

		_, err = s.svc.FinalRelease(s.ctx, FinalReleaseInput{
			SampleID: sample.ID,
			Decision: models.DecisionReleased,
			Password: signaturePassword,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})
}

func (s *ServiceSuite) TestArchive() {
	s.Run("archives a released sample", func() {
		sample := s.reviewedSample(models.DecisionApproved)
		_, err := s.svc.FinalRelease(s.ctx, FinalReleaseInput{
			SampleID: sample.ID,
			Decision: models.DecisionReleased,
			Password: signaturePassword,
		})
		s.Require().NoError(err)

		archived, err := s.svc.Archive(s.ctx, sample.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusArchived, archived.Status)
	})

	s.Run("cannot archive a sample still in flight", func() {
		sample := s.register()
		_, err := s.svc.Archive(s.ctx, sample.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})
}

// ---------------------------------------------------------------------------
// Bulk operations
// ---------------------------------------------------------------------------

func (s *ServiceSuite) TestBulkTechnicalReview() {
	s.Run("partial failure isolates per item", func() {
		good1 := s.underReviewSample(5.0)
		good2 := s.underReviewSample(5.0)
		terminal := s.reviewedSample(models.DecisionApproved) // not under review

		results := s.svc.BulkTechnicalReview(s.ctx,
			[]id.SampleID{good1.ID, terminal.ID, good2.ID},
			models.DecisionApproved, "", signaturePassword)

		s.Require().Len(results, 3)
		s.NoError(results[0].Err)
		s.Equal(models.StatusApproved, results[0].Sample.Status)
		s.True(dErrors.HasCode(results[1].Err, dErrors.CodeInvalidTransition))
		s.NoError(results[2].Err)

		// The failed item is untouched.
		found, err := s.samples.FindByID(context.Background(), s.actor.OrganizationID, terminal.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, found.Status)
	})
}

func (s *ServiceSuite) TestBulkFinalRelease() {
	s.Run("aggregates per-item outcomes", func() {
		approved := s.reviewedSample(models.DecisionApproved)
		unreviewed := s.underReviewSample(5.0)

		results := s.svc.BulkFinalRelease(s.ctx,
			[]id.SampleID{approved.ID, unreviewed.ID},
			models.DecisionReleased, "", signaturePassword)

		s.Require().Len(results, 2)
		s.NoError(results[0].Err)
		s.Equal(models.StatusReleased, results[0].Sample.Status)
		s.True(dErrors.HasCode(results[1].Err, dErrors.CodeInvalidTransition))
	})
}

// ---------------------------------------------------------------------------
// Analysis lifecycle
// ---------------------------------------------------------------------------

func (s *ServiceSuite) TestAnalysisLifecycle() {
	s.Run("start then complete with spec evaluation", func() {
		sample := s.register(s.plan("pH")...)
		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)

		started, err := s.svc.StartAnalysis(s.ctx, rows[0].ID)
		s.Require().NoError(err)
		s.Equal(models.AnalysisStarted, started.Status)

		low, high := 0.0, 10.0
		value := 42.0
		completed, err := s.svc.CompleteAnalysis(s.ctx, CompleteAnalysisInput{
			AnalysisID:   rows[0].ID,
			ValueNumeric: &value,
			Spec:         &models.Spec{ParameterName: "pH", Min: &low, Max: &high},
		})
		s.Require().NoError(err)
		s.Equal(models.AnalysisCompleted, completed.Status)
		s.Require().NotNil(completed.Conforming)
		s.False(*completed.Conforming)
	})

	s.Run("requires exactly one value", func() {
		sample := s.register(s.plan("pH")...)
		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)

		_, err = s.svc.CompleteAnalysis(s.ctx, CompleteAnalysisInput{AnalysisID: rows[0].ID})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		v, txt := 1.0, "positive"
		_, err = s.svc.CompleteAnalysis(s.ctx, CompleteAnalysisInput{
			AnalysisID:   rows[0].ID,
			ValueNumeric: &v,
			ValueText:    &txt,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("invalidation schedules a retest and reopens analysis", func() {
		sample := s.underReviewSample(5.0)
		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		original := rows[0]

		invalidated, err := s.svc.InvalidateAnalysis(s.ctx, original.ID, "instrument drift")
		s.Require().NoError(err)
		s.Equal(models.AnalysisInvalidated, invalidated.Status)
		s.False(invalidated.Valid)

		// Only the retest clone remains valid.
		remaining, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Require().Len(remaining, 1)
		retest := remaining[0]
		s.True(retest.IsRetest)
		s.Equal(original.ID, retest.SupersedesID)
		s.Equal(original.ParameterID, retest.ParameterID)
		s.Equal(models.AnalysisPending, retest.Status)

		// The sample left review and is back in analysis.
		found, err := s.samples.FindByID(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusInAnalysis, found.Status)
	})

	s.Run("pending results cannot be invalidated", func() {
		sample := s.register(s.plan("pH")...)
		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)

		_, err = s.svc.InvalidateAnalysis(s.ctx, rows[0].ID, "no result yet")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("started results cannot be invalidated", func() {
		sample := s.register(s.plan("pH")...)
		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		_, err = s.svc.StartAnalysis(s.ctx, rows[0].ID)
		s.Require().NoError(err)

		_, err = s.svc.InvalidateAnalysis(s.ctx, rows[0].ID, "still running")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})
}

func (s *ServiceSuite) TestCriticalResultAutoNC() {
	criticalSpec := func(param string) *models.Spec {
		low, high := 0.0, 10.0
		return &models.Spec{ParameterName: param, Min: &low, Max: &high, Critical: true}
	}

	s.Run("critical non-conforming result raises a high NC at entry", func() {
		sample := s.register(s.plan("lead")...)
		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)

		value := 42.0
		completed, err := s.svc.CompleteAnalysis(s.ctx, CompleteAnalysisInput{
			AnalysisID:   rows[0].ID,
			ValueNumeric: &value,
			Spec:         criticalSpec("lead"),
		})
		s.Require().NoError(err)
		s.True(completed.Critical)
		s.Require().NotNil(completed.Conforming)
		s.False(*completed.Conforming)

		ncs, err := s.ncs.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Require().Len(ncs, 1)
		s.Equal(ncmodels.SeverityHigh, ncs[0].Severity, "critical failures escalate severity")
		s.Equal(string(requestcontext.RoleSystem), ncs[0].CreatedByRole)
		s.Equal(rows[0].ID, ncs[0].AnalysisID)
		s.Contains(ncs[0].Title, "lead")
	})

	s.Run("conforming result under a critical spec raises nothing", func() {
		sample := s.register(s.plan("lead")...)
		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)

		value := 5.0
		_, err = s.svc.CompleteAnalysis(s.ctx, CompleteAnalysisInput{
			AnalysisID:   rows[0].ID,
			ValueNumeric: &value,
			Spec:         criticalSpec("lead"),
		})
		s.Require().NoError(err)

		ncs, err := s.ncs.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Empty(ncs)
	})

	s.Run("non-critical failure defers to the review decision", func() {
		sample := s.underReviewSample(42.0) // outside the 0..10 window, Critical unset
		ncs, err := s.ncs.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Empty(ncs, "no NC until the reviewer rejects")
	})

	s.Run("rejection after an entry NC does not duplicate it", func() {
		sample := s.register(s.plan("lead")...)
		_, err := s.svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusCollected)
		s.Require().NoError(err)

		rows, err := s.analyses.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		value := 42.0
		_, err = s.svc.CompleteAnalysis(s.ctx, CompleteAnalysisInput{
			AnalysisID:   rows[0].ID,
			ValueNumeric: &value,
			Spec:         criticalSpec("lead"),
		})
		s.Require().NoError(err)

		_, err = s.svc.TechnicalReview(s.ctx, TechnicalReviewInput{
			SampleID: sample.ID,
			Decision: models.DecisionRejected,
			Reason:   "lead out of specification",
			Password: signaturePassword,
		})
		s.Require().NoError(err)

		ncs, err := s.ncs.ListBySample(context.Background(), s.actor.OrganizationID, sample.ID)
		s.Require().NoError(err)
		s.Len(ncs, 1, "the entry-raised NC already covers the failure")
	})
}

// ---------------------------------------------------------------------------
// Best-effort side effects
// ---------------------------------------------------------------------------

func (s *ServiceSuite) TestSideEffectsAreBestEffort() {
	s.Run("notification failure never fails the transition", func() {
		s.notifier.Err = context.DeadlineExceeded
		sample := s.underReviewSample(5.0)

		reviewed, err := s.svc.TechnicalReview(s.ctx, TechnicalReviewInput{
			SampleID: sample.ID,
			Decision: models.DecisionApproved,
			Password: signaturePassword,
		})
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, reviewed.Status)
	})

	s.Run("audit failure never fails the transition", func() {
		svc := New(s.samples, s.analyses,
			WithAuditSink(failingSink{}),
			WithSignatureVerifier(&signature.StaticVerifier{Password: signaturePassword}),
		)
		sample := s.register()

		updated, err := svc.UpdateSampleStatus(s.ctx, sample.ID, models.StatusCollected)
		s.Require().NoError(err)
		s.Equal(models.StatusCollected, updated.Status)
	})
}

type failingSink struct{}

func (failingSink) Record(ctx context.Context, event audit.Event) error {
	return context.DeadlineExceeded
}
