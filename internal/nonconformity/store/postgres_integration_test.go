//go:build integration

package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"labtrace/internal/nonconformity/models"
	ncstore "labtrace/internal/nonconformity/store"
	id "labtrace/pkg/domain"
	"labtrace/pkg/platform/sentinel"
	"labtrace/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *ncstore.PostgresStore
	orgID    id.OrganizationID
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = ncstore.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.TruncateTables(ctx, "nonconformities", "nc_code_sequences"))
	s.orgID = id.OrganizationID(uuid.New())
}

func (s *PostgresStoreSuite) newNC(code string) *models.NonConformity {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.NonConformity{
		ID:             id.NewNonConformityID(),
		Code:           code,
		Title:          "pH out of specification",
		Description:    "measured 6.1, window 6.5-7.5",
		Severity:       models.SeverityMedium,
		Type:           models.TypeAnalytical,
		Status:         models.StatusOpen,
		OrganizationID: s.orgID,
		PlantID:        id.PlantID(uuid.New()),
		CreatedBy:      id.UserID(uuid.New()),
		CreatedByRole:  "system",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *PostgresStoreSuite) TestNextCodeSequencesPerYear() {
	ctx := context.Background()
	at := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	first, err := s.store.NextCode(ctx, s.orgID, at)
	s.Require().NoError(err)
	s.Equal("NC-2026-0001", first)

	second, err := s.store.NextCode(ctx, s.orgID, at)
	s.Require().NoError(err)
	s.Equal("NC-2026-0002", second)

	s.Run("new year restarts the counter", func() {
		code, err := s.store.NextCode(ctx, s.orgID, at.AddDate(1, 0, 0))
		s.Require().NoError(err)
		s.Equal("NC-2027-0001", code)
	})

	s.Run("other organizations count independently", func() {
		code, err := s.store.NextCode(ctx, id.OrganizationID(uuid.New()), at)
		s.Require().NoError(err)
		s.Equal("NC-2026-0001", code)
	})
}

// TestConcurrentNextCode verifies that concurrent allocations never hand out
// the same number.
func (s *PostgresStoreSuite) TestConcurrentNextCode() {
	ctx := context.Background()
	at := time.Now().UTC()
	const goroutines = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := s.store.NextCode(ctx, s.orgID, at)
			if err != nil {
				return
			}
			mu.Lock()
			seen[code] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.Len(seen, goroutines, "every allocation must be unique")
	last := fmt.Sprintf("NC-%d-%04d", at.Year(), goroutines)
	s.Contains(seen, last)
}

func (s *PostgresStoreSuite) TestInsertAndFind() {
	ctx := context.Background()

	nc := s.newNC("NC-2026-0001")
	nc.SampleID = id.NewSampleID()
	nc.AnalysisID = id.NewAnalysisID()
	s.Require().NoError(s.store.Insert(ctx, nc))

	found, err := s.store.FindByID(ctx, s.orgID, nc.ID)
	s.Require().NoError(err)
	s.Equal(nc.Code, found.Code)
	s.Equal(models.StatusOpen, found.Status)
	s.Equal(nc.SampleID, found.SampleID)
	s.Equal(nc.AnalysisID, found.AnalysisID)
	s.Equal("system", found.CreatedByRole)

	s.Run("duplicate code conflicts", func() {
		dup := s.newNC(nc.Code)
		s.ErrorIs(s.store.Insert(ctx, dup), sentinel.ErrDuplicate)
	})

	s.Run("cross-tenant read is not found", func() {
		_, err := s.store.FindByID(ctx, id.OrganizationID(uuid.New()), nc.ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestListBySample() {
	ctx := context.Background()
	sampleID := id.NewSampleID()

	first := s.newNC("NC-2026-0001")
	first.SampleID = sampleID
	s.Require().NoError(s.store.Insert(ctx, first))

	second := s.newNC("NC-2026-0002")
	second.SampleID = sampleID
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	second.UpdatedAt = second.CreatedAt
	s.Require().NoError(s.store.Insert(ctx, second))

	unrelated := s.newNC("NC-2026-0003")
	unrelated.SampleID = id.NewSampleID()
	s.Require().NoError(s.store.Insert(ctx, unrelated))

	listed, err := s.store.ListBySample(ctx, s.orgID, sampleID)
	s.Require().NoError(err)
	s.Require().Len(listed, 2)
	s.Equal(first.Code, listed[0].Code)
	s.Equal(second.Code, listed[1].Code)
}

func (s *PostgresStoreSuite) TestUpdateStatusCAS() {
	ctx := context.Background()
	now := time.Now().UTC()

	nc := s.newNC("NC-2026-0001")
	s.Require().NoError(s.store.Insert(ctx, nc))

	ok, err := s.store.UpdateStatus(ctx, s.orgID, nc.ID,
		models.StatusInProgress, models.StatusClosed, now)
	s.Require().NoError(err)
	s.False(ok, "stale expected status must lose")

	ok, err = s.store.UpdateStatus(ctx, s.orgID, nc.ID,
		models.StatusOpen, models.StatusInProgress, now)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *PostgresStoreSuite) TestApplyClosure() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	closer := id.UserID(uuid.New())

	nc := s.newNC("NC-2026-0001")
	nc.Status = models.StatusInProgress
	s.Require().NoError(s.store.Insert(ctx, nc))

	ok, err := s.store.ApplyClosure(ctx, s.orgID, nc.ID,
		models.StatusInProgress, closer, "CAPA 17 executed", now)
	s.Require().NoError(err)
	s.True(ok)

	found, err := s.store.FindByID(ctx, s.orgID, nc.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusClosed, found.Status)
	s.Equal(closer, found.ClosedBy)
	s.Require().NotNil(found.ClosedAt)
	s.Equal("CAPA 17 executed", found.ResolutionNotes)

	s.Run("closed rows cannot close again", func() {
		ok, err := s.store.ApplyClosure(ctx, s.orgID, nc.ID,
			models.StatusInProgress, closer, "again", now)
		s.Require().NoError(err)
		s.False(ok)
	})
}
