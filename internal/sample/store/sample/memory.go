// Package sample provides storage for Sample rows. The in-memory store backs
// unit tests; PostgresStore is the production implementation. Both enforce
// the same contract: every read and write is tenant-scoped and status writes
// are compare-and-swap on the expected prior status.
package sample

import (
	"context"
	"strings"
	"sync"
	"time"

	"labtrace/internal/sample/models"
	id "labtrace/pkg/domain"
	"labtrace/pkg/platform/sentinel"
)

// MemoryStore keeps samples in a map guarded by a mutex. The CAS semantics
// match the SQL implementation so service tests exercise the same races.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[id.SampleID]*models.Sample
}

func NewMemory() *MemoryStore {
	return &MemoryStore{samples: make(map[id.SampleID]*models.Sample)}
}

func (s *MemoryStore) Insert(ctx context.Context, sample *models.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.samples {
		if existing.OrganizationID == sample.OrganizationID &&
			existing.PlantID == sample.PlantID &&
			strings.EqualFold(existing.Code, sample.Code) {
			return sentinel.ErrDuplicate
		}
	}

	clone := *sample
	s.samples[sample.ID] = &clone
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) (*models.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sample, ok := s.samples[sampleID]
	if !ok || sample.OrganizationID != orgID {
		// Cross-tenant ids look exactly like missing ids.
		return nil, sentinel.ErrNotFound
	}
	clone := *sample
	return &clone, nil
}

// UpdateStatus applies from → to iff the stored status still equals from.
// Returns false when the row is missing, cross-tenant, or a concurrent writer
// changed the status first.
func (s *MemoryStore) UpdateStatus(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID, from, to models.Status, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample, ok := s.samples[sampleID]
	if !ok || sample.OrganizationID != orgID || sample.Status != from {
		return false, nil
	}
	sample.Status = to
	sample.UpdatedAt = now
	return true, nil
}

// ApplyReview records a technical review decision with reviewer traceability.
// Same CAS contract as UpdateStatus.
func (s *MemoryStore) ApplyReview(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID, from, to models.Status, reviewer id.UserID, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample, ok := s.samples[sampleID]
	if !ok || sample.OrganizationID != orgID || sample.Status != from {
		return false, nil
	}
	sample.Status = to
	sample.ReviewedBy = reviewer
	at := now
	sample.ReviewedAt = &at
	if to == models.StatusRejected && reason != "" {
		sample.Notes = reason
	}
	sample.UpdatedAt = now
	return true, nil
}

// ApplyRelease records the final release decision.
func (s *MemoryStore) ApplyRelease(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID, from, to models.Status, releaser id.UserID, notes string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample, ok := s.samples[sampleID]
	if !ok || sample.OrganizationID != orgID || sample.Status != from {
		return false, nil
	}
	sample.Status = to
	sample.ReleasedBy = releaser
	at := now
	sample.ReleasedAt = &at
	sample.ReleaseNotes = notes
	sample.UpdatedAt = now
	return true, nil
}
