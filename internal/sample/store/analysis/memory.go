// Package analysis provides storage for LabAnalysis rows. Status writes are
// compare-and-swap on the expected prior status, mirroring the SQL contract.
package analysis

import (
	"context"
	"sort"
	"sync"
	"time"

	"labtrace/internal/sample/models"
	id "labtrace/pkg/domain"
	"labtrace/pkg/platform/sentinel"
)

type MemoryStore struct {
	mu       sync.RWMutex
	analyses map[id.AnalysisID]*models.LabAnalysis
}

func NewMemory() *MemoryStore {
	return &MemoryStore{analyses: make(map[id.AnalysisID]*models.LabAnalysis)}
}

func (s *MemoryStore) Insert(ctx context.Context, analysis *models.LabAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *analysis
	s.analyses[analysis.ID] = &clone
	return nil
}

// InsertBatch inserts all rows or none. All-or-nothing matches the SQL
// transaction used by the Postgres implementation.
func (s *MemoryStore) InsertBatch(ctx context.Context, analyses []*models.LabAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range analyses {
		if _, exists := s.analyses[a.ID]; exists {
			return sentinel.ErrDuplicate
		}
	}
	for _, a := range analyses {
		clone := *a
		s.analyses[a.ID] = &clone
	}
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID) (*models.LabAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.analyses[analysisID]
	if !ok || a.OrganizationID != orgID {
		return nil, sentinel.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

// ListBySample returns the valid analyses for a sample ordered by creation
// time. Invalidated rows are excluded; they no longer count toward
// completeness.
func (s *MemoryStore) ListBySample(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) ([]*models.LabAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LabAnalysis
	for _, a := range s.analyses {
		if a.OrganizationID != orgID || a.SampleID != sampleID || !a.Valid {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateStatus applies from → to iff the stored status still equals from and
// the row is still valid.
func (s *MemoryStore) UpdateStatus(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID, from, to models.AnalysisStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.analyses[analysisID]
	if !ok || a.OrganizationID != orgID || a.Status != from || !a.Valid {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = now
	return true, nil
}

// ApplyResult records the measured value and conformity verdict alongside the
// completed status. Same CAS contract as UpdateStatus.
func (s *MemoryStore) ApplyResult(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID, from models.AnalysisStatus, result models.AnalysisResult, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.analyses[analysisID]
	if !ok || a.OrganizationID != orgID || a.Status != from || !a.Valid {
		return false, nil
	}
	a.Status = models.AnalysisCompleted
	a.ValueNumeric = result.ValueNumeric
	a.ValueText = result.ValueText
	a.Conforming = result.Conforming
	a.Critical = result.Critical
	a.Notes = result.Notes
	a.AnalyzedBy = result.AnalyzedBy
	at := now
	a.AnalyzedAt = &at
	a.UpdatedAt = now
	return true, nil
}

// Invalidate marks a completed row invalid. The retest clone is inserted by
// the caller in a separate step.
func (s *MemoryStore) Invalidate(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.analyses[analysisID]
	if !ok || a.OrganizationID != orgID || a.Status != models.AnalysisCompleted || !a.Valid {
		return false, nil
	}
	a.Status = models.AnalysisInvalidated
	a.Valid = false
	a.RetestReason = reason
	a.UpdatedAt = now
	return true, nil
}
