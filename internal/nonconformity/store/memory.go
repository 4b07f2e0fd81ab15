// Package store provides storage for NonConformity rows and the yearly NC
// code sequence. Both implementations share the contract: tenant-scoped
// reads, CAS status writes, and NC-YYYY-NNNN code allocation.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"labtrace/internal/nonconformity/models"
	id "labtrace/pkg/domain"
	"labtrace/pkg/platform/sentinel"
)

type MemoryStore struct {
	mu        sync.RWMutex
	ncs       map[id.NonConformityID]*models.NonConformity
	sequences map[string]int
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		ncs:       make(map[id.NonConformityID]*models.NonConformity),
		sequences: make(map[string]int),
	}
}

// NextCode allocates the next NC-YYYY-NNNN code for the organization. The
// sequence resets each calendar year.
func (s *MemoryStore) NextCode(ctx context.Context, orgID id.OrganizationID, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	year := at.UTC().Year()
	key := fmt.Sprintf("%s:%d", orgID.String(), year)
	s.sequences[key]++
	return fmt.Sprintf("NC-%d-%04d", year, s.sequences[key]), nil
}

func (s *MemoryStore) Insert(ctx context.Context, nc *models.NonConformity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.ncs {
		if existing.OrganizationID == nc.OrganizationID && existing.Code == nc.Code {
			return sentinel.ErrDuplicate
		}
	}
	clone := *nc
	s.ncs[nc.ID] = &clone
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, orgID id.OrganizationID, ncID id.NonConformityID) (*models.NonConformity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nc, ok := s.ncs[ncID]
	if !ok || nc.OrganizationID != orgID {
		return nil, sentinel.ErrNotFound
	}
	clone := *nc
	return &clone, nil
}

// ListBySample returns the NCs triggered by one sample, oldest first.
func (s *MemoryStore) ListBySample(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) ([]*models.NonConformity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.NonConformity
	for _, nc := range s.ncs {
		if nc.OrganizationID != orgID || nc.SampleID != sampleID {
			continue
		}
		clone := *nc
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateStatus applies from → to iff the stored status still equals from.
func (s *MemoryStore) UpdateStatus(ctx context.Context, orgID id.OrganizationID, ncID id.NonConformityID, from, to models.Status, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nc, ok := s.ncs[ncID]
	if !ok || nc.OrganizationID != orgID || nc.Status != from {
		return false, nil
	}
	nc.Status = to
	nc.UpdatedAt = now
	return true, nil
}

// ApplyClosure records the closing decision with closer traceability. Same
// CAS contract as UpdateStatus.
func (s *MemoryStore) ApplyClosure(ctx context.Context, orgID id.OrganizationID, ncID id.NonConformityID, from models.Status, closer id.UserID, resolution string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nc, ok := s.ncs[ncID]
	if !ok || nc.OrganizationID != orgID || nc.Status != from {
		return false, nil
	}
	nc.Status = models.StatusClosed
	nc.ClosedBy = closer
	at := now
	nc.ClosedAt = &at
	nc.ResolutionNotes = resolution
	nc.UpdatedAt = now
	return true, nil
}
