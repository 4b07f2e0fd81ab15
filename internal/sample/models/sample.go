// Package models defines the typed entities of the sample lifecycle. Anything
// read from storage is mapped into these types before the services touch it.
package models

import (
	"time"

	id "labtrace/pkg/domain"
)

// Status is the sample lifecycle state. The set is closed; the transition
// table in internal/sample/fsm is the single authority on legal moves.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusRegistered  Status = "registered"
	StatusCollected   Status = "collected"
	StatusInAnalysis  Status = "in_analysis"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusReleased    Status = "released"
	StatusArchived    Status = "archived"
)

// AllStatuses is the closed state set, in forward-progression order.
var AllStatuses = []Status{
	StatusDraft,
	StatusRegistered,
	StatusCollected,
	StatusInAnalysis,
	StatusUnderReview,
	StatusApproved,
	StatusRejected,
	StatusReleased,
	StatusArchived,
}

// Valid reports whether s is a member of the closed state set.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the lifecycle. Terminal samples are
// archived, never deleted.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusArchived
}

// Locked reports whether manual status edits are refused. Decisions
// (approved/rejected) and terminal states only move through the dedicated
// review, release and archive operations.
func (s Status) Locked() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusReleased, StatusArchived:
		return true
	}
	return false
}

// ReviewDecision resolves a technical review.
type ReviewDecision string

const (
	DecisionApproved ReviewDecision = "approved"
	DecisionRejected ReviewDecision = "rejected"
)

// ReleaseDecision resolves a final release.
type ReleaseDecision string

const (
	DecisionReleased        ReleaseDecision = "released"
	DecisionReleaseRejected ReleaseDecision = "rejected"
)

// Sample is a physical specimen tracked through the lab workflow.
type Sample struct {
	ID             id.SampleID
	Code           string
	Status         Status
	SampleTypeID   id.SampleTypeID
	OrganizationID id.OrganizationID
	PlantID        id.PlantID

	// Optional provenance links; nil UUIDs mean unlinked.
	BatchID               id.BatchID
	IntermediateProductID id.IntermediateProductID
	SamplingPointID       id.SamplingPointID

	CollectedBy id.UserID
	CollectedAt *time.Time

	ReviewedBy id.UserID
	ReviewedAt *time.Time

	ReleasedBy   id.UserID
	ReleasedAt   *time.Time
	ReleaseNotes string

	Notes string

	CreatedAt time.Time
	UpdatedAt time.Time
}
