// Package models defines the non-conformity entity and its closed enums.
package models

import (
	"time"

	id "labtrace/pkg/domain"
)

// Status is the NC lifecycle state. The ladder is linear: open → in_progress
// → closed, with voided as the administrative escape hatch.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
	StatusVoided     Status = "voided"
)

// AllStatuses is the closed state set.
var AllStatuses = []Status{StatusOpen, StatusInProgress, StatusClosed, StatusVoided}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the NC can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusVoided
}

// CanTransition reports whether the linear ladder permits from → to. Voiding
// is allowed from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusInProgress:
		return from == StatusOpen
	case StatusClosed:
		return from == StatusInProgress
	case StatusVoided:
		return true
	}
	return false
}

// Severity grades the quality impact of a deviation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Type classifies the origin of a deviation.
type Type string

const (
	TypeProcess  Type = "process"
	TypeProduct  Type = "product"
	TypeSupplier Type = "supplier"
	TypeAudit    Type = "audit"
	// TypeAnalytical marks NCs auto-generated from an out-of-spec lab result.
	TypeAnalytical Type = "analytical"
)

func (t Type) Valid() bool {
	switch t {
	case TypeProcess, TypeProduct, TypeSupplier, TypeAudit, TypeAnalytical:
		return true
	}
	return false
}

// NonConformity is a quality deviation record. Auto-generated NCs always link
// back to the sample, and where possible the specific analysis, that
// triggered them.
type NonConformity struct {
	ID             id.NonConformityID
	Code           string
	Title          string
	Description    string
	Severity       Severity
	Type           Type
	Status         Status
	OrganizationID id.OrganizationID
	PlantID        id.PlantID

	// Trigger provenance; nil UUIDs mean no link.
	SampleID   id.SampleID
	AnalysisID id.AnalysisID

	// CreatedByRole is "system" for auto-generated NCs.
	CreatedBy     id.UserID
	CreatedByRole string

	ClosedBy id.UserID
	ClosedAt *time.Time

	ResolutionNotes string

	CreatedAt time.Time
	UpdatedAt time.Time
}
