package models

import (
	"time"

	id "labtrace/pkg/domain"
)

// AnalysisStatus is the per-analysis execution state, separate from the
// owning sample's lifecycle.
type AnalysisStatus string

const (
	AnalysisPending     AnalysisStatus = "pending"
	AnalysisStarted     AnalysisStatus = "started"
	AnalysisCompleted   AnalysisStatus = "completed"
	AnalysisInvalidated AnalysisStatus = "invalidated"
)

// LabAnalysis is one required measurement on a sample for a given parameter.
type LabAnalysis struct {
	ID       id.AnalysisID
	SampleID id.SampleID

	ParameterID id.ParameterID
	// ParameterName is denormalized from the parameter catalog so result
	// views and auto-generated NC text never need a catalog join.
	ParameterName string

	OrganizationID id.OrganizationID
	PlantID        id.PlantID

	Status AnalysisStatus

	// ValueNumeric and ValueText are mutually exclusive; at least one must be
	// set before the owning sample can enter review.
	ValueNumeric *float64
	ValueText    *string

	// Conforming is nil until a specification has been evaluated.
	Conforming *bool
	// Critical records that the evaluated specification was marked critical,
	// so the review path knows which failures already raised their NC at
	// result entry.
	Critical bool
	// Valid is false once the row has been invalidated; invalid rows are
	// excluded from completeness counts.
	Valid bool

	Notes string

	// Retest provenance: a cloned row supersedes the invalidated original.
	IsRetest     bool
	SupersedesID id.AnalysisID
	RetestReason string

	AnalyzedBy id.UserID
	AnalyzedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasValue reports whether a result has been recorded.
func (a LabAnalysis) HasValue() bool {
	return a.ValueNumeric != nil || a.ValueText != nil
}

// AnalysisResult is the completion payload for one analysis: the measured
// value, the conformity verdict, and who measured it.
type AnalysisResult struct {
	ValueNumeric *float64
	ValueText    *string
	Conforming   *bool
	Critical     bool
	Notes        string
	AnalyzedBy   id.UserID
}

// Spec is the acceptance window for a parameter, taken from the external
// specification catalog. Nil bounds are open-ended.
type Spec struct {
	ParameterID   id.ParameterID
	ParameterName string
	Min           *float64
	Max           *float64
	// Critical spec failures auto-generate a non-conformity.
	Critical bool
}

// Evaluate reports whether value falls inside the acceptance window.
func (s Spec) Evaluate(value float64) bool {
	if s.Min != nil && value < *s.Min {
		return false
	}
	if s.Max != nil && value > *s.Max {
		return false
	}
	return true
}
