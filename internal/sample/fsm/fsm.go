// Package fsm is the pure decision core of the sample lifecycle: the
// transition table and the completeness guards. No I/O, no side effects, so
// every edge can be tested exhaustively without storage.
package fsm

import (
	"labtrace/internal/sample/models"
)

// transitions is the closed edge table. Any (from, to) pair absent here is
// illegal and must surface as an invalid-transition outcome, never a silent
// no-op.
//
// Policy decisions encoded at table level:
//   - under_review → in_analysis: invalidating a result during review sends
//     the sample back for the retest.
//   - rejected → in_analysis: a rejected sample may be reworked after its
//     failing analyses are invalidated and retested.
//   - archived is reachable only from the resolved terminal-ish states
//     (released, rejected), not from mid-flight ones.
var transitions = map[models.Status]map[models.Status]struct{}{
	models.StatusDraft: {
		models.StatusRegistered: {},
	},
	models.StatusRegistered: {
		models.StatusCollected: {},
	},
	models.StatusCollected: {
		models.StatusInAnalysis:  {},
		models.StatusUnderReview: {},
	},
	models.StatusInAnalysis: {
		models.StatusUnderReview: {},
	},
	models.StatusUnderReview: {
		models.StatusInAnalysis: {},
		models.StatusApproved:   {},
		models.StatusRejected:   {},
	},
	models.StatusApproved: {
		models.StatusReleased: {},
		models.StatusRejected: {},
	},
	models.StatusRejected: {
		models.StatusInAnalysis: {},
		models.StatusArchived:   {},
	},
	models.StatusReleased: {
		models.StatusArchived: {},
	},
	models.StatusArchived: {},
}

// IsValidTransition reports whether the edge table permits from → to.
func IsValidTransition(from, to models.Status) bool {
	targets, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// IsReadyForReview is the completeness guard for automatic progression:
// true iff there is at least one analysis and every one carries a value.
func IsReadyForReview(completedCount, totalCount int) bool {
	return totalCount > 0 && completedCount == totalCount
}

// NextAutomatic derives the automatic-progression target from analysis
// completeness. It returns current unchanged when no progression applies,
// which callers treat as an idempotent no-op.
func NextAutomatic(current models.Status, completedCount, totalCount int) models.Status {
	if totalCount == 0 {
		return current
	}
	switch {
	case completedCount > 0 && completedCount < totalCount:
		if IsValidTransition(current, models.StatusInAnalysis) || current == models.StatusInAnalysis {
			return models.StatusInAnalysis
		}
	case IsReadyForReview(completedCount, totalCount):
		if IsValidTransition(current, models.StatusUnderReview) {
			return models.StatusUnderReview
		}
	}
	return current
}

// analysisTransitions is the execution ladder for a single analysis row.
// Invalidation voids a recorded result, so it is reachable only from
// completed; a pending or started row has nothing to void yet.
var analysisTransitions = map[models.AnalysisStatus]map[models.AnalysisStatus]struct{}{
	models.AnalysisPending: {
		models.AnalysisStarted:   {},
		models.AnalysisCompleted: {},
	},
	models.AnalysisStarted: {
		models.AnalysisCompleted: {},
	},
	models.AnalysisCompleted: {
		models.AnalysisInvalidated: {},
	},
	models.AnalysisInvalidated: {},
}

// IsValidAnalysisTransition reports whether the analysis ladder permits
// from → to.
func IsValidAnalysisTransition(from, to models.AnalysisStatus) bool {
	targets, ok := analysisTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}
