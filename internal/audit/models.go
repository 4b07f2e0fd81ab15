// Package audit records immutable domain events for regulatory traceability.
// Events are appended to a transactional outbox and shipped to Kafka by the
// dispatch worker; the outbox write is best-effort relative to the primary
// state mutation it describes.
package audit

import (
	"time"

	"github.com/google/uuid"

	id "labtrace/pkg/domain"
)

// EventType enumerates the state-affecting actions the platform records.
type EventType string

const (
	// Sample lifecycle events
	EventSampleRegistered       EventType = "SAMPLE_REGISTERED"
	EventSampleStatusUpdated    EventType = "SAMPLE_STATUS_UPDATED"
	EventSampleStatusProgressed EventType = "SAMPLE_STATUS_PROGRESSED"
	EventSampleTechnicalReview  EventType = "SAMPLE_TECHNICAL_REVIEW"
	EventSampleFinalRelease     EventType = "SAMPLE_FINAL_RELEASE"
	EventSampleArchived         EventType = "SAMPLE_ARCHIVED"

	// Analysis events
	EventAnalysisStarted     EventType = "ANALYSIS_STARTED"
	EventAnalysisCompleted   EventType = "ANALYSIS_COMPLETED"
	EventAnalysisInvalidated EventType = "ANALYSIS_INVALIDATED"

	// Non-conformity events
	EventNCCreated       EventType = "NC_CREATED"
	EventNCAutoCreated   EventType = "NC_AUTO_CREATED"
	EventNCStatusUpdated EventType = "NC_STATUS_UPDATED"
	EventNCClosed        EventType = "NC_CLOSED"
)

// EntityType names the table-level aggregate an event belongs to.
type EntityType string

const (
	EntitySample        EntityType = "samples"
	EntityAnalysis      EntityType = "lab_analysis"
	EntityNonConformity EntityType = "nonconformities"
)

// Category classifies audit events by their primary purpose. This enables
// different retention policies and routing on the consumer side.
type Category string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// These require tamper-proof storage and long retention.
	CategoryCompliance Category = "compliance"

	// CategoryOperations covers events useful for debugging and operational
	// visibility. These can be sampled with shorter retention.
	CategoryOperations Category = "operations"
)

// eventCategories maps each event type to its category. Review, release and
// NC events carry regulatory weight; routine progression is operational.
var eventCategories = map[EventType]Category{
	EventSampleRegistered:      CategoryCompliance,
	EventSampleTechnicalReview: CategoryCompliance,
	EventSampleFinalRelease:    CategoryCompliance,
	EventSampleArchived:        CategoryCompliance,
	EventAnalysisCompleted:     CategoryCompliance,
	EventAnalysisInvalidated:   CategoryCompliance,
	EventNCCreated:             CategoryCompliance,
	EventNCAutoCreated:         CategoryCompliance,
	EventNCClosed:              CategoryCompliance,

	EventSampleStatusUpdated:    CategoryOperations,
	EventSampleStatusProgressed: CategoryOperations,
	EventAnalysisStarted:        CategoryOperations,
	EventNCStatusUpdated:        CategoryOperations,
}

// Category returns the routing category for an event type, defaulting to
// operations for unknown types.
func (t EventType) Category() Category {
	if c, ok := eventCategories[t]; ok {
		return c
	}
	return CategoryOperations
}

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID             uuid.UUID
	EventType      EventType
	EntityType     EntityType
	EntityID       string
	Payload        map[string]any
	OrganizationID id.OrganizationID
	PlantID        id.PlantID
	ActorID        id.UserID
	// ActorRole distinguishes human actors from automated ones ("system").
	ActorRole     string
	CorrelationID string
	Timestamp     time.Time
}
