// Package notify defines the outbound notification port. Delivery mechanics
// (email, in-app inbox) live behind the Port; the domain services only care
// that dispatch is fire-and-forget relative to the state change that caused
// it.
package notify

import (
	"context"

	id "labtrace/pkg/domain"
)

// Severity mirrors the NC severity scale for alert styling downstream.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Notification is one outbound message. Exactly one of TargetUserID or
// TargetRole should be set.
type Notification struct {
	Title        string
	Content      string
	Type         string
	Severity     Severity
	TargetUserID id.UserID
	TargetRole   string
	Link         string
	PlantID      id.PlantID
}

// Port dispatches notifications. Implementations must not panic; a returned
// error means the message was not delivered and belongs in the dead-letter
// log. Callers never fail the primary operation on a notification error.
type Port interface {
	Notify(ctx context.Context, n Notification) error
}
