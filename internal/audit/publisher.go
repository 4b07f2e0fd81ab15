package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	id "labtrace/pkg/domain"
)

// Sink is the append-only recorder consumed by domain services. Failures are
// the caller's to log, never to propagate as operation failures: audit
// durability is best-effort relative to the primary state change.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Store persists audit events. Implementations are append-only.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByEntity(ctx context.Context, orgID id.OrganizationID, entityType EntityType, entityID string) ([]Event, error)
}

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store Store
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// Record stamps missing identity/time fields and appends the event.
func (p *Publisher) Record(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return p.store.Append(ctx, event)
}

// List returns the recorded events for one entity within a tenant scope.
func (p *Publisher) List(ctx context.Context, orgID id.OrganizationID, entityType EntityType, entityID string) ([]Event, error) {
	return p.store.ListByEntity(ctx, orgID, entityType, entityID)
}
