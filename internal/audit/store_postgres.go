package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "labtrace/pkg/domain"
)

// PostgresStore implements Store using the transactional outbox pattern.
// Events are written to the audit_outbox table and published to Kafka by the
// dispatch worker. Kafka is the source of truth for downstream consumers; the
// audit_events table is the queryable materialization.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// outboxPayload is the JSON structure published to Kafka. Field names match
// Event for proper deserialization by consumers.
type outboxPayload struct {
	ID             string         `json:"ID"`
	Category       string         `json:"Category"`
	EventType      string         `json:"EventType"`
	EntityType     string         `json:"EntityType"`
	EntityID       string         `json:"EntityID"`
	Payload        map[string]any `json:"Payload,omitempty"`
	OrganizationID string         `json:"OrganizationID"`
	PlantID        string         `json:"PlantID,omitempty"`
	ActorID        string         `json:"ActorID"`
	ActorRole      string         `json:"ActorRole,omitempty"`
	CorrelationID  string         `json:"CorrelationID,omitempty"`
	Timestamp      string         `json:"Timestamp"`
}

// Append writes an audit event to the outbox table for Kafka publishing.
func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	payload := outboxPayload{
		ID:             event.ID.String(),
		Category:       string(event.EventType.Category()),
		EventType:      string(event.EventType),
		EntityType:     string(event.EntityType),
		EntityID:       event.EntityID,
		Payload:        event.Payload,
		OrganizationID: event.OrganizationID.String(),
		ActorID:        event.ActorID.String(),
		ActorRole:      event.ActorRole,
		CorrelationID:  event.CorrelationID,
		Timestamp:      event.Timestamp.Format(time.RFC3339Nano),
	}
	if !event.PlantID.IsNil() {
		payload.PlantID = event.PlantID.String()
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO audit_outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		string(event.EntityType),
		event.EntityID,
		string(event.EventType),
		payloadBytes,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// OutboxEntry is an undispatched audit event awaiting Kafka publication.
type OutboxEntry struct {
	ID        uuid.UUID
	EventType string
	Key       string
	Payload   []byte
}

// FetchUndispatched returns up to limit pending outbox rows, oldest first.
// The statement runs in autocommit, so its row locks end with the statement
// and concurrent dispatcher replicas can fetch the same rows; SKIP LOCKED only
// avoids blocking on writers mid-transaction. Delivery is therefore
// at-least-once, deduplicated when the consumer materializes by event id.
func (s *PostgresStore) FetchUndispatched(ctx context.Context, limit int) ([]OutboxEntry, error) {
	query := `
		SELECT id, event_type, aggregate_id, payload
		FROM audit_outbox
		WHERE dispatched_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.EventType, &e.Key, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkDispatched stamps outbox rows as shipped. Already-stamped rows are left
// untouched so redelivery after a crash stays idempotent on the consumer side.
func (s *PostgresStore) MarkDispatched(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pgIDs := make([]string, len(ids))
	for i, entryID := range ids {
		pgIDs[i] = entryID.String()
	}
	query := `
		UPDATE audit_outbox
		SET dispatched_at = NOW()
		WHERE id = ANY($1) AND dispatched_at IS NULL
	`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(pgIDs)); err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}

// AppendWithID inserts an audit event into the audit_events table with a
// specific ID. Used by the Kafka consumer to materialize events for querying.
// Idempotent: duplicate inserts are ignored via ON CONFLICT DO NOTHING.
func (s *PostgresStore) AppendWithID(ctx context.Context, eventID uuid.UUID, event Event) error {
	payloadBytes, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			id, category, event_type, entity_type, entity_id, payload,
			organization_id, plant_id, actor_id, actor_role, correlation_id, timestamp
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	var plantID any
	if !event.PlantID.IsNil() {
		plantID = uuid.UUID(event.PlantID)
	}

	_, err = s.db.ExecContext(ctx, query,
		eventID,
		string(event.EventType.Category()),
		string(event.EventType),
		string(event.EntityType),
		event.EntityID,
		payloadBytes,
		uuid.UUID(event.OrganizationID),
		plantID,
		uuid.UUID(event.ActorID),
		event.ActorRole,
		event.CorrelationID,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByEntity returns the materialized events for one entity, oldest first.
// The organization predicate is mandatory: audit reads are tenant-scoped like
// every other read.
func (s *PostgresStore) ListByEntity(ctx context.Context, orgID id.OrganizationID, entityType EntityType, entityID string) ([]Event, error) {
	query := `
		SELECT id, event_type, entity_type, entity_id, payload,
		       organization_id, plant_id, actor_id, actor_role, correlation_id, timestamp
		FROM audit_events
		WHERE organization_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY timestamp
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(orgID), string(entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev           Event
			payloadBytes []byte
			evType       string
			entType      string
			orgUUID      uuid.UUID
			plantUUID    sql.Null[uuid.UUID]
			actorUUID    uuid.UUID
		)
		if err := rows.Scan(&ev.ID, &evType, &entType, &ev.EntityID, &payloadBytes,
			&orgUUID, &plantUUID, &actorUUID, &ev.ActorRole, &ev.CorrelationID, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.EventType = EventType(evType)
		ev.EntityType = EntityType(entType)
		ev.OrganizationID = id.OrganizationID(orgUUID)
		if plantUUID.Valid {
			ev.PlantID = id.PlantID(plantUUID.V)
		}
		ev.ActorID = id.UserID(actorUUID)
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
