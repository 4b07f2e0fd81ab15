// Package consume materializes audit events from Kafka into the queryable
// audit_events table. Inserts are idempotent on event id, so at-least-once
// delivery from the dispatcher is safe.
package consume

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"labtrace/internal/audit"
	id "labtrace/pkg/domain"
)

// Materializer is the slice of the audit store the consumer needs.
type Materializer interface {
	AppendWithID(ctx context.Context, eventID uuid.UUID, event audit.Event) error
}

// Consumer reads the audit topic as part of a consumer group and writes each
// event into the materialized table.
type Consumer struct {
	client *kgo.Client
	store  Materializer
	logger *slog.Logger
}

func New(brokers []string, topic, group string, store Materializer, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.AutoCommitMarks(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Consumer{client: client, store: store, logger: logger}, nil
}

// Run polls until the context is cancelled. Undecodable records are logged
// and skipped; they would otherwise wedge the partition forever.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "audit fetch error",
				"topic", topic, "partition", partition, "error", err.Error())
		})

		fetches.EachRecord(func(record *kgo.Record) {
			if err := c.handle(ctx, record); err != nil {
				c.logger.ErrorContext(ctx, "audit materialize failed",
					"key", string(record.Key), "error", err.Error())
				return
			}
			c.client.MarkCommitRecords(record)
		})
	}
}

type wirePayload struct {
	ID             string         `json:"ID"`
	EventType      string         `json:"EventType"`
	EntityType     string         `json:"EntityType"`
	EntityID       string         `json:"EntityID"`
	Payload        map[string]any `json:"Payload"`
	OrganizationID string         `json:"OrganizationID"`
	PlantID        string         `json:"PlantID"`
	ActorID        string         `json:"ActorID"`
	ActorRole      string         `json:"ActorRole"`
	CorrelationID  string         `json:"CorrelationID"`
	Timestamp      string         `json:"Timestamp"`
}

func (c *Consumer) handle(ctx context.Context, record *kgo.Record) error {
	var wire wirePayload
	if err := json.Unmarshal(record.Value, &wire); err != nil {
		// Skip: poison records must not block the partition.
		c.logger.WarnContext(ctx, "skipping undecodable audit record", "error", err.Error())
		return nil
	}

	eventID, err := uuid.Parse(wire.ID)
	if err != nil {
		c.logger.WarnContext(ctx, "skipping audit record with invalid id", "id", wire.ID)
		return nil
	}

	event := audit.Event{
		ID:            eventID,
		EventType:     audit.EventType(wire.EventType),
		EntityType:    audit.EntityType(wire.EntityType),
		EntityID:      wire.EntityID,
		Payload:       wire.Payload,
		ActorRole:     wire.ActorRole,
		CorrelationID: wire.CorrelationID,
	}
	if orgID, err := uuid.Parse(wire.OrganizationID); err == nil {
		event.OrganizationID = id.OrganizationID(orgID)
	}
	if wire.PlantID != "" {
		if plantID, err := uuid.Parse(wire.PlantID); err == nil {
			event.PlantID = id.PlantID(plantID)
		}
	}
	if actorID, err := uuid.Parse(wire.ActorID); err == nil {
		event.ActorID = id.UserID(actorID)
	}
	if ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp); err == nil {
		event.Timestamp = ts
	}

	return c.store.AppendWithID(ctx, eventID, event)
}
