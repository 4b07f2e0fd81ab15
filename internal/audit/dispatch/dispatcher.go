// Package dispatch drains the audit outbox into Kafka. It runs beside the
// HTTP server and owns the only Kafka producer in the process.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"labtrace/internal/audit"
)

// OutboxSource is the slice of the audit store the dispatcher needs.
type OutboxSource interface {
	FetchUndispatched(ctx context.Context, limit int) ([]audit.OutboxEntry, error)
	MarkDispatched(ctx context.Context, ids []uuid.UUID) error
}

// Dispatcher polls the outbox and produces pending events to the audit topic.
// Delivery is at-least-once; consumers deduplicate on event id.
type Dispatcher struct {
	source   OutboxSource
	client   *kgo.Client
	topic    string
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

type Option func(*Dispatcher)

func WithInterval(d time.Duration) Option {
	return func(w *Dispatcher) { w.interval = d }
}

func WithBatchSize(n int) Option {
	return func(w *Dispatcher) { w.batch = n }
}

// New connects a producer to the given brokers and ensures the audit topic
// exists before the first poll.
func New(ctx context.Context, source OutboxSource, brokers []string, topic string, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	if err := ensureTopic(ctx, client, topic); err != nil {
		client.Close()
		return nil, err
	}

	d := &Dispatcher{
		source:   source,
		client:   client,
		topic:    topic,
		interval: 500 * time.Millisecond,
		batch:    256,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, 3, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	for _, res := range resp {
		// Topic already existing is the normal steady state.
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create audit topic %s: %w", res.Topic, res.Err)
		}
	}
	return nil
}

// Run polls until the context is cancelled. Outbox rows survive producer
// outages untouched; a failed batch is retried on the next tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	defer d.client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.drainOnce(ctx); err != nil {
				d.logger.ErrorContext(ctx, "outbox drain failed", "error", err.Error())
			}
		}
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context) error {
	entries, err := d.source.FetchUndispatched(ctx, d.batch)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	records := make([]*kgo.Record, len(entries))
	for i, entry := range entries {
		records[i] = &kgo.Record{
			Topic: d.topic,
			// Keyed by aggregate id so one entity's events stay ordered
			// within a partition.
			Key:   []byte(entry.Key),
			Value: entry.Payload,
		}
	}

	if err := d.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce audit batch: %w", err)
	}

	ids := make([]uuid.UUID, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	if err := d.source.MarkDispatched(ctx, ids); err != nil {
		// Events were produced but not stamped; they will be produced again.
		// Consumers deduplicate on event id, so this stays at-least-once.
		return fmt.Errorf("mark dispatched: %w", err)
	}

	d.logger.DebugContext(ctx, "audit outbox drained", "count", len(entries))
	return nil
}
