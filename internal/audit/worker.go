package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AsyncSink decouples audit writes from the request path. Record enqueues and
// never blocks: when the buffer is full the event is dropped, logged and
// counted so operators can alert on audit loss without lab work stalling.
type AsyncSink struct {
	inbox   chan Event
	logger  *slog.Logger
	dropped func()
}

// NewAsyncSink builds an async sink with the given buffer size. The dropped
// callback (may be nil) is invoked once per discarded event, typically wired
// to a Prometheus counter.
func NewAsyncSink(buffer int, logger *slog.Logger, dropped func()) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AsyncSink{
		inbox:   make(chan Event, buffer),
		logger:  logger,
		dropped: dropped,
	}
}

func (s *AsyncSink) Record(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case s.inbox <- event:
		return nil
	default:
		if s.dropped != nil {
			s.dropped()
		}
		s.logger.ErrorContext(ctx, "audit buffer full, event dropped",
			"event_type", event.EventType,
			"entity_id", event.EntityID,
			"correlation_id", event.CorrelationID,
		)
		return nil
	}
}

// Inbox exposes the event channel for the persisting worker.
func (s *AsyncSink) Inbox() <-chan Event {
	return s.inbox
}

// Worker consumes audit events from a channel and persists them. It keeps
// background processing testable without wiring queue implementations.
type Worker struct {
	store  Store
	inbox  <-chan Event
	logger *slog.Logger
	failed func()
}

func NewWorker(store Store, inbox <-chan Event, logger *slog.Logger, failed func()) *Worker {
	return &Worker{store: store, inbox: inbox, logger: logger, failed: failed}
}

// Run persists events until the context is cancelled. A failed append is
// logged and counted, never fatal: one broken event must not stall the queue.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.store.Append(ctx, event); err != nil {
				if w.failed != nil {
					w.failed()
				}
				w.logger.ErrorContext(ctx, "audit append failed",
					"event_type", event.EventType,
					"entity_id", event.EntityID,
					"error", err.Error(),
				)
			}
		}
	}
}
