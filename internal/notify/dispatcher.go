package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher wraps a delivery Port with a buffered queue so domain services
// return before delivery happens. Failed deliveries land in the dead-letter
// log; nothing propagates back to the caller.
type Dispatcher struct {
	port   Port
	inbox  chan queued
	logger *slog.Logger
	failed func()
}

type queued struct {
	ctx context.Context
	n   Notification
}

func NewDispatcher(port Port, buffer int, logger *slog.Logger, failed func()) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		port:   port,
		inbox:  make(chan queued, buffer),
		logger: logger,
		failed: failed,
	}
}

// Notify enqueues without blocking. A full buffer drops the message straight
// to the dead-letter log: notifications are advisory, lab work is not.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	select {
	case d.inbox <- queued{ctx: context.WithoutCancel(ctx), n: n}:
	default:
		d.deadLetter(ctx, n, "notification buffer full")
	}
	return nil
}

// Run delivers queued notifications until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-d.inbox:
			if err := d.port.Notify(item.ctx, item.n); err != nil {
				d.deadLetter(item.ctx, item.n, err.Error())
			}
		}
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, n Notification, reason string) {
	if d.failed != nil {
		d.failed()
	}
	d.logger.ErrorContext(ctx, "notification dead-lettered",
		"log_type", "dead_letter",
		"title", n.Title,
		"target_role", n.TargetRole,
		"target_user_id", n.TargetUserID.String(),
		"reason", reason,
	)
}

// LogPort is a Port that writes notifications to the structured log. Used in
// development and as the default when no delivery backend is configured.
type LogPort struct {
	logger *slog.Logger
}

func NewLogPort(logger *slog.Logger) *LogPort {
	return &LogPort{logger: logger}
}

func (p *LogPort) Notify(ctx context.Context, n Notification) error {
	p.logger.InfoContext(ctx, "notification",
		"title", n.Title,
		"content", n.Content,
		"type", n.Type,
		"severity", string(n.Severity),
		"target_role", n.TargetRole,
		"link", n.Link,
	)
	return nil
}

// Recorder is a Port for tests: it records every notification it receives.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	// Err, when set, is returned from Notify to exercise dead-letter paths.
	Err error
}

func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}
