package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversQueued(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	recorder := &Recorder{}
	dispatcher := NewDispatcher(recorder, 16, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx) //nolint:errcheck

	require.NoError(t, dispatcher.Notify(ctx, Notification{
		Title:      "Sample approved",
		TargetRole: "qc_supervisor",
	}))

	require.Eventually(t, func() bool {
		return len(recorder.Sent()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Sample approved", recorder.Sent()[0].Title)
}

func TestDispatcherDeadLettersFailedDelivery(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	recorder := &Recorder{Err: errors.New("smtp down")}

	var deadLettered atomic.Int32
	dispatcher := NewDispatcher(recorder, 16, logger, func() { deadLettered.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx) //nolint:errcheck

	require.NoError(t, dispatcher.Notify(ctx, Notification{Title: "Sample rejected"}),
		"delivery failures must never surface to the caller")

	require.Eventually(t, func() bool {
		return deadLettered.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcherDropsWhenBufferFull(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	recorder := &Recorder{}

	var deadLettered atomic.Int32
	// No Run loop: the queue only fills.
	dispatcher := NewDispatcher(recorder, 2, logger, func() { deadLettered.Add(1) })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, dispatcher.Notify(ctx, Notification{Title: "overflow"}))
	}

	assert.Equal(t, int32(3), deadLettered.Load())
	assert.Empty(t, recorder.Sent())
}

func TestDeliveryOutlivesRequestContext(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	recorder := &Recorder{}
	dispatcher := NewDispatcher(recorder, 16, logger, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(runCtx) //nolint:errcheck

	// Simulate an HTTP request context that ends before delivery happens.
	reqCtx, cancelReq := context.WithCancel(context.Background())
	require.NoError(t, dispatcher.Notify(reqCtx, Notification{Title: "Review complete"}))
	cancelReq()

	require.Eventually(t, func() bool {
		return len(recorder.Sent()) == 1
	}, time.Second, 10*time.Millisecond)
}
