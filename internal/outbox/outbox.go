// Package outbox drains durable job events to registered handlers. Events are
// appended inside the same transaction as the state change they describe; the
// dispatcher here delivers them afterwards, in occurrence order.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"
)

// Handler consumes one event. Handlers must be idempotent: a crash between
// delivery and the processed mark replays the event on the next drain.
type Handler func(ctx context.Context, ev *models.OutboxEvent) error

// Dispatcher periodically drains pending events. An event whose handler fails
// or panics is quarantined as failed and never retried automatically;
// operators inspect and re-drive quarantined events by hand.
type Dispatcher struct {
	store     store.Store
	handlers  map[string][]Handler
	batchSize int
}

func NewDispatcher(st store.Store, batchSize int) *Dispatcher {
	return &Dispatcher{
		store:     st,
		handlers:  make(map[string][]Handler),
		batchSize: batchSize,
	}
}

// RegisterHandler subscribes a handler to one event type. Not safe to call
// once draining has started.
func (d *Dispatcher) RegisterHandler(eventType string, h Handler) {
	d.handlers[eventType] = append(d.handlers[eventType], h)
}

// Drain delivers one batch of pending events and returns how many were
// processed successfully.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	events, err := d.store.PendingEvents(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}

	processed := 0
	for _, ev := range events {
		if err := d.deliver(ctx, ev); err != nil {
			slog.Error("outbox event quarantined",
				"event_id", ev.ID, "event_type", ev.EventType, "error", err)
			if merr := d.store.MarkEventFailed(ctx, ev.ID, err.Error()); merr != nil {
				slog.Error("mark event failed", "event_id", ev.ID, "error", merr)
			}
			continue
		}
		if err := d.store.MarkEventProcessed(ctx, ev.ID); err != nil {
			slog.Error("mark event processed", "event_id", ev.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// deliver runs every handler for the event's type, converting panics into
// errors so one bad handler cannot take the drain loop down.
func (d *Dispatcher) deliver(ctx context.Context, ev *models.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	for _, h := range d.handlers[ev.EventType] {
		if herr := h(ctx, ev); herr != nil {
			return herr
		}
	}
	return nil
}

// Run drains on a fixed interval until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := d.Drain(ctx); err != nil {
				slog.Error("outbox drain", "error", err)
			} else if n > 0 {
				slog.Debug("outbox drained", "processed", n)
			}
		}
	}
}

// Cleanup deletes events older than the retention window, whatever their status.
func (d *Dispatcher) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return d.store.DeleteEventsOlderThan(ctx, retention)
}
