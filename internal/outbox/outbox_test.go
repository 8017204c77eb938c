package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookpipe/bookpipe/internal/outbox"
	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"
)

type fakeStore struct {
	store.Store

	mu     sync.Mutex
	events []*models.OutboxEvent
}

func (f *fakeStore) append(t *testing.T, eventType string) *models.OutboxEvent {
	t.Helper()
	ev, err := models.NewOutboxEvent(eventType, uuid.New(), models.StageStartedPayload{})
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return ev
}

func (f *fakeStore) PendingEvents(_ context.Context, limit int) ([]*models.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.OutboxEvent
	for _, ev := range f.events {
		if ev.Status == models.EventStatusPending {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkEventProcessed(_ context.Context, id uuid.UUID) error {
	return f.setStatus(id, models.EventStatusProcessed, nil)
}

func (f *fakeStore) MarkEventFailed(_ context.Context, id uuid.UUID, msg string) error {
	return f.setStatus(id, models.EventStatusFailed, &msg)
}

func (f *fakeStore) setStatus(id uuid.UUID, status string, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.ID == id {
			ev.Status = status
			ev.LastError = lastError
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) FailedEvents(_ context.Context, limit int) ([]*models.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.OutboxEvent
	for _, ev := range f.events {
		if ev.Status == models.EventStatusFailed {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteEventsOlderThan(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func TestDrain_DeliversAndMarksProcessed(t *testing.T) {
	st := &fakeStore{}
	ev := st.append(t, models.EventStageCompleted)

	var got []*models.OutboxEvent
	d := outbox.NewDispatcher(st, 10)
	d.RegisterHandler(models.EventStageCompleted, func(_ context.Context, e *models.OutboxEvent) error {
		got = append(got, e)
		return nil
	})

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, models.EventStatusProcessed, ev.Status)
}

func TestDrain_NoHandlerStillMarksProcessed(t *testing.T) {
	st := &fakeStore{}
	ev := st.append(t, models.EventStageStarted)

	d := outbox.NewDispatcher(st, 10)
	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.EventStatusProcessed, ev.Status)
}

func TestDrain_HandlerFailureQuarantines(t *testing.T) {
	st := &fakeStore{}
	ev := st.append(t, models.EventStageFailed)

	d := outbox.NewDispatcher(st, 10)
	d.RegisterHandler(models.EventStageFailed, func(_ context.Context, _ *models.OutboxEvent) error {
		return errors.New("notifier down")
	})

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.EventStatusFailed, ev.Status)
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "notifier down")

	// Quarantined events are excluded from subsequent drains.
	n, err = d.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	failed, err := st.FailedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ev.ID, failed[0].ID)
}

func TestDrain_HandlerPanicQuarantines(t *testing.T) {
	st := &fakeStore{}
	ev := st.append(t, models.EventJobCompleted)

	d := outbox.NewDispatcher(st, 10)
	d.RegisterHandler(models.EventJobCompleted, func(_ context.Context, _ *models.OutboxEvent) error {
		panic("bad payload")
	})

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.EventStatusFailed, ev.Status)
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "handler panic")
}

func TestDrain_OneBadEventDoesNotBlockOthers(t *testing.T) {
	st := &fakeStore{}
	bad := st.append(t, models.EventStageFailed)
	good := st.append(t, models.EventStageCompleted)

	d := outbox.NewDispatcher(st, 10)
	d.RegisterHandler(models.EventStageFailed, func(_ context.Context, _ *models.OutboxEvent) error {
		return errors.New("boom")
	})

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.EventStatusFailed, bad.Status)
	assert.Equal(t, models.EventStatusProcessed, good.Status)
}

func TestDrain_AllHandlersMustSucceed(t *testing.T) {
	st := &fakeStore{}
	ev := st.append(t, models.EventStageCompleted)

	d := outbox.NewDispatcher(st, 10)
	d.RegisterHandler(models.EventStageCompleted, func(_ context.Context, _ *models.OutboxEvent) error {
		return nil
	})
	d.RegisterHandler(models.EventStageCompleted, func(_ context.Context, _ *models.OutboxEvent) error {
		return errors.New("second handler failed")
	})

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.EventStatusFailed, ev.Status)
}
