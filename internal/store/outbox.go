package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bookpipe/bookpipe/pkg/models"
)

const eventColumns = `id, event_type, aggregate_id, payload, status, last_error, occurred_at`

func scanEvent(row pgx.Row) (*models.OutboxEvent, error) {
	var ev models.OutboxEvent
	err := row.Scan(&ev.ID, &ev.EventType, &ev.AggregateID, &ev.Payload,
		&ev.Status, &ev.LastError, &ev.OccurredAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// AppendEvent inserts an outbox event. Callers append inside WithTx together
// with the state change the event describes.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev *models.OutboxEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO outbox_events (id, event_type, aggregate_id, payload, status, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.EventType, ev.AggregateID, ev.Payload, ev.Status, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// PendingEvents returns up to limit pending events, oldest first. Failed
// events are excluded; they wait for manual reprocessing.
func (s *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE status = $1 ORDER BY occurred_at LIMIT $2`,
		models.EventStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, id uuid.UUID) error {
	return s.setEventStatus(ctx, id, models.EventStatusProcessed, nil)
}

func (s *PostgresStore) MarkEventFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return s.setEventStatus(ctx, id, models.EventStatusFailed, &msg)
}

func (s *PostgresStore) setEventStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE outbox_events SET status = $2, last_error = $3 WHERE id = $1`,
		id, status, lastError)
	if err != nil {
		return fmt.Errorf("set event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailedEvents returns quarantined events for manual reprocessing.
func (s *PostgresStore) FailedEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE status = $1 ORDER BY occurred_at LIMIT $2`,
		models.EventStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// DeleteEventsOlderThan removes events past the retention window, whatever
// their status.
func (s *PostgresStore) DeleteEventsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM outbox_events WHERE occurred_at < $1`,
		time.Now().UTC().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectEvents(rows pgx.Rows) ([]*models.OutboxEvent, error) {
	var events []*models.OutboxEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				break
			}
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
