package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bookpipe/bookpipe/pkg/models"
)

const execColumns = `id, name, kind, job_id, user_id, status, args,
	attempts, max_retries, error_message, result, queued_at, started_at, finished_at`

func scanExecution(row pgx.Row) (*models.TaskExecution, error) {
	var e models.TaskExecution
	err := row.Scan(&e.ID, &e.Name, &e.Kind, &e.JobID, &e.UserID, &e.Status, &e.Args,
		&e.Attempts, &e.MaxRetries, &e.ErrorMessage, &e.Result,
		&e.QueuedAt, &e.StartedAt, &e.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateExecution inserts a ledger row for a new invocation. Idempotent: if a
// row with the same invocation id already exists (race or duplicate
// submission), the existing row is returned instead of an error.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.TaskExecution) (*models.TaskExecution, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO task_executions (id, name, kind, job_id, user_id, status, args, attempts, max_retries, queued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.Name, exec.Kind, exec.JobID, exec.UserID,
		models.ExecStatusPending, exec.Args, 0, exec.MaxRetries, exec.QueuedAt)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return s.GetExecution(ctx, exec.ID)
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	e, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+execColumns+` FROM task_executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// LatestExecution returns the most recently queued invocation of the given
// kind for a job. Used for duplicate suppression and by the watchdog.
func (s *PostgresStore) LatestExecution(ctx context.Context, jobID uuid.UUID, kind models.TaskKind) (*models.TaskExecution, error) {
	e, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+execColumns+` FROM task_executions
		 WHERE job_id = $1 AND kind = $2 ORDER BY queued_at DESC LIMIT 1`,
		jobID, kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest execution: %w", err)
	}
	return e, nil
}

// RecordStart marks an invocation STARTED and increments its attempt counter.
// The row is inserted if absent, so a task whose submitter never wrote the
// ledger still gets a row before meaningful work begins. A broker redelivery
// of the same invocation id updates the existing row in place.
func (s *PostgresStore) RecordStart(ctx context.Context, exec *models.TaskExecution) (*models.TaskExecution, error) {
	e, err := scanExecution(s.db.QueryRow(ctx,
		`INSERT INTO task_executions (id, name, kind, job_id, user_id, status, args, attempts, max_retries, queued_at, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   status = $6,
		   attempts = task_executions.attempts + 1,
		   started_at = NOW()
		 RETURNING `+execColumns,
		exec.ID, exec.Name, exec.Kind, exec.JobID, exec.UserID,
		models.ExecStatusStarted, exec.Args, exec.MaxRetries, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("record start: %w", err)
	}
	return e, nil
}

// RecordCompletion stamps a terminal-or-retry status and end time. The result
// is stored only when it is a primitive, mapping or sequence; anything else
// is silently dropped rather than risking a serialization failure.
func (s *PostgresStore) RecordCompletion(ctx context.Context, id string, status string, result any) error {
	raw := serializableResult(result)

	tag, err := s.db.Exec(ctx,
		`UPDATE task_executions SET status = $2, result = COALESCE($3, result), finished_at = NOW()
		 WHERE id = $1`,
		id, status, raw)
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure stamps FAILURE, the end time and the error's string form.
func (s *PostgresStore) RecordFailure(ctx context.Context, id string, taskErr error) error {
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE task_executions SET status = $2, error_message = $3, finished_at = NOW()
		 WHERE id = $1`,
		id, models.ExecStatusFailure, msg)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRevoked records an out-of-band cancellation. Advisory: the underlying
// worker may still be blocked in an external call.
func (s *PostgresStore) MarkRevoked(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE task_executions SET status = $2, finished_at = NOW()
		 WHERE id = $1 AND status IN ($3, $4, $5)`,
		id, models.ExecStatusRevoked,
		models.ExecStatusPending, models.ExecStatusStarted, models.ExecStatusRetry)
	if err != nil {
		return fmt.Errorf("mark revoked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExecutionsOlderThan purges ledger rows queued before now-age.
func (s *PostgresStore) DeleteExecutionsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM task_executions WHERE queued_at < $1`,
		time.Now().UTC().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete old executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// serializableResult returns a JSON encoding of v when v is a primitive,
// map, slice or array; nil otherwise.
func serializableResult(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Map, reflect.Slice, reflect.Array:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return raw
	default:
		return nil
	}
}
