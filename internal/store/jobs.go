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

const jobColumns = `id, owner_id, idempotency_key, status,
	source_path, result_path, source_lang, target_lang, provider,
	validation_enabled, post_edit_enabled, illustration_enabled,
	validation_status, validation_progress, validation_path,
	post_edit_status, post_edit_progress, post_edit_path,
	illustration_status, illustration_progress, illustration_path,
	error_message, stage_completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.IdempotencyKey, &j.Status,
		&j.SourcePath, &j.ResultPath, &j.SourceLang, &j.TargetLang, &j.Provider,
		&j.ValidationEnabled, &j.PostEditEnabled, &j.IllustrationEnabled,
		&j.ValidationStatus, &j.ValidationProgress, &j.ValidationPath,
		&j.PostEditStatus, &j.PostEditProgress, &j.PostEditPath,
		&j.IllustrationStatus, &j.IllustrationProgress, &j.IllustrationPath,
		&j.ErrorMessage, &j.StageCompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a new job. Idempotent on (owner_id, idempotency_key):
// a duplicate submission returns the existing job instead of erroring.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, idempotency_key, status,
			source_path, source_lang, target_lang, provider,
			validation_enabled, post_edit_enabled, illustration_enabled,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.OwnerID, job.IdempotencyKey, job.Status,
		job.SourcePath, job.SourceLang, job.TargetLang, job.Provider,
		job.ValidationEnabled, job.PostEditEnabled, job.IllustrationEnabled,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return s.getJobByIdempotencyKey(ctx, job.OwnerID, job.IdempotencyKey)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return s.GetJob(ctx, job.ID)
}

func (s *PostgresStore) getJobByIdempotencyKey(ctx context.Context, ownerID uuid.UUID, key string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 AND idempotency_key = $2`,
		ownerID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Legal top-level transitions. COMPLETED re-enters VALIDATING/POST_EDITING when
// a follow-up stage starts; FAILED re-enters an in-progress status on manual
// re-trigger.
var validTransitions = map[string][]string{
	models.JobStatusPending:     {models.JobStatusProcessing, models.JobStatusFailed},
	models.JobStatusProcessing:  {models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusCompleted:   {models.JobStatusValidating, models.JobStatusPostEditing, models.JobStatusFailed},
	models.JobStatusValidating:  {models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusPostEditing: {models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusFailed:      {models.JobStatusProcessing, models.JobStatusValidating, models.JobStatusPostEditing},
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.db.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	allowed := validTransitions[currentStatus]
	valid := false
	for _, a := range allowed {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.JobStatusCompleted || status == models.JobStatusFailed {
		query += fmt.Sprintf(", stage_completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.ResultPath != nil {
		query += fmt.Sprintf(", result_path = $%d", argIdx)
		args = append(args, *params.ResultPath)
		argIdx++
	}

	query += " WHERE id = $1"

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// stageColumn maps a follow-up stage kind to its column prefix. Keys are the
// only values ever interpolated into stage queries.
var stageColumn = map[models.TaskKind]string{
	models.KindValidation:   "validation",
	models.KindPostEdit:     "post_edit",
	models.KindIllustration: "illustration",
}

func (s *PostgresStore) UpdateStageStatus(ctx context.Context, id uuid.UUID, kind models.TaskKind, status string, opts ...StageUpdateOption) error {
	col, ok := stageColumn[kind]
	if !ok {
		return fmt.Errorf("kind %q has no stage sub-status", kind)
	}

	params := &stageUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s_status = $2, updated_at = $3`, col)
	args := []any{id, status, time.Now().UTC()}
	argIdx := 4

	if params.Progress != nil {
		query += fmt.Sprintf(", %s_progress = $%d", col, argIdx)
		args = append(args, *params.Progress)
		argIdx++
	}
	if params.Path != nil {
		query += fmt.Sprintf(", %s_path = $%d", col, argIdx)
		args = append(args, *params.Path)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	query += " WHERE id = $1"

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update stage status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStalledCandidates returns jobs created at or after since that have a
// stage in progress (including translation, whose state is the top-level
// PROCESSING status). The watchdog decides which of these are actually stuck.
func (s *PostgresStore) ListStalledCandidates(ctx context.Context, since time.Time) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE created_at >= $1
		   AND (status = $2
		     OR validation_status = $3
		     OR post_edit_status = $3
		     OR illustration_status = $3)
		 ORDER BY created_at`,
		since, models.JobStatusProcessing, models.StageStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("list stalled candidates: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
