// Package jobs is the orchestration boundary callers go through: idempotent
// submission, status reads merged from the ledger and the broker's live
// state, cancellation, and manual stage retriggers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bookpipe/bookpipe/internal/queue"
	"github.com/bookpipe/bookpipe/internal/redact"
	"github.com/bookpipe/bookpipe/internal/retry"
	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"

	"github.com/bookpipe/bookpipe/internal/cache"
)

var ErrStageNotEnabled = errors.New("stage not enabled for this job")
var ErrStageBusy = errors.New("stage already running")

const stateTTL = 2 * time.Hour

// providerKeyTTL bounds how long a submitted provider key stays readable by
// workers. Long enough to cover retries; jobs running past it fall back to
// the configured credential.
const providerKeyTTL = 24 * time.Hour

// Enqueuer publishes stage tasks. Satisfied by queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.TaskMessage) error
}

// LiveChecker answers whether an invocation is still live at the broker.
// Satisfied by queue.Inspector.
type LiveChecker interface {
	IsLive(ctx context.Context, invocationID string) bool
}

type Service struct {
	store   store.Store
	cache   cache.Cache
	queue   Enqueuer
	checker LiveChecker
}

func NewService(st store.Store, c cache.Cache, q Enqueuer, checker LiveChecker) *Service {
	return &Service{store: st, cache: c, queue: q, checker: checker}
}

// SubmitParams carries one submission request. The API key override, when
// present, is handed to workers through the cache with a bounded TTL and
// recorded in the ledger only as a fingerprint.
type SubmitParams struct {
	OwnerID        uuid.UUID
	IdempotencyKey string
	SourcePath     string
	SourceLang     string
	TargetLang     string
	Provider       string
	ProviderAPIKey string

	ValidationEnabled   bool
	PostEditEnabled     bool
	IllustrationEnabled bool
	AutoPostEdit        bool
}

// Submit creates the job and its first translation invocation, or returns the
// job already registered under the same (owner, idempotency key) pair. The
// second return reports whether this call created it.
//
// A replayed submission normally enqueues nothing. The exception is a job
// still PENDING with no live translation behind it: an earlier call died
// between the job insert and the broker publish, so the replay starts the
// translation it was owed. Without that, the row would sit PENDING forever.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*models.Job, bool, error) {
	jobID := uuid.New()
	now := time.Now().UTC()
	job, err := s.store.CreateJob(ctx, &models.Job{
		ID:                  jobID,
		CreatedAt:           now,
		UpdatedAt:           now,
		OwnerID:             params.OwnerID,
		IdempotencyKey:      params.IdempotencyKey,
		Status:              models.JobStatusPending,
		SourcePath:          params.SourcePath,
		SourceLang:          params.SourceLang,
		TargetLang:          params.TargetLang,
		Provider:            params.Provider,
		ValidationEnabled:   params.ValidationEnabled,
		PostEditEnabled:     params.PostEditEnabled,
		IllustrationEnabled: params.IllustrationEnabled,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	if job.ID != jobID {
		if job.Status == models.JobStatusPending && !s.translationLive(ctx, job.ID) {
			slog.Warn("replayed submission found orphaned pending job, re-enqueueing",
				"job_id", job.ID)
			if err := s.startTranslation(ctx, job, params); err != nil {
				return nil, false, err
			}
		}
		return job, false, nil
	}

	if err := s.startTranslation(ctx, job, params); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// translationLive reports whether the job's most recent translation
// invocation is still moving through the broker.
func (s *Service) translationLive(ctx context.Context, jobID uuid.UUID) bool {
	latest, err := s.store.LatestExecution(ctx, jobID, models.KindTranslation)
	if err != nil {
		return false
	}
	return s.checker.IsLive(ctx, latest.ID)
}

// startTranslation records a fresh translation invocation, stashes the
// per-job provider key for workers, and publishes the task.
func (s *Service) startTranslation(ctx context.Context, job *models.Job, params SubmitParams) error {
	invocationID := uuid.New().String()
	args, err := json.Marshal(redact.Args(map[string]any{
		"job_id":      job.ID.String(),
		"source_path": params.SourcePath,
		"source_lang": params.SourceLang,
		"target_lang": params.TargetLang,
		"provider":    params.Provider,
		"api_key":     params.ProviderAPIKey,
	}))
	if err != nil {
		args = nil
	}

	ownerID := job.OwnerID
	if _, err := s.store.CreateExecution(ctx, &models.TaskExecution{
		ID:         invocationID,
		Name:       "bookpipe." + string(models.KindTranslation),
		Kind:       models.KindTranslation,
		JobID:      &job.ID,
		UserID:     &ownerID,
		Args:       args,
		MaxRetries: retry.PolicyFor(models.KindTranslation).MaxRetries,
		QueuedAt:   time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record translation invocation: %w", err)
	}

	if params.ProviderAPIKey != "" {
		// The raw key never touches Postgres; workers read it from here and
		// the ledger keeps only the fingerprint.
		if err := s.cache.Set(ctx, cache.ProviderKeyKey(job.ID),
			[]byte(params.ProviderAPIKey), providerKeyTTL); err != nil {
			slog.Warn("stash provider key", "job_id", job.ID, "error", err)
		}
	}

	if err := s.queue.Enqueue(ctx, queue.TaskMessage{
		InvocationID: invocationID,
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		Kind:         models.KindTranslation,
		AutoPostEdit: params.AutoPostEdit,
	}); err != nil {
		return fmt.Errorf("enqueue translation: %w", err)
	}
	return nil
}

// Status returns the job row.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// TaskStatusView merges one invocation's ledger row with the broker's live
// state and transient progress. Live state wins over the persisted status
// when the broker still considers the invocation active.
type TaskStatusView struct {
	InvocationID string           `json:"invocation_id"`
	JobID        *uuid.UUID       `json:"job_id,omitempty"`
	JobStatus    *string          `json:"job_status,omitempty"`
	Kind         models.TaskKind  `json:"kind,omitempty"`
	Status       string           `json:"status"`
	Attempts     int              `json:"attempts"`
	MaxRetries   int              `json:"max_retries"`
	Progress     *int             `json:"progress,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	Result       json.RawMessage  `json:"result,omitempty"`
	QueuedAt     *time.Time       `json:"queued_at,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

// TaskStatus builds the merged view for one invocation. An invocation known
// only to the broker (ledger write lost) still yields a minimal live view.
func (s *Service) TaskStatus(ctx context.Context, invocationID string) (*TaskStatusView, error) {
	view := &TaskStatusView{InvocationID: invocationID}

	exec, err := s.store.GetExecution(ctx, invocationID)
	switch {
	case err == nil:
		view.JobID = exec.JobID
		view.Kind = exec.Kind
		view.Status = exec.Status
		view.Attempts = exec.Attempts
		view.MaxRetries = exec.MaxRetries
		view.ErrorMessage = exec.ErrorMessage
		view.Result = exec.Result
		queuedAt := exec.QueuedAt
		view.QueuedAt = &queuedAt
		view.StartedAt = exec.StartedAt
		view.FinishedAt = exec.FinishedAt
	case errors.Is(err, store.ErrNotFound):
		live, ok, lerr := s.cache.GetTaskState(ctx, invocationID)
		if lerr != nil {
			return nil, fmt.Errorf("read live state: %w", lerr)
		}
		if !ok {
			return nil, store.ErrNotFound
		}
		view.Status = live
	default:
		return nil, fmt.Errorf("read invocation: %w", err)
	}

	if live, ok, err := s.cache.GetTaskState(ctx, invocationID); err == nil && ok &&
		models.ExecStatusLive(live) {
		view.Status = live
	}
	if pct, ok, err := s.cache.GetTaskProgress(ctx, invocationID); err == nil && ok {
		view.Progress = &pct
	}
	// The parent job's status comes from the outbox-fed mirror so frequent
	// task polls stay off Postgres.
	if view.JobID != nil {
		if status, ok, err := s.cache.GetJobStatus(ctx, *view.JobID); err == nil && ok {
			view.JobStatus = &status
		}
	}
	return view, nil
}

// Cancel marks an invocation revoked. Advisory only: a worker already past
// its revocation check finishes the attempt.
func (s *Service) Cancel(ctx context.Context, invocationID string) error {
	if err := s.store.MarkRevoked(ctx, invocationID); err != nil {
		return err
	}
	if err := s.cache.SetTaskState(ctx, invocationID, models.ExecStatusRevoked, stateTTL); err != nil {
		slog.Warn("set revoked state", "invocation_id", invocationID, "error", err)
	}
	return nil
}

// RetriggerStage starts a fresh invocation of a follow-up stage on demand,
// refusing when the stage is disabled or an invocation is still live.
func (s *Service) RetriggerStage(ctx context.Context, jobID uuid.UUID, kind models.TaskKind) (string, error) {
	switch kind {
	case models.KindValidation, models.KindPostEdit, models.KindIllustration:
	default:
		return "", fmt.Errorf("kind %q cannot be retriggered", kind)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !job.StageEnabled(kind) {
		return "", ErrStageNotEnabled
	}

	if latest, err := s.store.LatestExecution(ctx, jobID, kind); err == nil &&
		s.checker.IsLive(ctx, latest.ID) {
		return "", ErrStageBusy
	}

	invocationID := uuid.New().String()
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		switch kind {
		case models.KindValidation:
			if err := tx.UpdateJobStatus(ctx, jobID, models.JobStatusValidating); err != nil {
				return err
			}
		case models.KindPostEdit:
			if err := tx.UpdateJobStatus(ctx, jobID, models.JobStatusPostEditing); err != nil {
				return err
			}
		}
		if err := tx.UpdateStageStatus(ctx, jobID, kind, models.StageStatusInProgress,
			store.WithStageProgress(0)); err != nil {
			return err
		}

		ownerID := job.OwnerID
		if _, err := tx.CreateExecution(ctx, &models.TaskExecution{
			ID:         invocationID,
			Name:       "bookpipe." + string(kind),
			Kind:       kind,
			JobID:      &job.ID,
			UserID:     &ownerID,
			MaxRetries: retry.PolicyFor(kind).MaxRetries,
			QueuedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}

		ev, err := models.NewOutboxEvent(models.EventStageStarted, jobID,
			models.StageStartedPayload{JobID: jobID, Kind: kind})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return "", fmt.Errorf("retrigger %s: %w", kind, err)
	}

	if err := s.queue.Enqueue(ctx, queue.TaskMessage{
		InvocationID: invocationID,
		JobID:        jobID,
		OwnerID:      job.OwnerID,
		Kind:         kind,
		AutoPostEdit: kind == models.KindPostEdit,
	}); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return invocationID, nil
}

// FailedEvents lists quarantined outbox events for operator inspection.
func (s *Service) FailedEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	return s.store.FailedEvents(ctx, limit)
}
