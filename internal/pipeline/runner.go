// Package pipeline executes stage tasks: the wrapper that keeps the ledger
// honest, the stage bodies themselves, chaining, and checkpoint/resume.
package pipeline

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
	"github.com/bookpipe/bookpipe/internal/storage"
	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"

	"github.com/bookpipe/bookpipe/internal/cache"
)

// stateTTL bounds the transient live-state and progress keys.
const stateTTL = 2 * time.Hour

// Enqueuer publishes stage tasks. Satisfied by queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.TaskMessage) error
}

// Runner is the task wrapper. It owns the ledger bookkeeping, the wall-clock
// ceiling, outcome classification and the fatal-failure path; stage bodies
// only do the work and return an error.
type Runner struct {
	store       store.Store
	cache       cache.Cache
	queue       Enqueuer
	checker     LiveChecker
	provider    models.Provider
	objects     storage.ObjectStore
	checkpoints *Checkpoints
}

func NewRunner(
	st store.Store,
	c cache.Cache,
	q Enqueuer,
	checker LiveChecker,
	provider models.Provider,
	objects storage.ObjectStore,
) *Runner {
	return &Runner{
		store:       st,
		cache:       c,
		queue:       q,
		checker:     checker,
		provider:    provider,
		objects:     objects,
		checkpoints: NewCheckpoints(c),
	}
}

// Handle runs one task attempt end to end and returns the explicit outcome
// the consumer acks or redelivers from. Ledger writes in here are observers:
// their failures are logged and swallowed, never allowed to abort the task.
func (r *Runner) Handle(ctx context.Context, msg queue.TaskMessage) retry.Outcome {
	policy := retry.PolicyFor(msg.Kind)

	if existing, err := r.store.GetExecution(ctx, msg.InvocationID); err == nil &&
		existing.Status == models.ExecStatusRevoked {
		slog.Info("invocation revoked, skipping", "invocation_id", msg.InvocationID)
		return retry.Success(nil)
	}

	attempt := 1
	row, err := r.store.RecordStart(ctx, r.buildExecution(msg, policy))
	if err != nil {
		slog.Error("ledger record start failed", "invocation_id", msg.InvocationID, "error", err)
	} else {
		attempt = row.Attempts
	}
	r.setState(ctx, msg.InvocationID, models.ExecStatusStarted)

	runCtx := ctx
	if policy.HardLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, policy.HardLimit)
		defer cancel()
	}

	result, runErr := r.runStage(runCtx, msg, attempt)
	outcome := policy.Classify(runErr, attempt)

	switch outcome.Kind {
	case retry.OutcomeSuccess:
		outcome.Result = result
		if err := r.store.RecordCompletion(ctx, msg.InvocationID, models.ExecStatusSuccess, result); err != nil {
			slog.Error("ledger record completion failed", "invocation_id", msg.InvocationID, "error", err)
		}
		r.setState(ctx, msg.InvocationID, models.ExecStatusSuccess)
	case retry.OutcomeRetry:
		if err := r.store.RecordCompletion(ctx, msg.InvocationID, models.ExecStatusRetry, nil); err != nil {
			slog.Error("ledger record retry failed", "invocation_id", msg.InvocationID, "error", err)
		}
		// The job row stays in its in-progress state so observers see
		// "still working" until the redelivered attempt settles it.
		r.setState(ctx, msg.InvocationID, models.ExecStatusRetry)
	case retry.OutcomeFatal:
		if err := r.store.RecordFailure(ctx, msg.InvocationID, outcome.Err); err != nil {
			slog.Error("ledger record failure failed", "invocation_id", msg.InvocationID, "error", err)
		}
		r.failStage(ctx, msg, outcome.Err)
		r.setState(ctx, msg.InvocationID, models.ExecStatusFailure)
	}

	return outcome
}

// runStage dispatches on the closed kind enum. Unknown kinds are a
// precondition failure, not a retry candidate.
func (r *Runner) runStage(ctx context.Context, msg queue.TaskMessage, attempt int) (any, error) {
	switch msg.Kind {
	case models.KindTranslation:
		return r.runTranslation(ctx, msg, attempt)
	case models.KindValidation:
		return r.runValidation(ctx, msg)
	case models.KindPostEdit:
		return r.runPostEdit(ctx, msg)
	case models.KindIllustration:
		return r.runIllustration(ctx, msg)
	default:
		return nil, fmt.Errorf("%w: unknown task kind %q", retry.ErrPrecondition, msg.Kind)
	}
}

func (r *Runner) buildExecution(msg queue.TaskMessage, policy retry.Policy) *models.TaskExecution {
	args, err := json.Marshal(redact.Args(map[string]any{
		"job_id":         msg.JobID.String(),
		"kind":           string(msg.Kind),
		"auto_post_edit": msg.AutoPostEdit,
		"resume":         msg.Resume,
	}))
	if err != nil {
		args = nil
	}

	jobID := msg.JobID
	ownerID := msg.OwnerID
	return &models.TaskExecution{
		ID:         msg.InvocationID,
		Name:       taskName(msg.Kind),
		Kind:       msg.Kind,
		JobID:      &jobID,
		UserID:     &ownerID,
		Args:       args,
		MaxRetries: policy.MaxRetries,
		QueuedAt:   time.Now().UTC(),
	}
}

func taskName(kind models.TaskKind) string {
	return "bookpipe." + string(kind)
}

// providerKey returns the job's submitted API key override, empty when none
// was stashed or the stash expired. Expiry falls back to the configured key.
func (r *Runner) providerKey(ctx context.Context, jobID uuid.UUID) string {
	data, ok, err := r.cache.Get(ctx, cache.ProviderKeyKey(jobID))
	if err != nil || !ok {
		return ""
	}
	return string(data)
}

func (r *Runner) setState(ctx context.Context, invocationID, state string) {
	if err := r.cache.SetTaskState(ctx, invocationID, state, stateTTL); err != nil {
		slog.Warn("set task state", "invocation_id", invocationID, "error", err)
	}
}

// reportProgress publishes transient percent progress and, for stages with a
// sub-status, mirrors it onto the job row. Best effort on both channels.
func (r *Runner) reportProgress(ctx context.Context, msg queue.TaskMessage, pct int) {
	if err := r.cache.SetTaskProgress(ctx, msg.InvocationID, pct, stateTTL); err != nil {
		slog.Warn("set task progress", "invocation_id", msg.InvocationID, "error", err)
	}
	if msg.Kind == models.KindTranslation {
		return
	}
	err := r.store.UpdateStageStatus(ctx, msg.JobID, msg.Kind, models.StageStatusInProgress,
		store.WithStageProgress(pct))
	if err != nil {
		slog.Warn("update stage progress", "job_id", msg.JobID, "kind", msg.Kind, "error", err)
	}
}

func (r *Runner) loadJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: job %s not found", retry.ErrPrecondition, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

// completeStage records the stage's success and decides chaining, all inside
// one transaction; the follow-up enqueue happens after commit.
func (r *Runner) completeStage(ctx context.Context, msg queue.TaskMessage, job *models.Job, resultPath string) error {
	var followUp *queue.TaskMessage

	err := r.store.WithTx(ctx, func(tx store.Store) error {
		switch msg.Kind {
		case models.KindTranslation:
			if err := tx.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted,
				store.WithJobResultPath(resultPath)); err != nil {
				return err
			}
		case models.KindValidation:
			if err := tx.UpdateStageStatus(ctx, job.ID, msg.Kind, models.StageStatusCompleted,
				store.WithStageProgress(100), store.WithStagePath(resultPath)); err != nil {
				return err
			}
			if err := tx.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted); err != nil {
				return err
			}
		case models.KindPostEdit:
			if err := tx.UpdateStageStatus(ctx, job.ID, msg.Kind, models.StageStatusCompleted,
				store.WithStageProgress(100), store.WithStagePath(resultPath)); err != nil {
				return err
			}
			// The post-edited text becomes the job's final output.
			if err := tx.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted,
				store.WithJobResultPath(resultPath)); err != nil {
				return err
			}
		case models.KindIllustration:
			if err := tx.UpdateStageStatus(ctx, job.ID, msg.Kind, models.StageStatusCompleted,
				store.WithStageProgress(100), store.WithStagePath(resultPath)); err != nil {
				return err
			}
		}

		completed, err := models.NewOutboxEvent(models.EventStageCompleted, job.ID,
			models.StageCompletedPayload{JobID: job.ID, Kind: msg.Kind, ResultPath: resultPath})
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, completed); err != nil {
			return err
		}

		next, ok := nextStage(job, msg.Kind, msg.AutoPostEdit)
		if !ok {
			done, err := models.NewOutboxEvent(models.EventJobCompleted, job.ID,
				models.StageCompletedPayload{JobID: job.ID, Kind: msg.Kind, ResultPath: resultPath})
			if err != nil {
				return err
			}
			return tx.AppendEvent(ctx, done)
		}

		if duplicateRunning(ctx, tx, r.checker, job, next) {
			slog.Info("next stage already live, skipping enqueue",
				"job_id", job.ID, "kind", next)
			return nil
		}

		if err := markStageStarting(ctx, tx, job, next); err != nil {
			return err
		}

		invocationID := uuid.New().String()
		jobID := job.ID
		ownerID := job.OwnerID
		if _, err := tx.CreateExecution(ctx, &models.TaskExecution{
			ID:         invocationID,
			Name:       taskName(next),
			Kind:       next,
			JobID:      &jobID,
			UserID:     &ownerID,
			MaxRetries: retry.PolicyFor(next).MaxRetries,
			QueuedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}

		started, err := models.NewOutboxEvent(models.EventStageStarted, job.ID,
			models.StageStartedPayload{JobID: job.ID, Kind: next})
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, started); err != nil {
			return err
		}

		followUp = &queue.TaskMessage{
			InvocationID: invocationID,
			JobID:        job.ID,
			OwnerID:      job.OwnerID,
			Kind:         next,
			AutoPostEdit: msg.AutoPostEdit,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete %s stage: %w", msg.Kind, err)
	}

	if followUp != nil {
		if err := r.queue.Enqueue(ctx, *followUp); err != nil {
			// The stage row is already IN_PROGRESS; the watchdog will
			// reconcile it if this enqueue never lands.
			slog.Error("enqueue next stage", "job_id", job.ID, "kind", followUp.Kind, "error", err)
		}
	}
	return nil
}

// failStage records a fatal stage failure on the job row and emits the
// failure event in the same transaction.
func (r *Runner) failStage(ctx context.Context, msg queue.TaskMessage, taskErr error) {
	msgText := "unknown error"
	if taskErr != nil {
		msgText = taskErr.Error()
	}

	err := r.store.WithTx(ctx, func(tx store.Store) error {
		if msg.Kind != models.KindTranslation {
			if err := tx.UpdateStageStatus(ctx, msg.JobID, msg.Kind, models.StageStatusFailed,
				store.WithStageError(msgText)); err != nil {
				return err
			}
		}
		if err := tx.UpdateJobStatus(ctx, msg.JobID, models.JobStatusFailed,
			store.WithJobError(msgText)); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}

		ev, err := models.NewOutboxEvent(models.EventStageFailed, msg.JobID,
			models.StageFailedPayload{JobID: msg.JobID, Kind: msg.Kind, Error: msgText})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		slog.Error("record stage failure", "job_id", msg.JobID, "kind", msg.Kind, "error", err)
	}
}
