package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"
)

// LiveChecker answers whether an invocation is still live at the broker.
// Satisfied by queue.Inspector.
type LiveChecker interface {
	IsLive(ctx context.Context, invocationID string) bool
}

// nextStage returns the follow-up stage after completedKind, honoring the
// job's enable flags and the explicit auto-post-edit trigger carried by the
// completing task. Post-edit is never started from a job setting alone.
func nextStage(job *models.Job, completedKind models.TaskKind, autoPostEdit bool) (models.TaskKind, bool) {
	switch completedKind {
	case models.KindTranslation:
		if job.ValidationEnabled {
			return models.KindValidation, true
		}
		if job.PostEditEnabled && autoPostEdit {
			return models.KindPostEdit, true
		}
		if job.IllustrationEnabled {
			return models.KindIllustration, true
		}
	case models.KindValidation:
		if job.PostEditEnabled && autoPostEdit {
			return models.KindPostEdit, true
		}
		if job.IllustrationEnabled {
			return models.KindIllustration, true
		}
	case models.KindPostEdit:
		if job.IllustrationEnabled {
			return models.KindIllustration, true
		}
	}
	return "", false
}

// duplicateRunning checks the most recent ledger row of the next stage's kind
// against the broker's live state. Best effort, not a lock: a narrow race
// between this check and the enqueue is accepted.
func duplicateRunning(ctx context.Context, s store.Store, checker LiveChecker, job *models.Job, kind models.TaskKind) bool {
	exec, err := s.LatestExecution(ctx, job.ID, kind)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("duplicate check: latest execution lookup failed",
				"job_id", job.ID, "kind", kind, "error", err)
		}
		return false
	}
	return checker.IsLive(ctx, exec.ID)
}

// markStageStarting flips the next stage to IN_PROGRESS/0% and, for stages
// with a top-level status, moves the job into it. Runs inside the same
// transaction as the current stage's completion.
func markStageStarting(ctx context.Context, tx store.Store, job *models.Job, kind models.TaskKind) error {
	switch kind {
	case models.KindValidation:
		if err := tx.UpdateJobStatus(ctx, job.ID, models.JobStatusValidating); err != nil {
			return err
		}
	case models.KindPostEdit:
		if err := tx.UpdateJobStatus(ctx, job.ID, models.JobStatusPostEditing); err != nil {
			return err
		}
	}
	return tx.UpdateStageStatus(ctx, job.ID, kind, models.StageStatusInProgress, store.WithStageProgress(0))
}
