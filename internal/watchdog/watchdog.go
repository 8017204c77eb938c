// Package watchdog reconciles jobs whose worker vanished without settling
// them: in-progress rows with no live invocation behind them.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"
)

var errStalled = errors.New("no progress observed within the stall threshold")

// LiveChecker answers whether an invocation is still live at the broker.
// Satisfied by queue.Inspector.
type LiveChecker interface {
	IsLive(ctx context.Context, invocationID string) bool
}

// Watchdog sweeps recent jobs and force-fails stages that look abandoned.
// Threshold is how long a stage may sit without a live invocation before it
// is failed; lookback bounds how far back the sweep scans.
type Watchdog struct {
	store     store.Store
	checker   LiveChecker
	threshold time.Duration
	lookback  time.Duration
}

func New(st store.Store, checker LiveChecker, threshold, lookback time.Duration) *Watchdog {
	return &Watchdog{store: st, checker: checker, threshold: threshold, lookback: lookback}
}

// Sweep scans one pass and returns how many stages were force-failed.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	candidates, err := w.store.ListStalledCandidates(ctx, now.Add(-w.lookback))
	if err != nil {
		return 0, fmt.Errorf("list stalled candidates: %w", err)
	}

	failed := 0
	for _, job := range candidates {
		for _, kind := range stalledStages(job) {
			ok, err := w.reconcileStage(ctx, job, kind, now)
			if err != nil {
				slog.Error("watchdog reconcile failed",
					"job_id", job.ID, "kind", kind, "error", err)
				continue
			}
			if ok {
				failed++
			}
		}
	}
	return failed, nil
}

// stalledStages lists the stage kinds a job currently has in flight.
func stalledStages(job *models.Job) []models.TaskKind {
	var kinds []models.TaskKind
	if job.Status == models.JobStatusProcessing {
		kinds = append(kinds, models.KindTranslation)
	}
	for _, kind := range []models.TaskKind{models.KindValidation, models.KindPostEdit, models.KindIllustration} {
		if job.StageStatus(kind) == models.StageStatusInProgress {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// reconcileStage decides one stage's fate. A live invocation or one inside
// the threshold is left alone; anything else is force-failed.
func (w *Watchdog) reconcileStage(ctx context.Context, job *models.Job, kind models.TaskKind, now time.Time) (bool, error) {
	reference := job.UpdatedAt

	exec, err := w.store.LatestExecution(ctx, job.ID, kind)
	switch {
	case err == nil:
		if w.checker.IsLive(ctx, exec.ID) {
			return false, nil
		}
		if exec.StartedAt != nil {
			reference = *exec.StartedAt
		} else {
			reference = exec.QueuedAt
		}
	case errors.Is(err, store.ErrNotFound):
		// In-progress stage with no ledger row at all: judge by the job row.
	default:
		return false, fmt.Errorf("latest execution: %w", err)
	}

	if now.Sub(reference) <= w.threshold {
		return false, nil
	}

	slog.Warn("force-failing stalled stage",
		"job_id", job.ID, "kind", kind, "idle", now.Sub(reference).Round(time.Second))

	if exec != nil {
		if rerr := w.store.RecordFailure(ctx, exec.ID, errStalled); rerr != nil {
			slog.Error("record stalled failure", "invocation_id", exec.ID, "error", rerr)
		}
	}

	err = w.store.WithTx(ctx, func(tx store.Store) error {
		if kind != models.KindTranslation {
			if err := tx.UpdateStageStatus(ctx, job.ID, kind, models.StageStatusFailed,
				store.WithStageError(errStalled.Error())); err != nil {
				return err
			}
		}
		if err := tx.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed,
			store.WithJobError(errStalled.Error())); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}

		ev, err := models.NewOutboxEvent(models.EventStageFailed, job.ID,
			models.StageFailedPayload{JobID: job.ID, Kind: kind, Error: errStalled.Error()})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := w.Sweep(ctx); err != nil {
				slog.Error("watchdog sweep", "error", err)
			} else if n > 0 {
				slog.Info("watchdog swept", "force_failed", n)
			}
		}
	}
}
