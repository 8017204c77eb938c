package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bookpipe/bookpipe/internal/cache"
)

// checkpointTTL keeps abandoned checkpoints from accumulating forever.
const checkpointTTL = 7 * 24 * time.Hour

// Checkpoints persists the ordered sequence of already-produced segment
// outputs for a job, so a restarted run skips completed work.
type Checkpoints struct {
	cache cache.Cache
}

func NewCheckpoints(c cache.Cache) *Checkpoints {
	return &Checkpoints{cache: c}
}

// Write overwrites the stored sequence for a job. Called incrementally as
// segments complete; failures are logged, never surfaced. Losing a
// checkpoint only costs rework.
func (cp *Checkpoints) Write(ctx context.Context, jobID uuid.UUID, outputs []string) {
	data, err := json.Marshal(outputs)
	if err != nil {
		slog.Warn("marshal checkpoint", "job_id", jobID, "error", err)
		return
	}
	if err := cp.cache.Set(ctx, cache.CheckpointKey(jobID), data, checkpointTTL); err != nil {
		slog.Warn("write checkpoint", "job_id", jobID, "error", err)
	}
}

// Read returns the stored sequence, or absent. Missing or malformed storage
// degrades to absent, never to an error.
func (cp *Checkpoints) Read(ctx context.Context, jobID uuid.UUID) ([]string, bool) {
	data, ok, err := cp.cache.Get(ctx, cache.CheckpointKey(jobID))
	if err != nil || !ok {
		return nil, false
	}

	var outputs []string
	if err := json.Unmarshal(data, &outputs); err != nil {
		slog.Warn("corrupt checkpoint, ignoring", "job_id", jobID, "error", err)
		return nil, false
	}
	return outputs, true
}

// Clear drops a job's checkpoint after its stage completes.
func (cp *Checkpoints) Clear(ctx context.Context, jobID uuid.UUID) {
	if err := cp.cache.Delete(ctx, cache.CheckpointKey(jobID)); err != nil {
		slog.Warn("clear checkpoint", "job_id", jobID, "error", err)
	}
}
