package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bookpipe/bookpipe/pkg/models"
)

const jobStatusTTL = 24 * time.Hour

// StatusCache is the slice of the cache the status mirror needs.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// LogNotifier emits a structured log line per event. Stands in for an
// external notification channel; idempotent by nature.
func LogNotifier(_ context.Context, ev *models.OutboxEvent) error {
	slog.Info("job event",
		"event_type", ev.EventType,
		"job_id", ev.AggregateID,
		"occurred_at", ev.OccurredAt,
		"payload", string(ev.Payload))
	return nil
}

// JobStatusCacher mirrors job lifecycle events into the read-side status
// cache so status polls can skip the database for recently active jobs.
func JobStatusCacher(c StatusCache) Handler {
	return func(ctx context.Context, ev *models.OutboxEvent) error {
		jobID, err := uuid.Parse(ev.AggregateID)
		if err != nil {
			return fmt.Errorf("parse aggregate id %q: %w", ev.AggregateID, err)
		}

		var status string
		switch ev.EventType {
		case models.EventStageStarted:
			var p models.StageStartedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
			status = stageRunningStatus(p.Kind)
		case models.EventStageCompleted, models.EventJobCompleted:
			status = models.JobStatusCompleted
		case models.EventStageFailed:
			status = models.JobStatusFailed
		default:
			return nil
		}

		return c.SetJobStatus(ctx, jobID, status, jobStatusTTL)
	}
}

func stageRunningStatus(kind models.TaskKind) string {
	switch kind {
	case models.KindValidation:
		return models.JobStatusValidating
	case models.KindPostEdit:
		return models.JobStatusPostEditing
	default:
		return models.JobStatusProcessing
	}
}
