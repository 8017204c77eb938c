package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusFailed    = "failed"
)

// Outbox event types. The payload for each type is one of the typed
// structs below; handlers switch on EventType.
const (
	EventStageStarted   = "job.stage_started"
	EventStageCompleted = "job.stage_completed"
	EventStageFailed    = "job.stage_failed"
	EventJobCompleted   = "job.completed"
)

// OutboxEvent is a durable, ordered fact describing a job state change.
// It is inserted in the same transaction as the change it describes and only
// its status/last_error are mutated afterwards, by the drain process.
type OutboxEvent struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	EventType   string          `db:"event_type"   json:"event_type"`
	AggregateID string          `db:"aggregate_id" json:"aggregate_id"`
	Payload     json.RawMessage `db:"payload"      json:"payload"`
	Status      string          `db:"status"       json:"status"`
	LastError   *string         `db:"last_error"   json:"last_error,omitempty"`
	OccurredAt  time.Time       `db:"occurred_at"  json:"occurred_at"`
}

// StageStartedPayload accompanies EventStageStarted.
type StageStartedPayload struct {
	JobID uuid.UUID `json:"job_id"`
	Kind  TaskKind  `json:"kind"`
}

// StageCompletedPayload accompanies EventStageCompleted and EventJobCompleted.
type StageCompletedPayload struct {
	JobID      uuid.UUID `json:"job_id"`
	Kind       TaskKind  `json:"kind"`
	ResultPath string    `json:"result_path,omitempty"`
}

// StageFailedPayload accompanies EventStageFailed.
type StageFailedPayload struct {
	JobID uuid.UUID `json:"job_id"`
	Kind  TaskKind  `json:"kind"`
	Error string    `json:"error"`
}

// NewOutboxEvent builds a pending event with a JSON-encoded payload.
func NewOutboxEvent(eventType string, jobID uuid.UUID, payload any) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		AggregateID: jobID.String(),
		Payload:     raw,
		Status:      EventStatusPending,
		OccurredAt:  time.Now().UTC(),
	}, nil
}
