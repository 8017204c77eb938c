package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskKind classifies a task invocation. Lifecycle behavior (retry budget,
// time limits, which stage fields to touch) is selected by kind, never by
// inspecting the task implementation.
type TaskKind string

const (
	KindTranslation     TaskKind = "translation"
	KindValidation      TaskKind = "validation"
	KindPostEdit        TaskKind = "post_edit"
	KindIllustration    TaskKind = "illustration"
	KindEventProcessing TaskKind = "event_processing"
	KindMaintenance     TaskKind = "maintenance"
	KindOther           TaskKind = "other"
)

// Ledger statuses for one invocation. Forward-only:
// PENDING -> STARTED -> {RETRY -> STARTED}* -> SUCCESS | FAILURE | REVOKED.
const (
	ExecStatusPending = "PENDING"
	ExecStatusStarted = "STARTED"
	ExecStatusRetry   = "RETRY"
	ExecStatusSuccess = "SUCCESS"
	ExecStatusFailure = "FAILURE"
	ExecStatusRevoked = "REVOKED"
)

// ExecStatusLive reports whether a ledger status means the invocation may
// still be picked up or running somewhere.
func ExecStatusLive(status string) bool {
	switch status {
	case ExecStatusPending, ExecStatusStarted, ExecStatusRetry:
		return true
	}
	return false
}

// TaskExecution is one ledger row per task invocation. The invocation id is
// the primary key and doubles as the idempotency key across broker-level
// redeliveries of the same invocation.
type TaskExecution struct {
	ID     string     `db:"id"      json:"id"`
	Name   string     `db:"name"    json:"name"`
	Kind   TaskKind   `db:"kind"    json:"kind"`
	JobID  *uuid.UUID `db:"job_id"  json:"job_id,omitempty"`
	UserID *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	Status string     `db:"status"  json:"status"`

	// Args holds the redacted argument payload; never the raw secrets.
	Args json.RawMessage `db:"args" json:"args,omitempty"`

	Attempts     int             `db:"attempts"      json:"attempts"`
	MaxRetries   int             `db:"max_retries"   json:"max_retries"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`

	QueuedAt   time.Time  `db:"queued_at"   json:"queued_at"`
	StartedAt  *time.Time `db:"started_at"  json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}
