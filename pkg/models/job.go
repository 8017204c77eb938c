package models

import (
	"time"

	"github.com/google/uuid"
)

// Top-level job statuses. A job walks PENDING -> PROCESSING -> COMPLETED,
// then may re-enter VALIDATING or POST_EDITING while a follow-up stage runs.
const (
	JobStatusPending     = "PENDING"
	JobStatusProcessing  = "PROCESSING"
	JobStatusValidating  = "VALIDATING"
	JobStatusPostEditing = "POST_EDITING"
	JobStatusCompleted   = "COMPLETED"
	JobStatusFailed      = "FAILED"
)

// Per-stage sub-statuses for validation, post-edit and illustration.
const (
	StageStatusPending    = "PENDING"
	StageStatusInProgress = "IN_PROGRESS"
	StageStatusCompleted  = "COMPLETED"
	StageStatusFailed     = "FAILED"
)

// Job is one multi-stage document-processing unit of work.
// Status fields are mutated only by the task that owns the stage, inside the
// same transaction as any outbox event describing the change.
type Job struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	OwnerID        uuid.UUID `db:"owner_id"        json:"owner_id"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	Status         string    `db:"status"          json:"status"`

	SourcePath  string  `db:"source_path"  json:"source_path"`
	ResultPath  *string `db:"result_path"  json:"result_path,omitempty"`
	SourceLang  string  `db:"source_lang"  json:"source_lang"`
	TargetLang  string  `db:"target_lang"  json:"target_lang"`
	Provider    string  `db:"provider"     json:"provider"`

	ValidationEnabled   bool `db:"validation_enabled"   json:"validation_enabled"`
	PostEditEnabled     bool `db:"post_edit_enabled"    json:"post_edit_enabled"`
	IllustrationEnabled bool `db:"illustration_enabled" json:"illustration_enabled"`

	ValidationStatus   string  `db:"validation_status"   json:"validation_status"`
	ValidationProgress int     `db:"validation_progress" json:"validation_progress"`
	ValidationPath     *string `db:"validation_path"     json:"validation_path,omitempty"`

	PostEditStatus   string  `db:"post_edit_status"   json:"post_edit_status"`
	PostEditProgress int     `db:"post_edit_progress" json:"post_edit_progress"`
	PostEditPath     *string `db:"post_edit_path"     json:"post_edit_path,omitempty"`

	IllustrationStatus   string  `db:"illustration_status"   json:"illustration_status"`
	IllustrationProgress int     `db:"illustration_progress" json:"illustration_progress"`
	IllustrationPath     *string `db:"illustration_path"     json:"illustration_path,omitempty"`

	ErrorMessage     *string    `db:"error_message"      json:"error_message,omitempty"`
	StageCompletedAt *time.Time `db:"stage_completed_at" json:"stage_completed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"         json:"updated_at"`
}

// StageStatus returns the sub-status for a follow-up stage kind.
// Translation has no sub-status; its state is the top-level job status.
func (j *Job) StageStatus(kind TaskKind) string {
	switch kind {
	case KindValidation:
		return j.ValidationStatus
	case KindPostEdit:
		return j.PostEditStatus
	case KindIllustration:
		return j.IllustrationStatus
	default:
		return ""
	}
}

// StageEnabled reports whether the job opted into the given follow-up stage.
func (j *Job) StageEnabled(kind TaskKind) bool {
	switch kind {
	case KindValidation:
		return j.ValidationEnabled
	case KindPostEdit:
		return j.PostEditEnabled
	case KindIllustration:
		return j.IllustrationEnabled
	default:
		return false
	}
}
