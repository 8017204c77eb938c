package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bookpipe/bookpipe/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
// WithTx runs fn against a transaction-scoped Store so that job mutations and
// their outbox events commit atomically.
type Store interface {
	Ping(ctx context.Context) error
	WithTx(ctx context.Context, fn func(Store) error) error

	CreateJob(ctx context.Context, job *models.Job) (*models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	UpdateStageStatus(ctx context.Context, id uuid.UUID, kind models.TaskKind, status string, opts ...StageUpdateOption) error
	ListStalledCandidates(ctx context.Context, since time.Time) ([]*models.Job, error)

	CreateExecution(ctx context.Context, exec *models.TaskExecution) (*models.TaskExecution, error)
	GetExecution(ctx context.Context, id string) (*models.TaskExecution, error)
	LatestExecution(ctx context.Context, jobID uuid.UUID, kind models.TaskKind) (*models.TaskExecution, error)
	RecordStart(ctx context.Context, exec *models.TaskExecution) (*models.TaskExecution, error)
	RecordCompletion(ctx context.Context, id string, status string, result any) error
	RecordFailure(ctx context.Context, id string, taskErr error) error
	MarkRevoked(ctx context.Context, id string) error
	DeleteExecutionsOlderThan(ctx context.Context, age time.Duration) (int64, error)

	AppendEvent(ctx context.Context, ev *models.OutboxEvent) error
	PendingEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	MarkEventProcessed(ctx context.Context, id uuid.UUID) error
	MarkEventFailed(ctx context.Context, id uuid.UUID, msg string) error
	FailedEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	DeleteEventsOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

type jobUpdateParams struct {
	ErrorMessage *string
	ResultPath   *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithJobError(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithJobResultPath(path string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ResultPath = &path
	}
}

type stageUpdateParams struct {
	Progress     *int
	Path         *string
	ErrorMessage *string
}

type StageUpdateOption func(*stageUpdateParams)

func WithStageProgress(pct int) StageUpdateOption {
	return func(p *stageUpdateParams) {
		p.Progress = &pct
	}
}

func WithStagePath(path string) StageUpdateOption {
	return func(p *stageUpdateParams) {
		p.Path = &path
	}
}

func WithStageError(msg string) StageUpdateOption {
	return func(p *stageUpdateParams) {
		p.ErrorMessage = &msg
	}
}
