package pipeline_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bookpipe/bookpipe/internal/cache"
	"github.com/bookpipe/bookpipe/internal/queue"
	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"
)

// ─── fake store ──────────────────────────────────────────────────────────────

type fakeStore struct {
	store.Store // panics on anything not overridden

	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.Job
	execs  map[string]*models.TaskExecution
	events []*models.OutboxEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  make(map[uuid.UUID]*models.Job),
		execs: make(map[string]*models.TaskExecution),
	}
}

func (f *fakeStore) addJob(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeStore) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(f)
}

func (f *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, _ ...store.JobUpdateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = status
	return nil
}

func (f *fakeStore) UpdateStageStatus(_ context.Context, id uuid.UUID, kind models.TaskKind, status string, _ ...store.StageUpdateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	switch kind {
	case models.KindValidation:
		job.ValidationStatus = status
	case models.KindPostEdit:
		job.PostEditStatus = status
	case models.KindIllustration:
		job.IllustrationStatus = status
	}
	return nil
}

func (f *fakeStore) CreateExecution(_ context.Context, exec *models.TaskExecution) (*models.TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.execs[exec.ID]; ok {
		copied := *existing
		return &copied, nil
	}
	copied := *exec
	copied.Status = models.ExecStatusPending
	f.execs[exec.ID] = &copied
	out := copied
	return &out, nil
}

func (f *fakeStore) GetExecution(_ context.Context, id string) (*models.TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *exec
	return &copied, nil
}

func (f *fakeStore) LatestExecution(_ context.Context, jobID uuid.UUID, kind models.TaskKind) (*models.TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.TaskExecution
	for _, exec := range f.execs {
		if exec.JobID == nil || *exec.JobID != jobID || exec.Kind != kind {
			continue
		}
		if latest == nil || exec.QueuedAt.After(latest.QueuedAt) {
			latest = exec
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeStore) RecordStart(_ context.Context, exec *models.TaskExecution) (*models.TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	row, ok := f.execs[exec.ID]
	if !ok {
		copied := *exec
		row = &copied
		f.execs[exec.ID] = row
	}
	row.Status = models.ExecStatusStarted
	row.Attempts++
	row.StartedAt = &now
	copied := *row
	return &copied, nil
}

func (f *fakeStore) RecordCompletion(_ context.Context, id string, status string, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return store.ErrNotFound
	}
	exec.Status = status
	if result != nil {
		exec.Result, _ = json.Marshal(result)
	}
	return nil
}

func (f *fakeStore) RecordFailure(_ context.Context, id string, taskErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return store.ErrNotFound
	}
	exec.Status = models.ExecStatusFailure
	if taskErr != nil {
		msg := taskErr.Error()
		exec.ErrorMessage = &msg
	}
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, ev *models.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		types = append(types, ev.EventType)
	}
	return types
}

func (f *fakeStore) job(id uuid.UUID) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeStore) exec(id string) models.TaskExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.execs[id]
}

// ─── fake cache ──────────────────────────────────────────────────────────────

type fakeCache struct {
	mu       sync.Mutex
	kv       map[string][]byte
	state    map[string]string
	progress map[string]int
	status   map[uuid.UUID]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		kv:       make(map[string][]byte),
		state:    make(map[string]string),
		progress: make(map[string]int),
		status:   make(map[uuid.UUID]string),
	}
}

func (c *fakeCache) Ping(_ context.Context) error { return nil }

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv[key] = value
	return nil
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.kv[key]
	return v, ok, nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kv, key)
	return nil
}

func (c *fakeCache) SetTaskState(_ context.Context, id, state string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[id] = state
	return nil
}

func (c *fakeCache) GetTaskState(_ context.Context, id string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[id]
	return s, ok, nil
}

func (c *fakeCache) SetTaskProgress(_ context.Context, id string, pct int, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress[id] = pct
	return nil
}

func (c *fakeCache) GetTaskProgress(_ context.Context, id string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.progress[id]
	return p, ok, nil
}

func (c *fakeCache) SetJobStatus(_ context.Context, id uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[id] = status
	return nil
}

func (c *fakeCache) GetJobStatus(_ context.Context, id uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.status[id]
	return s, ok, nil
}

func (c *fakeCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

var _ cache.Cache = (*fakeCache)(nil)

// ─── fake queue and live checker ─────────────────────────────────────────────

type fakeQueue struct {
	mu       sync.Mutex
	messages []queue.TaskMessage
}

func (q *fakeQueue) Enqueue(_ context.Context, msg queue.TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

func (q *fakeQueue) enqueued() []queue.TaskMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.TaskMessage(nil), q.messages...)
}

type fakeChecker struct {
	live map[string]bool
}

func (c *fakeChecker) IsLive(_ context.Context, id string) bool {
	return c.live[id]
}
