package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookpipe/bookpipe/internal/cache"
	"github.com/bookpipe/bookpipe/internal/jobs"
	"github.com/bookpipe/bookpipe/internal/queue"
	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeStore struct {
	store.Store

	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	byKey   map[string]*models.Job
	execs   map[string]*models.TaskExecution
	events  []*models.OutboxEvent
	revoked []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  make(map[uuid.UUID]*models.Job),
		byKey: make(map[string]*models.Job),
		execs: make(map[string]*models.TaskExecution),
	}
}

func dupKey(owner uuid.UUID, key string) string {
	return owner.String() + "/" + key
}

func (f *fakeStore) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(f)
}

func (f *fakeStore) CreateJob(_ context.Context, job *models.Job) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.byKey[dupKey(job.OwnerID, job.IdempotencyKey)]; ok {
		copied := *existing
		return &copied, nil
	}
	copied := *job
	f.jobs[job.ID] = &copied
	f.byKey[dupKey(job.OwnerID, job.IdempotencyKey)] = &copied
	out := copied
	return &out, nil
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

func (f *fakeStore) MarkRevoked(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok || !models.ExecStatusLive(exec.Status) {
		return store.ErrNotFound
	}
	exec.Status = models.ExecStatusRevoked
	f.revoked = append(f.revoked, id)
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, ev *models.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) FailedEvents(_ context.Context, _ int) ([]*models.OutboxEvent, error) {
	return nil, nil
}

type fakeCache struct {
	mu        sync.Mutex
	kv        map[string][]byte
	state     map[string]string
	progress  map[string]int
	jobStatus map[uuid.UUID]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		kv:        make(map[string][]byte),
		state:     make(map[string]string),
		progress:  make(map[string]int),
		jobStatus: make(map[uuid.UUID]string),
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
	c.jobStatus[id] = status
	return nil
}

func (c *fakeCache) GetJobStatus(_ context.Context, id uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.jobStatus[id]
	return s, ok, nil
}

func (c *fakeCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []queue.TaskMessage
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, msg queue.TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.messages = append(q.messages, msg)
	return nil
}

type fakeChecker struct {
	live map[string]bool
}

func (c *fakeChecker) IsLive(_ context.Context, id string) bool { return c.live[id] }

func newService() (*jobs.Service, *fakeStore, *fakeCache, *fakeQueue, *fakeChecker) {
	st := newFakeStore()
	c := newFakeCache()
	q := &fakeQueue{}
	checker := &fakeChecker{live: map[string]bool{}}
	return jobs.NewService(st, c, q, checker), st, c, q, checker
}

func submitParams(owner uuid.UUID) jobs.SubmitParams {
	return jobs.SubmitParams{
		OwnerID:        owner,
		IdempotencyKey: "book-42",
		SourcePath:     "sources/book.txt",
		SourceLang:     "en",
		TargetLang:     "es",
		Provider:       "mock",
		AutoPostEdit:   true,
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestSubmit_CreatesJobAndEnqueuesTranslation(t *testing.T) {
	svc, st, _, q, _ := newService()
	owner := uuid.New()

	job, created, err := svc.Submit(context.Background(), submitParams(owner))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.JobStatusPending, job.Status)

	require.Len(t, q.messages, 1)
	msg := q.messages[0]
	assert.Equal(t, models.KindTranslation, msg.Kind)
	assert.Equal(t, job.ID, msg.JobID)
	assert.True(t, msg.AutoPostEdit)

	exec, err := st.GetExecution(context.Background(), msg.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecStatusPending, exec.Status)
	assert.Equal(t, models.KindTranslation, exec.Kind)
}

func TestSubmit_ReplayedKeyReturnsExistingWithoutEnqueue(t *testing.T) {
	svc, _, _, q, checker := newService()
	owner := uuid.New()

	first, created, err := svc.Submit(context.Background(), submitParams(owner))
	require.NoError(t, err)
	require.True(t, created)
	// Enqueue landed, so the broker still reports the invocation live.
	checker.live[q.messages[0].InvocationID] = true

	second, created, err := svc.Submit(context.Background(), submitParams(owner))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, q.messages, 1, "replay must not enqueue a second translation")
}

func TestSubmit_ReplayHealsJobOrphanedByEnqueueFailure(t *testing.T) {
	svc, st, _, q, _ := newService()
	owner := uuid.New()

	// First call dies between the job insert and the broker publish.
	q.err = errors.New("nats: connection closed")
	_, _, err := svc.Submit(context.Background(), submitParams(owner))
	require.Error(t, err)
	require.Empty(t, q.messages)

	q.err = nil
	job, created, err := svc.Submit(context.Background(), submitParams(owner))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.JobStatusPending, job.Status)

	require.Len(t, q.messages, 1, "replay starts the translation the job was owed")
	msg := q.messages[0]
	assert.Equal(t, models.KindTranslation, msg.Kind)
	assert.Equal(t, job.ID, msg.JobID)
	assert.True(t, msg.AutoPostEdit)

	exec, err := st.GetExecution(context.Background(), msg.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecStatusPending, exec.Status)
}

func TestSubmit_SameKeyDifferentOwnersAreIndependent(t *testing.T) {
	svc, _, _, q, _ := newService()

	_, created, err := svc.Submit(context.Background(), submitParams(uuid.New()))
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = svc.Submit(context.Background(), submitParams(uuid.New()))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, q.messages, 2)
}

func TestSubmit_APIKeyFingerprintedInLedgerArgs(t *testing.T) {
	svc, st, _, q, _ := newService()
	params := submitParams(uuid.New())
	params.ProviderAPIKey = "sk-SECRET-123"

	_, _, err := svc.Submit(context.Background(), params)
	require.NoError(t, err)

	exec, err := st.GetExecution(context.Background(), q.messages[0].InvocationID)
	require.NoError(t, err)
	assert.NotContains(t, string(exec.Args), "sk-SECRET-123")

	var args map[string]any
	require.NoError(t, json.Unmarshal(exec.Args, &args))
	marker, ok := args["api_key"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, marker["redacted"])
}

func TestSubmit_APIKeyStashedForWorkers(t *testing.T) {
	svc, _, c, _, _ := newService()
	params := submitParams(uuid.New())
	params.ProviderAPIKey = "sk-SECRET-123"

	job, _, err := svc.Submit(context.Background(), params)
	require.NoError(t, err)

	raw, ok, err := c.Get(context.Background(), cache.ProviderKeyKey(job.ID))
	require.NoError(t, err)
	require.True(t, ok, "workers read the override from the cache")
	assert.Equal(t, "sk-SECRET-123", string(raw))
}

func TestSubmit_NoAPIKeyNothingStashed(t *testing.T) {
	svc, _, c, _, _ := newService()

	job, _, err := svc.Submit(context.Background(), submitParams(uuid.New()))
	require.NoError(t, err)

	_, ok, err := c.Get(context.Background(), cache.ProviderKeyKey(job.ID))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskStatus_LiveStateWinsOverLedger(t *testing.T) {
	svc, st, c, _, _ := newService()
	jobID := uuid.New()

	exec := &models.TaskExecution{ID: uuid.New().String(), Kind: models.KindTranslation, JobID: &jobID, Status: models.ExecStatusRetry, Attempts: 2}
	st.execs[exec.ID] = exec
	require.NoError(t, c.SetTaskState(context.Background(), exec.ID, models.ExecStatusStarted, time.Hour))
	require.NoError(t, c.SetTaskProgress(context.Background(), exec.ID, 40, time.Hour))

	view, err := svc.TaskStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecStatusStarted, view.Status)
	assert.Equal(t, 2, view.Attempts)
	require.NotNil(t, view.Progress)
	assert.Equal(t, 40, *view.Progress)
}

func TestTaskStatus_ParentJobStatusReadFromMirror(t *testing.T) {
	svc, st, c, _, _ := newService()
	jobID := uuid.New()

	exec := &models.TaskExecution{ID: uuid.New().String(), Kind: models.KindTranslation, JobID: &jobID, Status: models.ExecStatusStarted}
	st.execs[exec.ID] = exec
	require.NoError(t, c.SetJobStatus(context.Background(), jobID, models.JobStatusProcessing, time.Hour))

	view, err := svc.TaskStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	require.NotNil(t, view.JobStatus)
	assert.Equal(t, models.JobStatusProcessing, *view.JobStatus)
}

func TestTaskStatus_NoMirrorEntryOmitsJobStatus(t *testing.T) {
	svc, st, _, _, _ := newService()
	jobID := uuid.New()

	exec := &models.TaskExecution{ID: uuid.New().String(), Kind: models.KindTranslation, JobID: &jobID, Status: models.ExecStatusStarted}
	st.execs[exec.ID] = exec

	view, err := svc.TaskStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Nil(t, view.JobStatus)
}

func TestTaskStatus_TerminalLedgerStatusNotOverridden(t *testing.T) {
	svc, st, c, _, _ := newService()
	jobID := uuid.New()

	exec := &models.TaskExecution{ID: uuid.New().String(), Kind: models.KindTranslation, JobID: &jobID, Status: models.ExecStatusSuccess}
	st.execs[exec.ID] = exec
	// Stale non-live marker in the cache must not mask the settled row.
	require.NoError(t, c.SetTaskState(context.Background(), exec.ID, models.ExecStatusSuccess, time.Hour))

	view, err := svc.TaskStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecStatusSuccess, view.Status)
}

func TestTaskStatus_BrokerOnlyInvocationYieldsMinimalView(t *testing.T) {
	svc, _, c, _, _ := newService()
	id := uuid.New().String()
	require.NoError(t, c.SetTaskState(context.Background(), id, models.ExecStatusPending, time.Hour))

	view, err := svc.TaskStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecStatusPending, view.Status)
	assert.Nil(t, view.JobID)
}

func TestTaskStatus_UnknownEverywhereIsNotFound(t *testing.T) {
	svc, _, _, _, _ := newService()
	_, err := svc.TaskStatus(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_MarksRevokedAndMirrorsState(t *testing.T) {
	svc, st, c, _, _ := newService()
	jobID := uuid.New()
	exec := &models.TaskExecution{ID: uuid.New().String(), Kind: models.KindTranslation, JobID: &jobID, Status: models.ExecStatusPending}
	st.execs[exec.ID] = exec

	require.NoError(t, svc.Cancel(context.Background(), exec.ID))
	assert.Equal(t, models.ExecStatusRevoked, st.execs[exec.ID].Status)

	state, ok, _ := c.GetTaskState(context.Background(), exec.ID)
	require.True(t, ok)
	assert.Equal(t, models.ExecStatusRevoked, state)
}

func TestCancel_SettledInvocationIsNotFound(t *testing.T) {
	svc, st, _, _, _ := newService()
	jobID := uuid.New()
	exec := &models.TaskExecution{ID: uuid.New().String(), Kind: models.KindTranslation, JobID: &jobID, Status: models.ExecStatusSuccess}
	st.execs[exec.ID] = exec

	err := svc.Cancel(context.Background(), exec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetriggerStage_StartsFreshInvocation(t *testing.T) {
	svc, st, _, q, _ := newService()
	owner := uuid.New()
	job := &models.Job{ID: uuid.New(), OwnerID: owner, Status: models.JobStatusCompleted, ValidationEnabled: true}
	st.jobs[job.ID] = job

	invocationID, err := svc.RetriggerStage(context.Background(), job.ID, models.KindValidation)
	require.NoError(t, err)
	assert.NotEmpty(t, invocationID)

	assert.Equal(t, models.JobStatusValidating, st.jobs[job.ID].Status)
	assert.Equal(t, models.StageStatusInProgress, st.jobs[job.ID].ValidationStatus)

	require.Len(t, q.messages, 1)
	assert.Equal(t, models.KindValidation, q.messages[0].Kind)
	assert.Equal(t, invocationID, q.messages[0].InvocationID)

	require.Len(t, st.events, 1)
	assert.Equal(t, models.EventStageStarted, st.events[0].EventType)
}

func TestRetriggerStage_DisabledStageRefused(t *testing.T) {
	svc, st, _, _, _ := newService()
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusCompleted}
	st.jobs[job.ID] = job

	_, err := svc.RetriggerStage(context.Background(), job.ID, models.KindPostEdit)
	assert.ErrorIs(t, err, jobs.ErrStageNotEnabled)
}

func TestRetriggerStage_LiveInvocationRefused(t *testing.T) {
	svc, st, _, _, checker := newService()
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusCompleted, IllustrationEnabled: true}
	st.jobs[job.ID] = job

	prior := &models.TaskExecution{ID: uuid.New().String(), Kind: models.KindIllustration, JobID: &job.ID, Status: models.ExecStatusStarted}
	st.execs[prior.ID] = prior
	checker.live[prior.ID] = true

	_, err := svc.RetriggerStage(context.Background(), job.ID, models.KindIllustration)
	assert.ErrorIs(t, err, jobs.ErrStageBusy)
}

func TestRetriggerStage_TranslationKindRejected(t *testing.T) {
	svc, _, _, _, _ := newService()
	_, err := svc.RetriggerStage(context.Background(), uuid.New(), models.KindTranslation)
	assert.Error(t, err)
}
