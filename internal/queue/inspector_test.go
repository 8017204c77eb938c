package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bookpipe/bookpipe/internal/cache"
	"github.com/bookpipe/bookpipe/internal/queue"
	"github.com/bookpipe/bookpipe/pkg/models"
)

type stateCache struct {
	cache.Cache

	states map[string]string
	err    error
}

func (c *stateCache) GetTaskState(_ context.Context, invocationID string) (string, bool, error) {
	if c.err != nil {
		return "", false, c.err
	}
	state, ok := c.states[invocationID]
	return state, ok, nil
}

func TestInspector_IsLive(t *testing.T) {
	c := &stateCache{states: map[string]string{
		"inv-pending": models.ExecStatusPending,
		"inv-started": models.ExecStatusStarted,
		"inv-retry":   models.ExecStatusRetry,
		"inv-success": models.ExecStatusSuccess,
		"inv-failure": models.ExecStatusFailure,
		"inv-revoked": models.ExecStatusRevoked,
	}}
	insp := queue.NewInspector(c)
	ctx := context.Background()

	assert.True(t, insp.IsLive(ctx, "inv-pending"))
	assert.True(t, insp.IsLive(ctx, "inv-started"))
	assert.True(t, insp.IsLive(ctx, "inv-retry"))
	assert.False(t, insp.IsLive(ctx, "inv-success"))
	assert.False(t, insp.IsLive(ctx, "inv-failure"))
	assert.False(t, insp.IsLive(ctx, "inv-revoked"))
}

func TestInspector_UnknownInvocationNotLive(t *testing.T) {
	insp := queue.NewInspector(&stateCache{states: map[string]string{}})
	assert.False(t, insp.IsLive(context.Background(), "inv-unknown"))
}

func TestInspector_CacheErrorReadsNotLive(t *testing.T) {
	insp := queue.NewInspector(&stateCache{err: errors.New("redis down")})
	assert.False(t, insp.IsLive(context.Background(), "inv-1"))
}

func TestInspector_LiveStatePassthrough(t *testing.T) {
	c := &stateCache{states: map[string]string{"inv-1": models.ExecStatusStarted}}
	insp := queue.NewInspector(c)

	state, ok, err := insp.LiveState(context.Background(), "inv-1")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.ExecStatusStarted, state)
}
