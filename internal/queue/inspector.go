package queue

import (
	"context"

	"github.com/bookpipe/bookpipe/internal/cache"
	"github.com/bookpipe/bookpipe/pkg/models"
)

// Inspector answers "is this invocation still live at the broker?" from the
// Redis side channel the queue and workers maintain. Best effort: a missing
// key reads as not live.
type Inspector struct {
	cache cache.Cache
}

func NewInspector(c cache.Cache) *Inspector {
	return &Inspector{cache: c}
}

// LiveState returns the transient state of an invocation and whether any
// state is known at all.
func (i *Inspector) LiveState(ctx context.Context, invocationID string) (string, bool, error) {
	return i.cache.GetTaskState(ctx, invocationID)
}

// IsLive reports whether the invocation is pending, started or retrying.
func (i *Inspector) IsLive(ctx context.Context, invocationID string) bool {
	state, ok, err := i.cache.GetTaskState(ctx, invocationID)
	if err != nil || !ok {
		return false
	}
	return models.ExecStatusLive(state)
}
