package models

import (
	"context"
	"errors"
)

// ErrInferenceTimeout is returned when a provider call exceeds its deadline.
var ErrInferenceTimeout = errors.New("ai inference timed out")

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("ai provider returned empty response")

// CompletionRequest is an opaque text-generation request. Prompt construction
// belongs to the caller; providers only transport it.
type CompletionRequest struct {
	Prompt  string
	Context string

	// APIKey, when set, overrides the provider's configured credential for
	// this call.
	APIKey string
}

// IllustrationRequest asks a provider to render an image for a prompt.
type IllustrationRequest struct {
	Prompt string
	Style  string
	APIKey string
}

// Provider is the boundary to an external AI backend. Calls are synchronous
// and blocking; cancellation and deadlines come from ctx.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Illustrate(ctx context.Context, req IllustrationRequest) ([]byte, error)
}
