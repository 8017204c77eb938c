package mock

import (
	"context"

	"github.com/bookpipe/bookpipe/pkg/models"
)

// MockProvider satisfies models.Provider for testing.
type MockProvider struct {
	Name_          string
	CompleteFunc   func(ctx context.Context, req models.CompletionRequest) (string, error)
	IllustrateFunc func(ctx context.Context, req models.IllustrationRequest) ([]byte, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return "", nil
}

func (m *MockProvider) Illustrate(ctx context.Context, req models.IllustrationRequest) ([]byte, error) {
	if m.IllustrateFunc != nil {
		return m.IllustrateFunc(ctx, req)
	}
	return nil, nil
}

// NewMockProvider returns a MockProvider with sensible default responses.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
			return "[mock] " + req.Prompt, nil
		},
		IllustrateFunc: func(_ context.Context, _ models.IllustrationRequest) ([]byte, error) {
			return []byte("mock-image-bytes"), nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			return "", err
		},
		IllustrateFunc: func(_ context.Context, _ models.IllustrationRequest) ([]byte, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (string, error) {
			<-ctx.Done()
			return "", models.ErrInferenceTimeout
		},
		IllustrateFunc: func(ctx context.Context, _ models.IllustrationRequest) ([]byte, error) {
			<-ctx.Done()
			return nil, models.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements Provider.
var _ models.Provider = (*MockProvider)(nil)
