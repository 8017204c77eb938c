package ai

import (
	"fmt"

	"github.com/bookpipe/bookpipe/internal/ai/mock"
	"github.com/bookpipe/bookpipe/internal/ai/openai"
	"github.com/bookpipe/bookpipe/internal/config"
	"github.com/bookpipe/bookpipe/pkg/models"
)

// NewProvider constructs the configured AI provider.
// Called once at process startup.
func NewProvider(cfg config.AIConfig) (models.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.New(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.InferenceTimeout), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider: %q", cfg.Provider)
	}
}
