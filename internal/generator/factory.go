package generator

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
)

// New builds the provider named by cfg.Provider, wrapped in Limited.
func New(ctx context.Context, cfg config.GeneratorConfig, logger *logging.Logger) (Generator, error) {
	var (
		gen Generator
		err error
	)
	key := cfg.APIKey.Value()
	switch cfg.Provider {
	case "anthropic":
		gen, err = NewAnthropic(key, cfg.BaseURL, cfg.Model, cfg.MaxTokens, cfg.Temperature)
	case "openai":
		gen, err = NewOpenAI(key, cfg.BaseURL, cfg.Model, cfg.MaxTokens, cfg.Temperature)
	case "gemini":
		gen, err = NewGemini(ctx, key, cfg.BaseURL, cfg.Model, cfg.MaxTokens, cfg.Temperature)
	case "ollama":
		gen, err = NewOllama(cfg.BaseURL, cfg.Model, cfg.MaxTokens, cfg.Temperature, nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewLimited(gen, cfg.Provider, cfg.RequestsPerSecond, cfg.Burst, cfg.Timeout.Duration(), logger), nil
}
