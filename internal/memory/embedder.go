package memory

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder turns text into vectors. It matches langchaingo's
// embeddings.Embedder so any langchaingo embedder can be used directly.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

var _ Embedder = (*embeddings.EmbedderImpl)(nil)

// NewEmbedder builds a langchaingo embedder for cfg.Provider.
//
// "openai" talks to any OpenAI compatible /embeddings endpoint (OpenAI,
// TEI, vLLM); "ollama" talks to a local Ollama server.
func NewEmbedder(cfg config.EmbeddingsConfig) (Embedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: embeddings model is required", ErrInvalidConfig)
	}

	var client embeddings.EmbedderClient
	switch cfg.Provider {
	case "openai":
		token := cfg.APIKey.Value()
		if token == "" {
			// OpenAI compatible servers such as TEI ignore the token,
			// but langchaingo refuses to start without one.
			token = "unused"
		}
		opts := []openai.Option{
			openai.WithEmbeddingModel(cfg.Model),
			openai.WithToken(token),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating openai embedding client: %w", err)
		}
		client = llm
	case "ollama", "":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating ollama embedding client: %w", err)
		}
		client = llm
	default:
		return nil, fmt.Errorf("%w: unknown embeddings provider %q", ErrInvalidConfig, cfg.Provider)
	}

	e, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return e, nil
}
