package generator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const ollamaDefaultHost = "http://localhost:11434"

// OllamaGenerator calls a local Ollama server's chat endpoint.
type OllamaGenerator struct {
	client      *api.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewOllama returns a generator for model served at host.
func NewOllama(host, model string, maxTokens int, temperature float64, httpClient *http.Client) (*OllamaGenerator, error) {
	if host == "" {
		host = ollamaDefaultHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("ollama: bad host %q: %w", host, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaGenerator{
		client:      api.NewClient(u, httpClient),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

// Generate implements Generator.
func (g *OllamaGenerator) Generate(ctx context.Context, msgs []Message) (Response, error) {
	if _, _, err := splitSystem(msgs); err != nil {
		return Response{}, err
	}
	messages := make([]api.Message, len(msgs))
	for i, m := range msgs {
		messages[i] = api.Message{Role: m.Role, Content: m.Content}
	}

	stream := false
	req := &api.ChatRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": g.temperature,
			"num_predict": g.maxTokens,
		},
	}

	var (
		text strings.Builder
		last api.ChatResponse
	)
	err := g.client.Chat(ctx, req, func(r api.ChatResponse) error {
		text.WriteString(r.Message.Content)
		last = r
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama chat: %w", err)
	}
	if text.Len() == 0 {
		return Response{}, fmt.Errorf("%w: ollama", ErrEmptyResponse)
	}
	return Response{
		Text:         text.String(),
		Model:        last.Model,
		InputTokens:  last.PromptEvalCount,
		OutputTokens: last.EvalCount,
		StopReason:   last.DoneReason,
	}, nil
}
