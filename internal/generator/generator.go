// Package generator produces stage content with a language model.
//
// The engine only depends on the Generator interface. Provider adapters
// for Anthropic, OpenAI, Gemini and Ollama live in this package and are
// selected by New from configuration; Fake serves tests.
package generator

import (
	"context"
	"errors"
	"strings"
)

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrNoMessages      = errors.New("at least one non-system message is required")
	ErrUnknownProvider = errors.New("unknown generator provider")
	ErrMissingAPIKey   = errors.New("generator api key is required")
	ErrEmptyResponse   = errors.New("generator returned no content")
)

// Message is one turn of a prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Response is the output of one generation.
type Response struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason,omitempty"`
}

// TotalTokens is the usage charged against a budget.
func (r Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Generator produces text from a conversation.
type Generator interface {
	Generate(ctx context.Context, msgs []Message) (Response, error)
}

// splitSystem separates system messages, which most providers take as a
// separate parameter, from the conversation turns.
func splitSystem(msgs []Message) (string, []Message, error) {
	var system []string
	turns := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) == 0 {
		return "", nil, ErrNoMessages
	}
	return strings.Join(system, "\n\n"), turns, nil
}

// ExtractJSON returns the first JSON object embedded in text. Models often
// wrap JSON in prose or code fences.
func ExtractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}
