package escalation

import (
	"fmt"
	"slices"
	"time"
)

// Priority orders escalations for operators.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityFor maps an overall confidence to a priority.
func PriorityFor(overall float64) Priority {
	switch {
	case overall < 0.2:
		return PriorityCritical
	case overall < 0.4:
		return PriorityHigh
	case overall < 0.6:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Escalation is a question put to a human about one stage of a task.
type Escalation struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Stage      string         `json:"stage"`
	Question   string         `json:"question"`
	Reason     string         `json:"reason"`
	Priority   Priority       `json:"priority"`
	Confidence float64        `json:"confidence"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ResponseType is the kind of answer a human gives.
type ResponseType string

const (
	ResponseApprove  ResponseType = "approve"
	ResponseReject   ResponseType = "reject"
	ResponseModify   ResponseType = "modify"
	ResponseGuide    ResponseType = "guide"
	ResponseOverride ResponseType = "override"
	ResponseDefer    ResponseType = "defer"
)

// Valid reports whether t is a known response type.
func (t ResponseType) Valid() bool {
	switch t {
	case ResponseApprove, ResponseReject, ResponseModify, ResponseGuide, ResponseOverride, ResponseDefer:
		return true
	}
	return false
}

// HumanResponse answers an escalation.
type HumanResponse struct {
	Type        ResponseType `json:"type"`
	Content     string       `json:"content,omitempty"`
	Responder   string       `json:"responder"`
	RespondedAt time.Time    `json:"responded_at"`
}

// Validate checks the response is usable. Modify, override and guide
// carry content.
func (r HumanResponse) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidResponse, r.Type)
	}
	switch r.Type {
	case ResponseModify, ResponseOverride, ResponseGuide:
		if r.Content == "" {
			return fmt.Errorf("%w: %s requires content", ErrInvalidResponse, r.Type)
		}
	}
	return nil
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionClosed  SessionStatus = "closed"
	SessionExpired SessionStatus = "expired"
)

// Message is one line of a session transcript.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the conversation between a task and its human responder.
// Values returned by the Coordinator are snapshots.
type Session struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Responder string        `json:"responder"`
	Messages  []Message     `json:"messages"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (s Session) clone() Session {
	s.Messages = slices.Clone(s.Messages)
	return s
}

// FallbackPolicy decides what happens when an escalation times out.
type FallbackPolicy string

const (
	// FallbackContinue resumes as if no escalation had happened.
	FallbackContinue FallbackPolicy = "continue"
	// FallbackPause flags the task human-paused and keeps the escalation
	// open for a later response.
	FallbackPause FallbackPolicy = "pause"
	// FallbackFail fails the task.
	FallbackFail FallbackPolicy = "fail"
)

// ParseFallback parses a policy name. Empty means continue.
func ParseFallback(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(s); p {
	case "":
		return FallbackContinue, nil
	case FallbackContinue, FallbackPause, FallbackFail:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}
