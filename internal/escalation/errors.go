package escalation

import (
	"errors"
	"fmt"
)

var (
	ErrEscalationTimeout = errors.New("escalation timed out")
	ErrNotFound          = errors.New("escalation not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session is not active")
	ErrInvalidResponse   = errors.New("invalid human response")
	ErrInvalidPolicy     = errors.New("invalid fallback policy")
	ErrInvalidEscalation = errors.New("invalid escalation")
)

// TimeoutError is returned by a checkpoint whose escalation went
// unanswered under the fail policy.
type TimeoutError struct {
	EscalationID string
	TaskID       string
	Stage        string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: escalation %s for task %s at stage %s",
		ErrEscalationTimeout, e.EscalationID, e.TaskID, e.Stage)
}

// Unwrap lets errors.Is match ErrEscalationTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrEscalationTimeout
}
