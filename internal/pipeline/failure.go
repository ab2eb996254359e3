package pipeline

import (
	"fmt"
	"slices"
	"strings"
)

// FailureReport explains why a task failed.
type FailureReport struct {
	TaskID             string   `json:"task_id"`
	Stage              Stage    `json:"stage"`
	Reason             string   `json:"reason"`
	Iteration          int      `json:"iteration"`
	MaxIterations      int      `json:"max_iterations"`
	ValidationAttempts int      `json:"validation_attempts"`
	Feedback           []string `json:"feedback,omitempty"`
}

// NewFailureReport builds a report from a failed state.
func NewFailureReport(s TaskState) FailureReport {
	reason := s.Error
	if reason == "" {
		reason = "unknown failure"
	}
	return FailureReport{
		TaskID:             s.TaskID,
		Stage:              s.Stage,
		Reason:             reason,
		Iteration:          s.Iteration,
		MaxIterations:      s.MaxIterations,
		ValidationAttempts: s.ValidationAttempts,
		Feedback:           slices.Clone(s.Feedback),
	}
}

func (r FailureReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s failed: %s (iteration %d/%d, %d validation attempts)",
		r.TaskID, r.Reason, r.Iteration, r.MaxIterations, r.ValidationAttempts)
	for i, f := range r.Feedback {
		fmt.Fprintf(&b, "\n  feedback %d: %s", i+1, f)
	}
	return b.String()
}

// Data flattens the report for audit entries.
func (r FailureReport) Data() map[string]any {
	return map[string]any{
		"reason":              r.Reason,
		"iteration":           r.Iteration,
		"max_iterations":      r.MaxIterations,
		"validation_attempts": r.ValidationAttempts,
		"feedback":            slices.Clone(r.Feedback),
	}
}
