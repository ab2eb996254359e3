package pipeline

import (
	"maps"
	"slices"
)

// Message is one entry of a task's conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Subtask is a unit of work identified during analysis.
type Subtask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// TaskState is the state of one task.
//
// TaskState is a value. The With methods return an updated copy and never
// modify the receiver; slices and maps are copied so no two states share
// backing storage. Callers must not modify the exported slices or maps of a
// state they did not just create.
type TaskState struct {
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id"`
	Description string `json:"description"`

	Stage         Stage `json:"stage"`
	Iteration     int   `json:"iteration"`
	MaxIterations int   `json:"max_iterations"`

	Validated    bool   `json:"validated"`
	ShouldReplan bool   `json:"should_replan"`
	Failed       bool   `json:"failed"`
	Error        string `json:"error,omitempty"`

	Subtasks  []Subtask `json:"subtasks,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Messages  []Message `json:"messages,omitempty"`

	Plan               string   `json:"plan,omitempty"`
	Output             string   `json:"output,omitempty"`
	Feedback           []string `json:"feedback,omitempty"`
	ValidationAttempts int      `json:"validation_attempts"`

	HumanPaused        bool   `json:"human_paused"`
	PausedEscalationID string `json:"paused_escalation_id,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewTaskState returns a task positioned at the analyze stage.
func NewTaskState(taskID, sessionID, description string, maxIterations int) TaskState {
	return TaskState{
		TaskID:        taskID,
		SessionID:     sessionID,
		Description:   description,
		Stage:         StageAnalyze,
		MaxIterations: maxIterations,
	}
}

// Clone returns a deep copy of s.
func (s TaskState) Clone() TaskState {
	s.Subtasks = slices.Clone(s.Subtasks)
	s.Artifacts = slices.Clone(s.Artifacts)
	s.Messages = slices.Clone(s.Messages)
	s.Feedback = slices.Clone(s.Feedback)
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// IsTerminal reports whether the task has reached commit or fail.
func (s TaskState) IsTerminal() bool {
	return s.Stage.IsTerminal()
}

// IterationsExhausted reports iteration >= max iterations.
func (s TaskState) IterationsExhausted() bool {
	return s.Iteration >= s.MaxIterations
}

// WithStage moves the task to stage.
func (s TaskState) WithStage(stage Stage) TaskState {
	n := s.Clone()
	n.Stage = stage
	return n
}

// WithIteration counts one more plan/execute/validate loop.
func (s TaskState) WithIteration() TaskState {
	n := s.Clone()
	n.Iteration++
	return n
}

// WithValidation records the verdict of one validate pass. Non-empty
// feedback is appended to the feedback history.
func (s TaskState) WithValidation(validated, replan bool, feedback string) TaskState {
	n := s.Clone()
	n.Validated = validated
	n.ShouldReplan = replan
	n.ValidationAttempts++
	if feedback != "" {
		n.Feedback = append(n.Feedback, feedback)
	}
	return n
}

// WithReplan sets the replan flag.
func (s TaskState) WithReplan(replan bool) TaskState {
	n := s.Clone()
	n.ShouldReplan = replan
	return n
}

// WithFailure marks the task failed. The first reason is kept.
func (s TaskState) WithFailure(reason string) TaskState {
	n := s.Clone()
	n.Failed = true
	if n.Error == "" {
		n.Error = reason
	}
	return n
}

// WithPlan replaces the plan.
func (s TaskState) WithPlan(plan string) TaskState {
	n := s.Clone()
	n.Plan = plan
	return n
}

// WithOutput replaces the execution output.
func (s TaskState) WithOutput(output string) TaskState {
	n := s.Clone()
	n.Output = output
	return n
}

// WithSubtasks replaces the subtask list.
func (s TaskState) WithSubtasks(subtasks ...Subtask) TaskState {
	n := s.Clone()
	n.Subtasks = slices.Clone(subtasks)
	return n
}

// WithArtifacts appends artifact references.
func (s TaskState) WithArtifacts(ids ...string) TaskState {
	n := s.Clone()
	n.Artifacts = append(n.Artifacts, ids...)
	return n
}

// WithMessages appends messages, preserving order.
func (s TaskState) WithMessages(msgs ...Message) TaskState {
	n := s.Clone()
	n.Messages = append(n.Messages, msgs...)
	return n
}

// MergeMessages appends the messages of other that s does not have yet.
// Both histories are append-only, so other extends s when it shares s's
// prefix; anything else is appended after s's history.
func (s TaskState) MergeMessages(other []Message) TaskState {
	n := s.Clone()
	start := 0
	if len(other) >= len(s.Messages) && slices.Equal(other[:len(s.Messages)], s.Messages) {
		start = len(s.Messages)
	}
	n.Messages = append(n.Messages, other[start:]...)
	return n
}

// WithPaused flags the task as waiting on a human for escalationID.
func (s TaskState) WithPaused(escalationID string) TaskState {
	n := s.Clone()
	n.HumanPaused = true
	n.PausedEscalationID = escalationID
	return n
}

// WithResumed clears the human-paused flag.
func (s TaskState) WithResumed() TaskState {
	n := s.Clone()
	n.HumanPaused = false
	n.PausedEscalationID = ""
	return n
}

// WithMetadata sets one metadata key.
func (s TaskState) WithMetadata(key, value string) TaskState {
	n := s.Clone()
	if n.Metadata == nil {
		n.Metadata = make(map[string]string)
	}
	n.Metadata[key] = value
	return n
}
