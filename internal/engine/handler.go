package engine

import (
	"context"

	"github.com/fyrsmithlabs/cogflow/internal/execution"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
)

// Env is what a handler sees of the task it works on.
type Env struct {
	State    pipeline.TaskState
	Exec     *execution.ExecutionContext
	Children ChildRunner
}

// ChildRunner runs a nested pipeline under the context of the caller.
type ChildRunner interface {
	RunChild(ctx context.Context, parent Env, description string) (pipeline.TaskState, error)
}

// StageResult is the product of one stage.
type StageResult struct {
	// State is the updated task state, still positioned at the stage.
	State pipeline.TaskState
	// Output is what the escalation checkpoint reviews.
	Output string
}

// Handler executes one stage. Handlers must not change State.Stage; the
// runner owns routing.
type Handler interface {
	Stage() pipeline.Stage
	Handle(ctx context.Context, env Env) (StageResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	For pipeline.Stage
	Fn  func(ctx context.Context, env Env) (StageResult, error)
}

func (h HandlerFunc) Stage() pipeline.Stage { return h.For }

func (h HandlerFunc) Handle(ctx context.Context, env Env) (StageResult, error) {
	return h.Fn(ctx, env)
}

// applyOutput writes a replacement output back to the field the stage owns.
func applyOutput(s pipeline.TaskState, output string) pipeline.TaskState {
	if s.Stage == pipeline.StagePlan {
		return s.WithPlan(output)
	}
	return s.WithOutput(output)
}
