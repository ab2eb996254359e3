package engine

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
)

var (
	ErrStageFailure  = errors.New("stage failed")
	ErrNoHandler     = errors.New("no handler registered for stage")
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskNotPaused = errors.New("task is not paused")
	ErrTaskFinished  = errors.New("task already finished")
	ErrShuttingDown  = errors.New("engine is shutting down")
	ErrInvalidTask   = errors.New("invalid task request")
	ErrCancelled     = errors.New("task cancelled")
)

// StageError reports a handler failure. It matches ErrStageFailure.
type StageError struct {
	Stage pipeline.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrStageFailure, e.Err}
}
