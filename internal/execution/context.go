package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionContext pairs a ResourceBudget with task and pipeline identity.
// It is the unit of hierarchical tracking: nested pipelines get child
// contexts linked by id.
type ExecutionContext struct {
	mu sync.RWMutex

	id         string
	pipelineID string
	taskID     string
	depth      int
	parentID   string
	childIDs   []string
	budget     *ResourceBudget
	status     Status
	startedAt  time.Time
	endedAt    time.Time
	stages     []string

	now func() time.Time
}

// NewExecutionContext creates a root context in pending status.
func NewExecutionContext(pipelineID, taskID string, budget *ResourceBudget) *ExecutionContext {
	return &ExecutionContext{
		id:         newContextID(),
		pipelineID: pipelineID,
		taskID:     taskID,
		depth:      budget.CurrentDepth(),
		budget:     budget,
		status:     StatusPending,
		now:        budget.now,
	}
}

func newContextID() string {
	return "ctx_" + uuid.New().String()[:8]
}

func (c *ExecutionContext) ID() string              { return c.id }
func (c *ExecutionContext) PipelineID() string      { return c.pipelineID }
func (c *ExecutionContext) TaskID() string          { return c.taskID }
func (c *ExecutionContext) Depth() int              { return c.depth }
func (c *ExecutionContext) Budget() *ResourceBudget { return c.budget }

// ParentID returns the parent context id; ok is false for a root context.
func (c *ExecutionContext) ParentID() (id string, ok bool) {
	return c.parentID, c.parentID != ""
}

// ChildIDs returns a copy of the registered child ids.
func (c *ExecutionContext) ChildIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.childIDs...)
}

// Status returns the current status.
func (c *ExecutionContext) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// CanSpawnChild reports depth < max_depth and the budget is not exhausted.
func (c *ExecutionContext) CanSpawnChild() bool {
	return c.depth < c.budget.Limits().MaxDepth && !c.budget.IsExhausted()
}

// CreateChildContext allocates a child budget with AllocateChild(fraction),
// links the child to c and registers its id on c.
func (c *ExecutionContext) CreateChildContext(pipelineID, taskID string, fraction float64) (*ExecutionContext, error) {
	if c.depth >= c.budget.Limits().MaxDepth {
		return nil, fmt.Errorf("%w: depth %d, max %d", ErrDepthExceeded, c.depth, c.budget.Limits().MaxDepth)
	}
	if reason, exhausted := c.budget.ExhaustedBy(); exhausted {
		return nil, fmt.Errorf("%w: %s", ErrBudgetExhausted, reason)
	}

	child := NewExecutionContext(pipelineID, taskID, c.budget.AllocateChild(fraction))
	child.depth = c.depth + 1
	child.parentID = c.id

	c.mu.Lock()
	c.childIDs = append(c.childIDs, child.id)
	c.mu.Unlock()
	return child, nil
}

// Start moves pending to running and records the start time.
func (c *ExecutionContext) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(StatusRunning); err != nil {
		return err
	}
	c.startedAt = c.now()
	return nil
}

// Complete moves the context to a terminal status and records the end time.
func (c *ExecutionContext) Complete(status Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(status); err != nil {
		return err
	}
	c.endedAt = c.now()
	return nil
}

func (c *ExecutionContext) transition(target Status) error {
	if !c.status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, target)
	}
	c.status = target
	return nil
}

// ExecutionTime returns the run duration once both timestamps are set.
func (c *ExecutionContext) ExecutionTime() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.startedAt.IsZero() || c.endedAt.IsZero() {
		return 0, false
	}
	return c.endedAt.Sub(c.startedAt), true
}

// VisitStage appends a stage to the visit history.
func (c *ExecutionContext) VisitStage(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, stage)
}

// StagesVisited returns a copy of the visit history.
func (c *ExecutionContext) StagesVisited() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.stages...)
}

// Snapshot is a JSON-friendly copy of an ExecutionContext.
type Snapshot struct {
	ID            string         `json:"id"`
	PipelineID    string         `json:"pipeline_id"`
	TaskID        string         `json:"task_id"`
	Depth         int            `json:"depth"`
	ParentID      string         `json:"parent_id,omitempty"`
	ChildIDs      []string       `json:"child_ids,omitempty"`
	Status        Status         `json:"status"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	StagesVisited []string       `json:"stages_visited"`
	Budget        BudgetSnapshot `json:"budget"`
}

// Snapshot copies the context state.
func (c *ExecutionContext) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{
		ID:            c.id,
		PipelineID:    c.pipelineID,
		TaskID:        c.taskID,
		Depth:         c.depth,
		ParentID:      c.parentID,
		ChildIDs:      append([]string(nil), c.childIDs...),
		Status:        c.status,
		StagesVisited: append([]string(nil), c.stages...),
		Budget:        c.budget.Snapshot(),
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		s.StartedAt = &t
	}
	if !c.endedAt.IsZero() {
		t := c.endedAt
		s.CompletedAt = &t
	}
	return s
}
