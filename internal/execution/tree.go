package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"go.uber.org/zap"
)

// Tree indexes execution contexts by id so the hierarchy can be walked,
// cancelled and reported on. Contexts only hold ids of their relatives.
type Tree struct {
	mu       sync.RWMutex
	contexts map[string]*ExecutionContext

	logger  *logging.Logger
	metrics *Metrics
}

// TreeOption configures a Tree.
type TreeOption func(*Tree)

// WithLogger sets the tree logger.
func WithLogger(l *logging.Logger) TreeOption {
	return func(t *Tree) {
		t.logger = l.Named("execution")
	}
}

// WithMetrics sets the tree metrics.
func WithMetrics(m *Metrics) TreeOption {
	return func(t *Tree) {
		t.metrics = m
	}
}

// NewTree returns an empty tree.
func NewTree(opts ...TreeOption) *Tree {
	t := &Tree{contexts: make(map[string]*ExecutionContext)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds a context (typically a root).
func (t *Tree) Register(ctx context.Context, ec *ExecutionContext) error {
	t.mu.Lock()
	if _, ok := t.contexts[ec.ID()]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContextExists, ec.ID())
	}
	t.contexts[ec.ID()] = ec
	t.mu.Unlock()

	t.metrics.recordCreated(ctx, ec.Depth())
	t.logger.Debug(ctx, "execution context registered",
		zap.String("context_id", ec.ID()),
		zap.String("pipeline_id", ec.PipelineID()),
		zap.Int("depth", ec.Depth()),
	)
	return nil
}

// Get returns a registered context.
func (t *Tree) Get(id string) (*ExecutionContext, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ec, ok := t.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}
	return ec, nil
}

// Children returns the registered children of id.
func (t *Tree) Children(id string) ([]*ExecutionContext, error) {
	parent, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*ExecutionContext
	for _, cid := range parent.ChildIDs() {
		if c, ok := t.contexts[cid]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Spawn creates and registers a child of parentID.
func (t *Tree) Spawn(ctx context.Context, parentID, pipelineID, taskID string, fraction float64) (*ExecutionContext, error) {
	parent, err := t.Get(parentID)
	if err != nil {
		return nil, err
	}
	child, err := parent.CreateChildContext(pipelineID, taskID, fraction)
	if err != nil {
		reason := "budget"
		if errors.Is(err, ErrDepthExceeded) {
			reason = "depth"
		}
		t.metrics.recordSpawnRejected(ctx, reason)
		t.logger.Warn(ctx, "child spawn refused",
			zap.String("parent_id", parentID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return nil, err
	}
	if err := t.Register(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// Finish completes a context with a terminal status.
func (t *Tree) Finish(ctx context.Context, id string, status Status) error {
	ec, err := t.Get(id)
	if err != nil {
		return err
	}
	if err := ec.Complete(status); err != nil {
		return err
	}
	t.metrics.recordEnded(ctx, status, ec.Budget().TokensUsed())
	t.logger.Debug(ctx, "execution context finished",
		zap.String("context_id", id),
		zap.String("status", string(status)),
	)
	return nil
}

// Cancel marks id and every non-terminal descendant cancelled and returns
// how many contexts changed. Running stages observe this cooperatively.
func (t *Tree) Cancel(ctx context.Context, id string) (int, error) {
	if _, err := t.Get(id); err != nil {
		return 0, err
	}
	cancelled := 0
	for _, ec := range t.subtree(id) {
		if ec.Status().IsTerminal() {
			continue
		}
		if err := t.Finish(ctx, ec.ID(), StatusCancelled); err == nil {
			cancelled++
		}
	}
	return cancelled, nil
}

// Usage is the summed consumption of a subtree.
type Usage struct {
	Contexts   int `json:"contexts"`
	Tokens     int `json:"tokens"`
	Iterations int `json:"iterations"`
}

// Aggregate sums consumption over id and its descendants. Budgets are
// independent, so this total may exceed the root's own limits.
func (t *Tree) Aggregate(id string) (Usage, error) {
	if _, err := t.Get(id); err != nil {
		return Usage{}, err
	}
	var u Usage
	for _, ec := range t.subtree(id) {
		u.Contexts++
		u.Tokens += ec.Budget().TokensUsed()
		u.Iterations += ec.Budget().IterationsUsed()
	}
	return u, nil
}

// Remove drops id and its descendants from the index.
func (t *Tree) Remove(id string) {
	nodes := t.subtree(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ec := range nodes {
		delete(t.contexts, ec.ID())
	}
}

// Len returns the number of registered contexts.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.contexts)
}

// subtree returns id and its registered descendants, parents first.
func (t *Tree) subtree(id string) []*ExecutionContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*ExecutionContext
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ec, ok := t.contexts[cur]
		if !ok {
			continue
		}
		out = append(out, ec)
		queue = append(queue, ec.ChildIDs()...)
	}
	return out
}
