package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/execution"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// TaskStatus is the externally visible status of a submitted task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCommitted TaskStatus = "committed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsFinal reports whether the task will not run again.
func (s TaskStatus) IsFinal() bool {
	return s == TaskCommitted || s == TaskFailed || s == TaskCancelled
}

// BudgetOverride replaces individual root budget limits. Zero fields keep
// the configured value.
type BudgetOverride struct {
	MaxTokens     int             `json:"max_tokens,omitempty"`
	MaxTime       config.Duration `json:"max_time,omitempty"`
	MaxDepth      int             `json:"max_depth,omitempty"`
	MaxParallel   int             `json:"max_parallel,omitempty"`
	MaxIterations int             `json:"max_iterations,omitempty"`
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Description   string          `json:"description"`
	SessionID     string          `json:"session_id,omitempty"`
	MaxIterations int             `json:"max_iterations,omitempty"`
	Budget        *BudgetOverride `json:"budget,omitempty"`
}

// Snapshot is a point-in-time copy of a task.
type Snapshot struct {
	ID          string                  `json:"id"`
	Status      TaskStatus              `json:"status"`
	State       pipeline.TaskState      `json:"state"`
	Context     execution.Snapshot      `json:"context"`
	Usage       execution.Usage         `json:"usage"`
	Failure     *pipeline.FailureReport `json:"failure,omitempty"`
	SubmittedAt time.Time               `json:"submitted_at"`
	FinishedAt  *time.Time              `json:"finished_at,omitempty"`
}

type task struct {
	mu          sync.Mutex
	id          string
	status      TaskStatus
	state       pipeline.TaskState
	ec          *execution.ExecutionContext
	failure     *pipeline.FailureReport
	submittedAt time.Time
	finishedAt  time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

func (t *task) observe(s pipeline.TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Manager runs submitted tasks concurrently, at most MaxConcurrentTasks at
// a time, and keeps them for inspection until the process exits.
type Manager struct {
	runner        *Runner
	limits        execution.Limits
	maxIterations int
	resumeTimeout time.Duration
	sem           *semaphore.Weighted
	logger        *logging.Logger
	now           func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.RWMutex
	tasks  map[string]*task
	closed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLimits sets the root budget of every task.
func WithLimits(l execution.Limits) ManagerOption {
	return func(m *Manager) {
		m.limits = l
	}
}

// WithMaxIterations sets the default iteration limit of task states.
func WithMaxIterations(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxIterations = n
		}
	}
}

// WithMaxConcurrent bounds how many tasks execute at once.
func WithMaxConcurrent(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithResumeTimeout bounds how long Resume waits for an operator.
func WithResumeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.resumeTimeout = d
	}
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l.Named("manager")
	}
}

// NewManager returns a manager executing tasks with runner.
func NewManager(runner *Runner, opts ...ManagerOption) *Manager {
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		runner: runner,
		limits: execution.Limits{
			MaxTokens:     100000,
			MaxTime:       30 * time.Minute,
			MaxDepth:      3,
			MaxParallel:   4,
			MaxIterations: 3,
		},
		maxIterations: 3,
		resumeTimeout: 5 * time.Minute,
		sem:           semaphore.NewWeighted(8),
		now:           time.Now,
		base:          base,
		stop:          stop,
		tasks:         make(map[string]*task),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LimitsFromConfig converts the budget section.
func LimitsFromConfig(cfg config.BudgetConfig) execution.Limits {
	return execution.Limits{
		MaxTokens:     cfg.MaxTokens,
		MaxTime:       cfg.MaxTime.Duration(),
		MaxDepth:      cfg.MaxDepth,
		MaxParallel:   cfg.MaxParallel,
		MaxIterations: cfg.MaxIterations,
	}
}

func (m *Manager) limitsFor(o *BudgetOverride) execution.Limits {
	l := m.limits
	if o == nil {
		return l
	}
	if o.MaxTokens > 0 {
		l.MaxTokens = o.MaxTokens
	}
	if o.MaxTime > 0 {
		l.MaxTime = o.MaxTime.Duration()
	}
	if o.MaxDepth > 0 {
		l.MaxDepth = o.MaxDepth
	}
	if o.MaxParallel > 0 {
		l.MaxParallel = o.MaxParallel
	}
	if o.MaxIterations > 0 {
		l.MaxIterations = o.MaxIterations
	}
	return l
}

// Submit registers a task and starts it in the background.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Snapshot, error) {
	if strings.TrimSpace(req.Description) == "" {
		return Snapshot{}, fmt.Errorf("%w: description is required", ErrInvalidTask)
	}
	if req.MaxIterations < 0 {
		return Snapshot{}, fmt.Errorf("%w: max_iterations must not be negative", ErrInvalidTask)
	}
	limits := m.limitsFor(req.Budget)
	if err := limits.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrShuttingDown
	}
	id := "task_" + uuid.New().String()
	session := req.SessionID
	if session == "" {
		session = "sess_" + uuid.New().String()[:8]
	}
	maxIter := req.MaxIterations
	if maxIter == 0 {
		maxIter = m.maxIterations
	}
	ec := execution.NewExecutionContext("default", id, execution.NewResourceBudget(limits))
	t := &task{
		id:          id,
		status:      TaskQueued,
		state:       pipeline.NewTaskState(id, session, req.Description, maxIter),
		ec:          ec,
		submittedAt: m.now().UTC(),
	}
	m.tasks[id] = t
	m.mu.Unlock()

	if err := m.runner.tree.Register(ctx, ec); err != nil {
		m.mu.Lock()
		delete(m.tasks, id)
		m.mu.Unlock()
		return Snapshot{}, err
	}

	s := t.state
	m.runner.record(ctx, s, audit.EventTaskSubmitted, req.Description, map[string]any{
		"max_iterations": maxIter,
		"max_tokens":     limits.MaxTokens,
		"max_depth":      limits.MaxDepth,
	})
	m.runner.publish(ctx, s, "submitted", nil)
	m.logger.Info(ctx, "task submitted", zap.String("task_id", id), zap.String("session_id", session))

	m.launch(t, func(ctx context.Context) (pipeline.TaskState, error) {
		return m.runner.Run(ctx, s, ec, t.observe)
	})
	return m.snapshot(t), nil
}

// launch runs fn on its own goroutine once a slot is free. The run context
// is detached from the caller so a task outlives the request submitting it.
func (m *Manager) launch(t *task, fn func(ctx context.Context) (pipeline.TaskState, error)) {
	ctx, cancel := context.WithCancel(m.base)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		defer cancel()

		// A task cancelled while queued still runs, and the runner settles
		// it as cancelled without executing a stage.
		if err := m.sem.Acquire(ctx, 1); err == nil {
			defer m.sem.Release(1)
		}
		t.mu.Lock()
		t.status = TaskRunning
		t.mu.Unlock()
		TasksRunning.Inc()
		defer TasksRunning.Dec()

		s, err := fn(ctx)
		if m.settle(ctx, t, s, err) {
			s, err = m.finishCancelled(ctx, t, s)
			m.settle(ctx, t, s, err)
		}
	}()
}

// finishCancelled settles a paused task whose cancel arrived while it was
// still running, dropping the escalation it paused on.
func (m *Manager) finishCancelled(ctx context.Context, t *task, s pipeline.TaskState) (pipeline.TaskState, error) {
	if m.runner.checkpoint != nil {
		m.runner.checkpoint.Withdraw(ctx, s)
	}
	return m.runner.finish(ctx, cancelledAt(s), t.ec, t.observe)
}

// settle records the outcome of a run. It reports true, leaving the task
// running, when s paused but the execution context was cancelled in the
// meantime; the caller then settles the cancel.
func (m *Manager) settle(ctx context.Context, t *task, s pipeline.TaskState, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	switch {
	case s.HumanPaused && !s.IsTerminal():
		if t.ec.Status() == execution.StatusCancelled {
			return true
		}
		t.status = TaskPaused
		return false
	case s.Stage == pipeline.StageCommit:
		t.status = TaskCommitted
	case t.ec.Status() == execution.StatusCancelled:
		t.status = TaskCancelled
	default:
		t.status = TaskFailed
	}
	if t.status != TaskCommitted {
		report := pipeline.NewFailureReport(s)
		t.failure = &report
	}
	t.finishedAt = m.now().UTC()
	TasksFinished.WithLabelValues(string(t.status)).Inc()
	m.logger.Debug(ctx, "task settled",
		zap.String("task_id", t.id),
		zap.String("status", string(t.status)),
		zap.NamedError("run_error", err),
	)
	return false
}

func (m *Manager) get(id string) (*task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

func (m *Manager) snapshot(t *task) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:          t.id,
		Status:      t.status,
		State:       t.state.Clone(),
		Context:     t.ec.Snapshot(),
		Failure:     t.failure,
		SubmittedAt: t.submittedAt,
	}
	if u, err := m.runner.tree.Aggregate(t.ec.ID()); err == nil {
		s.Usage = u
	}
	if !t.finishedAt.IsZero() {
		f := t.finishedAt
		s.FinishedAt = &f
	}
	return s
}

// Get returns a snapshot of task id.
func (m *Manager) Get(id string) (Snapshot, error) {
	t, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return m.snapshot(t), nil
}

// List returns snapshots of every task, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, len(tasks))
	for i, t := range tasks {
		out[i] = m.snapshot(t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Wait blocks until task id stops running: it finished or paused.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	t, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	select {
	case <-done:
		return m.snapshot(t), nil
	case <-ctx.Done():
		return m.snapshot(t), ctx.Err()
	}
}

// Cancel stops task id cooperatively. The task and its child contexts are
// marked cancelled at once; the running stage notices through its context
// and the runner settles the task before the next stage.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	status, cancel, state := t.status, t.cancel, t.state
	t.mu.Unlock()
	if status.IsFinal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, status)
	}

	n, err := m.runner.tree.Cancel(ctx, t.ec.ID())
	if err != nil {
		return err
	}
	m.logger.Info(ctx, "task cancel requested", zap.String("task_id", id), zap.Int("contexts", n))

	// The run may have paused since status was read. A pause settled before
	// the cancel above is finished here; a later one is finished by launch.
	t.mu.Lock()
	status, state = t.status, t.state
	t.mu.Unlock()
	if status == TaskPaused {
		// Nothing is running; settle here.
		s, err := m.finishCancelled(ctx, t, state)
		m.settle(ctx, t, s, err)
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Resume continues a paused task in the background.
func (m *Manager) Resume(ctx context.Context, id string) (Snapshot, error) {
	t, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return Snapshot{}, ErrShuttingDown
	}

	t.mu.Lock()
	if t.status != TaskPaused {
		status := t.status
		t.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s is %s", ErrTaskNotPaused, id, status)
	}
	t.status = TaskQueued
	s := t.state
	t.mu.Unlock()

	m.logger.Info(ctx, "resuming task", zap.String("task_id", id), zap.String("escalation_id", s.PausedEscalationID))
	m.launch(t, func(ctx context.Context) (pipeline.TaskState, error) {
		return m.runner.Resume(ctx, s, t.ec, m.resumeTimeout, t.observe)
	})
	return m.snapshot(t), nil
}

// Shutdown stops accepting tasks and waits for running ones. When ctx
// ends first, running tasks are cancelled and Shutdown waits for them to
// settle.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
	}

	m.logger.Warn(ctx, "shutdown deadline reached, cancelling running tasks")
	m.mu.RLock()
	for _, t := range m.tasks {
		t.mu.Lock()
		running := t.status == TaskRunning || t.status == TaskQueued
		t.mu.Unlock()
		if running {
			_, _ = m.runner.tree.Cancel(context.Background(), t.ec.ID())
		}
	}
	m.mu.RUnlock()
	m.stop()
	<-done
	return ctx.Err()
}
