package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/escalation"
	"github.com/fyrsmithlabs/cogflow/internal/events"
	"github.com/fyrsmithlabs/cogflow/internal/execution"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/memory"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("cogflow.engine")

// Observer receives every intermediate state of a task.
type Observer func(pipeline.TaskState)

// Runner drives single tasks. It is safe for concurrent use; all per-task
// data lives in the state and execution context passed in.
type Runner struct {
	router        *pipeline.Router
	handlers      map[pipeline.Stage]Handler
	gateway       *memory.Gateway
	checkpoint    *escalation.Checkpoint
	recorder      *audit.Recorder
	events        events.Publisher
	tree          *execution.Tree
	publisherID   string
	stageTimeout  time.Duration
	childFraction float64
	logger        *logging.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCheckpoint enables human review at the checkpoint's stages.
func WithCheckpoint(c *escalation.Checkpoint) RunnerOption {
	return func(r *Runner) {
		r.checkpoint = c
	}
}

// WithRecorder records the audit trail of every task.
func WithRecorder(rec *audit.Recorder) RunnerOption {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithEvents publishes task lifecycle events.
func WithEvents(p events.Publisher) RunnerOption {
	return func(r *Runner) {
		if p != nil {
			r.events = p
		}
	}
}

// WithTree registers execution contexts, including children, in t.
func WithTree(t *execution.Tree) RunnerOption {
	return func(r *Runner) {
		r.tree = t
	}
}

// WithPublisher sets the commit authority assigned to every task.
func WithPublisher(id string) RunnerOption {
	return func(r *Runner) {
		r.publisherID = id
	}
}

// WithStageTimeout bounds each handler call. Checkpoint waits are not
// included.
func WithStageTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.stageTimeout = d
	}
}

// WithChildFraction sets the share of remaining budget given to children.
func WithChildFraction(f float64) RunnerOption {
	return func(r *Runner) {
		r.childFraction = f
	}
}

// WithLogger sets the runner logger.
func WithLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l.Named("engine")
	}
}

// NewRunner returns a runner routing with router and executing handlers.
// Every transient stage needs a handler; a commit handler is optional.
func NewRunner(router *pipeline.Router, gateway *memory.Gateway, handlers []Handler, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		router:        router,
		handlers:      make(map[pipeline.Stage]Handler, len(handlers)),
		gateway:       gateway,
		recorder:      audit.NewRecorder(audit.NewMemoryStore()),
		events:        events.Nop{},
		tree:          execution.NewTree(),
		publisherID:   memory.DefaultCommitAuthority,
		childFraction: 0.25,
	}
	for _, h := range handlers {
		r.handlers[h.Stage()] = h
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, st := range []pipeline.Stage{pipeline.StageAnalyze, pipeline.StagePlan, pipeline.StageExecute, pipeline.StageValidate} {
		if _, ok := r.handlers[st]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, st)
		}
	}
	return r, nil
}

// Tree returns the execution context index.
func (r *Runner) Tree() *execution.Tree {
	return r.tree
}

// Recorder returns the audit recorder.
func (r *Runner) Recorder() *audit.Recorder {
	return r.recorder
}

// Run executes s from its current stage until it is terminal or paused.
// ec must be registered in the runner's tree. The returned error is
// non-nil only when the task did not commit.
func (r *Runner) Run(ctx context.Context, s pipeline.TaskState, ec *execution.ExecutionContext, observe Observer) (pipeline.TaskState, error) {
	ctx = taskContext(ctx, s)
	if ec.Status() == execution.StatusPending {
		if err := ec.Start(); err != nil {
			return s, err
		}
	}
	r.gateway.SetCommitAuthority(s.TaskID, r.publisherID)
	return r.loop(ctx, s, ec, observe)
}

// Resume continues a task paused on an escalation. It waits up to timeout
// for the operator, applies the answer and runs the task on.
func (r *Runner) Resume(ctx context.Context, s pipeline.TaskState, ec *execution.ExecutionContext, timeout time.Duration, observe Observer) (pipeline.TaskState, error) {
	if !s.HumanPaused || r.checkpoint == nil {
		return s, fmt.Errorf("%w: %s", ErrTaskNotPaused, s.TaskID)
	}
	ctx = taskContext(ctx, s)
	res, err := r.checkpoint.Resume(ctx, s, stageOutput(s), timeout)
	before := s
	s, rerun := r.afterReview(ctx, s, res, err)
	if cancelled(ctx, ec) {
		r.checkpoint.Withdraw(ctx, s)
		return r.finish(ctx, cancelledAt(before), ec, observe)
	}
	notify(observe, s)
	switch {
	case s.HumanPaused:
		return s, nil
	case s.Failed:
		return r.finish(ctx, s.WithStage(pipeline.StageFail), ec, observe)
	case !rerun:
		s = r.advance(ctx, s, ec)
		notify(observe, s)
	}
	return r.loop(ctx, s, ec, observe)
}

func taskContext(ctx context.Context, s pipeline.TaskState) context.Context {
	ctx = logging.WithTaskID(ctx, s.TaskID)
	if s.SessionID != "" {
		ctx = logging.WithSessionID(ctx, s.SessionID)
	}
	if logging.CorrelationIDFromContext(ctx) == "" {
		ctx = logging.WithCorrelationID(ctx, s.TaskID)
	}
	return ctx
}

// cancelled reports whether the task was cancelled, either through its run
// context or by marking its execution context.
func cancelled(ctx context.Context, ec *execution.ExecutionContext) bool {
	return ctx.Err() != nil || ec.Status() == execution.StatusCancelled
}

// cancelledAt settles s as cancelled, whatever the interrupted step left.
func cancelledAt(s pipeline.TaskState) pipeline.TaskState {
	return s.WithResumed().WithStage(pipeline.StageFail).WithFailure(ErrCancelled.Error())
}

func notify(observe Observer, s pipeline.TaskState) {
	if observe != nil {
		observe(s)
	}
}

func (r *Runner) loop(ctx context.Context, s pipeline.TaskState, ec *execution.ExecutionContext, observe Observer) (pipeline.TaskState, error) {
	for !s.IsTerminal() {
		if cancelled(ctx, ec) {
			if s.HumanPaused && r.checkpoint != nil {
				r.checkpoint.Withdraw(ctx, s)
			}
			return r.finish(ctx, cancelledAt(s), ec, observe)
		}
		if reason, exhausted := ec.Budget().ExhaustedBy(); exhausted {
			failed := s.WithStage(pipeline.StageFail).
				WithFailure(fmt.Sprintf("%s: %s", execution.ErrBudgetExhausted, reason))
			return r.finish(ctx, failed, ec, observe)
		}

		s = r.step(ctx, s, ec)
		notify(observe, s)
		if s.HumanPaused && !cancelled(ctx, ec) {
			r.logger.Info(ctx, "task paused for operator",
				zap.String("stage", string(s.Stage)),
				zap.String("escalation_id", s.PausedEscalationID),
			)
			r.publish(ctx, s, "paused", map[string]any{"escalation_id": s.PausedEscalationID})
			return s, nil
		}
	}
	return r.finish(ctx, s, ec, observe)
}

// step runs the current stage, reviews it and routes on.
func (r *Runner) step(ctx context.Context, s pipeline.TaskState, ec *execution.ExecutionContext) pipeline.TaskState {
	res, err := r.runStage(ctx, s, ec)
	if err != nil {
		if cancelled(ctx, ec) {
			// The stage was interrupted; report the cancel, not its symptom.
			return cancelledAt(s)
		}
		return s.WithFailure(err.Error()).WithStage(pipeline.StageFail)
	}
	s = res.State

	if r.checkpoint != nil && r.checkpoint.Applies(s.Stage) {
		review, err := r.checkpoint.Review(ctx, s, res.Output)
		reviewed, rerun := r.afterReview(ctx, s, review, err)
		if cancelled(ctx, ec) {
			// A cancel ends the wait without a fallback, but a pause may
			// have landed just before it.
			r.checkpoint.Withdraw(ctx, reviewed)
			return cancelledAt(s)
		}
		s = reviewed
		if s.HumanPaused || rerun {
			return s
		}
	}
	return r.advance(ctx, s, ec)
}

// afterReview folds a checkpoint result into s. rerun is set when guidance
// asks for the current stage to be done again.
func (r *Runner) afterReview(ctx context.Context, s pipeline.TaskState, res escalation.Result, err error) (pipeline.TaskState, bool) {
	CheckpointOutcomes.WithLabelValues(string(s.Stage), string(res.Outcome)).Inc()
	if res.Escalation != nil {
		r.record(ctx, s, audit.EventEscalationCreated, res.Escalation.Question, map[string]any{
			"escalation_id": res.Escalation.ID,
			"priority":      string(res.Escalation.Priority),
			"confidence":    res.Score.Overall,
		})
	}
	if res.Response != nil {
		r.record(ctx, s, audit.EventEscalationResolved, "operator responded", map[string]any{
			"escalation_id": res.Escalation.ID,
			"response_type": string(res.Response.Type),
			"responder":     res.Response.Responder,
		})
	}

	next := res.State
	if next.TaskID == "" {
		// Review failed before producing a state.
		next = s
	}
	if err != nil {
		return next.WithResumed().WithFailure(err.Error()), false
	}

	switch res.Outcome {
	case escalation.OutcomeModified:
		next = applyOutput(next, res.Output)
	case escalation.OutcomeReplan:
		if next.Stage == pipeline.StageValidate {
			// Guidance overrides an approving verdict.
			next = next.Clone()
			next.Validated = false
			return next, false
		}
		return next.WithReplan(false), true
	}
	return next, false
}

// advance applies failure dominance and the iteration counter, then asks
// the router for the next stage. Reaching commit runs the commit handler.
func (r *Runner) advance(ctx context.Context, s pipeline.TaskState, ec *execution.ExecutionContext) pipeline.TaskState {
	if s.Failed {
		r.recordRoute(ctx, s, pipeline.Decision{From: s.Stage, To: pipeline.StageFail, Condition: pipeline.CondIsFailed})
		return s.WithStage(pipeline.StageFail)
	}
	if s.Stage == pipeline.StageValidate {
		s = s.WithIteration()
		ec.Budget().IncrementIteration()
	}

	next, d, err := r.router.Advance(ctx, s)
	if err != nil {
		return s.WithFailure(fmt.Sprintf("routing from %s: %v", s.Stage, err)).WithStage(pipeline.StageFail)
	}
	r.recordRoute(ctx, s, d)

	if next.Stage == pipeline.StageCommit {
		committed, err := r.commit(ctx, next, ec)
		if err != nil {
			return s.WithFailure(err.Error()).WithStage(pipeline.StageFail)
		}
		return committed
	}
	return next
}

func (r *Runner) commit(ctx context.Context, s pipeline.TaskState, ec *execution.ExecutionContext) (pipeline.TaskState, error) {
	if _, ok := r.handlers[pipeline.StageCommit]; !ok {
		return s, nil
	}
	res, err := r.runStage(ctx, s, ec)
	if err != nil {
		return s, err
	}
	return res.State.WithStage(pipeline.StageCommit), nil
}

// runStage calls the handler of s.Stage under the stage timeout.
func (r *Runner) runStage(ctx context.Context, s pipeline.TaskState, ec *execution.ExecutionContext) (StageResult, error) {
	h, ok := r.handlers[s.Stage]
	if !ok {
		return StageResult{}, &StageError{Stage: s.Stage, Err: ErrNoHandler}
	}

	ctx = logging.WithStage(ctx, string(s.Stage))
	ctx, span := tracer.Start(ctx, "Stage."+string(s.Stage))
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", s.TaskID),
		attribute.Int("iteration", s.Iteration),
		attribute.Int("depth", ec.Depth()),
	)
	if r.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.stageTimeout)
		defer cancel()
	}

	ec.VisitStage(string(s.Stage))
	r.record(ctx, s, audit.EventStageStarted, "stage started", nil)
	r.publish(ctx, s, "stage", nil)

	start := time.Now()
	tokensBefore := ec.Budget().TokensUsed()
	res, err := h.Handle(ctx, Env{State: s, Exec: ec, Children: r})
	elapsed := time.Since(start)
	if err == nil && res.State.Stage != s.Stage {
		err = fmt.Errorf("handler moved the task to %s", res.State.Stage)
	}
	if err != nil {
		StageDuration.WithLabelValues(string(s.Stage), "error").Observe(elapsed.Seconds())
		serr := &StageError{Stage: s.Stage, Err: err}
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		r.logger.Warn(ctx, "stage failed", zap.Error(err), zap.Duration("duration", elapsed))
		return StageResult{}, serr
	}

	StageDuration.WithLabelValues(string(s.Stage), "ok").Observe(elapsed.Seconds())
	span.SetStatus(codes.Ok, "success")
	tokens := ec.Budget().TokensUsed() - tokensBefore
	r.recordEntry(ctx, s, audit.Entry{
		EventType:   audit.EventStageCompleted,
		Description: "stage completed",
		DurationMS:  elapsed.Milliseconds(),
		TokenCount:  tokens,
	})
	r.logger.Debug(ctx, "stage completed", zap.Duration("duration", elapsed), zap.Int("tokens", tokens))
	return res, nil
}

// RunChild spawns a child context from the parent's budget and runs a
// nested pipeline to completion.
func (r *Runner) RunChild(ctx context.Context, parent Env, description string) (pipeline.TaskState, error) {
	childID := parent.State.TaskID + "/" + uuid.New().String()[:8]
	ec, err := r.tree.Spawn(ctx, parent.Exec.ID(), parent.Exec.PipelineID(), childID, r.childFraction)
	if err != nil {
		return pipeline.TaskState{}, err
	}
	r.record(ctx, parent.State, audit.EventChildSpawned, description, map[string]any{
		"child_task_id":    childID,
		"child_context_id": ec.ID(),
		"depth":            ec.Depth(),
		"max_tokens":       ec.Budget().Limits().MaxTokens,
	})

	// The child keeps the parent's routing limit; its smaller budget is what
	// stops it early.
	s := pipeline.NewTaskState(childID, parent.State.SessionID, description, parent.State.MaxIterations)
	s = s.WithMetadata("parent_task_id", parent.State.TaskID)
	child, err := r.Run(ctx, s, ec, nil)
	if child.HumanPaused {
		// Children cannot outlive the parent stage waiting on them.
		return child, fmt.Errorf("child %s paused for an operator", childID)
	}
	return child, err
}

// finish settles a terminal task: the execution context gets its final
// status and the outcome lands in the audit trail.
func (r *Runner) finish(ctx context.Context, s pipeline.TaskState, ec *execution.ExecutionContext, observe Observer) (pipeline.TaskState, error) {
	// A cancelled task still gets its trail written.
	ctx = context.WithoutCancel(ctx)
	defer r.gateway.ReleaseTask(s.TaskID)
	notify(observe, s)

	status := execution.StatusCompleted
	switch {
	case s.Stage == pipeline.StageCommit:
	case ec.Status() == execution.StatusCancelled || s.Error == ErrCancelled.Error():
		status = execution.StatusCancelled
	case strings.HasPrefix(s.Error, execution.ErrBudgetExhausted.Error()):
		status = execution.StatusBudgetExhausted
	default:
		status = execution.StatusFailed
	}
	if !ec.Status().IsTerminal() {
		if err := r.tree.Finish(ctx, ec.ID(), status); err != nil {
			r.logger.Warn(ctx, "finishing execution context", zap.Error(err))
		}
	}

	if s.Stage == pipeline.StageCommit {
		r.record(ctx, s, audit.EventTaskCommitted, "task committed", map[string]any{
			"iteration": s.Iteration,
			"artifacts": s.Artifacts,
		})
		r.publish(ctx, s, "committed", nil)
		r.logger.Info(ctx, "task committed", zap.Int("iteration", s.Iteration))
		return s, nil
	}

	report := pipeline.NewFailureReport(s)
	event := audit.EventTaskFailed
	if status == execution.StatusCancelled {
		event = audit.EventTaskCancelled
	}
	r.record(ctx, s, event, report.Reason, report.Data())
	r.writeFailureReport(ctx, s, report)
	r.publish(ctx, s, string(event), report.Data())
	r.logger.Warn(ctx, "task failed",
		zap.String("reason", report.Reason),
		zap.Int("iteration", report.Iteration),
		zap.Int("validation_attempts", report.ValidationAttempts),
		zap.String("status", string(status)),
	)

	err := fmt.Errorf("%s", report.Reason)
	if status == execution.StatusCancelled {
		err = ErrCancelled
	}
	return s, err
}

// writeFailureReport keeps the report in audit memory through the gateway.
func (r *Runner) writeFailureReport(ctx context.Context, s pipeline.TaskState, report pipeline.FailureReport) {
	a := memory.NewArtifact(s.TaskID, memory.KindAudit, "text/plain", report.String(), r.gateway.SystemWriter()).
		WithMetadata("kind", "failure_report").
		WithMetadata("iteration", strconv.Itoa(report.Iteration))
	if err := r.gateway.Write(ctx, a, r.gateway.SystemWriter()); err != nil && !errors.Is(err, memory.ErrNoBackend) {
		r.logger.Error(ctx, "failure report not stored", zap.Error(err))
	}
}

func (r *Runner) recordRoute(ctx context.Context, s pipeline.TaskState, d pipeline.Decision) {
	RouteDecisions.WithLabelValues(string(d.From), string(d.To), strconv.FormatBool(d.Anomalous)).Inc()
	r.record(ctx, s, audit.EventRouteDecided, fmt.Sprintf("%s -> %s", d.From, d.To), map[string]any{
		"condition": d.Condition,
		"anomalous": d.Anomalous,
		"iteration": s.Iteration,
	})
}

func (r *Runner) record(ctx context.Context, s pipeline.TaskState, event audit.EventType, description string, data map[string]any) {
	r.recordEntry(ctx, s, audit.Entry{EventType: event, Description: description, Data: data})
}

// recordEntry appends to the audit trail. The recorder logs failures; a
// task does not fail because its trail could not be written.
func (r *Runner) recordEntry(ctx context.Context, s pipeline.TaskState, e audit.Entry) {
	e.TaskID = s.TaskID
	e.SessionID = s.SessionID
	e.AgentName = "engine"
	e.NodeName = string(s.Stage)
	if e.Context == nil {
		e.Context = map[string]any{"iteration": s.Iteration}
	}
	_, _ = r.recorder.Record(ctx, e)
}

func (r *Runner) publish(ctx context.Context, s pipeline.TaskState, event string, data map[string]any) {
	err := r.events.PublishTask(ctx, events.TaskEvent{
		TaskID:    s.TaskID,
		SessionID: s.SessionID,
		Event:     event,
		Stage:     string(s.Stage),
		Data:      data,
	})
	if err != nil {
		r.logger.Warn(ctx, "task event not published", zap.String("event", event), zap.Error(err))
	}
}

// stageOutput returns what the checkpoint reviewed at s.Stage.
func stageOutput(s pipeline.TaskState) string {
	if s.Stage == pipeline.StagePlan {
		return s.Plan
	}
	return s.Output
}
