package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/escalation"
	"github.com/fyrsmithlabs/cogflow/internal/execution"
	"github.com/fyrsmithlabs/cogflow/internal/generator"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/memory"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// script answers generator calls by stage, recognised from the system
// prompt. Verdicts are consumed in order; the last one repeats.
type script struct {
	mu       sync.Mutex
	plan     string
	verdicts []string
	tokens   int
	failOn   string
	calls    map[string]int
	// gate, when set, holds execute until it is closed.
	gate chan struct{}
}

func (s *script) handle(msgs []generator.Message) (generator.Response, error) {
	if s.gate != nil && stageOf(msgs[0].Content) == "execute" {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	stage := stageOf(msgs[0].Content)
	s.calls[stage]++
	if stage == s.failOn {
		return generator.Response{}, errors.New("model unavailable")
	}

	resp := generator.Response{InputTokens: s.tokens}
	switch stage {
	case "analyze":
		resp.Text = "Goal: write a summary.\n- read the report\n- summarise it"
	case "plan":
		resp.Text = s.plan
		if resp.Text == "" {
			resp.Text = "1. Read the report.\n2. Summarise it."
		}
	case "execute":
		resp.Text = "The report says revenue grew."
	case "validate":
		i := min(s.calls[stage]-1, len(s.verdicts)-1)
		resp.Text = s.verdicts[i]
	}
	return resp, nil
}

func (s *script) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func stageOf(system string) string {
	switch {
	case strings.HasPrefix(system, "You analyze"):
		return "analyze"
	case strings.HasPrefix(system, "You write execution plans"):
		return "plan"
	case strings.HasPrefix(system, "You carry out"):
		return "execute"
	case strings.HasPrefix(system, "You review the output of an automated"):
		return "validate"
	}
	return "unknown"
}

const (
	approve = `{"valid": true, "feedback": ""}`
	reject  = `{"valid": false, "feedback": "missing numbers"}`
)

type harness struct {
	script   *script
	gateway  *memory.Gateway
	registry *memory.Registry
	store    *audit.MemoryStore
	tree     *execution.Tree
	runner   *Runner
	logger   *logging.TestLogger
}

func newHarness(t *testing.T, sc *script, opts ...RunnerOption) *harness {
	t.Helper()
	h := &harness{
		script:   sc,
		registry: memory.NewRegistry(),
		store:    audit.NewMemoryStore(),
		tree:     execution.NewTree(),
		logger:   logging.NewTestLogger(),
	}
	require.NoError(t, h.registry.Register(memory.KindPrivateEphemeral, memory.NewInMemoryBackend()))
	require.NoError(t, h.registry.Register(memory.KindSharedSemantic, memory.NewInMemoryBackend()))
	require.NoError(t, h.registry.Register(memory.KindSharedProcedural, memory.NewInMemoryBackend()))
	require.NoError(t, h.registry.Register(memory.KindAudit, memory.NewAuditBackend(h.store)))
	h.gateway = memory.NewGateway(h.registry)

	stages := NewStages(&generator.Fake{Handler: sc.handle}, h.gateway, nil, WithStagesLogger(h.logger.Logger))
	base := []RunnerOption{
		WithRecorder(audit.NewRecorder(h.store)),
		WithTree(h.tree),
		WithLogger(h.logger.Logger),
	}
	r, err := NewRunner(pipeline.NewDefaultRouter(), h.gateway, stages.Handlers(), append(base, opts...)...)
	require.NoError(t, err)
	h.runner = r
	return h
}

func testLimits() execution.Limits {
	return execution.Limits{MaxTokens: 100000, MaxTime: time.Minute, MaxDepth: 2, MaxParallel: 2, MaxIterations: 3}
}

func (h *harness) start(t *testing.T, limits execution.Limits) (pipeline.TaskState, *execution.ExecutionContext) {
	t.Helper()
	ec := execution.NewExecutionContext("default", "task-1", execution.NewResourceBudget(limits))
	require.NoError(t, h.tree.Register(context.Background(), ec))
	return pipeline.NewTaskState("task-1", "sess-1", "summarise the quarterly report", limits.MaxIterations), ec
}

func (h *harness) events(t *testing.T, taskID string, event audit.EventType) []audit.Entry {
	t.Helper()
	entries, err := h.store.Query(context.Background(), audit.Filter{TaskID: taskID, EventType: event})
	require.NoError(t, err)
	return entries
}

func TestNewRunner_RequiresTransientHandlers(t *testing.T) {
	_, err := NewRunner(pipeline.NewDefaultRouter(), memory.NewGateway(memory.NewRegistry()), nil)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestRunner_CommitPath(t *testing.T) {
	h := newHarness(t, &script{verdicts: []string{approve}, tokens: 10})
	s, ec := h.start(t, testLimits())

	var observed []pipeline.Stage
	final, err := h.runner.Run(context.Background(), s, ec, func(s pipeline.TaskState) {
		observed = append(observed, s.Stage)
	})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StageCommit, final.Stage)
	assert.True(t, final.Validated)
	assert.Equal(t, 1, final.Iteration)
	assert.Equal(t, 1, final.ValidationAttempts)
	assert.Len(t, final.Subtasks, 2)
	assert.Equal(t, "task-1-1", final.Subtasks[0].ID)
	assert.Equal(t, []string{"analyze", "plan", "execute", "validate", "commit"}, ec.StagesVisited())
	assert.Equal(t, execution.StatusCompleted, ec.Status())
	assert.Equal(t, pipeline.StageCommit, observed[len(observed)-1])
	assert.Equal(t, 40, ec.Budget().TokensUsed())

	semantic, err := h.registry.Get(memory.KindSharedSemantic)
	require.NoError(t, err)
	published, err := semantic.ListByTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.True(t, published[0].Validated)
	assert.Equal(t, ValidatorID, published[0].ValidatedBy)
	assert.Equal(t, "The report says revenue grew.", published[0].Content)
	assert.Contains(t, final.Artifacts, published[0].ID)

	procedural, err := h.registry.Get(memory.KindSharedProcedural)
	require.NoError(t, err)
	plans, err := procedural.ListByTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Len(t, plans, 1)

	private, err := h.registry.Get(memory.KindPrivateEphemeral)
	require.NoError(t, err)
	scratch, err := private.ListByTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Len(t, scratch, 3, "analyze, plan and execute keep scratch copies")

	assert.Len(t, h.events(t, "task-1", audit.EventTaskCommitted), 1)
	assert.Len(t, h.events(t, "task-1", audit.EventStageCompleted), 5)
	assert.Equal(t, memory.DefaultCommitAuthority, h.gateway.CommitAuthority("task-1"), "authority released")
}

func TestRunner_ReplanUntilIterationsExhausted(t *testing.T) {
	sc := &script{verdicts: []string{reject}}
	h := newHarness(t, sc)
	s, ec := h.start(t, testLimits())

	final, err := h.runner.Run(context.Background(), s, ec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iteration budget exhausted")

	assert.Equal(t, pipeline.StageFail, final.Stage)
	assert.True(t, final.Failed)
	assert.Equal(t, 3, final.Iteration)
	assert.Equal(t, 3, final.ValidationAttempts)
	assert.Equal(t, []string{"missing numbers", "missing numbers", "missing numbers"}, final.Feedback)
	assert.Equal(t, 3, sc.count("plan"))
	assert.Equal(t, 1, sc.count("analyze"))
	assert.Equal(t, execution.StatusFailed, ec.Status())
	assert.Equal(t, []string{
		"analyze", "plan", "execute", "validate",
		"plan", "execute", "validate",
		"plan", "execute", "validate",
	}, ec.StagesVisited())

	failed := h.events(t, "task-1", audit.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Data["iteration"])
	assert.Equal(t, 3, failed[0].Data["validation_attempts"])

	reports := h.events(t, "task-1", audit.EventArtifact)
	require.Len(t, reports, 1)
	assert.Equal(t, h.gateway.SystemWriter(), reports[0].AgentName)
	assert.Contains(t, reports[0].Data["content"], "feedback 3: missing numbers")

	semantic, _ := h.registry.Get(memory.KindSharedSemantic)
	published, err := semantic.ListByTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Empty(t, published, "failed tasks publish nothing")
}

func TestRunner_FeedbackReachesPlanner(t *testing.T) {
	sc := &script{verdicts: []string{reject, approve}}
	fake := &generator.Fake{Handler: sc.handle}
	h := newHarness(t, sc)
	stages := NewStages(fake, h.gateway, nil)
	r, err := NewRunner(pipeline.NewDefaultRouter(), h.gateway, stages.Handlers(), WithTree(h.tree))
	require.NoError(t, err)

	s, ec := h.start(t, testLimits())
	final, err := r.Run(context.Background(), s, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCommit, final.Stage)
	assert.Equal(t, 2, final.Iteration)

	var replan []generator.Message
	for _, call := range fake.Calls() {
		if stageOf(call[0].Content) == "plan" {
			replan = call
		}
	}
	require.NotNil(t, replan)
	assert.Contains(t, replan[1].Content, "Reviewer feedback 1: missing numbers")
	assert.Contains(t, replan[1].Content, "Previous plan:")
}

func TestRunner_StageErrorFails(t *testing.T) {
	h := newHarness(t, &script{verdicts: []string{approve}, failOn: "plan"})
	s, ec := h.start(t, testLimits())

	final, err := h.runner.Run(context.Background(), s, ec, nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.StageFail, final.Stage)
	assert.Contains(t, final.Error, "plan stage failed: model unavailable")
	assert.Equal(t, 0, final.Iteration)
	assert.Equal(t, execution.StatusFailed, ec.Status())
	h.logger.AssertLogged(t, zapcore.WarnLevel, "stage failed")
	h.logger.AssertLogged(t, zapcore.WarnLevel, "task failed")
}

func TestStageError(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("running: %w", &StageError{Stage: pipeline.StageExecute, Err: cause})
	assert.ErrorIs(t, err, ErrStageFailure)
	assert.ErrorIs(t, err, cause)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, pipeline.StageExecute, se.Stage)
}

func TestRunner_TokenBudgetExhausted(t *testing.T) {
	h := newHarness(t, &script{verdicts: []string{approve}, tokens: 60})
	limits := testLimits()
	limits.MaxTokens = 100
	s, ec := h.start(t, limits)

	final, err := h.runner.Run(context.Background(), s, ec, nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.StageFail, final.Stage)
	assert.Contains(t, final.Error, "resource budget exhausted: tokens")
	assert.Equal(t, execution.StatusBudgetExhausted, ec.Status())
	assert.Equal(t, []string{"analyze", "plan"}, ec.StagesVisited())
}

func TestRunner_FallbackCommitIsRejectedByGateway(t *testing.T) {
	// A validate handler that gives no verdict takes the fallback edge.
	noVerdict := HandlerFunc{For: pipeline.StageValidate, Fn: func(_ context.Context, env Env) (StageResult, error) {
		return StageResult{State: env.State.WithValidation(false, false, ""), Output: env.State.Output}, nil
	}}

	t.Run("lenient", func(t *testing.T) {
		h := newHarness(t, &script{verdicts: []string{approve}})
		stages := NewStages(&generator.Fake{Handler: h.script.handle}, h.gateway, nil)
		handlers := append(stages.Handlers(), noVerdict)
		r, err := NewRunner(pipeline.NewDefaultRouter(pipeline.WithLogger(h.logger.Logger)), h.gateway, handlers,
			WithTree(h.tree), WithRecorder(audit.NewRecorder(h.store)))
		require.NoError(t, err)

		s, ec := h.start(t, testLimits())
		final, err := r.Run(context.Background(), s, ec, nil)
		require.Error(t, err)
		assert.Equal(t, pipeline.StageFail, final.Stage)
		assert.Contains(t, final.Error, string(memory.ReasonUnvalidated))
		h.logger.AssertLogged(t, zapcore.WarnLevel, "fallback route taken without a validation verdict")

		routes := h.events(t, "task-1", audit.EventRouteDecided)
		last := routes[len(routes)-1]
		assert.Equal(t, true, last.Data["anomalous"])
	})

	t.Run("strict", func(t *testing.T) {
		h := newHarness(t, &script{verdicts: []string{approve}})
		stages := NewStages(&generator.Fake{Handler: h.script.handle}, h.gateway, nil)
		handlers := append(stages.Handlers(), noVerdict)
		r, err := NewRunner(pipeline.NewDefaultRouter(pipeline.WithStrict(true)), h.gateway, handlers, WithTree(h.tree))
		require.NoError(t, err)

		s, ec := h.start(t, testLimits())
		final, err := r.Run(context.Background(), s, ec, nil)
		require.Error(t, err)
		assert.Equal(t, pipeline.StageFail, final.Stage)
		assert.Contains(t, final.Error, "validate ended without a verdict")
	})
}

func TestRunner_CancelledContext(t *testing.T) {
	h := newHarness(t, &script{verdicts: []string{approve}})
	s, ec := h.start(t, testLimits())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	final, err := h.runner.Run(ctx, s, ec, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, pipeline.StageFail, final.Stage)
	assert.Equal(t, execution.StatusCancelled, ec.Status())
	assert.Empty(t, ec.StagesVisited())
	assert.Len(t, h.events(t, "task-1", audit.EventTaskCancelled), 1)
}

func TestRunner_ChildPipelines(t *testing.T) {
	sc := &script{
		verdicts: []string{approve},
		plan:     "1. Split the work.\nSUBTASK summarise section one\nSUBTASK summarise section two",
	}
	h := newHarness(t, sc, WithChildFraction(0.5))
	limits := testLimits()
	limits.MaxDepth = 1
	s, ec := h.start(t, limits)

	final, err := h.runner.Run(context.Background(), s, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCommit, final.Stage)

	children, err := h.tree.Children(ec.ID())
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, 1, c.Depth())
		assert.Equal(t, execution.StatusCompleted, c.Status())
		assert.Equal(t, 50000, c.Budget().Limits().MaxTokens)
		grandchildren, err := h.tree.Children(c.ID())
		require.NoError(t, err)
		assert.Empty(t, grandchildren, "depth limit stops grandchildren")
	}
	assert.Len(t, h.events(t, "task-1", audit.EventChildSpawned), 2)

	usage, err := h.tree.Aggregate(ec.ID())
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Contexts)
}

type checkpointHarness struct {
	*harness
	coord *escalation.Coordinator
}

func newCheckpointHarness(t *testing.T, sc *script, score escalation.ConfidenceScore, opts ...escalation.CheckpointOption) *checkpointHarness {
	t.Helper()
	coord := escalation.NewCoordinator()
	base := []escalation.CheckpointOption{
		escalation.WithStages(pipeline.StagePlan),
		escalation.WithWaitTimeout(5 * time.Second),
	}
	cp := escalation.NewCheckpoint(coord, escalation.StaticScorer(score), append(base, opts...)...)
	return &checkpointHarness{harness: newHarness(t, sc, WithCheckpoint(cp)), coord: coord}
}

func respondWhenPending(t *testing.T, c *escalation.Coordinator, r escalation.HumanResponse) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if p := c.Pending(); len(p) > 0 {
				c.SubmitResponse(context.Background(), p[0].ID, r)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestRunner_CheckpointModifiesPlan(t *testing.T) {
	h := newCheckpointHarness(t, &script{verdicts: []string{approve}}, escalation.ConfidenceScore{Overall: 0.2})
	respondWhenPending(t, h.coord, escalation.HumanResponse{
		Type: escalation.ResponseModify, Content: "1. Use the executive summary only.", Responder: "op",
	})

	s, ec := h.start(t, testLimits())
	final, err := h.runner.Run(context.Background(), s, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "1. Use the executive summary only.", final.Plan)
	assert.Len(t, h.events(t, "task-1", audit.EventEscalationCreated), 1)
	resolved := h.events(t, "task-1", audit.EventEscalationResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "modify", resolved[0].Data["response_type"])
}

func TestRunner_CheckpointGuidanceReplans(t *testing.T) {
	sc := &script{verdicts: []string{approve}}
	var escalations atomic.Int32
	score := escalation.ScorerFunc(func(context.Context, escalation.ScoreRequest) (escalation.ConfidenceScore, error) {
		// Only the first plan is doubted.
		if escalations.Add(1) == 1 {
			return escalation.ConfidenceScore{Overall: 0.1}, nil
		}
		return escalation.ConfidenceScore{Overall: 0.9}, nil
	})
	coord := escalation.NewCoordinator()
	cp := escalation.NewCheckpoint(coord, score, escalation.WithStages(pipeline.StagePlan), escalation.WithWaitTimeout(5*time.Second))
	h := newHarness(t, sc, WithCheckpoint(cp))
	respondWhenPending(t, coord, escalation.HumanResponse{
		Type: escalation.ResponseGuide, Content: "focus on revenue", Responder: "op",
	})

	s, ec := h.start(t, testLimits())
	final, err := h.runner.Run(context.Background(), s, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCommit, final.Stage)
	assert.Equal(t, 2, sc.count("plan"), "guidance re-runs the plan stage")
	assert.Equal(t, 1, final.Iteration)
	assert.Contains(t, final.Messages, pipeline.Message{Role: RoleHuman, Content: "focus on revenue"})
}

func TestRunner_CheckpointRejectFails(t *testing.T) {
	h := newCheckpointHarness(t, &script{verdicts: []string{approve}}, escalation.ConfidenceScore{Overall: 0.2})
	respondWhenPending(t, h.coord, escalation.HumanResponse{
		Type: escalation.ResponseReject, Content: "wrong report", Responder: "op",
	})

	s, ec := h.start(t, testLimits())
	final, err := h.runner.Run(context.Background(), s, ec, nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.StageFail, final.Stage)
	assert.Equal(t, "wrong report", final.Error)
	assert.Equal(t, []string{"analyze", "plan"}, ec.StagesVisited())
}

func TestRunner_CheckpointTimeoutPolicies(t *testing.T) {
	t.Run("continue", func(t *testing.T) {
		h := newCheckpointHarness(t, &script{verdicts: []string{approve}}, escalation.ConfidenceScore{Overall: 0.2},
			escalation.WithWaitTimeout(10*time.Millisecond))
		s, ec := h.start(t, testLimits())
		final, err := h.runner.Run(context.Background(), s, ec, nil)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StageCommit, final.Stage)
	})

	t.Run("fail", func(t *testing.T) {
		h := newCheckpointHarness(t, &script{verdicts: []string{approve}}, escalation.ConfidenceScore{Overall: 0.2},
			escalation.WithWaitTimeout(10*time.Millisecond), escalation.WithFallback(escalation.FallbackFail))
		s, ec := h.start(t, testLimits())
		final, err := h.runner.Run(context.Background(), s, ec, nil)
		require.Error(t, err)
		assert.Equal(t, pipeline.StageFail, final.Stage)
		assert.Contains(t, final.Error, "escalation timed out")
	})

	t.Run("pause then resume", func(t *testing.T) {
		h := newCheckpointHarness(t, &script{verdicts: []string{approve}}, escalation.ConfidenceScore{Overall: 0.2},
			escalation.WithWaitTimeout(10*time.Millisecond), escalation.WithFallback(escalation.FallbackPause))
		s, ec := h.start(t, testLimits())
		paused, err := h.runner.Run(context.Background(), s, ec, nil)
		require.NoError(t, err)
		require.True(t, paused.HumanPaused)
		assert.Equal(t, pipeline.StagePlan, paused.Stage)
		assert.Equal(t, execution.StatusRunning, ec.Status())

		pending := h.coord.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, paused.PausedEscalationID, pending[0].ID)
		assert.False(t, h.coord.SubmitResponse(context.Background(), pending[0].ID,
			escalation.HumanResponse{Type: escalation.ResponseApprove, Responder: "op"}))

		final, err := h.runner.Resume(context.Background(), paused, ec, time.Second, nil)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StageCommit, final.Stage)
		assert.False(t, final.HumanPaused)
		assert.Equal(t, execution.StatusCompleted, ec.Status())
	})
}

func TestRunner_ResumeRequiresPausedTask(t *testing.T) {
	h := newHarness(t, &script{verdicts: []string{approve}})
	s, ec := h.start(t, testLimits())
	_, err := h.runner.Resume(context.Background(), s, ec, time.Second, nil)
	assert.ErrorIs(t, err, ErrTaskNotPaused)
}
