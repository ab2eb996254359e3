package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Default thresholds.
const (
	DefaultConfidenceThreshold = 0.6
	DefaultGapThreshold        = 0.75
	DefaultWaitTimeout         = 5 * time.Minute
)

// Outcome is what a checkpoint did to the task.
type Outcome string

const (
	// OutcomeSkipped: the stage is not a checkpoint.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeContinue: proceed with the stage output unchanged.
	OutcomeContinue Outcome = "continue"
	// OutcomeModified: proceed with the output replaced by the human.
	OutcomeModified Outcome = "modified"
	// OutcomeReplan: guidance was added and a replan requested.
	OutcomeReplan Outcome = "replan"
	// OutcomePaused: the task waits for a later response.
	OutcomePaused Outcome = "paused"
	// OutcomeFailed: the task was failed by rejection or timeout.
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome of one checkpoint review.
type Result struct {
	State      pipeline.TaskState
	Output     string
	Outcome    Outcome
	Score      ConfidenceScore
	Escalation *Escalation
	Response   *HumanResponse
	TimedOut   bool
}

// Checkpoint decides whether a stage needs a human and applies the answer.
type Checkpoint struct {
	coord        *Coordinator
	scorer       Scorer
	stages       map[pipeline.Stage]bool
	threshold    float64
	gapThreshold float64
	timeout      time.Duration
	fallback     FallbackPolicy
	responder    string
	logger       *logging.Logger
	metrics      *Metrics
}

// CheckpointOption configures a Checkpoint.
type CheckpointOption func(*Checkpoint)

// WithStages sets the stages reviewed by the checkpoint.
func WithStages(stages ...pipeline.Stage) CheckpointOption {
	return func(c *Checkpoint) {
		c.stages = make(map[pipeline.Stage]bool, len(stages))
		for _, s := range stages {
			c.stages[s] = true
		}
	}
}

// WithThresholds sets the confidence and knowledge-gap thresholds.
func WithThresholds(confidence, gap float64) CheckpointOption {
	return func(c *Checkpoint) {
		c.threshold, c.gapThreshold = confidence, gap
	}
}

// WithWaitTimeout bounds the wait for a response.
func WithWaitTimeout(d time.Duration) CheckpointOption {
	return func(c *Checkpoint) {
		c.timeout = d
	}
}

// WithFallback sets the timeout policy.
func WithFallback(p FallbackPolicy) CheckpointOption {
	return func(c *Checkpoint) {
		c.fallback = p
	}
}

// WithResponder names the human a new session is opened for.
func WithResponder(id string) CheckpointOption {
	return func(c *Checkpoint) {
		c.responder = id
	}
}

// WithCheckpointLogger sets the checkpoint logger.
func WithCheckpointLogger(l *logging.Logger) CheckpointOption {
	return func(c *Checkpoint) {
		c.logger = l.Named("checkpoint")
	}
}

// WithCheckpointMetrics sets the metrics used for scorer fallbacks.
func WithCheckpointMetrics(m *Metrics) CheckpointOption {
	return func(c *Checkpoint) {
		c.metrics = m
	}
}

// NewCheckpoint returns a checkpoint reviewing plan and validate with the
// default thresholds and the continue policy. A nil scorer always yields
// the neutral score.
func NewCheckpoint(coord *Coordinator, scorer Scorer, opts ...CheckpointOption) *Checkpoint {
	c := &Checkpoint{
		coord:        coord,
		scorer:       scorer,
		stages:       map[pipeline.Stage]bool{pipeline.StagePlan: true, pipeline.StageValidate: true},
		threshold:    DefaultConfidenceThreshold,
		gapThreshold: DefaultGapThreshold,
		timeout:      DefaultWaitTimeout,
		fallback:     FallbackContinue,
		responder:    "operator",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewCheckpointFromConfig builds a checkpoint from the escalation section.
func NewCheckpointFromConfig(cfg config.EscalationConfig, coord *Coordinator, scorer Scorer, opts ...CheckpointOption) (*Checkpoint, error) {
	stages, err := pipeline.ParseStages(cfg.Stages)
	if err != nil {
		return nil, err
	}
	policy, err := ParseFallback(cfg.Fallback)
	if err != nil {
		return nil, err
	}
	base := []CheckpointOption{
		WithStages(stages...),
		WithThresholds(cfg.ConfidenceThreshold, cfg.GapThreshold),
		WithWaitTimeout(cfg.WaitTimeout.Duration()),
		WithFallback(policy),
	}
	return NewCheckpoint(coord, scorer, append(base, opts...)...), nil
}

// Applies reports whether stage is reviewed.
func (c *Checkpoint) Applies(stage pipeline.Stage) bool {
	return c.stages[stage]
}

// Fallback returns the timeout policy.
func (c *Checkpoint) Fallback() FallbackPolicy {
	return c.fallback
}

// ShouldEscalate reports whether score warrants a human: overall below the
// confidence threshold, or any knowledge gap with overall below the gap
// threshold.
func (c *Checkpoint) ShouldEscalate(score ConfidenceScore) bool {
	if score.Overall < c.threshold {
		return true
	}
	return len(score.KnowledgeGaps) > 0 && score.Overall < c.gapThreshold
}

// score never fails: scorer errors degrade to the neutral score.
func (c *Checkpoint) score(ctx context.Context, req ScoreRequest) ConfidenceScore {
	if c.scorer == nil {
		return NeutralScore()
	}
	s, err := c.scorer.Score(ctx, req)
	if err != nil {
		c.metrics.recordScorerFallback(ctx, req.Stage)
		c.logger.Warn(ctx, "confidence scoring failed, using neutral score",
			zap.String("stage", req.Stage),
			zap.Error(err),
		)
		return NeutralScore()
	}
	return s
}

// Review scores the output of the current stage of s and escalates when
// warranted. The returned Result always carries the state to continue
// with. Under the fail policy an unanswered escalation also returns a
// *TimeoutError. When ctx ends during the wait no fallback is applied and
// the context error is returned.
func (c *Checkpoint) Review(ctx context.Context, s pipeline.TaskState, output string) (Result, error) {
	res := Result{State: s, Output: output, Outcome: OutcomeSkipped}
	if !c.Applies(s.Stage) {
		return res, nil
	}

	ctx, span := tracer.Start(ctx, "Checkpoint.Review")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", s.TaskID), attribute.String("stage", string(s.Stage)))

	res.Score = c.score(ctx, ScoreRequest{Stage: string(s.Stage), Output: output, TaskDescription: s.Description})
	res.Outcome = OutcomeContinue
	span.SetAttributes(attribute.Float64("confidence", res.Score.Overall))
	if !c.ShouldEscalate(res.Score) {
		return res, nil
	}

	session := c.coord.CreateSession(ctx, s.TaskID, c.responder)
	esc, err := c.coord.CreateEscalation(ctx, Escalation{
		TaskID:     s.TaskID,
		SessionID:  session.ID,
		Stage:      string(s.Stage),
		Question:   question(s, res.Score),
		Reason:     reason(res.Score, c.threshold),
		Priority:   PriorityFor(res.Score.Overall),
		Confidence: res.Score.Overall,
		Context: map[string]any{
			"output":              output,
			"iteration":           s.Iteration,
			"uncertainty_factors": res.Score.UncertaintyFactors,
			"knowledge_gaps":      res.Score.KnowledgeGaps,
		},
	})
	if err != nil {
		return res, fmt.Errorf("creating escalation: %w", err)
	}
	res.Escalation = &esc
	c.transcript(ctx, s.TaskID, "system", esc.Question)

	resp, ok := c.coord.WaitForResponse(ctx, esc.ID, c.timeout, c.waitOptions()...)
	if !ok {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("waiting for escalation %s: %w", esc.ID, err)
		}
		res.TimedOut = true
		res, err = c.timedOut(ctx, res, esc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}
	span.SetAttributes(attribute.String("response_type", string(resp.Type)))
	return c.Apply(ctx, res, *resp), nil
}

// Resume waits again for the retained escalation of a paused task.
func (c *Checkpoint) Resume(ctx context.Context, s pipeline.TaskState, output string, timeout time.Duration) (Result, error) {
	res := Result{State: s, Output: output, Outcome: OutcomeContinue}
	if !s.HumanPaused || s.PausedEscalationID == "" {
		return res, nil
	}
	esc, ok := c.coord.Get(s.PausedEscalationID)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrNotFound, s.PausedEscalationID)
	}
	res.Escalation = &esc
	resp, ok := c.coord.WaitForResponse(ctx, esc.ID, timeout, c.waitOptions()...)
	if !ok {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("waiting for escalation %s: %w", esc.ID, err)
		}
		res.TimedOut = true
		return c.timedOut(ctx, res, esc)
	}
	res.State = res.State.WithResumed()
	return c.Apply(ctx, res, *resp), nil
}

// Withdraw drops the retained escalation of a paused task.
func (c *Checkpoint) Withdraw(ctx context.Context, s pipeline.TaskState) bool {
	if s.PausedEscalationID == "" {
		return false
	}
	return c.coord.Withdraw(ctx, s.PausedEscalationID)
}

// waitOptions keeps the escalation registered through a timeout when the
// task is going to pause on it.
func (c *Checkpoint) waitOptions() []WaitOption {
	if c.fallback == FallbackPause {
		return []WaitOption{RetainOnTimeout()}
	}
	return nil
}

func (c *Checkpoint) transcript(ctx context.Context, taskID, role, content string) {
	if err := c.coord.AddMessage(taskID, role, content); err != nil {
		c.logger.Debug(ctx, "transcript message dropped",
			zap.String("task_id", taskID),
			zap.String("role", role),
			zap.Error(err),
		)
	}
}

func (c *Checkpoint) timedOut(ctx context.Context, res Result, esc Escalation) (Result, error) {
	c.logger.Warn(ctx, "escalation unanswered, applying fallback",
		zap.String("escalation_id", esc.ID),
		zap.String("fallback", string(c.fallback)),
	)
	switch c.fallback {
	case FallbackPause:
		// The wait retained the escalation, so a later response still lands.
		res.State = res.State.WithPaused(esc.ID)
		res.Outcome = OutcomePaused
		return res, nil
	case FallbackFail:
		err := &TimeoutError{EscalationID: esc.ID, TaskID: esc.TaskID, Stage: esc.Stage}
		res.State = res.State.WithFailure(ErrEscalationTimeout.Error())
		res.Outcome = OutcomeFailed
		return res, err
	default:
		res.State = res.State.WithResumed()
		res.Outcome = OutcomeContinue
		return res, nil
	}
}

// Apply folds a human response into res.
func (c *Checkpoint) Apply(ctx context.Context, res Result, r HumanResponse) Result {
	res.Response = &r
	c.transcript(ctx, res.State.TaskID, r.Responder, fmt.Sprintf("[%s] %s", r.Type, r.Content))

	switch r.Type {
	case ResponseReject:
		reason := r.Content
		if reason == "" {
			reason = fmt.Sprintf("rejected by %s at %s", r.Responder, res.State.Stage)
		}
		res.State = res.State.WithFailure(reason)
		res.Outcome = OutcomeFailed
	case ResponseModify, ResponseOverride:
		if r.Content != "" {
			res.Output = r.Content
		}
		res.Outcome = OutcomeModified
	case ResponseGuide:
		res.State = res.State.
			WithMessages(pipeline.Message{Role: "human", Content: r.Content}).
			WithReplan(true)
		res.Outcome = OutcomeReplan
	default:
		res.Outcome = OutcomeContinue
	}

	c.logger.Info(ctx, "escalation response applied",
		zap.String("task_id", res.State.TaskID),
		zap.String("response_type", string(r.Type)),
		zap.String("outcome", string(res.Outcome)),
	)
	return res
}

func question(s pipeline.TaskState, score ConfidenceScore) string {
	q := fmt.Sprintf("Confidence in the %s output for %q is %.2f. Approve, modify, guide or reject?",
		s.Stage, s.Description, score.Overall)
	if len(score.KnowledgeGaps) > 0 {
		q += fmt.Sprintf(" Missing information: %v.", score.KnowledgeGaps)
	}
	return q
}

func reason(score ConfidenceScore, threshold float64) string {
	if score.Overall < threshold {
		return fmt.Sprintf("confidence %.2f below threshold %.2f", score.Overall, threshold)
	}
	return fmt.Sprintf("knowledge gaps reported: %d", len(score.KnowledgeGaps))
}
