package pipeline

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"go.uber.org/zap"
)

// Edge routes to Target when Condition holds. A Fallback edge is the
// last resort of a stage: taking it means no meaningful condition matched.
type Edge struct {
	Condition string `json:"condition" yaml:"condition"`
	Target    Stage  `json:"target" yaml:"target"`
	Fallback  bool   `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// RouteTable lists the outgoing edges of each stage in priority order.
type RouteTable map[Stage][]Edge

// DefaultRouteTable returns the standard analyze/plan/execute/validate
// routing. Failure and the iteration budget dominate every other verdict.
func DefaultRouteTable() RouteTable {
	return RouteTable{
		StageAnalyze: {{Condition: CondAlways, Target: StagePlan}},
		StagePlan:    {{Condition: CondAlways, Target: StageExecute}},
		StageExecute: {{Condition: CondAlways, Target: StageValidate}},
		StageValidate: {
			{Condition: CondIsFailed, Target: StageFail},
			{Condition: CondIterationsExhausted, Target: StageFail},
			{Condition: CondIsValidated, Target: StageCommit},
			{Condition: CondShouldReplan, Target: StagePlan},
			{Condition: CondAlways, Target: StageCommit, Fallback: true},
		},
	}
}

type compiledEdge struct {
	Edge
	cond Condition
}

// CompiledRoutes is a RouteTable with conditions resolved.
type CompiledRoutes struct {
	edges map[Stage][]compiledEdge
}

// Compile resolves every condition name against reg. Unknown names,
// unknown stages and edges leaving terminal stages are rejected.
func (t RouteTable) Compile(reg *ConditionRegistry) (*CompiledRoutes, error) {
	out := &CompiledRoutes{edges: make(map[Stage][]compiledEdge, len(t))}
	for stage, edges := range t {
		if !stage.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
		}
		if stage.IsTerminal() && len(edges) > 0 {
			return nil, fmt.Errorf("%w: %s has outgoing edges", ErrTerminalStage, stage)
		}
		for _, e := range edges {
			if !e.Target.Valid() {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownStage, stage, e.Target)
			}
			cond, ok := reg.Lookup(e.Condition)
			if !ok {
				return nil, fmt.Errorf("%w: %q on %s", ErrUnknownCondition, e.Condition, stage)
			}
			out.edges[stage] = append(out.edges[stage], compiledEdge{Edge: e, cond: cond})
		}
	}
	return out, nil
}

// Decision is the outcome of routing one state.
type Decision struct {
	From      Stage  `json:"from"`
	To        Stage  `json:"to"`
	Condition string `json:"condition"`
	// Anomalous is set when a fallback edge was taken.
	Anomalous bool `json:"anomalous,omitempty"`
}

// Router is the task state machine.
type Router struct {
	routes *CompiledRoutes
	strict bool
	logger *logging.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithStrict makes fallback edges route to fail instead of their target.
func WithStrict(strict bool) RouterOption {
	return func(r *Router) {
		r.strict = strict
	}
}

// WithLogger sets the router logger.
func WithLogger(l *logging.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l.Named("pipeline")
	}
}

// NewRouter compiles table against reg.
func NewRouter(table RouteTable, reg *ConditionRegistry, opts ...RouterOption) (*Router, error) {
	routes, err := table.Compile(reg)
	if err != nil {
		return nil, err
	}
	r := &Router{routes: routes}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewDefaultRouter returns a router over DefaultRouteTable and the
// built-in conditions.
func NewDefaultRouter(opts ...RouterOption) *Router {
	r, err := NewRouter(DefaultRouteTable(), NewConditionRegistry(), opts...)
	if err != nil {
		// The default table only names built-in conditions.
		panic(err)
	}
	return r
}

// Route returns the stage that follows s. It has no side effects.
func (r *Router) Route(s TaskState) (Stage, error) {
	d, err := r.Decide(s)
	return d.To, err
}

// Decide evaluates the edges of s.Stage in order; the first whose
// condition holds wins.
func (r *Router) Decide(s TaskState) (Decision, error) {
	if s.Stage.IsTerminal() {
		return Decision{From: s.Stage, To: s.Stage}, fmt.Errorf("%w: %s", ErrTerminalStage, s.Stage)
	}
	edges, ok := r.routes.edges[s.Stage]
	if !ok {
		return Decision{From: s.Stage}, fmt.Errorf("%w: %s", ErrUnknownStage, s.Stage)
	}
	for _, e := range edges {
		if !e.cond(s) {
			continue
		}
		d := Decision{From: s.Stage, To: e.Target, Condition: e.Condition, Anomalous: e.Fallback}
		if e.Fallback && r.strict {
			d.To = StageFail
		}
		return d, nil
	}
	return Decision{From: s.Stage}, fmt.Errorf("%w: %s", ErrNoRoute, s.Stage)
}

// Advance routes s and returns the successor state positioned at the
// chosen stage. Taking the replan edge clears the replan flag; routing to
// fail marks the state failed with a reason if it is not already. The
// iteration counter is left to the caller.
func (r *Router) Advance(ctx context.Context, s TaskState) (TaskState, Decision, error) {
	d, err := r.Decide(s)
	if err != nil {
		return s, d, err
	}

	next := s.WithStage(d.To)
	if d.Condition == CondShouldReplan {
		next.ShouldReplan = false
	}
	if d.To == StageFail && !next.Failed {
		next = next.WithFailure(failureReason(s, d))
	}

	fields := []zap.Field{
		zap.String("task_id", s.TaskID),
		zap.String("from", string(d.From)),
		zap.String("to", string(d.To)),
		zap.String("condition", d.Condition),
		zap.Int("iteration", s.Iteration),
	}
	if d.Anomalous {
		r.logger.Warn(ctx, "fallback route taken without a validation verdict",
			append(fields, zap.Bool("strict", r.strict))...)
	} else {
		r.logger.Debug(ctx, "stage routed", fields...)
	}
	return next, d, nil
}

func failureReason(s TaskState, d Decision) string {
	switch {
	case d.Condition == CondIterationsExhausted:
		return fmt.Sprintf("iteration budget exhausted after %d of %d iterations", s.Iteration, s.MaxIterations)
	case d.Anomalous:
		return fmt.Sprintf("%s ended without a verdict", d.From)
	default:
		return fmt.Sprintf("routed to fail from %s by %s", d.From, d.Condition)
	}
}
