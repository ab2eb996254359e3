package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/cogflow/internal/action"
	"github.com/fyrsmithlabs/cogflow/internal/generator"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/memory"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Identities the default handlers act as.
const (
	AnalyzerID  = "analyzer"
	PlannerID   = "planner"
	ExecutorID  = "executor"
	ValidatorID = "validator"
)

// SubtaskPrefix starts a plan line that spawns a child pipeline.
const SubtaskPrefix = "SUBTASK "

// Message roles used in task history besides the generator roles.
const (
	RoleContext = "context"
	RoleHuman   = "human"
)

// Stages holds the default generator-backed handlers.
type Stages struct {
	gen            generator.Generator
	gateway        *memory.Gateway
	actions        *action.Registry
	publisherID    string
	contextResults int
	logger         *logging.Logger
}

// StagesOption configures Stages.
type StagesOption func(*Stages)

// WithPublisherID sets the identity commit writes shared memory as. It
// must match the commit authority the runner assigns.
func WithPublisherID(id string) StagesOption {
	return func(s *Stages) {
		s.publisherID = id
	}
}

// WithContextResults sets how many prior results analyze and plan pull
// from shared memory. Zero disables retrieval.
func WithContextResults(n int) StagesOption {
	return func(s *Stages) {
		s.contextResults = n
	}
}

// WithStagesLogger sets the handler logger.
func WithStagesLogger(l *logging.Logger) StagesOption {
	return func(s *Stages) {
		s.logger = l.Named("stages")
	}
}

// NewStages returns the default handlers. actions may be nil.
func NewStages(gen generator.Generator, gateway *memory.Gateway, actions *action.Registry, opts ...StagesOption) *Stages {
	s := &Stages{
		gen:            gen,
		gateway:        gateway,
		actions:        actions,
		publisherID:    memory.DefaultCommitAuthority,
		contextResults: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handlers returns one handler per non-fail stage.
func (st *Stages) Handlers() []Handler {
	return []Handler{
		HandlerFunc{For: pipeline.StageAnalyze, Fn: st.Analyze},
		HandlerFunc{For: pipeline.StagePlan, Fn: st.Plan},
		HandlerFunc{For: pipeline.StageExecute, Fn: st.Execute},
		HandlerFunc{For: pipeline.StageValidate, Fn: st.Validate},
		HandlerFunc{For: pipeline.StageCommit, Fn: st.Commit},
	}
}

// PublisherID returns the identity commit writes as.
func (st *Stages) PublisherID() string {
	return st.publisherID
}

func (st *Stages) generate(ctx context.Context, env Env, msgs ...generator.Message) (string, error) {
	resp, err := st.gen.Generate(ctx, msgs)
	if err != nil {
		return "", err
	}
	if n := resp.TotalTokens(); n > 0 {
		env.Exec.Budget().ConsumeTokens(n)
		TokensConsumed.Add(float64(n))
	}
	return resp.Text, nil
}

// scratch keeps stage output in the private memory of the task.
func (st *Stages) scratch(ctx context.Context, env Env, creator, content string) (string, error) {
	a := memory.NewArtifact(env.State.TaskID, memory.KindPrivateEphemeral, "text/plain", content, creator).
		WithMetadata("stage", string(env.State.Stage)).
		WithMetadata("iteration", fmt.Sprint(env.State.Iteration))
	if err := st.gateway.Write(ctx, a, creator); err != nil {
		return "", fmt.Errorf("writing scratch artifact: %w", err)
	}
	return a.ID, nil
}

// recall searches shared memory of kind for text. Missing backends and
// search failures only cost context, so they are logged and skipped.
func (st *Stages) recall(ctx context.Context, kind memory.Kind, text string) []memory.SearchResult {
	if st.contextResults <= 0 || text == "" {
		return nil
	}
	backend, err := st.gateway.Registry().Get(kind)
	if err != nil {
		return nil
	}
	results, err := backend.Search(ctx, memory.Query{Text: text, Limit: st.contextResults})
	if err != nil {
		st.logger.Warn(ctx, "memory recall failed", zap.String("kind", string(kind)), zap.Error(err))
		return nil
	}
	return results
}

const analyzePrompt = `You analyze requests for an automated task runner.
Restate the goal in one paragraph, then list the subtasks needed to reach it,
one per line, each starting with "- ".`

// Analyze restates the request, splits it into subtasks and pulls similar
// validated results from shared semantic memory into the history.
func (st *Stages) Analyze(ctx context.Context, env Env) (StageResult, error) {
	s := env.State
	var history []pipeline.Message
	if len(s.Messages) == 0 {
		history = append(history, pipeline.Message{Role: generator.RoleUser, Content: s.Description})
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Request: %s\n", s.Description)
	if hits := st.recall(ctx, memory.KindSharedSemantic, s.Description); len(hits) > 0 {
		prompt.WriteString("\nSimilar results from earlier tasks:\n")
		for _, h := range hits {
			fmt.Fprintf(&prompt, "---\n%s\n", h.Artifact.Content)
			history = append(history, pipeline.Message{Role: RoleContext, Content: h.Artifact.Content})
		}
	}

	text, err := st.generate(ctx, env, generator.System(analyzePrompt), generator.User(prompt.String()))
	if err != nil {
		return StageResult{}, err
	}
	id, err := st.scratch(ctx, env, AnalyzerID, text)
	if err != nil {
		return StageResult{}, err
	}

	history = append(history, pipeline.Message{Role: AnalyzerID, Content: text})
	s = s.WithMessages(history...).
		WithSubtasks(parseSubtasks(s.TaskID, text)...).
		WithArtifacts(id)
	return StageResult{State: s, Output: text}, nil
}

func parseSubtasks(taskID, text string) []pipeline.Subtask {
	var out []pipeline.Subtask
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		desc, ok := strings.CutPrefix(line, "- ")
		if !ok {
			desc, ok = strings.CutPrefix(line, "* ")
		}
		if !ok || strings.TrimSpace(desc) == "" {
			continue
		}
		out = append(out, pipeline.Subtask{
			ID:          fmt.Sprintf("%s-%d", taskID, len(out)+1),
			Description: strings.TrimSpace(desc),
		})
	}
	return out
}

const planPrompt = `You write execution plans for an automated task runner.
Write a numbered plan. To call a tool, put a line of the form
ACTION <kind>[.<operation>] {"param": "value"}
To delegate an independent piece of work to a nested runner, put a line
SUBTASK <description>
Available tools: %s.`

// Plan writes a plan from the analysis, validated procedures, earlier
// validation feedback and human guidance.
func (st *Stages) Plan(ctx context.Context, env Env) (StageResult, error) {
	s := env.State
	kinds := "none"
	if st.actions != nil && len(st.actions.Kinds()) > 0 {
		kinds = strings.Join(st.actions.Kinds(), ", ")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Request: %s\n", s.Description)
	if len(s.Subtasks) > 0 {
		prompt.WriteString("\nSubtasks:\n")
		for _, t := range s.Subtasks {
			fmt.Fprintf(&prompt, "- %s\n", t.Description)
		}
	}
	if hits := st.recall(ctx, memory.KindSharedProcedural, s.Description); len(hits) > 0 {
		prompt.WriteString("\nProcedures that worked before:\n")
		for _, h := range hits {
			fmt.Fprintf(&prompt, "---\n%s\n", h.Artifact.Content)
		}
	}
	if s.Plan != "" {
		fmt.Fprintf(&prompt, "\nPrevious plan:\n%s\n", s.Plan)
	}
	for i, f := range s.Feedback {
		fmt.Fprintf(&prompt, "\nReviewer feedback %d: %s\n", i+1, f)
	}
	for _, m := range s.Messages {
		if m.Role == RoleHuman {
			fmt.Fprintf(&prompt, "\nOperator guidance: %s\n", m.Content)
		}
	}

	text, err := st.generate(ctx, env, generator.System(fmt.Sprintf(planPrompt, kinds)), generator.User(prompt.String()))
	if err != nil {
		return StageResult{}, err
	}
	id, err := st.scratch(ctx, env, PlannerID, text)
	if err != nil {
		return StageResult{}, err
	}
	s = s.WithPlan(text).
		WithMessages(pipeline.Message{Role: PlannerID, Content: text}).
		WithArtifacts(id)
	return StageResult{State: s, Output: text}, nil
}

func parseChildRequests(plan string) []string {
	var out []string
	for _, line := range strings.Split(plan, "\n") {
		if desc, ok := strings.CutPrefix(strings.TrimSpace(line), SubtaskPrefix); ok && strings.TrimSpace(desc) != "" {
			out = append(out, strings.TrimSpace(desc))
		}
	}
	return out
}

type childOutcome struct {
	description string
	output      string
	err         error
}

const executePrompt = `You carry out plans for an automated task runner.
Using the plan and the tool and subtask results below, produce the final
answer to the request.`

// Execute runs the actions and child pipelines named by the plan, then
// asks the generator for the output.
func (st *Stages) Execute(ctx context.Context, env Env) (StageResult, error) {
	s := env.State
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Request: %s\n\nPlan:\n%s\n", s.Description, s.Plan)

	reqs, perr := action.ParseRequests(s.Plan)
	if perr != nil {
		st.logger.Warn(ctx, "malformed action lines in plan", zap.String("task_id", s.TaskID), zap.Error(perr))
		fmt.Fprintf(&prompt, "\nSome actions could not be parsed: %v\n", perr)
	}
	for _, req := range reqs {
		req.TaskID = s.TaskID
		var res action.Result
		if st.actions == nil {
			res = action.Failed(fmt.Errorf("%w: %s", action.ErrUnknownCapability, req.Kind))
		} else {
			res = st.actions.Dispatch(ctx, req)
		}
		st.logger.Debug(ctx, "action dispatched",
			zap.String("task_id", s.TaskID),
			zap.String("kind", req.Kind),
			zap.Bool("success", res.Success),
			zap.Duration("duration", res.Duration),
		)
		if res.Success {
			fmt.Fprintf(&prompt, "\nResult of %s:\n%s\n", req.Kind, res.Output)
		} else {
			fmt.Fprintf(&prompt, "\n%s failed: %s\n", req.Kind, res.Error)
		}
	}

	for _, c := range st.runChildren(ctx, env, parseChildRequests(s.Plan)) {
		if c.err != nil {
			fmt.Fprintf(&prompt, "\nSubtask %q did not complete: %v\n", c.description, c.err)
			continue
		}
		fmt.Fprintf(&prompt, "\nSubtask %q result:\n%s\n", c.description, c.output)
	}

	text, err := st.generate(ctx, env, generator.System(executePrompt), generator.User(prompt.String()))
	if err != nil {
		return StageResult{}, err
	}
	id, err := st.scratch(ctx, env, ExecutorID, text)
	if err != nil {
		return StageResult{}, err
	}
	s = s.WithOutput(text).
		WithMessages(pipeline.Message{Role: ExecutorID, Content: text}).
		WithArtifacts(id)
	return StageResult{State: s, Output: text}, nil
}

// runChildren runs child pipelines at most max_parallel at a time. A
// failed child is reported to the parent, never fatal to it.
func (st *Stages) runChildren(ctx context.Context, env Env, descriptions []string) []childOutcome {
	if len(descriptions) == 0 {
		return nil
	}
	out := make([]childOutcome, len(descriptions))
	if env.Children == nil {
		for i, d := range descriptions {
			out[i] = childOutcome{description: d, err: fmt.Errorf("nested pipelines are not available")}
		}
		return out
	}

	var g errgroup.Group
	g.SetLimit(max(1, env.Exec.Budget().Limits().MaxParallel))
	for i, d := range descriptions {
		g.Go(func() error {
			child, err := env.Children.RunChild(ctx, env, d)
			switch {
			case err != nil:
				out[i] = childOutcome{description: d, err: err}
			case child.Failed:
				out[i] = childOutcome{description: d, err: fmt.Errorf("%s", child.Error)}
			default:
				out[i] = childOutcome{description: d, output: child.Output}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

const validatePrompt = `You review the output of an automated task runner.
Answer with a JSON object only:
{"valid": true|false, "feedback": "what is wrong or missing, empty if valid"}`

type verdict struct {
	Valid    bool   `json:"valid"`
	Feedback string `json:"feedback"`
}

// Validate judges the output. An approved output is marked validated; a
// rejected one requests a replan with the reviewer's feedback.
func (st *Stages) Validate(ctx context.Context, env Env) (StageResult, error) {
	s := env.State
	prompt := fmt.Sprintf("Request: %s\n\nPlan:\n%s\n\nOutput:\n%s\n", s.Description, s.Plan, s.Output)
	text, err := st.generate(ctx, env, generator.System(validatePrompt), generator.User(prompt))
	if err != nil {
		return StageResult{}, err
	}

	var v verdict
	raw, ok := generator.ExtractJSON(text)
	if !ok || json.Unmarshal([]byte(raw), &v) != nil {
		st.logger.Warn(ctx, "validator returned no verdict", zap.String("task_id", s.TaskID))
		v = verdict{Feedback: "the reviewer could not reach a verdict: " + strings.TrimSpace(text)}
	}
	if v.Valid {
		s = s.WithValidation(true, false, v.Feedback)
	} else {
		s = s.WithValidation(false, true, v.Feedback)
	}
	s = s.WithMessages(pipeline.Message{Role: ValidatorID, Content: text})
	return StageResult{State: s, Output: s.Output}, nil
}

// Commit publishes the plan to shared procedural memory and then the
// validated output to shared semantic memory. Writes go through the gateway
// as the publisher; an unvalidated output is rejected there. The output is
// written last so a failed commit never leaves it in shared memory.
func (st *Stages) Commit(ctx context.Context, env Env) (StageResult, error) {
	s := env.State
	var planID string
	if s.Plan != "" && s.Validated {
		plan := memory.NewArtifact(s.TaskID, memory.KindSharedProcedural, "text/plain", s.Plan, st.publisherID).
			WithMetadata("description", s.Description)
		id, err := st.publish(ctx, s, plan)
		if err != nil {
			return StageResult{}, fmt.Errorf("publishing plan: %w", err)
		}
		planID = id
	}

	output := memory.NewArtifact(s.TaskID, memory.KindSharedSemantic, "text/markdown", s.Output, st.publisherID).
		WithMetadata("description", s.Description)
	id, err := st.publish(ctx, s, output)
	if err != nil {
		if planID != "" {
			st.logger.Warn(ctx, "commit left a published plan without its output",
				zap.String("task_id", s.TaskID),
				zap.String("plan_artifact_id", planID),
			)
			return StageResult{}, fmt.Errorf("publishing output (plan %s already published): %w", planID, err)
		}
		return StageResult{}, err
	}
	s = s.WithArtifacts(id)
	if planID != "" {
		s = s.WithArtifacts(planID)
	}
	return StageResult{State: s, Output: s.Output}, nil
}

func (st *Stages) publish(ctx context.Context, s pipeline.TaskState, a memory.Artifact) (string, error) {
	if s.Validated {
		validated, err := st.gateway.Validate(a, ValidatorID)
		if err != nil {
			return "", err
		}
		a = validated
	}
	if err := st.gateway.Write(ctx, a, st.publisherID); err != nil {
		return "", err
	}
	return a.ID, nil
}
