package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/cogflow/internal/generator"
)

// Scored dimensions.
const (
	DimUnderstanding = "understanding"
	DimCompleteness  = "completeness"
	DimCorrectness   = "correctness"
	DimFeasibility   = "feasibility"
)

// NeutralOverall is the overall score used when scoring fails.
const NeutralOverall = 0.5

// ConfidenceScore is a scorer's view of one stage output.
type ConfidenceScore struct {
	Dimensions         map[string]float64 `json:"dimensions"`
	Overall            float64            `json:"overall"`
	UncertaintyFactors []string           `json:"uncertainty_factors,omitempty"`
	KnowledgeGaps      []string           `json:"knowledge_gaps,omitempty"`
}

// NeutralScore is neither confident nor worried.
func NeutralScore() ConfidenceScore {
	return ConfidenceScore{Overall: NeutralOverall}
}

// normalize clamps every score into [0,1]. A missing overall is the mean
// of the dimensions.
func (s ConfidenceScore) normalize(overallSet bool) ConfidenceScore {
	dims := make(map[string]float64, len(s.Dimensions))
	var sum float64
	for k, v := range s.Dimensions {
		dims[k] = clamp01(v)
		sum += dims[k]
	}
	s.Dimensions = dims
	if !overallSet && len(dims) > 0 {
		s.Overall = sum / float64(len(dims))
	}
	s.Overall = clamp01(s.Overall)
	return s
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ScoreRequest is what a scorer judges.
type ScoreRequest struct {
	Stage           string
	Output          string
	TaskDescription string
}

// Scorer rates the confidence of a stage output.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (ConfidenceScore, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req ScoreRequest) (ConfidenceScore, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, req ScoreRequest) (ConfidenceScore, error) {
	return f(ctx, req)
}

// StaticScorer always returns the same score.
type StaticScorer ConfidenceScore

// Score implements Scorer.
func (s StaticScorer) Score(context.Context, ScoreRequest) (ConfidenceScore, error) {
	return ConfidenceScore(s), nil
}

const scorerPrompt = `You review the output of one stage of an automated task and rate how
confident a careful engineer would be in it.

Reply with a single JSON object and nothing else:
{"dimensions": {"understanding": 0-1, "completeness": 0-1, "correctness": 0-1, "feasibility": 0-1},
 "overall": 0-1,
 "uncertainty_factors": ["..."],
 "knowledge_gaps": ["..."]}

List a knowledge gap only when the output depends on information that is
missing from the task description.`

// LLMScorer asks a generator for a JSON confidence object.
type LLMScorer struct {
	gen generator.Generator
}

// NewLLMScorer returns a scorer backed by gen.
func NewLLMScorer(gen generator.Generator) *LLMScorer {
	return &LLMScorer{gen: gen}
}

// Score implements Scorer.
func (s *LLMScorer) Score(ctx context.Context, req ScoreRequest) (ConfidenceScore, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nStage: %s\n\nOutput:\n%s", req.TaskDescription, req.Stage, req.Output)

	resp, err := s.gen.Generate(ctx, []generator.Message{
		generator.System(scorerPrompt),
		generator.User(b.String()),
	})
	if err != nil {
		return ConfidenceScore{}, fmt.Errorf("scoring %s output: %w", req.Stage, err)
	}
	return ParseScore(resp.Text)
}

// ParseScore decodes a confidence object from model output.
func ParseScore(text string) (ConfidenceScore, error) {
	raw, ok := generator.ExtractJSON(text)
	if !ok {
		return ConfidenceScore{}, fmt.Errorf("no JSON object in scorer output")
	}
	var wire struct {
		ConfidenceScore
		Overall *float64 `json:"overall"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return ConfidenceScore{}, fmt.Errorf("decoding scorer output: %w", err)
	}
	if wire.Overall == nil && len(wire.Dimensions) == 0 {
		return ConfidenceScore{}, fmt.Errorf("scorer output has no scores")
	}
	score := wire.ConfidenceScore
	if wire.Overall != nil {
		score.Overall = *wire.Overall
	}
	return score.normalize(wire.Overall != nil), nil
}
