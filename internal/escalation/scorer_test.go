package escalation

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/cogflow/internal/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	text string
	err  error
	got  []generator.Message
}

func (g *stubGenerator) Generate(_ context.Context, msgs []generator.Message) (generator.Response, error) {
	g.got = msgs
	return generator.Response{Text: g.text}, g.err
}

func TestParseScore(t *testing.T) {
	t.Run("fenced object", func(t *testing.T) {
		s, err := ParseScore("```json\n{\"dimensions\":{\"correctness\":0.8,\"completeness\":1.4},\"overall\":0.7,\"knowledge_gaps\":[\"budget\"]}\n```")
		require.NoError(t, err)
		assert.InDelta(t, 0.7, s.Overall, 1e-9)
		assert.Equal(t, 1.0, s.Dimensions[DimCompleteness], "clamped")
		assert.Equal(t, []string{"budget"}, s.KnowledgeGaps)
	})

	t.Run("overall from dimensions", func(t *testing.T) {
		s, err := ParseScore(`{"dimensions":{"understanding":0.4,"feasibility":0.8}}`)
		require.NoError(t, err)
		assert.InDelta(t, 0.6, s.Overall, 1e-9)
	})

	t.Run("explicit zero overall", func(t *testing.T) {
		s, err := ParseScore(`{"dimensions":{"understanding":0.9},"overall":0}`)
		require.NoError(t, err)
		assert.Equal(t, 0.0, s.Overall)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := ParseScore("I am quite sure")
		assert.Error(t, err)
		_, err = ParseScore(`{"notes":"none"}`)
		assert.Error(t, err)
		_, err = ParseScore(`{"overall": "high"}`)
		assert.Error(t, err)
	})
}

func TestLLMScorer(t *testing.T) {
	gen := &stubGenerator{text: `{"overall":0.42}`}
	s := NewLLMScorer(gen)

	score, err := s.Score(context.Background(), ScoreRequest{Stage: "plan", Output: "step 1", TaskDescription: "ship it"})
	require.NoError(t, err)
	assert.InDelta(t, 0.42, score.Overall, 1e-9)
	require.Len(t, gen.got, 2)
	assert.Equal(t, generator.RoleSystem, gen.got[0].Role)
	assert.Contains(t, gen.got[1].Content, "ship it")
	assert.Contains(t, gen.got[1].Content, "step 1")

	gen.err = errors.New("rate limited")
	_, err = s.Score(context.Background(), ScoreRequest{Stage: "plan"})
	assert.ErrorContains(t, err, "rate limited")
}
