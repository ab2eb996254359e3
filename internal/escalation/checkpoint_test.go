package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func validateState() pipeline.TaskState {
	return pipeline.NewTaskState("task-1", "sess-1", "summarise the report", 3).
		WithStage(pipeline.StageValidate)
}

// answerWhenPending responds to the first escalation of taskID.
func answerWhenPending(t *testing.T, c *Coordinator, r HumanResponse) {
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

func lowScore() Scorer {
	return StaticScorer{Overall: 0.3, KnowledgeGaps: []string{"audience"}}
}

func TestCheckpoint_ShouldEscalate(t *testing.T) {
	cp := NewCheckpoint(NewCoordinator(), nil)
	tests := []struct {
		name  string
		score ConfidenceScore
		want  bool
	}{
		{"confident", ConfidenceScore{Overall: 0.9}, false},
		{"below threshold", ConfidenceScore{Overall: 0.59}, true},
		{"at threshold", ConfidenceScore{Overall: 0.6}, false},
		{"gap below gap threshold", ConfidenceScore{Overall: 0.7, KnowledgeGaps: []string{"x"}}, true},
		{"gap above gap threshold", ConfidenceScore{Overall: 0.8, KnowledgeGaps: []string{"x"}}, false},
		{"neutral", NeutralScore(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cp.ShouldEscalate(tt.score))
		})
	}
}

func TestCheckpoint_SkipsOtherStages(t *testing.T) {
	cp := NewCheckpoint(NewCoordinator(), lowScore())
	s := validateState().WithStage(pipeline.StageExecute)

	res, err := cp.Review(context.Background(), s, "out")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Nil(t, res.Escalation)
}

func TestCheckpoint_ConfidentOutputContinues(t *testing.T) {
	coord := NewCoordinator()
	cp := NewCheckpoint(coord, StaticScorer{Overall: 0.95})

	res, err := cp.Review(context.Background(), validateState(), "out")
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, res.Outcome)
	assert.Equal(t, "out", res.Output)
	assert.Nil(t, res.Escalation)
	assert.Empty(t, coord.Pending())
}

func TestCheckpoint_ScorerFailureDegradesToNeutral(t *testing.T) {
	logs := logging.NewTestLogger()
	failing := ScorerFunc(func(context.Context, ScoreRequest) (ConfidenceScore, error) {
		return ConfidenceScore{}, errors.New("model unavailable")
	})
	// Neutral 0.5 is below the default threshold, so escalate and time out.
	cp := NewCheckpoint(NewCoordinator(), failing,
		WithWaitTimeout(10*time.Millisecond), WithCheckpointLogger(logs.Logger))

	res, err := cp.Review(context.Background(), validateState(), "out")
	require.NoError(t, err)
	assert.Equal(t, NeutralOverall, res.Score.Overall)
	assert.True(t, res.TimedOut)
	assert.Equal(t, OutcomeContinue, res.Outcome)
	logs.AssertLogged(t, zapcore.WarnLevel, "confidence scoring failed, using neutral score")
}

func TestCheckpoint_Responses(t *testing.T) {
	tests := []struct {
		name       string
		response   HumanResponse
		outcome    Outcome
		wantOutput string
		check      func(t *testing.T, s pipeline.TaskState)
	}{
		{
			name:       "approve",
			response:   HumanResponse{Type: ResponseApprove, Responder: "alice"},
			outcome:    OutcomeContinue,
			wantOutput: "draft",
		},
		{
			name:       "defer",
			response:   HumanResponse{Type: ResponseDefer, Responder: "alice"},
			outcome:    OutcomeContinue,
			wantOutput: "draft",
		},
		{
			name:       "reject",
			response:   HumanResponse{Type: ResponseReject, Content: "wrong audience", Responder: "alice"},
			outcome:    OutcomeFailed,
			wantOutput: "draft",
			check: func(t *testing.T, s pipeline.TaskState) {
				assert.True(t, s.Failed)
				assert.Equal(t, "wrong audience", s.Error)
			},
		},
		{
			name:       "modify",
			response:   HumanResponse{Type: ResponseModify, Content: "edited", Responder: "alice"},
			outcome:    OutcomeModified,
			wantOutput: "edited",
		},
		{
			name:       "override",
			response:   HumanResponse{Type: ResponseOverride, Content: "mine", Responder: "alice"},
			outcome:    OutcomeModified,
			wantOutput: "mine",
		},
		{
			name:       "guide",
			response:   HumanResponse{Type: ResponseGuide, Content: "focus on costs", Responder: "alice"},
			outcome:    OutcomeReplan,
			wantOutput: "draft",
			check: func(t *testing.T, s pipeline.TaskState) {
				assert.True(t, s.ShouldReplan)
				require.NotEmpty(t, s.Messages)
				last := s.Messages[len(s.Messages)-1]
				assert.Equal(t, "human", last.Role)
				assert.Equal(t, "focus on costs", last.Content)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := NewCoordinator()
			cp := NewCheckpoint(coord, lowScore(), WithWaitTimeout(5*time.Second))
			answerWhenPending(t, coord, tt.response)

			in := validateState()
			res, err := cp.Review(context.Background(), in, "draft")
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.wantOutput, res.Output)
			require.NotNil(t, res.Escalation)
			assert.Equal(t, PriorityHigh, res.Escalation.Priority)
			require.NotNil(t, res.Response)
			assert.False(t, in.Failed, "input state is never modified")
			if tt.check != nil {
				tt.check(t, res.State)
			}

			s, ok := coord.Session("task-1")
			require.True(t, ok)
			assert.Len(t, s.Messages, 2, "question and answer are in the transcript")
		})
	}
}

func TestCheckpoint_TimeoutPolicies(t *testing.T) {
	t.Run("continue", func(t *testing.T) {
		cp := NewCheckpoint(NewCoordinator(), lowScore(), WithWaitTimeout(10*time.Millisecond))
		res, err := cp.Review(context.Background(), validateState(), "draft")
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
		assert.Equal(t, OutcomeContinue, res.Outcome)
		assert.False(t, res.State.Failed)
		assert.False(t, res.State.HumanPaused)
	})

	t.Run("fail", func(t *testing.T) {
		cp := NewCheckpoint(NewCoordinator(), lowScore(),
			WithWaitTimeout(10*time.Millisecond), WithFallback(FallbackFail))
		res, err := cp.Review(context.Background(), validateState(), "draft")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEscalationTimeout)
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "task-1", te.TaskID)
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.True(t, res.State.Failed)
		assert.Equal(t, "escalation timed out", res.State.Error)
	})

	t.Run("pause then resume", func(t *testing.T) {
		coord := NewCoordinator()
		cp := NewCheckpoint(coord, lowScore(),
			WithWaitTimeout(10*time.Millisecond), WithFallback(FallbackPause))
		res, err := cp.Review(context.Background(), validateState(), "draft")
		require.NoError(t, err)
		assert.Equal(t, OutcomePaused, res.Outcome)
		assert.True(t, res.State.HumanPaused)
		require.NotNil(t, res.Escalation)
		assert.Equal(t, res.Escalation.ID, res.State.PausedEscalationID)

		pending := coord.Pending()
		require.Len(t, pending, 1, "escalation is retained")
		assert.Equal(t, res.Escalation.ID, pending[0].ID)

		assert.False(t, coord.SubmitResponse(context.Background(), pending[0].ID,
			HumanResponse{Type: ResponseModify, Content: "fixed", Responder: "alice"}))

		resumed, err := cp.Resume(context.Background(), res.State, "draft", time.Second)
		require.NoError(t, err)
		assert.False(t, resumed.State.HumanPaused)
		assert.Equal(t, OutcomeModified, resumed.Outcome)
		assert.Equal(t, "fixed", resumed.Output)
	})
}

func TestCheckpoint_CancelDuringWaitAppliesNoFallback(t *testing.T) {
	coord := NewCoordinator()
	cp := NewCheckpoint(coord, lowScore(), WithWaitTimeout(5*time.Second), WithFallback(FallbackPause))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(coord.Pending()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := cp.Review(ctx, validateState(), "draft")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.TimedOut)
	assert.False(t, res.State.HumanPaused)
	assert.NotEqual(t, OutcomePaused, res.Outcome)
	assert.Empty(t, coord.Pending(), "the escalation is discarded, not retained")
}

func TestCheckpoint_ResponseDuringPauseIsKept(t *testing.T) {
	coord := NewCoordinator()
	cp := NewCheckpoint(coord, lowScore(), WithWaitTimeout(10*time.Millisecond), WithFallback(FallbackPause))

	res, err := cp.Review(context.Background(), validateState(), "draft")
	require.NoError(t, err)
	require.True(t, res.State.HumanPaused)

	// The escalation stayed registered through the timeout, so the answer
	// is never sent to an unknown id.
	_, ok := coord.Get(res.State.PausedEscalationID)
	require.True(t, ok)
	coord.SubmitResponse(context.Background(), res.State.PausedEscalationID,
		HumanResponse{Type: ResponseApprove, Responder: "alice"})

	resumed, err := cp.Resume(context.Background(), res.State, "draft", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, resumed.Response)
	assert.Equal(t, ResponseApprove, resumed.Response.Type)
	assert.Equal(t, OutcomeContinue, resumed.Outcome)
}

func TestCheckpoint_TranscriptErrorsAreLogged(t *testing.T) {
	logs := logging.NewTestLogger()
	coord := NewCoordinator()
	cp := NewCheckpoint(coord, lowScore(), WithWaitTimeout(10*time.Millisecond),
		WithFallback(FallbackPause), WithCheckpointLogger(logs.Logger))

	res, err := cp.Review(context.Background(), validateState(), "draft")
	require.NoError(t, err)
	require.NoError(t, coord.CloseSession(context.Background(), "task-1"))

	coord.SubmitResponse(context.Background(), res.State.PausedEscalationID, HumanResponse{Type: ResponseApprove, Responder: "alice"})
	_, err = cp.Resume(context.Background(), res.State, "draft", time.Second)
	require.NoError(t, err)
	logs.AssertLogged(t, zapcore.DebugLevel, "transcript message dropped")
}

func TestCheckpoint_ResumeUnknownEscalation(t *testing.T) {
	cp := NewCheckpoint(NewCoordinator(), nil)
	s := validateState().WithPaused("esc_gone")
	_, err := cp.Resume(context.Background(), s, "draft", time.Millisecond)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewCheckpointFromConfig(t *testing.T) {
	cfg := config.Default().Escalation
	cfg.Stages = []string{"execute"}
	cfg.Fallback = "fail"

	cp, err := NewCheckpointFromConfig(cfg, NewCoordinator(), nil)
	require.NoError(t, err)
	assert.True(t, cp.Applies(pipeline.StageExecute))
	assert.False(t, cp.Applies(pipeline.StagePlan))
	assert.Equal(t, FallbackFail, cp.Fallback())

	cfg.Stages = []string{"deploy"}
	_, err = NewCheckpointFromConfig(cfg, NewCoordinator(), nil)
	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)

	cfg.Stages = nil
	cfg.Fallback = "retry"
	_, err = NewCheckpointFromConfig(cfg, NewCoordinator(), nil)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
