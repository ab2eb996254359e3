package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) PublishAudit(ctx context.Context, e Entry) error {
	return m.Called(ctx, e).Error(0)
}

func TestRecorder_FillsDefaults(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store)
	r.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }

	ctx := logging.WithSessionID(context.Background(), "sess-9")
	ctx = logging.WithCorrelationID(ctx, "corr-9")

	e, err := r.Record(ctx, Entry{TaskID: "task-1", EventType: EventTaskSubmitted})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "sess-9", e.SessionID)
	assert.Equal(t, "corr-9", e.CorrelationID)
	assert.Equal(t, 2026, e.Timestamp.Year())

	trail, err := r.ForTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, e.ID, trail[0].ID)
}

func TestRecorder_PublishesToSink(t *testing.T) {
	sink := &mockSink{}
	sink.On("PublishAudit", mock.Anything, mock.MatchedBy(func(e Entry) bool {
		return e.TaskID == "task-1"
	})).Return(nil).Once()

	r := NewRecorder(NewMemoryStore(), WithSink(sink))
	_, err := r.Record(context.Background(), NewEntry("task-1", EventTaskCommitted, "done"))
	require.NoError(t, err)
	sink.AssertExpectations(t)
}

func TestRecorder_SinkFailureIsNotFatal(t *testing.T) {
	sink := &mockSink{}
	sink.On("PublishAudit", mock.Anything, mock.Anything).Return(errors.New("nats down"))
	logs := logging.NewTestLogger()
	store := NewMemoryStore()

	r := NewRecorder(store, WithSink(sink), WithLogger(logs.Logger))
	_, err := r.Record(context.Background(), NewEntry("task-1", EventTaskCommitted, "done"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
	logs.AssertLogged(t, zapcore.WarnLevel, "audit publish failed")
}

func TestRecorder_StoreFailureIsReturned(t *testing.T) {
	sink := &mockSink{}
	sink.On("PublishAudit", mock.Anything, mock.Anything).Return(nil)
	r := NewRecorder(NewMemoryStore(), WithSink(sink))

	e := NewEntry("task-1", EventTaskCommitted, "done")
	_, err := r.Record(context.Background(), e)
	require.NoError(t, err)

	_, err = r.Record(context.Background(), e)
	assert.ErrorIs(t, err, ErrDuplicateEntry)
	sink.AssertNumberOfCalls(t, "PublishAudit", 1)
}
