package execution

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func newTestTree(t *testing.T) (*Tree, *logging.TestLogger, *telemetry.TestTelemetry) {
	t.Helper()
	tel := telemetry.NewTestTelemetry()
	m, err := NewMetrics(tel.Meter(InstrumentationName))
	require.NoError(t, err)
	tl := logging.NewTestLogger()
	return NewTree(WithLogger(tl.Logger), WithMetrics(m)), tl, tel
}

func TestTree_RegisterAndGet(t *testing.T) {
	ctx := context.Background()
	tree, _, tel := newTestTree(t)

	root := newTestContext(t, newFakeClock())
	require.NoError(t, tree.Register(ctx, root))
	assert.ErrorIs(t, tree.Register(ctx, root), ErrContextExists)

	got, err := tree.Get(root.ID())
	require.NoError(t, err)
	assert.Same(t, root, got)

	_, err = tree.Get("ctx_missing")
	assert.ErrorIs(t, err, ErrContextNotFound)

	assert.Equal(t, int64(1), tel.Sum(t, "execution.context.created.total"))
}

func TestTree_Spawn(t *testing.T) {
	ctx := context.Background()
	tree, _, _ := newTestTree(t)

	root := newTestContext(t, newFakeClock())
	require.NoError(t, tree.Register(ctx, root))

	child, err := tree.Spawn(ctx, root.ID(), "pipe-child", "task-1", 0.25)
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Len())

	children, err := tree.Children(root.ID())
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Same(t, child, children[0])
}

func TestTree_SpawnRefusedAtMaxDepth(t *testing.T) {
	ctx := context.Background()
	tree, logs, tel := newTestTree(t)

	root := newTestContext(t, newFakeClock(), WithDepth(3))
	require.NoError(t, tree.Register(ctx, root))

	_, err := tree.Spawn(ctx, root.ID(), "p", "t", 0.5)
	assert.ErrorIs(t, err, ErrDepthExceeded)
	assert.Equal(t, 1, tree.Len())
	assert.Equal(t, int64(1), tel.Sum(t, "execution.spawn.rejected.total"))
	logs.AssertField(t, "child spawn refused", "reason", "depth")
}

func TestTree_CancelCascades(t *testing.T) {
	ctx := context.Background()
	tree, _, _ := newTestTree(t)

	root := newTestContext(t, newFakeClock())
	require.NoError(t, tree.Register(ctx, root))
	require.NoError(t, root.Start())

	a, err := tree.Spawn(ctx, root.ID(), "a", "t", 0.5)
	require.NoError(t, err)
	b, err := tree.Spawn(ctx, root.ID(), "b", "t", 0.5)
	require.NoError(t, err)
	grandchild, err := tree.Spawn(ctx, a.ID(), "a1", "t", 0.5)
	require.NoError(t, err)

	require.NoError(t, b.Start())
	require.NoError(t, tree.Finish(ctx, b.ID(), StatusCompleted))

	n, err := tree.Cancel(ctx, root.ID())
	require.NoError(t, err)
	assert.Equal(t, 3, n, "root, a and grandchild; b was already terminal")

	assert.Equal(t, StatusCancelled, root.Status())
	assert.Equal(t, StatusCancelled, a.Status())
	assert.Equal(t, StatusCancelled, grandchild.Status())
	assert.Equal(t, StatusCompleted, b.Status())

	_, err = tree.Cancel(ctx, "ctx_missing")
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestTree_Aggregate(t *testing.T) {
	ctx := context.Background()
	tree, _, _ := newTestTree(t)

	root := newTestContext(t, newFakeClock())
	require.NoError(t, tree.Register(ctx, root))
	root.Budget().ConsumeTokens(1000)
	root.Budget().IncrementIteration()

	child, err := tree.Spawn(ctx, root.ID(), "c", "t", 0.5)
	require.NoError(t, err)
	child.Budget().ConsumeTokens(200)
	child.Budget().IncrementIteration()

	u, err := tree.Aggregate(root.ID())
	require.NoError(t, err)
	assert.Equal(t, Usage{Contexts: 2, Tokens: 1200, Iterations: 2}, u)

	u, err = tree.Aggregate(child.ID())
	require.NoError(t, err)
	assert.Equal(t, Usage{Contexts: 1, Tokens: 200, Iterations: 1}, u)
}

func TestTree_FinishRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	tree, logs, tel := newTestTree(t)

	root := newTestContext(t, newFakeClock())
	require.NoError(t, tree.Register(ctx, root))
	require.NoError(t, root.Start())
	require.NoError(t, tree.Finish(ctx, root.ID(), StatusBudgetExhausted))

	assert.Equal(t, int64(1), tel.Sum(t, "execution.context.ended.total"))
	assert.Zero(t, tel.Sum(t, "execution.context.active"))
	logs.AssertLogged(t, zapcore.DebugLevel, "execution context finished")
}

func TestTree_Remove(t *testing.T) {
	ctx := context.Background()
	tree := NewTree()

	root := newTestContext(t, newFakeClock())
	require.NoError(t, tree.Register(ctx, root))
	_, err := tree.Spawn(ctx, root.ID(), "c", "t", 0.5)
	require.NoError(t, err)

	tree.Remove(root.ID())
	assert.Zero(t, tree.Len())
}
