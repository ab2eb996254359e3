package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder maps words into a fixed number of buckets so texts sharing
// words get similar vectors.
type hashEmbedder struct {
	dims int
}

func (e hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, e.dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(e.dims)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v, nil
}

func (e hashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.EmbedQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func artifactAt(taskID, content string, at time.Time) Artifact {
	a := NewArtifact(taskID, KindSharedSemantic, "text/plain", content, "executor")
	a.CreatedAt = at
	return a
}

// backendContract runs the behaviour every backend shares.
func backendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect(ctx) })
	require.NoError(t, b.HealthCheck(ctx))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := artifactAt("task-1", "golang channels and goroutines", base).WithMetadata("topic", "go")
	second := artifactAt("task-1", "rust ownership and borrowing", base.Add(time.Minute))
	other := artifactAt("task-2", "golang generics", base.Add(2*time.Minute))
	for _, a := range []Artifact{first, second, other} {
		require.NoError(t, b.Store(ctx, a))
	}

	got, err := b.Retrieve(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Content, got.Content)
	assert.Equal(t, first.TaskID, got.TaskID)
	assert.Equal(t, KindSharedSemantic, got.Kind)
	assert.Equal(t, ScopeShared, got.Scope)
	assert.Equal(t, "go", got.Metadata["topic"])
	assert.True(t, first.CreatedAt.Equal(got.CreatedAt))

	list, err := b.ListByTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	res, err := b.Search(ctx, Query{Text: "golang goroutines", Limit: 1, TaskID: "task-1"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, first.ID, res[0].Artifact.ID)

	res, err = b.Search(ctx, Query{Text: "golang", Filter: map[string]string{"topic": "go"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, first.ID, res[0].Artifact.ID)

	// Store replaces.
	updated := first
	updated.Content = "golang select statements"
	require.NoError(t, b.Store(ctx, updated))
	got, err = b.Retrieve(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "golang select statements", got.Content)

	require.NoError(t, b.Delete(ctx, first.ID))
	_, err = b.Retrieve(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryBackend(t *testing.T) {
	backendContract(t, NewInMemoryBackend())
}

func TestChromemBackend_InMemory(t *testing.T) {
	b, err := NewChromemBackend(config.VectorConfig{Collection: "semantic"}, hashEmbedder{dims: 32}, logging.NewNop())
	require.NoError(t, err)
	backendContract(t, b)
}

func TestChromemBackend_Persistent(t *testing.T) {
	ctx := context.Background()
	cfg := config.VectorConfig{Path: t.TempDir(), Collection: "procedural"}

	b, err := NewChromemBackend(cfg, hashEmbedder{dims: 32}, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))
	a := NewArtifact("task-1", KindSharedProcedural, "text/plain", "run go vet before commit", "executor")
	require.NoError(t, b.Store(ctx, a))
	require.NoError(t, b.Disconnect(ctx))

	reopened, err := NewChromemBackend(cfg, hashEmbedder{dims: 32}, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, reopened.Connect(ctx))
	got, err := reopened.Retrieve(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Content, got.Content)
	assert.Equal(t, KindSharedProcedural, got.Kind)
}

func TestChromemBackend_NotConnected(t *testing.T) {
	b, err := NewChromemBackend(config.VectorConfig{Collection: "semantic"}, hashEmbedder{dims: 8}, nil)
	require.NoError(t, err)
	assert.Error(t, b.HealthCheck(context.Background()))
	assert.Error(t, b.Store(context.Background(), NewArtifact("t", KindSharedSemantic, "text/plain", "x", "e")))
}

func TestChromemBackend_EmptySearch(t *testing.T) {
	ctx := context.Background()
	b, err := NewChromemBackend(config.VectorConfig{Collection: "semantic"}, hashEmbedder{dims: 8}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))

	res, err := b.Search(ctx, Query{Text: "anything"})
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = b.Search(ctx, Query{})
	assert.Error(t, err)
}

func TestNewVectorBackend(t *testing.T) {
	_, err := NewVectorBackend(config.VectorConfig{Provider: "chromem", Collection: "c"}, hashEmbedder{dims: 8}, nil)
	require.NoError(t, err)

	_, err = NewVectorBackend(config.VectorConfig{Provider: "qdrant", Collection: "c"}, hashEmbedder{dims: 8}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig, "qdrant needs host, port and vector size")

	_, err = NewVectorBackend(config.VectorConfig{Provider: "pinecone"}, hashEmbedder{dims: 8}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewVectorBackend(config.VectorConfig{Provider: "chromem", Collection: "c"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewBackends(t *testing.T) {
	cfg := config.Default().Memory
	cfg.Semantic.Path = ""
	cfg.Procedural.Path = ""
	reg, err := NewBackends(cfg, hashEmbedder{dims: 8}, audit.NewMemoryStore(), logging.NewNop())
	require.NoError(t, err)
	assert.ElementsMatch(t, Kinds, reg.Kinds())

	ctx := context.Background()
	require.NoError(t, reg.ConnectAll(ctx))
	for kind, err := range reg.HealthCheck(ctx) {
		assert.NoError(t, err, kind)
	}
	require.NoError(t, reg.DisconnectAll(ctx))
}

func TestRegistry_DuplicateAndUnknown(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(KindPrivateEphemeral, NewInMemoryBackend()))
	assert.ErrorIs(t, reg.Register(KindPrivateEphemeral, NewInMemoryBackend()), ErrBackendExists)
	assert.ErrorIs(t, reg.Register(Kind("bogus"), NewInMemoryBackend()), ErrInvalidArtifact)
	_, err := reg.Get(KindAudit)
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestAuditBackend(t *testing.T) {
	ctx := context.Background()
	b := NewAuditBackend(audit.NewMemoryStore())

	a := NewArtifact("task-1", KindAudit, "application/json", `{"route":"validate->commit"}`, "system").WithMetadata("stage", "validate")
	require.NoError(t, b.Store(ctx, a))
	assert.ErrorIs(t, b.Store(ctx, a), ErrAppendOnly)

	got, err := b.Retrieve(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Content, got.Content)
	assert.Equal(t, "application/json", got.ContentType)
	assert.Equal(t, KindAudit, got.Kind)
	assert.Equal(t, ScopeNone, got.Scope)
	assert.Equal(t, "system", got.CreatedBy)
	assert.Equal(t, "validate", got.Metadata["stage"])

	list, err := b.ListByTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	res, err := b.Search(ctx, Query{Text: "commit", TaskID: "task-1"})
	require.NoError(t, err)
	assert.Len(t, res, 1)

	_, err = b.Retrieve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, b.Delete(ctx, a.ID), ErrAppendOnly)
}
