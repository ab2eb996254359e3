package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("cogflow.memory.chromem")

// ChromemBackend stores artifacts in an embedded chromem-go database
// persisted under a local directory. No external service is needed.
type ChromemBackend struct {
	cfg      config.VectorConfig
	embedder Embedder
	logger   *logging.Logger

	mu         sync.Mutex
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemBackend returns an unconnected backend. Pass an empty
// cfg.Path for an in-memory database.
func NewChromemBackend(cfg config.VectorConfig, embedder Embedder, logger *logging.Logger) (*ChromemBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection is required", ErrInvalidConfig)
	}
	return &ChromemBackend{cfg: cfg, embedder: embedder, logger: logger.Named("chromem")}, nil
}

func (b *ChromemBackend) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return b.embedder.EmbedQuery(ctx, text)
	}
}

// Connect opens the database and the collection.
func (b *ChromemBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	var db *chromem.DB
	if b.cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := config.ExpandPath(b.cfg.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", path, err)
		}
		if db, err = chromem.NewPersistentDB(path, b.cfg.Compress); err != nil {
			return fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	// The embedding function must always be passed: chromem falls back to
	// OpenAI for persisted collections opened with nil.
	col, err := db.GetOrCreateCollection(b.cfg.Collection, nil, b.embeddingFunc())
	if err != nil {
		return fmt.Errorf("getting/creating collection %s: %w", b.cfg.Collection, err)
	}
	b.db, b.collection = db, col

	b.logger.Info(ctx, "chromem backend connected",
		zap.String("path", b.cfg.Path),
		zap.String("collection", b.cfg.Collection),
		zap.Int("documents", col.Count()),
	)
	return nil
}

// Disconnect drops the handle. Persistent databases are written on every
// change, so there is nothing to flush.
func (b *ChromemBackend) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db, b.collection = nil, nil
	return nil
}

// HealthCheck fails when the backend is not connected.
func (b *ChromemBackend) HealthCheck(context.Context) error {
	_, err := b.col()
	return err
}

func (b *ChromemBackend) col() (*chromem.Collection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.collection == nil {
		return nil, fmt.Errorf("chromem backend %s is not connected", b.cfg.Collection)
	}
	return b.collection, nil
}

// Store embeds and upserts a.
func (b *ChromemBackend) Store(ctx context.Context, a Artifact) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Store")
	defer span.End()
	span.SetAttributes(attribute.String("artifact_id", a.ID), attribute.String("collection", b.cfg.Collection))

	col, err := b.col()
	if err != nil {
		return err
	}
	vec, err := b.embedder.EmbedDocuments(ctx, []string{a.Content})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("embedding artifact %s: %w", a.ID, err)
	}
	if len(vec) != 1 {
		return fmt.Errorf("embedding artifact %s: got %d vectors", a.ID, len(vec))
	}

	// chromem rejects duplicate ids on add, so replace explicitly.
	if err := col.Delete(ctx, nil, nil, a.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("replacing artifact %s: %w", a.ID, err)
	}
	doc := chromem.Document{
		ID:        a.ID,
		Content:   a.Content,
		Metadata:  encodeMetadata(a),
		Embedding: vec[0],
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding artifact %s: %w", a.ID, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Retrieve returns the artifact with id.
func (b *ChromemBackend) Retrieve(ctx context.Context, id string) (Artifact, error) {
	col, err := b.col()
	if err != nil {
		return Artifact{}, err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeArtifact(doc.Content, doc.Metadata), nil
}

// Search runs a similarity query.
func (b *ChromemBackend) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Search")
	defer span.End()

	if q.Text == "" {
		return nil, fmt.Errorf("query text is required")
	}
	col, err := b.col()
	if err != nil {
		return nil, err
	}
	k := q.Limit
	if k <= 0 {
		k = 5
	}
	// chromem requires nResults <= document count.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	k = min(k, count)

	res, err := col.Query(ctx, q.Text, k, queryFilter(q), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", b.cfg.Collection, err)
	}
	out := make([]SearchResult, len(res))
	for i, r := range res {
		out[i] = SearchResult{Artifact: decodeArtifact(r.Content, r.Metadata), Score: r.Similarity}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// Delete removes id.
func (b *ChromemBackend) Delete(ctx context.Context, id string) error {
	col, err := b.col()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("deleting artifact %s: %w", id, err)
	}
	return nil
}

// ListByTask returns the artifacts of taskID, oldest first. chromem has no
// scan API, so this is a metadata-filtered query over the whole collection.
func (b *ChromemBackend) ListByTask(ctx context.Context, taskID string) ([]Artifact, error) {
	col, err := b.col()
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	res, err := col.Query(ctx, taskID, count, map[string]string{metaTaskID: taskID}, nil)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts of %s: %w", taskID, err)
	}
	out := make([]Artifact, len(res))
	for i, r := range res {
		out[i] = decodeArtifact(r.Content, r.Metadata)
	}
	sortByCreated(out)
	return out, nil
}
