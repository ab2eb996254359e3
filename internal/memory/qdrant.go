package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var qdrantTracer = otel.Tracer("cogflow.memory.qdrant")

// qdrantMaxMessageSize raises the gRPC limit for large artifacts.
const qdrantMaxMessageSize = 50 * 1024 * 1024

// artifactNamespace derives stable point UUIDs from artifact ids.
var artifactNamespace = uuid.MustParse("6f1c54a2-3c8e-4f5d-9a3b-2d7e0c9b8a41")

// QdrantBackend stores artifacts in a Qdrant collection over gRPC.
type QdrantBackend struct {
	cfg      config.VectorConfig
	embedder Embedder
	logger   *logging.Logger

	mu     sync.Mutex
	client *qdrant.Client
}

// NewQdrantBackend returns an unconnected backend.
func NewQdrantBackend(cfg config.VectorConfig, embedder Embedder, logger *logging.Logger) (*QdrantBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: qdrant host and port are required", ErrInvalidConfig)
	}
	if cfg.Collection == "" || cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: collection and vector_size are required", ErrInvalidConfig)
	}
	return &QdrantBackend{cfg: cfg, embedder: embedder, logger: logger.Named("qdrant")}, nil
}

// pointID maps an artifact id to the UUID Qdrant requires.
func pointID(artifactID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(artifactNamespace, []byte(artifactID)).String())
}

// Connect dials Qdrant and creates the collection when missing.
func (b *QdrantBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}
	if !b.cfg.UseTLS {
		b.logger.Warn(ctx, "qdrant gRPC using plaintext", zap.String("host", b.cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   b.cfg.Host,
		Port:   b.cfg.Port,
		UseTLS: b.cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(qdrantMaxMessageSize),
				grpc.MaxCallSendMsgSize(qdrantMaxMessageSize),
			),
		},
	})
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}

	exists, err := client.CollectionExists(ctx, b.cfg.Collection)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("checking collection %s: %w", b.cfg.Collection, err)
	}
	if !exists {
		err := client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: b.cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(b.cfg.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("creating collection %s: %w", b.cfg.Collection, err)
		}
		b.logger.Info(ctx, "created qdrant collection",
			zap.String("collection", b.cfg.Collection),
			zap.Int("vector_size", b.cfg.VectorSize),
		)
	}
	b.client = client
	return nil
}

// Disconnect closes the gRPC connection.
func (b *QdrantBackend) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *QdrantBackend) conn() (*qdrant.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, fmt.Errorf("qdrant backend %s is not connected", b.cfg.Collection)
	}
	return b.client, nil
}

// HealthCheck calls the Qdrant health endpoint.
func (b *QdrantBackend) HealthCheck(ctx context.Context) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	if _, err := client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// Store embeds and upserts a.
func (b *QdrantBackend) Store(ctx context.Context, a Artifact) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Store")
	defer span.End()
	span.SetAttributes(attribute.String("artifact_id", a.ID), attribute.String("collection", b.cfg.Collection))

	client, err := b.conn()
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

	_, err = client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.cfg.Collection,
		Points: []*qdrant.PointStruct{{
			Id:      pointID(a.ID),
			Vectors: qdrant.NewVectors(vec[0]...),
			Payload: toPayload(a),
		}},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting artifact %s: %w", a.ID, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Retrieve returns the artifact with id.
func (b *QdrantBackend) Retrieve(ctx context.Context, id string) (Artifact, error) {
	client, err := b.conn()
	if err != nil {
		return Artifact{}, err
	}
	points, err := client.Get(ctx, &qdrant.GetPoints{
		CollectionName: b.cfg.Collection,
		Ids:            []*qdrant.PointId{pointID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("getting artifact %s: %w", id, err)
	}
	if len(points) == 0 {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fromPayload(points[0].GetPayload()), nil
}

// Search runs a similarity query with keyword filters.
func (b *QdrantBackend) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Search")
	defer span.End()

	if q.Text == "" {
		return nil, fmt.Errorf("query text is required")
	}
	client, err := b.conn()
	if err != nil {
		return nil, err
	}
	vec, err := b.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	points, err := client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: b.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         keywordFilter(queryFilter(q)),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", b.cfg.Collection, err)
	}
	out := make([]SearchResult, len(points))
	for i, p := range points {
		out[i] = SearchResult{Artifact: fromPayload(p.GetPayload()), Score: p.GetScore()}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// Delete removes id.
func (b *QdrantBackend) Delete(ctx context.Context, id string) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	_, err = client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.cfg.Collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{pointID(id)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting artifact %s: %w", id, err)
	}
	return nil
}

// ListByTask scrolls the points of taskID.
func (b *QdrantBackend) ListByTask(ctx context.Context, taskID string) ([]Artifact, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}
	points, err := client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: b.cfg.Collection,
		Filter:         keywordFilter(map[string]string{metaTaskID: taskID}),
		Limit:          qdrant.PtrOf(uint32(1000)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("listing artifacts of %s: %w", taskID, err)
	}
	out := make([]Artifact, len(points))
	for i, p := range points {
		out[i] = fromPayload(p.GetPayload())
	}
	sortByCreated(out)
	return out, nil
}

const payloadContent = "content"

func toPayload(a Artifact) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value)
	for k, v := range encodeMetadata(a) {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	payload[payloadContent] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: a.Content}}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) Artifact {
	meta := make(map[string]string, len(payload))
	var content string
	for k, v := range payload {
		s, ok := v.GetKind().(*qdrant.Value_StringValue)
		if !ok {
			continue
		}
		if k == payloadContent {
			content = s.StringValue
			continue
		}
		meta[k] = s.StringValue
	}
	return decodeArtifact(content, meta)
}

func keywordFilter(m map[string]string) *qdrant.Filter {
	if len(m) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(m))
	for key, value := range m {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: value},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}
