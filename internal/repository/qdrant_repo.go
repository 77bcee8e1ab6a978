package repository

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const defaultVectorDimension = 768

// QdrantConnectionConfig holds configuration for the Qdrant connection.
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	APIKey          string // Qdrant Cloud API key (enables TLS automatically)
	UseTLS          bool   // Explicitly enable TLS without API key
	VectorDimension int
}

// apiKeyInterceptor creates a unary interceptor that adds the API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository handles vector index operations. One repository serves
// every collection; the collection name is chosen per call because text and
// image embeddings live in separate collections.
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	qdrantClient    pb.QdrantClient
	vectorDimension int
}

// NewQdrantRepository connects to Qdrant and verifies the server is
// reachable, retrying with exponential backoff before giving up. Supports
// both local Qdrant (insecure) and Qdrant Cloud (TLS + API key).
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	vectorDimension := cfg.VectorDimension
	if vectorDimension <= 0 {
		vectorDimension = defaultVectorDimension
	}

	var opts []grpc.DialOption

	useTLS := cfg.UseTLS || cfg.APIKey != ""
	if useTLS {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	repo := &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		qdrantClient:    pb.NewQdrantClient(conn),
		vectorDimension: vectorDimension,
	}

	if err := repo.healthCheckWithRetry(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("qdrant unreachable: %w", err)
	}

	return repo, nil
}

// healthCheckWithRetry probes the server with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (r *QdrantRepository) healthCheckWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		_, err := r.qdrantClient.HealthCheck(ctx, &pb.HealthCheckRequest{})
		return err
	}, backoff.WithContext(bo, ctx))
}

// Close closes the gRPC connection.
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection if it does not exist, and rejects
// an existing collection whose vector size disagrees with the configured
// dimensionality.
func (r *QdrantRepository) EnsureCollection(ctx context.Context, collection string) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: collection,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok {
			if size != uint64(r.vectorDimension) {
				return fmt.Errorf("collection %s has vector size %d, expected %d", collection, size, r.vectorDimension)
			}
		}
		return nil
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}

	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}

	config := info.GetConfig()
	if config == nil {
		return 0, false
	}

	params := config.GetParams()
	if params == nil {
		return 0, false
	}

	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}

	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}

	if paramsMap := vectors.GetParamsMap(); paramsMap != nil {
		for _, vectorParams := range paramsMap.GetMap() {
			if vectorParams == nil {
				continue
			}
			if size := vectorParams.GetSize(); size > 0 {
				return size, true
			}
		}
	}

	return 0, false
}

// ProductPayload is the payload stored with each catalog vector.
type ProductPayload struct {
	ProductID     string `json:"product_id"`
	EmbeddingType string `json:"embedding_type"`
	Category      string `json:"category"`
	ImageIndex    int    `json:"image_index"`
	S3ImageURL    string `json:"s3_image_url"`
}

// Upsert inserts or updates one vector in the given collection.
func (r *QdrantRepository) Upsert(ctx context.Context, collection, pointID string, vector []float32, payload *ProductPayload) error {
	uid, err := uuid.Parse(pointID)
	if err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}

	points := []*pb.PointStruct{
		{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vector},
				},
			},
			Payload: map[string]*pb.Value{
				"product_id":     {Kind: &pb.Value_StringValue{StringValue: payload.ProductID}},
				"embedding_type": {Kind: &pb.Value_StringValue{StringValue: payload.EmbeddingType}},
				"category":       {Kind: &pb.Value_StringValue{StringValue: payload.Category}},
				"image_index":    {Kind: &pb.Value_IntegerValue{IntegerValue: int64(payload.ImageIndex)}},
				"s3_image_url":   {Kind: &pb.Value_StringValue{StringValue: payload.S3ImageURL}},
			},
		},
	}

	_, err = r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}

	return nil
}

// Delete removes a point by ID from the given collection. Deleting a point
// that does not exist is not an error.
func (r *QdrantRepository) Delete(ctx context.Context, collection, pointID string) error {
	uid, err := uuid.Parse(pointID)
	if err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}

	_, err = r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{
						{PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()}},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}

	return nil
}

// SearchResult represents one scored hit from a similarity search.
type SearchResult struct {
	ID      string
	Score   float32
	Payload *ProductPayload
}

// SearchFilters defines optional filters for search.
type SearchFilters struct {
	Category *string
}

// Search performs a vector similarity search over the given collection.
func (r *QdrantRepository) Search(ctx context.Context, collection string, vector []float32, topK int, filters *SearchFilters) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}

	if filters != nil {
		req.Filter = buildFilter(filters)
	}

	resp, err := r.pointsClient.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, len(resp.Result))
	for i, scored := range resp.Result {
		results[i] = SearchResult{
			ID:      scored.Id.GetUuid(),
			Score:   scored.Score,
			Payload: parsePayload(scored.Payload),
		}
	}

	return results, nil
}

func buildFilter(filters *SearchFilters) *pb.Filter {
	var conditions []*pb.Condition

	if filters.Category != nil && *filters.Category != "" {
		conditions = append(conditions, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: "category",
					Match: &pb.Match{
						MatchValue: &pb.Match_Keyword{Keyword: *filters.Category},
					},
				},
			},
		})
	}

	if len(conditions) == 0 {
		return nil
	}

	return &pb.Filter{Must: conditions}
}

func parsePayload(payload map[string]*pb.Value) *ProductPayload {
	if payload == nil {
		return nil
	}

	p := &ProductPayload{}
	if v, ok := payload["product_id"]; ok {
		p.ProductID = v.GetStringValue()
	}
	if v, ok := payload["embedding_type"]; ok {
		p.EmbeddingType = v.GetStringValue()
	}
	if v, ok := payload["category"]; ok {
		p.Category = v.GetStringValue()
	}
	if v, ok := payload["image_index"]; ok {
		p.ImageIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload["s3_image_url"]; ok {
		p.S3ImageURL = v.GetStringValue()
	}

	return p
}

// ScrollIDs pages through all point IDs in a collection. Pass an empty
// offset to start from the beginning; an empty next offset means the scan
// is complete. Used by the reconciliation sweep.
func (r *QdrantRepository) ScrollIDs(ctx context.Context, collection, offset string, limit int) (ids []string, next string, err error) {
	req := &pb.ScrollPoints{
		CollectionName: collection,
		Limit:          optionalUint32(uint32(limit)),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: false},
		},
	}
	if offset != "" {
		req.Offset = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: offset}}
	}

	resp, err := r.pointsClient.Scroll(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scroll points: %w", err)
	}

	ids = make([]string, 0, len(resp.Result))
	for _, point := range resp.Result {
		ids = append(ids, point.Id.GetUuid())
	}

	if resp.NextPageOffset != nil {
		next = resp.NextPageOffset.GetUuid()
	}

	return ids, next, nil
}

func optionalUint32(v uint32) *uint32 {
	return &v
}
