package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"fileshield/internal/config"
	"fileshield/internal/models"
)

// FeatureVectorSize is the length of models.FeatureRecord.Vector
const FeatureVectorSize = 7

// featureNamespace derives stable point IDs from content hashes
var featureNamespace = uuid.MustParse("6f1c3b0e-2a57-4d8e-9a43-5c1e7f0d2b61")

// QdrantClient stores file feature vectors for nearest-neighbour lookups
type QdrantClient struct {
	conn              *grpc.ClientConn
	pointsClient      pb.PointsClient
	collectionsClient pb.CollectionsClient
	cfg               config.QdrantConfig
}

// NewQdrantClient connects to Qdrant and makes sure the collection exists
func NewQdrantClient(cfg config.QdrantConfig) (*QdrantClient, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	client := &QdrantClient{
		conn:              conn,
		pointsClient:      pb.NewPointsClient(conn),
		collectionsClient: pb.NewCollectionsClient(conn),
		cfg:               cfg,
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.GRPCPort).
		Str("collection", cfg.Collection).
		Msg("Connected to Qdrant")

	return client, nil
}

// Close closes the Qdrant connection
func (q *QdrantClient) Close() error {
	return q.conn.Close()
}

// PointID maps a content hash to its point ID
func PointID(contentHash string) string {
	return uuid.NewSHA1(featureNamespace, []byte(contentHash)).String()
}

// ========== Collection Operations ==========

// EnsureCollection creates the feature collection unless it already exists
func (q *QdrantClient) EnsureCollection(ctx context.Context) error {
	list, err := q.collectionsClient.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.cfg.Collection {
			return nil
		}
	}

	_, err = q.collectionsClient.Create(ctx, &pb.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     FeatureVectorSize,
					Distance: pb.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	log.Info().Str("collection", q.cfg.Collection).Msg("Created Qdrant collection")
	return nil
}

// ========== Point Operations ==========

// UpsertScans stores the feature vector of each scan, keyed by content hash
func (q *QdrantClient) UpsertScans(ctx context.Context, scans []models.FileScan) error {
	if len(scans) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, 0, len(scans))
	for _, s := range scans {
		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(s.Features.ContentHash)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: s.Features.Vector()},
				},
			},
			Payload: map[string]*pb.Value{
				"content_hash":  stringValue(s.Features.ContentHash),
				"filename":      stringValue(s.Filename),
				"file_category": stringValue(string(s.Verdict.FileCategory)),
				"threat_score":  {Kind: &pb.Value_DoubleValue{DoubleValue: s.Verdict.ThreatScore}},
			},
		})
	}

	_, err := q.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}

	log.Debug().
		Str("collection", q.cfg.Collection).
		Int("count", len(points)).
		Msg("Upserted feature vectors")

	return nil
}

// SearchSimilar returns up to limit files whose features are nearest to vector
func (q *QdrantClient) SearchSimilar(ctx context.Context, vector []float32, limit uint64) ([]models.SimilarFile, error) {
	resp, err := q.pointsClient.Search(ctx, &pb.SearchPoints{
		CollectionName: q.cfg.Collection,
		Vector:         vector,
		Limit:          limit,
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	results := make([]models.SimilarFile, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		payload := point.GetPayload()
		results = append(results, models.SimilarFile{
			ContentHash:  payload["content_hash"].GetStringValue(),
			Filename:     payload["filename"].GetStringValue(),
			FileCategory: models.FileCategory(payload["file_category"].GetStringValue()),
			ThreatScore:  payload["threat_score"].GetDoubleValue(),
			Distance:     point.GetScore(),
		})
	}

	return results, nil
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}
