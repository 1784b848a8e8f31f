package db

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"fileshield/internal/config"
	"fileshield/internal/extractor"
)

// MinIOClient stores raw uploads keyed by content hash
type MinIOClient struct {
	client *minio.Client
	cfg    config.MinIOConfig
}

// NewMinIOClient creates a new MinIO client
func NewMinIOClient(cfg config.MinIOConfig) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("Created MinIO bucket")
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Msg("Connected to MinIO")

	return &MinIOClient{client: client, cfg: cfg}, nil
}

// Bucket returns the configured bucket name
func (m *MinIOClient) Bucket() string {
	return m.cfg.Bucket
}

// ObjectKey maps a content hash to its object name, fanned out by the first byte
func ObjectKey(contentHash string) string {
	if len(contentHash) < 2 {
		return "files/" + contentHash
	}
	return fmt.Sprintf("files/%s/%s", contentHash[:2], contentHash)
}

// ========== Object Operations ==========

// StoreContent uploads file bytes under their content hash. Content that is
// already stored is not uploaded again.
func (m *MinIOClient) StoreContent(ctx context.Context, contentHash, filename string, content []byte) (string, error) {
	key := ObjectKey(contentHash)

	exists, err := m.ObjectExists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return key, nil
	}

	_, err = m.client.PutObject(ctx, m.cfg.Bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  GetContentType(filename),
		UserMetadata: map[string]string{"filename": filename},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload content: %w", err)
	}

	log.Debug().
		Str("object", key).
		Int("size", len(content)).
		Msg("Stored content in MinIO")

	return key, nil
}

// GetContent opens the stored bytes of a content hash
func (m *MinIOClient) GetContent(ctx context.Context, contentHash string) (*minio.Object, minio.ObjectInfo, error) {
	key := ObjectKey(contentHash)

	info, err := m.client.StatObject(ctx, m.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("failed to get object info: %w", err)
	}

	obj, err := m.client.GetObject(ctx, m.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("failed to get object: %w", err)
	}

	return obj, info, nil
}

// ObjectExists checks if an object exists
func (m *MinIOClient) ObjectExists(ctx context.Context, objectName string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.cfg.Bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// ========== Utility Functions ==========

// GetContentType determines the stored content type from the file extension
func GetContentType(filename string) string {
	if mime := extractor.GuessMIME(extractor.Extension(filename)); mime != extractor.UnknownMIME {
		return mime
	}
	return "application/octet-stream"
}
