package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fileshield/internal/config"
	"fileshield/internal/models"
)

// RedisClient wraps the Redis connection: a bloom filter of dangerous content
// hashes, the verdict cache, upload session counters and API rate limits
type RedisClient struct {
	client          *redis.Client
	cfg             config.RedisConfig
	bloomFilterName string
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("Connected to Redis")

	rc := &RedisClient{
		client:          client,
		cfg:             cfg,
		bloomFilterName: cfg.BloomFilterName,
	}

	// Initialize Bloom Filter if it doesn't exist
	if err := rc.initBloomFilter(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize dangerous-hash filter")
	}

	return rc, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping checks if the connection is alive
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// ========== Bloom Filter Operations ==========

// initBloomFilter reserves the dangerous-hash filter. Reserving fails when the
// filter already exists, which is reported as success.
func (r *RedisClient) initBloomFilter(ctx context.Context) error {
	err := r.client.BFReserve(ctx, r.bloomFilterName, r.cfg.BloomFilterErrorRate, r.cfg.BloomFilterCapacity).Err()
	if err != nil {
		info, infoErr := r.client.BFInfo(ctx, r.bloomFilterName).Result()
		if infoErr == nil {
			log.Info().
				Int64("capacity", info.Capacity).
				Int64("size", info.Size).
				Int64("items", info.ItemsInserted).
				Msg("Dangerous-hash filter already exists")
			return nil
		}
		return err
	}

	log.Info().
		Str("name", r.bloomFilterName).
		Float64("error_rate", r.cfg.BloomFilterErrorRate).
		Int64("capacity", r.cfg.BloomFilterCapacity).
		Msg("Created dangerous-hash filter")

	return nil
}

// MarkDangerous adds a content hash to the dangerous-hash filter
func (r *RedisClient) MarkDangerous(ctx context.Context, contentHash string) error {
	return r.client.BFAdd(ctx, r.bloomFilterName, contentHash).Err()
}

// IsKnownDangerous reports whether a content hash was previously scored
// dangerous. False positives are possible at the configured error rate.
func (r *RedisClient) IsKnownDangerous(ctx context.Context, contentHash string) (bool, error) {
	return r.client.BFExists(ctx, r.bloomFilterName, contentHash).Result()
}

// FilterInfo returns the size and item count of the dangerous-hash filter
func (r *RedisClient) FilterInfo(ctx context.Context) (redis.BFInfo, error) {
	return r.client.BFInfo(ctx, r.bloomFilterName).Result()
}

// ========== Verdict Cache ==========

// VerdictKey is the cache key of a scan. Features depend on the filename as
// well as the bytes, so both are part of the key.
func VerdictKey(contentHash, filename string) string {
	name := sha256.Sum256([]byte(filename))
	return fmt.Sprintf("verdict:%s:%s", contentHash, hex.EncodeToString(name[:8]))
}

// CacheScan stores a scan for the configured TTL
func (r *RedisClient) CacheScan(ctx context.Context, scan models.FileScan) error {
	data, err := json.Marshal(scan)
	if err != nil {
		return fmt.Errorf("failed to encode scan: %w", err)
	}
	return r.client.Set(ctx, VerdictKey(scan.Features.ContentHash, scan.Filename), data, r.cfg.VerdictTTL).Err()
}

// GetCachedScan returns the cached scan of the same bytes under the same
// name, or nil on a miss
func (r *RedisClient) GetCachedScan(ctx context.Context, contentHash, filename string) (*models.FileScan, error) {
	data, err := r.client.Get(ctx, VerdictKey(contentHash, filename)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached scan: %w", err)
	}

	var scan models.FileScan
	if err := json.Unmarshal(data, &scan); err != nil {
		return nil, fmt.Errorf("failed to decode cached scan: %w", err)
	}
	return &scan, nil
}

// ========== Upload Sessions ==========

// SessionKey is the per-user upload counter key
func SessionKey(userID string) string {
	return fmt.Sprintf("session_uploads:%s", userID)
}

// IncrementSessionUploads counts an upload in the user's current session. The
// session ends once no upload arrived for the configured window.
func (r *RedisClient) IncrementSessionUploads(ctx context.Context, userID string) (uint32, error) {
	key := SessionKey(userID)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.cfg.SessionWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count session upload: %w", err)
	}

	return uint32(incr.Val()), nil
}

// ========== Rate Limiting ==========

// rateLimitScript increments a fixed-window counter, starting the window on first use
var rateLimitScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimitKey generates a rate limit key for a caller identity
func RateLimitKey(identity string) string {
	return fmt.Sprintf("rate_limit:%s", identity)
}

// IncrementRateLimit counts one request in the caller's window.
// Returns the current count and whether the limit was exceeded.
func (r *RedisClient) IncrementRateLimit(ctx context.Context, identity string, limit int, window time.Duration) (int64, bool, error) {
	result, err := rateLimitScript.Run(ctx, r.client, []string{RateLimitKey(identity)}, int(window.Seconds())).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("failed to run rate limit script: %w", err)
	}

	return result, result > int64(limit), nil
}
