package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "fileshield", cfg.ClickHouse.Database)
	assert.Equal(t, "dangerous_hashes", cfg.Redis.BloomFilterName)
	assert.Equal(t, 24*time.Hour, cfg.Redis.VerdictTTL)
	assert.Equal(t, time.Hour, cfg.Redis.SessionWindow)
	assert.Equal(t, 100, cfg.Engine.ForestTrees)
	assert.Equal(t, 256, cfg.Engine.ForestSampleSize)
	assert.Equal(t, int64(42), cfg.Engine.ForestSeed)
	assert.Empty(t, cfg.Engine.SignaturesFile)
	assert.Nil(t, cfg.Worker.FileExtensions)
	assert.False(t, cfg.Worker.Watch)
	assert.Equal(t, 2*time.Second, cfg.Worker.WatchDebounce)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("CLICKHOUSE_PORT", "19000")
	t.Setenv("VERDICT_CACHE_TTL", "90m")
	t.Setenv("FILE_EXTENSIONS", ".exe, .js,,.pdf ")
	t.Setenv("FOREST_SEED", "7")
	t.Setenv("SIGNATURES_FILE", "/etc/fileshield/signatures.yaml")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("WATCH", "true")
	t.Setenv("WATCH_DEBOUNCE", "500ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 19000, cfg.ClickHouse.Port)
	assert.Equal(t, 90*time.Minute, cfg.Redis.VerdictTTL)
	assert.Equal(t, []string{".exe", ".js", ".pdf"}, cfg.Worker.FileExtensions)
	assert.Equal(t, int64(7), cfg.Engine.ForestSeed)
	assert.Equal(t, "/etc/fileshield/signatures.yaml", cfg.Engine.SignaturesFile)
	assert.True(t, cfg.MinIO.UseSSL)
	assert.True(t, cfg.Worker.Watch)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.WatchDebounce)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-port")
	t.Setenv("SESSION_WINDOW", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, time.Hour, cfg.Redis.SessionWindow)
}

func TestLoad_RejectsInvalidSizes(t *testing.T) {
	t.Setenv("WORKER_COUNT", "0")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("FOREST_TREES", "-1")
	_, err = Load()
	assert.Error(t, err)
}
