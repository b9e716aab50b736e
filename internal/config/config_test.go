package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipstream/vodedge/internal/cache"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, cache.ModeMemory, cfg.Cache.Mode)
	assert.Equal(t, "vod", cfg.Proxy.DefaultBucket)
	assert.Equal(t, "/cdn", cfg.Proxy.CDNBasePath)
	assert.Equal(t, "/proxy", cfg.Proxy.ProxyBasePath)
	assert.Equal(t, int64(5*1024*1024), cfg.Proxy.MaxCacheableBytes)
	assert.Equal(t, 85.0, cfg.Capacity.RedisThreshold)
	assert.Equal(t, 90.0, cfg.Capacity.CassandraThreshold)
	assert.True(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("S3_ENDPOINT", "minio:9000")
	t.Setenv("S3_ACCESS_KEY_ID", "AKIA")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_BUCKET_NAME", "assets")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("CACHE_MODE", "redis-cassandra")
	t.Setenv("CACHE_TTL", "120")
	t.Setenv("CACHE_MAX_ITEMS", "5000")
	t.Setenv("CACHE_MAX_SIZE", "1048576")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("CASSANDRA_HOSTS", "cass1, cass2,cass3")
	t.Setenv("CASSANDRA_KEYSPACE", "edge")
	t.Setenv("CASSANDRA_MAX_FILES", "50000")
	t.Setenv("REDIS_CAPACITY_THRESHOLD", "70")
	t.Setenv("CASSANDRA_CAPACITY_THRESHOLD", "75")
	t.Setenv("CDN_BASE_PATH", "/content")
	t.Setenv("PROXY_BASE_PATH", "/admin")
	t.Setenv("METRICS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "minio:9000", cfg.Origin.Endpoint)
	assert.Equal(t, "AKIA", cfg.Origin.AccessKeyID)
	assert.True(t, cfg.Origin.UseSSL)
	assert.Equal(t, "assets", cfg.Proxy.DefaultBucket)
	assert.Equal(t, cache.ModeHybrid, cfg.Cache.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Cache.Memory.DefaultTTL)
	assert.Equal(t, 2*time.Minute, cfg.Cache.Redis.DefaultTTL)
	assert.Equal(t, 2*time.Minute, cfg.Cache.Cassandra.DefaultTTL)
	assert.Equal(t, int64(5000), cfg.Cache.Memory.MaxItems)
	assert.Equal(t, int64(1048576), cfg.Cache.Memory.MaxBytes)
	assert.Equal(t, "redis.internal", cfg.Cache.Redis.Host)
	assert.Equal(t, 6380, cfg.Cache.Redis.Port)
	assert.Equal(t, []string{"cass1", "cass2", "cass3"}, cfg.Cache.Cassandra.Hosts)
	assert.Equal(t, "edge", cfg.Cache.Cassandra.Keyspace)
	assert.Equal(t, int64(50000), cfg.Cache.Cassandra.MaxRows)
	assert.Equal(t, 70.0, cfg.Capacity.RedisThreshold)
	assert.Equal(t, 75.0, cfg.Capacity.CassandraThreshold)
	assert.Equal(t, "/content", cfg.Proxy.CDNBasePath)
	assert.Equal(t, "/admin", cfg.Proxy.ProxyBasePath)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadLegacyRedisMemoryThreshold(t *testing.T) {
	t.Setenv("REDIS_MEMORY_THRESHOLD", "0.8")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 80.0, cfg.Capacity.RedisThreshold)
}

func TestLoadUnknownCacheModeIgnored(t *testing.T) {
	t.Setenv("CACHE_MODE", "memcached")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cache.ModeMemory, cfg.Cache.Mode)
}

func TestLoadYAMLFileWithExpansion(t *testing.T) {
	t.Setenv("TEST_S3_SECRET", "expanded-secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 9090
origin:
  endpoint: minio.local:9000
  secret_access_key: ${TEST_S3_SECRET}
cache:
  mode: redis
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "minio.local:9000", cfg.Origin.Endpoint)
	assert.Equal(t, "expanded-secret", cfg.Origin.SecretAccessKey)
	assert.Equal(t, cache.ModeRedis, cfg.Cache.Mode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"bad cache mode", func(c *Config) { c.Cache.Mode = "bogus" }},
		{"empty default bucket", func(c *Config) { c.Proxy.DefaultBucket = "" }},
		{"relative cdn base", func(c *Config) { c.Proxy.CDNBasePath = "cdn" }},
		{"relative proxy base", func(c *Config) { c.Proxy.ProxyBasePath = "proxy" }},
		{"redis threshold too high", func(c *Config) { c.Capacity.RedisThreshold = 100 }},
		{"cassandra threshold too low", func(c *Config) { c.Capacity.CassandraThreshold = 0 }},
		{"sample rate out of range", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
