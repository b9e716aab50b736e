// Package config provides environment-first configuration for the edge
// proxy. An optional YAML file supplies a base; ${VAR} references inside
// it are expanded, and enumerated environment variables override both the
// file and the built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clipstream/vodedge/internal/cache"
	"github.com/clipstream/vodedge/internal/origin"
)

// Config represents the complete edge proxy configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Proxy    ProxyConfig          `yaml:"proxy"`
	Origin   origin.S3Config      `yaml:"origin"`
	Cache    cache.Config         `yaml:"cache"`
	Capacity cache.CapacityConfig `yaml:"capacity"`
	Logging  LoggingConfig        `yaml:"logging"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Tracing  TracingConfig        `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Env          string        `yaml:"env"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ProxyConfig contains edge-serving settings.
type ProxyConfig struct {
	DefaultBucket string `yaml:"default_bucket"`
	CDNBasePath   string `yaml:"cdn_base_path"`
	ProxyBasePath string `yaml:"proxy_base_path"`

	// MaxCacheableBytes caps streamed objects admitted to the cache.
	MaxCacheableBytes int64 `yaml:"max_cacheable_bytes"`
	// MaxPlaylistCacheBytes caps rewritten playlists admitted to the cache.
	MaxPlaylistCacheBytes int64 `yaml:"max_playlist_cache_bytes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			Env:          "development",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Proxy: ProxyConfig{
			DefaultBucket:         "vod",
			CDNBasePath:           "/cdn",
			ProxyBasePath:         "/proxy",
			MaxCacheableBytes:     5 * 1024 * 1024,
			MaxPlaylistCacheBytes: 1024 * 1024,
		},
		Origin:   origin.DefaultS3Config(),
		Cache:    cache.DefaultConfig(),
		Capacity: cache.DefaultCapacityConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "vodedge",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file,
// then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from the enumerated environment variables.
func (c *Config) applyEnv() {
	envString("HOST", &c.Server.Host)
	envInt("PORT", &c.Server.Port)
	envString("NODE_ENV", &c.Server.Env)
	envString("LOG_LEVEL", &c.Logging.Level)

	envString("S3_ENDPOINT", &c.Origin.Endpoint)
	envString("S3_ACCESS_KEY_ID", &c.Origin.AccessKeyID)
	envString("S3_SECRET_ACCESS_KEY", &c.Origin.SecretAccessKey)
	envString("S3_REGION", &c.Origin.Region)
	envString("S3_BUCKET_NAME", &c.Proxy.DefaultBucket)
	envBool("S3_FORCE_PATH_STYLE", &c.Origin.ForcePathStyle)
	envBool("S3_USE_SSL", &c.Origin.UseSSL)
	envSeconds("REQUEST_TIMEOUT", &c.Origin.RequestTimeout)

	if v := os.Getenv("CACHE_MODE"); v != "" {
		if mode, ok := cache.ParseMode(v); ok {
			c.Cache.Mode = mode
		}
	}
	if v, ok := lookupSeconds("CACHE_TTL"); ok {
		c.Cache.Memory.DefaultTTL = v
		c.Cache.Redis.DefaultTTL = v
		c.Cache.Cassandra.DefaultTTL = v
	}
	envSeconds("CACHE_CHECK_PERIOD", &c.Cache.Memory.CheckPeriod)
	envInt64("CACHE_MAX_ITEMS", &c.Cache.Memory.MaxItems)
	envInt64("CACHE_MAX_SIZE", &c.Cache.Memory.MaxBytes)

	envString("REDIS_HOST", &c.Cache.Redis.Host)
	envInt("REDIS_PORT", &c.Cache.Redis.Port)
	envString("REDIS_PASSWORD", &c.Cache.Redis.Password)
	envInt("REDIS_DB", &c.Cache.Redis.DB)
	envString("REDIS_KEY_PREFIX", &c.Cache.Redis.KeyPrefix)
	envInt("REDIS_MAX_RETRIES", &c.Cache.Redis.MaxRetries)
	envSeconds("REDIS_CONNECT_TIMEOUT", &c.Cache.Redis.ConnectTimeout)
	envSeconds("REDIS_COMMAND_TIMEOUT", &c.Cache.Redis.CommandTimeout)

	if v := os.Getenv("CASSANDRA_HOSTS"); v != "" {
		c.Cache.Cassandra.Hosts = splitHosts(v)
	}
	envString("CASSANDRA_KEYSPACE", &c.Cache.Cassandra.Keyspace)
	envString("CASSANDRA_USERNAME", &c.Cache.Cassandra.Username)
	envString("CASSANDRA_PASSWORD", &c.Cache.Cassandra.Password)
	envString("CASSANDRA_LOCAL_DC", &c.Cache.Cassandra.LocalDC)
	envString("CASSANDRA_CONSISTENCY", &c.Cache.Cassandra.Consistency)
	envInt("CASSANDRA_REPLICATION_FACTOR", &c.Cache.Cassandra.ReplicationFactor)
	envString("CASSANDRA_TABLE", &c.Cache.Cassandra.Table)
	envSeconds("CASSANDRA_CONNECT_TIMEOUT", &c.Cache.Cassandra.ConnectTimeout)
	envSeconds("CASSANDRA_REQUEST_TIMEOUT", &c.Cache.Cassandra.RequestTimeout)
	envInt64("CASSANDRA_MAX_FILES", &c.Cache.Cassandra.MaxRows)

	envFloat("REDIS_CAPACITY_THRESHOLD", &c.Capacity.RedisThreshold)
	envFloat("CASSANDRA_CAPACITY_THRESHOLD", &c.Capacity.CassandraThreshold)
	envSeconds("CAPACITY_CHECK_INTERVAL", &c.Capacity.Interval)

	// Legacy fractional form of the Redis pressure threshold.
	if v, ok := lookupFloat("REDIS_MEMORY_THRESHOLD"); ok && v > 0 && v < 1 {
		c.Capacity.RedisThreshold = v * 100
	}

	envString("CDN_BASE_PATH", &c.Proxy.CDNBasePath)
	envString("PROXY_BASE_PATH", &c.Proxy.ProxyBasePath)
	envBool("METRICS_ENABLED", &c.Metrics.Enabled)

	envBool("TRACING_ENABLED", &c.Tracing.Enabled)
	envString("TRACING_ENDPOINT", &c.Tracing.Endpoint)
	envString("TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	envFloat("TRACING_SAMPLE_RATE", &c.Tracing.SampleRate)
	envBool("TRACING_INSECURE", &c.Tracing.Insecure)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if _, ok := cache.ParseMode(string(c.Cache.Mode)); !ok {
		return fmt.Errorf("invalid cache mode: %q", c.Cache.Mode)
	}
	if c.Proxy.DefaultBucket == "" {
		return fmt.Errorf("default bucket is required")
	}
	if !strings.HasPrefix(c.Proxy.CDNBasePath, "/") {
		return fmt.Errorf("cdn base path must start with /: %q", c.Proxy.CDNBasePath)
	}
	if !strings.HasPrefix(c.Proxy.ProxyBasePath, "/") {
		return fmt.Errorf("proxy base path must start with /: %q", c.Proxy.ProxyBasePath)
	}
	if t := c.Capacity.RedisThreshold; t <= 0 || t >= 100 {
		return fmt.Errorf("redis capacity threshold out of range: %.1f", t)
	}
	if t := c.Capacity.CassandraThreshold; t <= 0 || t >= 100 {
		return fmt.Errorf("cassandra capacity threshold out of range: %.1f", t)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate out of range: %.2f", c.Tracing.SampleRate)
	}
	return nil
}

func splitHosts(s string) []string {
	parts := strings.Split(s, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := lookupFloat(name); ok {
		*dst = v
	}
}

func lookupFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envSeconds(name string, dst *time.Duration) {
	if v, ok := lookupSeconds(name); ok {
		*dst = v
	}
}

// lookupSeconds parses an integer-seconds environment variable.
func lookupSeconds(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
