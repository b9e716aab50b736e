package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis hash field names for a stored item.
const (
	fieldData         = "data"
	fieldSize         = "size"
	fieldContentType  = "contentType"
	fieldETag         = "etag"
	fieldLastModified = "lastModified"
	fieldCreatedAt    = "createdAt"
	fieldExpiresAt    = "expiresAt"
	fieldHitCount     = "hitCount"
)

// RedisBackend stores items as Redis hashes under a fixed key prefix.
// Payloads are base64-encoded at rest; store-native TTL mirrors the item
// TTL so Redis expires rows on its own. Connections are pooled and
// reconnect automatically.
type RedisBackend struct {
	client goredis.UniversalClient
	cfg    RedisConfig

	connected atomic.Bool

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// RedisConfig holds configuration for RedisBackend.
type RedisConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	KeyPrefix      string        `yaml:"key_prefix"`
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	PoolSize       int           `yaml:"pool_size"`
	MinIdleConns   int           `yaml:"min_idle_conns"`

	// MaxBytes bounds capacity accounting when the server does not
	// report a maxmemory limit.
	MaxBytes int64 `yaml:"max_bytes"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:           "localhost",
		Port:           6379,
		KeyPrefix:      "vodedge",
		MaxRetries:     3,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 3 * time.Second,
		DefaultTTL:     time.Hour,
		PoolSize:       10,
		MinIdleConns:   2,
		MaxBytes:       512 * 1024 * 1024,
	}
}

// NewRedisBackend creates a Redis backend. Initialize must be called
// before use.
func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "vodedge"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 * 1024 * 1024
	}
	return &RedisBackend{cfg: cfg}
}

// Initialize connects and verifies the server is reachable.
func (r *RedisBackend) Initialize(ctx context.Context) error {
	r.client = goredis.NewClient(&goredis.Options{
		Addr:         fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port),
		Password:     r.cfg.Password,
		DB:           r.cfg.DB,
		DialTimeout:  r.cfg.ConnectTimeout,
		ReadTimeout:  r.cfg.CommandTimeout,
		WriteTimeout: r.cfg.CommandTimeout,
		MaxRetries:   r.cfg.MaxRetries,
		PoolSize:     r.cfg.PoolSize,
		MinIdleConns: r.cfg.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	if err := r.client.Ping(pingCtx).Err(); err != nil {
		_ = r.client.Close()
		r.client = nil
		return fmt.Errorf("redis ping failed: %w", err)
	}

	r.connected.Store(true)
	return nil
}

func (r *RedisBackend) prefixed(key string) string {
	return r.cfg.KeyPrefix + ":" + key
}

func (r *RedisBackend) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.CommandTimeout)
}

// Get atomically reads all item fields. An expired row is deleted and
// reported as a miss.
func (r *RedisBackend) Get(ctx context.Context, key string) *Item {
	if r.client == nil {
		r.misses.Add(1)
		return nil
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	fields, err := r.client.HGetAll(opCtx, r.prefixed(key)).Result()
	if err != nil {
		r.errors.Add(1)
		r.misses.Add(1)
		return nil
	}
	if len(fields) == 0 {
		r.misses.Add(1)
		return nil
	}

	item, err := itemFromFields(fields)
	if err != nil {
		r.errors.Add(1)
		r.misses.Add(1)
		return nil
	}

	now := time.Now()
	if item.Expired(now) {
		// Redis native TTL lags the stored expiry by at most a second;
		// enforce it eagerly rather than serving a stale item. The
		// client value is captured so a concurrent Close cannot race
		// the field read.
		client := r.client
		go func() {
			delCtx, delCancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
			defer delCancel()
			_ = client.Del(delCtx, r.prefixed(key)).Err()
		}()
		r.misses.Add(1)
		return nil
	}

	if err := r.client.HIncrBy(opCtx, r.prefixed(key), fieldHitCount, 1).Err(); err == nil {
		item.HitCount++
	}

	r.hits.Add(1)
	return item
}

// Set writes all fields and the native TTL in one transactional pipeline.
func (r *RedisBackend) Set(ctx context.Context, key string, data []byte, opts SetOptions) bool {
	if r.client == nil {
		return false
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}
	now := time.Now()

	fields := map[string]any{
		fieldData:      base64.StdEncoding.EncodeToString(data),
		fieldSize:      int64(len(data)),
		fieldCreatedAt: now.Format(time.RFC3339Nano),
		fieldExpiresAt: now.Add(ttl).Format(time.RFC3339Nano),
		fieldHitCount:  0,
	}
	if opts.ContentType != "" {
		fields[fieldContentType] = opts.ContentType
	}
	if opts.ETag != "" {
		fields[fieldETag] = opts.ETag
	}
	if !opts.LastModified.IsZero() {
		fields[fieldLastModified] = opts.LastModified.Format(time.RFC3339)
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Del(opCtx, r.prefixed(key))
	pipe.HSet(opCtx, r.prefixed(key), fields)
	pipe.Expire(opCtx, r.prefixed(key), ttl)

	if _, err := pipe.Exec(opCtx); err != nil {
		r.errors.Add(1)
		return false
	}

	r.sets.Add(1)
	return true
}

// Delete removes key.
func (r *RedisBackend) Delete(ctx context.Context, key string) bool {
	if r.client == nil {
		return false
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.Del(opCtx, r.prefixed(key)).Result()
	if err != nil {
		r.errors.Add(1)
		return false
	}
	if n > 0 {
		r.deletes.Add(1)
	}
	return n > 0
}

// Exists reports whether key is present.
func (r *RedisBackend) Exists(ctx context.Context, key string) bool {
	if r.client == nil {
		return false
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.Exists(opCtx, r.prefixed(key)).Result()
	if err != nil {
		r.errors.Add(1)
		return false
	}
	return n > 0
}

// Clear enumerates the prefix and deletes in batches, leaving other
// tenants on the same server untouched.
func (r *RedisBackend) Clear(ctx context.Context) bool {
	keys := r.scanKeys(ctx)
	if keys == nil {
		return false
	}
	if len(keys) == 0 {
		return true
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	const batch = 500
	for start := 0; start < len(keys); start += batch {
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.client.Del(opCtx, keys[start:end]...).Err(); err != nil {
			r.errors.Add(1)
			return false
		}
	}
	return true
}

// scanKeys returns every prefixed key, or nil on error.
func (r *RedisBackend) scanKeys(ctx context.Context) []string {
	if r.client == nil {
		return nil
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	var (
		keys   = []string{}
		cursor uint64
	)
	for {
		page, next, err := r.client.Scan(opCtx, cursor, r.cfg.KeyPrefix+":*", 500).Result()
		if err != nil {
			r.errors.Add(1)
			return nil
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			return keys
		}
	}
}

// GetStats derives size from server-reported memory and item count from
// keyspace enumeration under the prefix.
func (r *RedisBackend) GetStats(ctx context.Context) Stats {
	hits := r.hits.Load()
	misses := r.misses.Load()

	stats := Stats{
		Hits:      hits,
		Misses:    misses,
		Sets:      r.sets.Load(),
		Deletes:   r.deletes.Load(),
		Errors:    r.errors.Load(),
		HitRatio:  hitRatio(hits, misses),
		Mode:      ModeRedis,
		Connected: r.IsHealthy(ctx),
	}

	if keys := r.scanKeys(ctx); keys != nil {
		stats.Items = int64(len(keys))
	}
	used, _ := r.memoryInfo(ctx)
	stats.SizeBytes = used

	return stats
}

// memoryInfo parses used_memory and maxmemory from INFO. Servers that do
// not expose the memory section report zero usage.
func (r *RedisBackend) memoryInfo(ctx context.Context) (used, max int64) {
	if r.client == nil {
		return 0, 0
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	info, err := r.client.Info(opCtx, "memory").Result()
	if err != nil {
		r.errors.Add(1)
		return 0, 0
	}

	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			used, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, ok := strings.CutPrefix(line, "maxmemory:"); ok {
			max, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return used, max
}

// IsHealthy pings the server within the command timeout.
func (r *RedisBackend) IsHealthy(ctx context.Context) bool {
	if r.client == nil {
		return false
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	return r.client.Ping(opCtx).Err() == nil
}

// GetCapacityInfo derives usage from INFO memory. When the server has no
// maxmemory limit the configured MaxBytes bounds the percentage.
func (r *RedisBackend) GetCapacityInfo(ctx context.Context) CapacityInfo {
	used, max := r.memoryInfo(ctx)
	if max <= 0 {
		max = r.cfg.MaxBytes
	}

	var items int64
	if keys := r.scanKeys(ctx); keys != nil {
		items = int64(len(keys))
	}

	return CapacityInfo{
		UsedBytes:      used,
		MaxBytes:       max,
		UsedPercentage: percentage(used, max),
		ItemCount:      items,
	}
}

// GetItemsByHitCount pipelines an HGET per key and sorts ascending.
func (r *RedisBackend) GetItemsByHitCount(ctx context.Context, limit int) []HitCountEntry {
	if limit <= 0 {
		return nil
	}
	keys := r.scanKeys(ctx)
	if len(keys) == 0 {
		return nil
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	pipe := r.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGet(opCtx, key, fieldHitCount)
	}
	if _, err := pipe.Exec(opCtx); err != nil && err != goredis.Nil {
		r.errors.Add(1)
		return nil
	}

	entries := make([]HitCountEntry, 0, len(keys))
	for i, cmd := range cmds {
		count, err := cmd.Int64()
		if err != nil && err != goredis.Nil {
			continue
		}
		entries = append(entries, HitCountEntry{
			Key:      strings.TrimPrefix(keys[i], r.cfg.KeyPrefix+":"),
			HitCount: count,
		})
	}

	sortByHitCount(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// IncrementHitCount is an atomic field increment.
func (r *RedisBackend) IncrementHitCount(ctx context.Context, key string) bool {
	if r.client == nil {
		return false
	}

	opCtx, cancel := r.opCtx(ctx)
	defer cancel()

	exists, err := r.client.Exists(opCtx, r.prefixed(key)).Result()
	if err != nil || exists == 0 {
		if err != nil {
			r.errors.Add(1)
		}
		return false
	}
	return r.client.HIncrBy(opCtx, r.prefixed(key), fieldHitCount, 1).Err() == nil
}

// Close releases the connection pool. The client field is left in place
// so operations in flight during a backend switch degrade to misses on
// ErrClosed instead of dereferencing nil.
func (r *RedisBackend) Close() error {
	if r.client == nil || !r.connected.CompareAndSwap(true, false) {
		return nil
	}
	return r.client.Close()
}

func itemFromFields(fields map[string]string) (*Item, error) {
	data, err := base64.StdEncoding.DecodeString(fields[fieldData])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	item := &Item{
		Data:        data,
		Size:        int64(len(data)),
		ContentType: fields[fieldContentType],
		ETag:        fields[fieldETag],
	}

	if v := fields[fieldSize]; v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			item.Size = size
		}
	}
	if v := fields[fieldLastModified]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			item.LastModified = t
		}
	}
	if v := fields[fieldCreatedAt]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			item.CreatedAt = t
		}
	}
	if v := fields[fieldExpiresAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse expiry: %w", err)
		}
		item.ExpiresAt = t
	}
	if v := fields[fieldHitCount]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			item.HitCount = n
		}
	}

	return item, nil
}
