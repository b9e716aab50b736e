package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gocql/gocql"
)

// CassandraBackend uses a wide-column store as the persistent cache tier.
// Rows expire through native USING TTL writes; expires_at is also
// materialized (and indexed) so capacity scans can filter without reading
// payloads. Hit counts live in a sibling counter table because counter
// columns cannot share a table with regular columns.
type CassandraBackend struct {
	session *gocql.Session
	cfg     CassandraConfig

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// CassandraConfig holds configuration for CassandraBackend.
type CassandraConfig struct {
	Hosts             []string      `yaml:"hosts"`
	Keyspace          string        `yaml:"keyspace"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	LocalDC           string        `yaml:"local_dc"`
	Consistency       string        `yaml:"consistency"`
	ReplicationFactor int           `yaml:"replication_factor"`
	Table             string        `yaml:"table"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	DefaultTTL        time.Duration `yaml:"default_ttl"`

	// MaxRows and MaxBytes bound capacity accounting; the store itself
	// has no admission ceiling.
	MaxRows  int64 `yaml:"max_rows"`
	MaxBytes int64 `yaml:"max_bytes"`
}

// DefaultCassandraConfig returns sensible defaults.
func DefaultCassandraConfig() CassandraConfig {
	return CassandraConfig{
		Hosts:             []string{"localhost"},
		Keyspace:          "vodedge_cache",
		Consistency:       "LOCAL_QUORUM",
		ReplicationFactor: 1,
		Table:             "cache_items",
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    5 * time.Second,
		DefaultTTL:        time.Hour,
		MaxRows:           100000,
		MaxBytes:          10 * 1024 * 1024 * 1024,
	}
}

// NewCassandraBackend creates a Cassandra backend. Initialize must be
// called before use.
func NewCassandraBackend(cfg CassandraConfig) *CassandraBackend {
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = []string{"localhost"}
	}
	if cfg.Keyspace == "" {
		cfg.Keyspace = "vodedge_cache"
	}
	if cfg.Table == "" {
		cfg.Table = "cache_items"
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 100000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024 * 1024
	}
	return &CassandraBackend{cfg: cfg}
}

func (c *CassandraBackend) counterTable() string {
	return c.cfg.Table + "_hits"
}

// Initialize connects, bootstraps the keyspace and tables, and opens the
// long-lived session.
func (c *CassandraBackend) Initialize(ctx context.Context) error {
	if err := c.bootstrap(); err != nil {
		return err
	}

	cluster := c.newCluster()
	cluster.Keyspace = c.cfg.Keyspace

	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("cassandra session: %w", err)
	}
	c.session = session
	return nil
}

func (c *CassandraBackend) newCluster() *gocql.ClusterConfig {
	cluster := gocql.NewCluster(c.cfg.Hosts...)
	cluster.ConnectTimeout = c.cfg.ConnectTimeout
	cluster.Timeout = c.cfg.RequestTimeout

	if consistency, err := gocql.ParseConsistencyWrapper(c.cfg.Consistency); err == nil {
		cluster.Consistency = consistency
	} else {
		cluster.Consistency = gocql.LocalQuorum
	}
	if c.cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: c.cfg.Username,
			Password: c.cfg.Password,
		}
	}
	if c.cfg.LocalDC != "" {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(
			gocql.DCAwareRoundRobinPolicy(c.cfg.LocalDC),
		)
	}
	return cluster
}

// bootstrap creates the keyspace, item table, expiry index, and counter
// table through a short-lived keyspace-less session.
func (c *CassandraBackend) bootstrap() error {
	cluster := c.newCluster()

	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("cassandra bootstrap session: %w", err)
	}
	defer session.Close()

	statements := []string{
		fmt.Sprintf(
			`CREATE KEYSPACE IF NOT EXISTS %s
			 WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
			c.cfg.Keyspace, c.cfg.ReplicationFactor,
		),
		fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s.%s (
			   cache_key text PRIMARY KEY,
			   data blob,
			   size bigint,
			   content_type text,
			   etag text,
			   last_modified timestamp,
			   created_at timestamp,
			   expires_at timestamp
			 ) WITH compaction = {'class': 'LeveledCompactionStrategy'}
			   AND gc_grace_seconds = 3600`,
			c.cfg.Keyspace, c.cfg.Table,
		),
		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS ON %s.%s (expires_at)`,
			c.cfg.Keyspace, c.cfg.Table,
		),
		fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s.%s (
			   cache_key text PRIMARY KEY,
			   hit_count counter
			 )`,
			c.cfg.Keyspace, c.counterTable(),
		),
	}

	for _, stmt := range statements {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("cassandra bootstrap: %w", err)
		}
	}
	return nil
}

// Get reads the row and its counter. Expired rows whose native TTL has
// not fired yet are deleted and reported as a miss.
func (c *CassandraBackend) Get(ctx context.Context, key string) *Item {
	if c.session == nil {
		c.misses.Add(1)
		return nil
	}

	item := &Item{}
	err := c.session.Query(
		fmt.Sprintf(
			`SELECT data, size, content_type, etag, last_modified, created_at, expires_at
			 FROM %s WHERE cache_key = ?`, c.cfg.Table),
		key,
	).WithContext(ctx).Scan(
		&item.Data, &item.Size, &item.ContentType, &item.ETag,
		&item.LastModified, &item.CreatedAt, &item.ExpiresAt,
	)
	if err == gocql.ErrNotFound {
		c.misses.Add(1)
		return nil
	}
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		return nil
	}

	if item.Expired(time.Now()) {
		c.deleteRow(ctx, key)
		c.misses.Add(1)
		return nil
	}

	var count int64
	if err := c.session.Query(
		fmt.Sprintf(`SELECT hit_count FROM %s WHERE cache_key = ?`, c.counterTable()),
		key,
	).WithContext(ctx).Scan(&count); err == nil {
		item.HitCount = count
	}
	if c.bumpCounter(ctx, key, 1) {
		item.HitCount++
	}

	c.hits.Add(1)
	return item
}

// Set inserts the row with native TTL expiry and materializes the counter
// row so least-use scans see new keys.
func (c *CassandraBackend) Set(ctx context.Context, key string, data []byte, opts SetOptions) bool {
	if c.session == nil {
		return false
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	ttlSeconds := int(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	now := time.Now()

	err := c.session.Query(
		fmt.Sprintf(
			`INSERT INTO %s
			   (cache_key, data, size, content_type, etag, last_modified, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`, c.cfg.Table),
		key, data, int64(len(data)), opts.ContentType, opts.ETag,
		opts.LastModified, now, now.Add(ttl), ttlSeconds,
	).WithContext(ctx).Exec()
	if err != nil {
		c.errors.Add(1)
		return false
	}

	c.bumpCounter(ctx, key, 0)
	c.sets.Add(1)
	return true
}

// bumpCounter applies a counter delta; a zero delta materializes the row.
func (c *CassandraBackend) bumpCounter(ctx context.Context, key string, delta int64) bool {
	err := c.session.Query(
		fmt.Sprintf(
			`UPDATE %s SET hit_count = hit_count + ? WHERE cache_key = ?`,
			c.counterTable()),
		delta, key,
	).WithContext(ctx).Exec()
	if err != nil {
		c.errors.Add(1)
		return false
	}
	return true
}

func (c *CassandraBackend) deleteRow(ctx context.Context, key string) bool {
	ok := true
	if err := c.session.Query(
		fmt.Sprintf(`DELETE FROM %s WHERE cache_key = ?`, c.cfg.Table), key,
	).WithContext(ctx).Exec(); err != nil {
		c.errors.Add(1)
		ok = false
	}
	if err := c.session.Query(
		fmt.Sprintf(`DELETE FROM %s WHERE cache_key = ?`, c.counterTable()), key,
	).WithContext(ctx).Exec(); err != nil {
		c.errors.Add(1)
		ok = false
	}
	return ok
}

// Delete removes the row and its counter.
func (c *CassandraBackend) Delete(ctx context.Context, key string) bool {
	if c.session == nil {
		return false
	}
	if !c.Exists(ctx, key) {
		return false
	}
	if c.deleteRow(ctx, key) {
		c.deletes.Add(1)
		return true
	}
	return false
}

// Exists reports whether a live row is stored under key.
func (c *CassandraBackend) Exists(ctx context.Context, key string) bool {
	if c.session == nil {
		return false
	}

	var expiresAt time.Time
	err := c.session.Query(
		fmt.Sprintf(`SELECT expires_at FROM %s WHERE cache_key = ?`, c.cfg.Table),
		key,
	).WithContext(ctx).Scan(&expiresAt)
	if err == gocql.ErrNotFound {
		return false
	}
	if err != nil {
		c.errors.Add(1)
		return false
	}
	return time.Now().Before(expiresAt)
}

// Clear truncates both tables.
func (c *CassandraBackend) Clear(ctx context.Context) bool {
	if c.session == nil {
		return false
	}

	ok := true
	for _, table := range []string{c.cfg.Table, c.counterTable()} {
		if err := c.session.Query(
			fmt.Sprintf(`TRUNCATE %s`, table),
		).WithContext(ctx).Exec(); err != nil {
			c.errors.Add(1)
			ok = false
		}
	}
	return ok
}

// GetStats counts rows and sums sizes with a LOCAL_ONE scan. ALLOW
// FILTERING keeps the query legal on the expiry index at the cost of a
// full scan; acceptable for a monitoring path.
func (c *CassandraBackend) GetStats(ctx context.Context) Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	stats := Stats{
		Hits:      hits,
		Misses:    misses,
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Errors:    c.errors.Load(),
		HitRatio:  hitRatio(hits, misses),
		Mode:      ModeCassandra,
		Connected: c.IsHealthy(ctx),
	}

	rows, bytes := c.usage(ctx)
	stats.Items = rows
	stats.SizeBytes = bytes
	return stats
}

func (c *CassandraBackend) usage(ctx context.Context) (rows, bytes int64) {
	if c.session == nil {
		return 0, 0
	}

	err := c.session.Query(
		fmt.Sprintf(`SELECT COUNT(*), SUM(size) FROM %s`, c.cfg.Table),
	).WithContext(ctx).Consistency(gocql.LocalOne).Scan(&rows, &bytes)
	if err != nil {
		c.errors.Add(1)
		return 0, 0
	}
	return rows, bytes
}

// IsHealthy verifies the session can reach the cluster.
func (c *CassandraBackend) IsHealthy(ctx context.Context) bool {
	if c.session == nil || c.session.Closed() {
		return false
	}
	return c.session.Query(`SELECT release_version FROM system.local`).
		WithContext(ctx).Consistency(gocql.One).Exec() == nil
}

// GetCapacityInfo derives usage from row counts against the configured
// ceilings; the row ratio dominates because eviction is row-granular.
func (c *CassandraBackend) GetCapacityInfo(ctx context.Context) CapacityInfo {
	rows, bytes := c.usage(ctx)

	pct := percentage(rows, c.cfg.MaxRows)
	if bytesPct := percentage(bytes, c.cfg.MaxBytes); bytesPct > pct {
		pct = bytesPct
	}

	return CapacityInfo{
		UsedBytes:      bytes,
		MaxBytes:       c.cfg.MaxBytes,
		UsedPercentage: pct,
		ItemCount:      rows,
		MaxItems:       c.cfg.MaxRows,
	}
}

// GetItemsByHitCount scans the counter table at LOCAL_ONE and sorts
// ascending.
func (c *CassandraBackend) GetItemsByHitCount(ctx context.Context, limit int) []HitCountEntry {
	if c.session == nil || limit <= 0 {
		return nil
	}

	iter := c.session.Query(
		fmt.Sprintf(`SELECT cache_key, hit_count FROM %s`, c.counterTable()),
	).WithContext(ctx).Consistency(gocql.LocalOne).Iter()

	var (
		entries []HitCountEntry
		key     string
		count   int64
	)
	for iter.Scan(&key, &count) {
		entries = append(entries, HitCountEntry{Key: key, HitCount: count})
	}
	if err := iter.Close(); err != nil {
		c.errors.Add(1)
		return nil
	}

	sortByHitCount(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// IncrementHitCount bumps the counter row for key.
func (c *CassandraBackend) IncrementHitCount(ctx context.Context, key string) bool {
	if c.session == nil {
		return false
	}
	if !c.Exists(ctx, key) {
		return false
	}
	return c.bumpCounter(ctx, key, 1)
}

// Close releases the session.
func (c *CassandraBackend) Close() error {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	return nil
}
