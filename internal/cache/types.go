// Package cache implements the multi-tier content cache for the edge proxy.
// It supports an in-process memory backend, a Redis backend (L1), a
// Cassandra backend (L2), and a hybrid L1+L2 composition with read-through
// and write-both semantics.
package cache

import (
	"context"
	"time"
)

// Mode identifies the active cache backend.
type Mode string

const (
	ModeMemory    Mode = "memory"          // In-process bounded store
	ModeRedis     Mode = "redis"           // Redis only (L1)
	ModeCassandra Mode = "cassandra"       // Cassandra only (L2)
	ModeHybrid    Mode = "redis-cassandra" // Redis + Cassandra composition
)

// ParseMode maps a configuration string to a Mode.
// Unknown values return false.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeMemory, ModeRedis, ModeCassandra, ModeHybrid:
		return Mode(s), true
	default:
		return "", false
	}
}

// Item is a single cached object with its origin metadata.
// Items are immutable once stored except for HitCount.
type Item struct {
	Data         []byte    `json:"-"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	HitCount     int64     `json:"hit_count"`
}

// Expired reports whether the item's TTL has elapsed.
func (i *Item) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// RemainingTTL returns the time until expiry, floored at one second.
// Used when promoting items between tiers so the effective lifetime
// never extends past the source item's expiry.
func (i *Item) RemainingTTL(now time.Time) time.Duration {
	remaining := i.ExpiresAt.Sub(now)
	if remaining < time.Second {
		return time.Second
	}
	return remaining.Truncate(time.Second)
}

// SetOptions carries optional metadata for a Set. A zero TTL means the
// backend default applies.
type SetOptions struct {
	TTL          time.Duration
	ContentType  string
	ETag         string
	LastModified time.Time
}

// Stats holds per-backend counters for monitoring.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Errors    int64   `json:"errors"`
	HitRatio  float64 `json:"hit_ratio"`
	Items     int64   `json:"items"`
	SizeBytes int64   `json:"size_bytes"`
	Mode      Mode    `json:"mode"`
	Connected bool    `json:"connected"`
}

// CapacityInfo reports backend fill level for the capacity manager.
// Memory reports exact values; remote stores derive them from
// store-reported memory and row counts and may be approximate.
type CapacityInfo struct {
	UsedBytes      int64   `json:"used_bytes"`
	MaxBytes       int64   `json:"max_bytes"`
	UsedPercentage float64 `json:"used_percentage"`
	ItemCount      int64   `json:"item_count"`
	MaxItems       int64   `json:"max_items"`
}

// HitCountEntry pairs a cache key with its hit count, used for
// least-use selection during migration and eviction.
type HitCountEntry struct {
	Key      string `json:"key"`
	HitCount int64  `json:"hit_count"`
}

// Backend is the uniform contract implemented by every cache tier.
//
// All data-path operations are total: they never propagate backend
// failures to callers. A failed Get degrades to a miss (nil), a failed
// mutation returns false, and the backend's error counter is bumped.
// Initialize and Close return errors so the manager can drive fallback
// and lifecycle.
type Backend interface {
	// Initialize establishes connections and prepares storage.
	Initialize(ctx context.Context) error

	// Get returns the item for key, or nil on miss, expiry, or error.
	// A Get that observes an expired item removes it and reports a miss.
	// A successful Get increments the item's hit count.
	Get(ctx context.Context, key string) *Item

	// Set stores data under key, replacing any prior item.
	Set(ctx context.Context, key string, data []byte, opts SetOptions) bool

	// Delete removes key. Returns false when nothing was removed.
	Delete(ctx context.Context, key string) bool

	// Exists reports whether a live item is stored under key.
	Exists(ctx context.Context, key string) bool

	// Clear removes every item owned by this backend.
	Clear(ctx context.Context) bool

	// GetStats returns a snapshot of the backend counters.
	GetStats(ctx context.Context) Stats

	// IsHealthy reports whether the backend can serve requests.
	IsHealthy(ctx context.Context) bool

	// GetCapacityInfo reports the backend fill level.
	GetCapacityInfo(ctx context.Context) CapacityInfo

	// GetItemsByHitCount returns up to limit keys ordered by ascending
	// hit count. Ties break on key order. Best-effort: a backend may
	// return fewer entries than requested.
	GetItemsByHitCount(ctx context.Context, limit int) []HitCountEntry

	// IncrementHitCount bumps the stored hit count for key.
	IncrementHitCount(ctx context.Context, key string) bool

	// Close idempotently releases held connections.
	Close() error
}
