package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBackend is a bounded in-process store. It enforces item-count and
// byte-size ceilings on admission, evicting roughly 20% of the oldest keys
// (insertion order as an LRU proxy) when a Set would breach the size cap.
// TTL is enforced lazily on Get plus a periodic sweep.
type MemoryBackend struct {
	mu sync.RWMutex

	data      map[string]*Item
	order     []string // insertion order, oldest first
	usedBytes int64

	maxItems   int64
	maxBytes   int64
	defaultTTL time.Duration

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	initialized atomic.Bool

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// MemoryConfig holds configuration for MemoryBackend.
type MemoryConfig struct {
	MaxItems    int64         // Maximum number of items (default: 1000)
	MaxBytes    int64         // Maximum total payload bytes (default: 100MB)
	DefaultTTL  time.Duration // Default TTL (default: 1 hour)
	CheckPeriod time.Duration // Expiry sweep interval (default: 10 minutes)
}

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxItems:    1000,
		MaxBytes:    100 * 1024 * 1024,
		DefaultTTL:  time.Hour,
		CheckPeriod: 10 * time.Minute,
	}
}

// NewMemoryBackend creates a memory backend. Initialize must be called
// before use.
func NewMemoryBackend(cfg MemoryConfig) *MemoryBackend {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 1000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 100 * 1024 * 1024
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.CheckPeriod <= 0 {
		cfg.CheckPeriod = 10 * time.Minute
	}

	return &MemoryBackend{
		data:        make(map[string]*Item),
		maxItems:    cfg.MaxItems,
		maxBytes:    cfg.MaxBytes,
		defaultTTL:  cfg.DefaultTTL,
		stopSweep:   make(chan struct{}),
		sweepTicker: time.NewTicker(cfg.CheckPeriod),
	}
}

// Initialize starts the background expiry sweep.
func (m *MemoryBackend) Initialize(ctx context.Context) error {
	if m.initialized.Swap(true) {
		return nil
	}
	go m.sweepLoop()
	return nil
}

func (m *MemoryBackend) sweepLoop() {
	for {
		select {
		case <-m.sweepTicker.C:
			m.sweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *MemoryBackend) sweepExpired() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, item := range m.data {
		if item.Expired(now) {
			m.removeLocked(key)
		}
	}
}

// removeLocked deletes key from the map, the order slice, and the byte
// accounting. Caller holds the write lock.
func (m *MemoryBackend) removeLocked(key string) bool {
	item, ok := m.data[key]
	if !ok {
		return false
	}
	delete(m.data, key)
	m.usedBytes -= item.Size
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the item for key, enforcing TTL lazily.
func (m *MemoryBackend) Get(ctx context.Context, key string) *Item {
	now := time.Now()

	m.mu.RLock()
	item, ok := m.data[key]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return nil
	}

	if item.Expired(now) {
		m.mu.Lock()
		m.removeLocked(key)
		m.mu.Unlock()
		m.misses.Add(1)
		return nil
	}

	m.mu.Lock()
	item.HitCount++
	snapshot := *item
	m.mu.Unlock()

	m.hits.Add(1)
	return &snapshot
}

// Set stores data under key. When admission would breach the byte ceiling
// it evicts roughly 20% of the oldest keys; if space is still insufficient
// the item is rejected and prior contents are untouched.
func (m *MemoryBackend) Set(ctx context.Context, key string, data []byte, opts SetOptions) bool {
	size := int64(len(data))
	if size > m.maxBytes {
		return false
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	now := time.Now()
	payload := make([]byte, len(data))
	copy(payload, data)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Replace frees the old item's space first.
	m.removeLocked(key)

	if m.usedBytes+size > m.maxBytes || int64(len(m.data)) >= m.maxItems {
		m.evictOldestLocked()
	}
	if m.usedBytes+size > m.maxBytes || int64(len(m.data)) >= m.maxItems {
		return false
	}

	m.data[key] = &Item{
		Data:         payload,
		Size:         size,
		ContentType:  opts.ContentType,
		ETag:         opts.ETag,
		LastModified: opts.LastModified,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	m.order = append(m.order, key)
	m.usedBytes += size

	m.sets.Add(1)
	return true
}

// evictOldestLocked drops ~20% of keys in insertion order.
// Caller holds the write lock.
func (m *MemoryBackend) evictOldestLocked() {
	count := len(m.order) / 5
	if count == 0 && len(m.order) > 0 {
		count = 1
	}
	for i := 0; i < count && len(m.order) > 0; i++ {
		m.removeLocked(m.order[0])
	}
}

// Delete removes key.
func (m *MemoryBackend) Delete(ctx context.Context, key string) bool {
	m.mu.Lock()
	removed := m.removeLocked(key)
	m.mu.Unlock()

	if removed {
		m.deletes.Add(1)
	}
	return removed
}

// Exists reports whether a live item is stored under key.
func (m *MemoryBackend) Exists(ctx context.Context, key string) bool {
	now := time.Now()

	m.mu.RLock()
	item, ok := m.data[key]
	m.mu.RUnlock()

	return ok && !item.Expired(now)
}

// Clear removes every item.
func (m *MemoryBackend) Clear(ctx context.Context) bool {
	m.mu.Lock()
	m.data = make(map[string]*Item)
	m.order = nil
	m.usedBytes = 0
	m.mu.Unlock()
	return true
}

// GetStats returns a snapshot of the backend counters.
func (m *MemoryBackend) GetStats(ctx context.Context) Stats {
	m.mu.RLock()
	items := int64(len(m.data))
	used := m.usedBytes
	m.mu.RUnlock()

	hits := m.hits.Load()
	misses := m.misses.Load()

	return Stats{
		Hits:      hits,
		Misses:    misses,
		Sets:      m.sets.Load(),
		Deletes:   m.deletes.Load(),
		Errors:    m.errors.Load(),
		HitRatio:  hitRatio(hits, misses),
		Items:     items,
		SizeBytes: used,
		Mode:      ModeMemory,
		Connected: true,
	}
}

// IsHealthy always reports true for the in-process store.
func (m *MemoryBackend) IsHealthy(ctx context.Context) bool {
	return true
}

// GetCapacityInfo reports exact fill levels.
func (m *MemoryBackend) GetCapacityInfo(ctx context.Context) CapacityInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return CapacityInfo{
		UsedBytes:      m.usedBytes,
		MaxBytes:       m.maxBytes,
		UsedPercentage: percentage(m.usedBytes, m.maxBytes),
		ItemCount:      int64(len(m.data)),
		MaxItems:       m.maxItems,
	}
}

// GetItemsByHitCount returns up to limit keys ordered by ascending hit
// count, ties broken by key order.
func (m *MemoryBackend) GetItemsByHitCount(ctx context.Context, limit int) []HitCountEntry {
	if limit <= 0 {
		return nil
	}

	m.mu.RLock()
	entries := make([]HitCountEntry, 0, len(m.data))
	for key, item := range m.data {
		entries = append(entries, HitCountEntry{Key: key, HitCount: item.HitCount})
	}
	m.mu.RUnlock()

	sortByHitCount(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// IncrementHitCount bumps the stored hit count for key.
func (m *MemoryBackend) IncrementHitCount(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.data[key]
	if !ok {
		return false
	}
	item.HitCount++
	return true
}

// Close stops the sweep goroutine.
func (m *MemoryBackend) Close() error {
	if !m.initialized.Swap(false) {
		m.sweepTicker.Stop()
		return nil
	}
	m.sweepTicker.Stop()
	close(m.stopSweep)
	return nil
}

func hitRatio(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func percentage(used, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return float64(used) / float64(max) * 100
}

func sortByHitCount(entries []HitCountEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].HitCount != entries[j].HitCount {
			return entries[i].HitCount < entries[j].HitCount
		}
		return entries[i].Key < entries[j].Key
	})
}
