package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// promotionSlots bounds concurrent L2→L1 promotions so a burst of L2 hits
// cannot spawn unbounded goroutines. Saturated promotions are skipped;
// the item is still served from L2.
const promotionSlots = 32

// promotionTimeout caps a single fire-and-forget promotion write.
const promotionTimeout = 5 * time.Second

// HybridBackend composes Redis (L1) and Cassandra (L2): read-through with
// L2→L1 promotion, write-both, and degraded single-tier operation when
// one store is unavailable.
type HybridBackend struct {
	l1 Backend
	l2 Backend

	l1ok atomic.Bool
	l2ok atomic.Bool

	logger *slog.Logger

	promoting sync.WaitGroup
	promoSem  chan struct{}
	closed    atomic.Bool
}

// NewHybridBackend composes the given tiers. Initialize must be called
// before use.
func NewHybridBackend(l1, l2 Backend, logger *slog.Logger) *HybridBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridBackend{
		l1:       l1,
		l2:       l2,
		logger:   logger,
		promoSem: make(chan struct{}, promotionSlots),
	}
}

// Initialize connects both tiers in parallel. Either tier may fail;
// initialization is fatal only when both do.
func (h *HybridBackend) Initialize(ctx context.Context) error {
	var (
		wg           sync.WaitGroup
		l1Err, l2Err error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		l1Err = h.l1.Initialize(ctx)
	}()
	go func() {
		defer wg.Done()
		l2Err = h.l2.Initialize(ctx)
	}()
	wg.Wait()

	h.l1ok.Store(l1Err == nil)
	h.l2ok.Store(l2Err == nil)

	if l1Err != nil && l2Err != nil {
		return errors.Join(l1Err, l2Err)
	}
	if l1Err != nil {
		h.logger.Warn("hybrid cache running without L1", "error", l1Err)
	}
	if l2Err != nil {
		h.logger.Warn("hybrid cache running without L2", "error", l2Err)
	}
	return nil
}

// L1 returns the fast tier, for capacity management.
func (h *HybridBackend) L1() Backend { return h.l1 }

// L2 returns the persistent tier, for capacity management.
func (h *HybridBackend) L2() Backend { return h.l2 }

// Get tries L1 first. On an L1 miss with an L2 hit the item is promoted
// back into L1 with its remaining TTL, fire-and-forget.
func (h *HybridBackend) Get(ctx context.Context, key string) *Item {
	if h.l1ok.Load() {
		if item := h.l1.Get(ctx, key); item != nil {
			return item
		}
	}
	if !h.l2ok.Load() {
		return nil
	}

	item := h.l2.Get(ctx, key)
	if item == nil {
		return nil
	}

	h.promote(key, item)
	return item
}

// promote schedules a fire-and-forget Set into L1. The remaining TTL of
// the L2 item bounds the promoted copy so promotion never extends the
// effective lifetime.
func (h *HybridBackend) promote(key string, item *Item) {
	if !h.l1ok.Load() || h.closed.Load() {
		return
	}

	select {
	case h.promoSem <- struct{}{}:
	default:
		return
	}

	h.promoting.Add(1)
	go func() {
		defer h.promoting.Done()
		defer func() { <-h.promoSem }()

		ctx, cancel := context.WithTimeout(context.Background(), promotionTimeout)
		defer cancel()

		h.l1.Set(ctx, key, item.Data, SetOptions{
			TTL:          item.RemainingTTL(time.Now()),
			ContentType:  item.ContentType,
			ETag:         item.ETag,
			LastModified: item.LastModified,
		})
	}()
}

// Set writes to both tiers in parallel; it succeeds iff at least one
// write succeeds.
func (h *HybridBackend) Set(ctx context.Context, key string, data []byte, opts SetOptions) bool {
	return h.both(func(b Backend) bool {
		return b.Set(ctx, key, data, opts)
	})
}

// Delete issues to both tiers; succeeds iff at least one removed the key.
func (h *HybridBackend) Delete(ctx context.Context, key string) bool {
	return h.both(func(b Backend) bool {
		return b.Delete(ctx, key)
	})
}

// Exists checks L1 first, then L2.
func (h *HybridBackend) Exists(ctx context.Context, key string) bool {
	if h.l1ok.Load() && h.l1.Exists(ctx, key) {
		return true
	}
	return h.l2ok.Load() && h.l2.Exists(ctx, key)
}

// Clear empties both tiers; succeeds iff at least one succeeded.
func (h *HybridBackend) Clear(ctx context.Context) bool {
	return h.both(func(b Backend) bool {
		return b.Clear(ctx)
	})
}

// both runs op against every available tier in parallel and reports
// whether any succeeded.
func (h *HybridBackend) both(op func(Backend) bool) bool {
	var (
		wg             sync.WaitGroup
		l1Done, l2Done bool
	)

	if h.l1ok.Load() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l1Done = op(h.l1)
		}()
	}
	if h.l2ok.Load() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l2Done = op(h.l2)
		}()
	}
	wg.Wait()

	return l1Done || l2Done
}

// GetStats combines both tiers: counters are summed, the aggregate hit
// ratio is recomputed, and connectivity is the logical OR.
func (h *HybridBackend) GetStats(ctx context.Context) Stats {
	var l1Stats, l2Stats Stats
	if h.l1ok.Load() {
		l1Stats = h.l1.GetStats(ctx)
	}
	if h.l2ok.Load() {
		l2Stats = h.l2.GetStats(ctx)
	}

	hits := l1Stats.Hits + l2Stats.Hits
	misses := l1Stats.Misses + l2Stats.Misses

	return Stats{
		Hits:      hits,
		Misses:    misses,
		Sets:      l1Stats.Sets + l2Stats.Sets,
		Deletes:   l1Stats.Deletes + l2Stats.Deletes,
		Errors:    l1Stats.Errors + l2Stats.Errors,
		HitRatio:  hitRatio(hits, misses),
		Items:     l1Stats.Items + l2Stats.Items,
		SizeBytes: l1Stats.SizeBytes + l2Stats.SizeBytes,
		Mode:      ModeHybrid,
		Connected: l1Stats.Connected || l2Stats.Connected,
	}
}

// IsHealthy reports true when either tier can serve.
func (h *HybridBackend) IsHealthy(ctx context.Context) bool {
	if h.l1ok.Load() && h.l1.IsHealthy(ctx) {
		return true
	}
	return h.l2ok.Load() && h.l2.IsHealthy(ctx)
}

// GetCapacityInfo reports combined fill levels. The capacity manager
// inspects tiers individually through L1()/L2().
func (h *HybridBackend) GetCapacityInfo(ctx context.Context) CapacityInfo {
	var l1Info, l2Info CapacityInfo
	if h.l1ok.Load() {
		l1Info = h.l1.GetCapacityInfo(ctx)
	}
	if h.l2ok.Load() {
		l2Info = h.l2.GetCapacityInfo(ctx)
	}

	used := l1Info.UsedBytes + l2Info.UsedBytes
	max := l1Info.MaxBytes + l2Info.MaxBytes

	return CapacityInfo{
		UsedBytes:      used,
		MaxBytes:       max,
		UsedPercentage: percentage(used, max),
		ItemCount:      l1Info.ItemCount + l2Info.ItemCount,
		MaxItems:       l1Info.MaxItems + l2Info.MaxItems,
	}
}

// GetItemsByHitCount unions both tiers, merging duplicate keys by summing
// their hit counts, and returns the lowest limit entries.
func (h *HybridBackend) GetItemsByHitCount(ctx context.Context, limit int) []HitCountEntry {
	if limit <= 0 {
		return nil
	}

	merged := make(map[string]int64)
	if h.l1ok.Load() {
		for _, e := range h.l1.GetItemsByHitCount(ctx, limit) {
			merged[e.Key] += e.HitCount
		}
	}
	if h.l2ok.Load() {
		for _, e := range h.l2.GetItemsByHitCount(ctx, limit) {
			merged[e.Key] += e.HitCount
		}
	}

	entries := make([]HitCountEntry, 0, len(merged))
	for key, count := range merged {
		entries = append(entries, HitCountEntry{Key: key, HitCount: count})
	}

	sortByHitCount(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// IncrementHitCount bumps both tiers; succeeds iff at least one did.
func (h *HybridBackend) IncrementHitCount(ctx context.Context, key string) bool {
	return h.both(func(b Backend) bool {
		return b.IncrementHitCount(ctx, key)
	})
}

// Close waits for in-flight promotions, then closes both tiers.
func (h *HybridBackend) Close() error {
	h.closed.Store(true)
	h.promoting.Wait()

	var errs []error
	if h.l1ok.Swap(false) {
		if err := h.l1.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.l2ok.Swap(false) {
		if err := h.l2.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
