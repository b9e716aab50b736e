package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipstream/vodedge/internal/metrics"
)

// CapacityConfig controls the capacity watchdog.
type CapacityConfig struct {
	Interval           time.Duration `yaml:"interval"`            // Check period (default: 60s)
	RedisThreshold     float64       `yaml:"redis_threshold"`     // L1 pressure threshold in percent (default: 85)
	CassandraThreshold float64       `yaml:"cassandra_threshold"` // L2 pressure threshold in percent (default: 90)
}

// DefaultCapacityConfig returns sensible defaults.
func DefaultCapacityConfig() CapacityConfig {
	return CapacityConfig{
		Interval:           time.Minute,
		RedisThreshold:     85,
		CassandraThreshold: 90,
	}
}

// CapacityManager is a periodic watchdog that keeps the remote tiers
// below their pressure thresholds: L1 over threshold migrates its
// least-used items down to L2; L2 over threshold evicts its least-used
// items. The memory backend self-manages through admission eviction and
// is left alone.
//
// The read-then-act sequence runs without locks; keys selected for
// migration may disappear or be re-admitted in the interim, and every
// step treats not-found as benign.
type CapacityManager struct {
	manager *Manager
	logger  *slog.Logger

	mu                 sync.RWMutex
	interval           time.Duration
	redisThreshold     float64
	cassandraThreshold float64

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewCapacityManager creates a watchdog over the manager's backend.
func NewCapacityManager(manager *Manager, cfg CapacityConfig, logger *slog.Logger) *CapacityManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RedisThreshold <= 0 || cfg.RedisThreshold >= 100 {
		cfg.RedisThreshold = 85
	}
	if cfg.CassandraThreshold <= 0 || cfg.CassandraThreshold >= 100 {
		cfg.CassandraThreshold = 90
	}

	return &CapacityManager{
		manager:            manager,
		logger:             logger,
		interval:           cfg.Interval,
		redisThreshold:     cfg.RedisThreshold,
		cassandraThreshold: cfg.CassandraThreshold,
	}
}

// StartMonitoring launches the periodic check loop.
func (cm *CapacityManager) StartMonitoring() {
	if cm.running.Swap(true) {
		return
	}
	cm.stop = make(chan struct{})
	cm.done = make(chan struct{})

	go func() {
		defer close(cm.done)

		ticker := time.NewTicker(cm.checkInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cm.runCheck(context.Background())
			case <-cm.stop:
				return
			}
		}
	}()
}

// StopMonitoring stops the loop and waits for an in-flight tick.
func (cm *CapacityManager) StopMonitoring() {
	if !cm.running.Swap(false) {
		return
	}
	close(cm.stop)
	<-cm.done
}

// ForceCheck triggers a capacity cycle on demand.
func (cm *CapacityManager) ForceCheck(ctx context.Context) {
	cm.runCheck(ctx)
}

// SetThresholds updates the pressure thresholds at runtime. Values must
// lie strictly between 0 and 100.
func (cm *CapacityManager) SetThresholds(redis, cassandra float64) error {
	if redis <= 0 || redis >= 100 {
		return fmt.Errorf("redis threshold out of range: %.1f", redis)
	}
	if cassandra <= 0 || cassandra >= 100 {
		return fmt.Errorf("cassandra threshold out of range: %.1f", cassandra)
	}

	cm.mu.Lock()
	cm.redisThreshold = redis
	cm.cassandraThreshold = cassandra
	cm.mu.Unlock()
	return nil
}

// Thresholds returns the current (redis, cassandra) thresholds.
func (cm *CapacityManager) Thresholds() (float64, float64) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.redisThreshold, cm.cassandraThreshold
}

func (cm *CapacityManager) checkInterval() time.Duration {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.interval
}

// runCheck inspects the active backend and enforces the thresholds for
// its mode. Faults are logged and counted, never propagated.
func (cm *CapacityManager) runCheck(ctx context.Context) {
	backend := cm.manager.Backend()
	if backend == nil {
		return
	}
	redisThreshold, cassandraThreshold := cm.Thresholds()

	switch cm.manager.Mode() {
	case ModeRedis:
		info := backend.GetCapacityInfo(ctx)
		metrics.RecordCapacityUsage("redis", info.UsedPercentage)
		if info.UsedPercentage >= redisThreshold {
			cm.evict(ctx, backend, "redis", info, 5) // ~20%
		}

	case ModeCassandra:
		info := backend.GetCapacityInfo(ctx)
		metrics.RecordCapacityUsage("cassandra", info.UsedPercentage)
		if info.UsedPercentage >= cassandraThreshold {
			cm.evict(ctx, backend, "cassandra", info, 10) // ~10%
		}

	case ModeHybrid:
		hybrid, ok := backend.(*HybridBackend)
		if !ok {
			return
		}

		l1Info := hybrid.L1().GetCapacityInfo(ctx)
		metrics.RecordCapacityUsage("redis", l1Info.UsedPercentage)
		if l1Info.UsedPercentage >= redisThreshold {
			cm.migrate(ctx, hybrid, l1Info)
		}

		l2Info := hybrid.L2().GetCapacityInfo(ctx)
		metrics.RecordCapacityUsage("cassandra", l2Info.UsedPercentage)
		if l2Info.UsedPercentage >= cassandraThreshold {
			cm.evict(ctx, hybrid.L2(), "cassandra", l2Info, 10)
		}

	case ModeMemory:
		// Admission eviction keeps memory bounded on its own.
	}
}

// evict drops itemCount/divisor of the least-used items from the backend.
func (cm *CapacityManager) evict(ctx context.Context, b Backend, tier string, info CapacityInfo, divisor int64) {
	count := selectionSize(info.ItemCount, divisor)
	if count == 0 {
		return
	}

	evicted := 0
	for _, entry := range b.GetItemsByHitCount(ctx, count) {
		if b.Delete(ctx, entry.Key) {
			evicted++
		}
	}

	metrics.RecordEvictions(tier, evicted)
	cm.logger.Info("capacity eviction",
		"tier", tier,
		"used_percentage", info.UsedPercentage,
		"selected", count,
		"evicted", evicted)
}

// migrate moves ~20% of the least-used L1 items down to L2, preserving
// metadata and remaining TTL. Individual failures are counted and do not
// abort the cycle.
func (cm *CapacityManager) migrate(ctx context.Context, hybrid *HybridBackend, l1Info CapacityInfo) {
	count := selectionSize(l1Info.ItemCount, 5)
	if count == 0 {
		return
	}

	l1, l2 := hybrid.L1(), hybrid.L2()
	now := time.Now()

	migrated, failed := 0, 0
	for _, entry := range l1.GetItemsByHitCount(ctx, count) {
		item := l1.Get(ctx, entry.Key)
		if item == nil {
			// Deleted or expired since selection.
			continue
		}

		ok := l2.Set(ctx, entry.Key, item.Data, SetOptions{
			TTL:          item.RemainingTTL(now),
			ContentType:  item.ContentType,
			ETag:         item.ETag,
			LastModified: item.LastModified,
		})
		if !ok {
			failed++
			continue
		}

		l1.Delete(ctx, entry.Key)
		migrated++
	}

	metrics.RecordMigrations(migrated, failed)
	cm.logger.Info("capacity migration",
		"used_percentage", l1Info.UsedPercentage,
		"selected", count,
		"migrated", migrated,
		"failed", failed)
}

// selectionSize returns count/divisor, at least 1 when any items exist.
func selectionSize(itemCount, divisor int64) int {
	if itemCount <= 0 {
		return 0
	}
	n := itemCount / divisor
	if n == 0 {
		n = 1
	}
	return int(n)
}
