package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// managerWith installs an already-initialized backend, bypassing the
// mode factory so tests can drive capacity logic on in-process tiers.
func managerWith(t *testing.T, backend Backend, mode Mode) *Manager {
	t.Helper()
	require.NoError(t, backend.Initialize(context.Background()))
	t.Cleanup(func() { _ = backend.Close() })

	m := NewManager(DefaultConfig(), testLogger())
	m.backend = backend
	m.mode = mode
	m.initialized = true
	return m
}

func TestCapacityManagerThresholds(t *testing.T) {
	cm := NewCapacityManager(managerWith(t, NewMemoryBackend(MemoryConfig{}), ModeMemory), CapacityConfig{}, testLogger())

	redis, cassandra := cm.Thresholds()
	assert.Equal(t, 85.0, redis)
	assert.Equal(t, 90.0, cassandra)

	require.NoError(t, cm.SetThresholds(70, 80))
	redis, cassandra = cm.Thresholds()
	assert.Equal(t, 70.0, redis)
	assert.Equal(t, 80.0, cassandra)

	assert.Error(t, cm.SetThresholds(0, 80))
	assert.Error(t, cm.SetThresholds(70, 100))
	assert.Error(t, cm.SetThresholds(-5, 150))
}

func TestCapacityManagerHybridMigration(t *testing.T) {
	ctx := context.Background()

	l1 := NewMemoryBackend(MemoryConfig{MaxBytes: 10000, MaxItems: 200})
	l2 := NewMemoryBackend(MemoryConfig{MaxBytes: 100000, MaxItems: 1000})
	hybrid := NewHybridBackend(l1, l2, testLogger())
	mgr := managerWith(t, hybrid, ModeHybrid)

	// 100 items of 86 bytes put L1 at 86%, over the 85% threshold.
	for i := 0; i < 100; i++ {
		require.True(t, l1.Set(ctx, fmt.Sprintf("item-%03d", i), make([]byte, 86), SetOptions{TTL: time.Hour}))
	}
	// Touch all but the first 20 so the untouched ones are coldest.
	for i := 20; i < 100; i++ {
		require.NotNil(t, l1.Get(ctx, fmt.Sprintf("item-%03d", i)))
	}
	require.GreaterOrEqual(t, l1.GetCapacityInfo(ctx).UsedPercentage, 85.0)

	cm := NewCapacityManager(mgr, DefaultCapacityConfig(), testLogger())
	cm.ForceCheck(ctx)

	// ~20% of the coldest items moved down to L2.
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("item-%03d", i)
		assert.False(t, l1.Exists(ctx, key), "expected %s migrated out of L1", key)
		assert.True(t, l2.Exists(ctx, key), "expected %s present in L2", key)
	}
	assert.Less(t, l1.GetCapacityInfo(ctx).UsedPercentage, 85.0)

	// Migrated items remain observable through the hybrid view.
	item := hybrid.Get(ctx, "item-000")
	require.NotNil(t, item)
	assert.Len(t, item.Data, 86)
}

func TestCapacityManagerCassandraEviction(t *testing.T) {
	ctx := context.Background()

	backend := NewMemoryBackend(MemoryConfig{MaxBytes: 1000, MaxItems: 100})
	mgr := managerWith(t, backend, ModeCassandra)

	// Nine items of 100 bytes: 90%, at the eviction threshold.
	for i := 0; i < 9; i++ {
		require.True(t, backend.Set(ctx, fmt.Sprintf("k%d", i), make([]byte, 100), SetOptions{}))
	}
	for i := 1; i < 9; i++ {
		require.NotNil(t, backend.Get(ctx, fmt.Sprintf("k%d", i)))
	}

	cm := NewCapacityManager(mgr, DefaultCapacityConfig(), testLogger())
	cm.ForceCheck(ctx)

	// itemCount/10 floors to zero, so at least one cold item goes.
	assert.False(t, backend.Exists(ctx, "k0"))
	assert.Equal(t, int64(8), backend.GetStats(ctx).Items)
}

func TestCapacityManagerMemoryModeNoop(t *testing.T) {
	ctx := context.Background()

	backend := NewMemoryBackend(MemoryConfig{MaxBytes: 1000, MaxItems: 100})
	mgr := managerWith(t, backend, ModeMemory)

	for i := 0; i < 9; i++ {
		require.True(t, backend.Set(ctx, fmt.Sprintf("k%d", i), make([]byte, 100), SetOptions{}))
	}

	cm := NewCapacityManager(mgr, DefaultCapacityConfig(), testLogger())
	cm.ForceCheck(ctx)

	assert.Equal(t, int64(9), backend.GetStats(ctx).Items)
}

func TestCapacityManagerBelowThresholdNoAction(t *testing.T) {
	ctx := context.Background()

	l1 := NewMemoryBackend(MemoryConfig{MaxBytes: 10000})
	l2 := NewMemoryBackend(MemoryConfig{MaxBytes: 100000})
	hybrid := NewHybridBackend(l1, l2, testLogger())
	mgr := managerWith(t, hybrid, ModeHybrid)

	require.True(t, l1.Set(ctx, "k", make([]byte, 100), SetOptions{}))

	cm := NewCapacityManager(mgr, DefaultCapacityConfig(), testLogger())
	cm.ForceCheck(ctx)

	assert.True(t, l1.Exists(ctx, "k"))
	assert.False(t, l2.Exists(ctx, "k"))
}

func TestCapacityManagerStartStop(t *testing.T) {
	mgr := managerWith(t, NewMemoryBackend(MemoryConfig{}), ModeMemory)
	cm := NewCapacityManager(mgr, CapacityConfig{Interval: 10 * time.Millisecond}, testLogger())

	cm.StartMonitoring()
	cm.StartMonitoring() // second start is a no-op
	time.Sleep(50 * time.Millisecond)
	cm.StopMonitoring()
	cm.StopMonitoring() // second stop is a no-op
}
