package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration coverage against a live cluster lives outside the unit
// suite; these tests pin the configuration normalization and the
// degraded behavior of an unconnected backend.

func TestNewCassandraBackendDefaults(t *testing.T) {
	b := NewCassandraBackend(CassandraConfig{})

	assert.Equal(t, []string{"localhost"}, b.cfg.Hosts)
	assert.Equal(t, "vodedge_cache", b.cfg.Keyspace)
	assert.Equal(t, "cache_items", b.cfg.Table)
	assert.Equal(t, "cache_items_hits", b.counterTable())
	assert.Equal(t, 1, b.cfg.ReplicationFactor)
	assert.Equal(t, time.Hour, b.cfg.DefaultTTL)
	assert.Positive(t, b.cfg.MaxRows)
	assert.Positive(t, b.cfg.MaxBytes)
}

func TestCassandraBackendUnconnectedDegradesSafely(t *testing.T) {
	b := NewCassandraBackend(CassandraConfig{})
	ctx := context.Background()

	assert.Nil(t, b.Get(ctx, "k"))
	assert.False(t, b.Set(ctx, "k", []byte("v"), SetOptions{}))
	assert.False(t, b.Delete(ctx, "k"))
	assert.False(t, b.Exists(ctx, "k"))
	assert.False(t, b.Clear(ctx))
	assert.False(t, b.IsHealthy(ctx))
	assert.Empty(t, b.GetItemsByHitCount(ctx, 10))
	assert.False(t, b.IncrementHitCount(ctx, "k"))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}
