package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Config aggregates the cache subsystem configuration.
type Config struct {
	Mode      Mode            `yaml:"mode"`
	Memory    MemoryConfig    `yaml:"memory"`
	Redis     RedisConfig     `yaml:"redis"`
	Cassandra CassandraConfig `yaml:"cassandra"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeMemory,
		Memory:    DefaultMemoryConfig(),
		Redis:     DefaultRedisConfig(),
		Cassandra: DefaultCassandraConfig(),
	}
}

// Manager owns the selected backend. It is constructed once during
// service startup and injected into handlers; there is no implicit
// global instance.
//
// Any non-memory mode that fails to initialize falls back to the memory
// backend so the edge keeps serving. All pass-through methods
// short-circuit to safe defaults (miss/false) before Init.
type Manager struct {
	mu sync.RWMutex

	cfg     Config
	backend Backend
	mode    Mode

	initialized bool
	fellBack    bool

	logger *slog.Logger
}

// NewManager creates a manager. Init must be called before use.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeMemory
	}
	return &Manager{cfg: cfg, logger: logger}
}

// newBackend constructs an uninitialized backend for mode.
func (m *Manager) newBackend(mode Mode) (Backend, error) {
	switch mode {
	case ModeMemory:
		return NewMemoryBackend(m.cfg.Memory), nil
	case ModeRedis:
		return NewRedisBackend(m.cfg.Redis), nil
	case ModeCassandra:
		return NewCassandraBackend(m.cfg.Cassandra), nil
	case ModeHybrid:
		return NewHybridBackend(
			NewRedisBackend(m.cfg.Redis),
			NewCassandraBackend(m.cfg.Cassandra),
			m.logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported cache mode: %s", mode)
	}
}

// Init selects and initializes the configured backend, falling back to
// memory when a remote backend cannot be reached.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked(ctx, m.cfg.Mode)
}

func (m *Manager) initLocked(ctx context.Context, mode Mode) error {
	backend, err := m.newBackend(mode)
	if err != nil {
		return err
	}

	if err := backend.Initialize(ctx); err != nil {
		if mode == ModeMemory {
			return err
		}
		m.logger.Error("cache backend init failed, falling back to memory",
			"mode", mode, "error", err)

		fallback := NewMemoryBackend(m.cfg.Memory)
		if fbErr := fallback.Initialize(ctx); fbErr != nil {
			return fbErr
		}
		m.backend = fallback
		m.mode = ModeMemory
		m.fellBack = true
		m.initialized = true
		return nil
	}

	m.backend = backend
	m.mode = mode
	m.fellBack = false
	m.initialized = true
	m.logger.Info("cache backend initialized", "mode", mode)
	return nil
}

// SwitchBackend closes the current backend and initializes a new one for
// mode. On failure the memory backend is the last resort; prior contents
// are not carried over.
func (m *Manager) SwitchBackend(ctx context.Context, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Close(); err != nil {
			m.logger.Warn("closing previous cache backend", "error", err)
		}
		m.backend = nil
		m.initialized = false
	}

	if err := m.initLocked(ctx, mode); err != nil {
		return fmt.Errorf("switch to %s: %w", mode, err)
	}
	return nil
}

// Mode returns the active mode (memory after a fallback).
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// FellBack reports whether the configured backend was replaced by memory.
func (m *Manager) FellBack() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fellBack
}

// Backend returns the active backend, or nil before Init.
func (m *Manager) Backend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil
	}
	return m.backend
}

// Initialized reports whether Init completed.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Get returns the cached item, or nil before Init.
func (m *Manager) Get(ctx context.Context, key string) *Item {
	b := m.Backend()
	if b == nil {
		return nil
	}
	return b.Get(ctx, key)
}

// Set stores an item; false before Init.
func (m *Manager) Set(ctx context.Context, key string, data []byte, opts SetOptions) bool {
	b := m.Backend()
	if b == nil {
		return false
	}
	return b.Set(ctx, key, data, opts)
}

// Delete removes a key; false before Init.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	b := m.Backend()
	if b == nil {
		return false
	}
	return b.Delete(ctx, key)
}

// Exists reports key presence; false before Init.
func (m *Manager) Exists(ctx context.Context, key string) bool {
	b := m.Backend()
	if b == nil {
		return false
	}
	return b.Exists(ctx, key)
}

// Clear empties the cache; false before Init.
func (m *Manager) Clear(ctx context.Context) bool {
	b := m.Backend()
	if b == nil {
		return false
	}
	return b.Clear(ctx)
}

// GetStats returns backend stats stamped with the active mode.
func (m *Manager) GetStats(ctx context.Context) Stats {
	b := m.Backend()
	if b == nil {
		return Stats{Mode: m.Mode()}
	}
	stats := b.GetStats(ctx)
	stats.Mode = m.Mode()
	return stats
}

// IsHealthy reports backend health; false before Init.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	b := m.Backend()
	if b == nil {
		return false
	}
	return b.IsHealthy(ctx)
}

// GetCapacityInfo reports fill levels; zero before Init.
func (m *Manager) GetCapacityInfo(ctx context.Context) CapacityInfo {
	b := m.Backend()
	if b == nil {
		return CapacityInfo{}
	}
	return b.GetCapacityInfo(ctx)
}

// Close shuts down the active backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		return nil
	}
	err := m.backend.Close()
	m.backend = nil
	m.initialized = false
	return err
}
