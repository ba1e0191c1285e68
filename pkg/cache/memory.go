package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MemoryConfig holds the in-memory store configuration.
type MemoryConfig struct {
	// DefaultTTL applies when Set is called without a TTL
	DefaultTTL time.Duration

	// SweepInterval is how often expired entries are removed in the
	// background. Zero disables the sweep; Get still enforces expiry.
	SweepInterval time.Duration

	// Logger for sweep diagnostics (default: global logger)
	Logger *zerolog.Logger
}

// DefaultMemoryConfig returns the default in-memory store configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		DefaultTTL:    DefaultTTL,
		SweepInterval: 120 * time.Second,
	}
}

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry

	defaultTTL time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory store and starts its sweeper.
// Call Close to stop the sweeper.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}

	logger := log.With().Str("component", "memory-cache").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	m := &Memory{
		entries:    make(map[string]*CacheEntry),
		defaultTTL: cfg.DefaultTTL,
		logger:     logger,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go m.sweepLoop(cfg.SweepInterval)
	} else {
		close(m.done)
	}

	return m
}

// Get retrieves a value by key.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func (m *Memory) Get(_ context.Context, key CacheKey) ([]byte, error) {
	k := key.String()

	m.mu.RLock()
	entry, ok := m.entries[k]
	m.mu.RUnlock()

	if !ok {
		CacheMisses.WithLabelValues(LayerMemory).Inc()
		return nil, ErrCacheMiss
	}

	if entry.IsExpired(m.now()) {
		m.removeIfExpired(k)
		CacheMisses.WithLabelValues(LayerMemory).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(LayerMemory).Inc()
	return entry.Value, nil
}

// Set stores a value, replacing any existing entry unconditionally.
func (m *Memory) Set(_ context.Context, key CacheKey, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	k := key.String()
	entry := &CacheEntry{
		Key:       k,
		Value:     value,
		ExpiresAt: m.now().Add(ttl),
	}

	m.mu.Lock()
	m.entries[k] = entry
	n := len(m.entries)
	m.mu.Unlock()

	CacheEntries.WithLabelValues(LayerMemory).Set(float64(n))
	return nil
}

// Delete removes an entry.
func (m *Memory) Delete(_ context.Context, key CacheKey) error {
	m.mu.Lock()
	delete(m.entries, key.String())
	n := len(m.entries)
	m.mu.Unlock()

	CacheEntries.WithLabelValues(LayerMemory).Set(float64(n))
	return nil
}

// Len returns the number of stored entries, including expired ones the
// sweeper has not removed yet.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep removes all expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()

	// Collect under the read lock so readers are never blocked for a full scan.
	m.mu.RLock()
	expired := make([]string, 0)
	for k, e := range m.entries {
		if e.IsExpired(now) {
			expired = append(expired, k)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, k := range expired {
		if m.removeIfExpired(k) {
			removed++
		}
	}

	return removed
}

// Close stops the background sweeper. It is safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
	return nil
}

// removeIfExpired deletes k only if the stored entry is still expired;
// a concurrent Set may have replaced it with a fresh one.
func (m *Memory) removeIfExpired(k string) bool {
	m.mu.Lock()
	entry, ok := m.entries[k]
	if !ok || !entry.IsExpired(m.now()) {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, k)
	n := len(m.entries)
	m.mu.Unlock()

	CacheExpired.WithLabelValues(LayerMemory).Inc()
	CacheEntries.WithLabelValues(LayerMemory).Set(float64(n))
	return true
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				m.logger.Debug().
					Int("removed", removed).
					Msg("Swept expired cache entries")
			}
		}
	}
}
