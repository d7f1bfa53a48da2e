// Package cache provides the two-tier read-through cache for slow-changing
// group metadata: an in-process map in front of a durable store, each with
// its own TTL, degrading gracefully when the durable tier is unavailable.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/domain"
	"github.com/iago/wa-marketing-back/internal/metrics"
)

type Config struct {
	// MemoryTTL bounds the in-process entry lifetime (default 1h).
	MemoryTTL time.Duration
	// StoreTTL bounds durable-tier staleness, independently configurable.
	StoreTTL time.Duration
	// SweepInterval drives the background eviction of expired in-process
	// entries (default 5m).
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MemoryTTL <= 0 {
		c.MemoryTTL = time.Hour
	}
	if c.StoreTTL <= 0 {
		c.StoreTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

type memEntry struct {
	meta      domain.GroupMetadata
	fetchedAt time.Time
}

type GroupCache struct {
	cfg     Config
	store   Store
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu             sync.RWMutex
	entries        map[string]memEntry
	storeAvailable bool

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds the cache and starts its eviction sweep. store may be nil,
// which pins the cache to memory-only mode. Call Close to stop the sweep.
func New(cfg Config, store Store, logger zerolog.Logger, m *metrics.Metrics) *GroupCache {
	if m == nil {
		m = metrics.NewNop()
	}
	c := &GroupCache{
		cfg:            cfg.withDefaults(),
		store:          store,
		logger:         logger,
		metrics:        m,
		entries:        make(map[string]memEntry),
		storeAvailable: store != nil,
		stop:           make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *GroupCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Get returns the freshest cached snapshot for groupID, preferring the
// in-process tier, then the durable tier. A miss means the caller must
// fetch from the true source of truth and Put the result back.
func (c *GroupCache) Get(ctx context.Context, groupID string) (domain.GroupMetadata, bool) {
	now := time.Now().UTC()

	c.mu.RLock()
	entry, ok := c.entries[groupID]
	c.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < c.cfg.MemoryTTL {
		c.metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()
		meta := entry.meta
		meta.FromCache = true
		return meta, true
	}
	c.metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()

	if c.store == nil {
		return domain.GroupMetadata{}, false
	}

	if !c.storeHealthy() {
		if err := c.store.Probe(ctx); err != nil {
			c.metrics.CacheLookups.WithLabelValues("store", "unavailable").Inc()
			return domain.GroupMetadata{}, false
		}
		c.setStoreHealthy(true)
		c.logger.Info().Msg("durable cache tier back online")
	}

	meta, updatedAt, err := c.store.Get(ctx, groupID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.metrics.CacheLookups.WithLabelValues("store", "miss").Inc()
			return domain.GroupMetadata{}, false
		}
		// Infrastructure failure: degrade to memory-only until the next
		// successful probe. A still-valid stale durable row is left alone.
		c.setStoreHealthy(false)
		c.metrics.CacheLookups.WithLabelValues("store", "error").Inc()
		c.logger.Warn().Err(err).Msg("durable cache tier degraded to memory-only")
		return domain.GroupMetadata{}, false
	}

	if now.Sub(updatedAt) >= c.cfg.StoreTTL {
		c.metrics.CacheLookups.WithLabelValues("store", "stale").Inc()
		return domain.GroupMetadata{}, false
	}

	c.metrics.CacheLookups.WithLabelValues("store", "hit").Inc()
	meta.FromCache = true
	c.mu.Lock()
	c.entries[groupID] = memEntry{meta: meta, fetchedAt: now}
	c.mu.Unlock()
	return meta, true
}

// Put writes through to the in-process map immediately, then best-effort
// to the durable tier. A durable write failure is logged and swallowed:
// the in-process write already succeeded.
func (c *GroupCache) Put(ctx context.Context, meta domain.GroupMetadata) domain.GroupMetadata {
	now := time.Now().UTC()
	meta.FetchedAt = now
	meta.FromCache = false

	c.mu.Lock()
	c.entries[meta.GroupID] = memEntry{meta: meta, fetchedAt: now}
	c.mu.Unlock()

	if c.store != nil && c.storeHealthy() {
		if err := c.store.Upsert(ctx, meta); err != nil {
			c.logger.Warn().
				Err(err).
				Str("group_id", meta.GroupID).
				Msg("durable cache write failed, entry kept in memory only")
		}
	}
	return meta
}

// Invalidate drops only the in-process entry; durable data is left for the
// next TTL-driven fetch to refresh.
func (c *GroupCache) Invalidate(groupID string) {
	c.mu.Lock()
	delete(c.entries, groupID)
	c.mu.Unlock()
}

func (c *GroupCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]memEntry)
	c.mu.Unlock()
}

// Stats reports the in-process entry count and durable tier health.
func (c *GroupCache) Stats() (entries int, storeAvailable bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), c.storeAvailable
}

func (c *GroupCache) storeHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storeAvailable
}

func (c *GroupCache) setStoreHealthy(healthy bool) {
	c.mu.Lock()
	c.storeAvailable = healthy
	c.mu.Unlock()
}

// sweepLoop bounds memory even for keys never read again.
func (c *GroupCache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(time.Now().UTC())
		}
	}
}

func (c *GroupCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.Sub(entry.fetchedAt) >= c.cfg.MemoryTTL {
			delete(c.entries, key)
		}
	}
}
