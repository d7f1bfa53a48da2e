package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/wa-marketing-back/internal/domain"
)

type fakeStoreEntry struct {
	meta      domain.GroupMetadata
	updatedAt time.Time
}

// fakeStore is a scriptable durable tier: fail it wholesale or per call.
type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]fakeStoreEntry
	probeErr error
	getErr   error

	probes  int
	gets    int
	upserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]fakeStoreEntry)}
}

func (s *fakeStore) Probe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return s.probeErr
}

func (s *fakeStore) Get(_ context.Context, groupID string) (domain.GroupMetadata, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return domain.GroupMetadata{}, time.Time{}, s.getErr
	}
	row, ok := s.rows[groupID]
	if !ok {
		return domain.GroupMetadata{}, time.Time{}, ErrNotFound
	}
	return row.meta, row.updatedAt, nil
}

func (s *fakeStore) Upsert(_ context.Context, meta domain.GroupMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.getErr != nil {
		return s.getErr
	}
	s.rows[meta.GroupID] = fakeStoreEntry{meta: meta, updatedAt: time.Now().UTC()}
	return nil
}

func (s *fakeStore) seed(meta domain.GroupMetadata, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[meta.GroupID] = fakeStoreEntry{meta: meta, updatedAt: updatedAt}
}

func (s *fakeStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErr = err
	s.getErr = err
}

func (s *fakeStore) recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErr = nil
	s.getErr = nil
}

func (s *fakeStore) counters() (probes, gets, upserts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes, s.gets, s.upserts
}

func newTestCache(t *testing.T, cfg Config, store Store) *GroupCache {
	t.Helper()
	c := New(cfg, store, zerolog.Nop(), nil)
	t.Cleanup(c.Close)
	return c
}

func TestGetPrefersMemoryTier(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, Config{}, store)
	ctx := context.Background()

	c.Put(ctx, domain.GroupMetadata{GroupID: "g1", Subject: "Ofertas", Participants: 120})

	meta, ok := c.Get(ctx, "g1")
	require.True(t, ok)
	assert.Equal(t, "Ofertas", meta.Subject)
	assert.True(t, meta.FromCache)

	_, gets, _ := store.counters()
	assert.Zero(t, gets, "memory hit must not touch the durable tier")
}

func TestGetFallsBackToStoreAndPopulatesMemory(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.GroupMetadata{GroupID: "g1", Subject: "Ofertas", Participants: 80}, time.Now().UTC())
	c := newTestCache(t, Config{}, store)
	ctx := context.Background()

	meta, ok := c.Get(ctx, "g1")
	require.True(t, ok)
	assert.True(t, meta.FromCache)
	assert.Equal(t, 80, meta.Participants)

	// Second read is served from memory.
	_, ok = c.Get(ctx, "g1")
	require.True(t, ok)
	_, gets, _ := store.counters()
	assert.Equal(t, 1, gets)
}

func TestGetMissesWhenBothTiersEmpty(t *testing.T) {
	c := newTestCache(t, Config{}, newFakeStore())
	_, ok := c.Get(context.Background(), "unknown")
	assert.False(t, ok)
}

func TestGetMemoryOnlyWithoutStore(t *testing.T) {
	c := newTestCache(t, Config{}, nil)
	ctx := context.Background()

	_, ok := c.Get(ctx, "g1")
	assert.False(t, ok)

	c.Put(ctx, domain.GroupMetadata{GroupID: "g1", Subject: "Ofertas"})
	meta, ok := c.Get(ctx, "g1")
	require.True(t, ok)
	assert.Equal(t, "Ofertas", meta.Subject)
}

func TestGetIgnoresStaleStoreRow(t *testing.T) {
	store := newFakeStore()
	store.seed(domain.GroupMetadata{GroupID: "g1", Subject: "Velho"}, time.Now().UTC().Add(-2*time.Hour))
	c := newTestCache(t, Config{StoreTTL: time.Hour}, store)

	_, ok := c.Get(context.Background(), "g1")
	assert.False(t, ok, "a durable row past its TTL is a miss")
}

func TestExpiredMemoryEntryFallsThrough(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, Config{MemoryTTL: time.Nanosecond}, store)
	ctx := context.Background()

	c.Put(ctx, domain.GroupMetadata{GroupID: "g1", Subject: "Ofertas"})
	time.Sleep(time.Millisecond)

	// Put wrote through, so the durable tier still answers.
	meta, ok := c.Get(ctx, "g1")
	require.True(t, ok)
	assert.Equal(t, "Ofertas", meta.Subject)
	_, gets, _ := store.counters()
	assert.Equal(t, 1, gets)
}

func TestStoreErrorDegradesToMemoryOnly(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, Config{}, store)
	ctx := context.Background()

	store.fail(errors.New("connection refused"))
	_, ok := c.Get(ctx, "g1")
	assert.False(t, ok)

	_, storeAvailable := c.Stats()
	assert.False(t, storeAvailable)

	// While degraded each miss costs one probe, not a full query.
	_, getsBefore, _ := store.counters()
	_, ok = c.Get(ctx, "g2")
	assert.False(t, ok)
	probes, getsAfter, _ := store.counters()
	assert.Equal(t, getsBefore, getsAfter)
	assert.Positive(t, probes)
}

func TestStoreRecoversAfterSuccessfulProbe(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, Config{}, store)
	ctx := context.Background()

	store.fail(errors.New("connection refused"))
	_, _ = c.Get(ctx, "g1")
	_, storeAvailable := c.Stats()
	require.False(t, storeAvailable)

	store.recover()
	store.seed(domain.GroupMetadata{GroupID: "g1", Subject: "De volta"}, time.Now().UTC())

	meta, ok := c.Get(ctx, "g1")
	require.True(t, ok)
	assert.Equal(t, "De volta", meta.Subject)
	_, storeAvailable = c.Stats()
	assert.True(t, storeAvailable)
}

func TestPutSwallowsDurableWriteFailure(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, Config{}, store)
	ctx := context.Background()

	store.fail(errors.New("disk full"))
	store.probeErr = nil

	c.Put(ctx, domain.GroupMetadata{GroupID: "g1", Subject: "Ofertas"})

	meta, ok := c.Get(ctx, "g1")
	require.True(t, ok, "memory tier must hold the entry even when the durable write failed")
	assert.Equal(t, "Ofertas", meta.Subject)
}

func TestInvalidateDropsMemoryEntryOnly(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, Config{}, store)
	ctx := context.Background()

	c.Put(ctx, domain.GroupMetadata{GroupID: "g1", Subject: "Ofertas"})
	c.Invalidate("g1")

	entries, _ := c.Stats()
	assert.Zero(t, entries)

	// The durable row written by Put still serves the next read.
	meta, ok := c.Get(ctx, "g1")
	require.True(t, ok)
	assert.Equal(t, "Ofertas", meta.Subject)
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	c := newTestCache(t, Config{MemoryTTL: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	c.Put(ctx, domain.GroupMetadata{GroupID: "g1"})
	c.Put(ctx, domain.GroupMetadata{GroupID: "g2"})

	time.Sleep(20 * time.Millisecond)
	c.sweep(time.Now().UTC())

	entries, _ := c.Stats()
	assert.Zero(t, entries)
}

