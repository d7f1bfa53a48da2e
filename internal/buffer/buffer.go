// Package buffer coalesces rapid per-conversation message bursts into a
// single batch before downstream processing. Each conversation key owns an
// independent debounce timer; the window adapts to how many conversations
// are active at once.
package buffer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/metrics"
)

// OnBatch receives the accumulated texts for a key after the debounce
// window elapses. It runs on the timer goroutine; the accumulator is
// already cleared, so a panicking callback cannot corrupt buffer state.
type OnBatch func(key string, messages []string)

// Config holds the debounce windows per load tier. The tier boundaries
// (1 / 2-3 / 4-10 / 11+ active keys) are tuning parameters; the invariant
// is that the window never decreases as load grows.
type Config struct {
	WindowSolo   time.Duration
	WindowLow    time.Duration
	WindowMedium time.Duration
	WindowHigh   time.Duration
}

func (c Config) withDefaults() Config {
	if c.WindowSolo <= 0 {
		c.WindowSolo = 3 * time.Second
	}
	if c.WindowLow <= 0 {
		c.WindowLow = 6 * time.Second
	}
	if c.WindowMedium <= 0 {
		c.WindowMedium = 10 * time.Second
	}
	if c.WindowHigh <= 0 {
		c.WindowHigh = 15 * time.Second
	}
	return c
}

type entry struct {
	texts []string
	timer *time.Timer
}

type MessageBuffer struct {
	cfg     Config
	onBatch OnBatch
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

func New(cfg Config, onBatch OnBatch, logger zerolog.Logger, m *metrics.Metrics) *MessageBuffer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &MessageBuffer{
		cfg:     cfg.withDefaults(),
		onBatch: onBatch,
		logger:  logger,
		metrics: m,
		entries: make(map[string]*entry),
	}
}

// Add appends text to the key's accumulator and re-arms its debounce
// timer. The previous timer is always cancelled and replaced wholesale, so
// a burst keeps pushing the flush out until the sender goes quiet.
func (b *MessageBuffer) Add(key, text string) {
	b.mu.Lock()
	e := b.entries[key]
	if e == nil {
		e = &entry{}
		b.entries[key] = e
	}
	e.texts = append(e.texts, text)
	if e.timer != nil {
		e.timer.Stop()
	}
	window := b.debounceFor(len(b.entries))
	e.timer = time.AfterFunc(window, func() {
		b.Flush(key)
	})
	b.metrics.BufferActiveKeys.Set(float64(len(b.entries)))
	b.mu.Unlock()
}

// Flush atomically removes the key's accumulator and hands the batch to
// the callback. No-op for an unknown or empty key.
func (b *MessageBuffer) Flush(key string) {
	b.mu.Lock()
	e := b.entries[key]
	if e == nil {
		b.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(b.entries, key)
	texts := e.texts
	b.metrics.BufferActiveKeys.Set(float64(len(b.entries)))
	b.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("key", key).
				Interface("panic", r).
				Msg("batch callback panicked")
		}
	}()
	b.onBatch(key, texts)
}

// FlushAll drains every pending accumulator, used on shutdown.
func (b *MessageBuffer) FlushAll() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.Flush(key)
	}
}

// ActiveKeys reports how many conversations currently hold a non-empty
// accumulator.
func (b *MessageBuffer) ActiveKeys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// debounceFor maps the active-key count to a window: a lone conversation
// gets fast feedback, many concurrent conversations get a longer window
// that amortizes load instead of amplifying the burst.
func (b *MessageBuffer) debounceFor(active int) time.Duration {
	switch {
	case active <= 1:
		return b.cfg.WindowSolo
	case active <= 3:
		return b.cfg.WindowLow
	case active <= 10:
		return b.cfg.WindowMedium
	default:
		return b.cfg.WindowHigh
	}
}
