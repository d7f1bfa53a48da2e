// Package ratelimit wraps calls to external rate-limited APIs with
// throttle spacing, rate-limit classification and jittered exponential
// backoff. Every component that talks to the AI provider or the chat
// transport in a loop routes through a Limiter.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// MaxRetries bounds retries for rate-limit-shaped failures only.
	// Other failures are re-raised on the first attempt.
	MaxRetries int
	// InitialDelay seeds the backoff curve and floors the jittered wait.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// BackoffMultiplier grows the delay per attempt.
	BackoffMultiplier float64
	// JitterFactor spreads the delay by ±factor, uniformly sampled.
	JitterFactor float64
	// ThrottleDelay is the minimum spacing before an attempt, measured
	// from the last successful call, not from the last attempt.
	ThrottleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 1 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	return c
}

type submission struct {
	ctx   context.Context
	label string
	op    func(context.Context) error
	done  chan error
}

// Limiter serializes throttle state for one upstream dependency. The
// process runs two instances: a conservative one for metadata-style calls
// and a light one for general traffic.
type Limiter struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	lastSuccess time.Time
	fifo        []submission
	draining    bool
}

func New(cfg Config, logger zerolog.Logger) *Limiter {
	return &Limiter{
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Execute runs op with throttle spacing and bounded backoff on
// rate-limit-shaped failures. Any other failure is returned immediately
// without retry. Exhausting retries returns the last observed error.
func (l *Limiter) Execute(ctx context.Context, label string, op func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := l.throttle(ctx); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			l.mu.Lock()
			l.lastSuccess = time.Now()
			l.mu.Unlock()
			return nil
		}
		if !IsRateLimited(err) {
			return err
		}
		if attempt >= l.cfg.MaxRetries {
			l.logger.Warn().
				Str("label", label).
				Int("attempts", attempt+1).
				Err(err).
				Msg("rate limit retries exhausted")
			return err
		}

		wait := l.backoff(attempt)
		l.logger.Debug().
			Str("label", label).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("rate limited, backing off")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Submit appends op to an internal FIFO drained one at a time by a single
// in-flight loop. Each drained operation itself passes through Execute, so
// queued callers share the same throttle and retry behavior but never run
// concurrently with each other.
func (l *Limiter) Submit(ctx context.Context, label string, op func(context.Context) error) error {
	sub := submission{
		ctx:   ctx,
		label: label,
		op:    op,
		done:  make(chan error, 1),
	}

	l.mu.Lock()
	l.fifo = append(l.fifo, sub)
	if !l.draining {
		l.draining = true
		go l.drain()
	}
	l.mu.Unlock()

	select {
	case err := <-sub.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		if len(l.fifo) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		sub := l.fifo[0]
		l.fifo = l.fifo[1:]
		l.mu.Unlock()

		if sub.ctx.Err() != nil {
			sub.done <- sub.ctx.Err()
			continue
		}
		sub.done <- l.Execute(sub.ctx, sub.label, sub.op)
	}
}

func (l *Limiter) throttle(ctx context.Context) error {
	if l.cfg.ThrottleDelay <= 0 {
		return nil
	}
	l.mu.Lock()
	last := l.lastSuccess
	l.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	remaining := l.cfg.ThrottleDelay - time.Since(last)
	if remaining <= 0 {
		return nil
	}
	return sleep(ctx, remaining)
}

// backoff computes min(initial*multiplier^attempt, max), jittered by
// ±JitterFactor and floored at the initial delay so the wait can never be
// zero or negative.
func (l *Limiter) backoff(attempt int) time.Duration {
	delay := float64(l.cfg.InitialDelay) * math.Pow(l.cfg.BackoffMultiplier, float64(attempt))
	if delay > float64(l.cfg.MaxDelay) {
		delay = float64(l.cfg.MaxDelay)
	}
	if l.cfg.JitterFactor > 0 {
		delay += (rand.Float64()*2 - 1) * l.cfg.JitterFactor * delay
	}
	if delay < float64(l.cfg.InitialDelay) {
		delay = float64(l.cfg.InitialDelay)
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do is the typed entry point for operations that produce a result.
func Do[T any](ctx context.Context, l *Limiter, label string, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := l.Execute(ctx, label, func(ctx context.Context) error {
		value, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		result = value
		return nil
	})
	return result, err
}
