// Package worker drives the two job queues and their cleanup sweep on
// independent fixed-interval timers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/metrics"
)

// Driver is the queue surface the worker needs.
type Driver interface {
	Name() string
	ProcessNext(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

type Config struct {
	// MessageInterval paces the message-reply queue (default 10s).
	MessageInterval time.Duration
	// ReportInterval paces the lower-priority report queue (default 30s).
	ReportInterval time.Duration
	// CleanupInterval paces both queues' cleanup (default 1h).
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MessageInterval <= 0 {
		c.MessageInterval = 10 * time.Second
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}

// Worker owns the three poll loops. Constructed once at process start;
// Start is idempotent and Stop resets the running state so the worker can
// be restarted.
type Worker struct {
	cfg          Config
	messageQueue Driver
	reportQueue  Driver
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	messageErrors atomic.Int64
	reportErrors  atomic.Int64
	cleanupErrors atomic.Int64
}

func New(cfg Config, messageQueue, reportQueue Driver, logger zerolog.Logger, m *metrics.Metrics) *Worker {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Worker{
		cfg:          cfg.withDefaults(),
		messageQueue: messageQueue,
		reportQueue:  reportQueue,
		logger:       logger,
		metrics:      m,
	}
}

// Start arms the three timers. Calling Start while running is a no-op with
// a warning.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.logger.Warn().Msg("worker already running, start ignored")
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	w.spawnLoop(ctx, stop, "message", w.cfg.MessageInterval, &w.messageErrors, func(ctx context.Context) error {
		return w.messageQueue.ProcessNext(ctx)
	})
	w.spawnLoop(ctx, stop, "report", w.cfg.ReportInterval, &w.reportErrors, func(ctx context.Context) error {
		return w.reportQueue.ProcessNext(ctx)
	})
	w.spawnLoop(ctx, stop, "cleanup", w.cfg.CleanupInterval, &w.cleanupErrors, func(ctx context.Context) error {
		return errors.Join(
			w.messageQueue.Cleanup(ctx),
			w.reportQueue.Cleanup(ctx),
		)
	})

	w.logger.Info().
		Dur("message_interval", w.cfg.MessageInterval).
		Dur("report_interval", w.cfg.ReportInterval).
		Dur("cleanup_interval", w.cfg.CleanupInterval).
		Msg("background worker started")
}

// Stop cancels the three timers and waits for in-flight ticks to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info().Msg("background worker stopped")
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// ErrorCounts reports how many ticks have failed per loop since process
// start. Failures are captured here instead of only reaching a log stream.
func (w *Worker) ErrorCounts() (message, report, cleanup int64) {
	return w.messageErrors.Load(), w.reportErrors.Load(), w.cleanupErrors.Load()
}

// spawnLoop runs tick on a fixed interval. Each loop captures its own
// panics and errors so one queue's failure never stops the other timers.
func (w *Worker) spawnLoop(ctx context.Context, stop <-chan struct{}, name string, interval time.Duration, errCount *atomic.Int64, tick func(context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := w.runTick(ctx, tick); err != nil {
					errCount.Add(1)
					w.metrics.WorkerTickErrors.WithLabelValues(name).Inc()
					w.logger.Error().
						Str("loop", name).
						Err(err).
						Msg("worker tick failed")
				}
			}
		}
	}()
}

func (w *Worker) runTick(ctx context.Context, tick func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return tick(ctx)
}
