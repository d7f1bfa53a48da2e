// Package queue implements the persisted, retryable, priority-ordered work
// queue that sits between the message buffer and the rate-limited AI
// upstream. Two instances run per process: message-reply jobs and
// report-generation jobs.
package queue

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/domain"
	"github.com/iago/wa-marketing-back/internal/metrics"
	"github.com/iago/wa-marketing-back/internal/ratelimit"
)

// MaxRetries caps non-rate-limit failures before a job goes terminal.
const MaxRetries = 3

// UnitOfWork performs the job's actual work, typically an AI generation
// call routed through the rate limiter plus a transport send.
type UnitOfWork func(ctx context.Context, job *domain.Job) error

// Gate reports whether the upstream has capacity for another call. When it
// returns false the tick is skipped without touching the store.
type Gate func(ctx context.Context) bool

// OnFailed is invoked once when a job reaches the terminal failed status,
// e.g. to notify an operator channel.
type OnFailed func(ctx context.Context, job *domain.Job)

type Config struct {
	// Name labels logs and metrics, e.g. "message" or "report".
	Name string
	// Retention bounds how long terminal jobs are kept before cleanup.
	Retention time.Duration
	// ProcessingTimeout reclaims jobs stuck in processing (e.g. after a
	// crash mid-job) back to pending during cleanup.
	ProcessingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "jobs"
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 10 * time.Minute
	}
	return c
}

type Queue struct {
	cfg      Config
	store    Store
	work     UnitOfWork
	gate     Gate
	onFailed OnFailed
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	processing bool
}

func New(cfg Config, store Store, work UnitOfWork, gate Gate, onFailed OnFailed, logger zerolog.Logger, m *metrics.Metrics) *Queue {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Queue{
		cfg:      cfg.withDefaults(),
		store:    store,
		work:     work,
		gate:     gate,
		onFailed: onFailed,
		logger:   logger,
		metrics:  m,
	}
}

func (q *Queue) Name() string {
	return q.cfg.Name
}

// Enqueue inserts a pending job, or merges the draft's payload into the
// existing non-terminal job for the same identity key. The merge accepts
// the lost-update risk of read-then-write: the deployment model is a
// single worker process.
func (q *Queue) Enqueue(ctx context.Context, draft domain.Job) (*domain.Job, error) {
	now := time.Now().UTC()

	existing, err := q.store.FindActive(ctx, draft.IdentityKey)
	if err == nil {
		existing.MergeFrom(draft, now)
		if err := q.store.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("merge job for %s: %w", draft.IdentityKey, err)
		}
		q.logger.Debug().
			Str("queue", q.cfg.Name).
			Str("job_id", existing.ID).
			Str("identity_key", draft.IdentityKey).
			Int("payload_size", len(existing.Messages)).
			Msg("merged payload into active job")
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find active job for %s: %w", draft.IdentityKey, err)
	}

	draft.ID = ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	draft.Status = domain.JobStatusPending
	draft.RetryCount = 0
	draft.CreatedAt = now
	draft.UpdatedAt = now
	if err := q.store.Insert(ctx, &draft); err != nil {
		return nil, fmt.Errorf("insert job for %s: %w", draft.IdentityKey, err)
	}
	return &draft, nil
}

// ProcessNext draws at most one job per call: the oldest pending job in
// the most urgent priority band. Re-entrant calls are no-ops while a job
// is in flight, so throughput is bounded by the poll interval regardless
// of backlog size. Every outcome is converted into a status transition;
// no error escapes the tick.
func (q *Queue) ProcessNext(ctx context.Context) error {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return nil
	}
	q.processing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	if q.gate != nil && !q.gate(ctx) {
		q.logger.Debug().Str("queue", q.cfg.Name).Msg("upstream gate closed, skipping tick")
		return nil
	}

	job, err := q.store.NextPending(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("next pending: %w", err)
	}

	now := time.Now().UTC()
	job.Status = domain.JobStatusProcessing
	job.UpdatedAt = now
	if err := q.store.Update(ctx, job); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	workErr := q.runWork(ctx, job)
	now = time.Now().UTC()
	job.UpdatedAt = now

	switch {
	case workErr == nil:
		job.Status = domain.JobStatusCompleted
		job.LastError = ""
		job.ProcessedAt = &now
		q.metrics.JobsProcessed.WithLabelValues(q.cfg.Name, "completed").Inc()
		q.logger.Info().
			Str("queue", q.cfg.Name).
			Str("job_id", job.ID).
			Msg("job completed")

	case ratelimit.IsRateLimited(workErr):
		// Expected upstream throttling: back to pending with the retry
		// budget untouched, re-attempted indefinitely on later ticks.
		job.Status = domain.JobStatusPending
		job.LastError = workErr.Error()
		q.metrics.JobsProcessed.WithLabelValues(q.cfg.Name, "rate_limited").Inc()
		q.logger.Warn().
			Str("queue", q.cfg.Name).
			Str("job_id", job.ID).
			Msg("job deferred by upstream rate limit")

	default:
		job.RetryCount++
		job.LastError = workErr.Error()
		if job.RetryCount >= MaxRetries {
			job.Status = domain.JobStatusFailed
			q.metrics.JobsProcessed.WithLabelValues(q.cfg.Name, "failed").Inc()
			q.logger.Error().
				Str("queue", q.cfg.Name).
				Str("job_id", job.ID).
				Int("retries", job.RetryCount).
				Err(workErr).
				Msg("job failed terminally")
			if q.onFailed != nil {
				q.onFailed(ctx, job)
			}
		} else {
			job.Status = domain.JobStatusPending
			q.metrics.JobsProcessed.WithLabelValues(q.cfg.Name, "retried").Inc()
			q.logger.Warn().
				Str("queue", q.cfg.Name).
				Str("job_id", job.ID).
				Int("retries", job.RetryCount).
				Err(workErr).
				Msg("job failed, will retry")
		}
	}

	if err := q.store.Update(ctx, job); err != nil {
		return fmt.Errorf("persist job outcome: %w", err)
	}
	return nil
}

func (q *Queue) runWork(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit of work panicked: %v", r)
		}
	}()
	return q.work(ctx, job)
}

// Cleanup garbage-collects terminal jobs past retention and reclaims jobs
// stuck in processing past the timeout.
func (q *Queue) Cleanup(ctx context.Context) error {
	removed, err := q.store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-q.cfg.Retention))
	if err != nil {
		return fmt.Errorf("delete terminal jobs: %w", err)
	}
	reclaimed, err := q.store.ReclaimProcessingBefore(ctx, time.Now().UTC().Add(-q.cfg.ProcessingTimeout))
	if err != nil {
		return fmt.Errorf("reclaim stuck jobs: %w", err)
	}
	if removed > 0 || reclaimed > 0 {
		q.logger.Info().
			Str("queue", q.cfg.Name).
			Int("removed", removed).
			Int("reclaimed", reclaimed).
			Msg("queue cleanup done")
	}
	return nil
}

// Stats snapshots job counts by status and refreshes the depth gauge.
func (q *Queue) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	q.metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(counts[domain.JobStatusPending]))
	return counts, nil
}
