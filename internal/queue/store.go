package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/wa-marketing-back/internal/domain"
)

var ErrNotFound = errors.New("job not found")

// Store abstracts job persistence for one queue instance. Implementations
// are scoped to a single job kind so the two queues never see each other's
// rows.
type Store interface {
	Insert(ctx context.Context, job *domain.Job) error
	Update(ctx context.Context, job *domain.Job) error
	// FindActive returns the single non-terminal job for identityKey, or
	// ErrNotFound. At most one such job exists per key.
	FindActive(ctx context.Context, identityKey string) (*domain.Job, error)
	// NextPending returns the most urgent pending job ordered by
	// (priority ASC, created_at ASC), or ErrNotFound.
	NextPending(ctx context.Context) (*domain.Job, error)
	// DeleteTerminalBefore garbage-collects completed/failed jobs last
	// touched before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	// ReclaimProcessingBefore resets jobs stuck in processing since
	// before cutoff back to pending, without touching their retry count.
	ReclaimProcessingBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

// MemoryStore keeps jobs in memory for local development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.Job)}
}

func (s *MemoryStore) Insert(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) FindActive(_ context.Context, identityKey string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.IdentityKey == identityKey && !job.Status.Terminal() {
			return cloneJob(job), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) NextPending(_ context.Context) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusPending {
			pending = append(pending, job)
		}
	}
	if len(pending) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return cloneJob(pending[0]), nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ReclaimProcessingBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusProcessing && job.UpdatedAt.Before(cutoff) {
			job.Status = domain.JobStatusPending
			job.UpdatedAt = time.Now().UTC()
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[domain.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Messages = append([]string(nil), job.Messages...)
	if job.ProcessedAt != nil {
		processedAt := *job.ProcessedAt
		clone.ProcessedAt = &processedAt
	}
	return &clone
}
