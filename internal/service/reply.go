// Package service wires the buffering, queueing and generation pieces
// into the two pipelines the agent runs: AI replies for inbound messages
// and conversation reports.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/buffer"
	"github.com/iago/wa-marketing-back/internal/domain"
	"github.com/iago/wa-marketing-back/internal/metrics"
	"github.com/iago/wa-marketing-back/internal/queue"
	"github.com/iago/wa-marketing-back/internal/ratelimit"
	"github.com/iago/wa-marketing-back/internal/transport"
)

// Generator is the opaque AI completion boundary.
type Generator interface {
	Available() bool
	GenerateReply(ctx context.Context, history []string) (string, error)
	GenerateReport(ctx context.Context, conversationID string) (string, error)
}

type ReplyConfig struct {
	// OwnerKey is the owner's conversation key; owner traffic enqueues
	// at the highest priority.
	OwnerKey string
	// OperatorChannel receives the one-time notification when a job
	// fails terminally.
	OperatorChannel string
	// EnqueueTimeout bounds the enqueue triggered by a buffer flush.
	EnqueueTimeout time.Duration
	Buffer         buffer.Config
}

func (c ReplyConfig) withDefaults() ReplyConfig {
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 10 * time.Second
	}
	return c
}

// ReplyService owns the inbound path: buffer bursts per conversation,
// enqueue the flushed batch, and serve as the message queue's unit of
// work when the worker polls.
type ReplyService struct {
	cfg       ReplyConfig
	ai        Generator
	transport transport.Transport
	limiter   *ratelimit.Limiter
	logger    zerolog.Logger

	buffer *buffer.MessageBuffer
	queue  *queue.Queue
}

func NewReplyService(
	cfg ReplyConfig,
	store queue.Store,
	queueCfg queue.Config,
	ai Generator,
	tp transport.Transport,
	limiter *ratelimit.Limiter,
	logger zerolog.Logger,
	m *metrics.Metrics,
) *ReplyService {
	s := &ReplyService{
		cfg:       cfg.withDefaults(),
		ai:        ai,
		transport: tp,
		limiter:   limiter,
		logger:    logger,
	}
	s.buffer = buffer.New(cfg.Buffer, s.handleBatch, logger, m)
	s.queue = queue.New(queueCfg, store, s.processJob, s.gate, s.notifyFailure, logger, m)
	return s
}

// Queue exposes the message-job queue for the worker and stats.
func (s *ReplyService) Queue() *queue.Queue {
	return s.queue
}

// Buffer exposes the message buffer for stats and shutdown draining.
func (s *ReplyService) Buffer() *buffer.MessageBuffer {
	return s.buffer
}

// HandleInbound feeds one raw inbound message into the per-conversation
// buffer. The reply is produced asynchronously once the debounce elapses
// and the worker picks up the batched job.
func (s *ReplyService) HandleInbound(key, text string) {
	text = strings.TrimSpace(text)
	if key == "" || text == "" {
		return
	}
	s.buffer.Add(key, text)
}

// handleBatch is the buffer's flush callback: it enqueues the batch with a
// priority derived from who is talking.
func (s *ReplyService) handleBatch(key string, messages []string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EnqueueTimeout)
	defer cancel()

	priority := domain.PriorityDefault
	if key == s.cfg.OwnerKey {
		priority = domain.PriorityOwner
	}

	if _, err := s.queue.Enqueue(ctx, domain.Job{
		Kind:        domain.JobKindMessage,
		IdentityKey: key,
		Messages:    messages,
		Priority:    priority,
	}); err != nil {
		s.logger.Error().
			Err(err).
			Str("key", key).
			Int("batch_size", len(messages)).
			Msg("enqueue of flushed batch failed")
	}
}

// processJob is the message queue's unit of work: generate one reply for
// the batch and send it back to the conversation.
func (s *ReplyService) processJob(ctx context.Context, job *domain.Job) error {
	reply, err := ratelimit.Do(ctx, s.limiter, "generate-reply", func(ctx context.Context) (string, error) {
		return s.ai.GenerateReply(ctx, job.Messages)
	})
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}

	err = s.limiter.Execute(ctx, "send-reply", func(ctx context.Context) error {
		_, sendErr := s.transport.SendText(ctx, job.IdentityKey, reply)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// gate keeps the worker from dequeueing while no usable credential is
// available upstream.
func (s *ReplyService) gate(_ context.Context) bool {
	return s.ai.Available()
}

// notifyFailure surfaces a terminally failed job to the operator channel,
// once, best effort.
func (s *ReplyService) notifyFailure(ctx context.Context, job *domain.Job) {
	if s.cfg.OperatorChannel == "" {
		return
	}
	summary := fmt.Sprintf(
		"Reply job for %s failed after %d attempts: %s",
		job.IdentityKey, job.RetryCount, job.LastError,
	)
	if _, err := s.transport.SendText(ctx, s.cfg.OperatorChannel, summary); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("operator notification failed")
	}
}
