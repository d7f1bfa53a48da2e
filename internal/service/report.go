package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/domain"
	"github.com/iago/wa-marketing-back/internal/metrics"
	"github.com/iago/wa-marketing-back/internal/queue"
	"github.com/iago/wa-marketing-back/internal/ratelimit"
	"github.com/iago/wa-marketing-back/internal/transport"
)

// ReportService owns the report pipeline: a contact asks for a report on
// one of their conversations, the request is queued at low priority, and
// the generated report is sent back to the contact.
type ReportService struct {
	ai        Generator
	transport transport.Transport
	limiter   *ratelimit.Limiter
	logger    zerolog.Logger

	operatorChannel string
	queue           *queue.Queue
}

func NewReportService(
	operatorChannel string,
	store queue.Store,
	queueCfg queue.Config,
	ai Generator,
	tp transport.Transport,
	limiter *ratelimit.Limiter,
	logger zerolog.Logger,
	m *metrics.Metrics,
) *ReportService {
	s := &ReportService{
		ai:              ai,
		transport:       tp,
		limiter:         limiter,
		logger:          logger,
		operatorChannel: operatorChannel,
	}
	s.queue = queue.New(queueCfg, store, s.processJob, s.gate, s.notifyFailure, logger, m)
	return s
}

func (s *ReportService) Queue() *queue.Queue {
	return s.queue
}

// RequestReport enqueues a report job keyed by contact and conversation,
// merging into an already-pending request for the same pair.
func (s *ReportService) RequestReport(ctx context.Context, contactID, conversationID string) (*domain.Job, error) {
	if contactID == "" || conversationID == "" {
		return nil, fmt.Errorf("contact and conversation are required")
	}
	return s.queue.Enqueue(ctx, domain.Job{
		Kind:           domain.JobKindReport,
		IdentityKey:    contactID + "|" + conversationID,
		ConversationID: conversationID,
		Priority:       domain.PriorityDefault,
	})
}

func (s *ReportService) processJob(ctx context.Context, job *domain.Job) error {
	report, err := ratelimit.Do(ctx, s.limiter, "generate-report", func(ctx context.Context) (string, error) {
		return s.ai.GenerateReport(ctx, job.ConversationID)
	})
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}

	err = s.limiter.Execute(ctx, "send-report", func(ctx context.Context) error {
		_, sendErr := s.transport.SendText(ctx, contactFromIdentity(job.IdentityKey), report)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	return nil
}

func (s *ReportService) gate(_ context.Context) bool {
	return s.ai.Available()
}

func (s *ReportService) notifyFailure(ctx context.Context, job *domain.Job) {
	if s.operatorChannel == "" {
		return
	}
	summary := fmt.Sprintf(
		"Report job for conversation %s failed after %d attempts: %s",
		job.ConversationID, job.RetryCount, job.LastError,
	)
	if _, err := s.transport.SendText(ctx, s.operatorChannel, summary); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("operator notification failed")
	}
}

func contactFromIdentity(identityKey string) string {
	contact, _, found := strings.Cut(identityKey, "|")
	if !found {
		return identityKey
	}
	return contact
}
