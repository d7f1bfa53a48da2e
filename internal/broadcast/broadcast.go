// Package broadcast runs the scheduled ad slots: resolve the group list,
// send the campaign to each group sequentially with a fixed inter-send
// delay, and register sent ads for later deletion.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/iago/wa-marketing-back/internal/cache"
	"github.com/iago/wa-marketing-back/internal/domain"
	"github.com/iago/wa-marketing-back/internal/metrics"
	"github.com/iago/wa-marketing-back/internal/ratelimit"
	"github.com/iago/wa-marketing-back/internal/tracker"
	"github.com/iago/wa-marketing-back/internal/transport"
)

// Campaign is one ad to broadcast during a slot.
type Campaign struct {
	Text    string
	Image   []byte
	Caption string
	// DeleteAfterMinutes registers each sent message with the ephemeral
	// tracker; zero means the ad stays.
	DeleteAfterMinutes int
}

// SlotReport summarizes one slot run.
type SlotReport struct {
	Groups  int
	Sent    int
	Skipped int
	Failed  int
}

type Config struct {
	// SendDelay is the fixed spacing between consecutive group sends, on
	// top of the rate limiter's own throttling (default 2s).
	SendDelay time.Duration
	// MinParticipants skips groups below this size; zero sends to all.
	MinParticipants int
}

func (c Config) withDefaults() Config {
	if c.SendDelay <= 0 {
		c.SendDelay = 2 * time.Second
	}
	return c
}

type Broadcaster struct {
	cfg       Config
	transport transport.Transport
	cache     *cache.GroupCache
	limiter   *ratelimit.Limiter
	tracker   *tracker.Tracker
	pace      *rate.Limiter
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(
	cfg Config,
	tp transport.Transport,
	groupCache *cache.GroupCache,
	limiter *ratelimit.Limiter,
	adTracker *tracker.Tracker,
	logger zerolog.Logger,
	m *metrics.Metrics,
) *Broadcaster {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.NewNop()
	}
	return &Broadcaster{
		cfg:       cfg,
		transport: tp,
		cache:     groupCache,
		limiter:   limiter,
		tracker:   adTracker,
		pace:      rate.NewLimiter(rate.Every(cfg.SendDelay), 1),
		logger:    logger,
		metrics:   m,
	}
}

// RunSlot broadcasts the campaign to every eligible group. Sends are
// sequential: one failed group is counted and skipped, it never aborts
// the rest of the slot.
func (b *Broadcaster) RunSlot(ctx context.Context, campaign Campaign) (SlotReport, error) {
	if campaign.Text == "" && len(campaign.Image) == 0 {
		return SlotReport{}, errors.New("campaign has no content")
	}

	groups, err := ratelimit.Do(ctx, b.limiter, "list-groups", func(ctx context.Context) ([]string, error) {
		return b.transport.ListGroups(ctx)
	})
	if err != nil {
		return SlotReport{}, fmt.Errorf("list groups: %w", err)
	}

	report := SlotReport{Groups: len(groups)}
	for _, groupID := range groups {
		if err := b.pace.Wait(ctx); err != nil {
			return report, err
		}

		meta, err := b.groupMetadata(ctx, groupID)
		if err != nil {
			b.logger.Warn().Err(err).Str("group_id", groupID).Msg("group metadata unavailable, skipping")
			report.Skipped++
			b.metrics.BroadcastSends.WithLabelValues("skipped").Inc()
			continue
		}
		if b.cfg.MinParticipants > 0 && meta.Participants < b.cfg.MinParticipants {
			report.Skipped++
			b.metrics.BroadcastSends.WithLabelValues("skipped").Inc()
			continue
		}

		handle, err := b.send(ctx, groupID, campaign)
		if err != nil {
			b.logger.Error().Err(err).Str("group_id", groupID).Msg("ad send failed")
			report.Failed++
			b.metrics.BroadcastSends.WithLabelValues("failed").Inc()
			continue
		}
		report.Sent++
		b.metrics.BroadcastSends.WithLabelValues("sent").Inc()

		if campaign.DeleteAfterMinutes > 0 && b.tracker != nil {
			if err := b.tracker.TrackAd(groupID, handle, campaign.DeleteAfterMinutes); err != nil {
				b.logger.Error().Err(err).Str("group_id", groupID).Msg("ad tracking failed")
			}
		}
	}

	b.logger.Info().
		Int("groups", report.Groups).
		Int("sent", report.Sent).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("broadcast slot finished")
	return report, nil
}

// groupMetadata reads through the TTL cache, falling back to a rate
// limited transport fetch on a miss.
func (b *Broadcaster) groupMetadata(ctx context.Context, groupID string) (domain.GroupMetadata, error) {
	if meta, ok := b.cache.Get(ctx, groupID); ok {
		return meta, nil
	}
	meta, err := ratelimit.Do(ctx, b.limiter, "group-metadata", func(ctx context.Context) (domain.GroupMetadata, error) {
		return b.transport.GroupMetadata(ctx, groupID)
	})
	if err != nil {
		return domain.GroupMetadata{}, err
	}
	return b.cache.Put(ctx, meta), nil
}

func (b *Broadcaster) send(ctx context.Context, groupID string, campaign Campaign) (string, error) {
	return ratelimit.Do(ctx, b.limiter, "send-ad", func(ctx context.Context) (string, error) {
		if len(campaign.Image) > 0 {
			return b.transport.SendImage(ctx, groupID, campaign.Image, campaign.Caption)
		}
		return b.transport.SendText(ctx, groupID, campaign.Text)
	})
}
