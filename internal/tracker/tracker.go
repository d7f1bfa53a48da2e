// Package tracker keeps a disk-persisted list of sent ad messages to
// delete after a TTL, reconciled on a fixed interval. The whole list lives
// in one JSON document: read in full on startup, written in full on every
// change.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/domain"
)

// Deleter is the transport capability the cleanup needs.
type Deleter interface {
	DeleteMessage(ctx context.Context, channelID, handle string) error
}

type Tracker struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	records []domain.AdRecord
}

// New loads the persisted list from path; a missing file starts empty.
func New(path string, logger zerolog.Logger) (*Tracker, error) {
	t := &Tracker{path: path, logger: logger}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return nil, fmt.Errorf("read tracker file: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.records); err != nil {
			return nil, fmt.Errorf("decode tracker file: %w", err)
		}
	}
	return t, nil
}

// TrackAd appends a pending record and persists the whole list.
func (t *Tracker) TrackAd(channelID, messageHandle string, ttlMinutes int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, domain.AdRecord{
		ID:            uuid.NewString(),
		ChannelID:     channelID,
		MessageHandle: messageHandle,
		SentAt:        time.Now().UTC(),
		TTLMinutes:    ttlMinutes,
	})
	return t.persistLocked()
}

// RunCleanup deletes expired ads through the transport. A failed delete is
// treated as already resolved and dropped anyway: retrying a best-effort
// side channel forever is worse than missing the occasional delete. The
// file is rewritten only if anything changed.
func (t *Tracker) RunCleanup(ctx context.Context, deleter Deleter) error {
	now := time.Now().UTC()

	t.mu.Lock()
	expired := make([]domain.AdRecord, 0)
	for _, record := range t.records {
		if record.Expired(now) {
			expired = append(expired, record)
		}
	}
	t.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	for _, record := range expired {
		if err := deleter.DeleteMessage(ctx, record.ChannelID, record.MessageHandle); err != nil {
			t.logger.Warn().
				Err(err).
				Str("channel_id", record.ChannelID).
				Msg("ad delete failed, dropping record anyway")
		}
	}

	// Remove only the records deleted above. TrackAd may have appended
	// while the lock was released for the transport calls; those records
	// must survive this cleanup.
	deleted := make(map[string]struct{}, len(expired))
	for _, record := range expired {
		deleted[record.ID] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	pending := t.records[:0]
	for _, record := range t.records {
		if _, ok := deleted[record.ID]; !ok {
			pending = append(pending, record)
		}
	}
	t.records = pending
	if err := t.persistLocked(); err != nil {
		return err
	}
	t.logger.Info().Int("deleted", len(expired)).Int("pending", len(pending)).Msg("ad cleanup done")
	return nil
}

// Run reconciles on a fixed interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, deleter Deleter) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.RunCleanup(ctx, deleter); err != nil {
				t.logger.Error().Err(err).Msg("ad cleanup failed")
			}
		}
	}
}

// Pending reports how many records await expiry.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Tracker) persistLocked() error {
	encoded, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tracker file: %w", err)
	}
	if err := os.WriteFile(t.path, encoded, 0o644); err != nil {
		return fmt.Errorf("write tracker file: %w", err)
	}
	return nil
}
