package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/wa-marketing-back/internal/domain"
)

type fakeDeleter struct {
	mu      sync.Mutex
	deleted [][2]string
	err     error
}

func (d *fakeDeleter) DeleteMessage(_ context.Context, channelID, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.deleted = append(d.deleted, [2]string{channelID, handle})
	return nil
}

func (d *fakeDeleter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deleted)
}

func trackerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ads.json")
}

func TestNewStartsEmptyWithoutFile(t *testing.T) {
	tr, err := New(trackerPath(t), zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, tr.Pending())
}

func TestTrackAdPersistsRecord(t *testing.T) {
	path := trackerPath(t)
	tr, err := New(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, tr.TrackAd("group-1", "msg-abc", 30))
	assert.Equal(t, 1, tr.Pending())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []domain.AdRecord
	require.NoError(t, json.Unmarshal(raw, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "group-1", records[0].ChannelID)
	assert.Equal(t, "msg-abc", records[0].MessageHandle)
	assert.Equal(t, 30, records[0].TTLMinutes)
	assert.NotEmpty(t, records[0].ID)
}

func TestReloadsRecordsAcrossRestart(t *testing.T) {
	path := trackerPath(t)
	tr, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, tr.TrackAd("group-1", "msg-abc", 30))
	require.NoError(t, tr.TrackAd("group-2", "msg-def", 60))

	reloaded, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Pending())
}

func TestNewRejectsCorruptFile(t *testing.T) {
	path := trackerPath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := New(path, zerolog.Nop())
	require.Error(t, err)
}

func seedRecords(t *testing.T, path string, records []domain.AdRecord) *Tracker {
	t.Helper()
	raw, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	tr, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func TestRunCleanupDeletesOnlyExpired(t *testing.T) {
	path := trackerPath(t)
	now := time.Now().UTC()
	tr := seedRecords(t, path, []domain.AdRecord{
		{ID: "expired", ChannelID: "group-1", MessageHandle: "msg-1", SentAt: now.Add(-2 * time.Hour), TTLMinutes: 30},
		{ID: "pending", ChannelID: "group-2", MessageHandle: "msg-2", SentAt: now, TTLMinutes: 30},
	})

	deleter := &fakeDeleter{}
	require.NoError(t, tr.RunCleanup(context.Background(), deleter))

	assert.Equal(t, 1, deleter.count())
	assert.Equal(t, [2]string{"group-1", "msg-1"}, deleter.deleted[0])
	assert.Equal(t, 1, tr.Pending())

	// The file now only holds the pending record.
	reloaded, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Pending())
}

func TestRunCleanupNoExpiredSkipsRewrite(t *testing.T) {
	path := trackerPath(t)
	now := time.Now().UTC()
	tr := seedRecords(t, path, []domain.AdRecord{
		{ID: "pending", ChannelID: "group-1", MessageHandle: "msg-1", SentAt: now, TTLMinutes: 60},
	})

	before, err := os.Stat(path)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	deleter := &fakeDeleter{}
	require.NoError(t, tr.RunCleanup(context.Background(), deleter))
	assert.Zero(t, deleter.count())

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "nothing expired, file untouched")
}

func TestRunCleanupDropsRecordOnDeleteFailure(t *testing.T) {
	path := trackerPath(t)
	now := time.Now().UTC()
	tr := seedRecords(t, path, []domain.AdRecord{
		{ID: "expired", ChannelID: "group-1", MessageHandle: "msg-1", SentAt: now.Add(-2 * time.Hour), TTLMinutes: 30},
	})

	deleter := &fakeDeleter{err: errors.New("message already gone")}
	require.NoError(t, tr.RunCleanup(context.Background(), deleter))

	// Best effort: the failed delete is never retried.
	assert.Zero(t, tr.Pending())
	deleter.err = nil
	require.NoError(t, tr.RunCleanup(context.Background(), deleter))
	assert.Zero(t, deleter.count())
}

// trackingDeleter appends a new record through the tracker while a
// cleanup's transport delete is in flight, like the broadcast loop does.
type trackingDeleter struct {
	tracker *Tracker
	tracked bool
}

func (d *trackingDeleter) DeleteMessage(context.Context, string, string) error {
	if !d.tracked {
		d.tracked = true
		return d.tracker.TrackAd("group-b", "msg-new", 30)
	}
	return nil
}

func TestRunCleanupKeepsRecordsTrackedMidCleanup(t *testing.T) {
	path := trackerPath(t)
	now := time.Now().UTC()
	tr := seedRecords(t, path, []domain.AdRecord{
		{ID: "expired", ChannelID: "group-a", MessageHandle: "msg-old", SentAt: now.Add(-2 * time.Hour), TTLMinutes: 30},
	})

	deleter := &trackingDeleter{tracker: tr}
	require.NoError(t, tr.RunCleanup(context.Background(), deleter))

	assert.Equal(t, 1, tr.Pending(), "record tracked during cleanup must survive")

	reloaded, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Pending())
}

func TestRunReconcilesOnInterval(t *testing.T) {
	path := trackerPath(t)
	now := time.Now().UTC()
	tr := seedRecords(t, path, []domain.AdRecord{
		{ID: "expired", ChannelID: "group-1", MessageHandle: "msg-1", SentAt: now.Add(-2 * time.Hour), TTLMinutes: 30},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deleter := &fakeDeleter{}
	go tr.Run(ctx, 10*time.Millisecond, deleter)

	require.Eventually(t, func() bool {
		return deleter.count() == 1 && tr.Pending() == 0
	}, time.Second, 5*time.Millisecond)
}
