package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/wa-marketing-back/internal/domain"
	"github.com/iago/wa-marketing-back/internal/queue"
	"github.com/iago/wa-marketing-back/internal/ratelimit"
)

func newTestReportService(t *testing.T, gen *fakeGenerator, sender *fakeSender) *ReportService {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, zerolog.Nop())
	return NewReportService(
		"operator@wa",
		queue.NewMemoryStore(),
		queue.Config{Name: "report"},
		gen, sender, limiter, zerolog.Nop(), nil,
	)
}

func TestRequestReportValidatesInput(t *testing.T) {
	s := newTestReportService(t, &fakeGenerator{available: true}, &fakeSender{})
	ctx := context.Background()

	_, err := s.RequestReport(ctx, "", "conv-1")
	require.Error(t, err)
	_, err = s.RequestReport(ctx, "contact-1", "")
	require.Error(t, err)
}

func TestRequestReportMergesDuplicateRequests(t *testing.T) {
	s := newTestReportService(t, &fakeGenerator{available: true}, &fakeSender{})
	ctx := context.Background()

	first, err := s.RequestReport(ctx, "contact-1", "conv-1")
	require.NoError(t, err)
	second, err := s.RequestReport(ctx, "contact-1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different conversation for the same contact is a separate job.
	other, err := s.RequestReport(ctx, "contact-1", "conv-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestReportIsSentBackToRequester(t *testing.T) {
	gen := &fakeGenerator{available: true, report: "Relatório: 5 vendas."}
	sender := &fakeSender{}
	s := newTestReportService(t, gen, sender)
	ctx := context.Background()

	_, err := s.RequestReport(ctx, "contact-1", "conv-1")
	require.NoError(t, err)
	require.NoError(t, s.Queue().ProcessNext(ctx))

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "contact-1", sent[0].channelID, "report goes to the contact, not the composite key")
	assert.Equal(t, "Relatório: 5 vendas.", sent[0].text)

	counts, err := s.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.JobStatusCompleted])
}

func TestContactFromIdentity(t *testing.T) {
	assert.Equal(t, "contact-1", contactFromIdentity("contact-1|conv-9"))
	assert.Equal(t, "bare-key", contactFromIdentity("bare-key"))
}
