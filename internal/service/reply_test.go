package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/wa-marketing-back/internal/buffer"
	"github.com/iago/wa-marketing-back/internal/domain"
	"github.com/iago/wa-marketing-back/internal/queue"
	"github.com/iago/wa-marketing-back/internal/ratelimit"
)

type fakeGenerator struct {
	available bool
	reply     string
	report    string
	err       error
}

func (g *fakeGenerator) Available() bool { return g.available }

func (g *fakeGenerator) GenerateReply(_ context.Context, history []string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.reply + " (" + strings.Join(history, "|") + ")", nil
}

func (g *fakeGenerator) GenerateReport(context.Context, string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.report, nil
}

type sentMessage struct {
	channelID string
	text      string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
}

func (f *fakeSender) SendText(_ context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{channelID: channelID, text: text})
	return "handle", nil
}

func (f *fakeSender) SendImage(_ context.Context, channelID string, _ []byte, _ string) (string, error) {
	return "handle", nil
}

func (f *fakeSender) DeleteMessage(context.Context, string, string) error { return nil }

func (f *fakeSender) ListGroups(context.Context) ([]string, error) { return nil, nil }

func (f *fakeSender) GroupMetadata(_ context.Context, groupID string) (domain.GroupMetadata, error) {
	return domain.GroupMetadata{GroupID: groupID}, nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func newTestReplyService(t *testing.T, gen *fakeGenerator, sender *fakeSender) *ReplyService {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, zerolog.Nop())
	return NewReplyService(
		ReplyConfig{
			OwnerKey:        "owner@wa",
			OperatorChannel: "operator@wa",
			Buffer: buffer.Config{
				WindowSolo:   10 * time.Millisecond,
				WindowLow:    10 * time.Millisecond,
				WindowMedium: 10 * time.Millisecond,
				WindowHigh:   10 * time.Millisecond,
			},
		},
		queue.NewMemoryStore(),
		queue.Config{Name: "message"},
		gen, sender, limiter, zerolog.Nop(), nil,
	)
}

func TestHandleInboundBuffersThenEnqueues(t *testing.T) {
	gen := &fakeGenerator{available: true, reply: "resposta"}
	s := newTestReplyService(t, gen, &fakeSender{})

	s.HandleInbound("contact-1", "oi")
	s.HandleInbound("contact-1", "tem desconto?")

	require.Eventually(t, func() bool {
		counts, err := s.Queue().Stats(context.Background())
		return err == nil && counts[domain.JobStatusPending] == 1
	}, time.Second, 5*time.Millisecond)

	s.HandleInbound("contact-1", "")
	s.HandleInbound("", "texto")
	assert.Equal(t, 0, s.Buffer().ActiveKeys(), "blank key or text must be dropped")
}

func TestOwnerBatchGetsTopPriority(t *testing.T) {
	gen := &fakeGenerator{available: true, reply: "r"}
	sender := &fakeSender{}
	s := newTestReplyService(t, gen, sender)
	ctx := context.Background()

	s.HandleInbound("contact-1", "pergunta do cliente")
	s.HandleInbound("owner@wa", "mensagem do dono")
	s.Buffer().FlushAll()

	// Owner job is drawn first even though it arrived later.
	require.NoError(t, s.Queue().ProcessNext(ctx))
	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "owner@wa", sent[0].channelID)
}

func TestProcessJobGeneratesAndSendsReply(t *testing.T) {
	gen := &fakeGenerator{available: true, reply: "resposta"}
	sender := &fakeSender{}
	s := newTestReplyService(t, gen, sender)
	ctx := context.Background()

	s.HandleInbound("contact-1", "oi")
	s.Buffer().FlushAll()
	require.NoError(t, s.Queue().ProcessNext(ctx))

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "contact-1", sent[0].channelID)
	assert.Equal(t, "resposta (oi)", sent[0].text)

	counts, err := s.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.JobStatusCompleted])
}

func TestUnavailableGeneratorGatesQueue(t *testing.T) {
	gen := &fakeGenerator{available: false}
	sender := &fakeSender{}
	s := newTestReplyService(t, gen, sender)
	ctx := context.Background()

	s.HandleInbound("contact-1", "oi")
	s.Buffer().FlushAll()
	require.NoError(t, s.Queue().ProcessNext(ctx))

	assert.Empty(t, sender.messages())
	counts, err := s.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.JobStatusPending], "job stays pending while the gate is closed")
}

func TestTerminalFailureNotifiesOperator(t *testing.T) {
	gen := &fakeGenerator{available: true, err: errors.New("model rejected prompt")}
	sender := &fakeSender{}
	s := newTestReplyService(t, gen, sender)
	ctx := context.Background()

	s.HandleInbound("contact-1", "oi")
	s.Buffer().FlushAll()

	for i := 0; i < queue.MaxRetries; i++ {
		require.NoError(t, s.Queue().ProcessNext(ctx))
	}

	sent := sender.messages()
	require.Len(t, sent, 1, "only the operator notification goes out")
	assert.Equal(t, "operator@wa", sent[0].channelID)
	assert.Contains(t, sent[0].text, "contact-1")
	assert.Contains(t, sent[0].text, "model rejected prompt")
}

func TestRateLimitedGenerationKeepsJobPending(t *testing.T) {
	gen := &fakeGenerator{available: true, err: &ratelimit.RateLimitedError{StatusCode: 429}}
	sender := &fakeSender{}
	s := newTestReplyService(t, gen, sender)
	ctx := context.Background()

	s.HandleInbound("contact-1", "oi")
	s.Buffer().FlushAll()

	for i := 0; i < queue.MaxRetries+2; i++ {
		require.NoError(t, s.Queue().ProcessNext(ctx))
	}

	assert.Empty(t, sender.messages(), "no terminal failure, no operator noise")
	counts, err := s.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.JobStatusPending])
}
