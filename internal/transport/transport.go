// Package transport defines the opaque chat-network boundary. The real
// WhatsApp client lives outside this subsystem; everything here assumes
// the remote service rate-limits each call.
package transport

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/domain"
)

// Transport is the capability set the agent needs from the chat network.
// Calls made in a loop must be routed through a ratelimit.Limiter.
type Transport interface {
	// SendText delivers text to a channel and returns the message handle
	// needed for a later delete.
	SendText(ctx context.Context, channelID, text string) (string, error)
	SendImage(ctx context.Context, channelID string, image []byte, caption string) (string, error)
	DeleteMessage(ctx context.Context, channelID, handle string) error
	ListGroups(ctx context.Context) ([]string, error)
	GroupMetadata(ctx context.Context, groupID string) (domain.GroupMetadata, error)
}

// Noop logs instead of sending, for local development without a connected
// WhatsApp session.
type Noop struct {
	Logger zerolog.Logger
}

func (n Noop) SendText(_ context.Context, channelID, text string) (string, error) {
	n.Logger.Info().Str("channel_id", channelID).Int("len", len(text)).Msg("noop send text")
	return "noop-" + channelID, nil
}

func (n Noop) SendImage(_ context.Context, channelID string, image []byte, caption string) (string, error) {
	n.Logger.Info().Str("channel_id", channelID).Int("bytes", len(image)).Str("caption", caption).Msg("noop send image")
	return "noop-" + channelID, nil
}

func (n Noop) DeleteMessage(_ context.Context, channelID, handle string) error {
	n.Logger.Info().Str("channel_id", channelID).Str("handle", handle).Msg("noop delete message")
	return nil
}

func (n Noop) ListGroups(_ context.Context) ([]string, error) {
	return nil, nil
}

func (n Noop) GroupMetadata(_ context.Context, groupID string) (domain.GroupMetadata, error) {
	return domain.GroupMetadata{GroupID: groupID}, nil
}
