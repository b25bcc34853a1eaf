package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// SendOptions shape an outgoing create or edit.
type SendOptions struct {
	// Embed replaces plain content rendering when set.
	Embed *Embed
	// Silent suppresses the reply notification.
	Silent bool
	// SuppressEmbeds disables link unfurling on plain content.
	SuppressEmbeds bool
}

// API is the platform messaging boundary the core walks and writes through.
type API interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)
	FetchChannel(ctx context.Context, channelID string) (*Channel, error)
	// ChannelHistory returns up to limit messages sent before beforeID,
	// newest first.
	ChannelHistory(ctx context.Context, channelID, beforeID string, limit int) ([]*Message, error)
	// Reply sends content as a reply to the given message.
	Reply(ctx context.Context, to *Message, content string, opts SendOptions) (*Message, error)
	Edit(ctx context.Context, channelID, messageID, content string, opts SendOptions) (*Message, error)
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("discord api status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a not-found or forbidden platform error,
// the two outcomes a parent fetch treats as a broken chain.
func IsNotFound(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.StatusCode == http.StatusNotFound || he.StatusCode == http.StatusForbidden
}
