// Package transport models the chat transport the relay is attached to.
//
// The core consumes the Channel interface: create and overwrite bot messages,
// emit indicator events, and subscribe to inbound messages and stop signals.
// Delivery to subscribers is at-least-once and ordered per channel. Hub is the
// in-process implementation; websocket.go bridges it to connected clients.
package transport

import (
	"context"

	"github.com/chatbridge/chatbridge/internal/indicator"
)

// Message is one inbound or stored chat message.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Text      string `json:"text"`

	// AI marks messages written by a generative model. The agent never
	// responds to them.
	AI bool `json:"ai,omitempty"`
}

// StopSignal requests cancellation of the response currently streaming into
// the target message. Signals for non-active messages are ignored.
type StopSignal struct {
	ChannelID       string `json:"channel_id"`
	TargetMessageID string `json:"target_message_id"`
}

// Channel is the transport surface consumed by the core.
//
// Subscriptions return a receive channel and a cancel func. Cancel closes the
// receive channel; callers own calling it as part of their disposal, so no
// callback can outlive its subscriber.
type Channel interface {
	// CreateMessage stores a new empty message authored by authorID and
	// returns its id.
	CreateMessage(ctx context.Context, channelID, authorID string) (string, error)

	// UpdateMessage overwrites the text of an existing message.
	UpdateMessage(ctx context.Context, messageID, text string) error

	// SendIndicator broadcasts an indicator event to channel observers.
	SendIndicator(ctx context.Context, ev indicator.Event) error

	// SubscribeMessages delivers inbound messages posted to the channel.
	SubscribeMessages(channelID string) (<-chan Message, func())

	// SubscribeStops delivers stop-generation signals for the channel.
	SubscribeStops(channelID string) (<-chan StopSignal, func())
}
