package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/chatbridge/chatbridge/internal/indicator"
	"github.com/chatbridge/chatbridge/internal/log"
)

// Event types broadcast to channel observers (websocket clients).
const (
	EventMessageNew     = "message.new"
	EventMessageUpdated = "message.updated"
)

// Event is the outbound union delivered to channel observers: message
// activity plus indicator events, in the order they happened.
type Event struct {
	Type      string           `json:"type"`
	Message   *Message         `json:"message,omitempty"`
	Indicator *indicator.Event `json:"indicator,omitempty"`
}

// ErrMessageNotFound is returned when updating a message the hub has never
// seen.
var ErrMessageNotFound = errors.New("message not found")

// subscriberBuffer bounds each subscriber's delivery channel. A subscriber
// that falls this far behind starts losing events rather than blocking the
// whole channel.
const subscriberBuffer = 64

// Hub is the in-process chat transport. It stores messages in memory for the
// lifetime of the process and fans events out to per-channel subscribers.
// All fanout happens under one lock, which preserves per-channel ordering.
type Hub struct {
	logger log.Logger

	mu       sync.Mutex
	messages map[string]*Message
	nextSub  int
	msgSubs  map[string]map[int]chan Message
	stopSubs map[string]map[int]chan StopSignal
	evSubs   map[string]map[int]chan Event
}

// NewHub creates an empty hub.
func NewHub(logger log.Logger) *Hub {
	return &Hub{
		logger:   logger.With("component", "hub"),
		messages: make(map[string]*Message),
		msgSubs:  make(map[string]map[int]chan Message),
		stopSubs: make(map[string]map[int]chan StopSignal),
		evSubs:   make(map[string]map[int]chan Event),
	}
}

// CreateMessage stores a new empty message and announces it to observers.
func (h *Hub) CreateMessage(_ context.Context, channelID, authorID string) (string, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		AuthorID:  authorID,
		AI:        true,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[msg.ID] = msg
	h.broadcastEventLocked(channelID, Event{Type: EventMessageNew, Message: snapshot(msg)})
	return msg.ID, nil
}

// UpdateMessage overwrites the text of a stored message and announces the new
// revision to observers.
func (h *Hub) UpdateMessage(_ context.Context, messageID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, ok := h.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Text = text
	h.broadcastEventLocked(msg.ChannelID, Event{Type: EventMessageUpdated, Message: snapshot(msg)})
	return nil
}

// SendIndicator broadcasts an indicator event to channel observers.
func (h *Hub) SendIndicator(_ context.Context, ev indicator.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastEventLocked(ev.ChannelID, Event{Type: ev.Type, Indicator: &ev})
	return nil
}

// PostMessage injects an inbound chat message, assigning an id when absent,
// and delivers it to message subscribers and observers. This is the entry
// point used by the websocket bridge and by tests.
func (h *Hub) PostMessage(_ context.Context, msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	stored := msg
	h.messages[msg.ID] = &stored

	for id, ch := range h.msgSubs[msg.ChannelID] {
		select {
		case ch <- msg:
		default:
			h.logger.Warn("dropping message for slow subscriber", "subscriber", id, "channel_id", msg.ChannelID)
		}
	}
	h.broadcastEventLocked(msg.ChannelID, Event{Type: EventMessageNew, Message: snapshot(&stored)})
	return msg
}

// PostStop injects a stop-generation signal for the channel.
func (h *Hub) PostStop(_ context.Context, sig StopSignal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.stopSubs[sig.ChannelID] {
		select {
		case ch <- sig:
		default:
			h.logger.Warn("dropping stop signal for slow subscriber", "subscriber", id, "channel_id", sig.ChannelID)
		}
	}
}

// Message returns a copy of a stored message.
func (h *Hub) Message(messageID string) (Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, ok := h.messages[messageID]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// SubscribeMessages delivers inbound messages for the channel.
func (h *Hub) SubscribeMessages(channelID string) (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)
	id := addSub(h, channelID, h.msgSubs, ch)
	return ch, func() { removeSub(h, channelID, h.msgSubs, id) }
}

// SubscribeStops delivers stop signals for the channel.
func (h *Hub) SubscribeStops(channelID string) (<-chan StopSignal, func()) {
	ch := make(chan StopSignal, subscriberBuffer)
	id := addSub(h, channelID, h.stopSubs, ch)
	return ch, func() { removeSub(h, channelID, h.stopSubs, id) }
}

// SubscribeEvents delivers the outbound event feed for the channel: message
// creation, every message revision, and indicator events.
func (h *Hub) SubscribeEvents(channelID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	id := addSub(h, channelID, h.evSubs, ch)
	return ch, func() { removeSub(h, channelID, h.evSubs, id) }
}

func (h *Hub) broadcastEventLocked(channelID string, ev Event) {
	for id, ch := range h.evSubs[channelID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("dropping event for slow observer", "subscriber", id, "channel_id", channelID, "type", ev.Type)
		}
	}
}

func addSub[T any](h *Hub, channelID string, subs map[string]map[int]chan T, ch chan T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	id := h.nextSub
	if subs[channelID] == nil {
		subs[channelID] = make(map[int]chan T)
	}
	subs[channelID][id] = ch
	return id
}

func removeSub[T any](h *Hub, channelID string, subs map[string]map[int]chan T, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := subs[channelID][id]
	if !ok {
		return
	}
	delete(subs[channelID], id)
	close(ch)
}

func snapshot(msg *Message) *Message {
	cp := *msg
	return &cp
}
