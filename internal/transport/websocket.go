package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/chatbridge/chatbridge/internal/log"
)

// Frame types accepted from websocket clients.
const (
	frameMessage = "message"
	frameStop    = "stop"
)

// clientFrame is one inbound websocket frame.
type clientFrame struct {
	Type      string `json:"type"`
	AuthorID  string `json:"author_id,omitempty"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// WebSocketHandler bridges a channel's hub feed to websocket clients.
// Clients send message and stop frames inbound and receive the channel's
// outbound event feed (message revisions, indicator events) as JSON.
type WebSocketHandler struct {
	hub            *Hub
	logger         log.Logger
	originPatterns []string
}

// NewWebSocketHandler creates a websocket bridge over the given hub.
// originPatterns is passed through to the websocket accept options; an empty
// slice restricts connections to same-origin.
func NewWebSocketHandler(hub *Hub, originPatterns []string, logger log.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:            hub,
		logger:         logger.With("component", "websocket"),
		originPatterns: originPatterns,
	}
}

// ServeChannel upgrades the request and serves one client on the channel
// until the client disconnects or the request context ends.
func (h *WebSocketHandler) ServeChannel(w http.ResponseWriter, r *http.Request, channelID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err, "channel_id", channelID)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, cancelEvents := h.hub.SubscribeEvents(channelID)
	defer cancelEvents()

	h.logger.Info("client connected", "channel_id", channelID, "remote", r.RemoteAddr)

	// Writer: hub events out to the client.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					if ctx.Err() == nil {
						h.logger.Debug("websocket write failed", "error", err, "channel_id", channelID)
					}
					return
				}
			}
		}
	}()

	// Reader: client frames into the hub.
	h.readLoop(ctx, conn, channelID)
	cancel()
	<-writeDone

	h.logger.Info("client disconnected", "channel_id", channelID, "remote", r.RemoteAddr)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, channelID string) {
	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				h.logger.Debug("websocket read failed", "error", err, "channel_id", channelID)
			}
			return
		}

		switch frame.Type {
		case frameMessage:
			h.hub.PostMessage(ctx, Message{
				ChannelID: channelID,
				AuthorID:  frame.AuthorID,
				Text:      frame.Text,
			})
		case frameStop:
			h.hub.PostStop(ctx, StopSignal{
				ChannelID:       channelID,
				TargetMessageID: frame.MessageID,
			})
		default:
			h.logger.Debug("ignoring unknown frame type", "type", frame.Type, "channel_id", channelID)
		}
	}
}
