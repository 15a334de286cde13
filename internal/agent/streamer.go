package agent

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/chatbridge/chatbridge/internal/indicator"
	"github.com/chatbridge/chatbridge/internal/log"
	"github.com/chatbridge/chatbridge/internal/transport"
)

// errorFallback is written to the target message when a failure has no usable
// description of its own.
const errorFallback = "Something went wrong while generating a reply. Please try again."

// streamerConfig wires one Streamer to its call and its owner.
type streamerConfig struct {
	Channel       transport.Channel
	ChannelID     string
	MessageID     string
	FlushInterval time.Duration
	Logger        log.Logger

	// OnDispose notifies the owner to drop its reference. Called exactly once.
	OnDispose func(*Streamer)
}

// Streamer owns one outbound chat message for the duration of one upstream
// call. It accumulates text fragments, throttles partial writes to the target
// message, and finalizes it on completion, upstream error, external stop, or
// forced disposal.
//
// Every terminal path is idempotent: the first one to run performs the
// finalization write and indicator event, later ones are no-ops. Throttling
// is lossy in time but lossless in content — intermediate revisions may be
// skipped, the final write always carries the full accumulated text.
type Streamer struct {
	cfg streamerConfig

	cancelStops func()
	stopDone    chan struct{}

	mu        sync.Mutex
	text      strings.Builder
	lastFlush time.Time
	done      bool
	disposed  bool
}

// newStreamer registers the stop-signal listener and returns a streamer ready
// to run. The target message must already exist.
func newStreamer(cfg streamerConfig) *Streamer {
	s := &Streamer{
		cfg:      cfg,
		stopDone: make(chan struct{}),
	}

	stops, cancel := cfg.Channel.SubscribeStops(cfg.ChannelID)
	s.cancelStops = cancel
	go s.watchStops(stops)

	return s
}

// MessageID returns the id of the target chat message.
func (s *Streamer) MessageID() string {
	return s.cfg.MessageID
}

// Run consumes the fragment stream until a terminal transition and returns
// the accumulated text, whichever path ended the stream. The caller appends
// the result to conversation history when non-empty.
func (s *Streamer) Run(ctx context.Context, frags iter.Seq2[string, error]) string {
	for frag, err := range frags {
		if err != nil {
			s.finishError(ctx, err)
			return s.Text()
		}
		if frag == "" {
			continue
		}
		if !s.append(ctx, frag) {
			// Already terminal (stop or disposal): stop consuming. The
			// underlying stream is released by the iterator, not aborted.
			break
		}
	}
	s.finishComplete(ctx)
	return s.Text()
}

// Text returns the text accumulated so far.
func (s *Streamer) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Dispose forces termination without further writes. Safe to call from any
// path and any number of times.
func (s *Streamer) Dispose() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.dispose()
}

// append records a fragment and flushes the accumulated text to the target
// message at most once per flush interval. Returns false once terminal.
// The write happens under the lock so no partial flush can land after a
// terminal finalization write.
func (s *Streamer) append(ctx context.Context, frag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}
	s.text.WriteString(frag)

	if time.Since(s.lastFlush) < s.cfg.FlushInterval {
		return true
	}
	s.lastFlush = time.Now()
	if err := s.cfg.Channel.UpdateMessage(ctx, s.cfg.MessageID, s.text.String()); err != nil {
		s.cfg.Logger.Warn("partial flush failed", "error", err, "message_id", s.cfg.MessageID)
	}
	return true
}

// begin performs the single terminal transition. It returns the accumulated
// text and whether the caller won the transition.
func (s *Streamer) begin() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return "", false
	}
	s.done = true
	return s.text.String(), true
}

// finishComplete handles stream exhaustion: the full text is written again
// unconditionally so the target message always holds the true final value.
func (s *Streamer) finishComplete(ctx context.Context) {
	text, ok := s.begin()
	if !ok {
		return
	}
	if err := s.cfg.Channel.UpdateMessage(ctx, s.cfg.MessageID, text); err != nil {
		s.cfg.Logger.Error("final write failed", "error", err, "message_id", s.cfg.MessageID)
	}
	s.indicate(ctx, indicator.Clear(s.cfg.ChannelID, s.cfg.MessageID))
	s.dispose()
}

// finishError handles a mid-stream failure from the upstream service.
func (s *Streamer) finishError(ctx context.Context, err error) {
	if _, ok := s.begin(); !ok {
		return
	}
	s.cfg.Logger.Error("completion stream failed", "error", err, "message_id", s.cfg.MessageID)

	s.indicate(ctx, indicator.Update(s.cfg.ChannelID, s.cfg.MessageID, indicator.StateError))
	desc := strings.TrimSpace(err.Error())
	if desc == "" {
		desc = errorFallback
	}
	if werr := s.cfg.Channel.UpdateMessage(ctx, s.cfg.MessageID, desc); werr != nil {
		s.cfg.Logger.Error("error write failed", "error", werr, "message_id", s.cfg.MessageID)
	}
	s.dispose()
}

// finishStopped handles an external stop signal for this message.
func (s *Streamer) finishStopped(ctx context.Context) {
	text, ok := s.begin()
	if !ok {
		return
	}
	s.cfg.Logger.Info("generation stopped by user", "message_id", s.cfg.MessageID)

	if text != "" {
		if err := s.cfg.Channel.UpdateMessage(ctx, s.cfg.MessageID, text); err != nil {
			s.cfg.Logger.Error("stop write failed", "error", err, "message_id", s.cfg.MessageID)
		}
	}
	s.indicate(ctx, indicator.Clear(s.cfg.ChannelID, s.cfg.MessageID))
	s.dispose()
}

func (s *Streamer) watchStops(stops <-chan transport.StopSignal) {
	defer close(s.stopDone)
	for sig := range stops {
		if sig.TargetMessageID != s.cfg.MessageID {
			// Not ours: no state change, no writes.
			continue
		}
		// The run context may already be unwinding when the signal lands, so
		// the stop-path writes use a fresh context.
		s.finishStopped(context.Background())
	}
}

// dispose unregisters the stop listener and notifies the owner. Idempotent.
func (s *Streamer) dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.cancelStops()
	if s.cfg.OnDispose != nil {
		s.cfg.OnDispose(s)
	}
}

func (s *Streamer) indicate(ctx context.Context, ev indicator.Event) {
	if err := s.cfg.Channel.SendIndicator(ctx, ev); err != nil {
		s.cfg.Logger.Warn("indicator send failed", "error", err, "type", ev.Type, "message_id", s.cfg.MessageID)
	}
}
