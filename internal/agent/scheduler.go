package agent

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatbridge/chatbridge/internal/completion"
	"github.com/chatbridge/chatbridge/internal/indicator"
	"github.com/chatbridge/chatbridge/internal/log"
	"github.com/chatbridge/chatbridge/internal/transport"
)

// Policy defaults. Flush and spacing intervals are carried-over policy
// constants, configurable rather than hard requirements.
const (
	DefaultFlushInterval = time.Second
	DefaultCallSpacing   = 4 * time.Second
	DefaultMaxRetries    = 3
	DefaultBackoffUnit   = time.Second
)

// failureNotice replaces the target message when the upstream call could not
// be started at all (retries exhausted or a non-retryable failure).
const failureNotice = "The reply could not be generated. Please try again."

// schedulerConfig wires a Scheduler to its channel and collaborators.
type schedulerConfig struct {
	ChannelID  string
	BotID      string
	Channel    transport.Channel
	Completion completion.Service
	History    *History
	Logger     log.Logger

	SystemInstruction string
	Temperature       float32

	FlushInterval time.Duration // partial write throttle, default 1s
	CallSpacing   time.Duration // minimum spacing between upstream calls, default 4s
	MaxRetries    int           // extra attempts after a rate-limited call, default 3
	BackoffUnit   time.Duration // rate-limit backoff unit, default 1s (2u, 4u, 8u)

	// OnStreamerStart registers the active streamer with the owner;
	// OnStreamerDone is handed to the streamer as its disposal callback.
	OnStreamerStart func(*Streamer)
	OnStreamerDone  func(*Streamer)
}

// Scheduler serializes a channel's inbound messages into sequential upstream
// calls: at most one call in flight, FIFO queueing for messages that arrive
// while one is, minimum spacing between call starts, and bounded exponential
// backoff when the upstream rate-limits.
//
// One worker goroutine drains the queue; it exists only while there is work.
// The processing flag is true iff exactly one streamer is active.
type Scheduler struct {
	cfg     schedulerConfig
	limiter *rate.Limiter

	mu         sync.Mutex
	processing bool
	queue      []transport.Message
	disposed   bool
	idle       sync.WaitGroup
}

// newScheduler applies defaults and creates an idle scheduler.
func newScheduler(cfg schedulerConfig) *Scheduler {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.CallSpacing <= 0 {
		cfg.CallSpacing = DefaultCallSpacing
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = DefaultBackoffUnit
	}

	return &Scheduler{
		cfg: cfg,
		// Burst 1: the first call goes out immediately, every later call
		// start waits out the remaining spacing.
		limiter: rate.NewLimiter(rate.Every(cfg.CallSpacing), 1),
	}
}

// Submit is the single entry point for accepted inbound messages. If a call
// is in flight the message is queued (unbounded, FIFO); otherwise processing
// starts immediately. ctx bounds the whole processing chain and is the
// agent's lifecycle context.
func (s *Scheduler) Submit(ctx context.Context, msg transport.Message) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if s.processing {
		s.queue = append(s.queue, msg)
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.idle.Add(1)
	s.mu.Unlock()

	go s.drain(ctx, msg)
}

// drain processes msg and then the queue, strictly sequentially, releasing
// the processing flag only when no work remains.
func (s *Scheduler) drain(ctx context.Context, msg transport.Message) {
	defer s.idle.Done()
	for {
		s.process(ctx, msg)

		s.mu.Lock()
		if s.disposed || len(s.queue) == 0 {
			s.processing = false
			s.mu.Unlock()
			return
		}
		msg = s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
	}
}

// process runs one message through the full pipeline: history, target
// message, indicators, spacing, upstream call with backoff, streamer.
func (s *Scheduler) process(ctx context.Context, msg transport.Message) {
	s.cfg.History.Append(completion.RoleUser, msg.Text)

	// The empty target message and the thinking indicator go out before any
	// upstream work so the user gets instant feedback.
	msgID, err := s.cfg.Channel.CreateMessage(ctx, s.cfg.ChannelID, s.cfg.BotID)
	if err != nil {
		s.cfg.Logger.Error("creating target message failed", "error", err, "channel_id", s.cfg.ChannelID)
		return
	}
	s.indicate(ctx, indicator.Update(s.cfg.ChannelID, msgID, indicator.StateThinking))

	if err := s.limiter.Wait(ctx); err != nil {
		// Lifecycle ended while waiting out the spacing; disposal owns any
		// remaining cleanup, nothing more is written here.
		return
	}

	s.indicate(ctx, indicator.Update(s.cfg.ChannelID, msgID, indicator.StateGenerating))

	frags, err := s.callWithBackoff(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Safety net: the call never started streaming, so no streamer exists
		// to surface the failure.
		s.cfg.Logger.Error("completion call failed", "error", err, "channel_id", s.cfg.ChannelID)
		s.indicate(ctx, indicator.Update(s.cfg.ChannelID, msgID, indicator.StateError))
		if werr := s.cfg.Channel.UpdateMessage(ctx, msgID, failureNotice); werr != nil {
			s.cfg.Logger.Error("failure notice write failed", "error", werr, "message_id", msgID)
		}
		return
	}

	streamer := newStreamer(streamerConfig{
		Channel:       s.cfg.Channel,
		ChannelID:     s.cfg.ChannelID,
		MessageID:     msgID,
		FlushInterval: s.cfg.FlushInterval,
		Logger:        s.cfg.Logger,
		OnDispose:     s.cfg.OnStreamerDone,
	})
	if s.cfg.OnStreamerStart != nil {
		s.cfg.OnStreamerStart(streamer)
	}

	if final := streamer.Run(ctx, frags); final != "" {
		s.cfg.History.Append(completion.RoleModel, final)
	}
}

// callWithBackoff starts the upstream call, retrying rate-limited attempts
// with exponential backoff (2, 4, 8 backoff units). Any other failure
// propagates immediately.
func (s *Scheduler) callWithBackoff(ctx context.Context) (iter.Seq2[string, error], error) {
	req := completion.Request{
		Turns:             s.cfg.History.Snapshot(),
		SystemInstruction: s.cfg.SystemInstruction,
		Temperature:       s.cfg.Temperature,
	}

	for attempt := 0; ; attempt++ {
		frags, err := s.cfg.Completion.Stream(ctx, req)
		if err == nil {
			return frags, nil
		}
		if !completion.IsRateLimited(err) || attempt >= s.cfg.MaxRetries {
			return nil, fmt.Errorf("completion stream: %w", err)
		}

		delay := s.cfg.BackoffUnit * (1 << (attempt + 1))
		s.cfg.Logger.Warn("rate limited, backing off",
			"attempt", attempt+1,
			"delay", delay,
			"channel_id", s.cfg.ChannelID,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Dispose clears the queue and stops accepting work. The in-flight call, if
// any, terminates through its streamer's disposal.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.queue = nil
	s.mu.Unlock()
}

// Processing reports whether a call is in flight.
func (s *Scheduler) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// QueueLen returns the number of queued messages.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) indicate(ctx context.Context, ev indicator.Event) {
	if err := s.cfg.Channel.SendIndicator(ctx, ev); err != nil {
		s.cfg.Logger.Warn("indicator send failed", "error", err, "type", ev.Type, "channel_id", s.cfg.ChannelID)
	}
}
