// Package agent implements the per-channel response orchestration core: an
// Agent binds one chat channel to a conversation history and a call
// scheduler, which serializes inbound messages into sequential streamed
// completion calls delivered back into the channel by a Streamer.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chatbridge/chatbridge/internal/completion"
	"github.com/chatbridge/chatbridge/internal/log"
	"github.com/chatbridge/chatbridge/internal/transport"
)

// Config contains all required parameters for an Agent.
type Config struct {
	ChannelID  string
	BotID      string // the bot's own author identity, filtered from inbound
	Channel    transport.Channel
	Completion completion.Service
	Logger     log.Logger

	SystemInstruction string
	Temperature       float32

	// Policy knobs; zero values use the package defaults.
	FlushInterval time.Duration
	CallSpacing   time.Duration
	MaxRetries    int
	BackoffUnit   time.Duration
}

// validate checks if all required parameters are present.
func (cfg Config) validate() error {
	if cfg.ChannelID == "" {
		return errors.New("channel id is required")
	}
	if cfg.BotID == "" {
		return errors.New("bot id is required")
	}
	if cfg.Channel == nil {
		return errors.New("chat transport is required")
	}
	if cfg.Completion == nil {
		return errors.New("completion service is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Agent is the orchestration unit for one chat channel. It filters inbound
// messages, forwards the survivors to its scheduler, and owns the disposal of
// every live streamer.
//
// Invariant: at most one streamer is non-terminal at any time (single-flight,
// enforced by the scheduler's one-worker drain).
type Agent struct {
	cfg    Config
	logger log.Logger

	history *History
	sched   *Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	active          *Streamer
	lastInteraction time.Time
	cancelMsgs      func()
	loopDone        chan struct{}
	started         bool
	disposed        bool
}

// New creates an agent for the channel. The completion service carries the
// upstream credentials, so a nil service here means the provider was never
// configured.
func New(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		cfg:             cfg,
		logger:          cfg.Logger.With("component", "agent", "channel_id", cfg.ChannelID),
		history:         NewHistory(),
		ctx:             ctx,
		cancel:          cancel,
		lastInteraction: time.Now(),
	}

	a.sched = newScheduler(schedulerConfig{
		ChannelID:         cfg.ChannelID,
		BotID:             cfg.BotID,
		Channel:           cfg.Channel,
		Completion:        cfg.Completion,
		History:           a.history,
		Logger:            a.logger,
		SystemInstruction: cfg.SystemInstruction,
		Temperature:       cfg.Temperature,
		FlushInterval:     cfg.FlushInterval,
		CallSpacing:       cfg.CallSpacing,
		MaxRetries:        cfg.MaxRetries,
		BackoffUnit:       cfg.BackoffUnit,
		OnStreamerStart:   a.setActive,
		OnStreamerDone:    a.clearActive,
	})

	return a, nil
}

// Init subscribes to the channel's inbound messages and starts listening.
func (a *Agent) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return errors.New("agent already disposed")
	}
	if a.started {
		return errors.New("agent already started")
	}
	a.started = true

	msgs, cancel := a.cfg.Channel.SubscribeMessages(a.cfg.ChannelID)
	a.cancelMsgs = cancel
	a.loopDone = make(chan struct{})
	go a.receive(msgs)

	a.logger.Info("agent listening")
	return nil
}

// receive filters inbound messages and forwards survivors to the scheduler.
func (a *Agent) receive(msgs <-chan transport.Message) {
	defer close(a.loopDone)
	for {
		select {
		case <-a.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if !a.accepts(msg) {
				continue
			}
			a.touch()
			a.sched.Submit(a.ctx, msg)
		}
	}
}

// accepts drops self-authored, AI-generated, and empty messages before they
// reach the queue.
func (a *Agent) accepts(msg transport.Message) bool {
	if msg.AuthorID == a.cfg.BotID {
		return false
	}
	if msg.AI {
		return false
	}
	if strings.TrimSpace(msg.Text) == "" {
		return false
	}
	return true
}

// Dispose tears the agent down: unsubscribes from the transport, clears the
// queue, and force-disposes the live streamer. Safe to call repeatedly and
// with no call in flight.
func (a *Agent) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	cancelMsgs := a.cancelMsgs
	active := a.active
	loopDone := a.loopDone
	a.mu.Unlock()

	// The live streamer is silenced before the context is canceled so the
	// unblocked stream cannot finalize with a spurious cancellation error.
	if active != nil {
		active.Dispose()
	}
	a.cancel()
	if cancelMsgs != nil {
		cancelMsgs()
	}
	a.sched.Dispose()
	if loopDone != nil {
		<-loopDone
	}

	a.logger.Info("agent disposed", "turns", a.history.Len())
}

// LastInteraction returns when the agent last accepted an inbound message.
// External idle reaping is driven off this.
func (a *Agent) LastInteraction() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInteraction
}

// ChannelID returns the bound channel id.
func (a *Agent) ChannelID() string {
	return a.cfg.ChannelID
}

// Busy reports whether a call is in flight or queued.
func (a *Agent) Busy() bool {
	return a.sched.Processing() || a.sched.QueueLen() > 0
}

// History exposes the conversation transcript.
func (a *Agent) History() *History {
	return a.history
}

func (a *Agent) touch() {
	a.mu.Lock()
	a.lastInteraction = time.Now()
	a.mu.Unlock()
}

func (a *Agent) setActive(s *Streamer) {
	a.mu.Lock()
	if a.active != nil {
		// Must be unreachable: the scheduler never overlaps calls.
		a.logger.Error("single-flight violation: replacing a live streamer", "message_id", a.active.MessageID())
	}
	a.active = s
	disposed := a.disposed
	a.mu.Unlock()

	// Disposal may have raced registration; the new streamer must not
	// outlive the agent.
	if disposed {
		s.Dispose()
	}
}

func (a *Agent) clearActive(s *Streamer) {
	a.mu.Lock()
	if a.active == s {
		a.active = nil
	}
	a.mu.Unlock()
}
