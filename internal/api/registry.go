package api

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatbridge/chatbridge/internal/agent"
	"github.com/chatbridge/chatbridge/internal/completion"
	"github.com/chatbridge/chatbridge/internal/log"
	"github.com/chatbridge/chatbridge/internal/transport"
)

var (
	// ErrAgentExists indicates the channel already has a live agent.
	ErrAgentExists = errors.New("agent already exists for channel")

	// ErrAgentNotFound indicates no live agent is bound to the channel.
	ErrAgentNotFound = errors.New("no agent for channel")
)

// RegistryConfig carries the shared collaborators every agent is built from.
type RegistryConfig struct {
	BotID      string
	Channel    transport.Channel
	Completion completion.Service
	Logger     log.Logger

	SystemInstruction string
	Temperature       float32

	FlushInterval time.Duration
	CallSpacing   time.Duration
	MaxRetries    int
	BackoffUnit   time.Duration
}

// Registry owns the live agents, at most one per channel. It is the single
// place agents are created and disposed, so channel lifetime management
// (API stops, idle reaping, shutdown) cannot race each other into leaks.
type Registry struct {
	cfg    RegistryConfig
	logger log.Logger

	mu     sync.Mutex
	agents map[string]*agent.Agent
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "registry"),
		agents: make(map[string]*agent.Agent),
	}
}

// Start creates, initializes, and registers an agent for the channel.
func (r *Registry) Start(channelID string) (*agent.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[channelID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, channelID)
	}

	a, err := agent.New(agent.Config{
		ChannelID:         channelID,
		BotID:             r.cfg.BotID,
		Channel:           r.cfg.Channel,
		Completion:        r.cfg.Completion,
		Logger:            r.cfg.Logger,
		SystemInstruction: r.cfg.SystemInstruction,
		Temperature:       r.cfg.Temperature,
		FlushInterval:     r.cfg.FlushInterval,
		CallSpacing:       r.cfg.CallSpacing,
		MaxRetries:        r.cfg.MaxRetries,
		BackoffUnit:       r.cfg.BackoffUnit,
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	if err := a.Init(); err != nil {
		a.Dispose()
		return nil, fmt.Errorf("initializing agent: %w", err)
	}

	r.agents[channelID] = a
	r.logger.Info("agent started", "channel_id", channelID)
	return a, nil
}

// Stop disposes the channel's agent and removes it from the registry.
func (r *Registry) Stop(channelID string) error {
	r.mu.Lock()
	a, ok := r.agents[channelID]
	if ok {
		delete(r.agents, channelID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, channelID)
	}

	// Disposal blocks on the receive loop, so it runs outside the lock.
	a.Dispose()
	r.logger.Info("agent stopped", "channel_id", channelID)
	return nil
}

// Get returns the channel's live agent.
func (r *Registry) Get(channelID string) (*agent.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[channelID]
	return a, ok
}

// Len returns the number of live agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// StopIdle disposes every agent whose last interaction is older than ttl and
// returns the affected channel ids.
func (r *Registry) StopIdle(ttl time.Duration) []string {
	r.mu.Lock()
	var expired []*agent.Agent
	for id, a := range r.agents {
		if time.Since(a.LastInteraction()) >= ttl {
			expired = append(expired, a)
			delete(r.agents, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, a := range expired {
		a.Dispose()
		ids = append(ids, a.ChannelID())
		r.logger.Info("idle agent reaped", "channel_id", a.ChannelID())
	}
	return ids
}

// StopAll disposes every live agent. Used during shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	agents := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.agents = make(map[string]*agent.Agent)
	r.mu.Unlock()

	for _, a := range agents {
		a.Dispose()
	}
	if len(agents) > 0 {
		r.logger.Info("all agents stopped", "count", len(agents))
	}
}
