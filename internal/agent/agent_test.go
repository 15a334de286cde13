package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chatbridge/chatbridge/internal/completion"
	"github.com/chatbridge/chatbridge/internal/indicator"
	"github.com/chatbridge/chatbridge/internal/log"
	"github.com/chatbridge/chatbridge/internal/transport"
)

func newTestAgent(t *testing.T, hub *transport.Hub, svc completion.Service) *Agent {
	t.Helper()
	a, err := New(Config{
		ChannelID:     "ch-1",
		BotID:         "bot",
		Channel:       hub,
		Completion:    svc,
		Logger:        log.NewNop(),
		FlushInterval: time.Millisecond,
		CallSpacing:   time.Millisecond,
		BackoffUnit:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Dispose)
	return a
}

func TestAgentConfigValidate(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub(log.NewNop())
	stub := completion.NewStubService()
	valid := Config{
		ChannelID:  "ch-1",
		BotID:      "bot",
		Channel:    hub,
		Completion: stub,
		Logger:     log.NewNop(),
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing channel id", mutate: func(c *Config) { c.ChannelID = "" }, wantErr: true},
		{name: "missing bot id", mutate: func(c *Config) { c.BotID = "" }, wantErr: true},
		{name: "missing transport", mutate: func(c *Config) { c.Channel = nil }, wantErr: true},
		{name: "missing completion service", mutate: func(c *Config) { c.Completion = nil }, wantErr: true},
		{name: "missing logger", mutate: func(c *Config) { c.Logger = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.mutate(&cfg)
			a, err := New(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			a.Dispose()
		})
	}
}

func TestAgentFiltersInbound(t *testing.T) {
	t.Parallel()

	stub := completion.NewStubService(
		completion.StubCall{Fragments: []string{"reply"}},
	)
	hub := transport.NewHub(log.NewNop())
	a := newTestAgent(t, hub, stub)
	if err := a.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := context.Background()

	// None of these may reach the upstream.
	hub.PostMessage(ctx, transport.Message{ChannelID: "ch-1", AuthorID: "bot", Text: "self"})
	hub.PostMessage(ctx, transport.Message{ChannelID: "ch-1", AuthorID: "other-bot", Text: "generated", AI: true})
	hub.PostMessage(ctx, transport.Message{ChannelID: "ch-1", AuthorID: "alice", Text: "   "})

	// This one does.
	hub.PostMessage(ctx, transport.Message{ChannelID: "ch-1", AuthorID: "alice", Text: "hello"})

	waitUntil(t, 5*time.Second, func() bool { return a.History().Len() == 2 })

	calls := stub.Calls()
	if len(calls) != 1 {
		t.Fatalf("upstream calls = %d, want 1", len(calls))
	}
	if got := lastUserTurn(calls[0].Req); got != "hello" {
		t.Errorf("last user turn = %q, want %q", got, "hello")
	}
}

func TestAgentEndToEndEventSequence(t *testing.T) {
	t.Parallel()

	stub := completion.NewStubService(
		completion.StubCall{Fragments: []string{"Sum", "mary: done"}},
	)
	hub := transport.NewHub(log.NewNop())
	events, cancel := hub.SubscribeEvents("ch-1")
	defer cancel()

	a := newTestAgent(t, hub, stub)
	if err := a.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	hub.PostMessage(context.Background(), transport.Message{ChannelID: "ch-1", AuthorID: "alice", Text: "summarize this"})

	waitUntil(t, 5*time.Second, func() bool { return a.History().Len() == 2 && !a.Busy() })

	evs := drainEvents(events)

	var order []string
	var botMsgID string
	for _, ev := range evs {
		switch {
		case ev.Type == transport.EventMessageNew && ev.Message.AI:
			botMsgID = ev.Message.ID
			order = append(order, "bot-message")
		case ev.Type == transport.EventMessageNew:
			order = append(order, "user-message")
		case ev.Indicator != nil && ev.Indicator.State == indicator.StateThinking:
			order = append(order, "thinking")
		case ev.Indicator != nil && ev.Indicator.State == indicator.StateGenerating:
			order = append(order, "generating")
		case ev.Type == indicator.TypeClear:
			order = append(order, "clear")
		}
	}

	want := []string{"user-message", "bot-message", "thinking", "generating", "clear"}
	got := make([]string, 0, len(want))
	for _, o := range order {
		if o != "" {
			got = append(got, o)
		}
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("event order = %v, want %v", got, want)
	}

	msg, ok := hub.Message(botMsgID)
	if !ok {
		t.Fatal("bot message not found")
	}
	if msg.Text != "Summary: done" {
		t.Errorf("final text = %q, want %q", msg.Text, "Summary: done")
	}

	turns := a.History().Snapshot()
	if turns[1].Role != completion.RoleModel || turns[1].Text != "Summary: done" {
		t.Errorf("model turn = %+v", turns[1])
	}
}

func TestAgentQueuesWhileBusy(t *testing.T) {
	t.Parallel()

	step := make(chan struct{})
	stub := completion.NewStubService(
		completion.StubCall{Fragments: []string{"first"}, Step: step},
		completion.StubCall{Fragments: []string{"second"}},
	)
	hub := transport.NewHub(log.NewNop())
	a := newTestAgent(t, hub, stub)
	if err := a.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := context.Background()

	hub.PostMessage(ctx, transport.Message{ChannelID: "ch-1", AuthorID: "alice", Text: "one"})
	waitUntil(t, time.Second, func() bool { return len(stub.Calls()) == 1 })

	hub.PostMessage(ctx, transport.Message{ChannelID: "ch-1", AuthorID: "alice", Text: "two"})
	waitUntil(t, time.Second, func() bool { return a.sched.QueueLen() == 1 })

	if len(stub.Calls()) != 1 {
		t.Fatal("queued message reached the upstream while busy")
	}

	step <- struct{}{}
	waitUntil(t, 5*time.Second, func() bool { return a.History().Len() == 4 && !a.Busy() })
}

func TestAgentDisposeDuringStream(t *testing.T) {
	t.Parallel()

	step := make(chan struct{})
	stub := completion.NewStubService(
		completion.StubCall{Fragments: []string{"never", "finishes"}, Step: step},
	)
	hub := transport.NewHub(log.NewNop())
	events, cancel := hub.SubscribeEvents("ch-1")
	defer cancel()

	a := newTestAgent(t, hub, stub)
	if err := a.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	hub.PostMessage(context.Background(), transport.Message{ChannelID: "ch-1", AuthorID: "alice", Text: "hello"})

	// Let the first fragment land so a streamer is live.
	step <- struct{}{}
	waitUntil(t, time.Second, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.active != nil && a.active.Text() == "never"
	})

	a.Dispose()
	drainEvents(events)

	// The canceled run context unblocks the paced stream; the disposed
	// streamer must not write anything further.
	waitUntil(t, 5*time.Second, func() bool { return !a.sched.Processing() })
	if extra := drainEvents(events); len(extra) != 0 {
		t.Errorf("disposal produced %d extra events", len(extra))
	}
}

func TestAgentDisposeIdempotent(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub(log.NewNop())
	stub := completion.NewStubService()

	// Never initialized: dispose must still be safe.
	a, err := New(Config{
		ChannelID:  "ch-1",
		BotID:      "bot",
		Channel:    hub,
		Completion: stub,
		Logger:     log.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Dispose()
	a.Dispose()

	if err := a.Init(); err == nil {
		t.Error("Init after dispose should fail")
	}
}

func TestAgentLastInteraction(t *testing.T) {
	t.Parallel()

	stub := completion.NewStubService(
		completion.StubCall{Fragments: []string{"ok"}},
	)
	hub := transport.NewHub(log.NewNop())
	a := newTestAgent(t, hub, stub)
	if err := a.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	before := a.LastInteraction()
	time.Sleep(5 * time.Millisecond)

	hub.PostMessage(context.Background(), transport.Message{ChannelID: "ch-1", AuthorID: "alice", Text: "ping"})
	waitUntil(t, 5*time.Second, func() bool { return a.History().Len() == 2 })

	if !a.LastInteraction().After(before) {
		t.Error("LastInteraction did not advance on an accepted message")
	}
	if a.ChannelID() != "ch-1" {
		t.Errorf("ChannelID = %q", a.ChannelID())
	}
}
