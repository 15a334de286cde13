package agent

import (
	"sync"

	"github.com/chatbridge/chatbridge/internal/completion"
)

// History is the in-memory conversation transcript for one channel.
// Turns are append-only for the lifetime of the agent; only the scheduler's
// worker mutates it, so appends never interleave mid-conversation.
type History struct {
	mu    sync.Mutex
	turns []completion.Turn
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds one turn.
func (h *History) Append(role completion.Role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, completion.Turn{Role: role, Text: text})
}

// Snapshot returns a copy of all turns in order.
func (h *History) Snapshot() []completion.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]completion.Turn(nil), h.turns...)
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
