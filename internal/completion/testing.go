package completion

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"
)

// StubCall scripts the behavior of one Stream invocation on a StubService.
type StubCall struct {
	// ConstructErr fails the call before any fragment is produced.
	ConstructErr error

	// Fragments are yielded in order.
	Fragments []string

	// StreamErr, when set, is yielded after Fragments as an in-stream failure.
	StreamErr error

	// Step, when non-nil, is received from before each fragment so tests can
	// pace the stream. Context cancellation unblocks the wait.
	Step <-chan struct{}
}

// RecordedCall captures one Stream invocation for assertions.
type RecordedCall struct {
	Req Request
	At  time.Time
}

// StubService is a scripted completion service for tests. Each Stream call
// consumes the next scripted StubCall; calls beyond the script fail.
type StubService struct {
	mu     sync.Mutex
	script []StubCall
	calls  []RecordedCall
}

// NewStubService creates a stub that plays back the given script.
func NewStubService(script ...StubCall) *StubService {
	return &StubService{script: script}
}

// Stream implements Service.
func (s *StubService) Stream(ctx context.Context, req Request) (iter.Seq2[string, error], error) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, RecordedCall{Req: req, At: time.Now()})
	if idx >= len(s.script) {
		s.mu.Unlock()
		return nil, errors.New("stub: no scripted call left")
	}
	call := s.script[idx]
	s.mu.Unlock()

	if call.ConstructErr != nil {
		return nil, call.ConstructErr
	}

	return func(yield func(string, error) bool) {
		for _, frag := range call.Fragments {
			if call.Step != nil {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-call.Step:
				}
			}
			if !yield(frag, nil) {
				return
			}
		}
		if call.StreamErr != nil {
			yield("", call.StreamErr)
		}
	}, nil
}

// Calls returns a copy of the recorded invocations.
func (s *StubService) Calls() []RecordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedCall(nil), s.calls...)
}
