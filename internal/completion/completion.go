// Package completion abstracts the upstream generative-text service as a
// streaming text API: a request with prior turns goes in, a lazy finite
// sequence of text fragments comes out.
package completion

import (
	"context"
	"iter"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one prior conversation turn.
type Turn struct {
	Role Role
	Text string
}

// Request describes one streaming completion call.
type Request struct {
	Turns             []Turn
	SystemInstruction string
	Temperature       float32
}

// Service is the upstream completion provider.
//
// Stream returns an error when the call could not be started at all; callers
// retry those when they classify as rate limiting. Once a sequence is
// returned it is finite and non-restartable, and a mid-stream failure is
// yielded as the terminal element's error.
type Service interface {
	Stream(ctx context.Context, req Request) (iter.Seq2[string, error], error)
}
