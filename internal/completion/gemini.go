package completion

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/chatbridge/chatbridge/internal/log"
)

// ErrMissingAPIKey indicates the provider API key is not configured.
var ErrMissingAPIKey = errors.New("missing API key")

// Gemini streams completions from the Gemini API via google.golang.org/genai.
type Gemini struct {
	client *genai.Client
	model  string
	logger log.Logger
}

// NewGemini creates a Gemini-backed completion service.
// The API key is required; a missing key is a configuration error and the
// caller is expected to fail fatally.
func NewGemini(ctx context.Context, apiKey, model string, logger log.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  model,
		logger: logger.With("component", "gemini"),
	}, nil
}

// Stream starts a streaming completion call.
//
// The genai iterator surfaces every failure in-stream, including call setup
// failures such as rate limiting. Those must be visible as construction
// errors so the scheduler's retry policy can see them, so the first element
// is probed eagerly: an error before any fragment fails the call, anything
// else is replayed at the head of the returned sequence.
func (g *Gemini) Stream(ctx context.Context, req Request) (iter.Seq2[string, error], error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	stream := g.client.Models.GenerateContentStream(ctx, g.model, contentsFromTurns(req.Turns), cfg)
	next, stop := iter.Pull2(stream)

	first, err, ok := next()
	if !ok {
		stop()
		return emptySeq, nil
	}
	if err != nil {
		stop()
		return nil, fmt.Errorf("starting completion stream: %w", err)
	}

	frags := func(yield func(string, error) bool) {
		defer stop()
		if !yield(first.Text(), nil) {
			return
		}
		for {
			resp, err, ok := next()
			if !ok {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(resp.Text(), nil) {
				return
			}
		}
	}
	return frags, nil
}

func emptySeq(func(string, error) bool) {}

// contentsFromTurns maps prior conversation turns onto genai contents.
func contentsFromTurns(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		var role genai.Role = genai.RoleUser
		if turn.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	return contents
}
