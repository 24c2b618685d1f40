package llm

import (
	"context"
	"errors"
)

// ErrDeadlineExceeded is returned when a generation call ran out of its
// deadline budget. Callers distinguish it from other provider failures to
// decide between TimedOut and Failed terminal states.
var ErrDeadlineExceeded = errors.New("llm: deadline exceeded")

// Request is a single generation request. EnableSearch asks the provider to
// ground the answer with web search; providers without search ignore it.
type Request struct {
	System       string `json:"system,omitempty"`
	Prompt       string `json:"prompt"`
	EnableSearch bool   `json:"enable_search,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// Response carries the generated text plus usage accounting.
type Response struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Model      string `json:"model,omitempty"`
}

// StreamFunc receives incremental text deltas during streaming generation.
type StreamFunc func(delta string)

// Provider is the uniform interface to the external language-model service.
// Calls are bounded by the context deadline; a hit deadline surfaces as
// ErrDeadlineExceeded.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
	GenerateStream(ctx context.Context, req Request, fn StreamFunc) (Response, error)
}

// IsDeadlineExceeded reports whether err represents an exhausted deadline,
// either from the provider or from the context itself.
func IsDeadlineExceeded(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
