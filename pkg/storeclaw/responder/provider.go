package responder

import (
	"context"
	"strings"
	"time"
)

// Prompt is the input of a provider call.
type Prompt struct {
	// System carries the store persona, catalog and directive rules.
	System string

	// User carries the recent conversation and the customer's message.
	User string
}

// Options tunes a provider call.
type Options struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Provider is an external text generator. Errors should wrap ErrTimeout or
// ErrProvider; others are classified by the caller.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt Prompt, opts Options) (string, error)
}

// ProviderStrategy calls a provider with a bounded timeout.
type ProviderStrategy struct {
	Provider Provider
	Options  Options

	// Timeout bounds one call. Default: 30s.
	Timeout time.Duration
}

func (s *ProviderStrategy) Name() string { return s.Provider.Name() }

func (s *ProviderStrategy) Respond(ctx context.Context, req Request) (string, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := s.Provider.Generate(ctx, req.Prompt, s.Options)
	if err != nil {
		return "", classify(s.Provider.Name(), err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNext
	}
	return text, nil
}
