// Package responder produces the reply text for a customer message. It
// runs an ordered list of strategies: AI providers first, then canned
// keyword replies, then a fixed apology. A strategy that cannot answer
// returns an error and the next one is tried.
package responder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// DefaultFallback is sent when no strategy produced text.
const DefaultFallback = "عذراً، لم نتمكن من الرد الآن. سيتواصل معك أحد ممثلينا قريباً."

// Request is what a strategy answers.
type Request struct {
	Prompt Prompt

	// Text is the customer's message as received.
	Text string
}

// Strategy is one way of producing a reply.
type Strategy interface {
	Name() string
	Respond(ctx context.Context, req Request) (string, error)
}

// Reply is the outcome of Generate.
type Reply struct {
	Text string

	// Source is the name of the strategy that answered.
	Source string
}

// Generator runs strategies in order.
type Generator struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewGenerator creates a generator. A Fallback is appended when the list
// does not already end with one.
func NewGenerator(strategies []Strategy, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if n := len(strategies); n == 0 {
		strategies = []Strategy{&Fallback{}}
	} else if _, ok := strategies[n-1].(*Fallback); !ok {
		strategies = append(strategies, &Fallback{})
	}
	return &Generator{strategies: strategies, logger: logger.With("component", "responder")}
}

// Generate never fails: the last resort is the fallback apology.
func (g *Generator) Generate(ctx context.Context, req Request) Reply {
	logger := g.logger
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		logger = logger.With("correlation_id", id)
	}

	for _, s := range g.strategies {
		text, err := s.Respond(ctx, req)
		if err == nil && strings.TrimSpace(text) != "" {
			logger.Debug("reply generated", "strategy", s.Name(), "length", len(text))
			return Reply{Text: text, Source: s.Name()}
		}
		if err != nil && !errors.Is(err, ErrNext) {
			logger.Warn("strategy failed, trying next", "strategy", s.Name(), "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Reply{Text: DefaultFallback, Source: "fallback"}
}

type correlationKey struct{}

// WithCorrelationID tags ctx so strategy failures log the message id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CannedReply answers when any keyword appears in the customer's text.
type CannedReply struct {
	Keywords []string `yaml:"keywords"`
	Reply    string   `yaml:"reply"`
}

// Canned matches customer text against keyword rules, case-insensitively.
type Canned struct {
	Rules []CannedReply
}

func (c *Canned) Name() string { return "canned" }

func (c *Canned) Respond(_ context.Context, req Request) (string, error) {
	text := strings.ToLower(req.Text)
	for _, r := range c.Rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return r.Reply, nil
			}
		}
	}
	return "", ErrNext
}

// Fallback always answers with a fixed apology.
type Fallback struct {
	Text string
}

func (f *Fallback) Name() string { return "fallback" }

func (f *Fallback) Respond(context.Context, Request) (string, error) {
	if f.Text == "" {
		return DefaultFallback, nil
	}
	return f.Text, nil
}
