package assistant

import (
	"context"
	"log/slog"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/directive"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/outbound"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/responder"
)

// PromptSource builds the prompt for a message.
type PromptSource interface {
	Build(ctx context.Context, msg channels.InboundMessage) responder.Prompt
}

// ReplyGenerator produces reply text. It never fails.
type ReplyGenerator interface {
	Generate(ctx context.Context, req responder.Request) responder.Reply
}

// DirectiveRunner executes the directives embedded in a reply.
type DirectiveRunner interface {
	Interpret(ctx context.Context, scope directive.Scope, text string) directive.Result
}

// ReplySender delivers and records a reply.
type ReplySender interface {
	Send(ctx context.Context, req outbound.Request) error
}

// Pipeline answers one customer message: prompt, generate, interpret
// directives, send.
type Pipeline struct {
	tenantID   string
	prompts    PromptSource
	generator  ReplyGenerator
	directives DirectiveRunner
	sender     ReplySender
	logger     *slog.Logger
}

// NewPipeline wires the reply stages of a tenant.
func NewPipeline(tenantID string, prompts PromptSource, gen ReplyGenerator, directives DirectiveRunner, sender ReplySender, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		tenantID:   tenantID,
		prompts:    prompts,
		generator:  gen,
		directives: directives,
		sender:     sender,
		logger:     logger.With("component", "pipeline", "tenant", tenantID),
	}
}

// Handle is the queue handler. It runs inside the sender's lane.
func (p *Pipeline) Handle(ctx context.Context, msg channels.InboundMessage) error {
	logger := p.logger.With("correlation_id", msg.ID, "sender", msg.SenderID)
	ctx = responder.WithCorrelationID(ctx, msg.ID)

	prompt := p.prompts.Build(ctx, msg)
	reply := p.generator.Generate(ctx, responder.Request{Prompt: prompt, Text: msg.Text})

	res := p.directives.Interpret(ctx, directive.Scope{
		TenantID:       p.tenantID,
		ConversationID: msg.ConversationID,
		CorrelationID:  msg.ID,
	}, reply.Text)

	logger.Info("reply ready",
		"source", reply.Source,
		"directives", res.Executed,
		"directive_failures", res.Failed,
		"attachments", len(res.Attachments),
	)

	return p.sender.Send(ctx, outbound.Request{
		TenantID:       p.tenantID,
		ConversationID: msg.ConversationID,
		Text:           res.Text,
		Attachments:    res.Attachments,
		CorrelationID:  msg.ID,
	})
}
