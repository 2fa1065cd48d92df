package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// DefaultSystemPrompt describes the sales assistant and its directives.
const DefaultSystemPrompt = `You are the WhatsApp sales assistant of an online store.
Answer in the customer's language and dialect, briefly and politely.
Only quote prices and stock from the catalog below.

You can trigger actions by writing a directive in your reply:
- [SEND_IMAGE: product name] sends the product photo.
- [ADD_TO_CART: product name - quantity] adds the product to the customer's cart.
- [CREATE_ORDER: product - quantity - customer name - phone - address - size - color]
  places an order. Only use it when the customer gave every field; otherwise ask for what is missing.
Never explain the directives to the customer.`

// HistorySource returns the most recent lines of a conversation, oldest first.
type HistorySource interface {
	Recent(ctx context.Context, tenantID, conversationID string, limit int) ([]channels.HistoryEntry, error)
}

// CatalogSource describes a tenant's products for the prompt.
type CatalogSource interface {
	Summary(ctx context.Context, tenantID string) (string, error)
}

// PromptBuilder assembles prompts from the system prompt, the catalog and
// the conversation history.
type PromptBuilder struct {
	SystemPrompt string
	HistoryLimit int
	History      HistorySource
	Catalog      CatalogSource
	Logger       *slog.Logger
}

// Build returns the prompt for msg. Missing history or catalog data is
// logged and left out.
func (b *PromptBuilder) Build(ctx context.Context, msg channels.InboundMessage) Prompt {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "prompt", "correlation_id", msg.ID)

	system := b.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	if b.Catalog != nil {
		summary, err := b.Catalog.Summary(ctx, msg.TenantID)
		if err != nil {
			logger.Warn("catalog unavailable for prompt", "error", err)
		} else if summary != "" {
			system += "\n\n## Catalog\n" + summary
		}
	}

	var user strings.Builder
	if b.History != nil && b.HistoryLimit > 0 {
		entries, err := b.History.Recent(ctx, msg.TenantID, msg.ConversationID, b.HistoryLimit+1)
		if err != nil {
			logger.Warn("history unavailable for prompt", "error", err)
		}
		entries = dropCurrent(entries, msg)
		if len(entries) > b.HistoryLimit {
			entries = entries[len(entries)-b.HistoryLimit:]
		}
		if len(entries) > 0 {
			user.WriteString("Conversation so far:\n")
			for _, e := range entries {
				who := "Customer"
				if e.Direction == channels.DirectionOutbound {
					who = "Assistant"
				}
				fmt.Fprintf(&user, "%s: %s\n", who, e.Text)
			}
			user.WriteString("\n")
		}
	}

	if msg.SenderName != "" {
		fmt.Fprintf(&user, "Customer (%s): %s", msg.SenderName, msg.Text)
	} else {
		fmt.Fprintf(&user, "Customer: %s", msg.Text)
	}

	return Prompt{System: system, User: user.String()}
}

// dropCurrent removes the message being answered, which the dispatcher has
// already written to history.
func dropCurrent(entries []channels.HistoryEntry, msg channels.InboundMessage) []channels.HistoryEntry {
	if n := len(entries); n > 0 {
		last := entries[n-1]
		if last.Direction == channels.DirectionInbound && last.Text == msg.Text {
			return entries[:n-1]
		}
	}
	return entries
}
