// Package dispatch turns raw channel events into inbound messages and hands
// them to the processing queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/backoff"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/queue"
)

// ErrPersistence wraps history write failures. They are logged, never fatal.
var ErrPersistence = errors.New("dispatch: persistence error")

// statusBroadcast is the WhatsApp status feed conversation.
const statusBroadcast = "status@broadcast"

// Submitter is the queue side of the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, msg channels.InboundMessage, done func(queue.Result, error))
}

// Recorder stores inbound messages for audit and prompt context.
type Recorder interface {
	AppendInbound(ctx context.Context, msg channels.InboundMessage) error
}

// Dispatcher filters and canonicalizes the messages of one tenant.
type Dispatcher struct {
	tenantID string
	queue    Submitter
	history  Recorder
	retry    backoff.Policy
	logger   *slog.Logger

	// ctx bounds the pipelines started from transport callbacks.
	ctx context.Context
}

// New creates a dispatcher. history may be nil.
func New(ctx context.Context, tenantID string, q Submitter, history Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tenantID: tenantID,
		queue:    q,
		history:  history,
		retry:    backoff.Policy{Base: 200 * time.Millisecond, Max: 200 * time.Millisecond, Cap: 1},
		logger:   logger.With("component", "dispatch", "tenant", tenantID),
		ctx:      ctx,
	}
}

// Canonicalize applies the inbound rules. It returns false for messages
// that must not reach the queue: group and broadcast conversations,
// self-originated messages and messages without text.
func (d *Dispatcher) Canonicalize(raw *channels.RawMessage) (channels.InboundMessage, bool) {
	if raw == nil {
		return channels.InboundMessage{}, false
	}
	if raw.IsGroup || raw.IsBroadcast || raw.ConversationID == statusBroadcast {
		d.logger.Debug("dropped group or broadcast message", "conversation", raw.ConversationID)
		return channels.InboundMessage{}, false
	}
	if raw.FromMe {
		return channels.InboundMessage{}, false
	}

	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return channels.InboundMessage{}, false
	}

	id := raw.ID
	if id == "" {
		id = uuid.NewString()
	}
	received := raw.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	conv := raw.ConversationID
	if conv == "" {
		conv = raw.SenderID
	}

	return channels.InboundMessage{
		ID:             id,
		TenantID:       d.tenantID,
		SenderID:       raw.SenderID,
		SenderName:     raw.SenderName,
		ConversationID: conv,
		Text:           text,
		ReceivedAt:     received,
	}, true
}

// Dispatch canonicalizes raw, records it and submits it to the queue. It
// returns once the message holds its place in the sender's lane.
func (d *Dispatcher) Dispatch(ctx context.Context, raw *channels.RawMessage) bool {
	msg, ok := d.Canonicalize(raw)
	if !ok {
		return false
	}
	logger := d.logger.With("correlation_id", msg.ID, "sender", msg.SenderID)
	logger.Info("message received", "type", raw.Type, "length", len(msg.Text))

	if d.history != nil {
		err := d.retry.Retry(ctx, func(ctx context.Context) error {
			return d.history.AppendInbound(ctx, msg)
		})
		if err != nil {
			logger.Warn("failed to record inbound message", "error", fmt.Errorf("%w: %v", ErrPersistence, err))
		}
	}

	d.queue.Submit(ctx, msg, func(res queue.Result, err error) {
		switch {
		case err != nil:
			logger.Error("message processing failed", "error", err)
		case res.Duplicate:
			logger.Debug("message was a duplicate")
		}
	})
	return true
}

// HandleMessage is the session's message callback.
func (d *Dispatcher) HandleMessage(raw *channels.RawMessage) {
	d.Dispatch(d.ctx, raw)
}
