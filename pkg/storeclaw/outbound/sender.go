// Package outbound delivers replies through a tenant's session and records
// every reply in history, delivered or not.
package outbound

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
	"github.com/jholhewres/storeclaw/pkg/storeclaw/session"
)

var (
	// ErrPersistence wraps history write failures. They are logged, never fatal.
	ErrPersistence = errors.New("outbound: persistence error")

	// ErrInvalidRequest is returned for requests without a tenant or conversation.
	ErrInvalidRequest = errors.New("outbound: invalid request")
)

// Session is the part of a session the sender needs.
type Session interface {
	IsOpen() bool
	SendText(ctx context.Context, conversationID, text string) error
	SendMedia(ctx context.Context, conversationID string, m *channels.MediaMessage) error
}

// History records outbound messages.
type History interface {
	AppendOutbound(ctx context.Context, msg *channels.OutboundMessage) error
}

// Request is a reply ready to be delivered.
type Request struct {
	TenantID       string
	ConversationID string
	Text           string
	Attachments    []channels.Attachment

	// CorrelationID is the ID of the inbound message being answered.
	CorrelationID string
}

func (r Request) empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Attachments) == 0
}

// Flusher delivers a conversation's pending replies ahead of a live send.
type Flusher interface {
	FlushConversation(ctx context.Context, sess Session, tenantID, conversationID string) error
}

// Sender delivers the replies of one tenant.
type Sender struct {
	session Session
	history History
	alerter Alerter
	flusher Flusher
	retry   backoff.Policy
	logger  *slog.Logger

	now func() time.Time
}

// NewSender creates a sender. history and alerter may be nil.
func NewSender(sess Session, history History, alerter Alerter, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		session: sess,
		history: history,
		alerter: alerter,
		retry:   backoff.Policy{Base: 200 * time.Millisecond, Max: 200 * time.Millisecond, Cap: 1},
		logger:  logger.With("component", "outbound"),
		now:     time.Now,
	}
}

// SetFlusher makes the sender deliver the conversation's pending replies
// before each live send, so replies keep their order.
func (s *Sender) SetFlusher(f Flusher) {
	s.flusher = f
}

// Send delivers req when the session is open and records the outcome. The
// text and each attachment are separate outbound messages, delivered in
// that order, so redelivery only resends the parts that did not go out. A
// closed session leaves the reply pending for redelivery and raises an
// alert. Delivery and persistence failures are logged, not returned.
func (s *Sender) Send(ctx context.Context, req Request) error {
	if req.TenantID == "" || req.ConversationID == "" {
		return fmt.Errorf("%w: tenant and conversation are required", ErrInvalidRequest)
	}
	logger := s.logger.With("tenant", req.TenantID, "correlation_id", req.CorrelationID)
	if req.empty() {
		logger.Debug("nothing to send")
		return nil
	}

	parts := s.split(req)

	open := s.session.IsOpen()
	if !open {
		logger.Warn("session not open, reply left pending", "conversation", req.ConversationID, "parts", len(parts))
		s.raise(ctx, req.TenantID, AlertSessionNotOpen,
			"reply to "+req.ConversationID+" queued while the session is not open", req.CorrelationID)
	} else if s.flusher != nil {
		if err := s.flusher.FlushConversation(ctx, s.session, req.TenantID, req.ConversationID); errors.Is(err, session.ErrNotOpen) {
			open = false
			logger.Warn("session closed while flushing backlog, reply left pending", "error", err)
		}
	}

	for _, msg := range parts {
		if !open {
			msg.Status = channels.StatusPending
			s.persist(ctx, logger, msg)
			continue
		}

		msg.Attempts = 1
		err := Deliver(ctx, s.session, msg)
		switch {
		case err == nil:
			msg.Status = channels.StatusSent
			msg.SentAt = s.now()
			logger.Info("reply sent", "id", msg.ID, "attachments", len(msg.Attachments))
		case errors.Is(err, session.ErrNotOpen):
			// Later parts must not overtake this one.
			open = false
			msg.Attempts = 0
			msg.Status = channels.StatusPending
			logger.Warn("session closed during send, reply left pending", "id", msg.ID, "error", err)
		default:
			msg.Status = channels.StatusFailed
			logger.Error("reply delivery failed", "id", msg.ID, "error", err)
		}
		s.persist(ctx, logger, msg)
	}
	return nil
}

// split turns a request into one message for the text and one per
// attachment. IDs are time ordered so the parts sort in delivery order.
func (s *Sender) split(req Request) []*channels.OutboundMessage {
	created := s.now()
	part := func(text string, attachments []channels.Attachment) *channels.OutboundMessage {
		return &channels.OutboundMessage{
			ID:             newMessageID(),
			TenantID:       req.TenantID,
			ConversationID: req.ConversationID,
			Text:           text,
			Attachments:    attachments,
			CorrelationID:  req.CorrelationID,
			CreatedAt:      created,
		}
	}

	parts := make([]*channels.OutboundMessage, 0, 1+len(req.Attachments))
	if strings.TrimSpace(req.Text) != "" {
		parts = append(parts, part(req.Text, nil))
	}
	for _, a := range req.Attachments {
		parts = append(parts, part("", []channels.Attachment{a}))
	}
	return parts
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Sender) persist(ctx context.Context, logger *slog.Logger, msg *channels.OutboundMessage) {
	if s.history == nil {
		return
	}
	err := s.retry.Retry(ctx, func(ctx context.Context) error {
		return s.history.AppendOutbound(ctx, msg)
	})
	if err != nil {
		logger.Warn("failed to record reply", "status", msg.Status,
			"error", fmt.Errorf("%w: %v", ErrPersistence, err))
	}
}

func (s *Sender) raise(ctx context.Context, tenantID, kind, message, correlationID string) {
	if s.alerter == nil {
		return
	}
	s.alerter.Alert(ctx, Alert{
		TenantID:      tenantID,
		Kind:          kind,
		Message:       message,
		CorrelationID: correlationID,
	})
}

// Deliver sends the text and then each attachment of msg. It stops at the
// first error. Messages written by Sender carry one part each.
func Deliver(ctx context.Context, sess Session, msg *channels.OutboundMessage) error {
	if strings.TrimSpace(msg.Text) != "" {
		if err := sess.SendText(ctx, msg.ConversationID, msg.Text); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
	}
	for i, a := range msg.Attachments {
		if err := sess.SendMedia(ctx, msg.ConversationID, a.Media()); err != nil {
			return fmt.Errorf("send attachment %d: %w", i, err)
		}
	}
	return nil
}
