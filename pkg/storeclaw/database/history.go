package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// HistoryStore records inbound and outbound messages.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a HistoryStore.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// AppendInbound records a received message. Recording the same message
// twice is a no-op.
func (s *HistoryStore) AppendInbound(ctx context.Context, msg channels.InboundMessage) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (id, tenant_id, conversation_id, direction, sender_id, text, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		inboundID(msg), msg.TenantID, msg.ConversationID, string(channels.DirectionInbound),
		msg.SenderID, msg.Text, msg.ID, toMillis(msg.ReceivedAt))
	if err != nil {
		return fmt.Errorf("append inbound: %w", err)
	}
	return nil
}

// inboundID scopes provider IDs per tenant.
func inboundID(msg channels.InboundMessage) string {
	return "in:" + msg.TenantID + ":" + msg.ID
}

// AppendOutbound records a reply. Recording it again updates its status.
func (s *HistoryStore) AppendOutbound(ctx context.Context, msg *channels.OutboundMessage) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	if msg.Attachments == nil {
		attachments = []byte("[]")
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = timeNow()
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (id, tenant_id, conversation_id, direction, text, attachments, status, correlation_id, attempts, created_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, attempts = excluded.attempts, sent_at = excluded.sent_at`),
		msg.ID, msg.TenantID, msg.ConversationID, string(channels.DirectionOutbound),
		msg.Text, string(attachments), string(msg.Status), msg.CorrelationID, msg.Attempts,
		toMillis(created), toMillis(msg.SentAt))
	if err != nil {
		return fmt.Errorf("append outbound: %w", err)
	}
	return nil
}

// Recent returns the last limit entries of a conversation, oldest first.
// Messages without text, such as image parts, are left out.
func (s *HistoryStore) Recent(ctx context.Context, tenantID, conversationID string, limit int) ([]channels.HistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT direction, text, created_at FROM messages
		WHERE tenant_id = ? AND conversation_id = ? AND text <> ''
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), tenantID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []channels.HistoryEntry
	for rows.Next() {
		var (
			dir, text string
			at        int64
		)
		if err := rows.Scan(&dir, &text, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, channels.HistoryEntry{Direction: channels.Direction(dir), Text: text, At: fromMillis(at)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Pending returns undelivered replies, oldest first. An empty tenantID
// returns every tenant's.
func (s *HistoryStore) Pending(ctx context.Context, tenantID string, limit int) ([]channels.OutboundMessage, error) {
	return s.pending(ctx, tenantID, "", limit)
}

// PendingConversation returns the undelivered replies of one conversation,
// oldest first.
func (s *HistoryStore) PendingConversation(ctx context.Context, tenantID, conversationID string, limit int) ([]channels.OutboundMessage, error) {
	if tenantID == "" || conversationID == "" {
		return nil, nil
	}
	return s.pending(ctx, tenantID, conversationID, limit)
}

// PendingTenants lists the tenants that have undelivered replies.
func (s *HistoryStore) PendingTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT DISTINCT tenant_id FROM messages
		WHERE direction = ? AND status = ?
		ORDER BY tenant_id`),
		string(channels.DirectionOutbound), string(channels.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("query pending tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *HistoryStore) pending(ctx context.Context, tenantID, conversationID string, limit int) ([]channels.OutboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, tenant_id, conversation_id, text, attachments, status, correlation_id, attempts, created_at, sent_at
		FROM messages WHERE direction = ? AND status = ?`
	args := []any{string(channels.DirectionOutbound), string(channels.StatusPending)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []channels.OutboundMessage
	for rows.Next() {
		var (
			m                 channels.OutboundMessage
			attachments, stat string
			created, sent     int64
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.Text, &attachments, &stat,
			&m.CorrelationID, &m.Attempts, &created, &sent); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
		m.Status = channels.DeliveryStatus(stat)
		m.CreatedAt = fromMillis(created)
		m.SentAt = fromMillis(sent)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkStatus updates an outbound message after a delivery attempt.
func (s *HistoryStore) MarkStatus(ctx context.Context, id string, status channels.DeliveryStatus, attempts int) error {
	sentAt := int64(0)
	if status == channels.StatusSent {
		sentAt = toMillis(timeNow())
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE messages SET status = ?, attempts = ?, sent_at = ? WHERE id = ?`),
		string(status), attempts, sentAt, id)
	if err != nil {
		return fmt.Errorf("mark status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of outbound messages per status.
func (s *HistoryStore) CountByStatus(ctx context.Context, tenantID string) (map[channels.DeliveryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT status, COUNT(*) FROM messages
		WHERE tenant_id = ? AND direction = ?
		GROUP BY status`), tenantID, string(channels.DirectionOutbound))
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	out := make(map[channels.DeliveryStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[channels.DeliveryStatus(status)] = n
	}
	return out, rows.Err()
}
