package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Alert is a condition an operator should look at.
type Alert struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Kind          string    `json:"kind"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AlertStore persists alerts.
type AlertStore struct {
	db *DB
}

// NewAlertStore creates an AlertStore.
func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

// Insert stores an alert.
func (s *AlertStore) Insert(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = timeNow()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO alerts (id, tenant_id, kind, message, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		a.ID, a.TenantID, a.Kind, a.Message, a.CorrelationID, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// List returns the newest alerts. An empty tenantID lists every tenant's.
func (s *AlertStore) List(ctx context.Context, tenantID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, tenant_id, kind, message, correlation_id, created_at FROM alerts`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a  Alert
			at int64
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Kind, &a.Message, &a.CorrelationID, &at); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMillis(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
