package outbound

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/database"
)

// Alert kinds.
const (
	AlertSessionNotOpen     = "session_not_open"
	AlertReconnectExhausted = "reconnect_exhausted"
	AlertDeliveryFailed     = "delivery_failed"
)

// Alert is a condition an operator should look at.
type Alert struct {
	TenantID      string
	Kind          string
	Message       string
	CorrelationID string
}

// Alerter raises operator alerts. Implementations must not block for long
// and never fail the caller.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// AlertSink persists alerts.
type AlertSink interface {
	Insert(ctx context.Context, a *database.Alert) error
}

// StoreAlerter logs alerts at Error and stores them. Repeats of the same
// tenant and kind within Quiet are logged at Debug and not stored.
type StoreAlerter struct {
	sink   AlertSink
	quiet  time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewStoreAlerter creates a StoreAlerter. sink may be nil to only log.
func NewStoreAlerter(sink AlertSink, quiet time.Duration, logger *slog.Logger) *StoreAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreAlerter{
		sink:   sink,
		quiet:  quiet,
		logger: logger.With("component", "alerts"),
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (a *StoreAlerter) Alert(ctx context.Context, alert Alert) {
	key := alert.TenantID + "/" + alert.Kind
	now := a.now()

	a.mu.Lock()
	if prev, ok := a.last[key]; ok && a.quiet > 0 && now.Sub(prev) < a.quiet {
		a.mu.Unlock()
		a.logger.Debug("alert suppressed", "tenant", alert.TenantID, "kind", alert.Kind)
		return
	}
	a.last[key] = now
	a.mu.Unlock()

	a.logger.Error("alert",
		"tenant", alert.TenantID,
		"kind", alert.Kind,
		"message", alert.Message,
		"correlation_id", alert.CorrelationID,
	)
	if a.sink == nil {
		return
	}
	err := a.sink.Insert(ctx, &database.Alert{
		TenantID:      alert.TenantID,
		Kind:          alert.Kind,
		Message:       alert.Message,
		CorrelationID: alert.CorrelationID,
		CreatedAt:     now,
	})
	if err != nil {
		a.logger.Warn("failed to store alert", "kind", alert.Kind, "error", err)
	}
}
