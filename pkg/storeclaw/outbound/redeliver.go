package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/backoff"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/session"
)

// PendingStore lists and updates undelivered replies.
type PendingStore interface {
	PendingTenants(ctx context.Context) ([]string, error)
	Pending(ctx context.Context, tenantID string, limit int) ([]channels.OutboundMessage, error)
	PendingConversation(ctx context.Context, tenantID, conversationID string, limit int) ([]channels.OutboundMessage, error)
	MarkStatus(ctx context.Context, id string, status channels.DeliveryStatus, attempts int) error
}

// SessionLookup returns the session of a tenant, or nil when it has none.
type SessionLookup func(tenantID string) Session

// Stats summarizes one redelivery run.
type Stats struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Redeliverer resends pending replies once their tenant's session is open.
// A reply is retried after Delay(attempts) since it was created and marked
// failed once it has been tried Cap times.
//
// Pending rows of a tenant are only read and sent while holding that
// tenant's lock, so overlapping passes and conversation flushes never send
// the same row twice.
type Redeliverer struct {
	store    PendingStore
	sessions SessionLookup
	policy   backoff.Policy
	batch    int
	alerter  Alerter
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewRedeliverer creates a Redeliverer. alerter may be nil.
func NewRedeliverer(store PendingStore, sessions SessionLookup, policy backoff.Policy, alerter Alerter, logger *slog.Logger) *Redeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redeliverer{
		store:    store,
		sessions: sessions,
		policy:   policy.Normalize(),
		batch:    100,
		alerter:  alerter,
		logger:   logger.With("component", "redeliver"),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// Run makes one pass over the pending replies, tenant by tenant. Each
// tenant gets its own batch, so a tenant whose session stays closed does
// not hold back the others.
func (r *Redeliverer) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	tenants, err := r.store.PendingTenants(ctx)
	if err != nil {
		return stats, fmt.Errorf("list tenants with pending replies: %w", err)
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := r.runTenant(ctx, tenantID, &stats); err != nil {
			return stats, err
		}
	}

	if stats.Sent+stats.Retried+stats.Failed > 0 {
		r.logger.Info("redelivery pass done",
			"sent", stats.Sent, "retried", stats.Retried, "failed", stats.Failed, "skipped", stats.Skipped)
	}
	return stats, nil
}

func (r *Redeliverer) runTenant(ctx context.Context, tenantID string, stats *Stats) error {
	unlock := r.lock(tenantID)
	defer unlock()

	pending, err := r.store.Pending(ctx, tenantID, r.batch)
	if err != nil {
		return fmt.Errorf("load pending replies of %s: %w", tenantID, err)
	}

	sess := r.sessions(tenantID)
	if sess == nil || !sess.IsOpen() {
		stats.Skipped += len(pending)
		return nil
	}

	for i := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := &pending[i]
		if !r.due(msg) {
			stats.Skipped++
			continue
		}
		if errors.Is(r.redeliver(ctx, sess, msg, stats), session.ErrNotOpen) {
			stats.Skipped += len(pending) - i
			return nil
		}
	}
	return nil
}

// FlushConversation sends the pending replies of one conversation, oldest
// first, whether or not their retry delay has passed. It returns
// session.ErrNotOpen when the session closes before the backlog is
// cleared; later replies must then stay pending too.
func (r *Redeliverer) FlushConversation(ctx context.Context, sess Session, tenantID, conversationID string) error {
	unlock := r.lock(tenantID)
	defer unlock()

	pending, err := r.store.PendingConversation(ctx, tenantID, conversationID, r.batch)
	if err != nil {
		r.logger.Warn("failed to load pending replies", "tenant", tenantID, "conversation", conversationID, "error", err)
		return nil
	}

	var stats Stats
	for i := range pending {
		if err := r.redeliver(ctx, sess, &pending[i], &stats); errors.Is(err, session.ErrNotOpen) {
			return err
		}
	}
	if stats.Sent > 0 {
		r.logger.Info("conversation backlog flushed", "tenant", tenantID, "conversation", conversationID, "sent", stats.Sent)
	}
	return nil
}

// redeliver sends one pending reply and records the outcome. A session that
// closed mid-send leaves the reply pending without counting an attempt.
func (r *Redeliverer) redeliver(ctx context.Context, sess Session, msg *channels.OutboundMessage, stats *Stats) error {
	logger := r.logger.With("tenant", msg.TenantID, "correlation_id", msg.CorrelationID, "id", msg.ID)

	attempts := msg.Attempts + 1
	err := Deliver(ctx, sess, msg)
	switch {
	case err == nil:
		stats.Sent++
		logger.Info("pending reply delivered", "attempts", attempts)
		r.mark(ctx, logger, msg.ID, channels.StatusSent, attempts)
		return nil
	case errors.Is(err, session.ErrNotOpen):
		logger.Warn("session closed during redelivery", "error", err)
		return err
	}

	status := channels.StatusPending
	if r.policy.Cap > 0 && attempts >= r.policy.Cap {
		status = channels.StatusFailed
		stats.Failed++
		logger.Error("giving up on reply", "attempts", attempts, "error", err)
		if r.alerter != nil {
			r.alerter.Alert(ctx, Alert{
				TenantID:      msg.TenantID,
				Kind:          AlertDeliveryFailed,
				Message:       "reply " + msg.ID + " could not be delivered",
				CorrelationID: msg.CorrelationID,
			})
		}
	} else {
		stats.Retried++
		logger.Warn("redelivery failed", "attempts", attempts, "error", err)
	}
	r.mark(ctx, logger, msg.ID, status, attempts)
	return err
}

// lock takes the tenant's lock and returns its release.
func (r *Redeliverer) lock(tenantID string) func() {
	r.mu.Lock()
	l, ok := r.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[tenantID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// due reports whether msg has waited long enough since its last try.
func (r *Redeliverer) due(msg *channels.OutboundMessage) bool {
	if msg.Attempts == 0 {
		return true
	}
	return r.now().Sub(msg.CreatedAt) >= r.policy.Delay(msg.Attempts)
}

func (r *Redeliverer) mark(ctx context.Context, logger *slog.Logger, id string, status channels.DeliveryStatus, attempts int) {
	if err := r.store.MarkStatus(ctx, id, status, attempts); err != nil {
		logger.Warn("failed to update reply status", "status", status,
			"error", fmt.Errorf("%w: %v", ErrPersistence, err))
	}
}
