// Package session owns the single live channel connection of a tenant.
//
// A Session is a small state machine:
//
//	Disconnected -> Connecting -> Open
//	Open -> Disconnected      on any close (the reconnector takes over)
//	Open -> NeedsAuth         on a logged-out close (terminal until re-paired)
//
// The session is the only component that touches its transport; every send
// is requested through it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/backoff"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/credentials"
)

// State is the connection state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateNeedsAuth    State = "needs_auth"
)

var (
	// ErrConnection is a transient connection failure. It drives the reconnector.
	ErrConnection = errors.New("session: connection error")

	// ErrAuthExpired means the channel logged the device out.
	ErrAuthExpired = errors.New("session: auth expired")

	// ErrReconnectExhausted means the reconnect attempt cap was exceeded.
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")

	// ErrNotOpen is returned by sends while the session is not open.
	ErrNotOpen = errors.New("session: not open")
)

// Config holds the session timing settings.
type Config struct {
	// KeepAliveInterval is the probe period while open. Default: 30s.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// ConnectTimeout bounds reconnect-triggered Initialize calls. Default: 1m.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Reconnect is the backoff policy between reconnect attempts.
	Reconnect backoff.Policy `yaml:"reconnect"`
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 30 * time.Second,
		ConnectTimeout:    time.Minute,
		Reconnect:         backoff.Default(),
	}
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	TenantID          string    `json:"tenant_id"`
	State             State     `json:"state"`
	CredentialsRef    string    `json:"credentials_ref,omitempty"`
	QRCode            string    `json:"qr_code,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastConnectedAt   time.Time `json:"last_connected_at,omitzero"`
	Exhausted         bool      `json:"exhausted"`
	LastCloseReason   string    `json:"last_close_reason,omitempty"`
}

// StateChange is delivered to subscribers on every transition and new QR code.
type StateChange struct {
	TenantID string    `json:"tenant_id"`
	State    State     `json:"state"`
	QRCode   string    `json:"qr_code,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Session is the per-tenant connection owner.
type Session struct {
	tenantID  string
	cfg       Config
	transport channels.Transport
	store     credentials.Store
	logger    *slog.Logger

	mu              sync.Mutex
	state           State
	qr              string
	credsRef        string
	lastConnectedAt time.Time
	lastReason      string
	exhausted       bool
	keepAlive       *keepAlive

	reconnect *reconnector

	onMessage   func(*channels.RawMessage)
	onExhausted func(tenantID string, err error)

	subsMu  sync.Mutex
	subs    map[int]chan StateChange
	nextSub int
}

// New creates a session in the Disconnected state and registers it as the
// transport's event handler.
func New(tenantID string, transport channels.Transport, store credentials.Store, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	cfg.Reconnect = cfg.Reconnect.Normalize()

	s := &Session{
		tenantID:  tenantID,
		cfg:       cfg,
		transport: transport,
		store:     store,
		logger:    logger.With("component", "session", "tenant", tenantID),
		state:     StateDisconnected,
		reconnect: newReconnector(cfg.Reconnect),
		subs:      make(map[int]chan StateChange),
	}
	transport.SetHandler(s)
	return s
}

// TenantID returns the owning tenant.
func (s *Session) TenantID() string { return s.tenantID }

// SetMessageHandler sets the receiver of inbound channel messages.
func (s *Session) SetMessageHandler(fn func(*channels.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// SetExhaustedHandler sets a callback fired when reconnects give up.
func (s *Session) SetExhaustedHandler(fn func(tenantID string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExhausted = fn
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether sends can go out now.
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// QRCode returns the last pairing payload, or "".
func (s *Session) QRCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

// Snapshot returns a copy of the session data.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TenantID:          s.tenantID,
		State:             s.state,
		CredentialsRef:    s.credsRef,
		QRCode:            s.qr,
		ReconnectAttempts: s.reconnect.Attempts(),
		LastConnectedAt:   s.lastConnectedAt,
		Exhausted:         s.exhausted,
		LastCloseReason:   s.lastReason,
	}
}

// Initialize loads credentials and opens the transport. Calling it while
// Connecting or Open is a no-op.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting, "")
	s.mu.Unlock()

	creds, err := s.store.Load(ctx, s.tenantID)
	if err != nil {
		s.logger.Warn("failed to load credentials, pairing from scratch", "error", err)
		creds = nil
	}
	if creds != nil {
		s.mu.Lock()
		s.credsRef = creds.DeviceID
		s.mu.Unlock()
	}

	s.logger.Info("connecting", "paired", creds != nil)
	if err := s.transport.Connect(ctx, creds); err != nil {
		s.handleClose(channels.ConnectionUpdate{
			State:       channels.ConnClose,
			CloseReason: channels.CloseConnectFailure,
		})
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// Disconnect stops all timers and closes the transport. Stored credentials
// are kept.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.stopKeepAliveLocked()
	s.reconnect.Reset()
	s.qr = ""
	s.exhausted = false
	s.setStateLocked(StateDisconnected, string(channels.CloseRequested))
	s.mu.Unlock()

	s.transport.Disconnect()
	s.logger.Info("disconnected")
}

// Logout unpairs the device, clears stored credentials and moves to NeedsAuth.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.stopKeepAliveLocked()
	s.reconnect.Reset()
	s.mu.Unlock()

	if err := s.transport.Logout(ctx); err != nil {
		s.logger.Warn("transport logout failed", "error", err)
	}
	s.transport.Disconnect()

	clearErr := s.store.Clear(ctx, s.tenantID)

	s.mu.Lock()
	s.qr = ""
	s.credsRef = ""
	s.setStateLocked(StateNeedsAuth, string(channels.CloseLoggedOut))
	s.mu.Unlock()

	if clearErr != nil {
		return fmt.Errorf("clearing credentials: %w", clearErr)
	}
	s.logger.Info("logged out")
	return nil
}

// Restart disconnects and initializes again. It is the way out of NeedsAuth
// and of an exhausted reconnect episode.
func (s *Session) Restart(ctx context.Context) error {
	s.Disconnect()
	return s.Initialize(ctx)
}

// SendText sends a text message over the open connection.
func (s *Session) SendText(ctx context.Context, conversationID, text string) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if err := s.transport.SendText(ctx, conversationID, text); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// SendMedia sends an attachment over the open connection.
func (s *Session) SendMedia(ctx context.Context, conversationID string, m *channels.MediaMessage) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if err := s.transport.SendMedia(ctx, conversationID, m); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// Subscribe registers for state changes. The returned func unsubscribes.
// Slow subscribers miss events rather than block the session.
func (s *Session) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

// ---------- transport events ----------

// OnConnectionUpdate implements channels.EventHandler.
func (s *Session) OnConnectionUpdate(u channels.ConnectionUpdate) {
	switch u.State {
	case channels.ConnQR:
		s.handleQR(u.QR)
	case channels.ConnOpen:
		s.handleOpen(u.Credentials)
	case channels.ConnClose:
		s.handleClose(u)
	case channels.ConnConnecting:
		s.logger.Debug("transport connecting")
	}
}

// OnMessage implements channels.EventHandler.
func (s *Session) OnMessage(msg *channels.RawMessage) {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *Session) handleQR(code string) {
	s.mu.Lock()
	s.qr = code
	state := s.state
	s.mu.Unlock()

	s.logger.Info("QR code received, waiting for scan")
	s.publish(StateChange{TenantID: s.tenantID, State: state, QRCode: code, At: time.Now()})
}

func (s *Session) handleOpen(creds *channels.Credentials) {
	s.mu.Lock()
	if s.state == StateOpen {
		s.mu.Unlock()
		return
	}
	s.reconnect.Reset()
	s.exhausted = false
	s.qr = ""
	s.lastConnectedAt = time.Now()
	if creds != nil {
		s.credsRef = creds.DeviceID
	}
	s.stopKeepAliveLocked()
	s.keepAlive = startKeepAlive(s.cfg.KeepAliveInterval, s.transport.Probe, s.logger)
	s.setStateLocked(StateOpen, "")
	s.mu.Unlock()

	s.logger.Info("session open")

	if creds != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.Save(ctx, s.tenantID, creds); err != nil {
			s.logger.Warn("failed to save credentials", "error", err)
		}
	}
}

func (s *Session) handleClose(u channels.ConnectionUpdate) {
	s.mu.Lock()
	if s.state != StateOpen && s.state != StateConnecting {
		// Already closed by Disconnect, Logout or an earlier event.
		s.mu.Unlock()
		return
	}
	s.stopKeepAliveLocked()
	s.lastReason = string(u.CloseReason)

	if u.CloseReason == channels.CloseLoggedOut {
		s.reconnect.Reset()
		s.qr = ""
		s.credsRef = ""
		s.setStateLocked(StateNeedsAuth, string(u.CloseReason))
		s.mu.Unlock()

		s.logger.Warn("logged out, re-pairing required", "status", u.StatusCode, "error", ErrAuthExpired)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.Clear(ctx, s.tenantID); err != nil {
			s.logger.Error("failed to clear credentials", "error", err)
		}
		return
	}

	s.setStateLocked(StateDisconnected, string(u.CloseReason))
	attempt, delay, err := s.reconnect.Schedule(s.reconnectNow)
	var onExhausted func(string, error)
	if err != nil {
		s.exhausted = true
		onExhausted = s.onExhausted
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("giving up reconnecting", "attempts", attempt, "error", err)
		if onExhausted != nil {
			onExhausted(s.tenantID, err)
		}
		return
	}
	s.logger.Warn("connection closed, reconnect scheduled",
		"reason", u.CloseReason, "status", u.StatusCode,
		"attempt", attempt, "delay", delay)
}

// reconnectNow runs when the backoff timer fires.
func (s *Session) reconnectNow() {
	s.mu.Lock()
	ready := s.state == StateDisconnected && !s.exhausted
	s.mu.Unlock()
	if !ready {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.Initialize(ctx); err != nil {
		s.logger.Warn("reconnect attempt failed", "error", err)
	}
}

// setStateLocked records the transition and notifies subscribers. Caller holds s.mu.
func (s *Session) setStateLocked(next State, reason string) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.logger.Debug("state change", "from", prev, "to", next, "reason", reason)
	s.publish(StateChange{TenantID: s.tenantID, State: next, QRCode: s.qr, Reason: reason, At: time.Now()})
}

func (s *Session) stopKeepAliveLocked() {
	if s.keepAlive != nil {
		s.keepAlive.Stop()
		s.keepAlive = nil
	}
}

func (s *Session) publish(ev StateChange) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
