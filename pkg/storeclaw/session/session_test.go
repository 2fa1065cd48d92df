package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/backoff"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/credentials"
)

// fakeTransport records calls and lets tests push connection updates.
type fakeTransport struct {
	mu          sync.Mutex
	handler     channels.EventHandler
	connects    int
	lastCreds   *channels.Credentials
	connectErr  error
	disconnects int
	logouts     int
	sent        []string
	probes      atomic.Int32
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) SetHandler(h channels.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Connect(_ context.Context, creds *channels.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.lastCreds = creds
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeTransport) SendText(_ context.Context, conv, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, conv+":"+text)
	return nil
}

func (f *fakeTransport) SendMedia(context.Context, string, *channels.MediaMessage) error {
	return nil
}

func (f *fakeTransport) Probe(context.Context) error {
	f.probes.Add(1)
	return errors.New("probe failed")
}

func (f *fakeTransport) emit(u channels.ConnectionUpdate) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnConnectionUpdate(u)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// fakeTimer stands in for *time.Timer.
type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// newTestSession builds a session whose reconnect timers are captured
// instead of armed.
func newTestSession(t *testing.T, policy backoff.Policy) (*Session, *fakeTransport, *credentials.MemoryStore, *[]*fakeTimer) {
	t.Helper()
	tr := &fakeTransport{}
	store := credentials.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Reconnect = policy
	cfg.KeepAliveInterval = time.Hour

	s := New("acme", tr, store, cfg, nil)

	var timers []*fakeTimer
	s.reconnect.afterFunc = func(d time.Duration, fn func()) stopper {
		ft := &fakeTimer{delay: d, fn: fn}
		timers = append(timers, ft)
		return ft
	}
	t.Cleanup(s.Disconnect)
	return s, tr, store, &timers
}

func openSession(t *testing.T, s *Session, tr *fakeTransport) {
	t.Helper()
	require.NoError(t, s.Initialize(context.Background()))
	tr.emit(channels.ConnectionUpdate{
		State:       channels.ConnOpen,
		Credentials: &channels.Credentials{DeviceID: "201000000000:3@s.whatsapp.net"},
	})
	require.Equal(t, StateOpen, s.State())
}

func TestInitialize(t *testing.T) {
	t.Run("starts disconnected and moves to connecting", func(t *testing.T) {
		s, tr, _, _ := newTestSession(t, backoff.Default())
		assert.Equal(t, StateDisconnected, s.State())

		require.NoError(t, s.Initialize(context.Background()))
		assert.Equal(t, StateConnecting, s.State())
		assert.Equal(t, 1, tr.connectCount())
		assert.Nil(t, tr.lastCreds)
	})

	t.Run("is a no-op while open", func(t *testing.T) {
		s, tr, _, _ := newTestSession(t, backoff.Default())
		openSession(t, s, tr)

		require.NoError(t, s.Initialize(context.Background()))
		assert.Equal(t, 1, tr.connectCount())
		assert.Equal(t, StateOpen, s.State())
	})

	t.Run("passes stored credentials", func(t *testing.T) {
		s, tr, store, _ := newTestSession(t, backoff.Default())
		require.NoError(t, store.Save(context.Background(), "acme", &channels.Credentials{DeviceID: "dev-1"}))

		require.NoError(t, s.Initialize(context.Background()))
		require.NotNil(t, tr.lastCreds)
		assert.Equal(t, "dev-1", tr.lastCreds.DeviceID)
		assert.Equal(t, "dev-1", s.Snapshot().CredentialsRef)
	})

	t.Run("connect error schedules a reconnect", func(t *testing.T) {
		s, tr, _, timers := newTestSession(t, backoff.Default())
		tr.connectErr = errors.New("dial tcp: refused")

		err := s.Initialize(context.Background())
		assert.ErrorIs(t, err, ErrConnection)
		assert.Equal(t, StateDisconnected, s.State())
		require.Len(t, *timers, 1)
	})
}

func TestQRDoesNotChangeState(t *testing.T) {
	s, tr, _, _ := newTestSession(t, backoff.Default())
	require.NoError(t, s.Initialize(context.Background()))

	tr.emit(channels.ConnectionUpdate{State: channels.ConnQR, QR: "2@abc"})
	assert.Equal(t, "2@abc", s.QRCode())
	assert.Equal(t, StateConnecting, s.State())

	tr.emit(channels.ConnectionUpdate{State: channels.ConnOpen})
	assert.Empty(t, s.QRCode(), "QR is cleared once paired")
}

func TestOpenSavesCredentials(t *testing.T) {
	s, tr, store, _ := newTestSession(t, backoff.Default())
	openSession(t, s, tr)

	creds, err := store.Load(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "201000000000:3@s.whatsapp.net", creds.DeviceID)
	assert.False(t, s.Snapshot().LastConnectedAt.IsZero())
}

func TestCloseConnectionLostSchedulesReconnect(t *testing.T) {
	s, tr, _, timers := newTestSession(t, backoff.Policy{Base: 2 * time.Second, Max: 5 * time.Minute, Cap: 10})
	openSession(t, s, tr)

	tr.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseConnectionLost, StatusCode: 428})

	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 1, s.Snapshot().ReconnectAttempts)
	require.Len(t, *timers, 1)
	assert.Equal(t, 2*time.Second, (*timers)[0].delay)

	delay, pending := s.reconnect.Pending()
	assert.True(t, pending)
	assert.Equal(t, 2*time.Second, delay)

	// Firing the timer reconnects.
	(*timers)[0].fn()
	assert.Equal(t, 2, tr.connectCount())
	assert.Equal(t, StateConnecting, s.State())
}

func TestCloseLoggedOutNeedsAuth(t *testing.T) {
	s, tr, store, timers := newTestSession(t, backoff.Default())
	openSession(t, s, tr)

	tr.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseLoggedOut, StatusCode: 401})

	assert.Equal(t, StateNeedsAuth, s.State())
	creds, err := store.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Nil(t, creds, "credentials must be cleared")
	assert.Empty(t, *timers, "no reconnect after logout")
	_, pending := s.reconnect.Pending()
	assert.False(t, pending)
	assert.Equal(t, 0, s.Snapshot().ReconnectAttempts)
}

func TestBackoffBoundAndReset(t *testing.T) {
	policy := backoff.Policy{Base: time.Second, Max: 4 * time.Second, Cap: 3}
	s, tr, _, timers := newTestSession(t, policy)

	var exhausted atomic.Int32
	s.SetExhaustedHandler(func(tenantID string, err error) {
		assert.Equal(t, "acme", tenantID)
		assert.ErrorIs(t, err, ErrReconnectExhausted)
		exhausted.Add(1)
	})

	openSession(t, s, tr)

	for i := 0; i < 5; i++ {
		tr.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseConnectionLost})
		if n := len(*timers); n > 0 && !(*timers)[n-1].stopped {
			(*timers)[n-1].fn()
		}
	}

	require.Len(t, *timers, 3, "attempts never exceed the cap")
	assert.Equal(t, time.Second, (*timers)[0].delay)
	assert.Equal(t, 2*time.Second, (*timers)[1].delay)
	assert.Equal(t, 4*time.Second, (*timers)[2].delay)

	snap := s.Snapshot()
	assert.True(t, snap.Exhausted)
	assert.LessOrEqual(t, snap.ReconnectAttempts, 3)
	assert.Equal(t, int32(1), exhausted.Load())

	// Exhausted sessions stay down until restarted.
	assert.Equal(t, StateDisconnected, s.State())

	require.NoError(t, s.Restart(context.Background()))
	tr.emit(channels.ConnectionUpdate{State: channels.ConnOpen})
	snap = s.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 0, snap.ReconnectAttempts, "open resets the counter")
	assert.False(t, snap.Exhausted)
}

func TestAtMostOneTimerLive(t *testing.T) {
	s, tr, _, timers := newTestSession(t, backoff.Default())
	openSession(t, s, tr)

	tr.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseConnectionLost})
	// A manual initialize while the backoff timer is still armed.
	require.NoError(t, s.Initialize(context.Background()))
	tr.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseConnectFailure})

	require.Len(t, *timers, 2)
	live := 0
	for _, ft := range *timers {
		if !ft.stopped {
			live++
		}
	}
	assert.LessOrEqual(t, live, 1)
}

func TestDisconnectCancelsTimers(t *testing.T) {
	s, tr, store, timers := newTestSession(t, backoff.Default())
	openSession(t, s, tr)

	tr.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseConnectionLost})
	require.Len(t, *timers, 1)

	s.Disconnect()
	assert.True(t, (*timers)[0].stopped)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 0, s.Snapshot().ReconnectAttempts)

	// A stopped timer that fires anyway does not reconnect.
	(*timers)[0].fn()
	assert.Equal(t, 1, tr.connectCount())

	creds, err := store.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotNil(t, creds, "disconnect keeps credentials")

	// Close events after Disconnect are ignored.
	tr.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseConnectionLost})
	assert.Len(t, *timers, 1)
}

func TestKeepAliveStopsOnClose(t *testing.T) {
	tr := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.KeepAliveInterval = 5 * time.Millisecond
	s := New("acme", tr, credentials.NewMemoryStore(), cfg, nil)
	s.reconnect.afterFunc = func(time.Duration, func()) stopper { return &fakeTimer{} }
	t.Cleanup(s.Disconnect)

	openSession(t, s, tr)
	s.mu.Lock()
	ka := s.keepAlive
	s.mu.Unlock()
	require.NotNil(t, ka)

	require.Eventually(t, func() bool { return tr.probes.Load() >= 2 }, time.Second, time.Millisecond,
		"probes run while open, failures do not close the session")
	assert.Equal(t, StateOpen, s.State())

	tr.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseConnectionLost})

	select {
	case <-ka.Done():
	case <-time.After(time.Second):
		t.Fatal("keep-alive did not stop")
	}
	ka.Stop() // second stop is harmless

	after := tr.probes.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, tr.probes.Load())
}

func TestLogout(t *testing.T) {
	s, tr, store, _ := newTestSession(t, backoff.Default())
	openSession(t, s, tr)

	require.NoError(t, s.Logout(context.Background()))
	assert.Equal(t, StateNeedsAuth, s.State())
	assert.Equal(t, 1, tr.logouts)

	creds, err := store.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestSendRequiresOpen(t *testing.T) {
	s, tr, _, _ := newTestSession(t, backoff.Default())

	err := s.SendText(context.Background(), "201@s.whatsapp.net", "hi")
	assert.ErrorIs(t, err, ErrNotOpen)

	openSession(t, s, tr)
	require.NoError(t, s.SendText(context.Background(), "201@s.whatsapp.net", "hi"))
	assert.Equal(t, []string{"201@s.whatsapp.net:hi"}, tr.sent)
}

func TestSubscribe(t *testing.T) {
	s, tr, _, _ := newTestSession(t, backoff.Default())
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	openSession(t, s, tr)

	var states []State
	for len(states) < 2 {
		select {
		case ev := <-events:
			states = append(states, ev.State)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", states)
		}
	}
	assert.Equal(t, []State{StateConnecting, StateOpen}, states)
}

func TestMessageHandler(t *testing.T) {
	s, tr, _, _ := newTestSession(t, backoff.Default())
	var got *channels.RawMessage
	s.SetMessageHandler(func(m *channels.RawMessage) { got = m })

	tr.mu.Lock()
	h := tr.handler
	tr.mu.Unlock()
	h.OnMessage(&channels.RawMessage{ID: "m1", Text: "hi"})

	require.NotNil(t, got)
	assert.Equal(t, "m1", got.ID)
}
