// Package whatsapp implements the storeclaw WhatsApp transport using
// whatsmeow, a native Go WhatsApp Web library.
//
// The transport only reports what happens on the wire: connection updates
// (connecting, qr, open, close with a reason) and received messages. It
// never reconnects on its own; the session layer owns that decision, so
// whatsmeow's built-in auto-reconnect is disabled.
//
// All tenants share one sqlstore container (one SQLite file); each tenant
// is a separate device row identified by its JID.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/media"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp transport configuration.
type Config struct {
	// DatabasePath is the SQLite file holding the whatsmeow device tables
	// for every tenant.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// AutoRead marks incoming messages as read.
	AutoRead bool `yaml:"auto_read"`

	// QRTimeout bounds one pairing attempt. Default: 2m
	QRTimeout time.Duration `yaml:"qr_timeout"`

	// Media configures attachment downloads for SendMedia.
	Media media.Config `yaml:"media"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath: "./data/whatsapp.db",
		DeviceName:   "StoreClaw",
		AutoRead:     true,
		QRTimeout:    2 * time.Minute,
		Media:        media.DefaultConfig(),
	}
}

// OpenContainer opens the shared whatsmeow device store.
func OpenContainer(ctx context.Context, path string) (*sqlstore.Container, error) {
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", path),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}
	return container, nil
}

// WhatsApp implements channels.Transport for one tenant.
type WhatsApp struct {
	cfg       Config
	tenantID  string
	container *sqlstore.Container
	fetcher   *media.Fetcher
	logger    *slog.Logger

	client  *whatsmeow.Client
	handler channels.EventHandler

	// connected is true between the Connected event and any close.
	connected atomic.Bool

	// closing suppresses the close update caused by our own Disconnect.
	closing atomic.Bool

	// lastMsg tracks the last inbound activity.
	lastMsg atomic.Value // time.Time

	// errorCount tracks failed sends and keep-alive errors since the last open.
	errorCount atomic.Int64

	// ctx and cancel bound the goroutines of one connection.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.RWMutex
}

// New creates a transport for tenantID backed by container.
func New(tenantID string, container *sqlstore.Container, cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = 2 * time.Minute
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "StoreClaw"
	}

	return &WhatsApp{
		cfg:       cfg,
		tenantID:  tenantID,
		container: container,
		fetcher:   media.NewFetcher(cfg.Media),
		logger:    logger.With("component", "whatsapp", "tenant", tenantID),
		ctx:       context.Background(),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// SetHandler registers the event receiver.
func (w *WhatsApp) SetHandler(h channels.EventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// emit forwards a connection update to the handler, if any.
func (w *WhatsApp) emit(update channels.ConnectionUpdate) {
	w.mu.RLock()
	h := w.handler
	w.mu.RUnlock()
	if h != nil {
		h.OnConnectionUpdate(update)
	}
}

// emitMessage forwards a received message to the handler, if any.
func (w *WhatsApp) emitMessage(msg *channels.RawMessage) {
	w.lastMsg.Store(time.Now())
	w.mu.RLock()
	h := w.handler
	w.mu.RUnlock()
	if h != nil {
		h.OnMessage(msg)
	}
}

// Connect opens the WhatsApp Web connection. With stored credentials the
// existing device is resumed; otherwise a new device is created and the
// QR pairing flow runs in the background, reporting each code as a
// ConnQR update.
func (w *WhatsApp) Connect(ctx context.Context, creds *channels.Credentials) error {
	if w.container == nil {
		return fmt.Errorf("%w: no session store", channels.ErrConnectionFailed)
	}

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))
	connCtx := w.ctx
	w.mu.Unlock()

	w.closing.Store(false)
	w.emit(channels.ConnectionUpdate{State: channels.ConnConnecting})

	device, err := w.getDevice(connCtx, creds)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(w.handleEvent)
	client.EnableAutoReconnect = false

	w.mu.Lock()
	if w.client != nil {
		w.client.Disconnect()
	}
	w.client = client
	w.mu.Unlock()

	if client.Store.ID == nil {
		w.logger.Info("whatsapp: no paired device, starting QR login")
		qrChan, err := client.GetQRChannel(connCtx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, err)
		}
		go w.watchQR(connCtx, qrChan)
		return nil
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, err)
	}
	w.logger.Info("whatsapp: connecting with existing session", "jid", client.Store.ID.String())
	return nil
}

// getDevice resumes the device named by creds or creates a fresh one.
func (w *WhatsApp) getDevice(ctx context.Context, creds *channels.Credentials) (*store.Device, error) {
	if creds == nil || creds.DeviceID == "" {
		return w.container.NewDevice(), nil
	}

	jid, err := types.ParseJID(creds.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("parsing device id %q: %w", creds.DeviceID, err)
	}

	device, err := w.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, err
	}
	if device == nil {
		w.logger.Warn("whatsapp: stored device not found, pairing again", "jid", creds.DeviceID)
		return w.container.NewDevice(), nil
	}
	return device, nil
}

// watchQR relays pairing codes until the pairing succeeds, fails or times out.
func (w *WhatsApp) watchQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	timeout := time.NewTimer(w.cfg.QRTimeout)
	defer timeout.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			w.logger.Warn("whatsapp: QR pairing timed out")
			w.closeClient()
			w.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseQRTimeout})
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				attempts++
				w.logger.Info("whatsapp: QR code ready", "attempt", attempts)
				w.emit(channels.ConnectionUpdate{State: channels.ConnQR, QR: evt.Code})
			case "success":
				w.logger.Info("whatsapp: QR pairing successful")
				return
			case "timeout":
				w.logger.Warn("whatsapp: QR code expired")
				w.closeClient()
				w.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseQRTimeout})
				return
			default:
				if evt.Error != nil {
					w.logger.Error("whatsapp: QR login error", "error", evt.Error)
					w.closeClient()
					w.emit(channels.ConnectionUpdate{State: channels.ConnClose, CloseReason: channels.CloseConnectFailure})
					return
				}
			}
		}
	}
}

// closeClient drops the socket without reporting a close update.
func (w *WhatsApp) closeClient() {
	w.closing.Store(true)
	w.connected.Store(false)
	if c := w.getClient(); c != nil {
		c.Disconnect()
	}
}

// Disconnect closes the connection. No close update is reported for it.
func (w *WhatsApp) Disconnect() {
	w.closeClient()

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()

	w.logger.Info("whatsapp: disconnected")
}

// Logout unlinks the device and deletes it from the store.
func (w *WhatsApp) Logout(ctx context.Context) error {
	client := w.getClient()
	if client == nil {
		return nil
	}
	w.closing.Store(true)
	w.connected.Store(false)

	if err := client.Logout(ctx); err != nil {
		w.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
		client.Disconnect()
		if client.Store != nil && client.Store.ID != nil {
			if delErr := client.Store.Delete(ctx); delErr != nil {
				return fmt.Errorf("deleting device: %w", delErr)
			}
		}
	}

	w.logger.Info("whatsapp: logged out, device removed")
	return nil
}

// SendText sends a plain text message.
func (w *WhatsApp) SendText(ctx context.Context, conversationID, text string) error {
	client, err := w.connectedClient()
	if err != nil {
		return err
	}

	jid, err := parseJID(conversationID)
	if err != nil {
		return fmt.Errorf("%w %q: %v", channels.ErrInvalidRecipient, conversationID, err)
	}

	if _, err := client.SendMessage(ctx, jid, buildTextMessage(text)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// SendMedia uploads and sends an attachment, downloading it first when
// only a URL is given.
func (w *WhatsApp) SendMedia(ctx context.Context, conversationID string, m *channels.MediaMessage) error {
	client, err := w.connectedClient()
	if err != nil {
		return err
	}

	jid, err := parseJID(conversationID)
	if err != nil {
		return fmt.Errorf("%w %q: %v", channels.ErrInvalidRecipient, conversationID, err)
	}

	if len(m.Data) == 0 {
		if m.URL == "" {
			return fmt.Errorf("media has neither data nor url")
		}
		data, mimeType, err := w.fetcher.Fetch(ctx, m.URL, m.Type)
		if err != nil {
			return fmt.Errorf("fetching media: %w", err)
		}
		m.Data = data
		if m.MimeType == "" {
			m.MimeType = mimeType
		}
	} else if m.MimeType == "" {
		m.MimeType = media.DetectMimeType(m.Data, "")
	}

	waMsg, err := buildMediaMessage(ctx, client, m)
	if err != nil {
		return fmt.Errorf("building media message: %w", err)
	}

	if _, err := client.SendMessage(ctx, jid, waMsg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Probe sends an "available" presence update as a liveness signal.
func (w *WhatsApp) Probe(ctx context.Context) error {
	client, err := w.connectedClient()
	if err != nil {
		return err
	}
	return client.SendPresence(ctx, types.PresenceAvailable)
}

// MarkRead marks messages in a chat as read.
func (w *WhatsApp) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	client, err := w.connectedClient()
	if err != nil {
		return err
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}

	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

// IsConnected returns true while the connection is open.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// LastActivity returns the time of the last inbound message.
func (w *WhatsApp) LastActivity() time.Time {
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		return t
	}
	return time.Time{}
}

// ErrorCount returns the number of send and keep-alive errors since the last open.
func (w *WhatsApp) ErrorCount() int64 {
	return w.errorCount.Load()
}

func (w *WhatsApp) getClient() *whatsmeow.Client {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.client
}

func (w *WhatsApp) connectedClient() (*whatsmeow.Client, error) {
	if !w.connected.Load() {
		return nil, channels.ErrChannelDisconnected
	}
	client := w.getClient()
	if client == nil {
		return nil, channels.ErrChannelDisconnected
	}
	return client, nil
}

// credentials describes the currently paired device.
func (w *WhatsApp) credentials() *channels.Credentials {
	client := w.getClient()
	if client == nil || client.Store == nil || client.Store.ID == nil {
		return nil
	}
	return &channels.Credentials{
		DeviceID: client.Store.ID.String(),
		Platform: client.Store.Platform,
		PairedAt: time.Now(),
	}
}
