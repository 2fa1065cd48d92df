// Package channels defines the transport abstraction for storeclaw chat
// channels. A Transport owns the wire connection for one tenant and reports
// connection updates and received messages through an EventHandler; the
// session layer decides what to do with them.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
)

// ConnectionState is the state reported by a transport connection update.
type ConnectionState string

const (
	// ConnConnecting is reported while the socket handshake is in progress.
	ConnConnecting ConnectionState = "connecting"

	// ConnQR is reported when a new pairing QR payload is available.
	ConnQR ConnectionState = "qr"

	// ConnOpen is reported when the connection is authenticated and usable.
	ConnOpen ConnectionState = "open"

	// ConnClose is reported when the connection is gone.
	ConnClose ConnectionState = "close"
)

// CloseReason explains a ConnClose update.
type CloseReason string

const (
	CloseConnectionLost CloseReason = "connection lost"
	CloseLoggedOut      CloseReason = "logged out"
	CloseStreamReplaced CloseReason = "stream replaced"
	CloseConnectFailure CloseReason = "connect failure"
	CloseKeepAlive      CloseReason = "keepalive timeout"
	CloseQRTimeout      CloseReason = "qr timeout"
	CloseRequested      CloseReason = "requested"
)

// Credentials references the persisted device identity of a tenant.
// The key material itself stays inside the transport's own store; this is
// the handle needed to find it again.
type Credentials struct {
	// DeviceID is the channel-side identity (a WhatsApp device JID).
	DeviceID string `json:"device_id"`

	// Platform is the platform reported at pairing time.
	Platform string `json:"platform,omitempty"`

	// PairedAt is when the device was linked.
	PairedAt time.Time `json:"paired_at"`
}

// ConnectionUpdate is emitted by a transport whenever its connection changes.
type ConnectionUpdate struct {
	State ConnectionState

	// QR is set when State == ConnQR.
	QR string

	// CloseReason and StatusCode are set when State == ConnClose.
	CloseReason CloseReason
	StatusCode  int

	// Credentials is set on the first ConnOpen after pairing.
	Credentials *Credentials
}

// RawMessage is a received message, stripped of the provider envelope.
type RawMessage struct {
	// ID is the provider message identifier.
	ID string

	// SenderID identifies the author (phone JID when resolvable).
	SenderID string

	// SenderName is the display name, when the provider sends one.
	SenderName string

	// ConversationID identifies the chat the reply must go to.
	ConversationID string

	// Type is the content type.
	Type MessageType

	// Text is the plain text, or a placeholder such as "[audio]" for
	// content that has no text.
	Text string

	Timestamp time.Time

	FromMe      bool
	IsGroup     bool
	IsBroadcast bool
}

// MediaMessage is an attachment to send.
type MediaMessage struct {
	// Type is the media type (image, audio, video, document).
	Type MessageType

	// Data is the raw payload. Either Data or URL must be set.
	Data []byte

	// URL is fetched by the transport when Data is empty.
	URL string

	// MimeType is detected from the payload when empty.
	MimeType string

	// Filename is used for documents.
	Filename string

	// Caption accompanies the media.
	Caption string
}

// EventHandler receives transport events. Calls may arrive on any goroutine.
type EventHandler interface {
	OnConnectionUpdate(update ConnectionUpdate)
	OnMessage(msg *RawMessage)
}

// Transport abstracts one tenant's connection to a chat provider.
type Transport interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// SetHandler registers the receiver of connection and message events.
	// It must be called before Connect.
	SetHandler(h EventHandler)

	// Connect opens the connection. With nil credentials the transport
	// starts a pairing flow and reports QR updates.
	Connect(ctx context.Context, creds *Credentials) error

	// Disconnect closes the connection without invalidating the pairing.
	Disconnect()

	// Logout invalidates the pairing on the provider side and locally.
	Logout(ctx context.Context) error

	// SendText sends a text message to a conversation.
	SendText(ctx context.Context, conversationID, text string) error

	// SendMedia sends an attachment to a conversation.
	SendMedia(ctx context.Context, conversationID string, media *MediaMessage) error

	// Probe sends a lightweight liveness signal over the connection.
	Probe(ctx context.Context) error
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
	ErrConnectionFailed    = errors.New("failed to connect to channel")
	ErrMediaNotSupported   = errors.New("media not supported by this channel")
	ErrInvalidRecipient    = errors.New("invalid recipient")
)
