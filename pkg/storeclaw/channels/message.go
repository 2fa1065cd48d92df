package channels

import "time"

// InboundMessage is a customer message accepted for processing. It is
// created by the dispatcher and never modified afterwards.
type InboundMessage struct {
	// ID is the provider message ID, or a generated UUID when absent. It is
	// the correlation id for every log line of the message's pipeline.
	ID string `json:"id"`

	TenantID       string `json:"tenant_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	ConversationID string `json:"conversation_id"`

	// Text is the plain text or a content placeholder.
	Text string `json:"text"`

	ReceivedAt time.Time `json:"received_at"`
}

// SenderKey identifies the serialization lane of a sender.
func (m InboundMessage) SenderKey() string {
	return m.TenantID + "/" + m.SenderID
}

// DeliveryStatus is the state of an outbound message.
type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "sent"
	StatusPending DeliveryStatus = "pending"
	StatusFailed  DeliveryStatus = "failed"
)

// Attachment is media sent alongside a reply.
type Attachment struct {
	Type     MessageType `json:"type"`
	URL      string      `json:"url"`
	MimeType string      `json:"mime_type,omitempty"`
	Caption  string      `json:"caption,omitempty"`
}

// Media converts the attachment into a transport media message.
func (a Attachment) Media() *MediaMessage {
	t := a.Type
	if t == "" {
		t = MessageImage
	}
	return &MediaMessage{Type: t, URL: a.URL, MimeType: a.MimeType, Caption: a.Caption}
}

// OutboundMessage is a reply as recorded in history, whether or not it
// was delivered.
type OutboundMessage struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id"`
	Text           string         `json:"text"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	SentAt         time.Time      `json:"sent_at,omitzero"`
	Status         DeliveryStatus `json:"status"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Attempts       int            `json:"attempts"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Direction tells who wrote a history entry.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// HistoryEntry is one line of a conversation as fed back into prompts.
type HistoryEntry struct {
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}
