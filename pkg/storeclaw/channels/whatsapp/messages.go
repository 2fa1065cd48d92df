package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// buildTextMessage wraps text in a plain conversation message.
func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{
		Conversation: proto.String(text),
	}
}

// uploader is the part of whatsmeow.Client used to upload media.
type uploader interface {
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// buildMediaMessage uploads the payload and builds the matching message.
func buildMediaMessage(ctx context.Context, up uploader, m *channels.MediaMessage) (*waE2E.Message, error) {
	mediaType, err := whatsmeowMediaType(m.Type)
	if err != nil {
		return nil, err
	}

	resp, err := up.Upload(ctx, m.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", m.Type, err)
	}

	switch m.Type {
	case channels.MessageImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optionalString(m.Caption),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}}, nil

	case channels.MessageVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optionalString(m.Caption),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}}, nil

	case channels.MessageAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}}, nil

	default:
		filename := m.Filename
		if filename == "" {
			filename = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optionalString(m.Caption),
			FileName:      proto.String(filename),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}}, nil
	}
}

func whatsmeowMediaType(t channels.MessageType) (whatsmeow.MediaType, error) {
	switch t {
	case channels.MessageImage:
		return whatsmeow.MediaImage, nil
	case channels.MessageVideo:
		return whatsmeow.MediaVideo, nil
	case channels.MessageAudio:
		return whatsmeow.MediaAudio, nil
	case channels.MessageDocument, "":
		return whatsmeow.MediaDocument, nil
	}
	return "", fmt.Errorf("%w: %s", channels.ErrMediaNotSupported, t)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// parseJID converts a string JID to types.JID.
// Accepts formats: "201000000000" or "201000000000@s.whatsapp.net"
// or group IDs like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
