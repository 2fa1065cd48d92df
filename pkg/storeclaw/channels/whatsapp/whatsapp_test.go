package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestNew(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	t.Run("creates instance with defaults", func(t *testing.T) {
		w := New("acme", nil, DefaultConfig(), logger)

		if w == nil {
			t.Fatal("expected non-nil WhatsApp instance")
		}
		if w.Name() != "whatsapp" {
			t.Errorf("expected name 'whatsapp', got %s", w.Name())
		}
		if w.IsConnected() {
			t.Error("expected not connected initially")
		}
	})

	t.Run("uses default logger if nil", func(t *testing.T) {
		w := New("acme", nil, DefaultConfig(), nil)
		if w.logger == nil {
			t.Error("expected logger to be set")
		}
	})

	t.Run("applies qr timeout and device name defaults", func(t *testing.T) {
		w := New("acme", nil, Config{}, logger)
		if w.cfg.QRTimeout != 2*time.Minute {
			t.Errorf("expected default QR timeout 2m, got %v", w.cfg.QRTimeout)
		}
		if w.cfg.DeviceName != "StoreClaw" {
			t.Errorf("expected default device name, got %q", w.cfg.DeviceName)
		}
	})
}

func TestConnectWithoutStore(t *testing.T) {
	w := New("acme", nil, DefaultConfig(), nil)
	err := w.Connect(context.Background(), nil)
	if !errors.Is(err, channels.ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	w := New("acme", nil, DefaultConfig(), nil)
	ctx := context.Background()

	t.Run("send text fails when disconnected", func(t *testing.T) {
		err := w.SendText(ctx, "201000000000", "test")
		if err != channels.ErrChannelDisconnected {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})

	t.Run("send media fails when disconnected", func(t *testing.T) {
		err := w.SendMedia(ctx, "201000000000", &channels.MediaMessage{Type: channels.MessageImage})
		if err != channels.ErrChannelDisconnected {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})

	t.Run("probe fails when disconnected", func(t *testing.T) {
		if err := w.Probe(ctx); err != channels.ErrChannelDisconnected {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})

	t.Run("connected flag without client still refuses", func(t *testing.T) {
		w.connected.Store(true)
		defer w.connected.Store(false)
		if err := w.SendText(ctx, "201000000000", "x"); err != channels.ErrChannelDisconnected {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
	})
}

func TestConnectionUpdates(t *testing.T) {
	t.Run("connected reports open", func(t *testing.T) {
		w, rec := newRecordingTransport()
		w.handleEvent(&events.Connected{})

		if !w.IsConnected() {
			t.Error("expected connected after Connected event")
		}
		got := rec.last()
		if got.State != channels.ConnOpen {
			t.Errorf("expected open update, got %s", got.State)
		}
	})

	t.Run("disconnected reports connection lost", func(t *testing.T) {
		w, rec := newRecordingTransport()
		w.connected.Store(true)
		w.handleEvent(&events.Disconnected{})

		got := rec.last()
		if got.State != channels.ConnClose || got.CloseReason != channels.CloseConnectionLost {
			t.Errorf("expected close/connection lost, got %+v", got)
		}
		if w.IsConnected() {
			t.Error("expected connected=false after close")
		}
	})

	t.Run("logged out is reported with 401", func(t *testing.T) {
		w, rec := newRecordingTransport()
		w.handleEvent(&events.LoggedOut{})

		got := rec.last()
		if got.CloseReason != channels.CloseLoggedOut || got.StatusCode != 401 {
			t.Errorf("expected logged out/401, got %+v", got)
		}
	})

	t.Run("close after local disconnect is suppressed", func(t *testing.T) {
		w, rec := newRecordingTransport()
		w.connected.Store(true)
		w.Disconnect()
		w.handleEvent(&events.Disconnected{})

		if n := rec.count(); n != 0 {
			t.Errorf("expected no updates after local disconnect, got %d", n)
		}
	})

	t.Run("single keep-alive timeout does not close", func(t *testing.T) {
		w, rec := newRecordingTransport()
		w.connected.Store(true)
		w.handleEvent(&events.KeepAliveTimeout{ErrorCount: 1})

		if n := rec.count(); n != 0 {
			t.Errorf("expected no updates, got %d", n)
		}
		if w.ErrorCount() != 1 {
			t.Errorf("expected error count 1, got %d", w.ErrorCount())
		}
	})

	t.Run("repeated keep-alive timeouts close", func(t *testing.T) {
		w, rec := newRecordingTransport()
		w.connected.Store(true)
		w.handleEvent(&events.KeepAliveTimeout{ErrorCount: keepAliveErrorLimit})

		if got := rec.last(); got.CloseReason != channels.CloseKeepAlive {
			t.Errorf("expected keepalive close, got %+v", got)
		}
	})

	t.Run("non-fatal stream error is ignored", func(t *testing.T) {
		w, rec := newRecordingTransport()
		w.handleEvent(&events.StreamError{Code: "999"})
		if n := rec.count(); n != 0 {
			t.Errorf("expected no updates, got %d", n)
		}
	})
}

func TestMessageEvents(t *testing.T) {
	w, rec := newRecordingTransport()
	w.cfg.AutoRead = false

	sender := types.NewJID("201000000000", types.DefaultUserServer)
	w.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   sender,
				Sender: sender,
			},
			ID:        "MSG1",
			PushName:  "Ahmed",
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String("price?")},
	})

	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.ID != "MSG1" || got.Text != "price?" || got.SenderName != "Ahmed" {
		t.Errorf("unexpected message: %+v", got)
	}
	if got.SenderID != "201000000000@s.whatsapp.net" || got.ConversationID != got.SenderID {
		t.Errorf("unexpected ids: sender=%s conversation=%s", got.SenderID, got.ConversationID)
	}
	if got.IsGroup || got.IsBroadcast || got.FromMe {
		t.Errorf("unexpected flags: %+v", got)
	}
	if w.LastActivity().IsZero() {
		t.Error("expected last activity to be recorded")
	}

	t.Run("broadcast flag", func(t *testing.T) {
		w.handleEvent(&events.Message{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{
					Chat:   types.StatusBroadcastJID,
					Sender: sender,
				},
				ID: "MSG2",
			},
			Message: &waE2E.Message{Conversation: proto.String("status")},
		})
		msgs := rec.messages()
		if !msgs[len(msgs)-1].IsBroadcast {
			t.Error("expected broadcast flag for status update")
		}
	})
}

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name     string
		msg      *waE2E.Message
		wantType channels.MessageType
		wantText string
	}{
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, channels.MessageText, "hi"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link")}}, channels.MessageText, "link"},
		{"image with caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("this one")}}, channels.MessageImage, "this one"},
		{"image without caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, channels.MessageImage, "[image]"},
		{"voice note", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}}, channels.MessageAudio, "[voice note]"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, channels.MessageAudio, "[audio]"},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("a.pdf")}}, channels.MessageDocument, "[document: a.pdf]"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, channels.MessageSticker, "[sticker]"},
		{"unknown", &waE2E.Message{}, channels.MessageText, "[unsupported message type]"},
		{"nil", nil, channels.MessageText, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotText := extractContent(tt.msg)
			if gotType != tt.wantType || gotText != tt.wantText {
				t.Errorf("got (%s, %q), want (%s, %q)", gotType, gotText, tt.wantType, tt.wantText)
			}
		})
	}
}

func TestParseJID(t *testing.T) {
	t.Run("bare phone number", func(t *testing.T) {
		jid, err := parseJID("+20 100 000 0000")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.String() != "201000000000@s.whatsapp.net" {
			t.Errorf("unexpected jid %s", jid)
		}
	})

	t.Run("full jid", func(t *testing.T) {
		jid, err := parseJID("123456789-1234@g.us")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.Server != types.GroupServer {
			t.Errorf("expected group server, got %s", jid.Server)
		}
	})

	t.Run("rejects short and empty input", func(t *testing.T) {
		if _, err := parseJID("123"); err == nil {
			t.Error("expected error for short number")
		}
		if _, err := parseJID("  "); err == nil {
			t.Error("expected error for empty input")
		}
	})
}

func TestBuildMediaMessage(t *testing.T) {
	up := &fakeUploader{resp: whatsmeow.UploadResponse{URL: "https://mmg/x", DirectPath: "/x", FileLength: 42}}

	t.Run("image", func(t *testing.T) {
		msg, err := buildMediaMessage(context.Background(), up, &channels.MediaMessage{
			Type:     channels.MessageImage,
			Data:     []byte("img"),
			MimeType: "image/png",
			Caption:  "red shoe",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		img := msg.GetImageMessage()
		if img == nil {
			t.Fatal("expected image message")
		}
		if img.GetCaption() != "red shoe" || img.GetMimetype() != "image/png" || img.GetFileLength() != 42 {
			t.Errorf("unexpected image message: %+v", img)
		}
		if up.lastType != whatsmeow.MediaImage {
			t.Errorf("expected image upload, got %s", up.lastType)
		}
	})

	t.Run("document default filename", func(t *testing.T) {
		msg, err := buildMediaMessage(context.Background(), up, &channels.MediaMessage{
			Type: channels.MessageDocument,
			Data: []byte("%PDF"),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.GetDocumentMessage().GetFileName() != "file" {
			t.Errorf("expected default filename, got %q", msg.GetDocumentMessage().GetFileName())
		}
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := buildMediaMessage(context.Background(), up, &channels.MediaMessage{Type: channels.MessageSticker})
		if !errors.Is(err, channels.ErrMediaNotSupported) {
			t.Errorf("expected ErrMediaNotSupported, got %v", err)
		}
	})

	t.Run("upload error", func(t *testing.T) {
		bad := &fakeUploader{err: errors.New("boom")}
		_, err := buildMediaMessage(context.Background(), bad, &channels.MediaMessage{Type: channels.MessageImage})
		if err == nil {
			t.Error("expected upload error")
		}
	})
}

// Test helper types

type recordingHandler struct {
	mu      sync.Mutex
	updates []channels.ConnectionUpdate
	msgs    []*channels.RawMessage
}

func (r *recordingHandler) OnConnectionUpdate(u channels.ConnectionUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingHandler) OnMessage(m *channels.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recordingHandler) last() channels.ConnectionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return channels.ConnectionUpdate{}
	}
	return r.updates[len(r.updates)-1]
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recordingHandler) messages() []*channels.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*channels.RawMessage(nil), r.msgs...)
}

func newRecordingTransport() (*WhatsApp, *recordingHandler) {
	w := New("acme", nil, DefaultConfig(), slog.New(slog.NewTextHandler(os.Stdout, nil)))
	rec := &recordingHandler{}
	w.SetHandler(rec)
	return w, rec
}

type fakeUploader struct {
	resp     whatsmeow.UploadResponse
	err      error
	lastType whatsmeow.MediaType
}

func (f *fakeUploader) Upload(_ context.Context, _ []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	f.lastType = appInfo
	return f.resp, f.err
}
