// Package whatsapp – events.go translates whatsmeow events into transport
// connection updates and RawMessage values.
package whatsapp

import (
	"fmt"
	"net/http"
	"time"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// keepAliveErrorLimit is the number of consecutive keep-alive failures after
// which the socket is treated as dead.
const keepAliveErrorLimit = 3

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.handleConnected(evt)

	case *events.Disconnected:
		w.handleClose(channels.CloseConnectionLost, 0, "disconnected")

	case *events.StreamReplaced:
		w.handleClose(channels.CloseStreamReplaced, http.StatusConflict, "stream replaced by another device")

	case *events.LoggedOut:
		w.handleLoggedOut(evt)

	case *events.TemporaryBan:
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		w.handleClose(channels.CloseConnectFailure, http.StatusForbidden, "temporary ban")

	case *events.KeepAliveTimeout:
		w.handleKeepAliveTimeout(evt)

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")
		w.errorCount.Store(0)

	case *events.ConnectFailure:
		w.handleConnectFailure(evt)

	case *events.StreamError:
		w.handleStreamError(evt)

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired",
			"jid", evt.ID,
			"platform", evt.Platform,
			"business", evt.BusinessName)
	}
}

// handleConnected reports the connection as open with the device credentials.
func (w *WhatsApp) handleConnected(_ *events.Connected) {
	w.connected.Store(true)
	w.closing.Store(false)
	w.errorCount.Store(0)
	w.lastMsg.Store(time.Now())

	creds := w.credentials()
	if creds != nil {
		w.logger.Info("whatsapp: connected", "jid", creds.DeviceID, "platform", creds.Platform)
	}

	w.emit(channels.ConnectionUpdate{
		State:       channels.ConnOpen,
		Credentials: creds,
	})
}

// handleClose reports a close unless it was caused by our own Disconnect.
func (w *WhatsApp) handleClose(reason channels.CloseReason, status int, detail string) {
	w.connected.Store(false)
	if w.closing.Load() {
		w.logger.Debug("whatsapp: ignoring close after local disconnect", "reason", reason)
		return
	}

	w.logger.Warn("whatsapp: connection closed",
		"reason", reason,
		"status", status,
		"detail", detail)

	w.emit(channels.ConnectionUpdate{
		State:       channels.ConnClose,
		CloseReason: reason,
		StatusCode:  status,
	})
}

// handleLoggedOut reports a terminal close. whatsmeow has already removed
// the device from the store at this point.
func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	w.connected.Store(false)
	w.closing.Store(true)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	w.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)

	w.emit(channels.ConnectionUpdate{
		State:       channels.ConnClose,
		CloseReason: channels.CloseLoggedOut,
		StatusCode:  http.StatusUnauthorized,
	})
}

// handleKeepAliveTimeout treats repeated keep-alive failures as a dead socket.
func (w *WhatsApp) handleKeepAliveTimeout(evt *events.KeepAliveTimeout) {
	w.errorCount.Add(1)
	w.logger.Warn("whatsapp: keep-alive timeout",
		"error_count", evt.ErrorCount,
		"last_success", evt.LastSuccess)

	if evt.ErrorCount < keepAliveErrorLimit || !w.connected.Load() {
		return
	}

	w.logger.Error("whatsapp: keep-alive failed repeatedly, dropping socket",
		"error_count", evt.ErrorCount)
	if c := w.getClient(); c != nil {
		c.Disconnect()
	}
	w.handleClose(channels.CloseKeepAlive, http.StatusRequestTimeout, "keep-alive failed")
}

// handleConnectFailure maps a server-side connect failure.
func (w *WhatsApp) handleConnectFailure(evt *events.ConnectFailure) {
	if evt.Reason.IsLoggedOut() {
		w.handleLoggedOut(&events.LoggedOut{OnConnect: true, Reason: evt.Reason})
		return
	}
	w.handleClose(channels.CloseConnectFailure, int(evt.Reason),
		fmt.Sprintf("%s: %s", evt.Reason.String(), evt.Message))
}

// handleStreamError maps stream errors that end the connection.
func (w *WhatsApp) handleStreamError(evt *events.StreamError) {
	switch evt.Code {
	case "401":
		w.handleLoggedOut(&events.LoggedOut{})
	case "503", "515", "540", "541":
		w.handleClose(channels.CloseConnectionLost, 0, "stream error "+evt.Code)
	default:
		w.logger.Warn("whatsapp: non-fatal stream error", "code", evt.Code)
	}
}

// handleMessageEvt converts a whatsmeow message into a RawMessage. Filtering
// of groups, broadcasts and own messages happens in the dispatcher; the
// flags are only populated here.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	senderJID := evt.Info.Sender
	sender := w.resolveLID(senderJID)

	chatJID := evt.Info.Chat
	chat := w.resolveLID(chatJID)

	msg := &channels.RawMessage{
		ID:             string(evt.Info.ID),
		SenderID:       sender,
		SenderName:     evt.Info.PushName,
		ConversationID: chat,
		Timestamp:      evt.Info.Timestamp,
		FromMe:         evt.Info.IsFromMe,
		IsGroup:        evt.Info.IsGroup,
		IsBroadcast:    chatJID.Server == types.BroadcastServer || evt.Info.Sender.Server == types.BroadcastServer,
	}
	msg.Type, msg.Text = extractContent(evt.Message)

	if w.cfg.AutoRead && !msg.FromMe && !msg.IsGroup && !msg.IsBroadcast {
		go func() {
			if err := w.MarkRead(w.ctx, chatJID.String(), []string{msg.ID}); err != nil {
				w.logger.Debug("whatsapp: mark read failed", "error", err)
			}
		}()
	}

	w.emitMessage(msg)
}

// resolveLID maps a LID (linked identity) JID to the phone JID when the
// store knows it.
func (w *WhatsApp) resolveLID(jid types.JID) string {
	if jid.Server != types.HiddenUserServer {
		return jid.ToNonAD().String()
	}
	client := w.getClient()
	if client == nil || client.Store == nil {
		return jid.String()
	}
	if alt, err := client.Store.GetAltJID(w.ctx, jid); err == nil && !alt.IsEmpty() {
		return alt.ToNonAD().String()
	}
	return jid.String()
}

// extractContent returns the message type and its text, or a placeholder
// for content without text.
func extractContent(waMsg *waE2E.Message) (channels.MessageType, string) {
	if waMsg == nil {
		return channels.MessageText, ""
	}

	switch {
	case waMsg.Conversation != nil:
		return channels.MessageText, waMsg.GetConversation()

	case waMsg.ExtendedTextMessage != nil:
		return channels.MessageText, waMsg.ExtendedTextMessage.GetText()

	case waMsg.ImageMessage != nil:
		if c := waMsg.ImageMessage.GetCaption(); c != "" {
			return channels.MessageImage, c
		}
		return channels.MessageImage, "[image]"

	case waMsg.AudioMessage != nil:
		if waMsg.AudioMessage.GetPTT() {
			return channels.MessageAudio, "[voice note]"
		}
		return channels.MessageAudio, "[audio]"

	case waMsg.VideoMessage != nil:
		if c := waMsg.VideoMessage.GetCaption(); c != "" {
			return channels.MessageVideo, c
		}
		return channels.MessageVideo, "[video]"

	case waMsg.DocumentMessage != nil:
		if c := waMsg.DocumentMessage.GetCaption(); c != "" {
			return channels.MessageDocument, c
		}
		return channels.MessageDocument, fmt.Sprintf("[document: %s]", waMsg.DocumentMessage.GetFileName())

	case waMsg.StickerMessage != nil:
		return channels.MessageSticker, "[sticker]"

	case waMsg.LocationMessage != nil:
		loc := waMsg.LocationMessage
		return channels.MessageLocation, fmt.Sprintf("[location: %.6f, %.6f]",
			loc.GetDegreesLatitude(), loc.GetDegreesLongitude())

	case waMsg.ContactMessage != nil:
		return channels.MessageContact, fmt.Sprintf("[contact: %s]", waMsg.ContactMessage.GetDisplayName())
	}

	return channels.MessageText, "[unsupported message type]"
}
