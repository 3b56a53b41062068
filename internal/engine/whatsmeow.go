package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

const historyLimit = 512

// WhatsmeowEngine creates whatsmeow-backed sessions. Each session owns a
// private sqlite credential store under <root>/<session id>/store.db so a
// previously paired session resumes silently after a restart.
type WhatsmeowEngine struct{}

func NewWhatsmeowEngine(clientName, platform string) *WhatsmeowEngine {
	if clientName != "" {
		store.DeviceProps.Os = proto.String(clientName)
	}
	store.DeviceProps.PlatformType = platformType(platform).Enum()
	return &WhatsmeowEngine{}
}

func platformType(platform string) waCompanionReg.DeviceProps_PlatformType {
	switch platform {
	case "firefox":
		return waCompanionReg.DeviceProps_FIREFOX
	case "safari":
		return waCompanionReg.DeviceProps_SAFARI
	case "edge":
		return waCompanionReg.DeviceProps_EDGE
	default:
		return waCompanionReg.DeviceProps_CHROME
	}
}

func (e *WhatsmeowEngine) Create(ctx context.Context, cfg Config) (Handle, error) {
	dir := filepath.Join(cfg.StoreRoot, cfg.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create session store dir")
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, "store.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, errors.Wrap(err, "open session store")
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, errors.Wrap(err, "get device store")
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = true

	h := &whatsmeowHandle{
		sessionID: cfg.SessionID,
		client:    client,
		container: container,
		cb:        cfg.Callbacks,
		history:   make(map[string][]Message),
	}
	client.AddEventHandler(h.handleEvent)

	if client.Store.ID == nil {
		// Not paired yet: the QR channel must be requested before Connect.
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			_ = container.Close()
			return nil, errors.Wrap(err, "request qr channel")
		}
		go h.watchQR(qrChan)
	} else {
		zap.L().Info("engine: resuming stored credentials",
			zap.String("session", cfg.SessionID),
			zap.String("jid", client.Store.ID.String()))
	}

	if err := client.Connect(); err != nil {
		_ = container.Close()
		return nil, errors.Wrap(err, "connect")
	}
	return h, nil
}

type whatsmeowHandle struct {
	sessionID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	cb        Callbacks

	mu      sync.RWMutex
	history map[string][]Message
	closed  bool
}

func (h *whatsmeowHandle) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			if h.cb.OnQR != nil {
				h.cb.OnQR(item.Code)
			}
		case whatsmeow.QRChannelSuccess.Event:
			// The Connected event carries the status transition; nothing to
			// do here.
		case whatsmeow.QRChannelTimeout.Event:
			zap.L().Warn("engine: qr pairing window expired", zap.String("session", h.sessionID))
			h.status(StatusError)
		default:
			if item.Error != nil {
				zap.L().Warn("engine: qr channel error",
					zap.String("session", h.sessionID), zap.Error(item.Error))
				h.status(StatusError)
			}
		}
	}
}

func (h *whatsmeowHandle) status(s Status) {
	if h.cb.OnStatus != nil {
		h.cb.OnStatus(s)
	}
}

func (h *whatsmeowHandle) event(typ string, data map[string]interface{}) {
	if h.cb.OnEvent != nil {
		h.cb.OnEvent(Event{Type: typ, Data: data})
	}
}

func (h *whatsmeowHandle) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		zap.L().Info("engine: paired", zap.String("session", h.sessionID),
			zap.String("jid", e.ID.String()))
	case *events.Connected:
		h.status(StatusConnected)
		h.event(EventStateChange, map[string]interface{}{"state": "connected"})
	case *events.Disconnected:
		h.status(StatusDisconnected)
		h.event(EventStateChange, map[string]interface{}{"state": "disconnected"})
	case *events.LoggedOut:
		zap.L().Info("engine: logged out remotely", zap.String("session", h.sessionID))
		h.status(StatusDisconnected)
		h.event(EventStateChange, map[string]interface{}{"state": "logged-out", "reason": e.Reason.String()})
	case *events.StreamReplaced:
		h.status(StatusError)
		h.event(EventStateChange, map[string]interface{}{"state": "stream-replaced"})
	case *events.ConnectFailure:
		zap.L().Warn("engine: connect failure", zap.String("session", h.sessionID),
			zap.String("reason", e.Reason.String()))
		h.status(StatusError)
	case *events.Message:
		msg := h.recordMessage(e)
		h.event(EventMessage, map[string]interface{}{
			"id":        msg.ID,
			"chat":      msg.Chat,
			"sender":    msg.Sender,
			"body":      msg.Body,
			"from_me":   msg.FromMe,
			"timestamp": msg.Timestamp.UnixMilli(),
		})
	case *events.Receipt:
		ids := make([]string, len(e.MessageIDs))
		copy(ids, e.MessageIDs)
		h.event(EventAck, map[string]interface{}{
			"ids":       ids,
			"chat":      e.Chat.String(),
			"sender":    e.Sender.String(),
			"type":      string(e.Type),
			"timestamp": e.Timestamp.UnixMilli(),
		})
	case *events.CallOffer:
		h.event(EventCall, map[string]interface{}{
			"call_id":   e.CallID,
			"from":      e.From.String(),
			"timestamp": e.Timestamp.UnixMilli(),
		})
	}
}

func (h *whatsmeowHandle) recordMessage(e *events.Message) Message {
	body := e.Message.GetConversation()
	if body == "" {
		body = e.Message.GetExtendedTextMessage().GetText()
	}
	if body == "" {
		body = e.Message.GetImageMessage().GetCaption()
	}
	if body == "" {
		body = e.Message.GetVideoMessage().GetCaption()
	}
	msg := Message{
		ID:           e.Info.ID,
		Chat:         e.Info.Chat.String(),
		Sender:       e.Info.Sender.String(),
		Body:         body,
		Type:         e.Info.Type,
		FromMe:       e.Info.IsFromMe,
		Notification: e.Message.GetProtocolMessage() != nil,
		Timestamp:    e.Info.Timestamp,
	}
	h.mu.Lock()
	list := append(h.history[msg.Chat], msg)
	if len(list) > historyLimit {
		list = list[len(list)-historyLimit:]
	}
	h.history[msg.Chat] = list
	h.mu.Unlock()
	return msg
}

func (h *whatsmeowHandle) IsConnected(ctx context.Context) (bool, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return false, errors.New("engine handle is closed")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return h.client.IsConnected() && h.client.IsLoggedIn(), nil
}

func (h *whatsmeowHandle) Logout(ctx context.Context) error {
	if err := h.client.Logout(ctx); err != nil {
		// The server-side pairing may already be gone; drop local
		// credentials so the next start pairs from scratch.
		h.client.Disconnect()
		if derr := h.client.Store.Delete(ctx); derr != nil {
			return errors.Wrap(err, "logout")
		}
		return nil
	}
	return nil
}

func (h *whatsmeowHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	h.client.Disconnect()
	return h.container.Close()
}

func (h *whatsmeowHandle) SendText(ctx context.Context, target, body string) (*SendResult, error) {
	jid, err := watypes.ParseJID(target)
	if err != nil {
		return nil, errors.Wrap(err, "parse target jid")
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return nil, err
	}
	return &SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (h *whatsmeowHandle) SendImage(ctx context.Context, target string, data []byte, name, caption string) (*SendResult, error) {
	jid, err := watypes.ParseJID(target)
	if err != nil {
		return nil, errors.Wrap(err, "parse target jid")
	}
	up, err := h.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return nil, errors.Wrap(err, "upload image")
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(http.DetectContentType(data)),
			Caption:       proto.String(caption),
			FileLength:    proto.Uint64(up.FileLength),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			MediaKey:      up.MediaKey,
		},
	})
	if err != nil {
		return nil, err
	}
	return &SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (h *whatsmeowHandle) SendFile(ctx context.Context, target string, data []byte, name, caption string) (*SendResult, error) {
	jid, err := watypes.ParseJID(target)
	if err != nil {
		return nil, errors.Wrap(err, "parse target jid")
	}
	up, err := h.client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return nil, errors.Wrap(err, "upload document")
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(http.DetectContentType(data)),
			FileName:      proto.String(name),
			Caption:       proto.String(caption),
			FileLength:    proto.Uint64(up.FileLength),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			MediaKey:      up.MediaKey,
		},
	})
	if err != nil {
		return nil, err
	}
	return &SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (h *whatsmeowHandle) SendVoice(ctx context.Context, target string, data []byte) (*SendResult, error) {
	jid, err := watypes.ParseJID(target)
	if err != nil {
		return nil, errors.Wrap(err, "parse target jid")
	}
	up, err := h.client.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return nil, errors.Wrap(err, "upload audio")
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String("audio/ogg; codecs=opus"),
			PTT:           proto.Bool(true),
			FileLength:    proto.Uint64(up.FileLength),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			MediaKey:      up.MediaKey,
		},
	})
	if err != nil {
		return nil, err
	}
	return &SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (h *whatsmeowHandle) SendVideo(ctx context.Context, target string, data []byte, name, caption string) (*SendResult, error) {
	jid, err := watypes.ParseJID(target)
	if err != nil {
		return nil, errors.Wrap(err, "parse target jid")
	}
	up, err := h.client.Upload(ctx, data, whatsmeow.MediaVideo)
	if err != nil {
		return nil, errors.Wrap(err, "upload video")
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String("video/mp4"),
			Caption:       proto.String(caption),
			FileLength:    proto.Uint64(up.FileLength),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			MediaKey:      up.MediaKey,
		},
	})
	if err != nil {
		return nil, err
	}
	return &SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// GetMessagesInChat returns messages observed for the chat since this
// handle connected. Whatsmeow delivers history through events, so the
// handle keeps a bounded per-chat log instead of querying the phone.
func (h *whatsmeowHandle) GetMessagesInChat(ctx context.Context, chat string, includeSelf, includeNotifications bool) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.history[chat]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		if m.FromMe && !includeSelf {
			continue
		}
		if m.Notification && !includeNotifications {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

var _ Engine = (*WhatsmeowEngine)(nil)
var _ Handle = (*whatsmeowHandle)(nil)
