// Package engine defines the capability interface of the WhatsApp
// automation engine consumed by the session manager, plus the whatsmeow
// backed implementation. The manager never depends on whatsmeow types
// directly; tests substitute a fake Engine.
package engine

import (
	"context"
	"time"
)

// Status is the transient lifecycle state reported through the on-status
// callback.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusQRCode       Status = "qrcode"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	// StatusNotLogged is never emitted by an engine, it is the registry-miss
	// answer of the session manager.
	StatusNotLogged Status = "notLogged"
)

// Event types forwarded to the webhook dispatcher.
const (
	EventMessage     = "message"
	EventAck         = "ack"
	EventCall        = "incoming-call"
	EventStateChange = "state-change"
)

// Event is one inbound engine event in webhook-ready form.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Callbacks are registered at creation time. The engine invokes them from
// its own goroutines; implementations must be safe to call concurrently
// with API operations on the same session.
type Callbacks struct {
	OnQR     func(code string)
	OnStatus func(status Status)
	OnEvent  func(evt Event)
}

// Config describes one engine instance to create.
type Config struct {
	SessionID string
	// StoreRoot is the credential store root directory. The engine owns the
	// per-session subtree under it.
	StoreRoot string
	// ClientName and Platform set the device identity shown on the paired
	// phone.
	ClientName string
	Platform   string
	Callbacks  Callbacks
}

// Message is one historical chat message record.
type Message struct {
	ID           string    `json:"id"`
	Chat         string    `json:"chat"`
	Sender       string    `json:"sender"`
	Body         string    `json:"body"`
	Type         string    `json:"type"`
	FromMe       bool      `json:"from_me"`
	Notification bool      `json:"notification"`
	Timestamp    time.Time `json:"timestamp"`
}

// SendResult reports the engine-assigned id of an accepted outbound message.
type SendResult struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle is one live automation session.
//
// IsConnected may fail when the underlying session is broken; callers must
// treat such failure as a recoverable condition, not as proof the session
// is gone.
type Handle interface {
	IsConnected(ctx context.Context) (bool, error)
	Logout(ctx context.Context) error
	Close() error

	SendText(ctx context.Context, target, body string) (*SendResult, error)
	SendImage(ctx context.Context, target string, data []byte, name, caption string) (*SendResult, error)
	SendFile(ctx context.Context, target string, data []byte, name, caption string) (*SendResult, error)
	SendVoice(ctx context.Context, target string, data []byte) (*SendResult, error)
	SendVideo(ctx context.Context, target string, data []byte, name, caption string) (*SendResult, error)

	GetMessagesInChat(ctx context.Context, chat string, includeSelf, includeNotifications bool) ([]Message, error)
}

// Engine creates automation sessions. Create is slow (network pairing
// handshake); callers run it asynchronously and must not hold locks across
// it.
type Engine interface {
	Create(ctx context.Context, cfg Config) (Handle, error)
}
