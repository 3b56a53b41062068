// Package session holds the core of the gateway: the in-memory session
// registry and the lifecycle manager that creates, tracks, recovers and
// tears down automation engine instances.
package session

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/engine"
	"github.com/talkincode/wagate/internal/webhook"
)

// DefaultAddressSuffix is appended to bare phone-number targets.
const DefaultAddressSuffix = "s.whatsapp.net"

// StartOptions are the caller-supplied options of a start-session request.
type StartOptions struct {
	WebhookURL string
	WaitQR     bool
}

// StartResult is the outcome reported to the caller. QRCode is a base64
// PNG data URL when Status is qrcode.
type StartResult struct {
	Session string        `json:"session"`
	Status  engine.Status `json:"status"`
	QRCode  string        `json:"qrCode,omitempty"`
	Webhook string        `json:"webhook,omitempty"`
}

// StatusResult reports the connectivity of one session.
type StatusResult struct {
	Session   string        `json:"session"`
	Status    engine.Status `json:"status"`
	Connected bool          `json:"connected"`
}

// creation tracks one in-flight engine create so concurrent start-session
// calls for the same id never launch a second instance. err is set before
// done is closed and is only read after done.
type creation struct {
	done chan struct{}
	err  error
}

func (c *creation) failed() (bool, error) {
	select {
	case <-c.done:
		return c.err != nil, c.err
	default:
		return false, nil
	}
}

// Manager owns all session lifecycle state. It is constructed once at
// startup and passed by reference to the HTTP layer; there are no package
// globals so tests can run isolated managers with fake engines.
type Manager struct {
	engine     engine.Engine
	registry   *Registry
	dispatcher *webhook.Dispatcher
	bus        EventBus.Bus
	db         *gorm.DB
	node       *snowflake.Node

	storeRoot  string
	clientName string
	platform   string

	qrWait        time.Duration
	pollEvery     time.Duration
	queryTimeout  time.Duration
	logoutTimeout time.Duration

	mu       sync.Mutex
	creating map[string]*creation
}

// NewManager wires the lifecycle manager. db may be nil when the relational
// store is disabled; engine events are published on bus for the webhook
// dispatcher and any other subscriber.
func NewManager(cfg *config.AppConfig, eng engine.Engine, dispatcher *webhook.Dispatcher,
	bus EventBus.Bus, db *gorm.DB) (*Manager, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, errors.Wrap(err, "create snowflake node")
	}
	m := &Manager{
		engine:        eng,
		registry:      NewRegistry(),
		dispatcher:    dispatcher,
		bus:           bus,
		db:            db,
		node:          node,
		storeRoot:     cfg.Whatsapp.StoreDir,
		clientName:    cfg.Whatsapp.ClientName,
		platform:      cfg.Whatsapp.Platform,
		qrWait:        time.Duration(cfg.Whatsapp.QrWaitSec) * time.Second,
		pollEvery:     400 * time.Millisecond,
		queryTimeout:  time.Duration(cfg.Whatsapp.QueryTimeoutSec) * time.Second,
		logoutTimeout: 5 * time.Second,
		creating:      make(map[string]*creation),
	}
	if m.qrWait <= 0 {
		m.qrWait = 30 * time.Second
	}
	if m.queryTimeout <= 0 {
		m.queryTimeout = 5 * time.Second
	}
	m.prepareStoreRoot()
	return m, nil
}

// Registry exposes the registry for read-only consumers (jobs, health).
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Count returns the number of sessions known to this process.
func (m *Manager) Count() int {
	return m.registry.Len()
}

// prepareStoreRoot ensures the credential root exists and is writable.
// Failure is surfaced as a warning only: the gateway still works, sessions
// just will not survive restarts.
func (m *Manager) prepareStoreRoot() {
	if err := os.MkdirAll(m.storeRoot, 0o755); err != nil {
		zap.L().Warn("session: credential store root unavailable, sessions will not survive restarts",
			zap.String("path", m.storeRoot), zap.Error(err))
		return
	}
	probe := filepath.Join(m.storeRoot, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		zap.L().Warn("session: credential store root not writable, sessions will not survive restarts",
			zap.String("path", m.storeRoot), zap.Error(err))
		return
	}
	_ = os.Remove(probe)
}

// StartSession implements the create/start state machine. It is idempotent
// for an already-known session and guarantees at most one engine instance
// per id across concurrent calls.
func (m *Manager) StartSession(ctx context.Context, id string, opts StartOptions) (*StartResult, error) {
	if opts.WebhookURL != "" {
		// Registration is independent of creation outcome.
		m.dispatcher.Register(id, opts.WebhookURL)
		m.saveWebhook(id, opts.WebhookURL)
	}

	if sess := m.registry.Get(id); sess != nil && sess.Handle != nil {
		qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
		connected, err := sess.Handle.IsConnected(qctx)
		cancel()
		switch {
		case err == nil && connected:
			return &StartResult{
				Session: id,
				Status:  engine.StatusConnected,
				Webhook: m.dispatcher.URL(id),
			}, nil
		case err == nil:
			if qr := m.registry.QR(id); qr != "" {
				return &StartResult{
					Session: id,
					Status:  engine.StatusQRCode,
					QRCode:  qr,
					Webhook: m.dispatcher.URL(id),
				}, nil
			}
			// Disconnected with no pairing in progress: recreate below.
			m.discardStale(id, sess)
		default:
			// The connectivity predicate itself failed: stale handle.
			zap.L().Warn("session: stale handle detected, recreating",
				zap.String("session", id), zap.Error(err))
			m.discardStale(id, sess)
		}
	}

	c := m.ensureCreation(id)

	if opts.WaitQR {
		return m.waitForQR(ctx, id, c)
	}
	return m.snapshotResult(id), nil
}

func (m *Manager) discardStale(id string, sess *Session) {
	m.mu.Lock()
	_, inFlight := m.creating[id]
	m.mu.Unlock()
	if inFlight {
		// A fresh creation is already reconciling this id.
		return
	}
	if sess.Handle != nil {
		if err := sess.Handle.Close(); err != nil {
			zap.L().Warn("session: close of stale handle failed",
				zap.String("session", id), zap.Error(err))
		}
	}
	m.registry.Remove(id)
}

// ensureCreation returns the in-flight creation for id, launching one if
// none exists. The registry entry is inserted synchronously so concurrent
// callers and engine callbacks observe the session immediately.
func (m *Manager) ensureCreation(id string) *creation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creating[id]; ok {
		return c
	}
	c := &creation{done: make(chan struct{})}
	m.creating[id] = c
	if m.registry.Get(id) == nil {
		m.registry.Put(&Session{
			ID:        id,
			Status:    engine.StatusInitializing,
			CreatedAt: time.Now(),
		})
	}
	m.saveRecord(id, string(engine.StatusInitializing), "")
	go m.launch(id, c)
	return c
}

// launch runs the engine create to completion. There is no cancellation on
// purpose: even when the original HTTP caller timed out, the creation
// reconciles the registry when it resolves.
func (m *Manager) launch(id string, c *creation) {
	defer func() {
		m.mu.Lock()
		delete(m.creating, id)
		m.mu.Unlock()
	}()

	cfg := engine.Config{
		SessionID:  id,
		StoreRoot:  m.storeRoot,
		ClientName: m.clientName,
		Platform:   m.platform,
		Callbacks: engine.Callbacks{
			OnQR:     func(code string) { m.onQR(id, code) },
			OnStatus: func(status engine.Status) { m.onStatus(id, status) },
			OnEvent:  func(evt engine.Event) { m.onEvent(id, evt) },
		},
	}
	h, err := m.engine.Create(context.Background(), cfg)
	if err != nil {
		zap.L().Error("session: engine create failed",
			zap.String("session", id), zap.Error(err))
		m.registry.Remove(id)
		m.saveRecord(id, string(engine.StatusError), "")
		c.err = err
		close(c.done)
		return
	}
	if !m.registry.AttachHandle(id, h) {
		// The entry was torn down while creation was in flight.
		zap.L().Warn("session: entry removed during creation, releasing handle",
			zap.String("session", id))
		_ = h.Close()
		c.err = errors.New("session removed during creation")
		close(c.done)
		return
	}
	zap.L().Info("session: engine instance ready", zap.String("session", id))
	close(c.done)
}

func (m *Manager) onQR(id, code string) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		zap.L().Error("session: qr encode failed", zap.String("session", id), zap.Error(err))
		return
	}
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	m.registry.SetQR(id, payload)
	m.saveRecord(id, string(engine.StatusQRCode), "")
	zap.L().Info("session: qr code cached", zap.String("session", id))
}

func (m *Manager) onStatus(id string, status engine.Status) {
	m.registry.SetStatus(id, status)
	m.saveRecord(id, string(status), "")
	zap.L().Debug("session: status changed",
		zap.String("session", id), zap.String("status", string(status)))
}

func (m *Manager) onEvent(id string, evt engine.Event) {
	if m.bus != nil {
		m.bus.Publish(webhook.TopicSessionEvent, id, evt)
	}
}

// waitForQR polls until a QR payload appears, the session connects, the
// creation fails, or the ceiling elapses. Expiry does not cancel the
// in-flight creation.
func (m *Manager) waitForQR(ctx context.Context, id string, c *creation) (*StartResult, error) {
	deadline := time.Now().Add(m.qrWait)
	for {
		if failed, err := c.failed(); failed {
			return nil, errors.Wrap(err, "session creation failed")
		}
		if sess := m.registry.Get(id); sess != nil {
			if sess.Status == engine.StatusConnected {
				return &StartResult{
					Session: id,
					Status:  engine.StatusConnected,
					Webhook: m.dispatcher.URL(id),
				}, nil
			}
			if sess.QR != "" {
				return &StartResult{
					Session: id,
					Status:  engine.StatusQRCode,
					QRCode:  sess.QR,
					Webhook: m.dispatcher.URL(id),
				}, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, ErrQRTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

func (m *Manager) snapshotResult(id string) *StartResult {
	res := &StartResult{
		Session: id,
		Status:  engine.StatusInitializing,
		Webhook: m.dispatcher.URL(id),
	}
	if sess := m.registry.Get(id); sess != nil {
		res.Status = sess.Status
		res.QRCode = sess.QR
	}
	return res
}

// Status reports connectivity for one session. A failing engine query
// degrades to an error status without destroying the session.
func (m *Manager) Status(ctx context.Context, id string) (*StatusResult, error) {
	sess := m.registry.Get(id)
	if sess == nil {
		return &StatusResult{Session: id, Status: engine.StatusNotLogged}, ErrSessionNotFound
	}
	if sess.Handle == nil {
		return &StatusResult{Session: id, Status: sess.Status}, nil
	}
	qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	connected, err := sess.Handle.IsConnected(qctx)
	if err != nil {
		zap.L().Warn("session: connectivity check failed",
			zap.String("session", id), zap.Error(err))
		return &StatusResult{Session: id, Status: engine.StatusError}, nil
	}
	status := sess.Status
	if connected {
		status = engine.StatusConnected
	}
	return &StatusResult{Session: id, Status: status, Connected: connected}, nil
}

// QRCode returns the cached pairing payload for a session.
func (m *Manager) QRCode(ctx context.Context, id string) (string, error) {
	sess := m.registry.Get(id)
	if sess == nil {
		return "", ErrSessionNotFound
	}
	if sess.Handle != nil {
		qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
		connected, err := sess.Handle.IsConnected(qctx)
		cancel()
		if err == nil && connected {
			return "", ErrAlreadyConnected
		}
	}
	if sess.QR == "" {
		return "", ErrQRNotAvailable
	}
	return sess.QR, nil
}

// Logout tears a session down. Engine errors are logged but never leave a
// half-torn-down registry entry: the session is always removed.
func (m *Manager) Logout(ctx context.Context, id string) error {
	sess := m.registry.Get(id)
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Handle != nil {
		lctx, cancel := context.WithTimeout(ctx, m.logoutTimeout)
		if err := sess.Handle.Logout(lctx); err != nil {
			zap.L().Warn("session: engine logout failed",
				zap.String("session", id), zap.Error(err))
		}
		cancel()
		if err := sess.Handle.Close(); err != nil {
			zap.L().Warn("session: engine close failed",
				zap.String("session", id), zap.Error(err))
		}
	}
	m.registry.Remove(id)
	m.saveRecord(id, "loggedOut", "")
	zap.L().Info("session: logged out", zap.String("session", id))
	return nil
}

// guardConnected resolves the handle for a send-type operation.
func (m *Manager) guardConnected(ctx context.Context, id string) (engine.Handle, error) {
	sess := m.registry.Get(id)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.Handle == nil {
		return nil, ErrNotConnected
	}
	qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	connected, err := sess.Handle.IsConnected(qctx)
	if err != nil || !connected {
		return nil, ErrNotConnected
	}
	return sess.Handle, nil
}

// NormalizeTarget appends the default addressing suffix to bare phone
// numbers; fully qualified targets pass through untouched.
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(strings.TrimPrefix(target, "+"))
	if target == "" || strings.Contains(target, "@") {
		return target
	}
	return target + "@" + DefaultAddressSuffix
}

func (m *Manager) SendText(ctx context.Context, id, target, body string) (*engine.SendResult, error) {
	h, err := m.guardConnected(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.SendText(ctx, NormalizeTarget(target), body)
}

func (m *Manager) SendImage(ctx context.Context, id, target string, data []byte, name, caption string) (*engine.SendResult, error) {
	h, err := m.guardConnected(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.SendImage(ctx, NormalizeTarget(target), data, name, caption)
}

func (m *Manager) SendFile(ctx context.Context, id, target string, data []byte, name, caption string) (*engine.SendResult, error) {
	h, err := m.guardConnected(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.SendFile(ctx, NormalizeTarget(target), data, name, caption)
}

func (m *Manager) SendVoice(ctx context.Context, id, target string, data []byte) (*engine.SendResult, error) {
	h, err := m.guardConnected(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.SendVoice(ctx, NormalizeTarget(target), data)
}

func (m *Manager) SendVideo(ctx context.Context, id, target string, data []byte, name, caption string) (*engine.SendResult, error) {
	h, err := m.guardConnected(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.SendVideo(ctx, NormalizeTarget(target), data, name, caption)
}

// Messages returns the observed history for a chat.
func (m *Manager) Messages(ctx context.Context, id, chat string, includeSelf, includeNotifications bool) ([]engine.Message, error) {
	h, err := m.guardConnected(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.GetMessagesInChat(ctx, NormalizeTarget(chat), includeSelf, includeNotifications)
}

// SetWebhook registers a destination URL; the session does not have to
// exist yet, and the registration survives logout.
func (m *Manager) SetWebhook(id, url string) {
	m.dispatcher.Register(id, url)
	m.saveWebhook(id, url)
}

func (m *Manager) RemoveWebhook(id string) {
	m.dispatcher.Unregister(id)
	m.saveWebhook(id, "")
}

func (m *Manager) Webhook(id string) string {
	return m.dispatcher.URL(id)
}

// List snapshots the registry; connectivity of each entry is probed
// best-effort and a failure degrades that entry only.
func (m *Manager) List(ctx context.Context) []StatusResult {
	sessions := m.registry.List()
	out := make([]StatusResult, 0, len(sessions))
	for _, sess := range sessions {
		item := StatusResult{Session: sess.ID, Status: sess.Status}
		if sess.Handle != nil {
			qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
			connected, err := sess.Handle.IsConnected(qctx)
			cancel()
			if err != nil {
				item.Status = engine.StatusError
			} else {
				item.Connected = connected
				if connected {
					item.Status = engine.StatusConnected
				}
			}
		}
		out = append(out, item)
	}
	return out
}

// SweepStale probes every live handle and degrades entries whose probe
// fails. It never removes sessions; recreation happens only on the
// start-session path.
func (m *Manager) SweepStale(ctx context.Context) {
	for _, sess := range m.registry.List() {
		if sess.Handle == nil {
			continue
		}
		qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
		_, err := sess.Handle.IsConnected(qctx)
		cancel()
		if err != nil {
			zap.L().Warn("session: sweep found broken handle",
				zap.String("session", sess.ID), zap.Error(err))
			m.registry.SetStatus(sess.ID, engine.StatusError)
		}
	}
}

// Shutdown closes every live handle concurrently; per-handle failures are
// logged, never fatal to the overall shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	sessions := m.registry.List()
	g, _ := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		if sess.Handle == nil {
			continue
		}
		sess := sess
		g.Go(func() error {
			if err := sess.Handle.Close(); err != nil {
				zap.L().Warn("session: close on shutdown failed",
					zap.String("session", sess.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	m.registry.Clear()
	zap.L().Info("session: all sessions closed", zap.Int("count", len(sessions)))
}

// saveRecord upserts the relational mirror of a session, best-effort.
func (m *Manager) saveRecord(id, status, jid string) {
	if m.db == nil {
		return
	}
	var row domain.WaSession
	err := m.db.Where("session_id = ?", id).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = domain.WaSession{
			ID:         m.node.Generate().Int64(),
			SessionId:  id,
			Status:     status,
			Jid:        jid,
			WebhookUrl: m.dispatcher.URL(id),
		}
		if err := m.db.Create(&row).Error; err != nil {
			zap.L().Warn("session: persist record failed", zap.String("session", id), zap.Error(err))
		}
	case err != nil:
		zap.L().Warn("session: query record failed", zap.String("session", id), zap.Error(err))
	default:
		updates := map[string]interface{}{"status": status, "updated_at": time.Now()}
		if jid != "" {
			updates["jid"] = jid
		}
		if err := m.db.Model(&domain.WaSession{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			zap.L().Warn("session: update record failed", zap.String("session", id), zap.Error(err))
		}
	}
}

func (m *Manager) saveWebhook(id, url string) {
	if m.db == nil {
		return
	}
	res := m.db.Model(&domain.WaSession{}).Where("session_id = ?", id).
		Updates(map[string]interface{}{"webhook_url": url, "updated_at": time.Now()})
	if res.Error != nil {
		zap.L().Warn("session: persist webhook failed", zap.String("session", id), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 && url != "" {
		row := domain.WaSession{
			ID:         m.node.Generate().Int64(),
			SessionId:  id,
			Status:     string(engine.StatusNotLogged),
			WebhookUrl: url,
		}
		if err := m.db.Create(&row).Error; err != nil {
			zap.L().Warn("session: persist webhook failed", zap.String("session", id), zap.Error(err))
		}
	}
}
