// Package webhook delivers session events to caller-registered URLs.
// Delivery is fire-and-forget from the producing flow: failures are logged
// and counted, never propagated back into request handling.
package webhook

import (
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/engine"
	"github.com/talkincode/wagate/pkg/metrics"
)

// TopicSessionEvent is the bus topic the session manager publishes engine
// events on. Handler signature: func(sessionID string, evt engine.Event).
const TopicSessionEvent = "session.events"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Dispatcher struct {
	mu   sync.RWMutex
	urls map[string]string

	pool *ants.Pool
	node *snowflake.Node
	db   *gorm.DB

	attempts int
	backoff  time.Duration
	timeout  time.Duration
}

type Option func(*Dispatcher)

// WithBackoff overrides the first retry delay (doubled per attempt).
func WithBackoff(d time.Duration) Option {
	return func(w *Dispatcher) { w.backoff = d }
}

// WithTimeout overrides the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(w *Dispatcher) { w.timeout = d }
}

// NewDispatcher builds a dispatcher with a bounded worker pool. When bus is
// non-nil it subscribes to TopicSessionEvent; when db is non-nil it restores
// previously registered URLs and records delivery outcomes.
func NewDispatcher(workers int, bus EventBus.Bus, db *gorm.DB, opts ...Option) (*Dispatcher, error) {
	if workers <= 0 {
		workers = 16
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "create webhook worker pool")
	}
	node, err := snowflake.NewNode(2)
	if err != nil {
		pool.Release()
		return nil, errors.Wrap(err, "create snowflake node")
	}
	d := &Dispatcher{
		urls:     make(map[string]string),
		pool:     pool,
		node:     node,
		db:       db,
		attempts: 3,
		backoff:  time.Second,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	if bus != nil {
		if err := bus.SubscribeAsync(TopicSessionEvent, d.handleEvent, false); err != nil {
			pool.Release()
			return nil, errors.Wrap(err, "subscribe session events")
		}
	}
	d.restoreURLs()
	return d, nil
}

func (d *Dispatcher) restoreURLs() {
	if d.db == nil {
		return
	}
	var rows []domain.WaSession
	if err := d.db.Where("webhook_url <> ''").Find(&rows).Error; err != nil {
		zap.L().Warn("webhook: failed to restore registrations", zap.Error(err))
		return
	}
	d.mu.Lock()
	for _, r := range rows {
		d.urls[r.SessionId] = r.WebhookUrl
	}
	d.mu.Unlock()
	if len(rows) > 0 {
		zap.L().Info("webhook: restored registrations", zap.Int("count", len(rows)))
	}
}

// Register maps a session id to a destination URL. A registration is
// independent of session lifecycle and survives logout.
func (d *Dispatcher) Register(sessionID, url string) {
	d.mu.Lock()
	d.urls[sessionID] = url
	d.mu.Unlock()
}

func (d *Dispatcher) Unregister(sessionID string) {
	d.mu.Lock()
	delete(d.urls, sessionID)
	d.mu.Unlock()
}

func (d *Dispatcher) URL(sessionID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.urls[sessionID]
}

func (d *Dispatcher) handleEvent(sessionID string, evt engine.Event) {
	d.Dispatch(sessionID, evt.Type, evt.Data)
}

// Dispatch queues one event for delivery and returns immediately. With no
// registered URL for the session it is a no-op.
func (d *Dispatcher) Dispatch(sessionID, eventType string, data map[string]interface{}) {
	url := d.URL(sessionID)
	if url == "" {
		return
	}
	payload := map[string]interface{}{
		"session":   sessionID,
		"event":     eventType,
		"event_id":  d.node.Generate().String(),
		"timestamp": time.Now().UnixMilli(),
	}
	for k, v := range data {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	task := func() { d.deliver(sessionID, eventType, url, payload) }
	if err := d.pool.Submit(task); err != nil {
		// Pool saturated; fall back to a detached goroutine rather than
		// dropping the event or blocking the caller.
		go task()
	}
}

func (d *Dispatcher) deliver(sessionID, eventType, url string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("webhook: marshal payload failed",
			zap.String("session", sessionID), zap.Error(err))
		return
	}
	var lastErr string
	for attempt := 1; attempt <= d.attempts; attempt++ {
		code := 0
		err := gout.POST(url).
			SetTimeout(d.timeout).
			SetHeader(gout.H{"Content-Type": "application/json"}).
			SetBody(body).
			Code(&code).
			Do()
		if err == nil && code >= 200 && code < 300 {
			metrics.IncrCounter("wagate_webhook_delivered", 1)
			d.logDelivery(sessionID, eventType, url, attempt, true, "")
			return
		}
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("http status %d", code)
		}
		zap.L().Warn("webhook: delivery attempt failed",
			zap.String("session", sessionID),
			zap.String("event", eventType),
			zap.Int("attempt", attempt),
			zap.String("error", lastErr))
		if attempt < d.attempts {
			time.Sleep(d.backoff << (attempt - 1))
		}
	}
	metrics.IncrCounter("wagate_webhook_dropped", 1)
	zap.L().Error("webhook: event dropped after exhausting retries",
		zap.String("session", sessionID),
		zap.String("event", eventType),
		zap.Int("attempts", d.attempts),
		zap.String("error", lastErr))
	d.logDelivery(sessionID, eventType, url, d.attempts, false, lastErr)
}

func (d *Dispatcher) logDelivery(sessionID, eventType, url string, attempts int, succeed bool, lastErr string) {
	if d.db == nil {
		return
	}
	row := &domain.WaWebhookLog{
		ID:        d.node.Generate().Int64(),
		SessionId: sessionID,
		EventType: eventType,
		Url:       url,
		Attempts:  attempts,
		Succeed:   succeed,
		LastError: lastErr,
	}
	if err := d.db.Create(row).Error; err != nil {
		zap.L().Warn("webhook: persist delivery log failed", zap.Error(err))
	}
}

// Release drains the worker pool. Pending tasks already running finish on
// their own goroutines.
func (d *Dispatcher) Release() {
	d.pool.Release()
}
