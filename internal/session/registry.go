package session

import (
	"sync"
	"time"

	"github.com/talkincode/wagate/internal/engine"
)

// Session is one registry entry. Handle is nil while the engine instance is
// still being created. QR holds the current pairing payload and is cleared
// the moment the session reports connected.
type Session struct {
	ID        string
	Handle    engine.Handle
	Status    engine.Status
	QR        string
	CreatedAt time.Time
}

// Registry is the in-memory source of truth for sessions known to this
// process. All mutation goes through the session manager; the HTTP layer
// only ever reads snapshots.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns a snapshot copy of the entry, or nil on a registry miss.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

func (r *Registry) Put(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
}

// Remove drops the entry and its cached QR.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// AttachHandle binds a created engine handle to an existing entry. It
// returns false when the entry disappeared while creation was in flight
// (for example a logout raced the create); the caller owns the handle then.
func (r *Registry) AttachHandle(id string, h engine.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	sess.Handle = h
	return true
}

func (r *Registry) SetStatus(id string, status engine.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		sess.Status = status
		if status == engine.StatusConnected {
			sess.QR = ""
		}
	}
}

func (r *Registry) SetQR(id, qr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		sess.QR = qr
		sess.Status = engine.StatusQRCode
	}
}

func (r *Registry) QR(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sess, ok := r.sessions[id]; ok {
		return sess.QR
	}
	return ""
}

// List returns snapshot copies of all entries.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Clear() {
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
}
