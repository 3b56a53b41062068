package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/talkincode/wagate/internal/engine"
)

func TestRegistryGetReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Put(&Session{ID: "alpha", Status: engine.StatusInitializing, CreatedAt: time.Now()})

	snap := r.Get("alpha")
	assert.NotNil(t, snap)
	snap.Status = engine.StatusError

	again := r.Get("alpha")
	assert.Equal(t, engine.StatusInitializing, again.Status)
}

func TestRegistryMiss(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("nope"))
	assert.Equal(t, "", r.QR("nope"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySetQRMarksPairing(t *testing.T) {
	r := NewRegistry()
	r.Put(&Session{ID: "alpha", Status: engine.StatusInitializing})

	r.SetQR("alpha", "data:image/png;base64,xxxx")

	sess := r.Get("alpha")
	assert.Equal(t, engine.StatusQRCode, sess.Status)
	assert.Equal(t, "data:image/png;base64,xxxx", sess.QR)
}

func TestRegistryConnectedClearsQR(t *testing.T) {
	r := NewRegistry()
	r.Put(&Session{ID: "alpha"})
	r.SetQR("alpha", "payload")

	r.SetStatus("alpha", engine.StatusConnected)

	sess := r.Get("alpha")
	assert.Equal(t, engine.StatusConnected, sess.Status)
	assert.Equal(t, "", sess.QR)
}

func TestRegistryAttachHandleOnRemovedEntry(t *testing.T) {
	r := NewRegistry()
	r.Put(&Session{ID: "alpha"})
	r.Remove("alpha")

	assert.False(t, r.AttachHandle("alpha", nil))
}

func TestRegistryListAndClear(t *testing.T) {
	r := NewRegistry()
	r.Put(&Session{ID: "a"})
	r.Put(&Session{ID: "b"})

	assert.Len(t, r.List(), 2)

	// List copies must not alias registry state.
	for _, sess := range r.List() {
		sess.Status = engine.StatusError
	}
	for _, sess := range r.List() {
		assert.NotEqual(t, engine.StatusError, sess.Status)
	}

	r.Clear()
	assert.Equal(t, 0, r.Len())
}
