package session

import "github.com/pkg/errors"

var (
	// ErrSessionNotFound is the registry-miss answer for operations that
	// require a known session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotConnected rejects operations that require an active connection.
	ErrNotConnected = errors.New("session is not connected")
	// ErrQRTimeout means the synchronous QR wait ceiling elapsed. The
	// in-flight creation keeps running in the background.
	ErrQRTimeout = errors.New("timed out waiting for qr code")
	// ErrQRNotAvailable means no pairing code is currently cached.
	ErrQRNotAvailable = errors.New("qr code not available")
	// ErrAlreadyConnected means a QR was requested for a session that no
	// longer needs pairing.
	ErrAlreadyConnected = errors.New("session already connected")
)
