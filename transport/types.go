package transport

import (
	"net"
	"sync"
	"time"

	"github.com/opd-ai/asciichat/crypto"
)

// Type identifies a transport backend.
type Type string

const (
	TypeTCP       Type = "tcp"
	TypeWebSocket Type = "websocket"
	TypeWebRTC    Type = "webrtc"
)

// Transport moves whole packet frames between two peers.
// This abstraction allows the handshake and the record layer to run
// unchanged over TCP, WebSocket or a WebRTC DataChannel.
//
// Send and Recv may be called from different goroutines once the session is
// ready. Close unblocks any pending Send or Recv.
type Transport interface {
	// Send writes one complete frame.
	Send(frame []byte) error

	// Recv returns the next complete frame. A zero timeout waits until the
	// transport is closed; an expired timeout returns an error matching ErrTimeout.
	Recv(timeout time.Duration) ([]byte, error)

	// Close shuts down the transport. It is safe to call more than once.
	Close() error

	// IsConnected reports whether the transport can still carry frames.
	IsConnected() bool

	// Type returns the backend kind.
	Type() Type

	// Conn returns the underlying socket for multiplexed I/O, or nil when the
	// backend has none.
	Conn() net.Conn

	// RemoteAddr returns the peer address, or "" when unknown.
	RemoteAddr() string

	// SetCryptoContext attaches the connection's crypto context. The
	// transport holds a shared reference; the handshake owns it.
	SetCryptoContext(ctx *crypto.Context)

	// CryptoContext returns the attached crypto context or nil.
	CryptoContext() *crypto.Context
}

// cryptoHolder implements the crypto context accessors for every backend.
type cryptoHolder struct {
	mu  sync.RWMutex
	ctx *crypto.Context
}

// SetCryptoContext implements Transport.
func (h *cryptoHolder) SetCryptoContext(ctx *crypto.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx = ctx
}

// CryptoContext implements Transport.
func (h *cryptoHolder) CryptoContext() *crypto.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

// deadline converts a Recv timeout into a deadline; zero means none.
func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// writeTimeout bounds every frame write.
const writeTimeout = 5 * time.Second
