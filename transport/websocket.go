package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/asciichat/limits"
	"github.com/sirupsen/logrus"
)

// WebSocketTransport carries one frame per binary WebSocket message.
type WebSocketTransport struct {
	cryptoHolder

	ws     *websocket.Conn
	addr   string
	sendMu sync.Mutex
	recvMu sync.Mutex
	closed atomic.Bool
	once   sync.Once
}

// NewWebSocketTransport wraps an established WebSocket connection.
func NewWebSocketTransport(ws *websocket.Conn) *WebSocketTransport {
	ws.SetReadLimit(int64(limits.HeaderSize + limits.MaxPacketSize))
	addr := ""
	if ra := ws.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &WebSocketTransport{ws: ws, addr: addr}
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, newError("dial", url, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialWebSocket",
		"url":      url,
	}).Debug("WebSocket connection established")
	return NewWebSocketTransport(ws), nil
}

// WebSocketHandler upgrades HTTP requests and hands each resulting transport
// to Accept on its own goroutine.
type WebSocketHandler struct {
	Upgrader websocket.Upgrader
	Accept   func(*WebSocketTransport)
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}
	go h.Accept(NewWebSocketTransport(ws))
}

// Send implements Transport.
func (t *WebSocketTransport) Send(frame []byte) error {
	if t.closed.Load() {
		return &Error{Op: "send", Addr: t.addr, Err: ErrClosed}
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if err := t.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return newError("send", t.addr, err)
	}
	if err := t.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return newError("send", t.addr, err)
	}
	return nil
}

// Recv implements Transport. Gorilla connections cannot be read after a
// read error, so a timeout ends the transport.
func (t *WebSocketTransport) Recv(timeout time.Duration) ([]byte, error) {
	if t.closed.Load() {
		return nil, &Error{Op: "recv", Addr: t.addr, Err: ErrClosed}
	}

	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	if err := t.ws.SetReadDeadline(deadline(timeout)); err != nil {
		return nil, newError("recv", t.addr, err)
	}
	kind, data, err := t.ws.ReadMessage()
	if err != nil {
		if t.closed.Load() {
			return nil, &Error{Op: "recv", Addr: t.addr, Err: ErrClosed}
		}
		return nil, newError("recv", t.addr, err)
	}
	if kind != websocket.BinaryMessage {
		return nil, &Error{Op: "recv", Addr: t.addr, Err: ErrUnexpectedMessage}
	}
	return data, nil
}

// Close implements Transport. It sends a close frame on a best-effort basis.
func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.ws.Close()
	})
	return err
}

// IsConnected implements Transport.
func (t *WebSocketTransport) IsConnected() bool { return !t.closed.Load() }

// Type implements Transport.
func (t *WebSocketTransport) Type() Type { return TypeWebSocket }

// Conn implements Transport.
func (t *WebSocketTransport) Conn() net.Conn { return t.ws.UnderlyingConn() }

// RemoteAddr implements Transport.
func (t *WebSocketTransport) RemoteAddr() string { return t.addr }
