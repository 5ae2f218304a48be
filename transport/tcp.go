package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// TCPTransport carries frames over a stream connection. Frames are
// self-delimiting through the packet header, so no extra length prefix is
// written.
type TCPTransport struct {
	cryptoHolder

	conn   net.Conn
	addr   string
	sendMu sync.Mutex
	recvMu sync.Mutex
	closed atomic.Bool
	once   sync.Once
}

// NewTCPTransport wraps an established stream connection. Any net.Conn
// works, which lets tests drive the handshake over net.Pipe.
//
//export AsciiChatNewTCPTransport
func NewTCPTransport(conn net.Conn) *TCPTransport {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &TCPTransport{conn: conn, addr: addr}
}

// DialTCP connects to addr ("host:port").
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (*TCPTransport, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError("dial", addr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialTCP",
		"addr":     addr,
	}).Debug("TCP connection established")
	return NewTCPTransport(conn), nil
}

// Send implements Transport.
func (t *TCPTransport) Send(frame []byte) error {
	if t.closed.Load() {
		return &Error{Op: "send", Addr: t.addr, Err: ErrClosed}
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return newError("send", t.addr, err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return newError("send", t.addr, err)
	}
	return nil
}

// Recv implements Transport. A timeout can leave a partial frame in the
// stream, so the transport must be closed after one.
func (t *TCPTransport) Recv(timeout time.Duration) ([]byte, error) {
	if t.closed.Load() {
		return nil, &Error{Op: "recv", Addr: t.addr, Err: ErrClosed}
	}

	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	if err := t.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return nil, newError("recv", t.addr, err)
	}
	frame, err := ReadFrame(t.conn)
	if err != nil {
		if t.closed.Load() {
			return nil, &Error{Op: "recv", Addr: t.addr, Err: ErrClosed}
		}
		return nil, newError("recv", t.addr, err)
	}
	return frame, nil
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		err = t.conn.Close()
	})
	return err
}

// IsConnected implements Transport.
func (t *TCPTransport) IsConnected() bool { return !t.closed.Load() }

// Type implements Transport.
func (t *TCPTransport) Type() Type { return TypeTCP }

// Conn implements Transport.
func (t *TCPTransport) Conn() net.Conn { return t.conn }

// RemoteAddr implements Transport.
func (t *TCPTransport) RemoteAddr() string { return t.addr }

// TCPListener accepts TCP transports.
type TCPListener struct {
	listener net.Listener
}

// ListenTCP listens on addr ("host:port", port 0 picks a free port).
func ListenTCP(addr string) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, newError("listen", addr, err)
	}
	return &TCPListener{listener: l}, nil
}

// Accept waits for the next connection.
func (l *TCPListener) Accept() (*TCPTransport, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, newError("accept", l.listener.Addr().String(), err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Accept",
		"remote":   conn.RemoteAddr().String(),
	}).Debug("Accepted TCP connection")
	return NewTCPTransport(conn), nil
}

// Addr returns the listening address.
func (l *TCPListener) Addr() net.Addr { return l.listener.Addr() }

// Close stops listening. Established transports stay open.
func (l *TCPListener) Close() error { return l.listener.Close() }
