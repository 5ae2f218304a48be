package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// DataChannel is the subset of *webrtc.DataChannel the transport uses.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	Close() error
	ReadyState() webrtc.DataChannelState
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnClose(f func())
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

// webrtcQueueSize bounds frames buffered between OnMessage and Recv.
const webrtcQueueSize = 256

// WebRTCTransport carries one frame per DataChannel message. ICE and SDP
// negotiation happen elsewhere; the transport wraps an already negotiated
// channel.
type WebRTCTransport struct {
	cryptoHolder

	dc     DataChannel
	peer   string
	frames chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	closeOnce sync.Once
}

// NewWebRTCTransport wraps dc. peer is a display address for logs and the
// known-hosts store, usually the remote session id.
func NewWebRTCTransport(dc DataChannel, peer string) *WebRTCTransport {
	t := &WebRTCTransport{
		dc:     dc,
		peer:   peer,
		frames: make(chan []byte, webrtcQueueSize),
		done:   make(chan struct{}),
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			logrus.WithFields(logrus.Fields{
				"function": "OnMessage",
				"peer":     peer,
			}).Warn("Dropping text DataChannel message")
			return
		}
		frame := make([]byte, len(msg.Data))
		copy(frame, msg.Data)
		select {
		case t.frames <- frame:
		case <-t.done:
		}
	})
	dc.OnClose(func() {
		t.shutdown()
	})
	return t
}

func (t *WebRTCTransport) shutdown() {
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
}

// Send implements Transport.
func (t *WebRTCTransport) Send(frame []byte) error {
	if t.closed.Load() {
		return &Error{Op: "send", Addr: t.peer, Err: ErrClosed}
	}
	if err := t.dc.Send(frame); err != nil {
		return newError("send", t.peer, err)
	}
	return nil
}

// Recv implements Transport.
func (t *WebRTCTransport) Recv(timeout time.Duration) ([]byte, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case frame := <-t.frames:
		return frame, nil
	case <-t.done:
		// Frames delivered before the close are still readable.
		select {
		case frame := <-t.frames:
			return frame, nil
		default:
		}
		return nil, &Error{Op: "recv", Addr: t.peer, Err: ErrClosed}
	case <-expire:
		return nil, &Error{Op: "recv", Addr: t.peer, Err: ErrTimeout}
	}
}

// Close implements Transport.
func (t *WebRTCTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.shutdown()
		err = t.dc.Close()
	})
	return err
}

// IsConnected implements Transport.
func (t *WebRTCTransport) IsConnected() bool {
	return !t.closed.Load() && t.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Type implements Transport.
func (t *WebRTCTransport) Type() Type { return TypeWebRTC }

// Conn implements Transport. DataChannels have no socket of their own.
func (t *WebRTCTransport) Conn() net.Conn { return nil }

// RemoteAddr implements Transport.
func (t *WebRTCTransport) RemoteAddr() string { return t.peer }
