package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/asciichat/limits"
)

// partialReadConn simulates a TCP connection that returns partial reads.
type partialReadConn struct {
	data       []byte
	readPos    int
	chunkSize  int
	readCalls  int
	closed     bool
	remoteAddr net.Addr
}

func newPartialReadConn(data []byte, chunkSize int) *partialReadConn {
	return &partialReadConn{
		data:       data,
		chunkSize:  chunkSize,
		remoteAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345},
	}
}

// Read returns at most chunkSize bytes per call.
func (p *partialReadConn) Read(b []byte) (n int, err error) {
	if p.closed {
		return 0, io.EOF
	}

	p.readCalls++

	remaining := len(p.data) - p.readPos
	if remaining == 0 {
		return 0, io.EOF
	}

	toRead := p.chunkSize
	if toRead > len(b) {
		toRead = len(b)
	}
	if toRead > remaining {
		toRead = remaining
	}

	n = copy(b, p.data[p.readPos:p.readPos+toRead])
	p.readPos += n
	return n, nil
}

func (p *partialReadConn) Write(b []byte) (n int, err error) { return len(b), nil }
func (p *partialReadConn) Close() error {
	p.closed = true
	return nil
}
func (p *partialReadConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}
func (p *partialReadConn) RemoteAddr() net.Addr { return p.remoteAddr }
func (p *partialReadConn) SetDeadline(t time.Time) error { return nil }
func (p *partialReadConn) SetReadDeadline(t time.Time) error { return nil }
func (p *partialReadConn) SetWriteDeadline(t time.Time) error { return nil }

// TestTCPTransportPartialReads verifies that frames are reassembled from short reads.
func TestTCPTransportPartialReads(t *testing.T) {
	tests := []struct {
		name      string
		dataSize  int
		chunkSize int
	}{
		{"Single byte chunks", 100, 1},
		{"Two byte chunks", 256, 2},
		{"Three byte chunks (header not aligned)", 1024, 3},
		{"Large packet with small chunks", 4096, 7},
		{"Empty payload", 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xAB}, tt.dataSize)
			frame, err := Encode(PacketTextMessage, payload)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}

			conn := newPartialReadConn(frame, tt.chunkSize)
			tr := NewTCPTransport(conn)

			got, err := tr.Recv(time.Second)
			if err != nil {
				t.Fatalf("Recv() unexpected error: %v", err)
			}
			if !bytes.Equal(got, frame) {
				t.Error("Recv() data corruption detected")
			}

			pkt, err := Decode(got)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if !bytes.Equal(pkt.Payload, payload) {
				t.Error("payload mismatch after reassembly")
			}
		})
	}
}

// TestTCPTransportReadUnexpectedEOF verifies handling of streams that end mid-frame.
func TestTCPTransportReadUnexpectedEOF(t *testing.T) {
	frame, err := Encode(PacketTextMessage, bytes.Repeat([]byte{1}, 64))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"No data", nil, io.EOF},
		{"Incomplete header", frame[:limits.HeaderSize-4], io.ErrUnexpectedEOF},
		{"Incomplete payload", frame[:limits.HeaderSize+10], io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(newPartialReadConn(tt.data, 3))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadFrame() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
