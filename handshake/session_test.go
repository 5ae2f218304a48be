package handshake

import (
	"testing"
	"time"

	"github.com/opd-ai/asciichat/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readySessions(t *testing.T) (*Session, *Session) {
	t.Helper()
	client, server := handshakePair(t, ClientConfig{}, ServerConfig{})
	require.NoError(t, client.err)
	require.NoError(t, server.err)
	return client.sess, server.sess
}

type received struct {
	pkt *transport.Packet
	err error
}

func receiveAsync(s *Session) <-chan received {
	ch := make(chan received, 1)
	go func() {
		pkt, err := s.Receive(5 * time.Second)
		ch <- received{pkt, err}
	}()
	return ch
}

func TestSessionRekey(t *testing.T) {
	client, server := readySessions(t)
	before, err := client.Crypto().SessionCheck()
	require.NoError(t, err)

	serverRecv := receiveAsync(server)
	clientRecv := receiveAsync(client)

	require.NoError(t, client.StartRekey())
	require.Eventually(t, func() bool {
		return client.Crypto().Rotations() == 1 && server.Crypto().Rotations() == 1
	}, 5*time.Second, 10*time.Millisecond)

	requireSameSecret(t, client, server)
	after, err := client.Crypto().SessionCheck()
	require.NoError(t, err)
	assert.NotEqual(t, before, after, "rekey must replace the shared secret")

	require.NoError(t, client.Send(transport.PacketTextMessage, []byte("after rekey")))
	got := <-serverRecv
	require.NoError(t, got.err)
	assert.Equal(t, []byte("after rekey"), got.pkt.Payload)

	require.NoError(t, server.Send(transport.PacketTextMessage, []byte("reply")))
	got = <-clientRecv
	require.NoError(t, got.err)
	assert.Equal(t, []byte("reply"), got.pkt.Payload)
}

func TestSessionRejectsForgedRekey(t *testing.T) {
	client, server := readySessions(t)
	serverRecv := receiveAsync(server)

	require.NoError(t, transport.SendPacket(client.Transport(), transport.PacketRekeyRequest, []byte("not sealed")))
	got := <-serverRecv
	require.Error(t, got.err)
	assert.ErrorIs(t, got.err, ErrRekeyRejected)
	assert.Equal(t, 0, server.Crypto().Rotations())
}

func TestSessionRejectsInjectedHandshakePacket(t *testing.T) {
	client, server := readySessions(t)

	frame, err := transport.Encode(transport.PacketAuthFailed, []byte{0, 0, 0, 1, 'x'})
	require.NoError(t, err)
	serverRecv := receiveAsync(server)
	require.NoError(t, client.Transport().Send(frame))

	got := <-serverRecv
	assert.Nil(t, got.pkt)
	assert.ErrorIs(t, got.err, transport.ErrSecurityViolation)

	// The forged frame is dropped; sealed traffic still flows.
	serverRecv = receiveAsync(server)
	require.NoError(t, client.Send(transport.PacketTextMessage, []byte("still here")))
	got = <-serverRecv
	require.NoError(t, got.err)
	assert.Equal(t, []byte("still here"), got.pkt.Payload)
}

func TestSessionSendRejectsHandshakeTypes(t *testing.T) {
	client, _ := readySessions(t)
	err := client.Send(transport.PacketAuthResponse, nil)
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestSessionClose(t *testing.T) {
	client, _ := readySessions(t)
	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.False(t, client.Transport().IsConnected())
	assert.False(t, client.Crypto().IsReady())
	assert.Nil(t, client.Transport().CryptoContext())
}
