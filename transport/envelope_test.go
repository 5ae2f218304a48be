package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readyPair returns two piped transports with established crypto contexts.
func readyPair(t *testing.T, cipher crypto.CipherID) (*TCPTransport, *TCPTransport) {
	t.Helper()
	a, b := pipePair(t)

	client, err := crypto.NewContext(crypto.RoleClient)
	require.NoError(t, err)
	server, err := crypto.NewContext(crypto.RoleServer)
	require.NoError(t, err)
	require.NoError(t, client.SetParameters(crypto.ParametersFor(cipher)))
	require.NoError(t, server.SetParameters(crypto.ParametersFor(cipher)))
	require.NoError(t, client.CompleteKeyExchange(server.LocalPublicKey()))
	require.NoError(t, server.CompleteKeyExchange(client.LocalPublicKey()))
	require.NoError(t, client.MarkReady())
	require.NoError(t, server.MarkReady())

	a.SetCryptoContext(client)
	b.SetCryptoContext(server)
	return a, b
}

// exchange sends one packet from a and receives it on b.
func exchange(t *testing.T, a, b Transport, typ PacketType, payload []byte) (*Packet, error) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- SendPacket(a, typ, payload) }()
	pkt, err := ReceivePacket(b, time.Second)
	require.NoError(t, <-errCh)
	return pkt, err
}

func TestEnvelopePlaintextWithoutContext(t *testing.T) {
	a, b := pipePair(t)

	pkt, err := exchange(t, a, b, PacketTextMessage, []byte("clear"))
	require.NoError(t, err)
	assert.Equal(t, PacketTextMessage, pkt.Type)
	assert.Equal(t, []byte("clear"), pkt.Payload)
}

func TestEnvelopeEncryptsApplicationPackets(t *testing.T) {
	for _, cipher := range crypto.SupportedCiphers {
		t.Run(cipher.String(), func(t *testing.T) {
			a, b := readyPair(t, cipher)

			// Capture the raw frame to check it is wrapped.
			errCh := make(chan error, 1)
			go func() { errCh <- SendPacket(a, PacketTextMessage, []byte("secret")) }()
			raw, err := b.Recv(time.Second)
			require.NoError(t, err)
			require.NoError(t, <-errCh)

			outer, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, PacketEncrypted, outer.Type)
			assert.NotContains(t, string(outer.Payload), "secret")

			pkt, err := exchange(t, b, a, PacketPong, []byte("reply"))
			require.NoError(t, err)
			assert.Equal(t, PacketPong, pkt.Type)
			assert.Equal(t, []byte("reply"), pkt.Payload)
		})
	}
}

func TestEnvelopeHandshakeTypesStayPlaintext(t *testing.T) {
	a, b := readyPair(t, crypto.CipherXSalsa20Poly1305)

	errCh := make(chan error, 1)
	go func() { errCh <- SendPacket(a, PacketAuthFailed, []byte{0, 0, 0, 1}) }()
	raw, err := b.Recv(time.Second)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	pkt, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, PacketAuthFailed, pkt.Type)
}

func TestEnvelopeSecurityViolation(t *testing.T) {
	a, b := readyPair(t, crypto.CipherXSalsa20Poly1305)

	frame, err := Encode(PacketTextMessage, []byte("downgrade"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(frame) }()
	_, err = ReceivePacket(b, time.Second)
	require.NoError(t, <-errCh)
	assert.ErrorIs(t, err, ErrSecurityViolation)
}

func TestEnvelopeRejectsHandshakeAfterReady(t *testing.T) {
	for _, required := range []bool{true, false} {
		t.Run(fmt.Sprintf("encryption_required=%v", required), func(t *testing.T) {
			a, b := readyPair(t, crypto.CipherXSalsa20Poly1305)
			b.CryptoContext().SetEncryptionRequired(required)

			for _, typ := range []PacketType{PacketAuthFailed, PacketKeyExchangeInit, PacketHandshakeComplete} {
				frame, err := Encode(typ, []byte{0, 0, 0, 1, 'x'})
				require.NoError(t, err)

				errCh := make(chan error, 1)
				go func() { errCh <- a.Send(frame) }()
				pkt, err := ReceivePacket(b, time.Second)
				require.NoError(t, <-errCh)
				assert.Nil(t, pkt)
				assert.ErrorIs(t, err, ErrSecurityViolation, typ.String())
			}
		})
	}
}

func TestEnvelopeHandshakeBeforeReady(t *testing.T) {
	a, b := pipePair(t)
	client, err := crypto.NewContext(crypto.RoleClient)
	require.NoError(t, err)
	server, err := crypto.NewContext(crypto.RoleServer)
	require.NoError(t, err)
	require.NoError(t, client.CompleteKeyExchange(server.LocalPublicKey()))
	b.SetCryptoContext(client)

	// Between the key exchange and HANDSHAKE_COMPLETE the client still
	// expects plaintext handshake packets.
	pkt, err := exchange(t, a, b, PacketAuthChallenge, make([]byte, 33))
	require.NoError(t, err)
	assert.Equal(t, PacketAuthChallenge, pkt.Type)
}

func TestEnvelopeEncryptionOptional(t *testing.T) {
	a, b := readyPair(t, crypto.CipherXSalsa20Poly1305)
	b.CryptoContext().SetEncryptionRequired(false)

	frame, err := Encode(PacketTextMessage, []byte("allowed"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(frame) }()
	pkt, err := ReceivePacket(b, time.Second)
	require.NoError(t, <-errCh)
	require.NoError(t, err)
	assert.Equal(t, []byte("allowed"), pkt.Payload)
}

func TestEnvelopeEncryptedWithoutContext(t *testing.T) {
	a, b := pipePair(t)

	frame, err := Encode(PacketEncrypted, make([]byte, 64))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(frame) }()
	_, err = ReceivePacket(b, time.Second)
	require.NoError(t, <-errCh)
	assert.ErrorIs(t, err, ErrNoCryptoContext)
}

func TestEnvelopeCorruptionIsNotViolation(t *testing.T) {
	a, b := readyPair(t, crypto.CipherXSalsa20Poly1305)

	frame, err := Encode(PacketTextMessage, []byte("x"))
	require.NoError(t, err)
	frame[0] = 0

	// The reader stops after the bad header; the pipe close in cleanup
	// releases the blocked writer.
	go a.Conn().Write(frame)

	_, err = ReceivePacket(b, time.Second)
	assert.ErrorIs(t, err, ErrBadMagic)
	assert.NotErrorIs(t, err, ErrSecurityViolation)
}
