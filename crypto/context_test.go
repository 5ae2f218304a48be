package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSessionPair returns a client and server context that completed the key
// exchange with the given cipher.
func newSessionPair(t *testing.T, cipher CipherID) (*Context, *Context) {
	t.Helper()

	client, err := NewContext(RoleClient)
	require.NoError(t, err)
	server, err := NewContext(RoleServer)
	require.NoError(t, err)

	require.NoError(t, client.SetParameters(ParametersFor(cipher)))
	require.NoError(t, server.SetParameters(ParametersFor(cipher)))

	require.NoError(t, client.CompleteKeyExchange(server.LocalPublicKey()))
	require.NoError(t, server.CompleteKeyExchange(client.LocalPublicKey()))
	return client, server
}

func TestContextKeyExchange(t *testing.T) {
	client, server := newSessionPair(t, CipherXSalsa20Poly1305)

	assert.True(t, client.KeyExchangeComplete())
	assert.True(t, server.KeyExchangeComplete())

	cs, err := client.SessionCheck()
	require.NoError(t, err)
	ss, err := server.SessionCheck()
	require.NoError(t, err)
	assert.Equal(t, cs, ss, "both sides must derive the same shared secret")

	peer, ok := client.PeerPublicKey()
	assert.True(t, ok)
	assert.Equal(t, server.LocalPublicKey(), peer)
}

func TestContextKeyExchangeOnce(t *testing.T) {
	client, server := newSessionPair(t, CipherXSalsa20Poly1305)

	err := client.CompleteKeyExchange(server.LocalPublicKey())
	assert.ErrorIs(t, err, ErrKeyExchangeDone)

	err = client.SetParameters(DefaultParameters())
	assert.ErrorIs(t, err, ErrKeyExchangeDone, "parameters are frozen after key exchange")
}

func TestContextRejectsZeroPeerKey(t *testing.T) {
	ctx, err := NewContext(RoleClient)
	require.NoError(t, err)

	err = ctx.CompleteKeyExchange([32]byte{})
	assert.Error(t, err)
	assert.False(t, ctx.KeyExchangeComplete())
}

func TestContextSessionCheckBeforeExchange(t *testing.T) {
	ctx, err := NewContext(RoleServer)
	require.NoError(t, err)

	_, err = ctx.SessionCheck()
	assert.ErrorIs(t, err, ErrKeyExchangeIncomplete)

	_, err = ctx.ComputeAuthResponse(make([]byte, ChallengeSize), false)
	assert.ErrorIs(t, err, ErrKeyExchangeIncomplete)

	assert.ErrorIs(t, ctx.MarkReady(), ErrKeyExchangeIncomplete)
}

func TestContextAuthResponse(t *testing.T) {
	tests := []struct {
		name           string
		clientPassword string
		serverPassword string
		usePassword    bool
		want           bool
	}{
		{name: "shared secret", want: true},
		{name: "matching password", clientPassword: "hunter2", serverPassword: "hunter2", usePassword: true, want: true},
		{name: "wrong password", clientPassword: "hunter2", serverPassword: "correct horse", usePassword: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newSessionPair(t, CipherXSalsa20Poly1305)
			if tt.clientPassword != "" {
				require.NoError(t, client.SetPassword(tt.clientPassword))
			}
			if tt.serverPassword != "" {
				require.NoError(t, server.SetPassword(tt.serverPassword))
			}

			nonce, err := GenerateChallenge()
			require.NoError(t, err)

			mac, err := client.ComputeAuthResponse(nonce[:], tt.usePassword)
			require.NoError(t, err)

			ok, err := server.VerifyAuthResponse(nonce[:], mac[:], tt.usePassword)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestContextAuthResponseNeedsPassword(t *testing.T) {
	client, _ := newSessionPair(t, CipherXSalsa20Poly1305)

	_, err := client.ComputeAuthResponse(make([]byte, ChallengeSize), true)
	assert.ErrorIs(t, err, ErrEmptyPassword)
	assert.ErrorIs(t, client.SetPassword(""), ErrEmptyPassword)
	assert.False(t, client.HasPassword())
}

func TestContextRecordRoundTrip(t *testing.T) {
	for _, cipher := range SupportedCiphers {
		t.Run(cipher.String(), func(t *testing.T) {
			client, server := newSessionPair(t, cipher)

			_, err := client.Seal([]byte("too early"))
			assert.ErrorIs(t, err, ErrNotReady)

			require.NoError(t, client.MarkReady())
			require.NoError(t, server.MarkReady())

			for i := 0; i < 3; i++ {
				msg := bytes.Repeat([]byte{byte('a' + i)}, 100*(i+1))

				record, err := client.Seal(msg)
				require.NoError(t, err)
				got, err := server.Open(record)
				require.NoError(t, err)
				assert.Equal(t, msg, got)

				record, err = server.Seal(msg)
				require.NoError(t, err)
				got, err = client.Open(record)
				require.NoError(t, err)
				assert.Equal(t, msg, got)
			}
		})
	}
}

func TestContextRecordReplay(t *testing.T) {
	for _, cipher := range SupportedCiphers {
		t.Run(cipher.String(), func(t *testing.T) {
			client, server := newSessionPair(t, cipher)
			require.NoError(t, client.MarkReady())
			require.NoError(t, server.MarkReady())

			record, err := client.Seal([]byte("once"))
			require.NoError(t, err)

			_, err = server.Open(record)
			require.NoError(t, err)

			_, err = server.Open(record)
			assert.ErrorIs(t, err, ErrReplay)
		})
	}
}

func TestContextRecordTampering(t *testing.T) {
	for _, cipher := range SupportedCiphers {
		t.Run(cipher.String(), func(t *testing.T) {
			client, server := newSessionPair(t, cipher)
			require.NoError(t, client.MarkReady())
			require.NoError(t, server.MarkReady())

			record, err := client.Seal([]byte("integrity"))
			require.NoError(t, err)
			record[len(record)-1] ^= 0xFF

			_, err = server.Open(record)
			assert.ErrorIs(t, err, ErrDecryptionFailed)

			_, err = server.Open(record[:4])
			assert.ErrorIs(t, err, ErrRecordTooShort)
		})
	}
}

func TestContextDirectionalKeys(t *testing.T) {
	client, _ := newSessionPair(t, CipherXSalsa20Poly1305)
	require.NoError(t, client.MarkReady())

	record, err := client.Seal([]byte("reflected"))
	require.NoError(t, err)

	_, err = client.Open(record)
	assert.Error(t, err, "a record reflected back to its sender must not open")
}

func TestContextWipe(t *testing.T) {
	client, server := newSessionPair(t, CipherChaCha20Poly1305)
	require.NoError(t, client.MarkReady())

	client.Wipe()
	client.Wipe()

	assert.False(t, client.IsReady())
	_, err := client.Seal([]byte("gone"))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, client.CompleteKeyExchange(server.LocalPublicKey()), ErrContextWiped)
}

func TestParametersValidate(t *testing.T) {
	assert.NoError(t, DefaultParameters().Validate())
	assert.NoError(t, ParametersFor(CipherChaCha20Poly1305).Validate())

	p := DefaultParameters()
	p.KexPublicKeySize = 64
	assert.Error(t, p.Validate())

	p = DefaultParameters()
	p.NonceSize = 8
	assert.ErrorIs(t, p.Validate(), ErrUnsupportedCipher)

	p = DefaultParameters()
	p.HMACSize = 20
	assert.Error(t, p.Validate())
}

func TestEncryptionRequiredDefault(t *testing.T) {
	ctx, err := NewContext(RoleServer)
	require.NoError(t, err)
	assert.True(t, ctx.EncryptionRequired())

	ctx.SetEncryptionRequired(false)
	assert.False(t, ctx.EncryptionRequired())
}
