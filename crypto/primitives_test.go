package crypto

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSharedSecretSymmetric(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := DeriveSharedSecret(b.Public, a.Private)
	require.NoError(t, err)
	ba, err := DeriveSharedSecret(a.Public, b.Private)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.False(t, IsZeroKey(ab))

	_, err = DeriveSharedSecret([32]byte{}, a.Private)
	assert.Error(t, err)
}

func TestFromSecretKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)

	_, err = FromSecretKey([32]byte{})
	assert.ErrorIs(t, err, ErrZeroKey)
}

func TestIdentitySignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("ephemeral key")
	sig, err := id.Sign(msg)
	require.NoError(t, err)

	ok, err := Verify(msg, sig, id.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("other key"), sig, id.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Verify(msg, sig, [32]byte{})
	assert.ErrorIs(t, err, ErrZeroKey)

	id.Wipe()
	_, err = id.Sign(msg)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestIdentityFromSeedDeterministic(t *testing.T) {
	seed := [32]byte{1, 2, 3}
	a, err := IdentityFromSeed(seed)
	require.NoError(t, err)
	b, err := IdentityFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	_, err = IdentityFromSeed([32]byte{})
	assert.ErrorIs(t, err, ErrZeroKey)
}

func TestDerivePasswordKey(t *testing.T) {
	a, err := DerivePasswordKey("correct horse")
	require.NoError(t, err)
	b, err := DerivePasswordKey("correct horse")
	require.NoError(t, err)
	c, err := DerivePasswordKey("battery staple")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = DerivePasswordKey("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestAuthHMAC(t *testing.T) {
	key := [32]byte{0xAA}
	shared := [32]byte{0xBB}
	nonce := bytes.Repeat([]byte{0x01}, ChallengeSize)

	mac := ComputeAuthHMAC(key, nonce, shared)
	assert.True(t, VerifyAuthHMAC(key, nonce, shared, mac[:]))

	otherShared := [32]byte{0xBC}
	assert.False(t, VerifyAuthHMAC(key, nonce, otherShared, mac[:]), "proof is bound to the shared secret")

	mac[0] ^= 1
	assert.False(t, VerifyAuthHMAC(key, nonce, shared, mac[:]))
	assert.False(t, VerifyAuthHMAC(key, nonce, shared, mac[:16]))
}

func TestGenerateChallengeUnique(t *testing.T) {
	a, err := GenerateChallenge()
	require.NoError(t, err)
	b, err := GenerateChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeriveSessionKeysDirectional(t *testing.T) {
	shared := [32]byte{7}
	client, err := DeriveSessionKeys(shared, RoleClient)
	require.NoError(t, err)
	server, err := DeriveSessionKeys(shared, RoleServer)
	require.NoError(t, err)

	assert.Equal(t, client.Send, server.Recv)
	assert.Equal(t, client.Recv, server.Send)
	assert.NotEqual(t, client.Send, client.Recv)

	client.Wipe()
	assert.True(t, IsZeroKey(client.Send))
	var none *SessionKeys
	none.Wipe()
}

func TestNegotiateCipher(t *testing.T) {
	tests := []struct {
		name      string
		mask      uint16
		preferred CipherID
		want      CipherID
		wantErr   error
	}{
		{"peer preference honored", 0x03, CipherChaCha20Poly1305, CipherChaCha20Poly1305, nil},
		{"local preference fallback", 0x03, 0, CipherXSalsa20Poly1305, nil},
		{"preferred not advertised", 0x02, CipherXSalsa20Poly1305, CipherChaCha20Poly1305, nil},
		{"nothing in common", 0x80, 8, 0, ErrNoCommonCipher},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NegotiateCipher(tt.mask, tt.preferred)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCipherID(t *testing.T) {
	id, err := ParseCipherID("ChaCha20-Poly1305")
	require.NoError(t, err)
	assert.Equal(t, CipherChaCha20Poly1305, id)

	id, err = ParseCipherID("")
	require.NoError(t, err)
	assert.Equal(t, CipherXSalsa20Poly1305, id)

	_, err = ParseCipherID("aes-gcm")
	assert.ErrorIs(t, err, ErrUnsupportedCipher)

	assert.Equal(t, uint16(0x03), SupportedCipherMask())
}

func TestNonceStoreReplayAndExpiry(t *testing.T) {
	clock := NewMockTimeProvider(time.Unix(1700000000, 0))
	ns := NewNonceStore(8, time.Minute, clock)

	n := Nonce{1}
	assert.True(t, ns.CheckAndStore(n))
	assert.False(t, ns.CheckAndStore(n), "replay must be detected")

	clock.Advance(2 * time.Minute)
	assert.True(t, ns.CheckAndStore(n), "expired nonces are forgotten")
}

func TestNonceStoreCapacity(t *testing.T) {
	clock := NewMockTimeProvider(time.Unix(1700000000, 0))
	ns := NewNonceStore(8, time.Hour, clock)

	for i := 0; i < 20; i++ {
		assert.True(t, ns.CheckAndStore(Nonce{byte(i), 0xFF}))
	}
	assert.LessOrEqual(t, ns.Len(), 8)
}

func TestCounterWindow(t *testing.T) {
	var w CounterWindow

	assert.True(t, w.Check(0))
	w.Commit(0)
	assert.False(t, w.Check(0))
	assert.True(t, w.Check(5))
	w.Commit(5)
	assert.False(t, w.Check(3), "counters must strictly increase")
	assert.True(t, w.Check(6))
}

func TestFingerprint(t *testing.T) {
	key := []byte("test")
	assert.Equal(t, "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", Fingerprint(key))
	assert.Equal(t, "SHA256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", FormatFingerprint(key))
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.ErrorIs(t, SecureWipe(nil), ErrNilSecret)
	assert.NoError(t, SecureWipe([]byte{}))

	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	pub := kp.Public
	require.NoError(t, WipeKeyPair(kp))
	assert.True(t, IsZeroKey(kp.Private))
	assert.Equal(t, pub, kp.Public)
	assert.ErrorIs(t, WipeKeyPair(nil), ErrNilSecret)

	assert.True(t, ConstantTimeEqual([]byte{1, 2}, []byte{1, 2}))
	assert.False(t, ConstantTimeEqual([]byte{1, 2}, []byte{1, 3}))
}
