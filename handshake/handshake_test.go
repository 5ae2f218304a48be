package handshake

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/knownhosts"
	"github.com/opd-ai/asciichat/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh/agent"
)

const (
	testHost = "192.0.2.10"
	testPort = 27224
)

func pipe(t *testing.T) (*transport.TCPTransport, *transport.TCPTransport) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := transport.NewTCPTransport(a), transport.NewTCPTransport(b)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

type outcome struct {
	sess *Session
	err  error
}

// handshakePair runs both sides over an in-memory pipe. The server result is
// collected after the client finishes and its transport is closed when
// closeClient is set.
func handshakePair(t *testing.T, ccfg ClientConfig, scfg ServerConfig) (client, server outcome) {
	t.Helper()
	ct, st := pipe(t)

	done := make(chan outcome, 1)
	go func() {
		sess, err := RunServer(context.Background(), st, scfg)
		done <- outcome{sess, err}
	}()

	sess, err := RunClient(context.Background(), ct, ccfg)
	client = outcome{sess, err}

	if err != nil {
		select {
		case server = <-done:
			return client, server
		case <-time.After(50 * time.Millisecond):
		}
		// The server may still be waiting on the client; end it.
		if scfg.Timeout == 0 {
			ct.Close()
		}
	}
	select {
	case server = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake did not finish")
	}
	return client, server
}

func identity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

func requireSameSecret(t *testing.T, a, b *Session) {
	t.Helper()
	ac, err := a.Crypto().SessionCheck()
	require.NoError(t, err)
	bc, err := b.Crypto().SessionCheck()
	require.NoError(t, err)
	assert.Equal(t, ac, bc, "both sides must derive the same shared secret")
}

func TestHandshakeNoCredentials(t *testing.T) {
	client, server := handshakePair(t, ClientConfig{}, ServerConfig{})
	require.NoError(t, client.err)
	require.NoError(t, server.err)

	assert.True(t, client.sess.Crypto().IsReady())
	assert.True(t, server.sess.Crypto().IsReady())
	assert.Nil(t, client.sess.PeerIdentity())
	assert.False(t, server.sess.PeerAuthenticated())
	requireSameSecret(t, client.sess, server.sess)

	// Application data is sealed and opened under the session keys.
	errc := make(chan error, 1)
	go func() { errc <- client.sess.Send(transport.PacketTextMessage, []byte("hello")) }()
	pkt, err := server.sess.Receive(2 * time.Second)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, transport.PacketTextMessage, pkt.Type)
	assert.Equal(t, []byte("hello"), pkt.Payload)
}

func TestHandshakeClientKeyRequiredWithoutKey(t *testing.T) {
	authorized := identity(t).PublicKey()
	client, server := handshakePair(t,
		ClientConfig{},
		ServerConfig{
			RequireClientAuth: true,
			AuthorizedClients: [][crypto.IdentityKeySize]byte{authorized},
			Timeout:           300 * time.Millisecond,
		})

	require.Error(t, client.err)
	assert.Equal(t, KindCrypto, KindOf(client.err))
	assert.Nil(t, client.sess)

	// Nothing was sent, so the server waits and times out.
	require.Error(t, server.err)
	assert.True(t, errors.Is(server.err, ErrTimeout))
	assert.True(t, KindOf(server.err).Retryable())
}

func TestHandshakePassword(t *testing.T) {
	t.Run("correct", func(t *testing.T) {
		client, server := handshakePair(t,
			ClientConfig{Password: "hunter2"},
			ServerConfig{Password: "hunter2"})
		require.NoError(t, client.err)
		require.NoError(t, server.err)
		assert.True(t, server.sess.PeerAuthenticated())
		requireSameSecret(t, client.sess, server.sess)
	})

	t.Run("incorrect", func(t *testing.T) {
		client, server := handshakePair(t,
			ClientConfig{Password: "wrong"},
			ServerConfig{Password: "hunter2"})

		require.Error(t, client.err)
		assert.True(t, errors.Is(client.err, ErrCryptoAuth))
		var he *Error
		require.True(t, errors.As(client.err, &he))
		assert.NotZero(t, he.Reasons&ReasonPasswordIncorrect)
		assert.False(t, he.Retryable())

		require.Error(t, server.err)
		assert.Equal(t, KindCryptoAuth, KindOf(server.err))
	})

	t.Run("missing without prompter", func(t *testing.T) {
		client, server := handshakePair(t,
			ClientConfig{},
			ServerConfig{Password: "hunter2", Timeout: 300 * time.Millisecond})
		require.Error(t, client.err)
		assert.Equal(t, KindCrypto, KindOf(client.err))
		assert.Contains(t, client.err.Error(), "--password")
		assert.Equal(t, KindTimeout, KindOf(server.err))
	})

	t.Run("prompted", func(t *testing.T) {
		prompted := 0
		client, server := handshakePair(t,
			ClientConfig{PasswordPrompter: func(context.Context, string) (string, error) {
				prompted++
				return "hunter2", nil
			}},
			ServerConfig{Password: "hunter2"})
		require.NoError(t, client.err)
		require.NoError(t, server.err)
		assert.Equal(t, 1, prompted)
	})
}

func TestHandshakeServerIdentity(t *testing.T) {
	serverID := identity(t)

	t.Run("expected key matches", func(t *testing.T) {
		other := identity(t).PublicKey()
		client, server := handshakePair(t,
			ClientConfig{ExpectedServerKeys: [][crypto.IdentityKeySize]byte{other, serverID.PublicKey()}},
			ServerConfig{Identity: serverID, KeyID: "server-1"})
		require.NoError(t, client.err)
		require.NoError(t, server.err)
		require.NotNil(t, client.sess.PeerIdentity())
		assert.Equal(t, serverID.PublicKey(), *client.sess.PeerIdentity())
	})

	t.Run("expected key mismatch", func(t *testing.T) {
		client, _ := handshakePair(t,
			ClientConfig{ExpectedServerKeys: [][crypto.IdentityKeySize]byte{identity(t).PublicKey()}},
			ServerConfig{Identity: serverID})
		require.Error(t, client.err)
		assert.True(t, errors.Is(client.err, ErrCryptoVerification))
	})

	t.Run("expected key but server has none", func(t *testing.T) {
		client, _ := handshakePair(t,
			ClientConfig{ExpectedServerKeys: [][crypto.IdentityKeySize]byte{serverID.PublicKey()}},
			ServerConfig{})
		require.Error(t, client.err)
		assert.Equal(t, KindCryptoVerification, KindOf(client.err))
	})
}

func TestHandshakeClientAllowlist(t *testing.T) {
	clientID := identity(t)

	t.Run("authorized", func(t *testing.T) {
		client, server := handshakePair(t,
			ClientConfig{Identity: clientID},
			ServerConfig{AuthorizedClients: [][crypto.IdentityKeySize]byte{identity(t).PublicKey(), clientID.PublicKey()}})
		require.NoError(t, client.err)
		require.NoError(t, server.err)
		assert.True(t, server.sess.PeerAuthenticated())
		assert.Equal(t, clientID.PublicKey(), *server.sess.PeerIdentity())
	})

	t.Run("rejected", func(t *testing.T) {
		client, server := handshakePair(t,
			ClientConfig{Identity: clientID},
			ServerConfig{AuthorizedClients: [][crypto.IdentityKeySize]byte{identity(t).PublicKey()}})
		var he *Error
		require.True(t, errors.As(client.err, &he))
		assert.Equal(t, KindCryptoAuth, he.Kind)
		assert.Equal(t, ReasonClientKeyRejected, he.Reasons)
		assert.Contains(t, he.Error(), "authorized list")
		assert.Equal(t, KindCryptoAuth, KindOf(server.err))
	})

	t.Run("opportunistic key", func(t *testing.T) {
		client, server := handshakePair(t, ClientConfig{Identity: clientID}, ServerConfig{})
		require.NoError(t, client.err)
		require.NoError(t, server.err)
		assert.True(t, server.sess.PeerAuthenticated())
	})

	t.Run("agent held key", func(t *testing.T) {
		a := crypto.NewAgent(agent.NewKeyring())
		require.NoError(t, a.Add(clientID, 0))
		held, err := a.Identity(clientID.PublicKey())
		require.NoError(t, err)

		client, server := handshakePair(t,
			ClientConfig{Identity: held},
			ServerConfig{AuthorizedClients: [][crypto.IdentityKeySize]byte{clientID.PublicKey()}})
		require.NoError(t, client.err)
		require.NoError(t, server.err)
		assert.True(t, server.sess.PeerAuthenticated())
	})

	t.Run("password and key", func(t *testing.T) {
		client, server := handshakePair(t,
			ClientConfig{Identity: clientID, Password: "pw"},
			ServerConfig{Password: "pw", RequireClientAuth: true,
				AuthorizedClients: [][crypto.IdentityKeySize]byte{clientID.PublicKey()}})
		require.NoError(t, client.err)
		require.NoError(t, server.err)
	})
}

func TestHandshakeNoEncryptionRefused(t *testing.T) {
	client, server := handshakePair(t, ClientConfig{NoEncryption: true}, ServerConfig{})
	require.Error(t, client.err)
	assert.Equal(t, KindCryptoAuth, KindOf(client.err))
	require.Error(t, server.err)
	assert.Equal(t, KindCryptoAuth, KindOf(server.err))
}

func TestHandshakeCipherPreference(t *testing.T) {
	client, server := handshakePair(t,
		ClientConfig{PreferredCipher: crypto.CipherChaCha20Poly1305},
		ServerConfig{})
	require.NoError(t, client.err)
	require.NoError(t, server.err)
	assert.Equal(t, crypto.CipherChaCha20Poly1305, client.sess.Crypto().Parameters().Cipher)
	assert.Equal(t, crypto.CipherChaCha20Poly1305, server.sess.Crypto().Parameters().Cipher)
}

func TestHandshakeKnownHosts(t *testing.T) {
	serverID := identity(t)
	path := filepath.Join(t.TempDir(), "known_hosts")

	t.Run("first contact is recorded", func(t *testing.T) {
		store := knownhosts.NewStore(path)
		client, server := handshakePair(t,
			ClientConfig{
				HostVerifier: &knownhosts.Verifier{Store: store, Policy: knownhosts.AcceptAll},
				ServerHost:   testHost,
				ServerPort:   testPort,
			},
			ServerConfig{Identity: serverID})
		require.NoError(t, client.err)
		require.NoError(t, server.err)
		assert.True(t, client.sess.HostDecision().Added)

		entries, err := store.Lookup(testHost, testPort)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, serverID.PublicKey(), entries[0].Key)
	})

	t.Run("mismatch without override", func(t *testing.T) {
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		impostor := identity(t)
		client, _ := handshakePair(t,
			ClientConfig{
				HostVerifier: &knownhosts.Verifier{Store: knownhosts.NewStore(path), Policy: knownhosts.RejectAll},
				ServerHost:   testHost,
				ServerPort:   testPort,
			},
			ServerConfig{Identity: impostor})
		require.Error(t, client.err)
		assert.True(t, errors.Is(client.err, ErrCryptoVerification))
		assert.True(t, errors.Is(client.err, knownhosts.ErrHostKeyMismatch))

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after, "mismatch must not rewrite known hosts")
	})

	t.Run("no address", func(t *testing.T) {
		client, _ := handshakePair(t,
			ClientConfig{HostVerifier: &knownhosts.Verifier{Store: knownhosts.NewStore(path)}},
			ServerConfig{Identity: serverID})
		assert.Equal(t, KindConfig, KindOf(client.err))
	})
}

func TestHandshakeConfigValidation(t *testing.T) {
	ct, _ := pipe(t)

	_, err := RunClient(context.Background(), nil, ClientConfig{})
	assert.Equal(t, KindInvalidParam, KindOf(err))

	_, err = RunClient(context.Background(), ct, ClientConfig{KeyID: string(make([]byte, 41))})
	assert.Equal(t, KindInvalidParam, KindOf(err))

	_, err = RunServer(context.Background(), ct, ServerConfig{RequireClientAuth: true})
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestClampTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, clampTimeout(0))
	assert.Equal(t, MaxTimeout, clampTimeout(time.Hour))
	assert.Equal(t, time.Second, clampTimeout(time.Second))
}
