package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh/agent"
)

func TestAgentAddAndSign(t *testing.T) {
	a := NewAgent(agent.NewKeyring())
	id, err := GenerateIdentity()
	require.NoError(t, err)
	pub := id.PublicKey()

	has, err := a.HasKey(pub)
	require.NoError(t, err)
	assert.False(t, has)
	_, err = a.Identity(pub)
	assert.ErrorIs(t, err, ErrKeyNotInAgent)

	require.NoError(t, a.Add(id, 0))
	id.Wipe()

	has, err = a.HasKey(pub)
	require.NoError(t, err)
	assert.True(t, has)

	remote, err := a.Identity(pub)
	require.NoError(t, err)
	assert.True(t, remote.AgentBacked())
	assert.Nil(t, remote.PrivateKey())
	assert.Equal(t, pub, remote.PublicKey())

	msg := []byte("ephemeral key to sign")
	sig, err := remote.Sign(msg)
	require.NoError(t, err)
	ok, err := Verify(msg, sig, pub)
	require.NoError(t, err)
	assert.True(t, ok, "agent signature must verify under the identity key")

	assert.ErrorIs(t, a.Add(remote, 0), ErrNoIdentity)
}

func TestLoadIdentityWithAgent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, WriteIdentityFile(path, id, "", []byte("s3cret")))

	prompts := 0
	passphrase := func(string) ([]byte, error) {
		prompts++
		return []byte("s3cret"), nil
	}
	a := NewAgent(agent.NewKeyring())

	first, err := LoadIdentityWithAgent(path, passphrase, a)
	require.NoError(t, err)
	assert.Equal(t, 1, prompts)
	assert.False(t, first.AgentBacked())

	has, err := a.HasKey(id.PublicKey())
	require.NoError(t, err)
	assert.True(t, has, "unlocked key is handed to the agent")

	second, err := LoadIdentityWithAgent(path, passphrase, a)
	require.NoError(t, err)
	assert.Equal(t, 1, prompts, "agent-held key needs no passphrase")
	assert.True(t, second.AgentBacked())
	assert.Equal(t, "id_ed25519", second.Comment)

	msg := []byte("challenge")
	sig, err := second.Sign(msg)
	require.NoError(t, err)
	ok, err := Verify(msg, sig, id.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadIdentityWithAgentUnencrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, WriteIdentityFile(path, id, "", nil))

	a := NewAgent(agent.NewKeyring())
	loaded, err := LoadIdentityWithAgent(path, nil, a)
	require.NoError(t, err)
	assert.False(t, loaded.AgentBacked())

	has, err := a.HasKey(id.PublicKey())
	require.NoError(t, err)
	assert.False(t, has, "plain key files are not pushed to the agent")

	loaded, err = LoadIdentityWithAgent(path, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), loaded.PublicKey())
}

func TestDialAgentUnavailable(t *testing.T) {
	t.Setenv(EnvSSHAuthSock, "")
	_, err := DialAgent()
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.False(t, AgentAvailable())

	t.Setenv(EnvSSHAuthSock, filepath.Join(t.TempDir(), "missing.sock"))
	_, err = DialAgent()
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}
