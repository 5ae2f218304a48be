package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// EnvSSHAuthSock names the ssh-agent socket.
const EnvSSHAuthSock = "SSH_AUTH_SOCK"

var (
	// ErrAgentUnavailable indicates SSH_AUTH_SOCK is unset or does not answer
	ErrAgentUnavailable = errors.New("ssh-agent not available")

	// ErrKeyNotInAgent indicates the agent holds no key for the identity
	ErrKeyNotInAgent = errors.New("key not held by ssh-agent")
)

// Agent wraps an ssh-agent connection for identity keys.
type Agent struct {
	agent agent.Agent
	conn  net.Conn
}

// DialAgent connects to the agent named by SSH_AUTH_SOCK.
func DialAgent() (*Agent, error) {
	sock := os.Getenv(EnvSSHAuthSock)
	if sock == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrAgentUnavailable, EnvSSHAuthSock)
	}
	conn, err := net.DialTimeout("unix", sock, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	return &Agent{agent: agent.NewClient(conn), conn: conn}, nil
}

// NewAgent wraps an existing agent, such as agent.NewKeyring().
func NewAgent(a agent.Agent) *Agent {
	return &Agent{agent: a}
}

// AgentAvailable reports whether an agent answers on SSH_AUTH_SOCK.
func AgentAvailable() bool {
	a, err := DialAgent()
	if err != nil {
		return false
	}
	_ = a.Close()
	return true
}

// Close releases the agent connection. Agent-backed identities stop
// signing afterwards.
func (a *Agent) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// HasKey reports whether the agent holds the Ed25519 key pub.
func (a *Agent) HasKey(pub [IdentityKeySize]byte) (bool, error) {
	keys, err := a.agent.List()
	if err != nil {
		return false, fmt.Errorf("failed to list agent keys: %w", err)
	}
	for _, k := range keys {
		pk, err := ssh.ParsePublicKey(k.Blob)
		if err != nil {
			continue
		}
		if key, err := publicKeyFromSSH(pk); err == nil && ConstantTimeEqual(key[:], pub[:]) {
			return true, nil
		}
	}
	return false, nil
}

// Add hands a local identity to the agent. A zero lifetime keeps it until
// the agent exits.
func (a *Agent) Add(id *Identity, lifetime time.Duration) error {
	if id == nil || len(id.private) == 0 {
		return ErrNoIdentity
	}
	// The agent owns its copy; Wipe on id must not reach it.
	priv := make(ed25519.PrivateKey, len(id.private))
	copy(priv, id.private)
	err := a.agent.Add(agent.AddedKey{
		PrivateKey:   priv,
		Comment:      id.Comment,
		LifetimeSecs: uint32(lifetime / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to add key to ssh-agent: %w", err)
	}
	return nil
}

// Identity returns an identity for pub whose signatures come from the agent.
func (a *Agent) Identity(pub [IdentityKeySize]byte) (*Identity, error) {
	signers, err := a.agent.Signers()
	if err != nil {
		return nil, fmt.Errorf("failed to list agent signers: %w", err)
	}
	for _, s := range signers {
		key, err := publicKeyFromSSH(s.PublicKey())
		if err != nil || !ConstantTimeEqual(key[:], pub[:]) {
			continue
		}
		return &Identity{public: pub, signer: s, Comment: ssh.FingerprintSHA256(s.PublicKey())}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotInAgent, FormatFingerprint(pub[:]))
}

// LoadIdentityWithAgent loads an identity file, using the agent to avoid
// passphrase prompts. An encrypted key already held by the agent is used
// through it without decrypting the file; an encrypted key that had to be
// unlocked is added so later loads skip the prompt. A nil agent behaves
// like LoadIdentityFile.
func LoadIdentityWithAgent(path string, passphrase PassphraseFunc, a *Agent) (*Identity, error) {
	if a == nil {
		return LoadIdentityFile(path, passphrase)
	}
	logger := NewLogger("LoadIdentityWithAgent").WithField("path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	raw, perr := ssh.ParseRawPrivateKey(data)
	ZeroBytes(data)
	if k, ok := raw.(*ed25519.PrivateKey); ok {
		ZeroBytes(*k)
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(perr, &missing) {
		return LoadIdentityFile(path, passphrase)
	}
	if missing.PublicKey != nil {
		if pub, err := publicKeyFromSSH(missing.PublicKey); err == nil {
			if id, err := a.Identity(pub); err == nil {
				id.Comment = filepath.Base(path)
				logger.WithField("fingerprint", FormatFingerprint(pub[:])).
					Debug("Using identity held by ssh-agent")
				return id, nil
			}
		}
	}

	id, err := LoadIdentityFile(path, passphrase)
	if err != nil {
		return nil, err
	}
	if err := a.Add(id, 0); err != nil {
		logger.WithError(err, "agent").Warn("Could not add identity to ssh-agent")
	} else {
		logger.Info("Added identity to ssh-agent")
	}
	return id, nil
}
