package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// IdentityKeySize is the size of an Ed25519 public identity key in bytes.
const IdentityKeySize = ed25519.PublicKeySize

var (
	// ErrInvalidSignature indicates an Ed25519 signature did not verify
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNoIdentity indicates an operation needed an identity key but none is loaded
	ErrNoIdentity = errors.New("no identity key")
)

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// Identity is a long-lived Ed25519 signing key. It proves durable identity
// during the handshake and is never used for key agreement.
//
//export AsciiChatIdentity
type Identity struct {
	private ed25519.PrivateKey
	public  [IdentityKeySize]byte

	// signer holds the key when it lives in ssh-agent; private is then nil
	signer ssh.Signer

	// Comment is the free-form label carried by the key file (e.g. user@host)
	Comment string

	// KeyID is an optional identifier hint sent alongside signatures (0..40 bytes)
	KeyID string
}

// GenerateIdentity creates a new random Ed25519 identity.
//
//export AsciiChatGenerateIdentity
func GenerateIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	return NewIdentity(priv)
}

// NewIdentity wraps an existing Ed25519 private key.
func NewIdentity(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	id := &Identity{private: make(ed25519.PrivateKey, ed25519.PrivateKeySize)}
	copy(id.private, priv)
	copy(id.public[:], priv.Public().(ed25519.PublicKey))
	return id, nil
}

// IdentityFromSeed derives an identity deterministically from a 32-byte seed.
func IdentityFromSeed(seed [32]byte) (*Identity, error) {
	if IsZeroKey(seed) {
		return nil, ErrZeroKey
	}
	return NewIdentity(ed25519.NewKeyFromSeed(seed[:]))
}

// PublicKey returns the 32-byte public identity key.
func (id *Identity) PublicKey() [IdentityKeySize]byte {
	return id.public
}

// PrivateKey exposes the underlying Ed25519 private key for serialization.
// It is nil for agent-backed identities.
func (id *Identity) PrivateKey() ed25519.PrivateKey {
	return id.private
}

// Sign creates an Ed25519 signature over message, locally or through
// ssh-agent for agent-backed identities.
func (id *Identity) Sign(message []byte) (Signature, error) {
	if id == nil || (len(id.private) == 0 && id.signer == nil) {
		return Signature{}, ErrNoIdentity
	}
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	var signature Signature
	if id.signer == nil {
		copy(signature[:], ed25519.Sign(id.private, message))
		return signature, nil
	}

	sig, err := id.signer.Sign(rand.Reader, message)
	if err != nil {
		return Signature{}, fmt.Errorf("ssh-agent signing failed: %w", err)
	}
	if sig.Format != ssh.KeyAlgoED25519 || len(sig.Blob) != SignatureSize {
		return Signature{}, fmt.Errorf("%w: agent returned %s signature of %d bytes",
			ErrInvalidSignature, sig.Format, len(sig.Blob))
	}
	copy(signature[:], sig.Blob)
	return signature, nil
}

// AgentBacked reports whether signing is delegated to ssh-agent.
func (id *Identity) AgentBacked() bool {
	return id != nil && id.signer != nil
}

// Wipe erases the private key material. The identity is unusable afterwards.
func (id *Identity) Wipe() {
	if id == nil {
		return
	}
	ZeroBytes(id.private)
	id.private = nil
	id.signer = nil
}

// Verify checks if a signature is valid for a message and public key.
//
//export AsciiChatVerify
func Verify(message []byte, signature Signature, publicKey [IdentityKeySize]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}
	if IsZeroKey(publicKey) {
		return false, ErrZeroKey
	}

	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}
