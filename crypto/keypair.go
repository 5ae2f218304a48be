// Package crypto implements the cryptographic primitives of the asciichat
// session handshake.
//
// This package handles ephemeral key generation, key agreement, identity
// signatures, password-bound authentication and record encryption using the
// NaCl and Noise cipher implementations from golang.org/x/crypto and
// github.com/flynn/noise.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Ephemeral key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size of X25519 public keys, private keys and shared secrets.
const KeySize = 32

// ErrZeroKey indicates an all-zero key was supplied where real key material is required.
var ErrZeroKey = errors.New("invalid key: all zeros")

// KeyPair represents an X25519 key pair. asciichat only ever uses it for
// ephemeral, per-handshake key agreement.
//
//export AsciiChatKeyPair
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
//
//export AsciiChatGenerateKeyPair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	ZeroBytes(privateKey[:])
	return keyPair, nil
}

// FromSecretKey rebuilds a key pair from an existing private key by deriving
// the matching public key on the Curve25519 base point.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if IsZeroKey(secretKey) {
		return nil, ErrZeroKey
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// IsZeroKey checks if a key consists of all zeros.
func IsZeroKey(key [32]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
