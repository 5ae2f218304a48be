package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/opd-ai/asciichat/limits"
	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the size of an XSalsa20 nonce.
const NonceSize = 24

// Nonce is a 24-byte value used for encryption.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// EncryptSymmetric encrypts a message using a symmetric key.
//
//export AsciiChatEncryptSymmetric
func EncryptSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}

	if len(message) > limits.MaxEncryptedPacketSize {
		return nil, errors.New("message too large")
	}

	// secretbox provides both confidentiality and integrity protection
	out := secretbox.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&key))

	return out, nil
}
