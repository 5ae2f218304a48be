package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptionFailed indicates a record failed authentication.
var ErrDecryptionFailed = errors.New("decryption failed: message authentication failed")

// DecryptSymmetric decrypts a message using a symmetric key.
//
//export AsciiChatDecryptSymmetric
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) < secretbox.Overhead {
		return nil, errors.New("ciphertext too short")
	}

	out, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return out, nil
}
