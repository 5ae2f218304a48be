// Package limits provides centralized size limits for the asciichat wire protocol.
// This ensures consistent validation across the codec, the crypto layer and the handshake.
package limits

import (
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed size of a packet header on the wire
	// magic(4) + type(2) + length(4) + sequence_or_flags(4) + crc32(4)
	HeaderSize = 18

	// MaxPacketSize is the absolute maximum payload accepted by the codec (5MB)
	// This bounds memory use for any single untrusted frame
	MaxPacketSize = 5 * 1024 * 1024

	// MaxEncryptedPacketSize bounds the plaintext carried inside one encrypted record (64KB)
	MaxEncryptedPacketSize = 64 * 1024

	// RecordOverhead is the Poly1305 tag added by both record ciphers
	RecordOverhead = 16 // golang.org/x/crypto/nacl/secretbox.Overhead

	// MaxAuthFailedMessage is the longest human-readable reason carried by AUTH_FAILED
	MaxAuthFailedMessage = 256

	// MaxKeyIDLength is the longest optional key identifier hint (a full 40-char fingerprint)
	MaxKeyIDLength = 40
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrKeyIDTooLong indicates a key identifier hint exceeds MaxKeyIDLength
	ErrKeyIDTooLong = errors.New("key id too long")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePayloadLength checks a declared payload length against MaxPacketSize.
// Empty payloads are valid on the wire (HANDSHAKE_COMPLETE carries none).
func ValidatePayloadLength(length int) error {
	if length < 0 || length > MaxPacketSize {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, length, MaxPacketSize)
	}
	return nil
}

// ValidateRecordPlaintext validates the plaintext of an encrypted record against
// MaxEncryptedPacketSize.
func ValidateRecordPlaintext(plaintext []byte) error {
	if len(plaintext) == 0 {
		return ErrMessageEmpty
	}
	if len(plaintext) > MaxEncryptedPacketSize {
		return fmt.Errorf("%w: record size %d exceeds limit %d", ErrMessageTooLarge, len(plaintext), MaxEncryptedPacketSize)
	}
	return nil
}

// ValidateKeyID validates an optional key identifier hint. An empty id is allowed.
func ValidateKeyID(keyID string) error {
	if len(keyID) > MaxKeyIDLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrKeyIDTooLong, len(keyID), MaxKeyIDLength)
	}
	return nil
}

// TruncateAuthMessage clips a failure message to MaxAuthFailedMessage bytes.
func TruncateAuthMessage(message string) string {
	if len(message) <= MaxAuthFailedMessage {
		return message
	}
	return message[:MaxAuthFailedMessage]
}
