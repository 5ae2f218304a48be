package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/flynn/noise"
	"github.com/opd-ai/asciichat/limits"
)

// CipherID identifies a record cipher on the wire.
type CipherID uint8

const (
	// CipherXSalsa20Poly1305 is NaCl secretbox with a random 24-byte nonce per record
	CipherXSalsa20Poly1305 CipherID = 1
	// CipherChaCha20Poly1305 is the Noise ChaChaPoly AEAD with an 8-byte record counter
	CipherChaCha20Poly1305 CipherID = 2
)

// SupportedCiphers lists the record ciphers in order of local preference.
var SupportedCiphers = []CipherID{CipherXSalsa20Poly1305, CipherChaCha20Poly1305}

var (
	// ErrUnsupportedCipher indicates a cipher id this build does not implement
	ErrUnsupportedCipher = errors.New("unsupported cipher")

	// ErrNoCommonCipher indicates capability negotiation found no shared cipher
	ErrNoCommonCipher = errors.New("no common cipher")

	// ErrReplay indicates a record nonce or counter was seen before
	ErrReplay = errors.New("replayed record")

	// ErrRecordTooShort indicates a record shorter than nonce plus tag
	ErrRecordTooShort = errors.New("record too short")

	// ErrCounterExhausted indicates the send counter would wrap; the session must rekey
	ErrCounterExhausted = errors.New("record counter exhausted")
)

// Mask returns the capability bit advertising this cipher.
func (c CipherID) Mask() uint16 {
	if c == 0 || c > 16 {
		return 0
	}
	return 1 << (c - 1)
}

// NonceSize returns the number of nonce bytes prefixed to each record.
func (c CipherID) NonceSize() int {
	switch c {
	case CipherXSalsa20Poly1305:
		return NonceSize
	case CipherChaCha20Poly1305:
		return 8
	default:
		return 0
	}
}

// String returns the cipher name.
func (c CipherID) String() string {
	switch c {
	case CipherXSalsa20Poly1305:
		return "xsalsa20-poly1305"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return fmt.Sprintf("cipher(%d)", uint8(c))
	}
}

// ParseCipherID maps a configured cipher name to its id.
func ParseCipherID(name string) (CipherID, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "xsalsa20-poly1305", "xsalsa20poly1305":
		return CipherXSalsa20Poly1305, nil
	case "chacha20-poly1305", "chacha20poly1305", "chachapoly":
		return CipherChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, name)
	}
}

// SupportedCipherMask returns the capability bitmask for SupportedCiphers.
func SupportedCipherMask() uint16 {
	var mask uint16
	for _, c := range SupportedCiphers {
		mask |= c.Mask()
	}
	return mask
}

// NegotiateCipher selects the cipher for a session. The peer's preference
// wins when both sides support it, otherwise the first locally preferred
// cipher the peer advertises is used.
func NegotiateCipher(peerMask uint16, peerPreferred CipherID) (CipherID, error) {
	if peerPreferred.Mask()&peerMask != 0 && isSupported(peerPreferred) {
		return peerPreferred, nil
	}
	for _, c := range SupportedCiphers {
		if peerMask&c.Mask() != 0 {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: peer mask %#04x", ErrNoCommonCipher, peerMask)
}

func isSupported(id CipherID) bool {
	for _, c := range SupportedCiphers {
		if c == id {
			return true
		}
	}
	return false
}

// RecordCipher seals and opens application records with directional keys.
// A record is nonce || ciphertext || tag. Implementations are safe for one
// concurrent sender and one concurrent receiver.
type RecordCipher interface {
	ID() CipherID
	Seal(plaintext []byte) ([]byte, error)
	Open(record []byte) ([]byte, error)
	Wipe()
}

// NewRecordCipher builds the record cipher for id from directional keys.
func NewRecordCipher(id CipherID, keys *SessionKeys) (RecordCipher, error) {
	if keys == nil {
		return nil, errors.New("nil session keys")
	}
	switch id {
	case CipherXSalsa20Poly1305:
		return &secretboxCipher{
			send:   keys.Send,
			recv:   keys.Recv,
			replay: NewNonceStore(DefaultReplayCapacity, DefaultReplayWindow, nil),
		}, nil
	case CipherChaCha20Poly1305:
		return &chachaCipher{
			sendKey: keys.Send,
			recvKey: keys.Recv,
			send:    noise.CipherChaChaPoly.Cipher(keys.Send),
			recv:    noise.CipherChaChaPoly.Cipher(keys.Recv),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCipher, id)
	}
}

type secretboxCipher struct {
	send   [32]byte
	recv   [32]byte
	replay *NonceStore
}

func (c *secretboxCipher) ID() CipherID { return CipherXSalsa20Poly1305 }

func (c *secretboxCipher) Seal(plaintext []byte) ([]byte, error) {
	if err := limits.ValidateRecordPlaintext(plaintext); err != nil {
		return nil, err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed, err := EncryptSymmetric(plaintext, nonce, c.send)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce[:]...)
	return append(out, sealed...), nil
}

func (c *secretboxCipher) Open(record []byte) ([]byte, error) {
	if len(record) < NonceSize+limits.RecordOverhead {
		return nil, ErrRecordTooShort
	}
	var nonce Nonce
	copy(nonce[:], record[:NonceSize])

	plaintext, err := DecryptSymmetric(record[NonceSize:], nonce, c.recv)
	if err != nil {
		return nil, err
	}
	if !c.replay.CheckAndStore(nonce) {
		ZeroBytes(plaintext)
		return nil, ErrReplay
	}
	return plaintext, nil
}

func (c *secretboxCipher) Wipe() {
	ZeroBytes(c.send[:])
	ZeroBytes(c.recv[:])
}

type chachaCipher struct {
	sendKey [32]byte
	recvKey [32]byte

	sendMu  sync.Mutex
	send    noise.Cipher
	counter uint64

	recv   noise.Cipher
	window CounterWindow
}

func (c *chachaCipher) ID() CipherID { return CipherChaCha20Poly1305 }

func (c *chachaCipher) Seal(plaintext []byte) ([]byte, error) {
	if err := limits.ValidateRecordPlaintext(plaintext); err != nil {
		return nil, err
	}

	c.sendMu.Lock()
	if c.counter == math.MaxUint64 {
		c.sendMu.Unlock()
		return nil, ErrCounterExhausted
	}
	n := c.counter
	c.counter++
	c.sendMu.Unlock()

	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], n)

	out := make([]byte, 8, 8+len(plaintext)+limits.RecordOverhead)
	copy(out, hdr[:])
	return c.send.Encrypt(out, n, hdr[:], plaintext), nil
}

func (c *chachaCipher) Open(record []byte) ([]byte, error) {
	if len(record) < 8+limits.RecordOverhead {
		return nil, ErrRecordTooShort
	}
	var hdr [8]byte
	copy(hdr[:], record[:8])
	n := binary.BigEndian.Uint64(hdr[:])
	if !c.window.Check(n) {
		return nil, ErrReplay
	}

	plaintext, err := c.recv.Decrypt(nil, n, hdr[:], record[8:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	c.window.Commit(n)
	return plaintext, nil
}

func (c *chachaCipher) Wipe() {
	ZeroBytes(c.sendKey[:])
	ZeroBytes(c.recvKey[:])
}
