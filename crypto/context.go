package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrKeyExchangeIncomplete indicates an operation that needs the shared secret ran too early
	ErrKeyExchangeIncomplete = errors.New("key exchange not complete")

	// ErrKeyExchangeDone indicates a second attempt to derive the shared secret
	ErrKeyExchangeDone = errors.New("key exchange already complete")

	// ErrNotReady indicates the record layer was used before the handshake finished
	ErrNotReady = errors.New("session not ready")

	// ErrContextWiped indicates the context was already destroyed
	ErrContextWiped = errors.New("crypto context wiped")
)

// Parameters are the sizes and algorithms negotiated for one session. Every
// size check during the handshake reads from here rather than from literals.
type Parameters struct {
	Cipher              CipherID
	VerificationEnabled bool
	KexPublicKeySize    uint16
	AuthPublicKeySize   uint16
	SignatureSize       uint16
	SharedSecretSize    uint16
	NonceSize           uint8
	MACSize             uint8
	HMACSize            uint8
	ChallengeSize       uint8
}

// DefaultParameters returns the X25519 / Ed25519 / XSalsa20-Poly1305 parameter set.
func DefaultParameters() Parameters {
	return ParametersFor(CipherXSalsa20Poly1305)
}

// ParametersFor returns the parameter set for the given record cipher.
func ParametersFor(cipher CipherID) Parameters {
	return Parameters{
		Cipher:            cipher,
		KexPublicKeySize:  KeySize,
		AuthPublicKeySize: IdentityKeySize,
		SignatureSize:     SignatureSize,
		SharedSecretSize:  KeySize,
		NonceSize:         uint8(cipher.NonceSize()),
		MACSize:           16,
		HMACSize:          HMACSize,
		ChallengeSize:     ChallengeSize,
	}
}

// Validate checks that the parameters describe algorithms this package implements.
func (p Parameters) Validate() error {
	if p.KexPublicKeySize != KeySize || p.SharedSecretSize != KeySize {
		return fmt.Errorf("unsupported key exchange sizes: public=%d secret=%d", p.KexPublicKeySize, p.SharedSecretSize)
	}
	if p.AuthPublicKeySize != IdentityKeySize || p.SignatureSize != SignatureSize {
		return fmt.Errorf("unsupported signature sizes: key=%d sig=%d", p.AuthPublicKeySize, p.SignatureSize)
	}
	if p.HMACSize != HMACSize || p.MACSize != 16 {
		return fmt.Errorf("unsupported mac sizes: hmac=%d mac=%d", p.HMACSize, p.MACSize)
	}
	if int(p.NonceSize) != p.Cipher.NonceSize() || p.NonceSize == 0 {
		return fmt.Errorf("%w: %s with nonce size %d", ErrUnsupportedCipher, p.Cipher, p.NonceSize)
	}
	return nil
}

// Context is the per-connection cryptographic state. Each connection owns
// exactly one; nothing here is process-wide.
//
// The shared secret exists only after CompleteKeyExchange, is derived at
// most once per handshake and is wiped by Wipe.
type Context struct {
	mu sync.RWMutex

	role   Role
	params Parameters

	local       *KeyPair
	peerPublic  [32]byte
	havePeerKey bool

	shared              [32]byte
	keyExchangeComplete bool
	keys                *SessionKeys
	cipher              RecordCipher
	previous            RecordCipher

	passwordKey [32]byte
	hasPassword bool

	ready              bool
	encryptionRequired bool
	wiped              bool

	rekey *rekeyState
}

// NewContext creates a context for one handshake with a fresh ephemeral key pair.
func NewContext(role Role) (*Context, error) {
	local, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return &Context{
		role:               role,
		params:             DefaultParameters(),
		local:              local,
		encryptionRequired: true,
		rekey:              newRekeyState(),
	}, nil
}

// Role returns which side of the connection this context belongs to.
func (c *Context) Role() Role { return c.role }

// Parameters returns the negotiated session parameters.
func (c *Context) Parameters() Parameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// SetParameters installs negotiated parameters. They are frozen once the
// shared secret exists.
func (c *Context) SetParameters(p Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keyExchangeComplete {
		return ErrKeyExchangeDone
	}
	c.params = p
	return nil
}

// LocalPublicKey returns this side's ephemeral public key.
func (c *Context) LocalPublicKey() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.local == nil {
		return [32]byte{}
	}
	return c.local.Public
}

// PeerPublicKey returns the peer's ephemeral public key once known.
func (c *Context) PeerPublicKey() ([32]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerPublic, c.havePeerKey
}

// SetPassword derives and stores the password key.
func (c *Context) SetPassword(password string) error {
	key, err := DerivePasswordKey(password)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ZeroBytes(c.passwordKey[:])
	c.passwordKey = key
	c.hasPassword = true
	return nil
}

// HasPassword reports whether a password key is installed.
func (c *Context) HasPassword() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasPassword
}

// CompleteKeyExchange records the peer's ephemeral key and derives the shared
// secret, session keys and record cipher. It succeeds at most once.
func (c *Context) CompleteKeyExchange(peerPublic [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return ErrContextWiped
	}
	if c.keyExchangeComplete {
		return ErrKeyExchangeDone
	}

	shared, err := DeriveSharedSecret(peerPublic, c.local.Private)
	if err != nil {
		return err
	}

	keys, err := DeriveSessionKeys(shared, c.role)
	if err != nil {
		ZeroBytes(shared[:])
		return err
	}

	cipher, err := NewRecordCipher(c.params.Cipher, keys)
	if err != nil {
		ZeroBytes(shared[:])
		keys.Wipe()
		return err
	}

	c.peerPublic = peerPublic
	c.havePeerKey = true
	c.shared = shared
	c.keys = keys
	c.cipher = cipher
	c.keyExchangeComplete = true

	NewLogger("CompleteKeyExchange").
		WithField("role", c.role.String()).
		WithField("cipher", c.params.Cipher.String()).
		Debug("Shared secret and session keys derived")
	return nil
}

// KeyExchangeComplete reports whether the shared secret has been derived.
func (c *Context) KeyExchangeComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyExchangeComplete
}

// authKey selects the HMAC key: the password key when the exchange is
// password-protected, else the shared secret.
func (c *Context) authKey(usePassword bool) ([32]byte, error) {
	if !c.keyExchangeComplete {
		return [32]byte{}, ErrKeyExchangeIncomplete
	}
	if usePassword {
		if !c.hasPassword {
			return [32]byte{}, ErrEmptyPassword
		}
		return c.passwordKey, nil
	}
	return c.shared, nil
}

// ComputeAuthResponse computes the authentication HMAC over nonce, bound to
// the shared secret.
func (c *Context) ComputeAuthResponse(nonce []byte, usePassword bool) ([HMACSize]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, err := c.authKey(usePassword)
	if err != nil {
		return [HMACSize]byte{}, err
	}
	return ComputeAuthHMAC(key, nonce, c.shared), nil
}

// VerifyAuthResponse checks a peer's authentication HMAC in constant time.
func (c *Context) VerifyAuthResponse(nonce, received []byte, usePassword bool) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, err := c.authKey(usePassword)
	if err != nil {
		return false, err
	}
	return VerifyAuthHMAC(key, nonce, c.shared, received), nil
}

// SessionCheck returns HMAC-SHA256(shared_secret, "ascii-chat session check").
// Two ends of a correctly established session report equal values, which
// lets tests and debug logs compare sessions without exposing the secret.
func (c *Context) SessionCheck() ([32]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.keyExchangeComplete {
		return [32]byte{}, ErrKeyExchangeIncomplete
	}
	mac := hmac.New(sha256.New, c.shared[:])
	mac.Write([]byte("ascii-chat session check"))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out, nil
}

// MarkReady opens the record layer. It requires a completed key exchange.
func (c *Context) MarkReady() error {
	c.mu.Lock()
	if !c.keyExchangeComplete {
		c.mu.Unlock()
		return ErrKeyExchangeIncomplete
	}
	c.ready = true
	c.mu.Unlock()

	c.rekey.markEstablished()
	return nil
}

// IsReady reports whether the record layer may be used.
func (c *Context) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// SetEncryptionRequired sets whether unencrypted application packets are a
// security violation once the session is ready. Defaults to true.
func (c *Context) SetEncryptionRequired(required bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encryptionRequired = required
}

// EncryptionRequired reports whether unencrypted application packets must be rejected.
func (c *Context) EncryptionRequired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encryptionRequired
}

// Seal encrypts an application record under the current send key.
func (c *Context) Seal(plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	cipher, ready := c.cipher, c.ready
	c.mu.RUnlock()
	if !ready || cipher == nil {
		return nil, ErrNotReady
	}
	out, err := cipher.Seal(plaintext)
	if err == nil {
		c.rekey.countRecord()
	}
	return out, err
}

// Open decrypts an application record. Directly after a rekey it also
// accepts records the peer sealed under the previous keys, until the first
// record under the new keys arrives.
func (c *Context) Open(record []byte) ([]byte, error) {
	c.mu.RLock()
	cipher, previous, ready := c.cipher, c.previous, c.ready
	c.mu.RUnlock()
	if !ready || cipher == nil {
		return nil, ErrNotReady
	}

	plaintext, err := cipher.Open(record)
	if err == nil {
		if previous != nil {
			c.mu.Lock()
			if c.previous == previous {
				c.previous = nil
			}
			c.mu.Unlock()
			previous.Wipe()
		}
		return plaintext, nil
	}
	if previous != nil && errors.Is(err, ErrDecryptionFailed) {
		if pt, perr := previous.Open(record); perr == nil {
			return pt, nil
		}
	}
	return nil, err
}

// Wipe destroys all key material. The context cannot be used afterwards.
func (c *Context) Wipe() {
	c.rekey.wipe()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return
	}
	if c.local != nil {
		_ = WipeKeyPair(c.local)
	}
	ZeroBytes(c.shared[:])
	ZeroBytes(c.passwordKey[:])
	c.keys.Wipe()
	if c.cipher != nil {
		c.cipher.Wipe()
	}
	if c.previous != nil {
		c.previous.Wipe()
	}
	c.cipher = nil
	c.previous = nil
	c.ready = false
	c.wiped = true
}
