package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/limits"
)

// Algorithm identifiers carried in CRYPTO_PARAMETERS.
const (
	KexX25519   uint8 = 0x01
	AuthNone    uint8 = 0x00
	AuthEd25519 uint8 = 0x01
)

// Capability bitmasks carried in CRYPTO_CAPABILITIES. Cipher bits come from
// crypto.CipherID.Mask.
const (
	KexMaskX25519   uint16 = 0x0001
	AuthMaskNone    uint16 = 0x0001
	AuthMaskEd25519 uint16 = 0x0002
)

// ChallengeFlags are the requirement bits of an AUTH_CHALLENGE.
type ChallengeFlags uint8

const (
	FlagPasswordRequired  ChallengeFlags = 0x01
	FlagClientKeyRequired ChallengeFlags = 0x02
)

// PasswordRequired reports whether the server demands a password proof.
func (f ChallengeFlags) PasswordRequired() bool { return f&FlagPasswordRequired != 0 }

// ClientKeyRequired reports whether the server demands an authorized client key.
func (f ChallengeFlags) ClientKeyRequired() bool { return f&FlagClientKeyRequired != 0 }

// ErrMalformed indicates a handshake payload with an unexpected size or layout.
var ErrMalformed = errors.New("malformed handshake message")

const (
	capabilitiesSize = 10
	parametersSize   = 18
	challengeSize    = 1 + crypto.ChallengeSize
)

// Capabilities is the client's CRYPTO_CAPABILITIES message.
//
// Wire format: [kex(2)][auth(2)][cipher(2)][requires_verification(1)]
// [preferred_kex(1)][preferred_auth(1)][preferred_cipher(1)]
type Capabilities struct {
	SupportedKex         uint16
	SupportedAuth        uint16
	SupportedCipher      uint16
	RequiresVerification bool
	PreferredKex         uint8
	PreferredAuth        uint8
	PreferredCipher      crypto.CipherID
}

// LocalCapabilities describes what this build supports.
func LocalCapabilities(preferred crypto.CipherID, requireVerification bool) Capabilities {
	if preferred == 0 {
		preferred = crypto.CipherXSalsa20Poly1305
	}
	return Capabilities{
		SupportedKex:         KexMaskX25519,
		SupportedAuth:        AuthMaskNone | AuthMaskEd25519,
		SupportedCipher:      crypto.SupportedCipherMask(),
		RequiresVerification: requireVerification,
		PreferredKex:         KexX25519,
		PreferredAuth:        AuthEd25519,
		PreferredCipher:      preferred,
	}
}

func (c Capabilities) Marshal() []byte {
	b := make([]byte, capabilitiesSize)
	binary.BigEndian.PutUint16(b[0:2], c.SupportedKex)
	binary.BigEndian.PutUint16(b[2:4], c.SupportedAuth)
	binary.BigEndian.PutUint16(b[4:6], c.SupportedCipher)
	b[6] = boolByte(c.RequiresVerification)
	b[7] = c.PreferredKex
	b[8] = c.PreferredAuth
	b[9] = uint8(c.PreferredCipher)
	return b
}

// ParseCapabilities decodes a CRYPTO_CAPABILITIES payload.
func ParseCapabilities(b []byte) (Capabilities, error) {
	if len(b) != capabilitiesSize {
		return Capabilities{}, fmt.Errorf("%w: capabilities size %d, want %d", ErrMalformed, len(b), capabilitiesSize)
	}
	return Capabilities{
		SupportedKex:         binary.BigEndian.Uint16(b[0:2]),
		SupportedAuth:        binary.BigEndian.Uint16(b[2:4]),
		SupportedCipher:      binary.BigEndian.Uint16(b[4:6]),
		RequiresVerification: b[6] != 0,
		PreferredKex:         b[7],
		PreferredAuth:        b[8],
		PreferredCipher:      crypto.CipherID(b[9]),
	}, nil
}

// ParametersMessage is the server's CRYPTO_PARAMETERS message.
//
// Wire format: [kex(1)][auth(1)][cipher(1)][verification(1)][kex_key(2)]
// [auth_key(2)][sig(2)][secret(2)][nonce(1)][mac(1)][hmac(1)][reserved(3)]
type ParametersMessage struct {
	SelectedKex  uint8
	SelectedAuth uint8
	Params       crypto.Parameters
}

func (m ParametersMessage) Marshal() []byte {
	p := m.Params
	b := make([]byte, parametersSize)
	b[0] = m.SelectedKex
	b[1] = m.SelectedAuth
	b[2] = uint8(p.Cipher)
	b[3] = boolByte(p.VerificationEnabled)
	binary.BigEndian.PutUint16(b[4:6], p.KexPublicKeySize)
	binary.BigEndian.PutUint16(b[6:8], p.AuthPublicKeySize)
	binary.BigEndian.PutUint16(b[8:10], p.SignatureSize)
	binary.BigEndian.PutUint16(b[10:12], p.SharedSecretSize)
	b[12] = p.NonceSize
	b[13] = p.MACSize
	b[14] = p.HMACSize
	return b
}

// ParseParameters decodes a CRYPTO_PARAMETERS payload. The challenge size is
// not negotiated and is always crypto.ChallengeSize.
func ParseParameters(b []byte) (ParametersMessage, error) {
	if len(b) != parametersSize {
		return ParametersMessage{}, fmt.Errorf("%w: parameters size %d, want %d", ErrMalformed, len(b), parametersSize)
	}
	return ParametersMessage{
		SelectedKex:  b[0],
		SelectedAuth: b[1],
		Params: crypto.Parameters{
			Cipher:              crypto.CipherID(b[2]),
			VerificationEnabled: b[3] != 0,
			KexPublicKeySize:    binary.BigEndian.Uint16(b[4:6]),
			AuthPublicKeySize:   binary.BigEndian.Uint16(b[6:8]),
			SignatureSize:       binary.BigEndian.Uint16(b[8:10]),
			SharedSecretSize:    binary.BigEndian.Uint16(b[10:12]),
			NonceSize:           b[12],
			MACSize:             b[13],
			HMACSize:            b[14],
			ChallengeSize:       crypto.ChallengeSize,
		},
	}, nil
}

// KeyExchange is a KEY_EXCHANGE_INIT or KEY_EXCHANGE_RESP message.
//
// Simple shape: [ephemeral(kex)]
// Authenticated shape: [ephemeral(kex)][identity(auth)][signature(sig)]
// optionally followed by [key_id_len(1)][key_id(0..40)]
type KeyExchange struct {
	Ephemeral [crypto.KeySize]byte
	Identity  *[crypto.IdentityKeySize]byte
	Signature crypto.Signature
	KeyID     string
}

// NewKeyExchange builds the local message. With an identity the ephemeral
// key is signed by it; the signature never covers the peer's key.
func NewKeyExchange(ephemeral [crypto.KeySize]byte, id *crypto.Identity, keyID string) (*KeyExchange, error) {
	kx := &KeyExchange{Ephemeral: ephemeral}
	if id == nil {
		return kx, nil
	}
	if err := limits.ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	sig, err := id.Sign(ephemeral[:])
	if err != nil {
		return nil, err
	}
	pub := id.PublicKey()
	kx.Identity = &pub
	kx.Signature = sig
	kx.KeyID = keyID
	return kx, nil
}

// Authenticated reports whether the message carries an identity.
func (k *KeyExchange) Authenticated() bool { return k.Identity != nil }

// VerifySignature checks the identity's signature over the ephemeral key.
func (k *KeyExchange) VerifySignature() (bool, error) {
	if k.Identity == nil {
		return false, nil
	}
	return crypto.Verify(k.Ephemeral[:], k.Signature, *k.Identity)
}

// Marshal encodes the message with sizes taken from p.
func (k *KeyExchange) Marshal(p crypto.Parameters) ([]byte, error) {
	kex := int(p.KexPublicKeySize)
	if kex != crypto.KeySize {
		return nil, fmt.Errorf("%w: kex size %d", ErrMalformed, kex)
	}
	if k.Identity == nil {
		out := make([]byte, kex)
		copy(out, k.Ephemeral[:])
		return out, nil
	}
	if err := limits.ValidateKeyID(k.KeyID); err != nil {
		return nil, err
	}

	out := make([]byte, 0, authenticatedSize(p)+1+len(k.KeyID))
	out = append(out, k.Ephemeral[:]...)
	out = append(out, k.Identity[:]...)
	out = append(out, k.Signature[:]...)
	if k.KeyID != "" {
		out = append(out, byte(len(k.KeyID)))
		out = append(out, k.KeyID...)
	}
	return out, nil
}

func authenticatedSize(p crypto.Parameters) int {
	return int(p.KexPublicKeySize) + int(p.AuthPublicKeySize) + int(p.SignatureSize)
}

// ParseKeyExchange decodes a key-exchange payload. Accepted lengths are the
// simple size, the authenticated size, and the authenticated size plus a
// key-id block whose length byte matches the remaining bytes exactly.
func ParseKeyExchange(p crypto.Parameters, b []byte) (*KeyExchange, error) {
	kex := int(p.KexPublicKeySize)
	auth := authenticatedSize(p)
	if kex != crypto.KeySize || int(p.AuthPublicKeySize) != crypto.IdentityKeySize || int(p.SignatureSize) != crypto.SignatureSize {
		return nil, fmt.Errorf("%w: unsupported key exchange sizes", ErrMalformed)
	}

	kx := &KeyExchange{}
	switch {
	case len(b) == kex:
		copy(kx.Ephemeral[:], b)
		return kx, nil
	case len(b) == auth:
	case len(b) > auth:
		n := int(b[auth])
		if n > limits.MaxKeyIDLength || len(b) != auth+1+n {
			return nil, fmt.Errorf("%w: key exchange size %d with key id length %d", ErrMalformed, len(b), n)
		}
		kx.KeyID = string(b[auth+1:])
	default:
		return nil, fmt.Errorf("%w: key exchange size %d, want %d or %d", ErrMalformed, len(b), kex, auth)
	}

	copy(kx.Ephemeral[:], b[:kex])
	var id [crypto.IdentityKeySize]byte
	copy(id[:], b[kex:kex+crypto.IdentityKeySize])
	kx.Identity = &id
	copy(kx.Signature[:], b[kex+crypto.IdentityKeySize:auth])
	return kx, nil
}

// AuthChallenge is the server's AUTH_CHALLENGE: [flags(1)][nonce(32)].
type AuthChallenge struct {
	Flags ChallengeFlags
	Nonce [crypto.ChallengeSize]byte
}

func (c AuthChallenge) Marshal() []byte {
	b := make([]byte, challengeSize)
	b[0] = byte(c.Flags)
	copy(b[1:], c.Nonce[:])
	return b
}

// ParseAuthChallenge decodes an AUTH_CHALLENGE payload.
func ParseAuthChallenge(b []byte) (AuthChallenge, error) {
	if len(b) != challengeSize {
		return AuthChallenge{}, fmt.Errorf("%w: challenge size %d, want %d", ErrMalformed, len(b), challengeSize)
	}
	var c AuthChallenge
	c.Flags = ChallengeFlags(b[0])
	copy(c.Nonce[:], b[1:])
	return c, nil
}

// Method tells which proof an AUTH_RESPONSE carries.
type Method uint8

const (
	MethodPassword Method = iota + 1
	MethodKey
)

func (m Method) String() string {
	switch m {
	case MethodPassword:
		return "password"
	case MethodKey:
		return "key"
	default:
		return "none"
	}
}

// AuthResponse is the client's AUTH_RESPONSE.
//
// Password: [hmac(32)][client_nonce(32)]
// Key: [signature(64)][client_nonce(32)] optionally followed by [key_id_len(1)][key_id]
type AuthResponse struct {
	Method      Method
	HMAC        [crypto.HMACSize]byte
	Signature   crypto.Signature
	ClientNonce [crypto.ChallengeSize]byte
	KeyID       string
}

func (r *AuthResponse) Marshal() ([]byte, error) {
	switch r.Method {
	case MethodPassword:
		out := make([]byte, 0, crypto.HMACSize+crypto.ChallengeSize)
		out = append(out, r.HMAC[:]...)
		return append(out, r.ClientNonce[:]...), nil
	case MethodKey:
		if err := limits.ValidateKeyID(r.KeyID); err != nil {
			return nil, err
		}
		out := make([]byte, 0, crypto.SignatureSize+crypto.ChallengeSize+1+len(r.KeyID))
		out = append(out, r.Signature[:]...)
		out = append(out, r.ClientNonce[:]...)
		if r.KeyID != "" {
			out = append(out, byte(len(r.KeyID)))
			out = append(out, r.KeyID...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: no authentication method", ErrMalformed)
	}
}

// ParseAuthResponse decodes an AUTH_RESPONSE payload using sizes from p.
func ParseAuthResponse(p crypto.Parameters, b []byte) (*AuthResponse, error) {
	hmacLen := int(p.HMACSize) + crypto.ChallengeSize
	keyLen := int(p.SignatureSize) + crypto.ChallengeSize

	r := &AuthResponse{}
	switch {
	case len(b) == hmacLen:
		r.Method = MethodPassword
		copy(r.HMAC[:], b[:p.HMACSize])
		copy(r.ClientNonce[:], b[p.HMACSize:])
		return r, nil
	case len(b) == keyLen:
	case len(b) > keyLen:
		n := int(b[keyLen])
		if n > limits.MaxKeyIDLength || len(b) != keyLen+1+n {
			return nil, fmt.Errorf("%w: auth response size %d with key id length %d", ErrMalformed, len(b), n)
		}
		r.KeyID = string(b[keyLen+1:])
	default:
		return nil, fmt.Errorf("%w: auth response size %d, want %d or %d", ErrMalformed, len(b), hmacLen, keyLen)
	}
	r.Method = MethodKey
	copy(r.Signature[:], b[:p.SignatureSize])
	copy(r.ClientNonce[:], b[p.SignatureSize:keyLen])
	return r, nil
}

// AuthFailed is the server's AUTH_FAILED: [reasons(4)][message].
type AuthFailed struct {
	Reasons AuthReason
	Message string
}

func (f AuthFailed) Marshal() []byte {
	msg := limits.TruncateAuthMessage(f.Message)
	b := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(b[0:4], uint32(f.Reasons))
	copy(b[4:], msg)
	return b
}

// ParseAuthFailed decodes an AUTH_FAILED payload. Messages longer than the
// limit are truncated.
func ParseAuthFailed(b []byte) (AuthFailed, error) {
	if len(b) < 4 {
		return AuthFailed{}, fmt.Errorf("%w: auth failed size %d", ErrMalformed, len(b))
	}
	return AuthFailed{
		Reasons: AuthReason(binary.BigEndian.Uint32(b[0:4])),
		Message: limits.TruncateAuthMessage(string(b[4:])),
	}, nil
}

// ParseServerAuthResp decodes the server's mutual-authentication proof.
func ParseServerAuthResp(p crypto.Parameters, b []byte) ([]byte, error) {
	if len(b) != int(p.HMACSize) {
		return nil, fmt.Errorf("%w: server auth size %d, want %d", ErrMalformed, len(b), p.HMACSize)
	}
	return b, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
