package handshake

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a handshake failure.
type Kind uint8

const (
	KindInvalidParam Kind = iota + 1
	KindInvalidState
	KindNetworkProtocol
	KindCrypto
	KindCryptoVerification
	KindCryptoAuth
	KindNetwork
	KindTimeout
	KindConfig
	KindMemory
)

var kindNames = map[Kind]string{
	KindInvalidParam:       "invalid_param",
	KindInvalidState:       "invalid_state",
	KindNetworkProtocol:    "network_protocol",
	KindCrypto:             "crypto",
	KindCryptoVerification: "crypto_verification",
	KindCryptoAuth:         "crypto_auth",
	KindNetwork:            "network",
	KindTimeout:            "timeout",
	KindConfig:             "config",
	KindMemory:             "memory",
}

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind_%d", uint8(k))
}

// Retryable reports whether re-running the whole handshake on a fresh
// transport may succeed. Verification and authentication failures never are.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkProtocol, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// Sentinels matching every Error of the corresponding kind with errors.Is.
var (
	ErrInvalidParam       = errors.New("invalid parameter")
	ErrInvalidState       = errors.New("invalid handshake state")
	ErrNetworkProtocol    = errors.New("protocol violation")
	ErrCrypto             = errors.New("crypto failure")
	ErrCryptoVerification = errors.New("peer verification failed")
	ErrCryptoAuth         = errors.New("authentication failed")
	ErrNetwork            = errors.New("network failure")
	ErrTimeout            = errors.New("handshake timeout")
	ErrConfig             = errors.New("invalid configuration")
	ErrMemory             = errors.New("allocation failure")
)

var kindSentinels = map[Kind]error{
	KindInvalidParam:       ErrInvalidParam,
	KindInvalidState:       ErrInvalidState,
	KindNetworkProtocol:    ErrNetworkProtocol,
	KindCrypto:             ErrCrypto,
	KindCryptoVerification: ErrCryptoVerification,
	KindCryptoAuth:         ErrCryptoAuth,
	KindNetwork:            ErrNetwork,
	KindTimeout:            ErrTimeout,
	KindConfig:             ErrConfig,
	KindMemory:             ErrMemory,
}

// Error is a failed handshake step.
type Error struct {
	Kind    Kind
	Op      string     // step that failed, e.g. "key_exchange"
	Err     error      // underlying cause
	Reasons AuthReason // set when the server sent AUTH_FAILED
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("handshake ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Reasons != 0 {
		b.WriteString(" (")
		b.WriteString(e.Reasons.Explain())
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Retryable reports whether the whole handshake may be retried.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a handshake error, or 0 when err is not one.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return 0
}

// AuthReason is the AUTH_FAILED reason bitmask.
type AuthReason uint32

const (
	ReasonPasswordRequired  AuthReason = 0x01
	ReasonPasswordIncorrect AuthReason = 0x02
	ReasonClientKeyRequired AuthReason = 0x04
	ReasonClientKeyRejected AuthReason = 0x08
	ReasonSignatureInvalid  AuthReason = 0x10
)

// Explain renders the reasons as actionable text for the user.
func (r AuthReason) Explain() string {
	var parts []string
	if r&ReasonPasswordIncorrect != 0 {
		parts = append(parts, "incorrect password")
	}
	if r&ReasonPasswordRequired != 0 {
		parts = append(parts, "server requires a password (use --password)")
	}
	if r&ReasonClientKeyRequired != 0 {
		parts = append(parts, "server requires an authorized client key (use --key)")
	}
	if r&ReasonClientKeyRejected != 0 {
		parts = append(parts, "client key is not in the server's authorized list")
	}
	if r&ReasonSignatureInvalid != 0 {
		parts = append(parts, "client signature is invalid")
	}
	if len(parts) == 0 {
		return "no reason given"
	}
	return strings.Join(parts, "; ")
}
