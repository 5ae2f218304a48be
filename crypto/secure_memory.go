package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// ErrNilSecret indicates a wipe was requested on missing key material
var ErrNilSecret = errors.New("nothing to wipe")

// SecureWipe overwrites secret with zeros. A nil slice is ErrNilSecret; an
// empty one is a no-op.
func SecureWipe(secret []byte) error {
	if secret == nil {
		return ErrNilSecret
	}
	for i := range secret {
		secret[i] = 0
	}
	runtime.KeepAlive(secret)
	return nil
}

// ZeroBytes is SecureWipe for callers that hold no error path.
func ZeroBytes(secret []byte) {
	_ = SecureWipe(secret)
}

// WipeKeyPair zeros the private half of an ephemeral key pair. The public
// half stays readable for logging and equality checks.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNilSecret
	}
	return SecureWipe(kp.Private[:])
}

// ConstantTimeEqual reports whether a and b hold the same bytes without an
// early exit on the first difference.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
