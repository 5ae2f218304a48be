package crypto

import (
	"errors"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters. Both peers must agree on them, so they are part
// of the protocol and not tunable per host.
const (
	passwordTime    = 2
	passwordMemory  = 19 * 1024 // KiB
	passwordThreads = 1
	passwordKeyLen  = 32
)

// passwordSalt is fixed protocol-wide so client and server derive the same key
// from the same passphrase without an extra round trip.
var passwordSalt = func() []byte {
	salt := make([]byte, 32)
	copy(salt, "ascii-chat-password-salt-v1")
	return salt
}()

// ErrEmptyPassword indicates an empty passphrase was supplied.
var ErrEmptyPassword = errors.New("empty password")

// DerivePasswordKey stretches a passphrase into a 32-byte authentication key
// with Argon2id.
func DerivePasswordKey(password string) ([32]byte, error) {
	if password == "" {
		return [32]byte{}, ErrEmptyPassword
	}

	pw := []byte(password)
	defer ZeroBytes(pw)

	stretched := argon2.IDKey(pw, passwordSalt, passwordTime, passwordMemory, passwordThreads, passwordKeyLen)

	var key [32]byte
	copy(key[:], stretched)
	ZeroBytes(stretched)

	NewLogger("DerivePasswordKey").Debug("Password key derived")
	return key, nil
}
