package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the lowercase hex SHA-256 digest of a public key.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint renders a key fingerprint the way it is shown to users,
// e.g. "SHA256:9f86d08...".
func FormatFingerprint(key []byte) string {
	return "SHA256:" + Fingerprint(key)
}
