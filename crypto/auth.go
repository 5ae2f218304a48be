package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// HMACSize is the size of an HMAC-SHA256 tag.
const HMACSize = sha256.Size

// ChallengeSize is the size of authentication challenge nonces.
const ChallengeSize = 32

// GenerateChallenge creates a random authentication challenge nonce.
func GenerateChallenge() ([ChallengeSize]byte, error) {
	var nonce [ChallengeSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return nonce, nil
}

// ComputeAuthHMAC computes HMAC-SHA256(authKey, nonce || sharedSecret).
//
// The shared secret ties the proof to this connection's key agreement.
func ComputeAuthHMAC(authKey [32]byte, nonce []byte, sharedSecret [32]byte) [HMACSize]byte {
	mac := hmac.New(sha256.New, authKey[:])
	mac.Write(nonce)
	mac.Write(sharedSecret[:])

	var out [HMACSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// VerifyAuthHMAC recomputes the expected tag and compares it to received in
// constant time. The comparison never returns early on the first differing
// byte.
func VerifyAuthHMAC(authKey [32]byte, nonce []byte, sharedSecret [32]byte, received []byte) bool {
	expected := ComputeAuthHMAC(authKey, nonce, sharedSecret)
	defer ZeroBytes(expected[:])
	return hmac.Equal(expected[:], received)
}
