// Package crypto implements the per-connection cryptography of the asciichat
// session handshake.
//
// Every connection owns one [Context]. It holds the ephemeral X25519 key pair,
// the shared secret once derived, the negotiated [Parameters], an optional
// password key and the record cipher used after the handshake. Nothing in this
// package is process-wide apart from the default [TimeProvider].
//
// # Key Agreement
//
// Both peers generate an ephemeral key pair per connection and call
// [Context.CompleteKeyExchange] with the peer's public key. The shared secret
// is expanded with HKDF-SHA256 into directional record keys:
//
//	ctx, _ := crypto.NewContext(crypto.RoleClient)
//	_ = ctx.CompleteKeyExchange(serverEphemeral)
//	_ = ctx.MarkReady()
//	record, _ := ctx.Seal([]byte("hello"))
//
// # Identities
//
// Long-lived Ed25519 [Identity] keys sign the ephemeral key during the
// exchange. They are loaded from and written to OpenSSH key files
// ([LoadIdentityFile], [WriteIdentityFile]); expected peer identities are
// parsed with [ParsePublicKey] and [ParseKeyList].
//
// # Authentication
//
// Challenge responses are HMAC-SHA256(auth_key, nonce || shared_secret), where
// auth_key is either the Argon2id password key or the shared secret itself.
// Verification always uses constant-time comparison.
//
// # Record Layer
//
// Two record ciphers are available: NaCl secretbox with random nonces and a
// replay [NonceStore], and ChaCha20-Poly1305 with a strictly increasing
// counter ([CounterWindow]). Ready sessions rotate their keys with
// [Context.BeginRekey] and [Context.AcceptRekey].
//
// # Secure Memory
//
// Key material is wiped with [ZeroBytes] when no longer needed; [Context.Wipe]
// destroys everything a context holds.
package crypto
