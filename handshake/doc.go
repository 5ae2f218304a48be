// Package handshake establishes authenticated, encrypted asciichat sessions.
//
// A handshake runs sequentially on one transport:
//
//	client                               server
//	CRYPTO_CAPABILITIES       ------>
//	                          <------    CRYPTO_PARAMETERS
//	                          <------    KEY_EXCHANGE_INIT
//	KEY_EXCHANGE_RESP         ------>
//	                          <------    AUTH_CHALLENGE | HANDSHAKE_COMPLETE
//	AUTH_RESPONSE             ------>
//	                          <------    SERVER_AUTH_RESP | AUTH_FAILED
//
// Both sides derive the shared secret from ephemeral X25519 keys only.
// Long-term Ed25519 identities sign the ephemeral keys and, on the client,
// the server's challenge. Passwords never leave the host: the client proves
// knowledge with an HMAC keyed by the Argon2id password key, and the server
// answers with its own HMAC over the client's nonce.
//
// Every failure is an *Error carrying a Kind. Use errors.Is with the kind
// sentinels:
//
//	sess, err := handshake.RunClient(ctx, tr, cfg)
//	if errors.Is(err, handshake.ErrCryptoVerification) {
//		// server identity changed or its signature is bad; never retry
//	}
//
// Known-hosts decisions are delegated to a HostVerifier, and password
// prompts to a PasswordPrompter, so the state machine runs without a TTY.
package handshake
