package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/instrument"
	"github.com/opd-ai/asciichat/knownhosts"
	"github.com/opd-ai/asciichat/limits"
	"github.com/opd-ai/asciichat/transport"
)

// HostVerifier decides whether to trust the identity a server presented.
// *knownhosts.Verifier implements it.
type HostVerifier interface {
	Verify(host string, port uint16, identity *[crypto.IdentityKeySize]byte) (knownhosts.Decision, error)
}

// PasswordPrompter supplies a password when the server requires one and
// none is configured.
type PasswordPrompter func(ctx context.Context, server string) (string, error)

// ClientConfig configures the dialing side of a handshake.
type ClientConfig struct {
	// Identity is the optional long-term signing key.
	Identity *crypto.Identity
	// KeyID is an optional hint sent with the identity, at most 40 bytes.
	KeyID string

	Password         string
	PasswordPrompter PasswordPrompter

	// ExpectedServerKeys pins the server identity; any entry matches.
	ExpectedServerKeys [][crypto.IdentityKeySize]byte
	// HostVerifier consults the known-hosts store. Nil skips it.
	HostVerifier HostVerifier
	// ServerHost and ServerPort name the known-hosts entry. When unset they
	// are taken from the transport's remote address.
	ServerHost string
	ServerPort uint16

	PreferredCipher crypto.CipherID
	// NoEncryption declines the key exchange. Servers refuse such sessions.
	NoEncryption bool

	Timeout   time.Duration
	SessionID string
	Rekey     crypto.RekeyConfig
}

func (c *ClientConfig) validate() error {
	if err := limits.ValidateKeyID(c.KeyID); err != nil {
		return newError(KindInvalidParam, "config", err)
	}
	if c.PreferredCipher != 0 && c.PreferredCipher.Mask()&crypto.SupportedCipherMask() == 0 {
		return errorf(KindConfig, "config", "%w: %s", crypto.ErrUnsupportedCipher, c.PreferredCipher)
	}
	for _, k := range c.ExpectedServerKeys {
		if crypto.IsZeroKey(k) {
			return errorf(KindConfig, "config", "expected server key is all zeros")
		}
	}
	return nil
}

type clientRun struct {
	*run
	cfg *ClientConfig

	serverIdentity *[crypto.IdentityKeySize]byte
	hostDecision   knownhosts.Decision

	sentResponse bool
	usePassword  bool
	clientNonce  [crypto.ChallengeSize]byte
}

// RunClient performs the client side of the handshake over t. On success the
// transport carries the session's crypto context and the returned Session is
// Ready. Cancelling ctx closes t.
func RunClient(ctx context.Context, t transport.Transport, cfg ClientConfig) (*Session, error) {
	if t == nil {
		return nil, errorf(KindInvalidParam, "init", "nil transport")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r, err := newRun(ctx, crypto.RoleClient, t, cfg.Timeout, cfg.SessionID)
	if err != nil {
		return nil, err
	}
	stop := r.abortOnCancel()
	defer stop()

	c := &clientRun{run: r, cfg: &cfg}
	if err := c.handshake(); err != nil {
		return nil, r.fail(err)
	}
	s := r.session(c.serverIdentity)
	s.hostDecision = c.hostDecision
	return s, nil
}

func (c *clientRun) handshake() error {
	if c.cfg.Password != "" {
		if err := c.cc.SetPassword(c.cfg.Password); err != nil {
			return newError(KindCrypto, "init", err)
		}
	}
	if err := c.negotiate(); err != nil {
		return err
	}
	if err := c.keyExchange(); err != nil {
		return err
	}
	return c.authenticate()
}

// negotiate sends CRYPTO_CAPABILITIES and installs the server's parameters.
func (c *clientRun) negotiate() error {
	caps := LocalCapabilities(c.cfg.PreferredCipher, len(c.cfg.ExpectedServerKeys) > 0)
	if err := c.send("capabilities", transport.PacketCryptoCapabilities, caps.Marshal()); err != nil {
		return err
	}

	pkt, err := c.recv("parameters", transport.PacketCryptoParameters, transport.PacketAuthFailed)
	if err != nil {
		return err
	}
	if pkt.Type == transport.PacketAuthFailed {
		return c.authFailed("parameters", pkt.Payload)
	}
	msg, err := ParseParameters(pkt.Payload)
	if err != nil {
		return newError(KindNetworkProtocol, "parameters", err)
	}
	if msg.SelectedKex != KexX25519 {
		return errorf(KindNetworkProtocol, "parameters", "server selected unsupported key exchange %d", msg.SelectedKex)
	}
	if msg.SelectedAuth != AuthNone && msg.SelectedAuth != AuthEd25519 {
		return errorf(KindNetworkProtocol, "parameters", "server selected unsupported authentication %d", msg.SelectedAuth)
	}
	if msg.Params.Cipher.Mask()&caps.SupportedCipher == 0 {
		return errorf(KindNetworkProtocol, "parameters", "server selected unsupported cipher %s", msg.Params.Cipher)
	}
	if err := c.cc.SetParameters(msg.Params); err != nil {
		return newError(KindNetworkProtocol, "parameters", err)
	}

	c.logger("negotiate").
		WithField("cipher", msg.Params.Cipher.String()).
		WithField("server_auth", msg.SelectedAuth).
		Debug("Crypto parameters negotiated")
	return nil
}

func (c *clientRun) keyExchange() error {
	pkt, err := c.recv("key_exchange", transport.PacketKeyExchangeInit)
	if err != nil {
		return err
	}
	params := c.cc.Parameters()
	kx, err := ParseKeyExchange(params, pkt.Payload)
	if err != nil {
		return newError(KindNetworkProtocol, "key_exchange", err)
	}

	if err := c.verifyServer(kx); err != nil {
		return err
	}

	if c.cfg.NoEncryption {
		if err := c.send("key_exchange", transport.PacketNoEncryption, nil); err != nil {
			return err
		}
		pkt, err := c.recv("key_exchange", transport.PacketAuthFailed)
		if err != nil {
			return err
		}
		return c.authFailed("key_exchange", pkt.Payload)
	}

	if err := c.deriveSecret(kx.Ephemeral); err != nil {
		return err
	}

	resp, err := NewKeyExchange(c.cc.LocalPublicKey(), c.cfg.Identity, c.cfg.KeyID)
	if err != nil {
		return newError(KindCrypto, "key_exchange", err)
	}
	payload, err := resp.Marshal(params)
	if err != nil {
		return newError(KindCrypto, "key_exchange", err)
	}
	return c.send("key_exchange", transport.PacketKeyExchangeResp, payload)
}

// verifyServer checks the server's signature, the pinned identities and the
// known-hosts store, in that order.
func (c *clientRun) verifyServer(kx *KeyExchange) error {
	logger := c.logger("verifyServer")

	if kx.Authenticated() {
		ok, err := kx.VerifySignature()
		if err != nil || !ok {
			return errorf(KindCryptoVerification, "key_exchange",
				"server signature over its ephemeral key is invalid: possible man-in-the-middle attack")
		}
		c.serverIdentity = kx.Identity
		logger.WithField("fingerprint", crypto.Fingerprint(kx.Identity[:])).
			Debug("Server signature verified")
	}

	if len(c.cfg.ExpectedServerKeys) > 0 {
		if !kx.Authenticated() {
			return errorf(KindCryptoVerification, "key_exchange",
				"server presented no identity key but one was expected")
		}
		matched := false
		for _, k := range c.cfg.ExpectedServerKeys {
			if crypto.ConstantTimeEqual(k[:], kx.Identity[:]) {
				matched = true
			}
		}
		if !matched {
			return errorf(KindCryptoVerification, "key_exchange",
				"server identity %s matches none of the %d expected keys: do not connect, likely man-in-the-middle attack",
				crypto.Fingerprint(kx.Identity[:]), len(c.cfg.ExpectedServerKeys))
		}
		logger.Info("Server identity matches expected key")
	}

	if c.cfg.HostVerifier == nil {
		return nil
	}
	host, port, err := c.serverAddress()
	if err != nil {
		return newError(KindConfig, "key_exchange", err)
	}
	decision, err := c.cfg.HostVerifier.Verify(host, port, c.serverIdentity)
	c.hostDecision = decision
	switch {
	case decision.Bypassed:
		instrument.HostDecision("bypassed")
	case decision.Overridden:
		instrument.HostDecision("overridden")
	default:
		instrument.HostDecision(decision.Result.String())
	}
	if err != nil {
		if errors.Is(err, knownhosts.ErrHostKeyMismatch) || errors.Is(err, knownhosts.ErrHostRejected) {
			return newError(KindCryptoVerification, "known_hosts", err)
		}
		return newError(KindConfig, "known_hosts", err)
	}
	return nil
}

func (c *clientRun) serverAddress() (string, uint16, error) {
	if c.cfg.ServerHost != "" && c.cfg.ServerPort != 0 {
		return c.cfg.ServerHost, c.cfg.ServerPort, nil
	}
	host, portStr, err := net.SplitHostPort(c.t.RemoteAddr())
	if err != nil {
		return "", 0, fmt.Errorf("server address unknown, cannot check known hosts: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("server port %q invalid, cannot check known hosts", portStr)
	}
	if c.cfg.ServerHost != "" {
		host = c.cfg.ServerHost
	}
	return host, uint16(port), nil
}

func (c *clientRun) authenticate() error {
	pkt, err := c.recv("authenticate",
		transport.PacketAuthChallenge, transport.PacketHandshakeComplete, transport.PacketAuthFailed)
	if err != nil {
		return err
	}
	switch pkt.Type {
	case transport.PacketHandshakeComplete:
		return c.ready(c.cfg.Rekey)
	case transport.PacketAuthFailed:
		return c.authFailed("authenticate", pkt.Payload)
	}

	challenge, err := ParseAuthChallenge(pkt.Payload)
	if err != nil {
		return newError(KindNetworkProtocol, "authenticate", err)
	}
	if err := c.respond(challenge); err != nil {
		return err
	}
	c.state = StateAuthenticating
	return c.complete()
}

// respond answers the challenge. Required credentials come first, then
// whatever the client holds. Missing required credentials fail before
// anything is sent.
func (c *clientRun) respond(ch AuthChallenge) error {
	logger := c.logger("respond").WithField("flags", uint8(ch.Flags))

	if ch.Flags.PasswordRequired() && !c.cc.HasPassword() {
		if ch.Flags.ClientKeyRequired() && c.cfg.Identity == nil {
			return errorf(KindCrypto, "authenticate",
				"server requires both a password and a client key: provide --password and --key")
		}
		if c.cfg.PasswordPrompter == nil {
			return errorf(KindCrypto, "authenticate",
				"server requires password authentication: provide --password for this server")
		}
		password, err := c.cfg.PasswordPrompter(c.ctx, c.t.RemoteAddr())
		if err != nil {
			return newError(KindCrypto, "authenticate", fmt.Errorf("failed to read password: %w", err))
		}
		if err := c.cc.SetPassword(password); err != nil {
			return newError(KindCrypto, "authenticate", err)
		}
	}

	var method Method
	switch {
	case ch.Flags.PasswordRequired():
		method = MethodPassword
	case ch.Flags.ClientKeyRequired():
		if c.cfg.Identity == nil {
			return errorf(KindCrypto, "authenticate",
				"server requires client key authentication: provide --key with an authorized ed25519 key")
		}
		method = MethodKey
	case c.cc.HasPassword():
		method = MethodPassword
	case c.cfg.Identity != nil:
		method = MethodKey
	default:
		logger.Debug("No credentials configured, continuing without authentication")
		return nil
	}

	nonce, err := crypto.GenerateChallenge()
	if err != nil {
		return newError(KindCrypto, "authenticate", err)
	}
	resp := &AuthResponse{Method: method, ClientNonce: nonce}
	c.usePassword = ch.Flags.PasswordRequired()

	switch method {
	case MethodPassword:
		mac, err := c.cc.ComputeAuthResponse(ch.Nonce[:], c.usePassword)
		if err != nil {
			return newError(KindCrypto, "authenticate", err)
		}
		resp.HMAC = mac
	case MethodKey:
		sig, err := c.cfg.Identity.Sign(ch.Nonce[:])
		if err != nil {
			return newError(KindCrypto, "authenticate", err)
		}
		resp.Signature = sig
		resp.KeyID = c.cfg.KeyID
	}

	payload, err := resp.Marshal()
	if err != nil {
		return newError(KindCrypto, "authenticate", err)
	}
	if err := c.send("authenticate", transport.PacketAuthResponse, payload); err != nil {
		return err
	}
	c.sentResponse = true
	c.clientNonce = nonce

	logger.WithField("method", method.String()).
		WithField("required", ch.Flags != 0).
		Debug("Sent authentication response")
	return nil
}

// complete waits for the server's verdict and checks its mutual proof.
func (c *clientRun) complete() error {
	pkt, err := c.recv("complete",
		transport.PacketServerAuthResp, transport.PacketHandshakeComplete, transport.PacketAuthFailed)
	if err != nil {
		return err
	}
	switch pkt.Type {
	case transport.PacketAuthFailed:
		return c.authFailed("complete", pkt.Payload)
	case transport.PacketHandshakeComplete:
		if c.sentResponse {
			return errorf(KindNetworkProtocol, "complete",
				"server completed the handshake without proving it knows the session secret")
		}
		return c.ready(c.cfg.Rekey)
	}

	if !c.sentResponse {
		return errorf(KindNetworkProtocol, "complete", "unsolicited %s", pkt.Type)
	}
	proof, err := ParseServerAuthResp(c.cc.Parameters(), pkt.Payload)
	if err != nil {
		return newError(KindNetworkProtocol, "complete", err)
	}
	ok, err := c.cc.VerifyAuthResponse(c.clientNonce[:], proof, c.usePassword)
	if err != nil {
		return newError(KindCrypto, "complete", err)
	}
	if !ok {
		return errorf(KindCryptoAuth, "complete",
			"server failed mutual authentication: it does not share this session's secret")
	}
	c.logger("complete").Debug("Server proof verified")
	return c.ready(c.cfg.Rekey)
}

func (c *clientRun) authFailed(op string, payload []byte) error {
	msg, err := ParseAuthFailed(payload)
	if err != nil {
		return newError(KindNetworkProtocol, op, err)
	}
	text := msg.Message
	if text == "" {
		text = "server rejected authentication"
	}
	return &Error{
		Kind:    KindCryptoAuth,
		Op:      op,
		Err:     errors.New(text),
		Reasons: msg.Reasons,
	}
}
