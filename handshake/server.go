package handshake

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/limits"
	"github.com/opd-ai/asciichat/transport"
)

// ServerConfig configures the accepting side of a handshake.
type ServerConfig struct {
	// Identity is the optional long-term signing key presented to clients.
	Identity *crypto.Identity
	KeyID    string

	// Password, when set, is required from every client.
	Password string

	// AuthorizedClients lists the client identities allowed to connect.
	// A non-empty list implies RequireClientAuth.
	AuthorizedClients [][crypto.IdentityKeySize]byte
	RequireClientAuth bool

	Timeout   time.Duration
	SessionID string
	Rekey     crypto.RekeyConfig
}

func (c *ServerConfig) validate() error {
	if err := limits.ValidateKeyID(c.KeyID); err != nil {
		return newError(KindInvalidParam, "config", err)
	}
	if c.RequireClientAuth && len(c.AuthorizedClients) == 0 {
		return errorf(KindConfig, "config", "client authentication required but no authorized client keys configured")
	}
	return nil
}

func (c *ServerConfig) clientKeyRequired() bool {
	return c.RequireClientAuth || len(c.AuthorizedClients) > 0
}

func (c *ServerConfig) authorized(id [crypto.IdentityKeySize]byte) bool {
	found := false
	for _, k := range c.AuthorizedClients {
		if crypto.ConstantTimeEqual(k[:], id[:]) {
			found = true
		}
	}
	return found
}

type serverRun struct {
	*run
	cfg *ServerConfig

	clientIdentity *[crypto.IdentityKeySize]byte
	authenticated  bool
}

// RunServer performs the server side of the handshake over t. On success the
// transport carries the session's crypto context and the returned Session is
// Ready. Cancelling ctx closes t.
func RunServer(ctx context.Context, t transport.Transport, cfg ServerConfig) (*Session, error) {
	if t == nil {
		return nil, errorf(KindInvalidParam, "init", "nil transport")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r, err := newRun(ctx, crypto.RoleServer, t, cfg.Timeout, cfg.SessionID)
	if err != nil {
		return nil, err
	}
	stop := r.abortOnCancel()
	defer stop()

	s := &serverRun{run: r, cfg: &cfg}
	if err := s.handshake(); err != nil {
		return nil, r.fail(err)
	}
	sess := r.session(s.clientIdentity)
	sess.peerAuthenticated = s.authenticated
	return sess, nil
}

func (s *serverRun) handshake() error {
	if s.cfg.Password != "" {
		if err := s.cc.SetPassword(s.cfg.Password); err != nil {
			return newError(KindCrypto, "init", err)
		}
	}
	if err := s.negotiate(); err != nil {
		return err
	}
	if err := s.keyExchange(); err != nil {
		return err
	}
	return s.authenticate()
}

// negotiate answers the client's capabilities with the session parameters.
func (s *serverRun) negotiate() error {
	pkt, err := s.recv("capabilities", transport.PacketCryptoCapabilities)
	if err != nil {
		return err
	}
	caps, err := ParseCapabilities(pkt.Payload)
	if err != nil {
		return newError(KindNetworkProtocol, "capabilities", err)
	}
	if caps.SupportedKex&KexMaskX25519 == 0 {
		return errorf(KindNetworkProtocol, "capabilities", "no common key exchange (client mask %#04x)", caps.SupportedKex)
	}
	cipher, err := crypto.NegotiateCipher(caps.SupportedCipher, caps.PreferredCipher)
	if err != nil {
		return newError(KindNetworkProtocol, "capabilities", err)
	}

	params := crypto.ParametersFor(cipher)
	params.VerificationEnabled = s.cfg.clientKeyRequired()
	if err := s.cc.SetParameters(params); err != nil {
		return newError(KindCrypto, "capabilities", err)
	}

	msg := ParametersMessage{SelectedKex: KexX25519, SelectedAuth: AuthNone, Params: params}
	if s.cfg.Identity != nil {
		msg.SelectedAuth = AuthEd25519
	}
	if caps.RequiresVerification && s.cfg.Identity == nil {
		s.logger("negotiate").Warn("Client requires server verification but this server has no identity key")
	}
	return s.send("parameters", transport.PacketCryptoParameters, msg.Marshal())
}

func (s *serverRun) keyExchange() error {
	params := s.cc.Parameters()
	kx, err := NewKeyExchange(s.cc.LocalPublicKey(), s.cfg.Identity, s.cfg.KeyID)
	if err != nil {
		return newError(KindCrypto, "key_exchange", err)
	}
	payload, err := kx.Marshal(params)
	if err != nil {
		return newError(KindCrypto, "key_exchange", err)
	}
	if err := s.send("key_exchange", transport.PacketKeyExchangeInit, payload); err != nil {
		return err
	}

	pkt, err := s.recv("key_exchange", transport.PacketKeyExchangeResp, transport.PacketNoEncryption)
	if err != nil {
		return err
	}
	if pkt.Type == transport.PacketNoEncryption {
		return s.reject("key_exchange", KindCryptoAuth, 0, "this server requires an encrypted session")
	}

	resp, err := ParseKeyExchange(params, pkt.Payload)
	if err != nil {
		return newError(KindNetworkProtocol, "key_exchange", err)
	}
	if resp.Authenticated() {
		ok, err := resp.VerifySignature()
		if err != nil || !ok {
			return s.reject("key_exchange", KindCryptoVerification, ReasonSignatureInvalid,
				"client signature over its ephemeral key is invalid")
		}
		s.clientIdentity = resp.Identity
		s.logger("keyExchange").
			WithField("fingerprint", crypto.Fingerprint(resp.Identity[:])).
			WithField("key_id", resp.KeyID).
			Debug("Client identity signature verified")
	}
	return s.deriveSecret(resp.Ephemeral)
}

// authenticate challenges the client when a credential is required or the
// client presented an identity, and finishes with the mutual proof.
func (s *serverRun) authenticate() error {
	var flags ChallengeFlags
	if s.cc.HasPassword() {
		flags |= FlagPasswordRequired
	}
	if s.cfg.clientKeyRequired() {
		flags |= FlagClientKeyRequired
	}
	if flags == 0 && s.clientIdentity == nil {
		if err := s.send("complete", transport.PacketHandshakeComplete, nil); err != nil {
			return err
		}
		return s.ready(s.cfg.Rekey)
	}

	nonce, err := crypto.GenerateChallenge()
	if err != nil {
		return newError(KindCrypto, "authenticate", err)
	}
	challenge := AuthChallenge{Flags: flags, Nonce: nonce}
	if err := s.send("authenticate", transport.PacketAuthChallenge, challenge.Marshal()); err != nil {
		return err
	}
	s.state = StateAuthenticating

	pkt, err := s.recv("authenticate", transport.PacketAuthResponse)
	if err != nil {
		return err
	}
	resp, err := ParseAuthResponse(s.cc.Parameters(), pkt.Payload)
	if err != nil {
		return newError(KindNetworkProtocol, "authenticate", err)
	}

	reasons, err := s.verifyResponse(challenge, resp)
	if err != nil {
		return err
	}
	if reasons != 0 {
		return s.reject("authenticate", KindCryptoAuth, reasons, reasons.Explain())
	}
	s.authenticated = true

	usePassword := flags.PasswordRequired()
	proof, err := s.cc.ComputeAuthResponse(resp.ClientNonce[:], usePassword)
	if err != nil {
		return newError(KindCrypto, "authenticate", err)
	}
	if err := s.send("complete", transport.PacketServerAuthResp, proof[:]); err != nil {
		return err
	}
	s.logger("authenticate").
		WithField("method", resp.Method.String()).
		Info("Client authenticated")
	return s.ready(s.cfg.Rekey)
}

// verifyResponse returns the AUTH_FAILED reasons for resp, or 0 when the
// client satisfied every requirement.
func (s *serverRun) verifyResponse(ch AuthChallenge, resp *AuthResponse) (AuthReason, error) {
	var reasons AuthReason

	if ch.Flags.ClientKeyRequired() {
		switch {
		case s.clientIdentity == nil:
			reasons |= ReasonClientKeyRequired
		case !s.cfg.authorized(*s.clientIdentity):
			reasons |= ReasonClientKeyRejected
		}
	}

	switch resp.Method {
	case MethodPassword:
		ok, err := s.cc.VerifyAuthResponse(ch.Nonce[:], resp.HMAC[:], ch.Flags.PasswordRequired())
		if err != nil {
			return 0, newError(KindCrypto, "authenticate", err)
		}
		if !ok {
			reasons |= ReasonPasswordIncorrect
			if ch.Flags.ClientKeyRequired() && s.clientIdentity == nil {
				reasons |= ReasonClientKeyRequired
			}
		}
	case MethodKey:
		if ch.Flags.PasswordRequired() {
			reasons |= ReasonPasswordRequired
		}
		if s.clientIdentity == nil {
			reasons |= ReasonSignatureInvalid
			break
		}
		ok, err := crypto.Verify(ch.Nonce[:], resp.Signature, *s.clientIdentity)
		if err != nil || !ok {
			reasons |= ReasonSignatureInvalid
		}
	}
	return reasons, nil
}

// reject sends AUTH_FAILED and returns the matching error. A send failure
// does not change the outcome.
func (s *serverRun) reject(op string, kind Kind, reasons AuthReason, message string) error {
	msg := AuthFailed{Reasons: reasons, Message: message}
	if err := s.send(op, transport.PacketAuthFailed, msg.Marshal()); err != nil {
		s.logger("reject").WithError(err, op).Debug("Failed to deliver AUTH_FAILED")
	}
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf("rejected client: %s", message), Reasons: reasons}
}
