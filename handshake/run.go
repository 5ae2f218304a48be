package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/instrument"
	"github.com/opd-ai/asciichat/transport"
)

// Receive timeouts. Every blocking read during the handshake is bounded.
const (
	DefaultTimeout = 10 * time.Second
	MaxTimeout     = 60 * time.Second
)

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// run is the per-attempt state shared by the client and server sides. It is
// used by exactly one goroutine.
type run struct {
	ctx       context.Context
	role      crypto.Role
	t         transport.Transport
	cc        *crypto.Context
	timeout   time.Duration
	sessionID string
	state     State
}

func newRun(ctx context.Context, role crypto.Role, t transport.Transport, timeout time.Duration, sessionID string) (*run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	cc, err := crypto.NewContext(role)
	if err != nil {
		return nil, newError(KindCrypto, "init", err)
	}
	return &run{
		ctx:       ctx,
		role:      role,
		t:         t,
		cc:        cc,
		timeout:   clampTimeout(timeout),
		sessionID: sessionID,
		state:     StateInit,
	}, nil
}

func (r *run) logger(function string) *crypto.LoggerHelper {
	return crypto.NewPackageLogger("handshake", function).
		WithSession(r.sessionID).
		WithField("role", r.role.String()).
		WithField("state", r.state.String())
}

// abortOnCancel closes the transport when ctx ends, which unblocks any
// pending send or receive.
func (r *run) abortOnCancel() (stop func() bool) {
	return context.AfterFunc(r.ctx, func() {
		_ = r.t.Close()
	})
}

func (r *run) send(op string, typ transport.PacketType, payload []byte) error {
	if err := transport.SendPacket(r.t, typ, payload); err != nil {
		return r.classify(op, err)
	}
	r.logger("send").
		WithField("type", typ.String()).
		WithField("size", len(payload)).
		Debug("Sent handshake packet")
	return nil
}

// recv reads the next packet and checks it is one of the types valid in the
// current state.
func (r *run) recv(op string, allowed ...transport.PacketType) (*transport.Packet, error) {
	pkt, err := transport.ReceivePacket(r.t, r.timeout)
	if err != nil {
		return nil, r.classify(op, err)
	}
	for _, typ := range allowed {
		if pkt.Type == typ {
			r.logger("recv").
				WithField("type", pkt.Type.String()).
				WithField("size", len(pkt.Payload)).
				Debug("Received handshake packet")
			return pkt, nil
		}
	}
	return nil, errorf(KindNetworkProtocol, op, "unexpected %s in state %s", pkt.Type, r.state)
}

// classify maps transport errors onto handshake kinds.
func (r *run) classify(op string, err error) *Error {
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return newError(KindNetwork, op, fmt.Errorf("%w: %v", ctxErr, err))
	}
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return newError(KindTimeout, op, err)
	case errors.Is(err, transport.ErrSecurityViolation):
		return newError(KindCryptoVerification, op, err)
	case errors.Is(err, transport.ErrBadMagic),
		errors.Is(err, transport.ErrChecksumMismatch),
		errors.Is(err, transport.ErrPacketTooLarge),
		errors.Is(err, transport.ErrTruncated),
		errors.Is(err, transport.ErrUnexpectedMessage):
		return newError(KindNetworkProtocol, op, err)
	default:
		return newError(KindNetwork, op, err)
	}
}

// fail moves the run to Failed, destroys its key material and records the
// outcome. The transport stays open; the caller owns it.
func (r *run) fail(err error) error {
	var he *Error
	if !errors.As(err, &he) {
		he = newError(KindCrypto, "", err)
	}
	r.state = StateFailed
	if r.t.CryptoContext() == r.cc {
		r.t.SetCryptoContext(nil)
	}
	r.cc.Wipe()

	r.logger("fail").
		WithField("kind", he.Kind.String()).
		WithField("retryable", he.Retryable()).
		WithError(he, he.Op).
		Warn("Handshake failed")
	instrument.Handshake(r.role.String(), he.Kind.String())
	return he
}

// ready opens the record layer and hands the context to the transport.
func (r *run) ready(rekey crypto.RekeyConfig) error {
	if err := r.cc.MarkReady(); err != nil {
		return newError(KindInvalidState, "complete", err)
	}
	r.cc.SetRekeyConfig(rekey)
	r.t.SetCryptoContext(r.cc)
	r.state = StateReady

	r.logger("ready").
		WithField("cipher", r.cc.Parameters().Cipher.String()).
		WithField("transport", string(r.t.Type())).
		Info("Secure session established")
	instrument.Handshake(r.role.String(), StateReady.String())
	return nil
}

// deriveSecret performs the single transition into StateKeyExchange.
func (r *run) deriveSecret(peer [crypto.KeySize]byte) error {
	if r.state != StateInit {
		return errorf(KindInvalidState, "key_exchange", "shared secret requested in state %s", r.state)
	}
	if err := r.cc.CompleteKeyExchange(peer); err != nil {
		return newError(KindCrypto, "key_exchange", err)
	}
	r.state = StateKeyExchange
	r.t.SetCryptoContext(r.cc)
	return nil
}

func (r *run) session(peer *[crypto.IdentityKeySize]byte) *Session {
	return &Session{
		id:           r.sessionID,
		role:         r.role,
		t:            r.t,
		cc:           r.cc,
		peerIdentity: peer,
	}
}
