package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/instrument"
	"github.com/opd-ai/asciichat/knownhosts"
	"github.com/opd-ai/asciichat/transport"
)

// rekeyProof is the plaintext of REKEY_COMPLETE. Opening it under the new
// keys proves both sides derived the same secret.
var rekeyProof = []byte("ascii-chat rekey complete")

// ErrRekeyRejected indicates the peer sent an invalid rekey message.
var ErrRekeyRejected = errors.New("rekey rejected")

// Session is an established connection. It owns the crypto context; the
// transport is shared with the caller, which remains responsible for it.
//
// Send and Receive may run on different goroutines.
type Session struct {
	id           string
	role         crypto.Role
	t            transport.Transport
	cc           *crypto.Context
	peerIdentity *[crypto.IdentityKeySize]byte

	hostDecision      knownhosts.Decision
	peerAuthenticated bool

	closeOnce sync.Once
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// Role returns which side of the connection this session is.
func (s *Session) Role() crypto.Role { return s.role }

// Transport returns the transport the session runs on.
func (s *Session) Transport() transport.Transport { return s.t }

// Crypto returns the session's crypto context.
func (s *Session) Crypto() *crypto.Context { return s.cc }

// PeerIdentity returns the identity key the peer presented, or nil.
func (s *Session) PeerIdentity() *[crypto.IdentityKeySize]byte { return s.peerIdentity }

// HostDecision returns the known-hosts outcome on the client side.
func (s *Session) HostDecision() knownhosts.Decision { return s.hostDecision }

// PeerAuthenticated reports whether the client answered an auth challenge
// successfully. Only meaningful on the server side.
func (s *Session) PeerAuthenticated() bool { return s.peerAuthenticated }

// Send seals and sends one application packet. It starts a key rotation
// first when the current keys have reached their budget.
func (s *Session) Send(typ transport.PacketType, payload []byte) error {
	if typ.Plaintext() {
		return fmt.Errorf("%w: %s cannot be sent as application data", ErrInvalidParam, typ)
	}
	if s.cc.ShouldRekey() {
		if err := s.StartRekey(); err != nil && !errors.Is(err, crypto.ErrRekeyInProgress) {
			s.logger("Send").WithError(err, "rekey").Warn("Failed to start key rotation")
		}
	}
	return transport.SendPacket(s.t, typ, payload)
}

// Receive returns the next application packet. Rekey messages are handled
// internally and never returned.
func (s *Session) Receive(timeout time.Duration) (*transport.Packet, error) {
	for {
		pkt, err := transport.ReceivePacket(s.t, timeout)
		if err != nil {
			return nil, err
		}
		if !pkt.Type.IsRekey() {
			return pkt, nil
		}
		if err := s.handleRekey(pkt); err != nil {
			return nil, err
		}
	}
}

// StartRekey begins a key rotation by sending REKEY_REQUEST with a fresh
// ephemeral key sealed under the current keys.
func (s *Session) StartRekey() error {
	pub, err := s.cc.BeginRekey()
	if err != nil {
		return err
	}
	sealed, err := s.cc.Seal(pub[:])
	if err != nil {
		s.cc.AbortRekey()
		return err
	}
	if err := transport.SendPacket(s.t, transport.PacketRekeyRequest, sealed); err != nil {
		s.cc.AbortRekey()
		return err
	}
	s.logger("StartRekey").Debug("Sent rekey request")
	return nil
}

func (s *Session) handleRekey(pkt *transport.Packet) error {
	switch pkt.Type {
	case transport.PacketRekeyRequest:
		return s.onRekeyRequest(pkt.Payload)
	case transport.PacketRekeyResponse:
		return s.onRekeyResponse(pkt.Payload)
	default:
		return s.onRekeyComplete(pkt.Payload)
	}
}

func (s *Session) openKey(payload []byte) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte
	plain, err := s.cc.Open(payload)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrRekeyRejected, err)
	}
	defer crypto.ZeroBytes(plain)
	if len(plain) != crypto.KeySize {
		return key, fmt.Errorf("%w: key size %d", ErrRekeyRejected, len(plain))
	}
	copy(key[:], plain)
	return key, nil
}

func (s *Session) onRekeyRequest(payload []byte) error {
	peer, err := s.openKey(payload)
	if err != nil {
		return err
	}
	// Simultaneous requests: the client's wins.
	if s.cc.RekeyInProgress() {
		if s.role == crypto.RoleClient {
			s.logger("onRekeyRequest").Debug("Ignoring server rekey request during own rotation")
			return nil
		}
		s.cc.AbortRekey()
	}

	pub, err := s.cc.AcceptRekey(peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyRejected, err)
	}
	sealed, err := s.cc.Seal(pub[:])
	if err != nil {
		s.cc.AbortRekey()
		return err
	}
	if err := transport.SendPacket(s.t, transport.PacketRekeyResponse, sealed); err != nil {
		s.cc.AbortRekey()
		return err
	}
	return nil
}

func (s *Session) onRekeyResponse(payload []byte) error {
	peer, err := s.openKey(payload)
	if err != nil {
		return err
	}
	if err := s.cc.FinishRekeyExchange(peer); err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyRejected, err)
	}
	sealed, err := s.cc.SealRekeyComplete(rekeyProof)
	if err != nil {
		s.cc.AbortRekey()
		return err
	}
	if err := transport.SendPacket(s.t, transport.PacketRekeyComplete, sealed); err != nil {
		return err
	}
	instrument.Rekey(s.role.String())
	return nil
}

func (s *Session) onRekeyComplete(payload []byte) error {
	plain, err := s.cc.OpenRekeyComplete(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyRejected, err)
	}
	if !bytes.Equal(plain, rekeyProof) {
		return fmt.Errorf("%w: unexpected completion proof", ErrRekeyRejected)
	}
	instrument.Rekey(s.role.String())
	return nil
}

// Close closes the transport and destroys the session keys.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.t.Close()
		s.t.SetCryptoContext(nil)
		s.cc.Wipe()
	})
	return err
}

func (s *Session) logger(function string) *crypto.LoggerHelper {
	return crypto.NewPackageLogger("handshake", function).
		WithSession(s.id).
		WithField("role", s.role.String())
}
