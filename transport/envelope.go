package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/instrument"
	"github.com/sirupsen/logrus"
)

// SendPacket encodes and sends one packet. Once the attached crypto context
// is ready, every packet type that is not Plaintext is sealed and wrapped in
// PacketEncrypted.
func SendPacket(t Transport, typ PacketType, payload []byte) error {
	if t == nil {
		return errors.New("nil transport")
	}

	var (
		frame []byte
		err   error
	)
	ctx := t.CryptoContext()
	if ctx != nil && ctx.IsReady() && !typ.Plaintext() {
		frame, err = sealPacket(ctx, typ, payload)
	} else {
		frame, err = Encode(typ, payload)
	}
	if err != nil {
		return err
	}
	return t.Send(frame)
}

func sealPacket(ctx *crypto.Context, typ PacketType, payload []byte) ([]byte, error) {
	inner, err := Encode(typ, payload)
	if err != nil {
		return nil, err
	}
	sealed, err := ctx.Seal(inner)
	crypto.ZeroBytes(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s: %w", typ, err)
	}
	return Encode(PacketEncrypted, sealed)
}

// ReceivePacket receives and decodes one packet, opening PacketEncrypted
// envelopes with the attached crypto context.
//
// Decode failures (ErrBadMagic, ErrChecksumMismatch, ...) indicate transport
// corruption. ErrSecurityViolation indicates a packet that should have been
// encrypted but was not.
func ReceivePacket(t Transport, timeout time.Duration) (*Packet, error) {
	if t == nil {
		return nil, errors.New("nil transport")
	}

	frame, err := t.Recv(timeout)
	if err != nil {
		return nil, err
	}
	pkt, err := Decode(frame)
	if err != nil {
		return nil, err
	}

	ctx := t.CryptoContext()
	if pkt.Type != PacketEncrypted {
		if reason := plaintextViolation(ctx, pkt.Type); reason != "" {
			logrus.WithFields(logrus.Fields{
				"function": "ReceivePacket",
				"type":     pkt.Type.String(),
				"peer":     t.RemoteAddr(),
			}).Error(reason)
			instrument.SecurityViolation()
			return nil, fmt.Errorf("%w: %s", ErrSecurityViolation, pkt.Type)
		}
		return pkt, nil
	}

	if ctx == nil || !ctx.IsReady() {
		return nil, ErrNoCryptoContext
	}
	inner, err := ctx.Open(pkt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted packet: %w", err)
	}
	defer crypto.ZeroBytes(inner)

	decoded, err := Decode(inner)
	if err != nil {
		return nil, fmt.Errorf("corrupt inner packet: %w", err)
	}
	if decoded.Type == PacketEncrypted {
		return nil, fmt.Errorf("%w: nested encrypted packet", ErrSecurityViolation)
	}
	return decoded, nil
}

// plaintextViolation reports why an unencrypted packet of type typ must be
// refused, or "" when it may pass. Handshake packets are only valid before
// the session is ready, whatever the encryption setting.
func plaintextViolation(ctx *crypto.Context, typ PacketType) string {
	if ctx == nil {
		return ""
	}
	switch {
	case typ.IsHandshake() && ctx.IsReady():
		return "Handshake packet on ready session, possible injection attack"
	case !typ.Plaintext() && ctx.KeyExchangeComplete() && ctx.EncryptionRequired():
		return "Unencrypted packet on encrypted session, possible downgrade attack"
	}
	return ""
}
