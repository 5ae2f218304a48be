package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/opd-ai/asciichat/limits"
)

// PacketMagic marks the start of every packet header.
const PacketMagic uint32 = 0xDEADBEEF

// PacketType identifies the type of an asciichat packet.
type PacketType uint16

const (
	PacketProtocolVersion PacketType = 1
	PacketPing            PacketType = 6
	PacketPong            PacketType = 7

	// Handshake packet types always travel in plaintext
	PacketCryptoCapabilities PacketType = 14
	PacketCryptoParameters   PacketType = 15
	PacketKeyExchangeInit    PacketType = 16
	PacketKeyExchangeResp    PacketType = 17
	PacketAuthChallenge      PacketType = 18
	PacketAuthResponse       PacketType = 19
	PacketAuthFailed         PacketType = 20
	PacketServerAuthResp     PacketType = 21
	PacketHandshakeComplete  PacketType = 22
	PacketNoEncryption       PacketType = 23

	// PacketEncrypted wraps a sealed inner packet
	PacketEncrypted PacketType = 24

	PacketTextMessage PacketType = 28

	// Rekey control frames; their payloads are sealed by the rekey exchange itself
	PacketRekeyRequest  PacketType = 29
	PacketRekeyResponse PacketType = 30
	PacketRekeyComplete PacketType = 31
)

var packetNames = map[PacketType]string{
	PacketProtocolVersion:    "PROTOCOL_VERSION",
	PacketPing:               "PING",
	PacketPong:               "PONG",
	PacketCryptoCapabilities: "CRYPTO_CAPABILITIES",
	PacketCryptoParameters:   "CRYPTO_PARAMETERS",
	PacketKeyExchangeInit:    "CRYPTO_KEY_EXCHANGE_INIT",
	PacketKeyExchangeResp:    "CRYPTO_KEY_EXCHANGE_RESP",
	PacketAuthChallenge:      "CRYPTO_AUTH_CHALLENGE",
	PacketAuthResponse:       "CRYPTO_AUTH_RESPONSE",
	PacketAuthFailed:         "CRYPTO_AUTH_FAILED",
	PacketServerAuthResp:     "CRYPTO_SERVER_AUTH_RESP",
	PacketHandshakeComplete:  "CRYPTO_HANDSHAKE_COMPLETE",
	PacketNoEncryption:       "CRYPTO_NO_ENCRYPTION",
	PacketEncrypted:          "ENCRYPTED",
	PacketTextMessage:        "TEXT_MESSAGE",
	PacketRekeyRequest:       "CRYPTO_REKEY_REQUEST",
	PacketRekeyResponse:      "CRYPTO_REKEY_RESPONSE",
	PacketRekeyComplete:      "CRYPTO_REKEY_COMPLETE",
}

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PACKET(%d)", uint16(t))
}

// IsHandshake reports whether t belongs to the session handshake.
func (t PacketType) IsHandshake() bool {
	return t >= PacketCryptoCapabilities && t <= PacketNoEncryption
}

// IsRekey reports whether t is one of the rekey control frames.
func (t PacketType) IsRekey() bool {
	return t >= PacketRekeyRequest && t <= PacketRekeyComplete
}

// Plaintext reports whether packets of type t are never wrapped in
// PacketEncrypted.
func (t PacketType) Plaintext() bool {
	return t.IsHandshake() || t.IsRekey() || t == PacketEncrypted
}

var (
	// ErrBadMagic indicates a header that does not start with PacketMagic
	ErrBadMagic = errors.New("bad packet magic")

	// ErrChecksumMismatch indicates the payload CRC32 did not match the header
	ErrChecksumMismatch = errors.New("packet checksum mismatch")

	// ErrPacketTooLarge indicates a declared payload above limits.MaxPacketSize
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrTruncated indicates a frame shorter than its header declares
	ErrTruncated = errors.New("truncated packet")
)

// Header is the fixed-size packet header.
//
// Wire format (big-endian): [magic(4)][type(2)][length(4)][sequence_or_flags(4)][crc32(4)]
type Header struct {
	Type   PacketType
	Length uint32
	Flags  uint32
	CRC    uint32
}

// Packet is one decoded packet.
type Packet struct {
	Type    PacketType
	Flags   uint32
	Payload []byte
}

// Encode builds a frame for typ with payload.
func Encode(typ PacketType, payload []byte) ([]byte, error) {
	return EncodeWithFlags(typ, 0, payload)
}

// EncodeWithFlags builds a frame carrying a sequence number or flags word.
func EncodeWithFlags(typ PacketType, flags uint32, payload []byte) ([]byte, error) {
	if err := limits.ValidatePayloadLength(len(payload)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketTooLarge, err)
	}

	frame := make([]byte, limits.HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], PacketMagic)
	binary.BigEndian.PutUint16(frame[4:6], uint16(typ))
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[10:14], flags)
	binary.BigEndian.PutUint32(frame[14:18], crc32.ChecksumIEEE(payload))
	copy(frame[limits.HeaderSize:], payload)
	return frame, nil
}

// ParseHeader validates and decodes the fixed header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < limits.HeaderSize {
		return Header{}, fmt.Errorf("%w: %d header bytes", ErrTruncated, len(b))
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != PacketMagic {
		return Header{}, fmt.Errorf("%w: %#08x", ErrBadMagic, magic)
	}

	h := Header{
		Type:   PacketType(binary.BigEndian.Uint16(b[4:6])),
		Length: binary.BigEndian.Uint32(b[6:10]),
		Flags:  binary.BigEndian.Uint32(b[10:14]),
		CRC:    binary.BigEndian.Uint32(b[14:18]),
	}
	if uint64(h.Length) > limits.MaxPacketSize {
		return Header{}, fmt.Errorf("%w: %d bytes declared, limit %d", ErrPacketTooLarge, h.Length, limits.MaxPacketSize)
	}
	return h, nil
}

// Decode parses one complete frame. The returned payload is a copy.
func Decode(frame []byte) (*Packet, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame)-limits.HeaderSize != int(h.Length) {
		return nil, fmt.Errorf("%w: header declares %d bytes, frame carries %d",
			ErrTruncated, h.Length, len(frame)-limits.HeaderSize)
	}

	payload := frame[limits.HeaderSize:]
	if crc32.ChecksumIEEE(payload) != h.CRC {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, h.Type)
	}

	p := &Packet{Type: h.Type, Flags: h.Flags, Payload: make([]byte, len(payload))}
	copy(p.Payload, payload)
	return p, nil
}

// ReadFrame reads one frame from a byte stream. It validates the header
// before allocating the payload so a hostile length cannot force a large
// allocation.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [limits.HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	frame := make([]byte, limits.HeaderSize+int(h.Length))
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[limits.HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
