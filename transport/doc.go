// Package transport implements the asciichat packet codec and the transports
// that carry it.
//
// Every packet is an 18-byte big-endian header followed by its payload:
//
//	[magic 0xDEADBEEF (4)][type (2)][length (4)][sequence_or_flags (4)][crc32 (4)][payload]
//
// [Encode] and [Decode] build and validate frames. [SendPacket] and
// [ReceivePacket] add the encryption envelope: once a connection's
// crypto.Context is ready, non-handshake packets travel sealed inside
// [PacketEncrypted], and an unencrypted one is rejected with
// [ErrSecurityViolation].
//
// Three backends implement [Transport]:
//
//	tcp, _ := transport.DialTCP(ctx, "example.com:27224", 10*time.Second)
//	ws, _ := transport.DialWebSocket(ctx, "wss://example.com/session", nil)
//	rtc := transport.NewWebRTCTransport(dataChannel, remoteSessionID)
//
// Close is idempotent on all of them and unblocks pending I/O.
package transport
