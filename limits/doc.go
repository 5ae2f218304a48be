// Package limits provides centralized size constants and validation functions
// for the asciichat wire protocol.
//
// # Size Hierarchy
//
//   - HeaderSize (18 bytes): the fixed packet header.
//
//   - MaxPacketSize (5MB): the absolute maximum payload of a single frame. Any
//     declared length above it is rejected before a buffer is allocated.
//
//   - MaxEncryptedPacketSize (64KB): the maximum plaintext sealed into one
//     encrypted record.
//
//   - MaxAuthFailedMessage (256 bytes) and MaxKeyIDLength (40 bytes): bounds on
//     the variable-length fields of handshake messages.
//
// # Validation Functions
//
//	if err := limits.ValidatePayloadLength(int(header.Length)); err != nil {
//	    // reject the frame
//	}
//
// The errors returned wrap ErrMessageEmpty, ErrMessageTooLarge or ErrKeyIDTooLong
// and can be matched with errors.Is.
package limits
