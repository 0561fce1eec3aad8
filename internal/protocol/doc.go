// Package protocol implements the binary wire protocol spoken on every TCP
// link in the cluster, by clients and peers alike.
//
// # Framing
//
// Every message is length-prefixed:
//
//	[4 bytes: payload length, big-endian][payload]
//
// Frames larger than MaxMessageSize (64 MiB) are rejected. An empty payload
// is legal.
//
// # Payload encoding
//
// A request payload begins with a 1-byte OpType; a response payload begins
// with a 1-byte StatusCode. The remaining fields use a small set of
// primitives, all big-endian:
//
//	uint8 / uint16 / uint32 / uint64    fixed-width integers
//	bool                                 1 byte, 0 or 1
//	string                               [4-byte length][bytes]
//
// Buffer provides sequential writers and readers for these primitives.
// Reads past the end of a payload return ErrBufferUnderflow rather than
// panicking, so a malformed frame surfaces as an ordinary error.
package protocol
