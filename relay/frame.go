package relay

import (
	"encoding/binary"
	"fmt"
)

// AckHeaderSize is the size, in bytes, of the ack header that precedes every
// payload on a binary WebSocket frame exchanged over /connect.
const AckHeaderSize = 4

// ProtocolCloseAck is the sentinel ack value the relay sends to evict a
// frontend and terminate the protocol. It is never expected inbound from a
// frontend.
const ProtocolCloseAck int32 = -1

// ErrFrameTooShort is returned by DecodeFrame when a binary message is
// shorter than the ack header.
var ErrFrameTooShort = fmt.Errorf("wsshrelay: frame shorter than %d-byte ack header", AckHeaderSize)

// Frame is a decoded /connect binary message: a cumulative ack describing
// how much of the peer's outbound stream the sender has received, plus an
// opaque payload to be forwarded verbatim.
type Frame struct {
	Ack     int64
	Payload []byte
}

// EncodeFrame renders ack and payload into a single binary WebSocket
// message. ack is truncated to a signed 32-bit two's-complement integer on
// the wire; callers pass the full unsigned counter and let this function do
// the truncation so the internal counters can run past 2^31 without special
// casing at every call site.
func EncodeFrame(ack uint64, payload []byte) []byte {
	buf := make([]byte, AckHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:AckHeaderSize], uint32(int32(ack)))
	copy(buf[AckHeaderSize:], payload)
	return buf
}

// EncodeProtocolClose renders the sentinel protocol-close frame: ack=-1,
// empty payload.
func EncodeProtocolClose() []byte {
	buf := make([]byte, AckHeaderSize)
	ack := ProtocolCloseAck
	binary.BigEndian.PutUint32(buf, uint32(ack))
	return buf
}

// DecodeFrame parses a binary WebSocket message into its ack header and
// payload. The payload aliases the tail of msg; callers that retain it past
// the lifetime of the underlying WebSocket buffer must copy it.
func DecodeFrame(msg []byte) (Frame, error) {
	if len(msg) < AckHeaderSize {
		return Frame{}, ErrFrameTooShort
	}
	ack := int32(binary.BigEndian.Uint32(msg[:AckHeaderSize]))
	return Frame{Ack: int64(ack), Payload: msg[AckHeaderSize:]}, nil
}
