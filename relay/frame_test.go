package relay

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	msg := EncodeFrame(5, []byte("ls\n"))
	f, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("DecodeFrame returned error: %v", err)
	}
	if f.Ack != 5 {
		t.Fatalf("Ack = %d, want 5", f.Ack)
	}
	if !bytes.Equal(f.Payload, []byte("ls\n")) {
		t.Fatalf("Payload = %q, want %q", f.Payload, "ls\n")
	}
}

func TestEncodeFrameEmptyPayloadIsPureAck(t *testing.T) {
	msg := EncodeFrame(42, nil)
	if len(msg) != AckHeaderSize {
		t.Fatalf("len(msg) = %d, want %d", len(msg), AckHeaderSize)
	}
	f, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("DecodeFrame returned error: %v", err)
	}
	if len(f.Payload) != 0 {
		t.Fatalf("Payload = %q, want empty", f.Payload)
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	if _, err := DecodeFrame([]byte{0, 0, 1}); err != ErrFrameTooShort {
		t.Fatalf("err = %v, want %v", err, ErrFrameTooShort)
	}
}

func TestEncodeProtocolCloseSentinel(t *testing.T) {
	msg := EncodeProtocolClose()
	f, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("DecodeFrame returned error: %v", err)
	}
	if f.Ack != int64(ProtocolCloseAck) {
		t.Fatalf("Ack = %d, want %d", f.Ack, ProtocolCloseAck)
	}
	if len(f.Payload) != 0 {
		t.Fatalf("Payload = %q, want empty", f.Payload)
	}
}

func TestEncodeFrameAckTruncatesTo32Bits(t *testing.T) {
	// A 64-bit counter that has run well past 2^31 must still round-trip
	// through the signed 32-bit wire representation via truncation.
	big := uint64(1) << 33
	msg := EncodeFrame(big, nil)
	f, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("DecodeFrame returned error: %v", err)
	}
	if f.Ack != int64(int32(uint32(big))) {
		t.Fatalf("Ack = %d, want truncated value %d", f.Ack, int32(uint32(big)))
	}
}
