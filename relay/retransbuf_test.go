package relay

import "bytes"

import "testing"

func TestRetransmitBufferAppendAndLen(t *testing.T) {
	var b retransmitBuffer
	b.append([]byte("hello"))
	if b.len() != 5 {
		t.Fatalf("len() = %d, want 5", b.len())
	}
}

func TestRetransmitBufferTailFromOffsetEmptyEdge(t *testing.T) {
	var b retransmitBuffer
	b.append([]byte("hello"))
	// readOffset == offset -> zero bytes wanted, must return empty, not
	// the whole buffer (the naive negative-index bug this guards against).
	tail := b.tailFromOffset(5, 5)
	if len(tail) != 0 {
		t.Fatalf("tailFromOffset at offset==readOffset = %q, want empty", tail)
	}
}

func TestRetransmitBufferTailFromOffsetSuffix(t *testing.T) {
	var b retransmitBuffer
	b.append([]byte("abcdef"))
	tail := b.tailFromOffset(4, 6)
	if !bytes.Equal(tail, []byte("ef")) {
		t.Fatalf("tailFromOffset(4,6) = %q, want %q", tail, "ef")
	}
}

func TestRetransmitBufferTrimToAckExact(t *testing.T) {
	var b retransmitBuffer
	b.append([]byte("hello"))
	if ok := b.trimToAck(5, 5); !ok {
		t.Fatalf("trimToAck(5,5) = false, want true")
	}
	if b.len() != 0 {
		t.Fatalf("len() after full ack = %d, want 0", b.len())
	}
}

func TestRetransmitBufferTrimToAckPartial(t *testing.T) {
	var b retransmitBuffer
	b.append([]byte("abcdef"))
	if ok := b.trimToAck(4, 6); !ok {
		t.Fatalf("trimToAck(4,6) = false, want true")
	}
	if !bytes.Equal(b.buf, []byte("ef")) {
		t.Fatalf("buf after partial ack = %q, want %q", b.buf, "ef")
	}
}

func TestRetransmitBufferTrimToAckAboveSentFails(t *testing.T) {
	var b retransmitBuffer
	b.append([]byte("abc"))
	if ok := b.trimToAck(10, 3); ok {
		t.Fatalf("trimToAck(10,3) = true, want false (ack above sent)")
	}
}

func TestRetransmitBufferTrimToAckBelowDiscardedFails(t *testing.T) {
	var b retransmitBuffer
	b.append([]byte("ef")) // represents offsets [4,6): earlier bytes already discarded
	if ok := b.trimToAck(1, 6); ok {
		t.Fatalf("trimToAck(1,6) = true, want false (ack below discarded)")
	}
}
