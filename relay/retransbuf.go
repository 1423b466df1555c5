package relay

// retransmitBuffer is a sliding window over a byte stream, holding exactly
// the suffix of the stream that has been produced but not yet acknowledged
// by the peer. It has no independent capacity bound: ack-driven trimming is
// the only thing that shrinks it (see §4.2 of the design document).
//
// Not safe for concurrent use; callers serialize access (Session does this
// with its own mutex).
type retransmitBuffer struct {
	buf []byte
}

// append extends the buffer with newly produced bytes. The caller is
// responsible for advancing the corresponding absolute read offset.
func (b *retransmitBuffer) append(p []byte) {
	b.buf = append(b.buf, p...)
}

// len returns the number of unacked bytes currently held.
func (b *retransmitBuffer) len() int {
	return len(b.buf)
}

// trimToAck retains only the suffix of the buffer covering [ack, readOffset),
// where readOffset is the absolute offset one past the last byte appended.
// It returns false if ack falls outside the representable window: above
// readOffset (peer acked bytes never sent) or below the buffer's left edge
// (peer acked bytes already discarded).
func (b *retransmitBuffer) trimToAck(ack, readOffset uint64) bool {
	if ack > readOffset {
		return false
	}
	leftEdge := readOffset - uint64(len(b.buf))
	if ack < leftEdge {
		return false
	}
	keep := readOffset - ack
	b.buf = b.tailBytes(keep)
	return true
}

// tailFromOffset returns the suffix of the buffer starting at the absolute
// offset, given readOffset is the absolute offset one past the last byte
// appended. The precondition offset >= readOffset-len(buf) must already
// hold; callers that have just called trimToAck(ack, readOffset) satisfy it
// trivially since offset == ack.
func (b *retransmitBuffer) tailFromOffset(offset, readOffset uint64) []byte {
	keep := readOffset - offset
	return b.tailBytes(keep)
}

// tailBytes returns the last n bytes of the buffer as a fresh copy, or a nil
// (zero-length) slice when n is 0. A naive
// negative-index slice expression degenerates to the whole buffer when n is
// 0; this helper exists specifically to avoid that edge.
func (b *retransmitBuffer) tailBytes(n uint64) []byte {
	if n == 0 {
		return nil
	}
	start := uint64(len(b.buf)) - n
	out := make([]byte, n)
	copy(out, b.buf[start:])
	return out
}
