// Package replication implements both halves of leader/follower
// streaming: the leader side (backlog ring, follower registry, full and
// partial resync, acknowledgement tracking) and the follower side
// (handshake, snapshot load, stream application, periodic ACKs).
package replication

import "sync"

// Backlog is the fixed-size ring of the most recently propagated bytes.
// Offsets are absolute byte counts since the start of the current
// replication epoch; the ring remembers the window
// [startOffset, endOffset) and can replay any suffix still inside it,
// which is what makes +CONTINUE possible.
type Backlog struct {
	mu          sync.Mutex
	buf         []byte
	maxSize     int
	startOffset int64 // offset of buf[0]
	endOffset   int64 // offset one past the last byte
}

func NewBacklog(maxSize int) *Backlog {
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	return &Backlog{maxSize: maxSize}
}

// Append adds b at endOffset, trimming the front to stay within maxSize.
func (bl *Backlog) Append(b []byte) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.buf = append(bl.buf, b...)
	bl.endOffset += int64(len(b))
	if over := len(bl.buf) - bl.maxSize; over > 0 {
		bl.buf = append(bl.buf[:0:0], bl.buf[over:]...)
		bl.startOffset += int64(over)
	}
}

// Since returns a copy of all bytes from offset to the end, or ok=false
// when offset has already been trimmed out of (or is beyond) the window.
func (bl *Backlog) Since(offset int64) ([]byte, bool) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if offset < bl.startOffset || offset > bl.endOffset {
		return nil, false
	}
	out := make([]byte, bl.endOffset-offset)
	copy(out, bl.buf[offset-bl.startOffset:])
	return out, true
}

// End returns the offset one past the last byte in the ring.
func (bl *Backlog) End() int64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.endOffset
}

// Reset clears the ring and rebases both ends at offset, used when the
// server becomes a leader with a fresh replication id.
func (bl *Backlog) Reset(offset int64) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.buf = nil
	bl.startOffset = offset
	bl.endOffset = offset
}
