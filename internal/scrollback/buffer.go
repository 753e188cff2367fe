// Package scrollback implements the fixed-byte-capacity ring buffer that
// captures PTY output for attach-time replay (spec.md §4.1).
//
// This generalizes the teacher's Instance.logBuf rolling byte slice
// (internal/daemon/instance.go's ptyReader, which trims to maxLogBytes on
// every append) into its own package with an explicit capacity parameter.
package scrollback

import "sync"

// Buffer is a byte-oriented bounded history. Byte-level, not line-level,
// granularity is deliberate: it preserves partial escape sequences across
// append boundaries. A single producer (the owning session's reader loop)
// appends; any number of callers may take a Snapshot.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
}

// New creates an empty Buffer with the given positive capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("scrollback: capacity must be positive")
	}
	return &Buffer{capacity: capacity}
}

// Append adds b to the buffer in order. If the result would exceed
// capacity, the oldest bytes are dropped so that at most capacity bytes
// are retained — the most recent ones. Never fails.
func (buf *Buffer) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if len(b) >= buf.capacity {
		// Only the tail of this single append can survive.
		buf.data = append(buf.data[:0], b[len(b)-buf.capacity:]...)
		return
	}

	total := len(buf.data) + len(b)
	if total <= buf.capacity {
		buf.data = append(buf.data, b...)
		return
	}

	// Drop the oldest (total - capacity) bytes, then append.
	drop := total - buf.capacity
	buf.data = append(buf.data[:0], buf.data[drop:]...)
	buf.data = append(buf.data, b...)
}

// Snapshot returns a copy of all retained bytes in FIFO order.
func (buf *Buffer) Snapshot() []byte {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	out := make([]byte, len(buf.data))
	copy(out, buf.data)
	return out
}

// Len returns the number of bytes currently retained.
func (buf *Buffer) Len() int {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.data)
}

// IsEmpty reports whether the buffer currently retains no bytes.
func (buf *Buffer) IsEmpty() bool {
	return buf.Len() == 0
}

// Capacity returns the buffer's fixed capacity.
func (buf *Buffer) Capacity() int {
	return buf.capacity
}
