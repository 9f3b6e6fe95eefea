// Package buffer provides a growable byte buffer with a bounded maximum
// size. It backs arclib.Message's in-memory copy of the message body,
// where an unbounded buffer would let a pathological message exhaust
// memory.
package buffer

import "fmt"

// OverflowFunc is invoked on every write that would push the buffer
// past its configured maximum. Returning a non-nil error aborts the
// write with that error; returning nil lets the buffer grow past its
// soft cap (the caller has decided the overflow is acceptable, e.g. for
// a diagnostic dump).
type OverflowFunc func(current, attempted, max int) error

// Buffer is an append-only, growable []byte with an optional maximum
// size and overflow hook.
type Buffer struct {
	data     []byte
	max      int // 0 means unbounded
	overflow OverflowFunc
}

// New creates a Buffer. max <= 0 means unbounded. overflow may be nil,
// in which case exceeding max returns a generic error.
func New(max int, overflow OverflowFunc) *Buffer {
	return &Buffer{max: max, overflow: overflow}
}

// Write appends p, honoring the configured maximum.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.max > 0 && len(b.data)+len(p) > b.max {
		var err error
		if b.overflow != nil {
			err = b.overflow(len(b.data), len(b.data)+len(p), b.max)
		} else {
			err = fmt.Errorf("buffer: write of %d bytes exceeds max size %d", len(p), b.max)
		}
		if err != nil {
			return 0, err
		}
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Bytes returns the accumulated bytes. The returned slice aliases the
// buffer's storage and must not be retained across further writes.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// String returns the accumulated bytes as a string.
func (b *Buffer) String() string {
	return string(b.data)
}

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Reset empties the buffer without releasing its backing array.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}
