// Package iodump keeps the most recent bytes of a media stream in a fixed
// buffer so they can be written out for tracing.
package iodump

import (
	"fmt"
	"io"
)

// Buffer is a fixed-capacity circular byte buffer. It is not safe for
// concurrent use; channels guard it with their own lock.
type Buffer struct {
	data    []byte
	wrIdx   int
	wrapped bool
}

// New returns a buffer holding the last size bytes written.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dump buffer size must be positive, got %d", size)
	}
	return &Buffer{data: make([]byte, size)}, nil
}

// Size returns the buffer capacity.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Len returns the number of valid bytes currently held.
func (b *Buffer) Len() int {
	if b.wrapped {
		return len(b.data)
	}
	return b.wrIdx
}

// Wrapped reports whether older data has been overwritten.
func (b *Buffer) Wrapped() bool {
	return b.wrapped
}

// Write appends p, overwriting the oldest bytes once full. It returns the
// number of leading bytes of p that were never stored because p alone
// exceeds the capacity.
func (b *Buffer) Write(p []byte) (dropped int) {
	size := len(b.data)
	if len(p) >= size {
		dropped = len(p) - size
		copy(b.data, p[dropped:])
		b.wrIdx = 0
		b.wrapped = true
		return dropped
	}

	n := copy(b.data[b.wrIdx:], p)
	b.wrIdx += n
	if n < len(p) {
		b.wrIdx = copy(b.data, p[n:])
		b.wrapped = true
	} else if b.wrIdx == size {
		b.wrIdx = 0
		b.wrapped = true
	}
	return 0
}

// Bytes returns the held bytes oldest first.
func (b *Buffer) Bytes() []byte {
	if !b.wrapped {
		out := make([]byte, b.wrIdx)
		copy(out, b.data[:b.wrIdx])
		return out
	}
	out := make([]byte, 0, len(b.data))
	out = append(out, b.data[b.wrIdx:]...)
	return append(out, b.data[:b.wrIdx]...)
}

// DumpTo writes the held bytes oldest first and resets the buffer.
func (b *Buffer) DumpTo(w io.Writer) (int, error) {
	n, err := w.Write(b.Bytes())
	b.Reset()
	if err != nil {
		return n, fmt.Errorf("writing dump: %w", err)
	}
	return n, nil
}

// Reset discards all held bytes.
func (b *Buffer) Reset() {
	b.wrIdx = 0
	b.wrapped = false
}
