// Package ringbuf provides the fixed-capacity circular byte buffer used on
// each direction of a bridge connection.
//
// A RingBuf is not safe for concurrent use; callers that share one between
// goroutines hold their own lock around every call.
package ringbuf

import (
	"errors"
	"fmt"
)

// ErrInvalidCapacity is returned by New for a non-positive capacity.
var ErrInvalidCapacity = errors.New("ring buffer capacity must be positive")

// RingBuf is a FIFO byte store over a fixed allocation.
type RingBuf struct {
	buf    []byte
	start  int
	length int
}

// New allocates a buffer holding at most capacity bytes.
func New(capacity int) (*RingBuf, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &RingBuf{buf: make([]byte, capacity)}, nil
}

// Capacity is the fixed size of the buffer.
func (r *RingBuf) Capacity() int { return len(r.buf) }

// Used is the number of unread bytes.
func (r *RingBuf) Used() int { return r.length }

// Available is the free space.
func (r *RingBuf) Available() int { return len(r.buf) - r.length }

// Clear discards all unread bytes.
func (r *RingBuf) Clear() {
	r.start = 0
	r.length = 0
}

// Write appends all of p and returns len(p), or writes nothing and returns
// 0 when p does not fit in the free space.
func (r *RingBuf) Write(p []byte) int {
	if len(p) == 0 || len(p) > r.Available() {
		return 0
	}
	pos := (r.start + r.length) % len(r.buf)
	n := copy(r.buf[pos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.length += len(p)
	return len(p)
}

// Peek copies up to len(p) unread bytes into p without consuming them.
func (r *RingBuf) Peek(p []byte) int {
	n := len(p)
	if n > r.length {
		n = r.length
	}
	if n == 0 {
		return 0
	}
	first := copy(p[:n], r.buf[r.start:])
	if first < n {
		copy(p[first:n], r.buf)
	}
	return n
}

// PeekN returns a copy of up to n unread bytes.
func (r *RingBuf) PeekN(n int) []byte {
	if n > r.length {
		n = r.length
	}
	p := make([]byte, n)
	r.Peek(p)
	return p
}

// Read copies up to len(p) bytes into p and consumes them.
func (r *RingBuf) Read(p []byte) int {
	n := r.Peek(p)
	r.advance(n)
	return n
}

// Consume discards up to n unread bytes and returns how many were dropped.
func (r *RingBuf) Consume(n int) int {
	if n > r.length {
		n = r.length
	}
	if n <= 0 {
		return 0
	}
	r.advance(n)
	return n
}

func (r *RingBuf) advance(n int) {
	r.start = (r.start + n) % len(r.buf)
	r.length -= n
	if r.length == 0 {
		r.start = 0
	}
}
