package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math/bits"
)

// ErrRingFull: запись не помещается целиком; частичных записей не бывает.
var ErrRingFull = errors.New("protocol: ring buffer full")

// RingBuffer is a fixed-capacity byte ring used to reassemble frames from a
// TCP stream. Capacity is rounded up to a power of two.
//
// Not safe for concurrent use: the session read loop is the only producer
// and the only consumer.
type RingBuffer struct {
	buf   []byte
	head  int
	count int
}

// NewRingBuffer allocates a ring of at least the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 16 {
		capacity = 16
	}
	if capacity&(capacity-1) != 0 {
		capacity = 1 << bits.Len(uint(capacity))
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

func (r *RingBuffer) mask() int { return len(r.buf) - 1 }

// Count reports the number of buffered bytes.
func (r *RingBuffer) Count() int { return r.count }

// Capacity reports the total ring size.
func (r *RingBuffer) Capacity() int { return len(r.buf) }

// Free reports how many bytes fit before the ring overflows.
func (r *RingBuffer) Free() int { return len(r.buf) - r.count }

// Clear discards all buffered bytes.
func (r *RingBuffer) Clear() {
	r.head = 0
	r.count = 0
}

// Write appends p in full or fails with ErrRingFull without touching the
// ring.
func (r *RingBuffer) Write(p []byte) error {
	if len(p) > r.Free() {
		return ErrRingFull
	}
	tail := (r.head + r.count) & r.mask()
	n := copy(r.buf[tail:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.count += len(p)
	return nil
}

// Read copies up to len(p) bytes out of the ring and consumes them.
func (r *RingBuffer) Read(p []byte) int {
	n := len(p)
	if n > r.count {
		n = r.count
	}
	if n == 0 {
		return 0
	}
	first := copy(p[:n], r.buf[r.head:])
	if first < n {
		copy(p[first:n], r.buf)
	}
	r.head = (r.head + n) & r.mask()
	r.count -= n
	return n
}

// Peek copies up to len(p) bytes starting at offset without consuming.
// Returns the number of bytes copied.
func (r *RingBuffer) Peek(offset int, p []byte) int {
	if offset < 0 || offset >= r.count {
		return 0
	}
	n := len(p)
	if avail := r.count - offset; n > avail {
		n = avail
	}
	start := (r.head + offset) & r.mask()
	first := copy(p[:n], r.buf[start:])
	if first < n {
		copy(p[first:n], r.buf)
	}
	return n
}

// PeekInt32LE reads a little-endian int32 at offset without consuming.
func (r *RingBuffer) PeekInt32LE(offset int) (int32, bool) {
	var b [4]byte
	if r.Peek(offset, b[:]) != 4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(b[:])), true
}

// Consume discards up to n buffered bytes and returns how many were
// discarded.
func (r *RingBuffer) Consume(n int) int {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return 0
	}
	r.head = (r.head + n) & r.mask()
	r.count -= n
	return n
}

// ReadFrom fills the ring with a single Read from rd into the contiguous
// free run. Returns ErrRingFull when no space is left; a zero-byte read is
// reported as io.EOF by rd itself.
func (r *RingBuffer) ReadFrom(rd io.Reader) (int, error) {
	if r.Free() == 0 {
		return 0, ErrRingFull
	}
	tail := (r.head + r.count) & r.mask()
	var run []byte
	if tail < r.head {
		run = r.buf[tail:r.head]
	} else {
		run = r.buf[tail:]
	}
	n, err := rd.Read(run)
	r.count += n
	return n, err
}
