// Package payload owns the byte buffers that travel through the server:
// a move-only container over a size-classed buffer pool.
//
// A Payload has exactly one owner at a time. Move transfers ownership and
// empties the source; Dispose releases the underlying buffer exactly once
// and is safe to call repeatedly. None of the methods are safe for
// concurrent use: a payload belongs to one goroutine at a time, ownership
// is handed over together with the value.
package payload

type kind uint8

const (
	kindEmpty kind = iota
	kindInline
	kindPooled
	kindView
)

// Payload is an owned (or borrowed) byte span.
type Payload struct {
	kind kind
	buf  []byte
	pool *Pool // nil for the process-global pool
}

// empty is the shared zero payload. Every operation on it is a no-op, so a
// single instance can be handed out freely.
var empty = &Payload{}

// Empty returns the shared empty payload.
func Empty() *Payload { return empty }

// FromBytes wraps b as an inline payload. The payload owns b from now on;
// the caller must not touch it afterwards. Dispose drops the reference and
// leaves the slice to the GC.
func FromBytes(b []byte) *Payload {
	if len(b) == 0 {
		return empty
	}
	return &Payload{kind: kindInline, buf: b}
}

// FromPool wraps a buffer previously rented from the process-global pool.
// Dispose returns it there.
func FromPool(buf []byte) *Payload {
	if len(buf) == 0 {
		Return(buf)
		return empty
	}
	return &Payload{kind: kindPooled, buf: buf}
}

// FromPoolOf wraps a buffer rented from a specific pool.
func FromPoolOf(p *Pool, buf []byte) *Payload {
	if len(buf) == 0 {
		p.Return(buf)
		return empty
	}
	return &Payload{kind: kindPooled, buf: buf, pool: p}
}

// View wraps b without taking ownership: Dispose is a no-op for the
// underlying buffer. The view stays valid only as long as the real owner
// keeps the buffer alive. Used to decode in place before copying out.
func View(b []byte) *Payload {
	if len(b) == 0 {
		return empty
	}
	return &Payload{kind: kindView, buf: b}
}

// Copy rents a pooled buffer and copies b into it.
func Copy(b []byte) *Payload {
	if len(b) == 0 {
		return empty
	}
	buf := Rent(len(b))
	copy(buf, b)
	return &Payload{kind: kindPooled, buf: buf}
}

// Len reports the payload length in bytes.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.buf)
}

// IsEmpty reports whether the payload holds no bytes.
func (p *Payload) IsEmpty() bool { return p.Len() == 0 }

// Bytes exposes the underlying bytes without copying.
// OWNERSHIP: the slice is valid until Move or Dispose; do not retain it.
func (p *Payload) Bytes() []byte {
	if p == nil {
		return nil
	}
	return p.buf
}

// Move transfers ownership into a fresh container and empties the receiver.
// Further Bytes/Len on the receiver see an empty payload and Dispose on it
// is a no-op. Move of an empty payload returns the shared empty instance.
func (p *Payload) Move() *Payload {
	if p == nil || p.kind == kindEmpty {
		return empty
	}
	moved := &Payload{kind: p.kind, buf: p.buf, pool: p.pool}
	p.kind = kindEmpty
	p.buf = nil
	p.pool = nil
	return moved
}

// CopyBytes returns a detached copy of the payload bytes (heap-allocated,
// GC-owned). Useful when a handler wants to retain data past dispatch.
func (p *Payload) CopyBytes() []byte {
	if p.Len() == 0 {
		return nil
	}
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}

// Dispose releases the buffer. Pooled buffers return to their pool, inline
// and view buffers are dropped. Dispose is idempotent: the second and later
// calls see an empty payload and do nothing.
func (p *Payload) Dispose() {
	if p == nil || p.kind == kindEmpty {
		return
	}
	if p.kind == kindPooled {
		if p.pool != nil {
			p.pool.Return(p.buf)
		} else {
			Return(p.buf)
		}
	}
	p.kind = kindEmpty
	p.buf = nil
	p.pool = nil
}
