package protocol

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v3"

	"github.com/playhouselab/playhouse/internal/payload"
)

// Codec encodes and decodes client frames. The zero value is unusable;
// construct with NewCodec.
type Codec struct {
	maxBody           int
	compressThreshold int
}

// NewCodec builds a codec. Non-positive arguments take the defaults.
func NewCodec(maxBody, compressThreshold int) Codec {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	if compressThreshold <= 0 {
		compressThreshold = DefaultCompressThreshold
	}
	return Codec{maxBody: maxBody, compressThreshold: compressThreshold}
}

// MaxBody reports the payload size limit.
func (c Codec) MaxBody() int { return c.maxBody }

// MaxContent bounds the ContentSize field: the payload limit plus the
// widest possible header.
func (c Codec) MaxContent() int { return c.maxBody + maxFrameOverhead }

// hashTables переиспользуются между вызовами CompressBlock: таблица на
// 64К int слишком дорога, чтобы выделять её на каждый пакет.
var hashTables = sync.Pool{
	New: func() any {
		return make([]int, 1<<16)
	},
}

// EncodeRequest serializes a client→server packet into a pooled buffer,
// ContentSize prefix included. Requests are never compressed.
// OWNERSHIP: the returned buffer belongs to the caller; release it with
// payload.Return once written. The packet payload is only read.
func (c Codec) EncodeRequest(p *Packet) ([]byte, error) {
	n := len(p.MsgID)
	if n == 0 || n > MaxMsgIDLen {
		return nil, fmt.Errorf("encode request %q: %w", p.MsgID, ErrMsgIDLength)
	}
	body := p.Body()
	if len(body) > c.maxBody {
		return nil, fmt.Errorf("encode request %q: %d bytes: %w", p.MsgID, len(body), ErrPayloadTooLarge)
	}

	content := 1 + n + requestHeadLen + len(body)
	out := payload.Rent(PrefixLen + content)

	binary.LittleEndian.PutUint32(out, uint32(content))
	off := PrefixLen
	out[off] = byte(n)
	off++
	off += copy(out[off:], p.MsgID)
	binary.LittleEndian.PutUint16(out[off:], p.MsgSeq)
	off += 2
	binary.LittleEndian.PutUint64(out[off:], uint64(p.StageID))
	off += 8
	copy(out[off:], body)
	return out, nil
}

// EncodeResponse serializes a server→client packet into a pooled buffer,
// ContentSize prefix included. Payloads above the compression threshold are
// LZ4 block compressed when that saves at least 10%; OriginalSize then
// carries the decompressed length, otherwise it is zero.
//
// WebSocket writers must skip the first four bytes: WS frames are
// self-delimiting and omit ContentSize.
func (c Codec) EncodeResponse(p *Packet) ([]byte, error) {
	n := len(p.MsgID)
	if n == 0 || n > MaxMsgIDLen {
		return nil, fmt.Errorf("encode response %q: %w", p.MsgID, ErrMsgIDLength)
	}
	body := p.Body()
	if len(body) > c.maxBody {
		return nil, fmt.Errorf("encode response %q: %d bytes: %w", p.MsgID, len(body), ErrPayloadTooLarge)
	}

	enc := body
	originalSize := 0
	var scratch []byte
	if len(body) > c.compressThreshold {
		scratch = payload.Rent(lz4.CompressBlockBound(len(body)))
		ht := hashTables.Get().([]int)
		sz, err := lz4.CompressBlock(body, scratch, ht)
		hashTables.Put(ht)
		// Сжатие применяем только при выигрыше ≥10%, иначе шлём как есть.
		if err == nil && sz > 0 && sz*10 < len(body)*9 {
			enc = scratch[:sz]
			originalSize = len(body)
		} else {
			payload.Return(scratch)
			scratch = nil
		}
	}

	content := 1 + n + requestHeadLen + responseTailLen + len(enc)
	out := payload.Rent(PrefixLen + content)

	binary.LittleEndian.PutUint32(out, uint32(content))
	off := PrefixLen
	out[off] = byte(n)
	off++
	off += copy(out[off:], p.MsgID)
	binary.LittleEndian.PutUint16(out[off:], p.MsgSeq)
	off += 2
	binary.LittleEndian.PutUint64(out[off:], uint64(p.StageID))
	off += 8
	binary.LittleEndian.PutUint16(out[off:], p.ErrorCode)
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(originalSize))
	off += 4
	copy(out[off:], enc)

	if scratch != nil {
		payload.Return(scratch)
	}
	return out, nil
}

// DecodeRequest parses a frame body (everything after ContentSize; a whole
// WebSocket message). The payload is copied into a pooled buffer, so the
// frame buffer may be reused immediately after return.
func (c Codec) DecodeRequest(frame []byte) (*Packet, error) {
	if len(frame) < 1 {
		return nil, ErrFrameTooShort
	}
	n := int(frame[0])
	if n == 0 {
		return nil, ErrMsgIDLength
	}
	if len(frame) < 1+n+requestHeadLen {
		return nil, fmt.Errorf("request frame %d bytes, id length %d: %w", len(frame), n, ErrFrameTooShort)
	}

	p := &Packet{MsgID: string(frame[1 : 1+n])}
	off := 1 + n
	p.MsgSeq = binary.LittleEndian.Uint16(frame[off:])
	off += 2
	p.StageID = int64(binary.LittleEndian.Uint64(frame[off:]))
	off += 8

	body := frame[off:]
	if len(body) > c.maxBody {
		return nil, fmt.Errorf("request %q payload %d bytes: %w", p.MsgID, len(body), ErrPayloadTooLarge)
	}
	p.Payload = payload.Copy(body)
	return p, nil
}

// DecodeResponse parses a response frame body, decompressing the payload
// when OriginalSize is set. Used by test clients and diagnostics.
func (c Codec) DecodeResponse(frame []byte) (*Packet, error) {
	if len(frame) < 1 {
		return nil, ErrFrameTooShort
	}
	n := int(frame[0])
	if n == 0 {
		return nil, ErrMsgIDLength
	}
	if len(frame) < 1+n+requestHeadLen+responseTailLen {
		return nil, fmt.Errorf("response frame %d bytes, id length %d: %w", len(frame), n, ErrFrameTooShort)
	}

	p := &Packet{MsgID: string(frame[1 : 1+n])}
	off := 1 + n
	p.MsgSeq = binary.LittleEndian.Uint16(frame[off:])
	off += 2
	p.StageID = int64(binary.LittleEndian.Uint64(frame[off:]))
	off += 8
	p.ErrorCode = binary.LittleEndian.Uint16(frame[off:])
	off += 2
	originalSize := int(int32(binary.LittleEndian.Uint32(frame[off:])))
	off += 4

	body := frame[off:]
	if originalSize == 0 {
		if len(body) > c.maxBody {
			return nil, fmt.Errorf("response %q payload %d bytes: %w", p.MsgID, len(body), ErrPayloadTooLarge)
		}
		p.Payload = payload.Copy(body)
		return p, nil
	}
	if originalSize < 0 || originalSize > c.maxBody {
		return nil, fmt.Errorf("response %q original size %d: %w", p.MsgID, originalSize, ErrOriginalSize)
	}

	dst := payload.Rent(originalSize)
	sz, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		payload.Return(dst)
		return nil, fmt.Errorf("response %q: %v: %w", p.MsgID, err, ErrCompression)
	}
	if sz != originalSize {
		payload.Return(dst)
		return nil, fmt.Errorf("response %q decompressed to %d, expected %d: %w", p.MsgID, sz, originalSize, ErrOriginalSize)
	}
	p.Payload = payload.FromPool(dst[:sz])
	return p, nil
}

// ReadFrame extracts the next complete frame body from the ring buffer into
// a pooled buffer. Returns (nil, false, nil) when the buffered bytes do not
// yet form a whole frame. A malformed length prefix is fatal for the
// connection and returns an error.
// OWNERSHIP: the returned buffer belongs to the caller (payload.Return).
func (c Codec) ReadFrame(rb *RingBuffer) ([]byte, bool, error) {
	size, ok := rb.PeekInt32LE(0)
	if !ok {
		return nil, false, nil
	}
	content := int(size)
	if content <= 0 || content > c.MaxContent() {
		return nil, false, fmt.Errorf("content size %d: %w", content, ErrFrameTooLarge)
	}
	if rb.Count() < PrefixLen+content {
		return nil, false, nil
	}

	rb.Consume(PrefixLen)
	frame := payload.Rent(content)
	if got := rb.Read(frame); got != content {
		// Невозможно при однопоточном доступе: длина проверена выше.
		payload.Return(frame)
		return nil, false, fmt.Errorf("ring returned %d of %d bytes: %w", got, content, ErrFrameTooShort)
	}
	return frame, true, nil
}

// CheckWSFrame validates a WebSocket message length before decoding.
func (c Codec) CheckWSFrame(frame []byte) error {
	if len(frame) > c.MaxContent() {
		return fmt.Errorf("ws frame %d bytes: %w", len(frame), ErrFrameTooLarge)
	}
	return nil
}
