package route

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/playhouselab/playhouse/internal/payload"
)

// Mesh wire layout (little-endian):
//
//	[FrameLen int32][HeaderLen int32][Header msgpack][Payload]
//
// FrameLen counts everything after itself.
const (
	// FramePrefixLen is the outer length field.
	FramePrefixLen = 4

	// MaxHeaderLen bounds the msgpack header: generously above anything a
	// legal header can produce, small enough to kill corrupt streams fast.
	MaxHeaderLen = 64 * 1024
)

var (
	ErrFrameCorrupt    = errors.New("route: corrupt frame")
	ErrHeaderTooLarge  = errors.New("route: header exceeds size limit")
	ErrPayloadTooLarge = errors.New("route: payload exceeds size limit")
)

// EncodeFrame serializes the packet into a pooled buffer, FrameLen prefix
// included. The packet payload is only read, not consumed.
// OWNERSHIP: release the returned buffer with payload.Return after writing.
func EncodeFrame(p *Packet) ([]byte, error) {
	body := p.Body()
	bound := FramePrefixLen + 4 + p.Header.Msgsize() + len(body)
	buf := payload.Rent(bound)

	hdr, err := p.Header.MarshalMsg(buf[8:8])
	if err != nil {
		payload.Return(buf)
		return nil, fmt.Errorf("marshal route header: %w", err)
	}
	hlen := len(hdr)
	copy(buf[8+hlen:], body)

	frameLen := 4 + hlen + len(body)
	binary.LittleEndian.PutUint32(buf, uint32(frameLen))
	binary.LittleEndian.PutUint32(buf[4:], uint32(hlen))
	return buf[:FramePrefixLen+frameLen], nil
}

// DecodeFrame parses a frame body (everything after FrameLen). The payload
// is copied into a pooled buffer; the input may be reused immediately.
func DecodeFrame(frame []byte, maxBody int) (*Packet, error) {
	if len(frame) < 4 {
		return nil, ErrFrameCorrupt
	}
	hlen := int(int32(binary.LittleEndian.Uint32(frame)))
	if hlen <= 0 || hlen > MaxHeaderLen {
		return nil, fmt.Errorf("header length %d: %w", hlen, ErrHeaderTooLarge)
	}
	if 4+hlen > len(frame) {
		return nil, fmt.Errorf("header length %d in a %d byte frame: %w", hlen, len(frame), ErrFrameCorrupt)
	}

	var h Header
	if _, err := h.UnmarshalMsg(frame[4 : 4+hlen]); err != nil {
		return nil, fmt.Errorf("unmarshal route header: %w", err)
	}

	body := frame[4+hlen:]
	if maxBody > 0 && len(body) > maxBody {
		return nil, fmt.Errorf("payload %d bytes: %w", len(body), ErrPayloadTooLarge)
	}
	return NewPacket(h, payload.Copy(body)), nil
}
