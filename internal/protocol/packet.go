// Package protocol implements the client wire format: length-prefixed
// binary frames over TCP, the same frames without the length prefix over
// WebSocket, with optional LZ4 block compression of response payloads.
//
// Request frame layout (all integers little-endian):
//
//	[ContentSize int32][MsgIdLen uint8][MsgId][MsgSeq uint16][StageId int64][Payload]
//
// Response frames carry two extra fields after StageId:
//
//	[ErrorCode uint16][OriginalSize int32][Payload]
//
// ContentSize counts every byte after itself. OriginalSize > 0 marks an
// LZ4-compressed payload and names its decompressed length.
package protocol

import (
	"errors"

	"github.com/playhouselab/playhouse/internal/payload"
)

// Reserved message ids handled by the session layer itself.
const (
	MsgIDHeartbeat = "@Heart@Beat@"
	MsgIDDebug     = "@Debug@"
	MsgIDTimeout   = "@Timeout@"
)

const (
	// MaxMsgIDLen ограничен длиной-байтом на проводе.
	MaxMsgIDLen = 255

	// DefaultMaxBodySize bounds a single payload.
	DefaultMaxBodySize = 2 * 1024 * 1024

	// DefaultCompressThreshold: payloads above it are candidates for LZ4.
	DefaultCompressThreshold = 512

	// maxFrameOverhead is the widest possible non-payload part of a frame:
	// MsgIdLen + MsgId + MsgSeq + StageId + ErrorCode + OriginalSize.
	maxFrameOverhead = 1 + MaxMsgIDLen + 2 + 8 + 2 + 4

	requestHeadLen  = 2 + 8 // MsgSeq + StageId
	responseTailLen = 2 + 4 // ErrorCode + OriginalSize

	// PrefixLen is the width of the ContentSize prefix. WebSocket frames
	// are self-delimiting and omit it.
	PrefixLen = 4
)

var (
	ErrMsgIDLength     = errors.New("protocol: message id length out of range")
	ErrFrameTooShort   = errors.New("protocol: frame shorter than header")
	ErrFrameTooLarge   = errors.New("protocol: frame exceeds size limit")
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds size limit")
	ErrOriginalSize    = errors.New("protocol: bad original size")
	ErrCompression     = errors.New("protocol: lz4 block error")
)

// Packet is one decoded client message. Requests leave ErrorCode zero;
// one-way sends keep MsgSeq zero.
type Packet struct {
	MsgID     string
	MsgSeq    uint16
	StageID   int64
	ErrorCode uint16
	Payload   *payload.Payload
}

// NewPacket builds a one-way packet (no MsgSeq, no reply expected).
func NewPacket(msgID string, body *payload.Payload) *Packet {
	if body == nil {
		body = payload.Empty()
	}
	return &Packet{MsgID: msgID, Payload: body}
}

// IsRequest reports whether the sender awaits a reply.
func (p *Packet) IsRequest() bool { return p.MsgSeq != 0 }

// IsHeartbeat reports the reserved keep-alive id.
func (p *Packet) IsHeartbeat() bool { return p.MsgID == MsgIDHeartbeat }

// Body returns the payload bytes (nil-safe).
func (p *Packet) Body() []byte {
	if p == nil || p.Payload == nil {
		return nil
	}
	return p.Payload.Bytes()
}

// Dispose releases the payload buffer. Idempotent.
func (p *Packet) Dispose() {
	if p != nil && p.Payload != nil {
		p.Payload.Dispose()
	}
}
