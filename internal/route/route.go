// Package route defines the packet that travels between servers: a msgpack
// header (routing metadata) plus an opaque payload. The same packet shape
// carries client messages once they enter a dispatcher, server-to-server
// requests and their replies.
package route

import (
	"github.com/playhouselab/playhouse/internal/payload"
)

// ServerType tells the two mesh roles apart.
type ServerType uint8

const (
	ServerTypeUnknown ServerType = iota
	ServerTypePlay
	ServerTypeApi
)

func (t ServerType) String() string {
	switch t {
	case ServerTypePlay:
		return "play"
	case ServerTypeApi:
		return "api"
	default:
		return "unknown"
	}
}

// ParseServerType maps the config spelling to a ServerType.
func ParseServerType(s string) ServerType {
	switch s {
	case "play":
		return ServerTypePlay
	case "api":
		return ServerTypeApi
	default:
		return ServerTypeUnknown
	}
}

// System message ids carried in the header MsgID field. The @-fenced form
// keeps them out of the application id space.
const (
	MsgIDCreateStage  = "@Create@Stage@"
	MsgIDDestroyStage = "@Destroy@Stage@"
	MsgIDTimeout      = "@Timeout@"
)

// Header is the routing metadata of one packet. Serialized with msgpack as
// a fixed 10-element array; see header_msgp.go.
type Header struct {
	MsgSeq    uint16     // request sequence, 0 for one-way sends
	ServiceID uint16     // logical service of the sender
	Type      ServerType // sender server type
	MsgID     string
	From      string // sender server id; the receiver overwrites this with the connection identity
	StageID   int64
	AccountID string
	Sid       int64 // client session id on the origin play server
	ErrorCode ErrorCode
	IsReply   bool
}

// Packet is a routed message: header plus moved-in payload.
type Packet struct {
	Header  Header
	Payload *payload.Payload
}

// NewPacket wraps a header and a payload. A nil payload becomes empty.
// OWNERSHIP: the packet owns body; release with Dispose exactly once.
func NewPacket(h Header, body *payload.Payload) *Packet {
	if body == nil {
		body = payload.Empty()
	}
	return &Packet{Header: h, Payload: body}
}

// IsRequest reports a packet that awaits a reply.
func (p *Packet) IsRequest() bool { return p.Header.MsgSeq != 0 && !p.Header.IsReply }

// IsReply reports a reply packet.
func (p *Packet) IsReply() bool { return p.Header.IsReply }

// Body returns the payload bytes (nil-safe).
func (p *Packet) Body() []byte {
	if p == nil || p.Payload == nil {
		return nil
	}
	return p.Payload.Bytes()
}

// Dispose releases the payload. Idempotent.
func (p *Packet) Dispose() {
	if p != nil && p.Payload != nil {
		p.Payload.Dispose()
	}
}

// Reply builds a reply to req carrying the same MsgSeq, MsgID and client
// addressing, directed back at the request origin.
func Reply(req *Packet, code ErrorCode, body *payload.Payload) *Packet {
	return ReplyWith(req, code, req.Header.MsgID, body)
}

// ReplyWith is Reply with an explicit reply message id.
func ReplyWith(req *Packet, code ErrorCode, msgID string, body *payload.Payload) *Packet {
	if body == nil {
		body = payload.Empty()
	}
	return &Packet{
		Header: Header{
			MsgSeq:    req.Header.MsgSeq,
			ServiceID: req.Header.ServiceID,
			MsgID:     msgID,
			StageID:   req.Header.StageID,
			AccountID: req.Header.AccountID,
			Sid:       req.Header.Sid,
			ErrorCode: code,
			IsReply:   true,
		},
		Payload: body,
	}
}

// TimeoutReply synthesizes the reply a request cache delivers when the real
// one never arrived.
func TimeoutReply(seq uint16) *Packet {
	return &Packet{
		Header: Header{
			MsgSeq:    seq,
			MsgID:     MsgIDTimeout,
			ErrorCode: RequestTimeout,
			IsReply:   true,
		},
		Payload: payload.Empty(),
	}
}

// CancelReply synthesizes the reply delivered when the transport under an
// outstanding request went away.
func CancelReply(seq uint16, code ErrorCode) *Packet {
	return &Packet{
		Header: Header{
			MsgSeq:    seq,
			MsgID:     MsgIDTimeout,
			ErrorCode: code,
			IsReply:   true,
		},
		Payload: payload.Empty(),
	}
}
