package route

import (
	"github.com/tinylib/msgp/msgp"
)

// Заголовок кодируется msgpack-массивом фиксированной длины: порядок полей
// является частью протокола, имена полей на провод не попадают.
const headerFields = 10

// MarshalMsg implements msgp.Marshaler.
func (h *Header) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, h.Msgsize())
	o = msgp.AppendArrayHeader(o, headerFields)
	o = msgp.AppendUint16(o, h.MsgSeq)
	o = msgp.AppendUint16(o, h.ServiceID)
	o = msgp.AppendUint8(o, uint8(h.Type))
	o = msgp.AppendString(o, h.MsgID)
	o = msgp.AppendString(o, h.From)
	o = msgp.AppendInt64(o, h.StageID)
	o = msgp.AppendString(o, h.AccountID)
	o = msgp.AppendInt64(o, h.Sid)
	o = msgp.AppendUint16(o, uint16(h.ErrorCode))
	o = msgp.AppendBool(o, h.IsReply)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (h *Header) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	if sz != headerFields {
		return b, msgp.ArrayError{Wanted: headerFields, Got: sz}
	}
	if h.MsgSeq, o, err = msgp.ReadUint16Bytes(o); err != nil {
		return b, err
	}
	if h.ServiceID, o, err = msgp.ReadUint16Bytes(o); err != nil {
		return b, err
	}
	var st uint8
	if st, o, err = msgp.ReadUint8Bytes(o); err != nil {
		return b, err
	}
	h.Type = ServerType(st)
	if h.MsgID, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	if h.From, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	if h.StageID, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return b, err
	}
	if h.AccountID, o, err = msgp.ReadStringBytes(o); err != nil {
		return b, err
	}
	if h.Sid, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return b, err
	}
	var code uint16
	if code, o, err = msgp.ReadUint16Bytes(o); err != nil {
		return b, err
	}
	h.ErrorCode = ErrorCode(code)
	if h.IsReply, o, err = msgp.ReadBoolBytes(o); err != nil {
		return b, err
	}
	return o, nil
}

// Msgsize implements msgp.Sizer: an upper bound on the encoded header.
func (h *Header) Msgsize() int {
	return msgp.ArrayHeaderSize +
		3*msgp.Uint16Size +
		msgp.Uint8Size +
		msgp.StringPrefixSize + len(h.MsgID) +
		msgp.StringPrefixSize + len(h.From) +
		msgp.StringPrefixSize + len(h.AccountID) +
		2*msgp.Int64Size +
		msgp.BoolSize
}
