package integration

import (
	"bytes"

	"github.com/playhouselab/playhouse/internal/room"
)

// Несжатое эхо: маленькое тело едет как есть, reply под своим id.
func (s *ClusterSuite) TestEchoUncompressed() {
	cl := s.newClient(42, "s1")

	body := make([]byte, 64)
	f := cl.Request(room.MsgEcho, 42, body)

	s.Require().True(f.OK(), "echo: code %d", f.ErrorCode)
	s.Equal(room.MsgEchoReply, f.MsgID)
	s.Equal(int64(42), f.StageID)
	s.NotZero(f.MsgSeq)
	s.Zero(f.OriginalSize, "64 bytes must not be compressed")
	s.Equal(body, f.Body)
}

// Сжатое эхо: 8 KiB одинаковых байт уезжают LZ4-блоком с OriginalSize.
func (s *ClusterSuite) TestEchoCompressed() {
	cl := s.newClient(43, "s2")

	body := bytes.Repeat([]byte{0xAA}, 8192)
	f := cl.Request(room.MsgEcho, 43, body)

	s.Require().True(f.OK(), "echo: code %d", f.ErrorCode)
	s.Equal(room.MsgEchoReply, f.MsgID)
	s.Equal(8192, f.OriginalSize)
	s.Less(f.WireSize, 8192, "compressible payload must shrink on the wire")
	s.Equal(body, f.Body)
}
