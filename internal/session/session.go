// Package session owns the client boundary of a play server: the TCP and
// WebSocket listeners, per-connection framing, the authentication gate and
// the per-session send queues. Decoded packets are handed to the play
// dispatcher; the session layer itself understands only the reserved
// message ids (heartbeat and debug echo control).
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhouselab/playhouse/internal/metrics"
	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/protocol"
	"github.com/playhouselab/playhouse/internal/route"
)

const (
	defaultIdleTimeout   = 30 * time.Second
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 5 * time.Second

	// rawEchoChunk is the read size in raw echo mode, where no ring is used.
	rawEchoChunk = 32 * 1024
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionClosed   = errors.New("session: closed")
	ErrSendQueueFull   = errors.New("session: send queue full")
)

// Kind discriminates the client transport.
type Kind uint8

const (
	KindTCP Kind = iota + 1
	KindWS
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindWS:
		return "ws"
	}
	return "unknown"
}

// EchoMode selects the diagnostic echo side-mode of a session. Raw writes
// received bytes back verbatim, parsed decodes and re-encodes each frame.
// Both bypass the dispatcher entirely and exist for transport benchmarks.
type EchoMode uint8

const (
	EchoOff EchoMode = iota
	EchoRaw
	EchoParsed
)

// ParseEchoMode maps a config string to a mode. Empty means off.
func ParseEchoMode(s string) (EchoMode, error) {
	switch s {
	case "", "off":
		return EchoOff, nil
	case "raw":
		return EchoRaw, nil
	case "parsed":
		return EchoParsed, nil
	}
	return EchoOff, fmt.Errorf("session: unknown echo mode %q", s)
}

func (m EchoMode) String() string {
	switch m {
	case EchoRaw:
		return "raw"
	case EchoParsed:
		return "parsed"
	}
	return "off"
}

// Session is one live client connection. Exactly one of tcp/ws is set.
//
// Three goroutines touch a session: the read loop (owns echo mode and all
// inbound parsing), the write pump (owns the socket teardown) and arbitrary
// callers of the manager's send methods.
type Session struct {
	id  int64
	mgr *Manager

	tcp net.Conn
	ws  *websocket.Conn

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closeCode atomic.Uint32

	authed atomic.Bool
	// account пишется один раз в bind до установки флага authed.
	account string
	stage   atomic.Int64

	echo EchoMode
}

// ID returns the session id.
func (s *Session) ID() int64 { return s.id }

// Kind reports the transport of this session.
func (s *Session) Kind() Kind {
	if s.ws != nil {
		return KindWS
	}
	return KindTCP
}

// bind marks the session authenticated and joined. The account becomes
// visible to the read loop together with the flag.
func (s *Session) bind(accountID string, stageID int64) {
	s.account = accountID
	s.stage.Store(stageID)
	s.authed.Store(true)
}

// close requests teardown with the given status. The first caller wins;
// the write pump flushes the queue and closes the socket, which in turn
// unblocks the read loop.
func (s *Session) close(code route.ErrorCode) {
	s.closeOnce.Do(func() {
		s.closeCode.Store(uint32(code))
		close(s.closeCh)
	})
}

func (s *Session) reason() route.ErrorCode {
	return route.ErrorCode(s.closeCode.Load())
}

// enqueue hands a pre-encoded frame (ContentSize prefix included) to the
// write pump. OWNERSHIP: takes the pooled buffer on every path; it returns
// to the pool after the write. A full queue drops the whole session: a
// client that cannot keep up with its own traffic is beyond saving.
func (s *Session) enqueue(buf []byte) error {
	select {
	case <-s.closeCh:
		payload.Return(buf)
		return ErrSessionClosed
	default:
	}
	select {
	case s.sendCh <- buf:
		return nil
	default:
		payload.Return(buf)
		slog.Warn("send queue full, disconnecting slow client", "sid", s.id)
		s.close(route.BufferOverflow)
		return ErrSendQueueFull
	}
}

// run drives the session to completion: spawns the write pump, blocks in
// the read loop, then unregisters. Runs on its own goroutine.
func (s *Session) run() {
	go s.writePump()
	if s.ws != nil {
		s.readWS()
	} else {
		s.readTCP()
	}
	s.close(route.ConnectionClosed)
	s.mgr.drop(s)
}

// --- read side ---

func (s *Session) readTCP() {
	if s.echo == EchoRaw {
		s.echoRawTCP()
		return
	}
	conn := s.tcp
	ring := protocol.NewRingBuffer(s.mgr.ringCapacity)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.mgr.cfg.IdleTimeout)); err != nil {
			return
		}
		n, err := ring.ReadFrom(conn)
		if n > 0 {
			metrics.ClientBytesIn.Add(float64(n))
			if !s.drainFrames(ring) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, protocol.ErrRingFull) {
				// Кадр не помещается в кольцо целиком.
				slog.Warn("receive ring overflow", "sid", s.id, "buffered", ring.Count())
				s.close(route.BufferOverflow)
				return
			}
			s.logReadEnd(err)
			return
		}
	}
}

// drainFrames extracts every complete frame buffered in the ring.
// Returns false once the session is closing.
func (s *Session) drainFrames(ring *protocol.RingBuffer) bool {
	for {
		frame, ok, err := s.mgr.codec.ReadFrame(ring)
		if err != nil {
			slog.Warn("client framing error", "sid", s.id, "err", err)
			s.close(route.DecodeFailed)
			return false
		}
		if !ok {
			return true
		}
		if !s.handleFrame(frame) {
			return false
		}
	}
}

// handleFrame consumes one TCP frame body. OWNERSHIP: frame is a pooled
// buffer and is returned here.
func (s *Session) handleFrame(frame []byte) bool {
	if s.echo == EchoParsed {
		ok := s.echoParsed(frame)
		payload.Return(frame)
		return ok
	}
	pkt, err := s.mgr.codec.DecodeRequest(frame)
	payload.Return(frame)
	if err != nil {
		slog.Warn("client decode error", "sid", s.id, "err", err)
		s.close(route.DecodeFailed)
		return false
	}
	return s.dispatch(pkt)
}

func (s *Session) readWS() {
	conn := s.ws
	conn.SetReadLimit(int64(s.mgr.codec.MaxContent()))
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.mgr.cfg.IdleTimeout)); err != nil {
			return
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				slog.Warn("ws frame over limit", "sid", s.id)
				s.close(route.BufferOverflow)
				return
			}
			s.logReadEnd(err)
			return
		}
		metrics.ClientBytesIn.Add(float64(len(data)))
		if kind != websocket.BinaryMessage {
			slog.Warn("non-binary ws frame", "sid", s.id, "type", kind)
			s.close(route.DecodeFailed)
			return
		}
		if !s.handleWSFrame(data) {
			return
		}
	}
}

// handleWSFrame consumes one WebSocket message: the frame body layout of
// §TCP without the ContentSize prefix. The buffer belongs to gorilla.
func (s *Session) handleWSFrame(data []byte) bool {
	switch s.echo {
	case EchoRaw:
		return s.echoRawWS(data)
	case EchoParsed:
		return s.echoParsed(data)
	}
	pkt, err := s.mgr.codec.DecodeRequest(data)
	if err != nil {
		slog.Warn("client decode error", "sid", s.id, "err", err)
		s.close(route.DecodeFailed)
		return false
	}
	return s.dispatch(pkt)
}

// dispatch routes one decoded packet. Ownership passes to the play side on
// success; reserved and rejected packets are disposed here.
func (s *Session) dispatch(pkt *protocol.Packet) bool {
	switch {
	case pkt.IsHeartbeat():
		// Таймер простоя сбросили сами принятые байты; ответа нет.
		pkt.Dispose()
		return true
	case pkt.MsgID == protocol.MsgIDDebug:
		return s.handleDebug(pkt)
	}
	if !s.authed.Load() {
		if pkt.MsgID != s.mgr.cfg.AuthMsgID {
			slog.Warn("message before authentication", "sid", s.id, "msg_id", pkt.MsgID)
			s.rejectPacket(pkt, route.Unauthorized)
			return false
		}
		s.mgr.disp.Authenticate(s.id, pkt)
		return true
	}
	s.mgr.disp.OnClientPacket(s.id, s.account, s.stage.Load(), pkt)
	return true
}

// rejectPacket answers a request with an error code, then closes. The
// reply is best effort: the write pump flushes the queue before the socket
// goes down.
func (s *Session) rejectPacket(pkt *protocol.Packet, code route.ErrorCode) {
	defer pkt.Dispose()
	if pkt.IsRequest() {
		out := &protocol.Packet{
			MsgID:     pkt.MsgID,
			MsgSeq:    pkt.MsgSeq,
			StageID:   pkt.StageID,
			ErrorCode: uint16(code),
		}
		if buf, err := s.mgr.codec.EncodeResponse(out); err == nil {
			_ = s.enqueue(buf)
		}
	}
	s.close(code)
}

// handleDebug reacts to the reserved echo-control id in normal dispatch
// mode. Without the config master switch the packet is dropped.
func (s *Session) handleDebug(pkt *protocol.Packet) bool {
	defer pkt.Dispose()
	if s.mgr.cfg.Echo == EchoOff {
		slog.Warn("debug echo disabled, dropping control packet", "sid", s.id)
		return true
	}
	s.applyDebug(string(pkt.Body()))
	return true
}

// applyDebug switches the session echo mode. Raw is config-only: a raw
// session never parses frames, so no control packet could switch it back.
func (s *Session) applyDebug(mode string) {
	m, err := ParseEchoMode(mode)
	if err != nil {
		slog.Warn("bad debug echo mode", "sid", s.id, "mode", mode)
		return
	}
	if m == EchoRaw {
		slog.Warn("raw echo is config-only", "sid", s.id)
		return
	}
	slog.Info("echo mode switched", "sid", s.id, "mode", m)
	s.echo = m
}

// --- echo side-modes ---

// echoRawTCP bypasses both the ring and the codec: whatever chunk arrives
// goes back verbatim.
func (s *Session) echoRawTCP() {
	conn := s.tcp
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.mgr.cfg.IdleTimeout)); err != nil {
			return
		}
		buf := payload.Rent(rawEchoChunk)
		n, err := conn.Read(buf)
		if n > 0 {
			metrics.ClientBytesIn.Add(float64(n))
			if s.enqueue(buf[:n]) != nil {
				return
			}
		} else {
			payload.Return(buf)
		}
		if err != nil {
			s.logReadEnd(err)
			return
		}
	}
}

// echoRawWS reframes one WS message for the shared send queue, whose
// buffers always carry the ContentSize prefix.
func (s *Session) echoRawWS(data []byte) bool {
	buf := payload.Rent(protocol.PrefixLen + len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[protocol.PrefixLen:], data)
	return s.enqueue(buf) == nil
}

// echoParsed bounces a decoded request back byte for byte. A @Debug@
// packet switches the session mode instead of echoing.
func (s *Session) echoParsed(frame []byte) bool {
	pkt, err := s.mgr.codec.DecodeRequest(frame)
	if err != nil {
		slog.Warn("parsed echo decode error", "sid", s.id, "err", err)
		s.close(route.DecodeFailed)
		return false
	}
	defer pkt.Dispose()
	if pkt.MsgID == protocol.MsgIDDebug {
		s.applyDebug(string(pkt.Body()))
		return true
	}
	buf, err := s.mgr.codec.EncodeRequest(pkt)
	if err != nil {
		slog.Warn("parsed echo encode error", "sid", s.id, "err", err)
		s.close(route.EncodeFailed)
		return false
	}
	return s.enqueue(buf) == nil
}

func (s *Session) logReadEnd(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		slog.Debug("client disconnected", "sid", s.id)
	case errors.Is(err, os.ErrDeadlineExceeded):
		slog.Info("session idle timeout", "sid", s.id)
	default:
		slog.Debug("client read ended", "sid", s.id, "err", err)
	}
}

// --- write side ---

func (s *Session) writePump() {
	if s.ws != nil {
		s.writeWS()
		return
	}
	s.writeTCP()
}

// writeTCP drains the send queue onto the socket, batching bursts through
// net.Buffers (one writev per burst). Owns the socket teardown.
func (s *Session) writeTCP() {
	conn := s.tcp
	defer func() {
		s.drainQueue()
		conn.Close()
	}()

	bufs := make(net.Buffers, 0, 64)
	pooled := make([][]byte, 0, 64)

	for {
		select {
		case buf := <-s.sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(s.mgr.cfg.WriteTimeout)); err != nil {
				payload.Return(buf)
				s.close(route.ConnectionClosed)
				return
			}
			queued := len(s.sendCh)
			if queued == 0 {
				n, err := conn.Write(buf)
				payload.Return(buf)
				metrics.ClientBytesOut.Add(float64(n))
				if err != nil {
					slog.Debug("client write failed", "sid", s.id, "err", err)
					s.close(route.ConnectionClosed)
					return
				}
				continue
			}

			bufs = bufs[:0]
			pooled = pooled[:0]
			bufs = append(bufs, buf)
			pooled = append(pooled, buf)
			for range queued {
				b := <-s.sendCh
				bufs = append(bufs, b)
				pooled = append(pooled, b)
			}

			n, err := bufs.WriteTo(conn)
			for _, b := range pooled {
				payload.Return(b)
			}
			metrics.ClientBytesOut.Add(float64(n))
			if err != nil {
				slog.Debug("client batch write failed", "sid", s.id, "err", err)
				s.close(route.ConnectionClosed)
				return
			}

		case <-s.closeCh:
			s.flushTCP(conn)
			return
		}
	}
}

// flushTCP writes whatever was queued before the close, best effort.
func (s *Session) flushTCP(conn net.Conn) {
	for {
		select {
		case buf := <-s.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(s.mgr.cfg.WriteTimeout))
			_, err := conn.Write(buf)
			payload.Return(buf)
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

// writeWS mirrors writeTCP for the WebSocket transport: per-message
// writes, ContentSize prefix stripped (WS frames are self-delimiting).
func (s *Session) writeWS() {
	conn := s.ws
	defer func() {
		s.drainQueue()
		conn.Close()
	}()

	for {
		select {
		case buf := <-s.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(s.mgr.cfg.WriteTimeout))
			n := len(buf) - protocol.PrefixLen
			err := conn.WriteMessage(websocket.BinaryMessage, buf[protocol.PrefixLen:])
			payload.Return(buf)
			if err != nil {
				slog.Debug("client write failed", "sid", s.id, "err", err)
				s.close(route.ConnectionClosed)
				return
			}
			metrics.ClientBytesOut.Add(float64(n))

		case <-s.closeCh:
			s.flushWS(conn)
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) flushWS(conn *websocket.Conn) {
	for {
		select {
		case buf := <-s.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(s.mgr.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.BinaryMessage, buf[protocol.PrefixLen:])
			payload.Return(buf)
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

// drainQueue returns queued buffers to the pool without writing them.
func (s *Session) drainQueue() {
	for {
		select {
		case b := <-s.sendCh:
			payload.Return(b)
		default:
			return
		}
	}
}
