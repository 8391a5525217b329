package testutil

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pierrec/lz4/v3"

	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/protocol"
	"github.com/playhouselab/playhouse/internal/route"
)

// Frame is one server→client message as it came off the wire. Unlike the
// production decoder it keeps the compression fields visible, so tests can
// assert on what actually traveled.
type Frame struct {
	MsgID        string
	MsgSeq       uint16
	StageID      int64
	ErrorCode    uint16
	OriginalSize int    // >0 when the payload traveled LZ4-compressed
	WireSize     int    // payload bytes on the wire, before decompression
	Body         []byte // decompressed payload
}

// OK reports a zero error code.
func (f *Frame) OK() bool { return f.ErrorCode == uint16(route.Success) }

type pendingReq struct {
	msgID string
	ch    chan *Frame
}

// Client drives a play server over its TCP client port: framing, request
// sequencing and a client-side request cache. Every request completes
// exactly once: with the real reply, with a synthesized `@Timeout@` frame
// after Timeout, or with ConnectionClosed when the socket dies. Server
// pushes (seq 0) queue separately and are read with NextPush.
type Client struct {
	t     testing.TB
	conn  net.Conn
	codec protocol.Codec

	// Timeout bounds every Request. Set it before issuing requests.
	Timeout time.Duration

	seq atomic.Uint32
	wmu sync.Mutex

	mu      sync.Mutex
	pending map[uint16]pendingReq

	pushes chan *Frame
	done   chan struct{}
	once   sync.Once
}

// Dial connects to a play server's client port and starts the read loop.
// The connection closes with the test.
func Dial(t testing.TB, addr string) *Client {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	c := &Client{
		t:       t,
		conn:    conn,
		codec:   protocol.NewCodec(0, 0),
		Timeout: 5 * time.Second,
		pending: make(map[uint16]pendingReq),
		pushes:  make(chan *Frame, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.Close)
	return c
}

// Close closes the socket; outstanding requests complete with
// ConnectionClosed.
func (c *Client) Close() {
	_ = c.conn.Close()
}

// Authenticate sends the session's first request: the authenticate message
// carrying the credential, aimed at stageID.
func (c *Client) Authenticate(authMsgID string, stageID int64, credential []byte) *Frame {
	c.t.Helper()
	return c.Request(authMsgID, stageID, credential)
}

// Request sends a sequenced packet and blocks for its single completion.
func (c *Client) Request(msgID string, stageID int64, body []byte) *Frame {
	c.t.Helper()

	seq := c.nextSeq()
	ch := make(chan *Frame, 1)
	c.mu.Lock()
	c.pending[seq] = pendingReq{msgID: msgID, ch: ch}
	c.mu.Unlock()

	c.write(&protocol.Packet{
		MsgID:   msgID,
		MsgSeq:  seq,
		StageID: stageID,
		Payload: payload.FromBytes(body),
	})

	select {
	case f := <-ch:
		return f
	case <-time.After(c.Timeout):
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return &Frame{
			MsgID:     protocol.MsgIDTimeout,
			MsgSeq:    seq,
			ErrorCode: uint16(route.RequestTimeout),
		}
	}
}

// Send pushes a fire-and-forget packet: seq 0, never answered.
func (c *Client) Send(msgID string, stageID int64, body []byte) {
	c.t.Helper()
	c.write(&protocol.Packet{
		MsgID:   msgID,
		StageID: stageID,
		Payload: payload.FromBytes(body),
	})
}

// Heartbeat sends the reserved keepalive message.
func (c *Client) Heartbeat() {
	c.t.Helper()
	c.write(&protocol.Packet{MsgID: protocol.MsgIDHeartbeat, Payload: payload.Empty()})
}

// NextPush returns the next one-way server push, waiting up to d.
func (c *Client) NextPush(d time.Duration) (*Frame, bool) {
	select {
	case f := <-c.pushes:
		return f, true
	case <-time.After(d):
		return nil, false
	case <-c.done:
		return nil, false
	}
}

func (c *Client) nextSeq() uint16 {
	for {
		if s := uint16(c.seq.Add(1)); s != 0 {
			return s
		}
	}
}

func (c *Client) write(p *protocol.Packet) {
	c.t.Helper()

	buf, err := c.codec.EncodeRequest(p)
	if err != nil {
		c.t.Fatalf("encode %s: %v", p.MsgID, err)
	}
	defer payload.Return(buf)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(buf); err != nil {
		c.t.Fatalf("write %s: %v", p.MsgID, err)
	}
}

func (c *Client) readLoop() {
	var prefix [protocol.PrefixLen]byte
	for {
		if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
			c.fail()
			return
		}
		content := int(int32(binary.LittleEndian.Uint32(prefix[:])))
		if content <= 0 || content > c.codec.MaxContent() {
			c.fail()
			return
		}
		raw := make([]byte, content)
		if _, err := io.ReadFull(c.conn, raw); err != nil {
			c.fail()
			return
		}
		f, err := parseResponse(raw)
		if err != nil {
			c.fail()
			return
		}
		c.deliver(f)
	}
}

func (c *Client) deliver(f *Frame) {
	if f.MsgSeq == 0 {
		select {
		case c.pushes <- f:
		case <-c.done:
		}
		return
	}
	c.mu.Lock()
	p, ok := c.pending[f.MsgSeq]
	delete(c.pending, f.MsgSeq)
	c.mu.Unlock()
	if ok {
		p.ch <- f
	}
	// Опоздавший ответ после клиентского таймаута выбрасывается.
}

// fail settles every outstanding request with ConnectionClosed.
func (c *Client) fail() {
	c.once.Do(func() {
		c.mu.Lock()
		pend := c.pending
		c.pending = make(map[uint16]pendingReq)
		c.mu.Unlock()
		for seq, p := range pend {
			p.ch <- &Frame{
				MsgID:     p.msgID,
				MsgSeq:    seq,
				ErrorCode: uint16(route.ConnectionClosed),
			}
		}
		close(c.done)
	})
}

// parseResponse decodes the response layout by hand rather than through
// Codec.DecodeResponse: tests assert on OriginalSize and the on-wire payload
// length, which the production decoder hides.
func parseResponse(raw []byte) (*Frame, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("empty frame")
	}
	n := int(raw[0])
	if n == 0 || len(raw) < 1+n+16 {
		return nil, fmt.Errorf("response frame %d bytes, id length %d", len(raw), n)
	}

	f := &Frame{MsgID: string(raw[1 : 1+n])}
	off := 1 + n
	f.MsgSeq = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	f.StageID = int64(binary.LittleEndian.Uint64(raw[off:]))
	off += 8
	f.ErrorCode = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	f.OriginalSize = int(int32(binary.LittleEndian.Uint32(raw[off:])))
	off += 4

	wire := raw[off:]
	f.WireSize = len(wire)
	if f.OriginalSize == 0 {
		f.Body = append([]byte(nil), wire...)
		return f, nil
	}
	if f.OriginalSize < 0 {
		return nil, fmt.Errorf("original size %d", f.OriginalSize)
	}
	dst := make([]byte, f.OriginalSize)
	sz, err := lz4.UncompressBlock(wire, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 block: %w", err)
	}
	if sz != f.OriginalSize {
		return nil, fmt.Errorf("decompressed %d bytes, header says %d", sz, f.OriginalSize)
	}
	f.Body = dst
	return f, nil
}
