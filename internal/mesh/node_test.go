package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/route"
)

type sinkRecord struct {
	from    string
	msgID   string
	body    string
	seq     uint16
	isReply bool
}

type recordingSink struct {
	mu   sync.Mutex
	pkts []sinkRecord
}

func newRecordingSink() *recordingSink { return &recordingSink{} }

func (r *recordingSink) HandleRoute(pkt *route.Packet) {
	defer pkt.Dispose()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pkts = append(r.pkts, sinkRecord{
		from:    pkt.Header.From,
		msgID:   pkt.Header.MsgID,
		body:    string(pkt.Body()),
		seq:     pkt.Header.MsgSeq,
		isReply: pkt.Header.IsReply,
	})
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pkts)
}

func (r *recordingSink) last() sinkRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pkts[len(r.pkts)-1]
}

func (r *recordingSink) msgIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.pkts))
	for i, p := range r.pkts {
		out[i] = p.msgID
	}
	return out
}

// startNode listens on a loopback port and serves until test cleanup.
func startNode(t *testing.T, id string, typ route.ServerType, service uint16, sink Dispatcher) *Node {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	self := ServerInfo{
		ServerID:  id,
		Type:      typ,
		ServiceID: service,
		Address:   ln.Addr().String(),
		State:     StateRunning,
		Weight:    1,
	}
	n, err := NewNode(self, Config{}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func writeRoute(t *testing.T, conn net.Conn, pkt *route.Packet) {
	t.Helper()
	buf, err := route.EncodeFrame(pkt)
	require.NoError(t, err)
	pkt.Dispose()
	_, err = conn.Write(buf)
	payload.Return(buf)
	require.NoError(t, err)
}

// dialHello opens a raw inbound edge announcing id, bypassing Node.Connect.
func dialHello(t *testing.T, addr, id string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	writeRoute(t, conn, route.NewPacket(route.Header{MsgID: msgIDHello, From: id}, nil))
	return conn
}

// expectClosed waits until reads on conn fail with something other than a
// deadline, meaning the remote dropped the link.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		_, err := conn.Read(make([]byte, 1))
		return err != nil && !errors.Is(err, os.ErrDeadlineExceeded)
	}, time.Second, 20*time.Millisecond)
}

func TestNodeValidation(t *testing.T) {
	t.Parallel()

	self := ServerInfo{ServerID: "a", Address: "127.0.0.1:0"}
	_, err := NewNode(self, Config{}, nil)
	assert.Error(t, err)
	_, err = NewNode(ServerInfo{}, Config{}, newRecordingSink())
	assert.Error(t, err)
}

func TestSendRewritesSenderIdentity(t *testing.T) {
	t.Parallel()

	sinkA := newRecordingSink()
	sinkB := newRecordingSink()
	a := startNode(t, "play-a", route.ServerTypePlay, 1, sinkA)
	b := startNode(t, "api-b", route.ServerTypeApi, 7, sinkB)

	a.Connect(b.Self())
	require.Eventually(t, func() bool { return a.PeerCount() == 1 },
		time.Second, 10*time.Millisecond)

	// Подделанный From не должен пережить доставку.
	pkt := route.NewPacket(route.Header{
		MsgID:  "ping",
		MsgSeq: 3,
		From:   "mallory",
	}, payload.FromBytes([]byte("hi")))
	require.NoError(t, a.Send("api-b", pkt))

	require.Eventually(t, func() bool { return sinkB.count() == 1 },
		time.Second, 10*time.Millisecond)
	got := sinkB.last()
	assert.Equal(t, "play-a", got.from)
	assert.Equal(t, "ping", got.msgID)
	assert.Equal(t, "hi", got.body)
	assert.Equal(t, uint16(3), got.seq)
	assert.Zero(t, sinkA.count())
}

func TestSelfLoopbackEdge(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	n := startNode(t, "solo", route.ServerTypePlay, 1, sink)

	n.Connect(n.Self())
	require.Eventually(t, func() bool { return n.PeerCount() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"solo"}, n.Peers())

	require.NoError(t, n.Send("solo", route.NewPacket(
		route.Header{MsgID: "tick"}, payload.FromBytes([]byte("x")))))
	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, "solo", sink.last().from)
}

func TestSendOrderPreserved(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	n := startNode(t, "solo", route.ServerTypePlay, 1, sink)
	n.Connect(n.Self())
	require.Eventually(t, func() bool { return n.PeerCount() == 1 },
		time.Second, 10*time.Millisecond)

	want := make([]string, 0, 50)
	for i := range 50 {
		id := fmt.Sprintf("m%02d", i)
		want = append(want, id)
		require.NoError(t, n.Send("solo", route.NewPacket(route.Header{MsgID: id}, nil)))
	}
	require.Eventually(t, func() bool { return sink.count() == 50 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, want, sink.msgIDs())
}

func TestSendUnknownPeer(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	n := startNode(t, "solo", route.ServerTypePlay, 1, sink)

	err := n.Send("ghost", route.NewPacket(route.Header{MsgID: "ping"}, nil))
	assert.ErrorIs(t, err, route.ErrPeerUnavailable)
	assert.Equal(t, route.ConnectionFailed, route.SendErrorCode(err))
}

func TestSendQueueFullRejects(t *testing.T) {
	t.Parallel()

	n, err := NewNode(ServerInfo{ServerID: "solo", Address: "127.0.0.1:0"},
		Config{}, newRecordingSink())
	require.NoError(t, err)

	// Ребро без write loop: очередь наполняется и не сливается.
	p := &peer{id: "stuck", sendCh: make(chan []byte, 1), done: make(chan struct{})}
	n.mu.Lock()
	n.out["stuck"] = p
	n.mu.Unlock()

	require.NoError(t, n.Send("stuck", route.NewPacket(route.Header{MsgID: "one"}, nil)))
	err = n.Send("stuck", route.NewPacket(route.Header{MsgID: "two"}, nil))
	assert.ErrorIs(t, err, route.ErrPeerQueueFull)
	assert.Equal(t, route.BufferOverflow, route.SendErrorCode(err))
	p.drain()
}

func TestHandoverReplacesInboundLink(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	n := startNode(t, "hub", route.ServerTypePlay, 1, sink)

	first := dialHello(t, n.Self().Address, "dup")
	defer first.Close()
	writeRoute(t, first, route.NewPacket(route.Header{MsgID: "before"}, nil))
	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 10*time.Millisecond)

	second := dialHello(t, n.Self().Address, "dup")
	defer second.Close()
	writeRoute(t, second, route.NewPacket(route.Header{MsgID: "after"}, nil))
	require.Eventually(t, func() bool { return sink.count() == 2 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, "dup", sink.last().from)
	assert.Equal(t, "after", sink.last().msgID)

	expectClosed(t, first)
}

func TestBadHandshakeRejected(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	n := startNode(t, "hub", route.ServerTypePlay, 1, sink)

	conn, err := net.Dial("tcp", n.Self().Address)
	require.NoError(t, err)
	defer conn.Close()
	writeRoute(t, conn, route.NewPacket(route.Header{MsgID: "not-a-hello", From: "x"}, nil))
	expectClosed(t, conn)

	garbage, err := net.Dial("tcp", n.Self().Address)
	require.NoError(t, err)
	defer garbage.Close()
	_, err = garbage.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	expectClosed(t, garbage)

	assert.Zero(t, sink.count())
}

func TestDisconnectDropsEdge(t *testing.T) {
	t.Parallel()

	sinkA := newRecordingSink()
	sinkB := newRecordingSink()
	a := startNode(t, "a", route.ServerTypePlay, 1, sinkA)
	b := startNode(t, "b", route.ServerTypeApi, 7, sinkB)

	a.Connect(b.Self())
	require.Eventually(t, func() bool { return a.PeerCount() == 1 },
		time.Second, 10*time.Millisecond)

	a.Disconnect("b")
	require.Eventually(t, func() bool { return a.PeerCount() == 0 },
		time.Second, 10*time.Millisecond)
	err := a.Send("b", route.NewPacket(route.Header{MsgID: "ping"}, nil))
	assert.ErrorIs(t, err, route.ErrPeerUnavailable)
}

func TestNodeChooseUsesCenter(t *testing.T) {
	t.Parallel()

	n, err := NewNode(ServerInfo{ServerID: "solo", Address: "127.0.0.1:0"},
		Config{}, newRecordingSink())
	require.NoError(t, err)
	n.Center().Update([]ServerInfo{
		{ServerID: "api-x", Type: route.ServerTypeApi, ServiceID: 7, State: StateRunning},
	})

	id, ok := n.ChooseApi(7)
	require.True(t, ok)
	assert.Equal(t, "api-x", id)
	_, ok = n.ChoosePlay(7)
	assert.False(t, ok)
}

func TestShutdownTearsDownEdges(t *testing.T) {
	defer goleak.VerifyNone(t)

	sinkA := newRecordingSink()
	sinkB := newRecordingSink()

	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a, err := NewNode(ServerInfo{ServerID: "a", Type: route.ServerTypePlay,
		ServiceID: 1, Address: lnA.Addr().String()}, Config{}, sinkA)
	require.NoError(t, err)
	b, err := NewNode(ServerInfo{ServerID: "b", Type: route.ServerTypeApi,
		ServiceID: 7, Address: lnB.Addr().String()}, Config{}, sinkB)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	go func() { defer close(doneA); _ = a.Serve(ctx, lnA) }()
	go func() { defer close(doneB); _ = b.Serve(ctx, lnB) }()

	a.Connect(a.Self())
	a.Connect(b.Self())
	require.Eventually(t, func() bool { return a.PeerCount() == 2 },
		time.Second, 10*time.Millisecond)
	require.NoError(t, a.Send("b", route.NewPacket(route.Header{MsgID: "ping"}, nil)))
	require.Eventually(t, func() bool { return sinkB.count() == 1 },
		time.Second, 10*time.Millisecond)

	cancel()
	<-doneA
	<-doneB
	require.Eventually(t, func() bool { return a.PeerCount() == 0 },
		time.Second, 10*time.Millisecond)
	err = a.Send("b", route.NewPacket(route.Header{MsgID: "late"}, nil))
	assert.ErrorIs(t, err, route.ErrPeerUnavailable)
}
