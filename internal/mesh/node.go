package mesh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/playhouselab/playhouse/internal/metrics"
	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/protocol"
	"github.com/playhouselab/playhouse/internal/route"
)

const (
	defaultQueueSize    = 1000
	defaultDialTimeout  = 3 * time.Second
	defaultWriteTimeout = 5 * time.Second
	helloTimeout        = 5 * time.Second
	keepAlivePeriod     = 30 * time.Second

	// msgIDHello is the handshake frame a dialer opens its edge with. The
	// @-fenced id keeps it out of the application namespace; its From field
	// names every packet the edge will ever carry.
	msgIDHello = "@Hello@"
)

// Config tunes a Node. Zero values take defaults.
type Config struct {
	BindAddr     string // listen address; the advertised address when empty
	QueueSize    int    // per-peer send queue, frames
	MaxBody      int    // inbound payload cap, bytes
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Policy       Policy // selection policy behind ChooseApi/ChoosePlay
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxBody <= 0 {
		c.MaxBody = protocol.DefaultMaxBodySize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Node is one mesh member: a listener for inbound edges, an outbound edge
// per discovered peer and a single inbound channel feeding the dispatcher.
// The loopback edge to the node itself goes over TCP like any other, so
// same-server sends keep the ordering of remote ones.
type Node struct {
	self   ServerInfo
	cfg    Config
	sink   Dispatcher
	center *InfoCenter

	recvCh chan *route.Packet
	closed chan struct{}
	stop   sync.Once

	mu      sync.Mutex
	ln      net.Listener
	out     map[string]*peer    // outbound edges by peer server id
	in      map[string]net.Conn // inbound edges by announced server id
	dialing map[string]struct{}
}

// NewNode builds a node announcing itself as self. The sink receives every
// inbound packet and owns it.
func NewNode(self ServerInfo, cfg Config, sink Dispatcher) (*Node, error) {
	if sink == nil {
		return nil, errors.New("mesh: nil dispatcher")
	}
	if self.ServerID == "" {
		return nil, errors.New("mesh: empty server id")
	}
	cfg = cfg.withDefaults()
	return &Node{
		self:    self,
		cfg:     cfg,
		sink:    sink,
		center:  NewInfoCenter(),
		recvCh:  make(chan *route.Packet, cfg.QueueSize),
		closed:  make(chan struct{}),
		out:     make(map[string]*peer),
		in:      make(map[string]net.Conn),
		dialing: make(map[string]struct{}),
	}, nil
}

// Self returns the identity the node announces to peers.
func (n *Node) Self() ServerInfo { return n.self }

// SelfID returns the node's server id.
func (n *Node) SelfID() string { return n.self.ServerID }

// Center returns the membership snapshot the resolver refreshes.
func (n *Node) Center() *InfoCenter { return n.center }

// ChooseApi picks a running api server for the service.
func (n *Node) ChooseApi(serviceID uint16) (string, bool) {
	info, ok := n.center.Choose(route.ServerTypeApi, serviceID, n.cfg.Policy)
	return info.ServerID, ok
}

// ChoosePlay picks a running play server for the service.
func (n *Node) ChoosePlay(serviceID uint16) (string, bool) {
	info, ok := n.center.Choose(route.ServerTypePlay, serviceID, n.cfg.Policy)
	return info.ServerID, ok
}

// Run listens on cfg.BindAddr (the advertised address when empty) and
// serves inbound edges until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	addr := n.cfg.BindAddr
	if addr == "" {
		addr = n.self.Address
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mesh listen on %s: %w", addr, err)
	}
	return n.Serve(ctx, ln)
}

// Serve accepts inbound edges on ln until ctx ends or the listener dies.
// Exported so tests can bring their own listener.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	n.mu.Lock()
	n.ln = ln
	n.mu.Unlock()
	slog.Info("mesh listener started", "id", n.self.ServerID, "addr", ln.Addr())

	serveDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			n.shutdown()
		case <-serveDone:
		}
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for pkt := range n.recvCh {
			n.sink.HandleRoute(pkt)
		}
	}()

	var readers sync.WaitGroup
	defer func() {
		n.shutdown()
		readers.Wait()
		close(n.recvCh)
		<-dispatchDone
		close(serveDone)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("mesh accept: %w", err)
		}
		readers.Add(1)
		go func() {
			defer readers.Done()
			n.serveConn(conn)
		}()
	}
}

// shutdown closes the listener and every edge. Idempotent.
func (n *Node) shutdown() {
	n.stop.Do(func() {
		close(n.closed)
		n.mu.Lock()
		ln := n.ln
		peers := make([]*peer, 0, len(n.out))
		for _, p := range n.out {
			peers = append(peers, p)
		}
		conns := make([]net.Conn, 0, len(n.in))
		for _, c := range n.in {
			conns = append(conns, c)
		}
		clear(n.in)
		n.mu.Unlock()

		if ln != nil {
			ln.Close()
		}
		for _, p := range peers {
			p.shut()
		}
		for _, c := range conns {
			c.Close()
		}
	})
}

// Send queues the packet toward serverID. Takes packet ownership on every
// path. Errors are transport sentinels; route.SendErrorCode maps them onto
// the wire taxonomy.
func (n *Node) Send(serverID string, pkt *route.Packet) error {
	n.mu.Lock()
	p := n.out[serverID]
	n.mu.Unlock()
	if p == nil {
		pkt.Dispose()
		metrics.MeshSendErrors.WithLabelValues("not_connected").Inc()
		return fmt.Errorf("mesh send to %s: %w", serverID, route.ErrPeerUnavailable)
	}

	buf, err := route.EncodeFrame(pkt)
	pkt.Dispose()
	if err != nil {
		metrics.MeshSendErrors.WithLabelValues("encode").Inc()
		return fmt.Errorf("mesh send to %s: %w", serverID, err)
	}

	select {
	case p.sendCh <- buf:
		metrics.MeshPacketsSent.WithLabelValues(serverID).Inc()
		return nil
	default:
		payload.Return(buf)
		metrics.MeshSendErrors.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("mesh send to %s: %w", serverID, route.ErrPeerQueueFull)
	}
}

// Connect ensures an outbound edge to the member, dialing in the
// background when none exists. An edge whose advertised address moved is
// torn down and redialed.
func (n *Node) Connect(info ServerInfo) {
	n.mu.Lock()
	select {
	case <-n.closed:
		n.mu.Unlock()
		return
	default:
	}
	p := n.out[info.ServerID]
	if p != nil && p.addr == info.Address {
		n.mu.Unlock()
		return
	}
	if _, busy := n.dialing[info.ServerID]; busy {
		n.mu.Unlock()
		return
	}
	n.dialing[info.ServerID] = struct{}{}
	n.mu.Unlock()

	if p != nil {
		slog.Info("mesh peer address changed", "id", info.ServerID, "addr", info.Address)
		p.shut()
	}
	go n.dial(info)
}

// Disconnect tears down the outbound edge to serverID, if any.
func (n *Node) Disconnect(serverID string) {
	n.mu.Lock()
	p := n.out[serverID]
	n.mu.Unlock()
	if p != nil {
		p.shut()
	}
}

// Peers lists server ids with a live outbound edge, sorted.
func (n *Node) Peers() []string {
	n.mu.Lock()
	ids := make([]string, 0, len(n.out))
	for id := range n.out {
		ids = append(ids, id)
	}
	n.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// PeerCount reports the number of live outbound edges.
func (n *Node) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.out)
}

// dial opens the edge, announces identity and hands the connection to a
// write loop.
func (n *Node) dial(info ServerInfo) {
	defer func() {
		n.mu.Lock()
		delete(n.dialing, info.ServerID)
		n.mu.Unlock()
	}()

	conn, err := net.DialTimeout("tcp", info.Address, n.cfg.DialTimeout)
	if err != nil {
		slog.Debug("mesh dial failed", "id", info.ServerID, "addr", info.Address, "err", err)
		return
	}
	tuneConn(conn)
	if err := n.sendHello(conn); err != nil {
		conn.Close()
		slog.Warn("mesh hello failed", "id", info.ServerID, "err", err)
		return
	}

	p := &peer{
		id:     info.ServerID,
		addr:   info.Address,
		conn:   conn,
		sendCh: make(chan []byte, n.cfg.QueueSize),
		done:   make(chan struct{}),
	}

	n.mu.Lock()
	select {
	case <-n.closed:
		n.mu.Unlock()
		conn.Close()
		return
	default:
	}
	old := n.out[p.id]
	n.out[p.id] = p
	n.mu.Unlock()
	if old != nil {
		old.shut()
	}

	metrics.MeshPeersAlive.Inc()
	slog.Info("mesh peer connected", "id", p.id, "addr", p.addr)
	go n.writeLoop(p)
	go n.watchPeer(p)
}

// sendHello writes the identity frame that opens an outbound edge.
func (n *Node) sendHello(conn net.Conn) error {
	hello := route.NewPacket(route.Header{
		ServiceID: n.self.ServiceID,
		Type:      n.self.Type,
		MsgID:     msgIDHello,
		From:      n.self.ServerID,
	}, nil)
	buf, err := route.EncodeFrame(hello)
	hello.Dispose()
	if err != nil {
		return err
	}
	defer payload.Return(buf)

	if err := conn.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	return conn.SetWriteDeadline(time.Time{})
}

// writeLoop drains the peer queue onto the socket, batching whatever has
// queued up behind the first frame. Owns the connection teardown.
func (n *Node) writeLoop(p *peer) {
	conn := p.conn
	defer func() {
		conn.Close()
		n.removeOut(p)
		p.drain()
	}()

	bufs := make(net.Buffers, 0, 64)
	pooled := make([][]byte, 0, 64)

	for {
		select {
		case buf := <-p.sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout)); err != nil {
				payload.Return(buf)
				return
			}
			queued := len(p.sendCh)
			if queued == 0 {
				_, err := conn.Write(buf)
				payload.Return(buf)
				if err != nil {
					slog.Warn("mesh write failed", "id", p.id, "err", err)
					return
				}
				continue
			}

			bufs = bufs[:0]
			pooled = pooled[:0]
			bufs = append(bufs, buf)
			pooled = append(pooled, buf)
			for range queued {
				b := <-p.sendCh
				bufs = append(bufs, b)
				pooled = append(pooled, b)
			}
			_, err := bufs.WriteTo(conn)
			for _, b := range pooled {
				payload.Return(b)
			}
			if err != nil {
				slog.Warn("mesh batch write failed", "id", p.id, "err", err)
				return
			}

		case <-p.done:
			p.flush(conn, n.cfg.WriteTimeout)
			return
		}
	}
}

// watchPeer parks in a read on the outbound socket. Peers never send on
// it, so the read returning means the edge died; shutting the peer lets
// the resolver redial on its next round.
func (n *Node) watchPeer(p *peer) {
	var b [1]byte
	if _, err := p.conn.Read(b[:]); err == nil {
		slog.Warn("unexpected data on outbound mesh edge", "id", p.id)
	}
	p.shut()
}

// removeOut unregisters the edge unless a handover already replaced it.
func (n *Node) removeOut(p *peer) {
	n.mu.Lock()
	if n.out[p.id] == p {
		delete(n.out, p.id)
	}
	n.mu.Unlock()
	metrics.MeshPeersAlive.Dec()
	slog.Info("mesh peer disconnected", "id", p.id)
}

// serveConn runs one inbound edge: handshake, then frames until error.
func (n *Node) serveConn(conn net.Conn) {
	tuneConn(conn)
	remote := conn.RemoteAddr().String()

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-n.closed:
			conn.Close()
		case <-connDone:
		}
	}()

	id, err := n.readHello(conn)
	if err != nil {
		slog.Warn("mesh handshake failed", "remote", remote, "err", err)
		conn.Close()
		return
	}
	n.registerInbound(id, conn)
	slog.Info("mesh peer link up", "id", id, "remote", remote)

	for {
		pkt, err := readFrame(conn, n.cfg.MaxBody)
		if err != nil {
			n.logLinkEnd(id, err)
			break
		}
		// Identity comes from the handshake, never from the frame.
		pkt.Header.From = id
		metrics.MeshPacketsReceived.WithLabelValues(id).Inc()
		select {
		case n.recvCh <- pkt:
		case <-n.closed:
			pkt.Dispose()
		}
	}
	conn.Close()
	n.dropInbound(id, conn)
}

// readHello reads and validates the identity frame of a fresh edge.
func (n *Node) readHello(conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return "", err
	}
	pkt, err := readFrame(conn, n.cfg.MaxBody)
	if err != nil {
		return "", err
	}
	defer pkt.Dispose()
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	if pkt.Header.MsgID != msgIDHello || pkt.Header.From == "" {
		return "", fmt.Errorf("expected hello, got %q", pkt.Header.MsgID)
	}
	return pkt.Header.From, nil
}

func (n *Node) registerInbound(id string, conn net.Conn) {
	n.mu.Lock()
	old := n.in[id]
	n.in[id] = conn
	n.mu.Unlock()
	if old != nil {
		slog.Info("mesh handover, dropping previous link", "id", id)
		old.Close()
	}
}

func (n *Node) dropInbound(id string, conn net.Conn) {
	n.mu.Lock()
	// После handover карта уже указывает на новое соединение.
	if n.in[id] == conn {
		delete(n.in, id)
	}
	n.mu.Unlock()
}

func (n *Node) logLinkEnd(id string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		slog.Info("mesh peer link down", "id", id)
	default:
		slog.Warn("mesh link read failed", "id", id, "err", err)
	}
}

// readFrame reads one length-prefixed frame and decodes it. The scratch
// buffer is pooled; the returned packet owns a copy of the payload.
func readFrame(conn net.Conn, maxBody int) (*route.Packet, error) {
	var head [route.FramePrefixLen]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, err
	}
	frameLen := int(int32(binary.LittleEndian.Uint32(head[:])))
	if frameLen < 4 || frameLen > 4+route.MaxHeaderLen+maxBody {
		return nil, fmt.Errorf("mesh frame length %d out of range", frameLen)
	}
	buf := payload.Rent(frameLen)
	defer payload.Return(buf)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return route.DecodeFrame(buf, maxBody)
}

func tuneConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(keepAlivePeriod)
	}
}

// peer is one outbound edge: a dialed connection plus its send queue. The
// write loop owns the connection.
type peer struct {
	id     string
	addr   string
	conn   net.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

// shut asks the write loop to flush and close. Safe to call twice.
func (p *peer) shut() {
	p.once.Do(func() { close(p.done) })
}

// flush writes out whatever is already queued, stopping on the first
// failure.
func (p *peer) flush(conn net.Conn, timeout time.Duration) {
	for {
		select {
		case buf := <-p.sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				payload.Return(buf)
				return
			}
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

// drain returns queued buffers to the pool without writing them.
func (p *peer) drain() {
	for {
		select {
		case buf := <-p.sendCh:
			payload.Return(buf)
		default:
			return
		}
	}
}
