package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/playhouselab/playhouse/internal/metrics"
	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/request"
	"github.com/playhouselab/playhouse/internal/route"
)

// Sender is the slice of the mesh the api side needs: identity, delivery and
// healthy-peer selection for both server roles.
type Sender interface {
	SelfID() string
	Send(serverID string, pkt *route.Packet) error
	ChooseApi(serviceID uint16) (string, bool)
	ChoosePlay(serviceID uint16) (string, bool)
}

// Config carries the identity of this api server.
type Config struct {
	ServerID  string
	ServiceID uint16
}

// Dispatcher is the inbound pump of an api server: replies feed the request
// cache, everything else runs a registered handler on its own goroutine.
// Handlers run concurrently; the dispatcher imposes no per-account order.
type Dispatcher struct {
	cfg      Config
	registry *Registry
	cache    *request.Cache
	sender   Sender

	base     atomic.Pointer[context.Context] // run context handed to handlers
	wg       sync.WaitGroup
	inflight atomic.Int64
}

func NewDispatcher(cfg Config, registry *Registry, cache *request.Cache) *Dispatcher {
	return &Dispatcher{cfg: cfg, registry: registry, cache: cache}
}

// Bind wires the mesh after construction. Must happen before HandleRoute:
// the mesh needs the dispatcher as its sink, the dispatcher needs the mesh
// to send.
func (d *Dispatcher) Bind(sender Sender) { d.sender = sender }

// Run publishes ctx to handlers, parks until shutdown, then waits out the
// handlers still in flight.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.base.Store(&ctx)
	<-ctx.Done()
	d.wg.Wait()
	return ctx.Err()
}

// InFlight reports the number of handlers currently running.
func (d *Dispatcher) InFlight() int64 { return d.inflight.Load() }

// HandleRoute is the mesh sink. It owns pkt until hand-off to a handler
// goroutine.
func (d *Dispatcher) HandleRoute(pkt *route.Packet) {
	if pkt.IsReply() {
		d.cache.Resolve(pkt)
		return
	}
	h, closer, ok := d.registry.handlerFor(pkt.Header.MsgID)
	if !ok {
		metrics.MessagesDropped.WithLabelValues("no_handler").Inc()
		slog.Warn("no handler for message",
			"msg_id", pkt.Header.MsgID, "from", pkt.Header.From)
		if pkt.IsRequest() {
			d.sendReply(pkt, route.HandlerNotFound, nil)
		}
		pkt.Dispose()
		return
	}
	metrics.MessagesDispatched.WithLabelValues("api").Inc()
	d.wg.Add(1)
	d.inflight.Add(1)
	go d.serve(pkt, h, closer)
}

// serve runs one handler to completion. A failed handler answers a request
// with the error's code; a handler that returns nil without replying leaves
// the request to the caller's timeout.
func (d *Dispatcher) serve(pkt *route.Packet, h Handler, closer io.Closer) {
	defer d.wg.Done()
	defer d.inflight.Add(-1)
	defer pkt.Dispose()

	link := &Link{d: d, req: pkt}
	view := &Packet{
		MsgID:     pkt.Header.MsgID,
		From:      pkt.Header.From,
		StageID:   pkt.Header.StageID,
		AccountID: pkt.Header.AccountID,
		Sid:       pkt.Header.Sid,
		pl:        pkt.Payload,
	}
	err := d.invoke(h, view, link)
	if closer != nil {
		if cerr := closer.Close(); cerr != nil {
			slog.Warn("controller close failed", "msg_id", pkt.Header.MsgID, "err", cerr)
		}
	}
	if err != nil {
		slog.Warn("handler failed",
			"msg_id", pkt.Header.MsgID, "from", pkt.Header.From, "err", err)
		if pkt.IsRequest() {
			link.finish(route.CodeOf(err, route.InvalidResponse))
		}
	}
}

// invoke runs the handler with a recover barrier; a panic comes back as an
// error so the reply path stays single.
func (d *Dispatcher) invoke(h Handler, pkt *Packet, link *Link) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues("api").Inc()
			slog.Error("api handler panic",
				"msg_id", pkt.MsgID, "from", pkt.From,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(d.runCtx(), pkt, link)
}

// runCtx returns the context Run published, Background before Run.
func (d *Dispatcher) runCtx() context.Context {
	if p := d.base.Load(); p != nil {
		return *p
	}
	return context.Background()
}

func (d *Dispatcher) header(msgID string, stageID int64) route.Header {
	return route.Header{
		ServiceID: d.cfg.ServiceID,
		Type:      route.ServerTypeApi,
		MsgID:     msgID,
		StageID:   stageID,
	}
}

// send pushes a one-way routed packet.
func (d *Dispatcher) send(target string, h route.Header, body *payload.Payload) error {
	return d.sender.Send(target, route.NewPacket(h, body))
}

// sendReply answers req back to its origin server.
func (d *Dispatcher) sendReply(req *route.Packet, code route.ErrorCode, body *payload.Payload) {
	d.sendReplyAs(req, req.Header.MsgID, code, body)
}

func (d *Dispatcher) sendReplyAs(req *route.Packet, msgID string, code route.ErrorCode, body *payload.Payload) {
	out := route.ReplyWith(req, code, msgID, body)
	if err := d.sender.Send(req.Header.From, out); err != nil {
		slog.Warn("reply send failed",
			"to", req.Header.From, "msg_id", msgID, "err", err)
	}
}

// roundTrip sends a request and blocks until its single completion: the
// reply, a synthesized timeout or a cancellation. err is non-nil only when
// ctx ended first; every transport failure arrives as a reply code.
func (d *Dispatcher) roundTrip(ctx context.Context, target string, h route.Header, body *payload.Payload) (*Reply, error) {
	ch := make(chan *Reply, 1)
	seq := d.cache.Register(h.MsgID, func(rp *route.Packet) {
		defer rp.Dispose()
		ch <- &Reply{
			MsgID: rp.Header.MsgID,
			Code:  rp.Header.ErrorCode,
			Body:  rp.Payload.CopyBytes(),
		}
	})
	h.MsgSeq = seq
	if err := d.sender.Send(target, route.NewPacket(h, body)); err != nil {
		slog.Warn("request send failed", "to", target, "msg_id", h.MsgID, "err", err)
		d.cache.Resolve(route.CancelReply(seq, route.SendErrorCode(err)))
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		d.cache.Resolve(route.CancelReply(seq, route.ConnectionClosed))
		return nil, ctx.Err()
	}
}
