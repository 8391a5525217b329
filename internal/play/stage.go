package play

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhouselab/playhouse/internal/eventloop"
	"github.com/playhouselab/playhouse/internal/metrics"
	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/protocol"
	"github.com/playhouselab/playhouse/internal/route"
	"github.com/playhouselab/playhouse/internal/timer"
)

// Stage lifecycle. Transitions happen on the bound worker only: creating
// until OnCreate succeeds, destroyed is terminal.
const (
	stateCreating int32 = iota
	stateActive
	stateDestroyed
)

// baseStage is the runtime around one user Stage: the actor directory, the
// reply context of the running handler, timers and the game loop. Every
// method runs on the stage's bound worker unless noted otherwise.
type baseStage struct {
	id        int64
	stageType string
	mgr       *StageManager
	user      Stage
	link      *StageLink
	newActor  ActorFactory

	// createOnce упорядочивает конкурирующие create-запросы: первый постит
	// OnCreate, остальные встают в очередь воркера следом.
	createOnce sync.Once

	state  int32
	actors map[string]*actorEntry // account id -> actor
	bySid  map[int64]*actorEntry  // live session id -> actor
	loop   *timer.GameLoop

	// actorCount дублирует len(actors) для чтения с других горутин.
	actorCount atomic.Int32

	cur dispatch
}

// dispatch is the reply context of the handler currently running: where the
// packet came from and whether the handler already replied.
type dispatch struct {
	active  bool
	replied bool
	seq     uint16
	msgID   string
	from    string
	sid     int64
	account string
}

type actorEntry struct {
	user      Actor
	link      *ActorLink
	accountID string
	sid       int64 // 0 while disconnected
	connected bool
}

func newBaseStage(mgr *StageManager, id int64, stageType string, reg registration) *baseStage {
	s := &baseStage{
		id:        id,
		stageType: stageType,
		mgr:       mgr,
		newActor:  reg.actor,
		actors:    make(map[string]*actorEntry),
		bySid:     make(map[int64]*actorEntry),
	}
	s.link = newStageLink(s)
	s.user = reg.stage(s.link)
	return s
}

// postCreate routes a create-stage packet to the bound worker exactly once.
// Duplicates turn into a follow-up reply that runs after OnCreate finished.
// Safe to call from any goroutine.
func (s *baseStage) postCreate(rp *route.Packet) {
	first := false
	s.createOnce.Do(func() {
		first = true
		s.mgr.pool.PostMessage(s, s.id, rp)
	})
	if first {
		return
	}
	h := rp.Header
	rp.Dispose()
	s.mgr.pool.PostFunc(s, s.id, func() { s.replyCreateDup(h) })
}

// ExecuteBatch runs a batch of work items delivered by the worker. Packets
// go through the dispatch context so requests always produce a reply;
// continuations run bare with panic recovery.
func (s *baseStage) ExecuteBatch(items []eventloop.WorkItem) {
	for i := range items {
		it := &items[i]
		switch {
		case it.Packet != nil:
			s.dispatchRoute(it.Packet)
		case it.Fn != nil:
			s.runSafe(it.Fn)
		}
	}
}

// dispatchRoute handles one routed packet on the worker.
func (s *baseStage) dispatchRoute(rp *route.Packet) {
	s.cur = dispatch{
		active:  true,
		seq:     rp.Header.MsgSeq,
		msgID:   rp.Header.MsgID,
		from:    rp.Header.From,
		sid:     rp.Header.Sid,
		account: rp.Header.AccountID,
	}
	defer s.finish(rp)

	switch {
	case rp.Header.MsgID == route.MsgIDCreateStage:
		s.handleCreate(rp)
	case rp.Header.MsgID == route.MsgIDDestroyStage:
		s.destroy()
		s.reply(route.Success, nil)
	case s.state != stateActive:
		// Стадия умерла, пока пакет стоял в очереди.
		if rp.IsRequest() {
			s.replyError(route.StageNotFound)
		}
	case rp.Header.Sid != 0:
		s.dispatchClient(rp)
	default:
		metrics.MessagesDispatched.WithLabelValues("system").Inc()
		s.user.OnDispatchSystem(&Message{
			MsgID:     rp.Header.MsgID,
			AccountID: rp.Header.AccountID,
			pl:        rp.Payload,
		})
	}
}

// finish closes the dispatch context: recovers handler panics and releases
// the payload. A request the handler left unanswered stays unanswered; the
// requester's cache settles it with a timeout.
func (s *baseStage) finish(rp *route.Packet) {
	if r := recover(); r != nil {
		metrics.HandlerPanics.WithLabelValues("stage").Inc()
		slog.Error("stage handler panic",
			"stage_id", s.id, "stage_type", s.stageType,
			"msg_id", rp.Header.MsgID, "panic", r, "stack", string(debug.Stack()))
		if s.cur.active && !s.cur.replied {
			s.replyError(route.InvalidResponse)
		}
	}
	s.cur = dispatch{}
	rp.Dispose()
}

func (s *baseStage) dispatchClient(rp *route.Packet) {
	entry := s.bySid[rp.Header.Sid]
	if entry == nil {
		// Сессия привязана к стадии, а актёра нет - рассинхрон после
		// переподключения или гонка с удалением.
		slog.Warn("client packet without actor",
			"stage_id", s.id, "sid", rp.Header.Sid, "msg_id", rp.Header.MsgID)
		if rp.IsRequest() {
			s.replyError(route.Unauthorized)
		}
		return
	}
	metrics.MessagesDispatched.WithLabelValues("client").Inc()
	s.user.OnDispatch(entry.user, &Message{
		MsgID:     rp.Header.MsgID,
		AccountID: entry.accountID,
		pl:        rp.Payload,
	})
}

// handleCreate runs the user OnCreate and answers with the create envelope.
func (s *baseStage) handleCreate(rp *route.Packet) {
	if s.state != stateCreating {
		s.reply(route.Success, route.PackCreateStageReply(false, nil))
		return
	}
	_, body, err := route.UnpackCreateStage(rp.Body())
	if err != nil {
		s.failCreate(route.DecodeFailed, err)
		return
	}
	view := payload.View(body)
	replyBody, err := s.user.OnCreate(&Message{MsgID: rp.Header.MsgID, pl: view})
	if err != nil {
		s.failCreate(route.CodeOf(err, route.InvalidResponse), err)
		return
	}
	s.state = stateActive
	metrics.StagesActive.Inc()
	metrics.StagesCreated.WithLabelValues(s.stageType).Inc()
	slog.Info("stage created", "stage_id", s.id, "stage_type", s.stageType)
	s.reply(route.Success, route.PackCreateStageReply(true, replyBody))
	s.user.OnPostCreate()
}

func (s *baseStage) failCreate(code route.ErrorCode, err error) {
	slog.Warn("stage create failed",
		"stage_id", s.id, "stage_type", s.stageType, "err", err)
	s.state = stateDestroyed
	s.link.invalidate()
	s.mgr.remove(s.id)
	s.replyError(code)
}

// replyCreateDup answers a duplicate create request once the first one has
// run: success with IsCreated=false, or StageNotFound when creation failed.
func (s *baseStage) replyCreateDup(h route.Header) {
	if s.state == stateActive {
		s.sendReply(h.From, h.MsgSeq, h.MsgID, h.Sid, h.AccountID,
			route.Success, route.PackCreateStageReply(false, nil))
		return
	}
	s.sendReply(h.From, h.MsgSeq, h.MsgID, h.Sid, h.AccountID,
		route.StageNotFound, nil)
}

// runAuth handles the authenticate message of a fresh session: builds an
// actor, resolves the account through it, then either rebinds an existing
// actor or admits the new one.
func (s *baseStage) runAuth(sid int64, pkt *protocol.Packet) {
	defer pkt.Dispose()

	if s.state != stateActive {
		s.rejectAuth(sid, pkt, route.StageNotFound)
		return
	}

	link := newActorLink(s, sid)
	actor := s.newActor(link)

	var (
		accountID string
		replyBody []byte
	)
	err := s.guard("authenticate", func() error {
		actor.OnCreate()
		var e error
		accountID, replyBody, e = actor.OnAuthenticate(&Message{MsgID: pkt.MsgID, pl: pkt.Payload})
		return e
	})
	if err != nil || accountID == "" {
		s.guardNoErr("actor destroy", actor.OnDestroy)
		link.invalidate()
		slog.Info("authentication rejected", "stage_id", s.id, "sid", sid, "err", err)
		s.rejectAuth(sid, pkt, route.CodeOf(err, route.Unauthorized))
		return
	}
	link.setAccount(accountID)

	if existing := s.actors[accountID]; existing != nil {
		// Аккаунт уже на стадии: свежий экземпляр не нужен, сессия
		// переезжает к живому актёру.
		s.guardNoErr("actor destroy", actor.OnDestroy)
		link.invalidate()
		s.rebindActor(existing, sid, accountID, pkt, replyBody)
		return
	}
	s.admitActor(actor, link, sid, accountID, pkt, replyBody)
}

// rebindActor attaches a new session to an actor that already lives on the
// stage: the old session is kicked, the stage learns about the reconnect.
func (s *baseStage) rebindActor(entry *actorEntry, sid int64, accountID string, pkt *protocol.Packet, replyBody []byte) {
	if entry.connected && entry.sid != 0 && entry.sid != sid {
		delete(s.bySid, entry.sid)
		s.mgr.clients.CloseClient(entry.sid, route.ConnectionClosed)
	}
	entry.sid = sid
	entry.connected = true
	s.bySid[sid] = entry
	entry.link.rebind(sid)
	s.mgr.clients.BindClient(sid, accountID, s.id)
	s.guardNoErr("post authenticate", entry.user.OnPostAuthenticate)
	s.sendClientReply(sid, pkt, route.Success, replyBody)
	slog.Info("actor reconnected", "stage_id", s.id, "account", accountID, "sid", sid)
	s.guardNoErr("connection changed", func() { s.user.OnConnectionChanged(entry.user, true) })
}

// admitActor runs the join flow for a brand-new account.
func (s *baseStage) admitActor(actor Actor, link *ActorLink, sid int64, accountID string, pkt *protocol.Packet, replyBody []byte) {
	s.guardNoErr("post authenticate", actor.OnPostAuthenticate)

	err := s.guard("join", func() error {
		return s.user.OnJoinStage(actor)
	})
	if err != nil {
		s.guardNoErr("actor destroy", actor.OnDestroy)
		link.invalidate()
		slog.Info("join rejected", "stage_id", s.id, "account", accountID, "err", err)
		s.rejectAuth(sid, pkt, route.CodeOf(err, route.Unauthorized))
		return
	}

	entry := &actorEntry{
		user:      actor,
		link:      link,
		accountID: accountID,
		sid:       sid,
		connected: true,
	}
	s.actors[accountID] = entry
	s.bySid[sid] = entry
	s.actorCount.Add(1)
	metrics.ActorsActive.Inc()
	s.mgr.clients.BindClient(sid, accountID, s.id)
	s.sendClientReply(sid, pkt, route.Success, replyBody)
	slog.Info("actor joined", "stage_id", s.id, "account", accountID, "sid", sid)
	s.guardNoErr("post join", func() { s.user.OnPostJoinStage(actor) })
}

func (s *baseStage) rejectAuth(sid int64, pkt *protocol.Packet, code route.ErrorCode) {
	s.sendClientReply(sid, pkt, code, nil)
	s.mgr.clients.CloseClient(sid, code)
}

func (s *baseStage) sendClientReply(sid int64, req *protocol.Packet, code route.ErrorCode, body []byte) {
	if req.MsgSeq == 0 && code == route.Success {
		return
	}
	out := &protocol.Packet{
		MsgID:     req.MsgID,
		MsgSeq:    req.MsgSeq,
		StageID:   s.id,
		ErrorCode: uint16(code),
		Payload:   payload.FromBytes(body),
	}
	if err := s.mgr.clients.SendToClient(sid, out); err != nil {
		slog.Debug("client reply dropped", "sid", sid, "err", err)
	}
}

// runDisconnect detaches the session from its actor. The actor itself stays:
// keeping or removing it is stage policy via OnConnectionChanged.
func (s *baseStage) runDisconnect(sid int64) {
	entry := s.bySid[sid]
	if entry == nil {
		return
	}
	delete(s.bySid, sid)
	entry.sid = 0
	entry.connected = false
	entry.link.rebind(0)
	if s.state == stateActive {
		slog.Info("actor disconnected", "stage_id", s.id, "account", entry.accountID)
		s.guardNoErr("connection changed", func() { s.user.OnConnectionChanged(entry.user, false) })
	}
}

// removeActor destroys the actor and closes its session if still connected.
func (s *baseStage) removeActor(accountID string) bool {
	entry := s.actors[accountID]
	if entry == nil {
		return false
	}
	delete(s.actors, accountID)
	if entry.sid != 0 {
		delete(s.bySid, entry.sid)
	}
	s.actorCount.Add(-1)
	metrics.ActorsActive.Dec()
	s.guardNoErr("actor destroy", entry.user.OnDestroy)
	entry.link.invalidate()
	if entry.connected && entry.sid != 0 {
		s.mgr.clients.CloseClient(entry.sid, route.ConnectionClosed)
	}
	return true
}

// destroy tears the stage down: timers, game loop, actors, then the user
// hook. Idempotent; terminal.
func (s *baseStage) destroy() {
	if s.state == stateDestroyed {
		return
	}
	wasActive := s.state == stateActive
	s.state = stateDestroyed

	if s.loop != nil {
		s.loop.Stop()
		s.loop = nil
	}
	s.mgr.timers.CancelStage(s.id)

	for _, entry := range s.actors {
		s.guardNoErr("actor destroy", entry.user.OnDestroy)
		entry.link.invalidate()
		if entry.connected && entry.sid != 0 {
			s.mgr.clients.CloseClient(entry.sid, route.ConnectionClosed)
		}
	}
	if n := len(s.actors); n > 0 {
		metrics.ActorsActive.Sub(float64(n))
		s.actorCount.Store(0)
	}
	clear(s.actors)
	clear(s.bySid)

	s.guardNoErr("stage destroy", s.user.OnDestroy)
	s.link.invalidate()
	s.mgr.remove(s.id)
	if wasActive {
		metrics.StagesActive.Dec()
	}
	slog.Info("stage destroyed", "stage_id", s.id, "stage_type", s.stageType)
}

// --- game loop ---

func (s *baseStage) startLoop(timestep, accCap time.Duration) error {
	if s.state != stateActive {
		return ErrStageClosed
	}
	if s.loop != nil {
		return ErrLoopExists
	}
	loop, err := timer.NewGameLoop(timestep, accCap, s.postFn, s.tick)
	if err != nil {
		return err
	}
	s.loop = loop
	return loop.Start()
}

func (s *baseStage) stopLoop() {
	if s.loop != nil {
		s.loop.Stop()
		s.loop = nil
	}
}

// postFn feeds game-loop ticks into the stage's worker queue.
func (s *baseStage) postFn(fn func()) {
	s.mgr.pool.PostFunc(s, s.id, fn)
}

func (s *baseStage) tick(delta, total time.Duration) {
	// Цикл могли остановить, пока тик стоял в очереди.
	if s.state != stateActive || s.loop == nil {
		return
	}
	s.user.OnTick(delta, total)
}

// --- timers ---

func (s *baseStage) addRepeatTimer(delay, period time.Duration, fn func()) timer.ID {
	return s.mgr.timers.AddRepeat(s.id, delay, period, func(timer.ID) {
		if s.state == stateActive {
			fn()
		}
	})
}

func (s *baseStage) addCountTimer(delay, period time.Duration, count int, fn func()) timer.ID {
	return s.mgr.timers.AddCount(s.id, delay, period, count, func(timer.ID) {
		if s.state == stateActive {
			fn()
		}
	})
}

// --- replies and outbound traffic ---

// reply answers the request currently being dispatched under the request's
// own message id. The first reply wins. One-way messages (seq 0) never
// produce a reply.
func (s *baseStage) reply(code route.ErrorCode, body *payload.Payload) {
	s.replyAs("", code, body)
}

// replyAs is reply with the message id overridden; empty keeps the
// request's id.
func (s *baseStage) replyAs(msgID string, code route.ErrorCode, body *payload.Payload) {
	if !s.cur.active || s.cur.replied || s.cur.seq == 0 {
		if body != nil {
			body.Dispose()
		}
		return
	}
	s.cur.replied = true
	if msgID == "" {
		msgID = s.cur.msgID
	}
	if s.cur.sid != 0 {
		if body == nil {
			body = payload.Empty()
		}
		out := &protocol.Packet{
			MsgID:     msgID,
			MsgSeq:    s.cur.seq,
			StageID:   s.id,
			ErrorCode: uint16(code),
			Payload:   body,
		}
		if err := s.mgr.clients.SendToClient(s.cur.sid, out); err != nil {
			slog.Debug("client reply dropped", "sid", s.cur.sid, "err", err)
		}
		return
	}
	s.sendReply(s.cur.from, s.cur.seq, msgID, s.cur.sid, s.cur.account, code, body)
}

func (s *baseStage) replyError(code route.ErrorCode) { s.reply(code, nil) }

// sendReply sends a routed reply outside the dispatch context. No-op when
// the origin expects none (seq 0 or unknown sender).
func (s *baseStage) sendReply(to string, seq uint16, msgID string, sid int64, accountID string, code route.ErrorCode, body *payload.Payload) {
	if body == nil {
		body = payload.Empty()
	}
	if seq == 0 || to == "" {
		body.Dispose()
		return
	}
	pkt := &route.Packet{
		Header: route.Header{
			MsgSeq:    seq,
			ServiceID: s.mgr.cfg.ServiceID,
			Type:      route.ServerTypePlay,
			MsgID:     msgID,
			StageID:   s.id,
			AccountID: accountID,
			Sid:       sid,
			ErrorCode: code,
			IsReply:   true,
		},
		Payload: body,
	}
	if err := s.mgr.sender.Send(to, pkt); err != nil {
		slog.Warn("reply send failed", "to", to, "msg_id", msgID, "err", err)
	}
}

// sendToActor pushes a one-way packet to a joined, connected actor.
func (s *baseStage) sendToActor(accountID, msgID string, body []byte) error {
	entry := s.actors[accountID]
	if entry == nil {
		return ErrActorNotFound
	}
	if !entry.connected || entry.sid == 0 {
		return route.ErrPeerUnavailable
	}
	return s.mgr.clients.SendToClient(entry.sid, &protocol.Packet{
		MsgID:   msgID,
		StageID: s.id,
		Payload: payload.FromBytes(body),
	})
}

// broadcast pushes a one-way packet to every connected actor.
func (s *baseStage) broadcast(msgID string, body []byte) {
	for _, entry := range s.actors {
		if !entry.connected || entry.sid == 0 {
			continue
		}
		pkt := &protocol.Packet{
			MsgID:   msgID,
			StageID: s.id,
			// Каждой сессии своя копия: очередь записи владеет буфером.
			Payload: payload.Copy(body),
		}
		if err := s.mgr.clients.SendToClient(entry.sid, pkt); err != nil {
			slog.Debug("broadcast dropped", "sid", entry.sid, "err", err)
		}
	}
}

func (s *baseStage) header(msgID string, stageID int64) route.Header {
	return route.Header{
		ServiceID: s.mgr.cfg.ServiceID,
		Type:      route.ServerTypePlay,
		MsgID:     msgID,
		StageID:   stageID,
	}
}

// send pushes a one-way routed packet.
func (s *baseStage) send(target string, h route.Header, body []byte) error {
	return s.mgr.sender.Send(target, route.NewPacket(h, payload.FromBytes(body)))
}

// request issues a routed request; the callback runs later on this stage's
// worker with exactly one reply (real, timeout or cancellation).
func (s *baseStage) request(target string, h route.Header, body []byte, cb ReplyCallback) {
	if cb == nil {
		if err := s.send(target, h, body); err != nil {
			slog.Warn("send failed", "to", target, "msg_id", h.MsgID, "err", err)
		}
		return
	}
	seq := s.mgr.cache.Register(h.MsgID, func(rp *route.Packet) {
		s.mgr.pool.PostFunc(s, s.id, func() {
			defer rp.Dispose()
			// Стадия могла умереть между запросом и ответом.
			if s.state != stateActive {
				return
			}
			cb(&Reply{MsgID: rp.Header.MsgID, Code: rp.Header.ErrorCode, pl: rp.Payload})
		})
	})
	h.MsgSeq = seq
	if err := s.mgr.sender.Send(target, route.NewPacket(h, payload.FromBytes(body))); err != nil {
		slog.Warn("request send failed", "to", target, "msg_id", h.MsgID, "err", err)
		s.mgr.cache.Resolve(route.CancelReply(seq, route.SendErrorCode(err)))
	}
}

// --- panic containment ---

func (s *baseStage) runSafe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues("stage").Inc()
			slog.Error("stage continuation panic",
				"stage_id", s.id, "stage_type", s.stageType,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// guard runs a lifecycle hook and folds a panic into an error.
func (s *baseStage) guard(where string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues("stage").Inc()
			slog.Error("stage hook panic",
				"stage_id", s.id, "where", where,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s panic: %v", where, r)
		}
	}()
	return fn()
}

func (s *baseStage) guardNoErr(where string, fn func()) {
	_ = s.guard(where, func() error { fn(); return nil })
}
