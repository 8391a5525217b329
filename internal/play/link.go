package play

import (
	"sync/atomic"
	"time"

	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/route"
	"github.com/playhouselab/playhouse/internal/timer"
)

// StageLink is the framework handle a stage factory receives. All methods
// must be called on the stage's worker: from lifecycle hooks, dispatch
// handlers, timer callbacks and request callbacks. After the stage is
// destroyed the link goes inert: sends fail, timers are not scheduled.
type StageLink struct {
	s     *baseStage
	alive atomic.Bool
}

func newStageLink(s *baseStage) *StageLink {
	l := &StageLink{s: s}
	l.alive.Store(true)
	return l
}

func (l *StageLink) invalidate() { l.alive.Store(false) }

// Valid reports whether the stage is still alive.
func (l *StageLink) Valid() bool { return l.alive.Load() }

// StageID returns the stage's routing id.
func (l *StageLink) StageID() int64 { return l.s.id }

// StageType returns the registered type name.
func (l *StageLink) StageType() string { return l.s.stageType }

// ServerID returns this server's mesh identity.
func (l *StageLink) ServerID() string { return l.s.mgr.sender.SelfID() }

// Reply answers the request currently being dispatched with a success body
// under the request's own message id. The framework takes ownership of body.
// A request the handler never answers is settled on the requester's side by
// its cache timeout.
func (l *StageLink) Reply(body []byte) {
	l.s.reply(route.Success, payload.FromBytes(body))
}

// ReplyWith answers the current request under a different message id, for
// reply types named apart from their request.
func (l *StageLink) ReplyWith(msgID string, body []byte) {
	l.s.replyAs(msgID, route.Success, payload.FromBytes(body))
}

// ReplyError answers the current request with an error code.
func (l *StageLink) ReplyError(code route.ErrorCode) {
	l.s.replyError(code)
}

// SendToClient pushes a one-way message to a joined actor's session.
func (l *StageLink) SendToClient(accountID, msgID string, body []byte) error {
	if !l.alive.Load() {
		return ErrStageClosed
	}
	return l.s.sendToActor(accountID, msgID, body)
}

// Broadcast pushes a one-way message to every connected actor.
func (l *StageLink) Broadcast(msgID string, body []byte) {
	if !l.alive.Load() {
		return
	}
	l.s.broadcast(msgID, body)
}

// SendToStage pushes a one-way message to a stage on another play server.
func (l *StageLink) SendToStage(serverID string, stageID int64, msgID string, body []byte) error {
	if !l.alive.Load() {
		return ErrStageClosed
	}
	return l.s.send(serverID, l.s.header(msgID, stageID), body)
}

// RequestToStage sends a request to a stage on another play server. cb runs
// on this stage's worker with exactly one reply: the real one, a timeout or
// a cancellation.
func (l *StageLink) RequestToStage(serverID string, stageID int64, msgID string, body []byte, cb ReplyCallback) {
	if !l.alive.Load() {
		return
	}
	l.s.request(serverID, l.s.header(msgID, stageID), body, cb)
}

// SendToSystem pushes a one-way message to a specific server by id, outside
// any stage (stage id 0). On an api server it lands in the handler registry,
// so this doubles as the directly-addressed api send.
func (l *StageLink) SendToSystem(serverID, msgID string, body []byte) error {
	if !l.alive.Load() {
		return ErrStageClosed
	}
	return l.s.send(serverID, l.s.header(msgID, 0), body)
}

// RequestToSystem sends a request to a specific server by id. cb runs on
// this stage's worker with exactly one reply.
func (l *StageLink) RequestToSystem(serverID, msgID string, body []byte, cb ReplyCallback) {
	if !l.alive.Load() {
		return
	}
	l.s.request(serverID, l.s.header(msgID, 0), body, cb)
}

// SendToApi pushes a one-way message to a healthy api server of the service.
func (l *StageLink) SendToApi(serviceID uint16, msgID string, body []byte) error {
	if !l.alive.Load() {
		return ErrStageClosed
	}
	target, ok := l.s.mgr.sender.ChooseApi(serviceID)
	if !ok {
		return route.ErrPeerUnavailable
	}
	h := l.s.header(msgID, l.s.id)
	return l.s.send(target, h, body)
}

// RequestToApi sends a request to a healthy api server of the service. cb
// runs on this stage's worker with exactly one reply.
func (l *StageLink) RequestToApi(serviceID uint16, msgID string, body []byte, cb ReplyCallback) {
	if !l.alive.Load() {
		return
	}
	target, ok := l.s.mgr.sender.ChooseApi(serviceID)
	if !ok {
		if cb != nil {
			// Ответ приходит тем же путём, что и все остальные: через
			// очередь воркера, а не из глубины вызова.
			s := l.s
			s.mgr.pool.PostFunc(s, s.id, func() {
				if s.state == stateActive {
					cb(&Reply{MsgID: msgID, Code: route.ConnectionFailed, pl: payload.Empty()})
				}
			})
		}
		return
	}
	l.s.request(target, l.s.header(msgID, l.s.id), body, cb)
}

// AddRepeatTimer schedules fn every period after an initial delay until
// cancelled. Fires on this stage's worker. Returns 0 when the stage is gone.
func (l *StageLink) AddRepeatTimer(delay, period time.Duration, fn func()) timer.ID {
	if !l.alive.Load() {
		return 0
	}
	return l.s.addRepeatTimer(delay, period, fn)
}

// AddCountTimer schedules fn count times, then removes the timer.
func (l *StageLink) AddCountTimer(delay, period time.Duration, count int, fn func()) timer.ID {
	if !l.alive.Load() {
		return 0
	}
	return l.s.addCountTimer(delay, period, count, fn)
}

// CancelTimer stops a scheduled timer. Safe for already-fired timers.
func (l *StageLink) CancelTimer(id timer.ID) bool {
	return l.s.mgr.timers.Cancel(id)
}

// StartGameLoop begins fixed-timestep ticking through OnTick. A second call
// without StopGameLoop fails.
func (l *StageLink) StartGameLoop(timestep, accCap time.Duration) error {
	if !l.alive.Load() {
		return ErrStageClosed
	}
	return l.s.startLoop(timestep, accCap)
}

// StopGameLoop halts ticking. Queued ticks are discarded.
func (l *StageLink) StopGameLoop() {
	if !l.alive.Load() {
		return
	}
	l.s.stopLoop()
}

// ActorCount reports the number of joined actors.
func (l *StageLink) ActorCount() int { return int(l.s.actorCount.Load()) }

// HasActor reports whether the account is joined.
func (l *StageLink) HasActor(accountID string) bool {
	_, ok := l.s.actors[accountID]
	return ok
}

// AccountIDs returns the joined account ids in no particular order.
func (l *StageLink) AccountIDs() []string {
	out := make([]string, 0, len(l.s.actors))
	for id := range l.s.actors {
		out = append(out, id)
	}
	return out
}

// RemoveActor destroys the actor and closes its session when connected.
func (l *StageLink) RemoveActor(accountID string) bool {
	if !l.alive.Load() {
		return false
	}
	return l.s.removeActor(accountID)
}

// CloseStage schedules destruction: the stage finishes the current batch,
// then runs actor teardown and OnDestroy.
func (l *StageLink) CloseStage() {
	if !l.alive.Load() {
		return
	}
	s := l.s
	s.mgr.pool.PostFunc(s, s.id, s.destroy)
}

// ActorLink is the framework handle an actor factory receives. Methods are
// stage-worker only, same as StageLink.
type ActorLink struct {
	s         *baseStage
	accountID string // empty until OnAuthenticate resolves the account
	sid       atomic.Int64
	alive     atomic.Bool
}

func newActorLink(s *baseStage, sid int64) *ActorLink {
	l := &ActorLink{s: s}
	l.sid.Store(sid)
	l.alive.Store(true)
	return l
}

func (l *ActorLink) invalidate()               { l.alive.Store(false) }
func (l *ActorLink) rebind(sid int64)          { l.sid.Store(sid) }
func (l *ActorLink) setAccount(account string) { l.accountID = account }

// AccountID returns the authenticated account, empty during OnCreate and
// OnAuthenticate.
func (l *ActorLink) AccountID() string { return l.accountID }

// Sid returns the current session id, 0 while disconnected.
func (l *ActorLink) Sid() int64 { return l.sid.Load() }

// Connected reports whether a live session is attached.
func (l *ActorLink) Connected() bool {
	entry := l.s.actors[l.accountID]
	return entry != nil && entry.connected
}

// SendToClient pushes a one-way message to this actor's session.
func (l *ActorLink) SendToClient(msgID string, body []byte) error {
	if !l.alive.Load() {
		return ErrStageClosed
	}
	return l.s.sendToActor(l.accountID, msgID, body)
}

// Kick destroys the actor and closes its session.
func (l *ActorLink) Kick() bool {
	if !l.alive.Load() {
		return false
	}
	return l.s.removeActor(l.accountID)
}

// StageID returns the hosting stage's id.
func (l *ActorLink) StageID() int64 { return l.s.id }
