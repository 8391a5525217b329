package play

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/playhouselab/playhouse/internal/eventloop"
	"github.com/playhouselab/playhouse/internal/metrics"
	"github.com/playhouselab/playhouse/internal/payload"
	"github.com/playhouselab/playhouse/internal/protocol"
	"github.com/playhouselab/playhouse/internal/request"
	"github.com/playhouselab/playhouse/internal/route"
	"github.com/playhouselab/playhouse/internal/timer"
)

// Config carries the play-side identity and creation policy.
type Config struct {
	ServerID  string
	ServiceID uint16

	// DefaultStageType, when set, creates a missing stage on the fly when a
	// client authenticates against its id. Empty disables auto-creation.
	DefaultStageType string
}

type registration struct {
	stage StageFactory
	actor ActorFactory
}

// StageManager owns the stage directory of a play server and dispatches
// everything that enters it: routed packets from the mesh, client packets
// from the session layer, timer callbacks.
type StageManager struct {
	cfg    Config
	pool   *eventloop.Pool
	cache  *request.Cache
	timers *timer.Manager

	sender  Sender
	clients ClientSender

	// registry заполняется до старта сервера и дальше не меняется.
	registry map[string]registration

	stages sync.Map // int64 -> *baseStage
	count  atomic.Int64
}

// NewStageManager builds a manager on top of a worker pool and a request
// cache. Bind must be called with the transports before any traffic flows.
func NewStageManager(cfg Config, pool *eventloop.Pool, cache *request.Cache) *StageManager {
	m := &StageManager{
		cfg:      cfg,
		pool:     pool,
		cache:    cache,
		registry: make(map[string]registration),
	}
	m.timers = timer.NewManager(m.postTimer)
	return m
}

// Bind wires the mesh and session transports. Called once at bootstrap,
// after both sides exist; the split breaks the construction cycle between
// the manager and the layers that call back into it.
func (m *StageManager) Bind(sender Sender, clients ClientSender) {
	m.sender = sender
	m.clients = clients
}

// Register adds a stage type. Not safe after the server started.
func (m *StageManager) Register(stageType string, sf StageFactory, af ActorFactory) error {
	if stageType == "" || sf == nil || af == nil {
		return fmt.Errorf("play: invalid registration for %q", stageType)
	}
	if _, dup := m.registry[stageType]; dup {
		return fmt.Errorf("play: %w: %s", ErrStageTypeRegistered, stageType)
	}
	m.registry[stageType] = registration{stage: sf, actor: af}
	return nil
}

// Run drives the timer wheel until ctx is cancelled.
func (m *StageManager) Run(ctx context.Context) error {
	return m.timers.Run(ctx)
}

// HandleRoute is the mesh inbound entry point. Takes packet ownership.
// Safe for concurrent use by the per-peer reader goroutines.
func (m *StageManager) HandleRoute(rp *route.Packet) {
	if rp.IsReply() {
		m.cache.Resolve(rp)
		return
	}
	switch rp.Header.MsgID {
	case route.MsgIDCreateStage:
		m.handleCreateRoute(rp)
	case route.MsgIDDestroyStage:
		st := m.get(rp.Header.StageID)
		if st == nil {
			// Уже уничтожена - разрушение идемпотентно.
			m.replyDirect(rp, route.Success, nil)
			rp.Dispose()
			return
		}
		m.pool.PostMessage(st, st.id, rp)
	default:
		st := m.get(rp.Header.StageID)
		if st == nil {
			if rp.IsRequest() {
				m.replyDirect(rp, route.StageNotFound, nil)
			} else {
				metrics.MessagesDropped.WithLabelValues("unknown_stage").Inc()
				slog.Warn("dropping packet for unknown stage",
					"stage_id", rp.Header.StageID, "msg_id", rp.Header.MsgID)
			}
			rp.Dispose()
			return
		}
		m.pool.PostMessage(st, st.id, rp)
	}
}

func (m *StageManager) handleCreateRoute(rp *route.Packet) {
	stageType, _, err := route.UnpackCreateStage(rp.Body())
	if err != nil {
		slog.Warn("malformed create-stage envelope", "err", err)
		m.replyDirect(rp, route.DecodeFailed, nil)
		rp.Dispose()
		return
	}
	reg, ok := m.registry[stageType]
	if !ok {
		slog.Warn("create for unregistered stage type", "stage_type", stageType)
		m.replyDirect(rp, route.StageNotFound, nil)
		rp.Dispose()
		return
	}
	m.getOrCreate(rp.Header.StageID, stageType, reg).postCreate(rp)
}

// getOrCreate returns the registered stage or installs a fresh one in the
// creating state. The loser's allocation is discarded.
func (m *StageManager) getOrCreate(id int64, stageType string, reg registration) *baseStage {
	if v, ok := m.stages.Load(id); ok {
		return v.(*baseStage)
	}
	fresh := newBaseStage(m, id, stageType, reg)
	v, loaded := m.stages.LoadOrStore(id, fresh)
	if !loaded {
		m.count.Add(1)
	}
	return v.(*baseStage)
}

func (m *StageManager) get(id int64) *baseStage {
	if v, ok := m.stages.Load(id); ok {
		return v.(*baseStage)
	}
	return nil
}

// remove drops the stage from the directory. Called by the stage itself at
// the end of destroy, or after a failed create.
func (m *StageManager) remove(id int64) {
	if _, ok := m.stages.LoadAndDelete(id); ok {
		m.count.Add(-1)
	}
}

// replyDirect answers a routed request without a stage behind it.
func (m *StageManager) replyDirect(req *route.Packet, code route.ErrorCode, body *payload.Payload) {
	if !req.IsRequest() || req.Header.From == "" {
		if body != nil {
			body.Dispose()
		}
		return
	}
	if err := m.sender.Send(req.Header.From, route.Reply(req, code, body)); err != nil {
		slog.Warn("direct reply send failed", "to", req.Header.From, "err", err)
	}
}

// --- session-layer entry points ---

// Authenticate handles the first message of a fresh session. Takes packet
// ownership. Missing stages are created on the fly when a default stage
// type is configured, otherwise the client gets StageNotFound.
func (m *StageManager) Authenticate(sid int64, pkt *protocol.Packet) {
	stageID := pkt.StageID
	if st := m.get(stageID); st != nil {
		m.pool.PostFunc(st, stageID, func() { st.runAuth(sid, pkt) })
		return
	}
	if m.cfg.DefaultStageType == "" {
		m.rejectClient(sid, pkt, route.StageNotFound)
		return
	}
	reg, ok := m.registry[m.cfg.DefaultStageType]
	if !ok {
		slog.Error("default stage type not registered", "stage_type", m.cfg.DefaultStageType)
		m.rejectClient(sid, pkt, route.StageNotFound)
		return
	}
	st := m.getOrCreate(stageID, m.cfg.DefaultStageType, reg)
	env, err := route.PackCreateStage(m.cfg.DefaultStageType, nil)
	if err != nil {
		m.rejectClient(sid, pkt, route.StageNotFound)
		return
	}
	// Create первым в очередь воркера, аутентификация следом.
	st.postCreate(route.NewPacket(route.Header{
		MsgID:   route.MsgIDCreateStage,
		StageID: stageID,
		Type:    route.ServerTypePlay,
	}, env))
	m.pool.PostFunc(st, stageID, func() { st.runAuth(sid, pkt) })
}

func (m *StageManager) rejectClient(sid int64, pkt *protocol.Packet, code route.ErrorCode) {
	defer pkt.Dispose()
	if pkt.MsgSeq != 0 {
		out := &protocol.Packet{
			MsgID:     pkt.MsgID,
			MsgSeq:    pkt.MsgSeq,
			StageID:   pkt.StageID,
			ErrorCode: uint16(code),
		}
		if err := m.clients.SendToClient(sid, out); err != nil {
			slog.Debug("reject reply dropped", "sid", sid, "err", err)
		}
	}
	m.clients.CloseClient(sid, code)
}

// OnClientPacket dispatches a post-join client message to its stage. Takes
// packet ownership.
func (m *StageManager) OnClientPacket(sid int64, accountID string, stageID int64, pkt *protocol.Packet) {
	st := m.get(stageID)
	if st == nil {
		// Стадия умерла под клиентом; сессию закроет destroy, но гонка
		// возможна - отвечаем и не роняем сессию.
		if pkt.MsgSeq != 0 {
			out := &protocol.Packet{
				MsgID:     pkt.MsgID,
				MsgSeq:    pkt.MsgSeq,
				StageID:   stageID,
				ErrorCode: uint16(route.StageNotFound),
			}
			_ = m.clients.SendToClient(sid, out)
		}
		pkt.Dispose()
		return
	}
	rp := &route.Packet{
		Header: route.Header{
			MsgSeq:    pkt.MsgSeq,
			MsgID:     pkt.MsgID,
			Type:      route.ServerTypePlay,
			StageID:   stageID,
			AccountID: accountID,
			Sid:       sid,
		},
		Payload: pkt.Payload,
	}
	m.pool.PostMessage(st, stageID, rp)
}

// OnDisconnect tells the stage its client went away.
func (m *StageManager) OnDisconnect(sid int64, stageID int64) {
	if st := m.get(stageID); st != nil {
		m.pool.PostFunc(st, stageID, func() { st.runDisconnect(sid) })
	}
}

// --- introspection ---

// StageInfo is a point-in-time stage summary for the admin surface.
type StageInfo struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Actors int    `json:"actors"`
}

// StageCount reports the number of live stages.
func (m *StageManager) StageCount() int { return int(m.count.Load()) }

// TimerCount reports the number of scheduled timers.
func (m *StageManager) TimerCount() int { return m.timers.Len() }

// Stages returns a snapshot of the directory.
func (m *StageManager) Stages() []StageInfo {
	out := make([]StageInfo, 0, m.count.Load())
	m.stages.Range(func(_, v any) bool {
		st := v.(*baseStage)
		out = append(out, StageInfo{
			ID:     st.id,
			Type:   st.stageType,
			Actors: int(st.actorCount.Load()),
		})
		return true
	})
	return out
}

// Shutdown schedules destruction of every stage. The worker pool drain
// completes the teardown.
func (m *StageManager) Shutdown() {
	m.stages.Range(func(_, v any) bool {
		st := v.(*baseStage)
		m.pool.PostFunc(st, st.id, st.destroy)
		return true
	})
}

// postTimer delivers a due timer callback to the owning stage's worker.
// Timers of dead stages are cancelled in destroy; a directory miss here is
// a benign race.
func (m *StageManager) postTimer(stageID int64, fn func()) {
	if st := m.get(stageID); st != nil {
		m.pool.PostFunc(st, stageID, fn)
	}
}
