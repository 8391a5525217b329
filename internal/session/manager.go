package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhouselab/playhouse/internal/metrics"
	"github.com/playhouselab/playhouse/internal/protocol"
	"github.com/playhouselab/playhouse/internal/route"
)

// Dispatcher is the play-side surface the session layer feeds. The stage
// manager implements it.
type Dispatcher interface {
	// Authenticate receives the first packet of a fresh session. Takes
	// packet ownership; the play side answers through the manager.
	Authenticate(sid int64, pkt *protocol.Packet)
	// OnClientPacket receives every post-join packet. Takes ownership.
	OnClientPacket(sid int64, accountID string, stageID int64, pkt *protocol.Packet)
	// OnDisconnect reports a dropped authenticated session.
	OnDisconnect(sid int64, stageID int64)
}

// Config tunes the session layer. Zero durations and sizes take defaults.
type Config struct {
	// AuthMsgID gates fresh sessions: the first message must carry this id.
	// Required unless the layer runs in an echo mode.
	AuthMsgID string

	// IdleTimeout drops sessions with no inbound bytes. Default 30s.
	IdleTimeout time.Duration

	// SendQueueSize bounds the per-session write queue. Default 256.
	SendQueueSize int

	// WriteTimeout is the per-write socket deadline. Default 5s.
	WriteTimeout time.Duration

	// MaxBody and CompressThreshold parameterize the wire codec.
	MaxBody           int
	CompressThreshold int

	// RingCapacity sizes the per-TCP-session receive ring. Zero derives it
	// from the codec limit so every legal frame fits.
	RingCapacity int

	// Echo starts every session in a diagnostic echo mode. Off in
	// production.
	Echo EchoMode
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Manager owns the session directory: it adopts fresh connections, routes
// their packets to the dispatcher and serves the play side as its client
// transport (SendToClient / CloseClient / BindClient).
type Manager struct {
	cfg          Config
	codec        protocol.Codec
	disp         Dispatcher
	ringCapacity int

	sessions sync.Map // int64 -> *Session
	nextSid  atomic.Int64
	count    atomic.Int64
}

// NewManager validates the config and builds the directory.
func NewManager(cfg Config, disp Dispatcher) (*Manager, error) {
	if disp == nil {
		return nil, errors.New("session: nil dispatcher")
	}
	cfg = cfg.withDefaults()
	if cfg.AuthMsgID == "" && cfg.Echo == EchoOff {
		return nil, errors.New("session: authenticate message id required")
	}
	codec := protocol.NewCodec(cfg.MaxBody, cfg.CompressThreshold)
	ringCap := cfg.RingCapacity
	minRing := codec.MaxContent() + protocol.PrefixLen
	if ringCap == 0 {
		ringCap = minRing
	} else if ringCap < minRing {
		return nil, fmt.Errorf("session: ring capacity %d below max frame %d", ringCap, minRing)
	}
	return &Manager{
		cfg:          cfg,
		codec:        codec,
		disp:         disp,
		ringCapacity: ringCap,
	}, nil
}

// AdoptTCP registers a fresh TCP connection and starts its pumps.
func (m *Manager) AdoptTCP(conn net.Conn) *Session {
	return m.install(&Session{tcp: conn})
}

// AdoptWS registers a fresh upgraded WebSocket connection.
func (m *Manager) AdoptWS(conn *websocket.Conn) *Session {
	return m.install(&Session{ws: conn})
}

func (m *Manager) install(s *Session) *Session {
	s.id = m.nextSid.Add(1)
	s.mgr = m
	s.echo = m.cfg.Echo
	s.sendCh = make(chan []byte, m.cfg.SendQueueSize)
	s.closeCh = make(chan struct{})
	m.sessions.Store(s.id, s)
	m.count.Add(1)
	metrics.SessionsOpened.Inc()
	metrics.SessionsActive.Inc()
	slog.Debug("session opened", "sid", s.id, "kind", s.Kind())
	go s.run()
	return s
}

func (m *Manager) get(sid int64) *Session {
	if v, ok := m.sessions.Load(sid); ok {
		return v.(*Session)
	}
	return nil
}

// drop unregisters a finished session and tells the play side. Called
// exactly once per session, at the end of its run goroutine.
func (m *Manager) drop(s *Session) {
	if _, ok := m.sessions.LoadAndDelete(s.id); !ok {
		return
	}
	m.count.Add(-1)
	metrics.SessionsActive.Dec()
	reason := s.reason()
	metrics.SessionsClosed.WithLabelValues(reason.String()).Inc()
	if s.authed.Load() {
		m.disp.OnDisconnect(s.id, s.stage.Load())
	}
	slog.Debug("session dropped", "sid", s.id, "reason", reason)
}

// Count reports the number of live sessions.
func (m *Manager) Count() int { return int(m.count.Load()) }

// CloseAll tears down every session. Used at shutdown.
func (m *Manager) CloseAll(code route.ErrorCode) {
	m.sessions.Range(func(_, v any) bool {
		v.(*Session).close(code)
		return true
	})
}

// --- play.ClientSender ---

// SendToClient encodes and queues one packet. Takes packet ownership: the
// payload is disposed as soon as the frame is built.
func (m *Manager) SendToClient(sid int64, pkt *protocol.Packet) error {
	s := m.get(sid)
	if s == nil {
		pkt.Dispose()
		return fmt.Errorf("sid %d: %w", sid, ErrSessionNotFound)
	}
	buf, err := m.codec.EncodeResponse(pkt)
	pkt.Dispose()
	if err != nil {
		return fmt.Errorf("sid %d: %w", sid, err)
	}
	return s.enqueue(buf)
}

// CloseClient drops a session with the given status.
func (m *Manager) CloseClient(sid int64, code route.ErrorCode) {
	if s := m.get(sid); s != nil {
		s.close(code)
	}
}

// BindClient marks a session authenticated and joined to its stage.
func (m *Manager) BindClient(sid int64, accountID string, stageID int64) {
	s := m.get(sid)
	if s == nil {
		slog.Warn("bind for dead session", "sid", sid, "account", accountID)
		return
	}
	s.bind(accountID, stageID)
	slog.Info("session authenticated", "sid", sid, "account", accountID, "stage_id", stageID)
}
