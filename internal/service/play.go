package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/playhouselab/playhouse/internal/admin"
	"github.com/playhouselab/playhouse/internal/config"
	"github.com/playhouselab/playhouse/internal/eventloop"
	"github.com/playhouselab/playhouse/internal/mesh"
	"github.com/playhouselab/playhouse/internal/metrics"
	"github.com/playhouselab/playhouse/internal/play"
	"github.com/playhouselab/playhouse/internal/request"
	"github.com/playhouselab/playhouse/internal/route"
	"github.com/playhouselab/playhouse/internal/session"
)

// stageDrainTimeout bounds the destroy sweep at shutdown.
const stageDrainTimeout = 5 * time.Second

// PlayServer is a fully wired play-role process: client listeners, the stage
// runtime and mesh membership. Register stage types between NewPlayServer
// and Run.
type PlayServer struct {
	cfg config.Server

	pool     *eventloop.Pool
	cache    *request.Cache
	manager  *play.StageManager
	sessions *session.Manager
	front    *session.Server
	node     *mesh.Node
	resolver *mesh.Resolver
	admin    *admin.Server

	closeCtrl func()
	gauges    []prometheus.Collector
}

// NewPlayServer validates the config and wires every component. ctx bounds
// the discovery backend probe.
func NewPlayServer(ctx context.Context, cfg config.Server) (*PlayServer, error) {
	return newPlayServer(cfg, func() (mesh.SystemController, func(), error) {
		return newController(ctx, cfg.Discovery)
	})
}

// NewPlayServerWith wires the server around a caller-provided discovery
// controller, for embedders that manage membership themselves.
func NewPlayServerWith(cfg config.Server, ctrl mesh.SystemController) (*PlayServer, error) {
	return newPlayServer(cfg, func() (mesh.SystemController, func(), error) {
		return ctrl, func() {}, nil
	})
}

func newPlayServer(cfg config.Server, makeCtrl func() (mesh.SystemController, func(), error)) (*PlayServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Type() != route.ServerTypePlay {
		return nil, fmt.Errorf("service: config role %q is not play", cfg.ServerType)
	}
	echo, err := session.ParseEchoMode(cfg.DebugEchoMode)
	if err != nil {
		return nil, err
	}

	pool := eventloop.NewPool(eventloop.Config{Size: cfg.StageWorkerPoolSize})
	cache := request.NewCache(cfg.RequestTimeout())
	cache.TimeoutHook = func(msgID string) {
		metrics.RequestTimeouts.WithLabelValues(msgID).Inc()
	}

	manager := play.NewStageManager(play.Config{
		ServerID:         cfg.ServerID,
		ServiceID:        cfg.ServiceID,
		DefaultStageType: cfg.DefaultStageType,
	}, pool, cache)

	sessions, err := session.NewManager(session.Config{
		AuthMsgID:         cfg.AuthenticateMessageID,
		IdleTimeout:       cfg.IdleTimeout(),
		MaxBody:           cfg.MaxBodySize,
		CompressThreshold: cfg.CompressionThreshold,
		Echo:              echo,
	}, manager)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return nil, err
	}
	front := session.NewServer(session.ListenConfig{
		TCPAddr: listenAddr(cfg.TCPPort),
		WSAddr:  listenAddr(cfg.WSPort),
		WSPath:  cfg.WSPath,
		TLS:     tlsCfg,
	}, sessions)

	node, err := mesh.NewNode(mesh.ServerInfo{
		ServerID:  cfg.ServerID,
		Type:      route.ServerTypePlay,
		ServiceID: cfg.ServiceID,
		Address:   cfg.BindEndpoint,
		State:     mesh.StateRunning,
	}, mesh.Config{MaxBody: cfg.MaxBodySize}, manager)
	if err != nil {
		return nil, err
	}
	manager.Bind(node, sessions)

	ctrl, closeCtrl, err := makeCtrl()
	if err != nil {
		return nil, err
	}

	s := &PlayServer{
		cfg:       cfg,
		pool:      pool,
		cache:     cache,
		manager:   manager,
		sessions:  sessions,
		front:     front,
		node:      node,
		resolver:  mesh.NewResolver(ctrl, node, cfg.ResolverInterval()),
		closeCtrl: closeCtrl,
	}
	if cfg.AdminAddr != "" {
		s.admin = admin.New(cfg.AdminAddr, s.Stats)
	}
	s.gauges = []prometheus.Collector{
		metrics.DepthGauge("request", "outstanding", "Outstanding requests", cfg.ServerID,
			func() float64 { return float64(cache.Len()) }),
		metrics.DepthGauge("eventloop", "depth", "Queued stage work items", cfg.ServerID,
			func() float64 { return float64(pool.Depth()) }),
		metrics.DepthGauge("play", "timers_scheduled", "Scheduled stage timers", cfg.ServerID,
			func() float64 { return float64(manager.TimerCount()) }),
	}
	return s, nil
}

// RegisterStage adds a stage type. Call before Run.
func (s *PlayServer) RegisterStage(stageType string, sf play.StageFactory, af play.ActorFactory) error {
	return s.manager.Register(stageType, sf, af)
}

// Node exposes the mesh node, mainly to tests awaiting membership.
func (s *PlayServer) Node() *mesh.Node { return s.node }

// ClientTCPAddr reports the bound client TCP address, nil before Run.
func (s *PlayServer) ClientTCPAddr() net.Addr { return s.front.TCPAddr() }

// Stats snapshots the server for the admin surface.
func (s *PlayServer) Stats() admin.Stats {
	return admin.Stats{
		ServerID:   s.cfg.ServerID,
		ServerType: s.cfg.ServerType,
		ServiceID:  s.cfg.ServiceID,
		Sessions:   s.sessions.Count(),
		Stages:     s.manager.StageCount(),
		MeshPeers:  s.node.Peers(),
	}
}

// Run starts every loop and blocks until ctx is cancelled or one of them
// fails. Shutdown order: listeners close with the loops, outstanding
// requests cancel, stages destroy, the worker pool drains.
func (s *PlayServer) Run(ctx context.Context) error {
	slog.Info("play server starting",
		"server_id", s.cfg.ServerID,
		"service_id", s.cfg.ServiceID,
		"mesh", s.cfg.BindEndpoint,
		"workers", s.pool.Size(),
	)
	s.pool.Start()
	defer s.teardown()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.node.Run(ctx) })
	g.Go(func() error { return s.resolver.Run(ctx) })
	g.Go(func() error { return s.cache.Run(ctx) })
	g.Go(func() error { return s.manager.Run(ctx) })
	g.Go(func() error { return s.front.Run(ctx) })
	if s.admin != nil {
		g.Go(func() error { return s.admin.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *PlayServer) teardown() {
	s.cache.CancelAll(route.ConnectionClosed)
	s.manager.Shutdown()
	if !waitDrained(stageDrainTimeout, s.manager.StageCount) {
		slog.Warn("stage drain timed out", "left", s.manager.StageCount())
	}
	s.pool.Stop()
	for _, c := range s.gauges {
		prometheus.Unregister(c)
	}
	s.closeCtrl()
	slog.Info("play server stopped", "server_id", s.cfg.ServerID)
}
