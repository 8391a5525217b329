package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/playhouselab/playhouse/internal/admin"
	"github.com/playhouselab/playhouse/internal/api"
	"github.com/playhouselab/playhouse/internal/config"
	"github.com/playhouselab/playhouse/internal/mesh"
	"github.com/playhouselab/playhouse/internal/metrics"
	"github.com/playhouselab/playhouse/internal/request"
	"github.com/playhouselab/playhouse/internal/route"
)

// ApiServer is a fully wired api-role process: the handler dispatcher and
// mesh membership. Attach controllers to the registry before construction.
type ApiServer struct {
	cfg config.Server

	registry   *api.Registry
	cache      *request.Cache
	dispatcher *api.Dispatcher
	node       *mesh.Node
	resolver   *mesh.Resolver
	admin      *admin.Server

	closeCtrl func()
	gauges    []prometheus.Collector
}

// NewApiServer validates the config and wires every component around the
// prepared registry. ctx bounds the discovery backend probe.
func NewApiServer(ctx context.Context, cfg config.Server, registry *api.Registry) (*ApiServer, error) {
	return newApiServer(cfg, registry, func() (mesh.SystemController, func(), error) {
		return newController(ctx, cfg.Discovery)
	})
}

// NewApiServerWith wires the server around a caller-provided discovery
// controller, for embedders that manage membership themselves.
func NewApiServerWith(cfg config.Server, registry *api.Registry, ctrl mesh.SystemController) (*ApiServer, error) {
	return newApiServer(cfg, registry, func() (mesh.SystemController, func(), error) {
		return ctrl, func() {}, nil
	})
}

func newApiServer(cfg config.Server, registry *api.Registry, makeCtrl func() (mesh.SystemController, func(), error)) (*ApiServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Type() != route.ServerTypeApi {
		return nil, fmt.Errorf("service: config role %q is not api", cfg.ServerType)
	}
	if registry == nil || len(registry.MsgIDs()) == 0 {
		return nil, errors.New("service: api server needs registered controllers")
	}

	cache := request.NewCache(cfg.RequestTimeout())
	cache.TimeoutHook = func(msgID string) {
		metrics.RequestTimeouts.WithLabelValues(msgID).Inc()
	}
	dispatcher := api.NewDispatcher(api.Config{
		ServerID:  cfg.ServerID,
		ServiceID: cfg.ServiceID,
	}, registry, cache)

	node, err := mesh.NewNode(mesh.ServerInfo{
		ServerID:  cfg.ServerID,
		Type:      route.ServerTypeApi,
		ServiceID: cfg.ServiceID,
		Address:   cfg.BindEndpoint,
		State:     mesh.StateRunning,
	}, mesh.Config{MaxBody: cfg.MaxBodySize}, dispatcher)
	if err != nil {
		return nil, err
	}
	dispatcher.Bind(node)

	ctrl, closeCtrl, err := makeCtrl()
	if err != nil {
		return nil, err
	}

	s := &ApiServer{
		cfg:        cfg,
		registry:   registry,
		cache:      cache,
		dispatcher: dispatcher,
		node:       node,
		resolver:   mesh.NewResolver(ctrl, node, cfg.ResolverInterval()),
		closeCtrl:  closeCtrl,
	}
	if cfg.AdminAddr != "" {
		s.admin = admin.New(cfg.AdminAddr, s.Stats)
	}
	s.gauges = []prometheus.Collector{
		metrics.DepthGauge("request", "outstanding", "Outstanding requests", cfg.ServerID,
			func() float64 { return float64(cache.Len()) }),
		metrics.DepthGauge("api", "handlers_in_flight", "Running api handlers", cfg.ServerID,
			func() float64 { return float64(dispatcher.InFlight()) }),
	}
	return s, nil
}

// Node exposes the mesh node, mainly to tests awaiting membership.
func (s *ApiServer) Node() *mesh.Node { return s.node }

// Stats snapshots the server for the admin surface.
func (s *ApiServer) Stats() admin.Stats {
	return admin.Stats{
		ServerID:   s.cfg.ServerID,
		ServerType: s.cfg.ServerType,
		ServiceID:  s.cfg.ServiceID,
		MeshPeers:  s.node.Peers(),
	}
}

// Run starts every loop and blocks until ctx is cancelled or one of them
// fails. The dispatcher waits out in-flight handlers before Run returns.
func (s *ApiServer) Run(ctx context.Context) error {
	slog.Info("api server starting",
		"server_id", s.cfg.ServerID,
		"service_id", s.cfg.ServiceID,
		"mesh", s.cfg.BindEndpoint,
		"handlers", s.registry.MsgIDs(),
	)
	defer s.teardown()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.node.Run(ctx) })
	g.Go(func() error { return s.resolver.Run(ctx) })
	g.Go(func() error { return s.cache.Run(ctx) })
	g.Go(func() error { return s.dispatcher.Run(ctx) })
	if s.admin != nil {
		g.Go(func() error { return s.admin.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *ApiServer) teardown() {
	s.cache.CancelAll(route.ConnectionClosed)
	for _, c := range s.gauges {
		prometheus.Unregister(c)
	}
	s.closeCtrl()
	slog.Info("api server stopped", "server_id", s.cfg.ServerID)
}
