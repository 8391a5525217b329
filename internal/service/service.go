// Package service assembles runnable servers from configuration: transports,
// dispatchers, discovery and the admin surface, supervised by one errgroup
// per process. The binaries under cmd/ and the integration tests are its
// only callers.
package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/playhouselab/playhouse/internal/config"
	"github.com/playhouselab/playhouse/internal/discovery"
	"github.com/playhouselab/playhouse/internal/mesh"
	"github.com/playhouselab/playhouse/internal/route"
)

// newController builds the discovery backend the config names. The returned
// closer releases backend resources after the resolver stopped.
func newController(ctx context.Context, d config.Discovery) (mesh.SystemController, func(), error) {
	switch d.Kind {
	case "static":
		return discovery.NewStatic(StaticList(d.Static)), func() {}, nil
	case "postgres":
		pg, err := discovery.NewPostgres(ctx, d.DSN, d.TTL())
		if err != nil {
			return nil, nil, fmt.Errorf("service: postgres discovery: %w", err)
		}
		return pg, pg.Close, nil
	case "redis":
		rd, err := discovery.NewRedis(ctx, d.Addr, d.TTL())
		if err != nil {
			return nil, nil, fmt.Errorf("service: redis discovery: %w", err)
		}
		return rd, func() {
			if err := rd.Close(); err != nil {
				slog.Warn("redis discovery close failed", "err", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("service: unknown discovery kind %q", d.Kind)
	}
}

// StaticList maps static config entries to mesh members, all Running.
func StaticList(entries []config.StaticServer) []mesh.ServerInfo {
	out := make([]mesh.ServerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, mesh.ServerInfo{
			ServerID:  e.ServerID,
			Type:      route.ParseServerType(e.ServerType),
			ServiceID: e.ServiceID,
			Address:   e.Address,
			State:     mesh.StateRunning,
			Weight:    e.Weight,
		})
	}
	return out
}

// clientTLS loads the listener keypair when TLS is on.
func clientTLS(cfg config.Server) (*tls.Config, error) {
	if !cfg.UseSSL {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("service: loading tls keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// listenAddr turns a configured port into a listen address; 0 keeps the
// listener disabled.
func listenAddr(port int) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", port)
}

// waitDrained polls probe until it reports zero or the deadline passes.
func waitDrained(d time.Duration, probe func() int) bool {
	deadline := time.Now().Add(d)
	for probe() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}
