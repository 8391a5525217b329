// Package admin serves the read-only operational surface of a server
// process: liveness, a JSON stats snapshot and the Prometheus scrape
// endpoint. A process without a configured admin address runs none of it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is one /stats snapshot. The service layer fills it from the live
// components; uptime is stamped here.
type Stats struct {
	ServerID   string   `json:"server_id"`
	ServerType string   `json:"server_type"`
	ServiceID  uint16   `json:"service_id"`
	UptimeSec  int64    `json:"uptime_sec"`
	Sessions   int      `json:"sessions"`
	Stages     int      `json:"stages"`
	MeshPeers  []string `json:"mesh_peers"`
}

// Server is the admin HTTP front end.
type Server struct {
	addr  string
	stats func() Stats
	start time.Time
}

func init() {
	// Глобальный режим gin выставляется один раз, до любых роутеров.
	gin.SetMode(gin.ReleaseMode)
}

// New builds the admin server over a stats snapshot source. A nil source
// serves zero stats.
func New(addr string, stats func() Stats) *Server {
	if stats == nil {
		stats = func() Stats { return Stats{} }
	}
	return &Server{addr: addr, stats: stats, start: time.Now()}
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", func(c *gin.Context) {
		st := s.stats()
		st.UptimeSec = int64(time.Since(s.start).Seconds())
		if st.MeshPeers == nil {
			st.MeshPeers = []string{}
		}
		c.JSON(http.StatusOK, st)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the endpoints on a prepared listener. Exported so tests can
// bind to port 0.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{Handler: s.router()}
	slog.Info("admin listener started", "addr", ln.Addr())

	done := make(chan error, 1)
	go func() { done <- hs.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutCtx)
		<-done
		return nil
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin: %w", err)
	}
}
