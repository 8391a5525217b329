package session

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/playhouselab/playhouse/internal/route"
)

// ListenConfig names the client-facing listeners. An empty address
// disables the corresponding transport; at least one must be set.
type ListenConfig struct {
	TCPAddr string
	WSAddr  string
	WSPath  string // default /ws

	// TLS, when set, wraps both transports.
	TLS *tls.Config
}

// Server runs the client listeners and adopts every accepted connection
// into the session manager.
type Server struct {
	cfg ListenConfig
	mgr *Manager

	mu  sync.Mutex
	tcp net.Listener
	ws  *http.Server
}

// NewServer builds the listener front end over a session manager.
func NewServer(cfg ListenConfig, mgr *Manager) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	return &Server{cfg: cfg, mgr: mgr}
}

// TCPAddr reports the bound TCP listener address, nil before Run.
func (srv *Server) TCPAddr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.tcp == nil {
		return nil
	}
	return srv.tcp.Addr()
}

// Run serves both transports until ctx is cancelled, then tears down the
// listeners and every live session.
func (srv *Server) Run(ctx context.Context) error {
	if srv.cfg.TCPAddr == "" && srv.cfg.WSAddr == "" {
		return errors.New("session: no client listener configured")
	}

	g, ctx := errgroup.WithContext(ctx)

	if srv.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", srv.cfg.TCPAddr)
		if err != nil {
			return err
		}
		if srv.cfg.TLS != nil {
			ln = tls.NewListener(ln, srv.cfg.TLS)
		}
		srv.mu.Lock()
		srv.tcp = ln
		srv.mu.Unlock()
		g.Go(func() error { return srv.ServeTCP(ctx, ln) })
	}

	if srv.cfg.WSAddr != "" {
		g.Go(func() error { return srv.serveWS() })
	}

	g.Go(func() error {
		<-ctx.Done()
		srv.closeListeners()
		srv.mgr.CloseAll(route.ConnectionClosed)
		return nil
	})

	return g.Wait()
}

// ServeTCP accepts raw TCP clients from ln. Exported so tests can drive
// the server on a prepared listener.
func (srv *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	slog.Info("client tcp listener started", "addr", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Error("client accept failed", "err", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetKeepAlive(true); err != nil {
				slog.Warn("set keepalive failed", "err", err)
			}
			if err := tc.SetKeepAlivePeriod(30 * time.Second); err != nil {
				slog.Warn("set keepalive period failed", "err", err)
			}
		}
		srv.mgr.AdoptTCP(conn)
	}
}

// WSHandler returns the upgrade endpoint, mounted at the configured path.
// Run serves it on WSAddr; embedders may mount it on their own mux.
func (srv *Server) WSHandler() http.Handler {
	up := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Игровому сокету браузерная проверка origin не нужна.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(srv.cfg.WSPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		srv.mgr.AdoptWS(conn)
	})
	return mux
}

func (srv *Server) serveWS() error {
	hs := &http.Server{
		Addr:      srv.cfg.WSAddr,
		Handler:   srv.WSHandler(),
		TLSConfig: srv.cfg.TLS,
	}
	srv.mu.Lock()
	srv.ws = hs
	srv.mu.Unlock()

	slog.Info("client ws listener started", "addr", srv.cfg.WSAddr, "path", srv.cfg.WSPath)
	var err error
	if srv.cfg.TLS != nil {
		err = hs.ListenAndServeTLS("", "")
	} else {
		err = hs.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (srv *Server) closeListeners() {
	srv.mu.Lock()
	tcp, ws := srv.tcp, srv.ws
	srv.mu.Unlock()
	if tcp != nil {
		tcp.Close()
	}
	if ws != nil {
		// Upgraded соединения живут своей жизнью; Close не ждёт их.
		ws.Close()
	}
}
