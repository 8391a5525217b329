package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/playhouselab/playhouse/internal/config"
	"github.com/playhouselab/playhouse/internal/room"
	"github.com/playhouselab/playhouse/internal/service"
)

const ConfigPath = "config/playserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	cfgPath := ConfigPath
	if p := os.Getenv("PLAYHOUSE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("config loaded",
		"server_id", cfg.ServerID,
		"service_id", cfg.ServiceID,
		"bind", cfg.BindEndpoint,
		"tcp_port", cfg.TCPPort,
		"ws_port", cfg.WSPort,
	)

	srv, err := service.NewPlayServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating play server: %w", err)
	}
	if err := srv.RegisterStage(room.StageType, room.New, room.NewPlayer); err != nil {
		return fmt.Errorf("registering room stage: %w", err)
	}

	return srv.Run(ctx)
}
