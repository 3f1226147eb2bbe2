package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/sendonce/sendonce/internal/config"
	"github.com/sendonce/sendonce/internal/debughttp"
	"github.com/sendonce/sendonce/internal/edge"
	"github.com/sendonce/sendonce/internal/events"
	"github.com/sendonce/sendonce/internal/library"
	ilog "github.com/sendonce/sendonce/internal/log"
	"github.com/sendonce/sendonce/internal/monitor"
	"github.com/sendonce/sendonce/internal/server"
	"github.com/sendonce/sendonce/internal/staging"
	"github.com/sendonce/sendonce/internal/store/sqlite"
	"github.com/sendonce/sendonce/internal/token"
	"github.com/sendonce/sendonce/internal/tunnel"
)

func runServe(ctx context.Context, args []string) int {
	loadServerEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.StateStoreURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "state store error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	lib, err := library.New(cfg.LibraryRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, "library error:", err)
		return 1
	}
	area, err := staging.New(cfg.StagingRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, "staging error:", err)
		return 1
	}

	if err := debughttp.Start(ctx, cfg.DebugAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	bus := events.NewBus()
	manager := tunnel.New(tunnel.Options{
		Store:   store,
		Library: lib,
		Staging: area,
		Edge:    edge.NewCLIProvider(cfg.EdgeCmd, cfg.EdgeTimeout, logger.With("comp", "edge")),
		Bus:     bus,
		Log:     logger.With("comp", "tunnel"),
	})
	mon := monitor.New(monitor.Options{
		Store:            store,
		Tunnels:          manager,
		Bus:              bus,
		Log:              logger.With("comp", "monitor"),
		AccessLogPath:    cfg.AccessLogPath,
		Resume:           cfg.MonitorResume,
		Tick:             cfg.MonitorTick,
		StallTimeout:     cfg.StallTimeout,
		GracePeriod:      cfg.GracePeriod,
		TokenSweepEvery:  cfg.TokenSweepEvery,
		HistoryRetention: cfg.HistoryRetention,
		HistoryLimit:     cfg.HistoryLimit,
		MaxTunnelTTL:     cfg.MaxTunnelTTL,
	})

	s := server.New(server.Options{
		Config:  cfg,
		Store:   store,
		Library: lib,
		Tokens:  token.New([]byte(cfg.JWTSecret), store),
		Tunnels: manager,
		Monitor: mon,
		Bus:     bus,
		Log:     logger.With("comp", "server"),
		Version: Version,
	})
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}
