// Package main implements padlink-server, the machine-side half of padlink.
//
// The server receives controller telemetry and keeps itself reachable
// without a fixed public address:
//
//	┌──────────────────────────────────────────┐
//	│              padlink-server              │
//	├──────────────────────────────────────────┤
//	│  Ingest (HTTP):                          │
//	│    /check-connection  - reachability     │
//	│    /controller-input  - telemetry POST   │
//	│    /controller-stream - telemetry WS     │
//	│    /controller-state  - last snapshot    │
//	│    /status            - loop and health  │
//	├──────────────────────────────────────────┤
//	│  Publication loop:                       │
//	│    tunnel.Supervisor  - provider process │
//	│    directory client   - server_url key   │
//	│    HealthMonitor      - early refresh    │
//	└──────────────────────────────────────────┘
//
// Configuration comes from --config / PADLINK_CONFIG, PADLINK_* variables
// and flags; run with --help for the full list.
//
// Example usage:
//
//	PADLINK_DIRECTORY_URL=https://example-db.firebaseio.com \
//	PADLINK_DIRECTORY_TOKEN=secret \
//	./padlink-server --port 5000
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dreamware/padlink/internal/config"
	"github.com/dreamware/padlink/internal/directory"
	"github.com/dreamware/padlink/internal/ingest"
	"github.com/dreamware/padlink/internal/logging"
	"github.com/dreamware/padlink/internal/publisher"
	"github.com/dreamware/padlink/internal/telemetry"
	"github.com/dreamware/padlink/internal/tunnel"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	if err := run(os.Args[1:], os.Getenv); err != nil {
		logFatal("padlink-server: %v", err)
	}
}

func run(args []string, getenv func(string) string) error {
	cfg, err := config.Load("padlink-server", args, getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	tunnels := tunnel.NewSupervisor(tunnel.Config{
		Executable:   cfg.Tunnel.Executable,
		Args:         cfg.Tunnel.Args,
		ControlURL:   cfg.Tunnel.ControlURL,
		PollInterval: cfg.Tunnel.Poll(),
		MaxAttempts:  cfg.Tunnel.MaxAttempts,
		StopGrace:    cfg.Tunnel.Grace(),
	}, nil, logger)

	dir := directory.NewHTTPClient(cfg.Directory.URL,
		directory.WithToken(cfg.Directory.Token),
		directory.WithTimeout(cfg.Directory.RequestTimeout()),
		directory.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newApp(cfg, tunnels, dir, logger).run(ctx)
}

// tunnelManager is the part of tunnel.Supervisor the server drives.
type tunnelManager interface {
	publisher.Acquirer
	Stop() error
}

// app wires the ingest server to the publication loop.
type app struct {
	logger  *slog.Logger
	tunnels tunnelManager
	sink    *ingest.Latest
	server  *ingest.Server
	loop    *publisher.Loop
	monitor *publisher.HealthMonitor
}

// status is served under "publisher" by /status.
type status struct {
	State     publisher.State        `json:"state"`
	Cycles    int                    `json:"cycles"`
	LastCycle *publisher.Cycle       `json:"last_cycle,omitempty"`
	Health    publisher.TunnelHealth `json:"health"`
}

func newApp(cfg *config.Config, tunnels tunnelManager, dir directory.Directory, logger *slog.Logger) *app {
	a := &app{logger: logger, tunnels: tunnels}

	a.sink = ingest.NewLatest(ingest.SinkFunc(func(snap telemetry.Snapshot) {
		logger.Debug("controller input", "pressed", snap.Pressed(), "axes", len(snap.AxisValues), "hats", len(snap.HatValues))
	}))

	a.loop = publisher.NewLoop(publisher.Config{
		LocalPort:       cfg.Server.Port,
		Key:             directory.ServerURLKey,
		RefreshInterval: cfg.Server.Refresh(),
		RecoverBackoff:  cfg.Server.Backoff(),
	}, tunnels, dir, logger)

	a.monitor = publisher.NewHealthMonitor(cfg.Health.CheckInterval(), cfg.Health.MaxFailures, logger)
	a.monitor.SetOnUnhealthy(func(url string) {
		logger.Warn("published endpoint unreachable, refreshing tunnel", "url", url)
		a.loop.Refresh()
	})
	a.loop.SetOnPublished(a.monitor.Watch)

	a.server = ingest.NewServer(a.sink, ingest.ServerOptions{
		Addr:   cfg.Server.ListenAddr(),
		Logger: logger,
		Status: a.status,
	})
	return a
}

func (a *app) status() any {
	s := status{
		State:  a.loop.State(),
		Cycles: a.loop.Cycles(),
		Health: a.monitor.Health(),
	}
	if c, ok := a.loop.LastCycle(); ok {
		s.LastCycle = &c
	}
	return s
}

// run serves until ctx is cancelled. Only a bind failure is returned.
func (a *app) run(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.monitor.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = a.loop.Run(ctx)
	}()

	<-ctx.Done()
	a.logger.Info("shutting down")

	a.monitor.Stop()
	wg.Wait()

	if err := a.tunnels.Stop(); err != nil {
		a.logger.Warn("stopping tunnel provider", "error", err)
	}
	if err := a.server.Stop(context.Background()); err != nil {
		a.logger.Warn("stopping ingest server", "error", err)
	}
	a.logger.Info("padlink-server stopped")
	return nil
}
