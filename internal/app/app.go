// Package app wires the daemon together: configuration, the event bus, the
// worker pool, the WebSocket control plane, and the status socket.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/slipgate/internal/bus"
	"github.com/kuuji/slipgate/internal/config"
	"github.com/kuuji/slipgate/internal/control"
	"github.com/kuuji/slipgate/internal/pool"
	"github.com/kuuji/slipgate/internal/slippi"
	"github.com/kuuji/slipgate/internal/status"
	"github.com/kuuji/slipgate/pkg/protocol"
)

// App runs the slipgate daemon: it builds one matchmaking worker per roster
// bot, dispatches queue commands over them, and reports every job's
// lifecycle back to the connected control-plane sessions.
type App struct {
	cfg     *config.Config
	baseDir string
	deps    Deps
	log     *slog.Logger

	mu      sync.Mutex
	bus     *bus.Bus
	pool    *pool.Pool
	server  *control.Server
	status  *status.Server
	started time.Time
}

// New creates an App. baseDir is the directory relative roster file paths
// resolve against, normally the directory of the loaded config file.
func New(cfg *config.Config, baseDir string, deps Deps, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:     cfg,
		baseDir: baseDir,
		deps:    deps,
		log:     logger,
	}
}

// Run starts the daemon and blocks until the context is cancelled or a
// fatal startup error occurs. Jobs that are still running at shutdown are
// drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	roster, err := a.cfg.LoadRoster(a.baseDir)
	if err != nil {
		return fmt.Errorf("loading roster: %w", err)
	}

	versions := a.deps.Versions
	if versions == nil {
		versions = slippi.NewVersionClient(a.cfg.Slippi.APIBaseURL, a.cfg.Slippi.InsecureSkipVerify)
	}

	b := bus.New()

	clients := make([]*slippi.Client, len(roster))
	for i, identity := range roster {
		clients[i] = slippi.NewClient(slippi.ClientConfig{
			Index:           i,
			Identity:        identity,
			MatchmakingHost: a.cfg.Slippi.MatchmakingHost,
			MatchmakingPort: a.cfg.Slippi.MatchmakingPort,
			BasePort:        a.cfg.Slippi.BasePort,
			NewHost:         a.deps.NewHost,
			Versions:        versions,
			Emit:            b.Publish,
			Timing:          a.deps.Timing,
			Logger:          a.log,
		})
	}

	p := pool.New(clients, b.Publish, a.log)
	b.Subscribe("queue", func(msg protocol.Message) {
		p.HandleQueue(ctx, msg)
	})

	srv := control.NewServer(b, a.log)
	if err := srv.Start(a.cfg.Server.Listen); err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}

	// The snapshot provider reads these, so they are set before the status
	// server can field its first request.
	a.mu.Lock()
	a.bus = b
	a.pool = p
	a.server = srv
	a.started = time.Now()
	a.mu.Unlock()

	socketPath := a.cfg.Server.StatusSocket
	if socketPath == "" {
		socketPath = status.ResolveSocketPath()
	}
	statusSrv := status.NewServer(socketPath, a.snapshot, a.log)
	if err := statusSrv.Start(); err != nil {
		srv.Close()
		p.Close()
		return fmt.Errorf("starting status server: %w", err)
	}

	a.mu.Lock()
	a.status = statusSrv
	a.mu.Unlock()

	a.log.Info("daemon started",
		"addr", srv.Addr(),
		"bots", len(roster),
		"basePort", a.cfg.Slippi.BasePort,
		"matchmaking", fmt.Sprintf("%s:%d", a.cfg.Slippi.MatchmakingHost, a.cfg.Slippi.MatchmakingPort))

	<-ctx.Done()
	a.shutdown()
	return ctx.Err()
}

// Addr returns the control server's listen address, or "" before Run has
// bound it.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

// snapshot assembles the status report served on the unix socket.
func (a *App) snapshot() status.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return status.Status{
		UptimeSeconds: time.Since(a.started).Seconds(),
		Pool:          a.pool.Snapshot(),
		Server:        a.server.Snapshot(),
	}
}

// shutdown stops the control plane first so no new commands arrive, then
// drains the in-flight jobs.
func (a *App) shutdown() {
	a.log.Info("shutting down")

	a.mu.Lock()
	srv, p, statusSrv := a.server, a.pool, a.status
	a.mu.Unlock()

	srv.Close()
	p.Close()
	if err := statusSrv.Stop(); err != nil {
		a.log.Warn("stopping status server", "error", err)
	}
}
