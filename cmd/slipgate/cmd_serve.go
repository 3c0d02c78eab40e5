package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/slipgate/internal/app"
	"github.com/kuuji/slipgate/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication daemon",
	Long: `Start the slipgate daemon: load the bot roster, bind one UDP port per
bot, and serve the WebSocket control plane. Clients connect and send
queue commands; the daemon pushes searching, authenticated, slippiErr,
timeout and noReadyClient events back to every session.

Runs in the foreground until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Set up context with signal handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Roster files with relative paths resolve against the config directory.
	a := app.New(cfg, filepath.Dir(resolvedConfigPath()), app.DefaultDeps(), globalLogger)

	globalLogger.Info("starting slipgate", "config", resolvedConfigPath())

	if err := a.Run(ctx); err != nil {
		if ctx.Err() != nil {
			// Context was cancelled (signal received), clean shutdown.
			globalLogger.Info("slipgate stopped")
			return nil
		}
		return fmt.Errorf("daemon error: %w", err)
	}

	return nil
}

// validateConfig checks that all required configuration fields are present.
func validateConfig(cfg *config.Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Slippi.MatchmakingHost == "" {
		return fmt.Errorf("slippi.matchmaking_host is required")
	}
	if cfg.Slippi.MatchmakingPort == 0 {
		return fmt.Errorf("slippi.matchmaking_port is required")
	}
	if cfg.Roster.File == "" && len(cfg.Roster.Bots) == 0 {
		return fmt.Errorf("no bot accounts configured; set roster.file or add [[roster.bots]] entries")
	}
	return nil
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default XDG path.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		// Fallback, this shouldn't happen in practice.
		return "config.toml"
	}
	return p
}
