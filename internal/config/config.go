// Package config loads and persists the slipgate configuration: the
// control-plane listen address, the upstream matchmaking endpoints, and the
// bot roster whose size fixes the worker pool size.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults for the [server] and [slippi] sections.
const (
	// DefaultListenAddr is the control-plane WebSocket listen address.
	DefaultListenAddr = ":9002"

	// DefaultMatchmakingHost and DefaultMatchmakingPort locate the upstream
	// matchmaking service.
	DefaultMatchmakingHost = "mm.slippi.gg"
	DefaultMatchmakingPort = 43113

	// DefaultAPIBaseURL is the version-metadata endpoint; the bot's uid is
	// appended as the final path segment.
	DefaultAPIBaseURL = "https://users-rest-dot-slippi.uc.r.appspot.com/user"

	// DefaultBasePort is the first local UDP port; worker i binds
	// DefaultBasePort + i.
	DefaultBasePort = 41000
)

// Config is the top-level configuration for slipgate.
// It is persisted as a TOML file at DefaultConfigPath().
type Config struct {
	Server ServerConfig `toml:"server"`
	Slippi SlippiConfig `toml:"slippi"`
	Roster RosterConfig `toml:"roster"`
}

// ServerConfig controls the control-plane surfaces.
type ServerConfig struct {
	// Listen is the TCP address the WebSocket server binds (e.g. ":9002").
	Listen string `toml:"listen"`

	// StatusSocket is the Unix socket path for the local status endpoint.
	// Empty selects a runtime-dir default at startup.
	StatusSocket string `toml:"status_socket,omitempty"`
}

// SlippiConfig locates the upstream matchmaking service.
type SlippiConfig struct {
	// MatchmakingHost and MatchmakingPort are the reliable-UDP endpoint of
	// the matchmaking server.
	MatchmakingHost string `toml:"matchmaking_host"`
	MatchmakingPort uint16 `toml:"matchmaking_port"`

	// APIBaseURL is the HTTPS endpoint queried once per job for the
	// client version the matchmaking server expects; the bot's uid is
	// appended as the final path segment.
	APIBaseURL string `toml:"api_base_url"`

	// InsecureSkipVerify disables TLS certificate verification on the
	// version endpoint. Leave false unless the endpoint serves a
	// self-signed chain.
	InsecureSkipVerify bool `toml:"insecure_skip_verify,omitempty"`

	// BasePort is the first local UDP port; worker i binds BasePort + i.
	BasePort uint16 `toml:"base_port"`
}

// RosterConfig supplies the bot identities. Entries may be listed inline
// and/or loaded from a JSON file; the pool size equals the total count.
type RosterConfig struct {
	// File is an optional path to a JSON roster: an array of objects with
	// "uid", "playKey" and "connectCode" fields. A relative path is
	// resolved against the config file's directory. File entries are
	// appended after the inline ones.
	File string `toml:"file,omitempty"`

	// Bots are inline roster entries.
	Bots []BotIdentity `toml:"bots,omitempty"`
}

// BotIdentity is one credentialed account controlled by this process.
type BotIdentity struct {
	// UID and PlayKey are opaque credential strings for the upstream
	// service.
	UID     string `toml:"uid" json:"uid"`
	PlayKey string `toml:"play_key" json:"playKey"`

	// ConnectCode is the bot's own handle (e.g. "BOT#001").
	ConnectCode string `toml:"connect_code" json:"connectCode"`
}

// DefaultConfig returns a Config populated with sensible defaults.
// The roster is left empty and must be filled in by the user or by
// `slipgate init`.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: DefaultListenAddr,
		},
		Slippi: SlippiConfig{
			MatchmakingHost: DefaultMatchmakingHost,
			MatchmakingPort: DefaultMatchmakingPort,
			APIBaseURL:      DefaultAPIBaseURL,
			BasePort:        DefaultBasePort,
		},
	}
}

// DefaultConfigPath returns the default path for the slipgate config file.
// It respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "slipgate", "config.toml"), nil
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// After loading, defaults are applied for any unset optional fields.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist. The file is written
// with mode 0600 (owner-only read/write) since it contains credentials.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// LoadRoster returns the full bot roster: inline entries followed by the
// entries of the JSON roster file, if one is configured. baseDir anchors a
// relative file path, normally the config file's directory. Every entry
// must carry a uid, a play key and a connect code, and the combined roster
// must not be empty.
func (c *Config) LoadRoster(baseDir string) ([]BotIdentity, error) {
	bots := append([]BotIdentity(nil), c.Roster.Bots...)

	if c.Roster.File != "" {
		path := c.Roster.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading roster file %s: %w", path, err)
		}
		var fileBots []BotIdentity
		if err := json.Unmarshal(data, &fileBots); err != nil {
			return nil, fmt.Errorf("decoding roster file %s: %w", path, err)
		}
		bots = append(bots, fileBots...)
	}

	if len(bots) == 0 {
		return nil, errors.New("no bot identities configured")
	}
	for i, b := range bots {
		if b.UID == "" || b.PlayKey == "" || b.ConnectCode == "" {
			return nil, fmt.Errorf("roster entry %d is missing uid, play key or connect code", i)
		}
	}
	return bots, nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListenAddr
	}
	if cfg.Slippi.MatchmakingHost == "" {
		cfg.Slippi.MatchmakingHost = DefaultMatchmakingHost
	}
	if cfg.Slippi.MatchmakingPort == 0 {
		cfg.Slippi.MatchmakingPort = DefaultMatchmakingPort
	}
	if cfg.Slippi.APIBaseURL == "" {
		cfg.Slippi.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.Slippi.BasePort == 0 {
		cfg.Slippi.BasePort = DefaultBasePort
	}
}
