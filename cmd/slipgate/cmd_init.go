package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/slipgate/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file interactively",
	Long: `Walk through the initial slipgate configuration: control plane address,
matchmaking endpoint, and the first bot account. Writes the result as
TOML to the config path (see --config).

Additional bot accounts can be added later by editing the config file
or pointing roster.file at a JSON roster.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		fmt.Fprintf(os.Stderr, "slipgate is already configured: %s\n", cfgPath)
		fmt.Fprintf(os.Stderr, "Use --force to start over.\n")
		return nil
	}

	cfg := config.DefaultConfig()
	bot := config.BotIdentity{}
	mmPort := strconv.Itoa(int(cfg.Slippi.MatchmakingPort))

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("Where the WebSocket control plane accepts clients").
				Value(&cfg.Server.Listen).
				Validate(requireValue("listen address")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Matchmaking host").
				Description("Upstream matchmaking server the bots queue against").
				Value(&cfg.Slippi.MatchmakingHost).
				Validate(requireValue("matchmaking host")),
			huh.NewInput().
				Title("Matchmaking port").
				Value(&mmPort).
				Validate(requirePort),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Bot UID").
				Description("Account id from the bot's user.json").
				Value(&bot.UID).
				Validate(requireValue("uid")),
			huh.NewInput().
				Title("Bot play key").
				EchoMode(huh.EchoModePassword).
				Value(&bot.PlayKey).
				Validate(requireValue("play key")),
			huh.NewInput().
				Title("Bot connect code").
				Description("The bot's own handle, e.g. BOT#001").
				Value(&bot.ConnectCode).
				Validate(requireConnectCode),
		),
	).WithTheme(customHuhTheme())

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	port, err := strconv.ParseUint(strings.TrimSpace(mmPort), 10, 16)
	if err != nil {
		return fmt.Errorf("invalid matchmaking port %q", mmPort)
	}
	cfg.Slippi.MatchmakingPort = uint16(port)
	cfg.Roster.Bots = append(cfg.Roster.Bots, bot)

	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Config written to %s\n", cfgPath)
	fmt.Fprintf(os.Stderr, "Run 'slipgate serve' to start the daemon.\n")
	return nil
}

// requireValue rejects empty input.
func requireValue(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

// requirePort rejects anything that is not a valid TCP port.
func requirePort(s string) error {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("must be a port between 1 and 65535")
	}
	return nil
}

// requireConnectCode checks the TAG#000 shape without being strict about
// tag length; the upstream server is the real authority.
func requireConnectCode(s string) error {
	code := strings.TrimSpace(s)
	i := strings.IndexByte(code, '#')
	if i <= 0 || i == len(code)-1 {
		return fmt.Errorf("connect codes look like BOT#001")
	}
	return nil
}
