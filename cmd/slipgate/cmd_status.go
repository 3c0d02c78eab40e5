package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/slipgate/internal/status"
)

var statusSocket string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Query the running slipgate daemon over its unix socket and display the control plane address, connected sessions, and bot pool occupancy.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSocket, "socket", "", "status socket path (default: platform runtime dir)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	socketPath := statusSocket
	if socketPath == "" {
		socketPath = status.ResolveSocketPath()
	}

	st, err := status.FetchStatus(socketPath)
	if err != nil {
		return fmt.Errorf("is slipgate running? %w", err)
	}

	accepting := styleOK.Render("accepting")
	if !st.Server.Accepting {
		accepting = styleBusy.Render("not accepting")
	}

	fmt.Fprintf(os.Stdout, "%s  %s (%s)\n", styleKey.Render("Control:"), st.Server.Addr, accepting)
	fmt.Fprintf(os.Stdout, "%s %d\n", styleKey.Render("Sessions:"), st.Server.Connections)
	fmt.Fprintf(os.Stdout, "%s   %s\n", styleKey.Render("Uptime:"), formatDuration(time.Duration(st.UptimeSeconds*float64(time.Second))))
	fmt.Println()

	fmt.Fprintf(os.Stdout, "%s\n", styleHeader.Render("Bot pool"))
	fmt.Fprintf(os.Stdout, "  %s %d\n", styleKey.Render("Size:"), st.Pool.Size)
	fmt.Fprintf(os.Stdout, "  %s %s\n", styleKey.Render("Ready:"), styleOK.Render(fmt.Sprintf("%d", st.Pool.Ready)))
	busy := fmt.Sprintf("%d", st.Pool.Active)
	if st.Pool.Active > 0 {
		busy = styleBusy.Render(busy)
	}
	fmt.Fprintf(os.Stdout, "  %s %s\n", styleKey.Render("Busy:"), busy)

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
