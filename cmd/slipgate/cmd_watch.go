package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/slipgate/internal/control"
	"github.com/kuuji/slipgate/pkg/protocol"
)

var watchAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events",
	Long: `Connect to a running slipgate daemon and print every lifecycle event it
broadcasts, one line per event, until interrupted.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "ws://127.0.0.1:9002", "control plane address")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := control.NewClient(control.ClientConfig{
		ServerURL: watchAddr,
		Logger:    globalLogger,
	})
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("is slipgate running? %w", err)
	}
	defer client.Close()

	fmt.Fprintf(os.Stderr, "Watching %s (ctrl-c to stop)\n", watchAddr)

	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return fmt.Errorf("connection closed")
			}
			printEvent(msg)
		case <-ctx.Done():
			return nil
		}
	}
}

// printEvent renders one broadcast event as a single log-style line.
func printEvent(msg protocol.Message) {
	stamp := time.Now().Format("15:04:05")
	switch ev := msg.(type) {
	case *protocol.SearchingEvent:
		fmt.Printf("%s  searching      discord=%d code=%s bot=%s\n", stamp, ev.DiscordID, ev.UserCode, ev.BotCode)
	case *protocol.AuthenticatedEvent:
		fmt.Printf("%s  authenticated  discord=%d code=%s name=%s ip=%s\n", stamp, ev.DiscordID, ev.UserCode, ev.UserName, ev.UserIP)
	case *protocol.SlippiErrorEvent:
		fmt.Printf("%s  slippiErr      discord=%d code=%s\n", stamp, ev.DiscordID, ev.UserCode)
	case *protocol.TimeoutEvent:
		fmt.Printf("%s  timeout        discord=%d code=%s\n", stamp, ev.DiscordID, ev.UserCode)
	case *protocol.NoReadyClientEvent:
		fmt.Printf("%s  noReadyClient  discord=%d code=%s\n", stamp, ev.DiscordID, ev.UserCode)
	default:
		fmt.Printf("%s  %s\n", stamp, msg.MessageType())
	}
}
