package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/slipgate/internal/control"
	"github.com/kuuji/slipgate/pkg/protocol"
)

var (
	queueAddr      string
	queueCode      string
	queueTimeout   time.Duration
	queueDiscordID uint64
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Authenticate one connect code",
	Long: `Submit a single authentication job to a running slipgate daemon and
wait for the result. Exits zero when the code is verified, non-zero
when the attempt fails or no bot account is free.`,
	RunE: runQueue,
}

func init() {
	queueCmd.Flags().StringVar(&queueAddr, "addr", "ws://127.0.0.1:9002", "control plane address")
	queueCmd.Flags().StringVar(&queueCode, "code", "", "connect code to authenticate, e.g. ABC#123")
	queueCmd.Flags().DurationVar(&queueTimeout, "timeout", 30*time.Second, "how long the bot searches before giving up")
	queueCmd.Flags().Uint64Var(&queueDiscordID, "discord-id", 0, "id echoed back in every event for this job")
}

func runQueue(cmd *cobra.Command, args []string) error {
	if queueCode == "" {
		return fmt.Errorf("--code is required")
	}

	client := control.NewClient(control.ClientConfig{
		ServerURL: queueAddr,
		Logger:    globalLogger,
	})

	// The job itself is bounded by --timeout; pad the overall deadline so
	// a slow opponent handshake after a match is found still completes.
	ctx, cancel := context.WithTimeout(context.Background(), queueTimeout+30*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("is slipgate running? %w", err)
	}
	defer client.Close()

	queue := protocol.NewQueueCommand(queueCode, queueTimeout.Milliseconds(), queueDiscordID)
	if err := client.Send(ctx, queue); err != nil {
		return fmt.Errorf("sending queue command: %w", err)
	}

	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return fmt.Errorf("connection closed before a result arrived")
			}
			done, err := handleQueueEvent(msg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for a result after %s", queueTimeout+30*time.Second)
		}
	}
}

// handleQueueEvent prints the event if it belongs to this job and reports
// whether it was terminal. Events for other discord ids are skipped; the
// daemon broadcasts every job to every session.
func handleQueueEvent(msg protocol.Message) (bool, error) {
	switch ev := msg.(type) {
	case *protocol.SearchingEvent:
		if ev.DiscordID != queueDiscordID {
			return false, nil
		}
		fmt.Fprintf(os.Stderr, "Searching for %s as %s...\n", ev.UserCode, ev.BotCode)
	case *protocol.AuthenticatedEvent:
		if ev.DiscordID != queueDiscordID {
			return false, nil
		}
		fmt.Fprintf(os.Stdout, "Authenticated: %s is %s (%s)\n", ev.UserCode, ev.UserName, ev.UserIP)
		return true, nil
	case *protocol.SlippiErrorEvent:
		if ev.DiscordID != queueDiscordID {
			return false, nil
		}
		return false, fmt.Errorf("authentication failed for %s", ev.UserCode)
	case *protocol.TimeoutEvent:
		if ev.DiscordID != queueDiscordID {
			return false, nil
		}
		return false, fmt.Errorf("no match found for %s before the timeout", ev.UserCode)
	case *protocol.NoReadyClientEvent:
		if ev.DiscordID != queueDiscordID {
			return false, nil
		}
		return false, fmt.Errorf("all bot accounts are busy, try again later")
	}
	return false, nil
}
