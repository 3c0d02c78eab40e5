package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kuuji/slipgate/internal/config"
	"github.com/kuuji/slipgate/internal/control"
	"github.com/kuuji/slipgate/internal/enet"
	"github.com/kuuji/slipgate/internal/slippi"
	"github.com/kuuji/slipgate/pkg/protocol"
)

const (
	testMMPort   uint16 = 43113
	testBasePort uint16 = 41000
)

// testTiming shrinks the worker deadlines so jobs resolve in tens of
// milliseconds.
var testTiming = slippi.Timing{
	HostCreateAttempts:      2,
	ConnectPollInterval:     10 * time.Millisecond,
	ServerConnectAttempts:   5,
	OpponentConnectAttempts: 5,
	CreateTicketWait:        200 * time.Millisecond,
	MatchmakingWait:         100 * time.Millisecond,
	ReceiveSlice:            10 * time.Millisecond,
	DisconnectDrain:         100 * time.Millisecond,
}

type staticVersions struct{}

func (staticVersions) LatestVersion(context.Context, string) (string, error) {
	return "3.4.0", nil
}

type upstreamMode int

const (
	// upstreamMatch acknowledges every ticket and immediately reports the
	// requested code as found.
	upstreamMatch upstreamMode = iota
	// upstreamAck acknowledges tickets but never reports a match, leaving
	// jobs to run into their own deadline.
	upstreamAck
	// upstreamReject refuses every ticket.
	upstreamReject
)

// fakeUpstream is a scripted matchmaking server on the loopback network.
type fakeUpstream struct {
	host enet.Host
	done chan struct{}
	mode upstreamMode
}

func newFakeUpstream(t *testing.T, network *enet.Network, mode upstreamMode) *fakeUpstream {
	t.Helper()

	host, err := network.NewHost(testMMPort, 8, 3)
	if err != nil {
		t.Fatalf("binding fake upstream: %v", err)
	}
	f := &fakeUpstream{host: host, done: make(chan struct{}), mode: mode}

	go f.loop()
	t.Cleanup(func() {
		close(f.done)
		host.Destroy()
	})
	return f
}

func (f *fakeUpstream) loop() {
	for {
		select {
		case <-f.done:
			return
		default:
		}
		ev, ok := f.host.Service(20 * time.Millisecond)
		if !ok || ev.Type != enet.EventReceive {
			continue
		}

		if f.mode == upstreamReject {
			_ = ev.Peer.Send([]byte(`{"type":"create-ticket-resp","error":"banned"}`), 0)
			continue
		}
		_ = ev.Peer.Send([]byte(`{"type":"create-ticket-resp"}`), 0)
		if f.mode != upstreamMatch {
			continue
		}

		var req struct {
			Search struct {
				ConnectCode []int `json:"connectCode"`
			} `json:"search"`
		}
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			continue
		}
		code := make([]byte, len(req.Search.ConnectCode))
		for i, b := range req.Search.ConnectCode {
			code[i] = byte(b)
		}
		match := fmt.Sprintf(
			`{"type":"get-ticket-resp","players":[{"connectCode":%q,"ipAddress":"203.0.113.5:54321","displayName":"Alice"}]}`,
			code)
		_ = ev.Peer.Send([]byte(match), 0)
	}
}

// startTestApp runs a daemon with the given roster size on the loopback
// network and waits for the control server to come up.
func startTestApp(t *testing.T, network *enet.Network, bots int) (*App, string) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.StatusSocket = filepath.Join(t.TempDir(), "status.sock")
	cfg.Slippi.MatchmakingHost = "mm.example.net"
	cfg.Slippi.MatchmakingPort = testMMPort
	cfg.Slippi.BasePort = testBasePort
	for i := 0; i < bots; i++ {
		cfg.Roster.Bots = append(cfg.Roster.Bots, config.BotIdentity{
			UID:         fmt.Sprintf("u%d", i+1),
			PlayKey:     fmt.Sprintf("k%d", i+1),
			ConnectCode: fmt.Sprintf("BOT#%03d", i+1),
		})
	}

	a := New(cfg, t.TempDir(), Deps{
		NewHost:  network.NewHost,
		Versions: staticVersions{},
		Timing:   testTiming,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, 2*time.Second, "daemon listening", func() bool { return a.Addr() != "" })

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})
	return a, cfg.Server.StatusSocket
}

// connectTestClient opens a control-plane session to the running daemon.
func connectTestClient(t *testing.T, a *App) *control.Client {
	t.Helper()

	client := control.NewClient(control.ClientConfig{ServerURL: "ws://" + a.Addr()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// receiveTimeout reads a message from the channel with a timeout.
func receiveTimeout(t *testing.T, ch <-chan protocol.Message, timeout time.Duration) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("message channel closed unexpectedly")
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// waitFor polls fn until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, desc string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", desc)
}
