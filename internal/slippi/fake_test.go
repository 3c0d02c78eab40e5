package slippi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/slipgate/internal/config"
	"github.com/kuuji/slipgate/internal/enet"
	"github.com/kuuji/slipgate/pkg/protocol"
)

// Test network layout: the fake matchmaking server listens on mmPort, the
// worker under test binds basePort+0, and scripted opponents bind whatever
// port their ticket update announces.
const (
	testMMPort   uint16 = 43113
	testBasePort uint16 = 41000
)

// testTiming shrinks every deadline so failure paths finish in tens of
// milliseconds.
var testTiming = Timing{
	HostCreateAttempts:      2,
	ConnectPollInterval:     10 * time.Millisecond,
	ServerConnectAttempts:   5,
	OpponentConnectAttempts: 5,
	CreateTicketWait:        200 * time.Millisecond,
	MatchmakingWait:         100 * time.Millisecond,
	ReceiveSlice:            10 * time.Millisecond,
	DisconnectDrain:         100 * time.Millisecond,
}

var testIdentity = config.BotIdentity{UID: "u1", PlayKey: "k1", ConnectCode: "BOT#001"}

// fakeVersions is a canned VersionFetcher.
type fakeVersions struct {
	version string
	err     error
}

func (f fakeVersions) LatestVersion(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.version, nil
}

var errVersionDown = errors.New("version endpoint down")

// fakeMatchmaker scripts the upstream matchmaking server on a loopback
// network. Each received frame is recorded; create-ticket frames trigger
// the onTicket script.
type fakeMatchmaker struct {
	t    *testing.T
	host enet.Host
	done chan struct{}

	// onTicket runs on the fake's goroutine for every received frame,
	// with the sending peer. Nil records the frame and stays silent.
	onTicket func(peer enet.Peer)

	mu       sync.Mutex
	requests [][]byte
}

func newFakeMatchmaker(t *testing.T, network *enet.Network, onTicket func(*fakeMatchmaker, enet.Peer)) *fakeMatchmaker {
	t.Helper()

	host, err := network.NewHost(testMMPort, 8, 3)
	if err != nil {
		t.Fatalf("binding fake matchmaker: %v", err)
	}
	f := &fakeMatchmaker{
		t:    t,
		host: host,
		done: make(chan struct{}),
	}
	if onTicket != nil {
		f.onTicket = func(peer enet.Peer) { onTicket(f, peer) }
	}

	go f.loop()
	t.Cleanup(func() {
		close(f.done)
		host.Destroy()
	})
	return f
}

func (f *fakeMatchmaker) loop() {
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
		f.mu.Lock()
		f.requests = append(f.requests, ev.Data)
		f.mu.Unlock()
		if f.onTicket != nil {
			f.onTicket(ev.Peer)
		}
	}
}

// send pushes one JSON frame to the peer, ignoring transport errors; a
// script racing a worker teardown is not a test failure.
func (f *fakeMatchmaker) send(peer enet.Peer, frame string) {
	_ = peer.Send([]byte(frame), 0)
}

func (f *fakeMatchmaker) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeMatchmaker) request(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.requests) {
		return nil
	}
	return f.requests[i]
}

// newTestClient builds a worker wired to the loopback network with shrunk
// timing, collecting emitted events on the returned channel.
func newTestClient(t *testing.T, network *enet.Network, versions VersionFetcher) (*Client, chan protocol.Message) {
	t.Helper()

	events := make(chan protocol.Message, 16)
	client := NewClient(ClientConfig{
		Index:           0,
		Identity:        testIdentity,
		MatchmakingHost: "mm.example.net",
		MatchmakingPort: testMMPort,
		BasePort:        testBasePort,
		NewHost:         network.NewHost,
		Versions:        versions,
		Emit:            func(msg protocol.Message) { events <- msg },
		Timing:          testTiming,
	})
	return client, events
}

// receiveEvent returns the next emitted event or fails the test.
func receiveEvent(t *testing.T, ch <-chan protocol.Message, timeout time.Duration) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// expectNoEvent asserts that nothing is emitted within the given duration.
func expectNoEvent(t *testing.T, ch <-chan protocol.Message, duration time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected event: %T %+v", msg, msg)
	case <-time.After(duration):
		// Nothing emitted, as expected.
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

// Canned upstream frames.
const (
	frameTicketAck    = `{"type":"create-ticket-resp"}`
	frameTicketErr    = `{"type":"create-ticket-resp","error":"banned"}`
	frameEmptyUpdate  = `{"type":"get-ticket-resp","players":[]}`
	frameOtherPlayers = `{"type":"get-ticket-resp","players":[{"connectCode":"XYZ#777","ipAddress":"198.51.100.9:50000","displayName":"Bystander"}]}`
	frameMatchUpdate  = `{"type":"get-ticket-resp","players":[{"connectCode":"OPP#042","ipAddress":"203.0.113.5:54321","displayName":"Alice"}]}`
)
