package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/slipgate/internal/config"
	"github.com/kuuji/slipgate/internal/enet"
	"github.com/kuuji/slipgate/internal/slippi"
	"github.com/kuuji/slipgate/pkg/protocol"
)

const (
	testMMPort   uint16 = 43113
	testBasePort uint16 = 41000
)

// testTiming shrinks the worker deadlines so busy and failing workers
// resolve in tens of milliseconds.
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
	// upstreamSilent accepts connections but never replies; workers stay
	// busy until their ticket wait expires and then fail.
	upstreamSilent upstreamMode = iota
	// upstreamMatch acknowledges every ticket and immediately reports the
	// requested code as found.
	upstreamMatch
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
		if !ok || ev.Type != enet.EventReceive || f.mode == upstreamSilent {
			continue
		}

		// Echo the requested code back as a found opponent.
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

		_ = ev.Peer.Send([]byte(`{"type":"create-ticket-resp"}`), 0)
		match := fmt.Sprintf(
			`{"type":"get-ticket-resp","players":[{"connectCode":%q,"ipAddress":"203.0.113.5:54321","displayName":"Opponent"}]}`,
			code)
		_ = ev.Peer.Send([]byte(match), 0)
	}
}

// newTestPool builds a pool of size workers on the loopback network, all
// events flowing into the returned channel.
func newTestPool(t *testing.T, network *enet.Network, size int) (*Pool, []*slippi.Client, chan protocol.Message) {
	t.Helper()

	events := make(chan protocol.Message, 64)
	emit := func(msg protocol.Message) { events <- msg }

	clients := make([]*slippi.Client, size)
	for i := range clients {
		clients[i] = slippi.NewClient(slippi.ClientConfig{
			Index: i,
			Identity: config.BotIdentity{
				UID:         fmt.Sprintf("u%d", i+1),
				PlayKey:     fmt.Sprintf("k%d", i+1),
				ConnectCode: fmt.Sprintf("BOT#%03d", i+1),
			},
			MatchmakingHost: "mm.example.net",
			MatchmakingPort: testMMPort,
			BasePort:        testBasePort,
			NewHost:         network.NewHost,
			Versions:        staticVersions{},
			Emit:            emit,
			Timing:          testTiming,
		})
	}

	p := New(clients, emit, nil)
	t.Cleanup(p.Close)
	return p, clients, events
}

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

func expectNoEvent(t *testing.T, ch <-chan protocol.Message, duration time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected event: %T %+v", msg, msg)
	case <-time.After(duration):
		// Nothing emitted, as expected.
	}
}

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

func TestPool_DispatchRosterOrder(t *testing.T) {
	t.Parallel()

	network := enet.NewNetwork()
	newFakeUpstream(t, network, upstreamSilent)
	p, clients, _ := newTestPool(t, network, 2)

	// The claim happens on the dispatching goroutine, so the ready flags
	// are settled once Dispatch returns.
	p.Dispatch(context.Background(), "AAA#001", 5*time.Second, 1)
	if clients[0].Ready() {
		t.Error("first job should claim worker 0")
	}
	if !clients[1].Ready() {
		t.Error("worker 1 should still be ready")
	}

	p.Dispatch(context.Background(), "BBB#002", 5*time.Second, 2)
	if clients[1].Ready() {
		t.Error("second job should claim worker 1")
	}

	snap := p.Snapshot()
	if snap.Size != 2 || snap.Ready != 0 || snap.Active != 2 {
		t.Errorf("snapshot = %+v, want size 2, ready 0, active 2", snap)
	}

	waitFor(t, 2*time.Second, "both workers back to ready", func() bool {
		s := p.Snapshot()
		return s.Ready == 2 && s.Active == 0
	})
}

func TestPool_SaturationEmitsNoReadyClient(t *testing.T) {
	t.Parallel()

	network := enet.NewNetwork()
	newFakeUpstream(t, network, upstreamSilent)
	p, _, events := newTestPool(t, network, 1)

	p.Dispatch(context.Background(), "AAA#001", 5*time.Second, 11)
	p.Dispatch(context.Background(), "BBB#002", 5*time.Second, 22)

	// The searching event is emitted from the job goroutine and may trail
	// the synchronous saturation report.
	var searching *protocol.SearchingEvent
	var noReady *protocol.NoReadyClientEvent
	for i := 0; i < 2; i++ {
		switch ev := receiveEvent(t, events, time.Second).(type) {
		case *protocol.SearchingEvent:
			searching = ev
		case *protocol.NoReadyClientEvent:
			noReady = ev
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	if searching == nil || searching.UserCode != "AAA#001" || searching.DiscordID != 11 {
		t.Errorf("searching = %+v, want AAA#001 for discord 11", searching)
	}
	if noReady == nil || noReady.UserCode != "BBB#002" || noReady.DiscordID != 22 {
		t.Errorf("noReadyClient = %+v, want BBB#002 for discord 22", noReady)
	}

	// The rejected command must not disturb the running job, which fails on
	// its own once the silent upstream lets its ticket wait expire.
	ev := receiveEvent(t, events, 2*time.Second)
	slippiErr, ok := ev.(*protocol.SlippiErrorEvent)
	if !ok {
		t.Fatalf("got %T, want *protocol.SlippiErrorEvent", ev)
	}
	if slippiErr.DiscordID != 11 || slippiErr.UserCode != "AAA#001" {
		t.Errorf("slippiErr = %+v, want AAA#001 for discord 11", slippiErr)
	}
}

func TestPool_HandleQueueValidation(t *testing.T) {
	t.Parallel()

	network := enet.NewNetwork()
	newFakeUpstream(t, network, upstreamMatch)
	p, clients, events := newTestPool(t, network, 1)

	timeout := int64(5000)
	discord := uint64(7)

	// Commands with missing fields or foreign message types are dropped
	// without touching the roster.
	p.HandleQueue(context.Background(), &protocol.QueueCommand{UserCode: "AAA#001", Timeout: &timeout})
	p.HandleQueue(context.Background(), &protocol.QueueCommand{UserCode: "AAA#001", DiscordID: &discord})
	p.HandleQueue(context.Background(), &protocol.SearchingEvent{})
	expectNoEvent(t, events, 50*time.Millisecond)
	if !clients[0].Ready() {
		t.Fatal("invalid commands must not claim a worker")
	}

	p.HandleQueue(context.Background(), protocol.NewQueueCommand("OPP#042", 5000, 7))

	ev := receiveEvent(t, events, time.Second)
	searching, ok := ev.(*protocol.SearchingEvent)
	if !ok {
		t.Fatalf("got %T, want *protocol.SearchingEvent", ev)
	}
	if searching.UserCode != "OPP#042" || searching.DiscordID != 7 {
		t.Errorf("searching = %+v, want OPP#042 for discord 7", searching)
	}

	ev = receiveEvent(t, events, 2*time.Second)
	auth, ok := ev.(*protocol.AuthenticatedEvent)
	if !ok {
		t.Fatalf("got %T, want *protocol.AuthenticatedEvent", ev)
	}
	if auth.DiscordID != 7 || auth.UserCode != "OPP#042" || auth.UserName != "Opponent" || auth.UserIP != "203.0.113.5" {
		t.Errorf("authenticated = %+v", auth)
	}
}

func TestPool_WorkerReusedAcrossJobs(t *testing.T) {
	t.Parallel()

	network := enet.NewNetwork()
	newFakeUpstream(t, network, upstreamMatch)
	p, _, events := newTestPool(t, network, 1)

	for i := 0; i < 2; i++ {
		code := fmt.Sprintf("OPP#%03d", i+1)
		waitFor(t, 2*time.Second, "worker ready", func() bool { return p.Snapshot().Ready == 1 })

		p.Dispatch(context.Background(), code, 5*time.Second, uint64(i+1))

		ev := receiveEvent(t, events, time.Second)
		if searching, ok := ev.(*protocol.SearchingEvent); !ok || searching.UserCode != code {
			t.Fatalf("run %d: got %T, want searching for %s", i, ev, code)
		}
		ev = receiveEvent(t, events, 2*time.Second)
		if auth, ok := ev.(*protocol.AuthenticatedEvent); !ok || auth.UserCode != code {
			t.Fatalf("run %d: got %T, want authenticated for %s", i, ev, code)
		}
	}
}

func TestPool_ConcurrentDispatchBounded(t *testing.T) {
	t.Parallel()

	network := enet.NewNetwork()
	newFakeUpstream(t, network, upstreamMatch)
	p, _, events := newTestPool(t, network, 2)

	stop := make(chan struct{})
	maxActive := 0
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if a := p.Snapshot().Active; a > maxActive {
				maxActive = a
			}
			time.Sleep(time.Millisecond)
		}
	}()

	const jobs = 6
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Dispatch(context.Background(), fmt.Sprintf("OPP#%03d", i), 5*time.Second, uint64(i))
		}(i)
	}
	wg.Wait()

	// Every submission resolves to exactly one of: a job (searching) or a
	// saturation report.
	started, rejected := 0, 0
	for started+rejected < jobs {
		switch receiveEvent(t, events, 2*time.Second).(type) {
		case *protocol.SearchingEvent:
			started++
		case *protocol.NoReadyClientEvent:
			rejected++
		case *protocol.AuthenticatedEvent:
			// Completions interleave with submissions.
		default:
			t.Fatal("unexpected event type")
		}
	}

	waitFor(t, 3*time.Second, "all jobs drained", func() bool {
		s := p.Snapshot()
		return s.Active == 0 && s.Ready == 2
	})
	close(stop)
	pollWG.Wait()

	if maxActive > 2 {
		t.Errorf("active peaked at %d, want at most the pool size 2", maxActive)
	}
	if started+rejected != jobs {
		t.Errorf("started %d + rejected %d, want %d total", started, rejected, jobs)
	}
	if started < 2 {
		t.Errorf("started %d jobs, want at least the pool size", started)
	}
}

func TestPool_CloseWaitsAndRejectsLateJobs(t *testing.T) {
	t.Parallel()

	network := enet.NewNetwork()
	newFakeUpstream(t, network, upstreamSilent)
	p, _, events := newTestPool(t, network, 1)

	p.Dispatch(context.Background(), "AAA#001", 5*time.Second, 1)
	if _, ok := receiveEvent(t, events, time.Second).(*protocol.SearchingEvent); !ok {
		t.Fatal("first event is not searching")
	}

	start := time.Now()
	p.Close()
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Close returned after %v, expected it to wait for the running job", elapsed)
	}
	if _, ok := receiveEvent(t, events, time.Second).(*protocol.SlippiErrorEvent); !ok {
		t.Fatal("drained job did not surface as slippiErr")
	}
	if snap := p.Snapshot(); snap.Active != 0 {
		t.Errorf("active = %d after Close, want 0", snap.Active)
	}

	// A dispatch that slips in during shutdown claims a worker but never
	// spawns a job.
	p.Dispatch(context.Background(), "BBB#002", 5*time.Second, 2)
	expectNoEvent(t, events, 50*time.Millisecond)
	if snap := p.Snapshot(); snap.Active != 0 {
		t.Errorf("active = %d after late dispatch, want 0", snap.Active)
	}
}
