// Package slippi implements the matchmaking worker: a state machine that
// drives one authentication job end-to-end against the upstream matchmaking
// service over reliable UDP, confirming that a target connect code is online
// and reachable.
package slippi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kuuji/slipgate/internal/config"
	"github.com/kuuji/slipgate/internal/enet"
	"github.com/kuuji/slipgate/pkg/protocol"
)

// State is the worker's position in its job lifecycle.
type State int

const (
	// StateIdle means no job is running. Initial and terminal.
	StateIdle State = iota
	// StateInitializing covers local host setup, the server handshake and
	// ticket creation.
	StateInitializing
	// StateMatchmaking polls the server for ticket progress.
	StateMatchmaking
	// StateConnectionSuccess dials the discovered opponent directly.
	StateConnectionSuccess
	// StateTimeout means the job's wall-clock budget expired.
	StateTimeout
	// StateError means an unrecoverable transport or protocol failure.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateMatchmaking:
		return "matchmaking"
	case StateConnectionSuccess:
		return "connectionSuccess"
	case StateTimeout:
		return "timeout"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// channelCount is the number of reliable-UDP channels opened per
// association; the server protocol assumes three.
const channelCount = 3

// opponentPeerCapacity sizes the host used for the direct opponent
// handshake, which may see connection attempts from other players in the
// same ticket.
const opponentPeerCapacity = 10

// Production timing and retry budgets. Tests shrink these through
// ClientConfig.Timing.
const (
	defaultHostCreateAttempts      = 15
	defaultConnectPollInterval     = 500 * time.Millisecond
	defaultServerConnectAttempts   = 20
	defaultOpponentConnectAttempts = 15
	defaultCreateTicketWait        = 5 * time.Second
	defaultMatchmakingWait         = 2 * time.Second
	defaultReceiveSlice            = 250 * time.Millisecond
	defaultDisconnectDrain         = 3 * time.Second
)

// Timing bundles the per-call deadlines and retry budgets of one worker.
// Zero values select the production defaults.
type Timing struct {
	// HostCreateAttempts is the bind retry budget for the local UDP host.
	HostCreateAttempts int
	// ConnectPollInterval is the service window per handshake poll.
	ConnectPollInterval time.Duration
	// ServerConnectAttempts and OpponentConnectAttempts are the handshake
	// poll budgets for the matchmaking server and the opponent.
	ServerConnectAttempts   int
	OpponentConnectAttempts int
	// CreateTicketWait is the receive deadline for the create-ticket
	// acknowledgement.
	CreateTicketWait time.Duration
	// MatchmakingWait is the receive deadline per ticket poll.
	MatchmakingWait time.Duration
	// ReceiveSlice chops receive deadlines into short service calls so
	// disconnects surface promptly.
	ReceiveSlice time.Duration
	// DisconnectDrain is the grace budget for a disconnect handshake before
	// the peer is force-reset.
	DisconnectDrain time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.HostCreateAttempts == 0 {
		t.HostCreateAttempts = defaultHostCreateAttempts
	}
	if t.ConnectPollInterval == 0 {
		t.ConnectPollInterval = defaultConnectPollInterval
	}
	if t.ServerConnectAttempts == 0 {
		t.ServerConnectAttempts = defaultServerConnectAttempts
	}
	if t.OpponentConnectAttempts == 0 {
		t.OpponentConnectAttempts = defaultOpponentConnectAttempts
	}
	if t.CreateTicketWait == 0 {
		t.CreateTicketWait = defaultCreateTicketWait
	}
	if t.MatchmakingWait == 0 {
		t.MatchmakingWait = defaultMatchmakingWait
	}
	if t.ReceiveSlice == 0 {
		t.ReceiveSlice = defaultReceiveSlice
	}
	if t.DisconnectDrain == 0 {
		t.DisconnectDrain = defaultDisconnectDrain
	}
	return t
}

// ClientConfig carries everything one worker needs.
type ClientConfig struct {
	// Index is the worker's position in the roster. It fixes the local UDP
	// port (BasePort+Index) and the log label (client-<Index>).
	Index int

	// Identity is the bot account this worker drives.
	Identity config.BotIdentity

	// MatchmakingHost and MatchmakingPort locate the upstream server.
	MatchmakingHost string
	MatchmakingPort uint16

	// BasePort is the first local UDP port of the pool.
	BasePort uint16

	// NewHost creates reliable-UDP hosts. Must be non-nil.
	NewHost enet.NewHostFunc

	// Versions resolves the appVersion embedded in ticket requests.
	// Must be non-nil.
	Versions VersionFetcher

	// Emit publishes lifecycle events. Must be non-nil.
	Emit func(protocol.Message)

	// Timing overrides the production deadlines and retry budgets.
	Timing Timing

	// Logger receives worker logs. Nil falls back to slog.Default().
	// The worker labels itself with component "client-<Index>".
	Logger *slog.Logger
}

// Client is one matchmaking worker. It is bound to a single bot identity
// and a single local UDP port, and runs at most one job at a time.
type Client struct {
	cfg  ClientConfig
	log  *slog.Logger
	port uint16

	ready atomic.Bool
	state State // touched only by the goroutine running Start
}

// NewClient builds an idle, ready worker.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Timing = cfg.Timing.withDefaults()

	c := &Client{
		cfg:  cfg,
		log:  logger.With("component", fmt.Sprintf("client-%d", cfg.Index)),
		port: cfg.BasePort + uint16(cfg.Index),
	}
	c.ready.Store(true)
	return c
}

// Ready reports whether the worker can take a job.
func (c *Client) Ready() bool { return c.ready.Load() }

// Claim atomically marks a ready worker busy. It returns false when the
// worker is already running a job. The flag is restored by Start.
func (c *Client) Claim() bool { return c.ready.CompareAndSwap(true, false) }

// State returns the worker's current state. Only stable between jobs.
func (c *Client) State() State { return c.state }

// Identity returns the bot identity this worker drives.
func (c *Client) Identity() config.BotIdentity { return c.cfg.Identity }

// versionResult carries the overlapped version lookup back to the state
// machine.
type versionResult struct {
	version string
	err     error
}

// job is the transient state of one authentication attempt.
type job struct {
	target    string
	discordID uint64
	deadline  time.Time

	host enet.Host // local UDP host, rebuilt for the opponent phase
	peer enet.Peer // matchmaking server peer, then opponent peer

	oppHost string
	oppPort uint16
	oppName string

	versionCh chan versionResult
}

// Start runs one authentication job to completion: it emits a searching
// event, advances the state machine until a terminal state, tears down all
// transport resources, and returns the worker to idle and ready. It runs
// synchronously on the calling goroutine.
func (c *Client) Start(ctx context.Context, targetCode string, timeout time.Duration, discordID uint64) {
	j := &job{
		target:    targetCode,
		discordID: discordID,
		deadline:  time.Now().Add(timeout),
	}

	c.log.Info("starting search",
		"userCode", targetCode,
		"discordId", discordID,
		"timeout", timeout)
	c.emit(&protocol.SearchingEvent{
		DiscordID: discordID,
		BotCode:   c.cfg.Identity.ConnectCode,
		UserCode:  targetCode,
	})

	c.state = StateInitializing
	for c.state != StateIdle {
		// The wall-clock budget preempts any non-terminal state.
		if c.state == StateInitializing || c.state == StateMatchmaking {
			if ctx.Err() != nil {
				c.log.Warn("job canceled", "error", ctx.Err())
				c.state = StateError
			} else if !time.Now().Before(j.deadline) {
				c.state = StateTimeout
			}
		}

		switch c.state {
		case StateInitializing:
			c.startSearching(ctx, j)
		case StateMatchmaking:
			c.handleSearching(j)
		case StateConnectionSuccess:
			c.handleConnection(j)
		case StateTimeout:
			c.handleTimeout(j)
		case StateError:
			c.handleError(j)
		}
	}

	c.ready.Store(true)
}

// startSearching covers StateInitializing: bind the local host, shake hands
// with the matchmaking server, and open a ticket.
func (c *Client) startSearching(ctx context.Context, j *job) {
	// The version lookup overlaps the UDP handshake; the result is only
	// needed once the ticket request is built.
	j.versionCh = make(chan versionResult, 1)
	go func(uid string) {
		v, err := c.cfg.Versions.LatestVersion(ctx, uid)
		j.versionCh <- versionResult{version: v, err: err}
	}(c.cfg.Identity.UID)

	host, err := c.createHost(1)
	if err != nil {
		c.log.Error("creating local host failed", "error", err)
		c.state = StateError
		return
	}
	j.host = host

	peer, err := host.Connect(c.cfg.MatchmakingHost, c.cfg.MatchmakingPort, channelCount)
	if err != nil {
		c.log.Error("dialing matchmaking server failed",
			"host", c.cfg.MatchmakingHost,
			"port", c.cfg.MatchmakingPort,
			"error", err)
		c.state = StateError
		return
	}
	j.peer = peer

	if !c.awaitConnect(j, c.cfg.Timing.ServerConnectAttempts) {
		c.log.Error("matchmaking server did not answer the handshake",
			"host", c.cfg.MatchmakingHost,
			"port", c.cfg.MatchmakingPort)
		c.state = StateError
		return
	}
	c.log.Debug("connected to matchmaking server", "addr", peer.Addr())

	var version string
	select {
	case res := <-j.versionCh:
		if res.err != nil {
			c.log.Error("version lookup failed", "error", res.err)
			c.state = StateError
			return
		}
		version = res.version
	case <-time.After(time.Until(j.deadline)):
		// Out of budget; the deadline check at the top of the loop turns
		// this into a timeout.
		return
	case <-ctx.Done():
		// The top of the loop turns the cancellation into an error exit.
		return
	}

	req := newTicketRequest(c.cfg.Identity, j.target, version, c.port)
	data, err := json.Marshal(req)
	if err != nil {
		c.log.Error("encoding ticket request failed", "error", err)
		c.state = StateError
		return
	}
	if err := j.peer.Send(data, 0); err != nil {
		c.log.Error("sending ticket request failed", "error", err)
		c.state = StateError
		return
	}

	msg, rc := c.receive(j, c.cfg.Timing.CreateTicketWait)
	switch {
	case rc == recvDisconnected:
		c.log.Error("matchmaking server closed the connection")
		c.state = StateError
	case rc != recvOK:
		c.log.Error("no usable reply to the ticket request")
		c.state = StateError
	case msg.Type != msgCreateTicketResp || msg.Error != "":
		c.log.Error("ticket request rejected", "type", msg.Type, "error", msg.Error)
		c.state = StateError
	default:
		c.log.Debug("ticket opened", "userCode", j.target)
		c.state = StateMatchmaking
	}
}

// handleSearching covers StateMatchmaking: wait for one ticket update and
// scan it for the target.
func (c *Client) handleSearching(j *job) {
	msg, rc := c.receive(j, c.cfg.Timing.MatchmakingWait)
	switch rc {
	case recvIdle:
		// Nothing yet; keep searching. The outer loop enforces the
		// deadline.
		return
	case recvDisconnected:
		c.log.Error("matchmaking server closed the connection")
		c.state = StateError
		return
	case recvBadPayload:
		c.state = StateError
		return
	}

	if msg.Type != msgGetTicketResp || msg.Error != "" {
		if msg.LatestVersion != "" {
			// The server hints at the version it wanted.
			c.log.Error("ticket poll rejected",
				"error", msg.Error,
				"latestVersion", msg.LatestVersion)
		} else {
			c.log.Error("ticket poll rejected", "type", msg.Type, "error", msg.Error)
		}
		c.state = StateError
		return
	}

	for _, p := range msg.Players {
		if p.ConnectCode != j.target {
			continue
		}
		host, port, err := splitAddress(p.IPAddress)
		if err != nil {
			c.log.Error("unparsable opponent address",
				"ipAddress", p.IPAddress,
				"error", err)
			c.state = StateError
			return
		}
		j.oppHost, j.oppPort, j.oppName = host, port, p.DisplayName
		c.log.Info("opponent found",
			"userCode", j.target,
			"userName", j.oppName,
			"addr", p.IPAddress)
		c.state = StateConnectionSuccess
		return
	}
	// A ticket update without the target: stay in matchmaking.
}

// handleConnection covers StateConnectionSuccess: report the authentication
// and confirm reachability with a direct handshake. The match itself is
// never played; failures past this point are logged but not reported, since
// the authentication already succeeded.
func (c *Client) handleConnection(j *job) {
	// Release the matchmaking association first; the opponent phase reuses
	// the same local port.
	c.teardown(j)

	c.emit(&protocol.AuthenticatedEvent{
		DiscordID: j.discordID,
		UserCode:  j.target,
		UserName:  j.oppName,
		UserIP:    j.oppHost,
	})
	c.log.Info("authenticated",
		"userCode", j.target,
		"userName", j.oppName,
		"userIp", j.oppHost)

	host, err := c.createHost(opponentPeerCapacity)
	if err != nil {
		c.log.Error("creating opponent host failed", "error", err)
		c.state = StateIdle
		return
	}
	j.host = host

	peer, err := host.Connect(j.oppHost, j.oppPort, channelCount)
	if err != nil {
		c.log.Error("dialing opponent failed", "addr", j.oppHost, "error", err)
		c.teardown(j)
		c.state = StateIdle
		return
	}
	j.peer = peer

	if c.awaitConnect(j, c.cfg.Timing.OpponentConnectAttempts) {
		c.log.Info("opponent handshake confirmed", "addr", peer.Addr())
	} else {
		c.log.Warn("opponent did not answer the handshake", "addr", j.oppHost)
	}

	c.teardown(j)
	c.state = StateIdle
}

func (c *Client) handleTimeout(j *job) {
	c.teardown(j)
	c.log.Info("search timed out", "userCode", j.target, "discordId", j.discordID)
	c.emit(&protocol.TimeoutEvent{DiscordID: j.discordID, UserCode: j.target})
	c.state = StateIdle
}

func (c *Client) handleError(j *job) {
	c.teardown(j)
	c.emit(&protocol.SlippiErrorEvent{DiscordID: j.discordID, UserCode: j.target})
	c.state = StateIdle
}

// createHost binds the worker's local port, retrying failed binds within
// the configured budget.
func (c *Client) createHost(maxPeers int) (enet.Host, error) {
	var lastErr error
	for i := 0; i < c.cfg.Timing.HostCreateAttempts; i++ {
		host, err := c.cfg.NewHost(c.port, maxPeers, channelCount)
		if err == nil {
			return host, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("binding local port %d: %w", c.port, lastErr)
}

// awaitConnect polls the transport until the CONNECT for the job's peer
// arrives, servicing up to attempts windows. A disconnect for the same peer
// ends the wait early.
func (c *Client) awaitConnect(j *job, attempts int) bool {
	for i := 0; i < attempts; i++ {
		ev, ok := j.host.Service(c.cfg.Timing.ConnectPollInterval)
		if !ok {
			continue
		}
		switch {
		case ev.Type == enet.EventConnect && ev.Peer == j.peer:
			return true
		case ev.Type == enet.EventDisconnect && ev.Peer == j.peer:
			return false
		}
	}
	return false
}

type recvResult int

const (
	recvOK recvResult = iota
	// recvIdle means nothing arrived within the window.
	recvIdle
	// recvDisconnected means the server dropped the association.
	recvDisconnected
	// recvBadPayload means a packet arrived but was not decodable JSON.
	recvBadPayload
)

// receive waits up to window for one message from the matchmaking server.
// The window is sliced into short service calls so disconnects and stray
// events surface promptly.
func (c *Client) receive(j *job, window time.Duration) (serverMessage, recvResult) {
	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return serverMessage{}, recvIdle
		}
		slice := c.cfg.Timing.ReceiveSlice
		if remaining < slice {
			slice = remaining
		}

		ev, ok := j.host.Service(slice)
		if !ok {
			continue
		}
		switch ev.Type {
		case enet.EventReceive:
			var msg serverMessage
			if err := json.Unmarshal(ev.Data, &msg); err != nil {
				c.log.Error("undecodable message from matchmaking server", "error", err)
				return serverMessage{}, recvBadPayload
			}
			return msg, recvOK
		case enet.EventDisconnect:
			if ev.Peer == j.peer {
				// The association is already gone; teardown must not try a
				// second disconnect handshake against it.
				j.peer = nil
			}
			return serverMessage{}, recvDisconnected
		}
		// Stray connects are ignored.
	}
}

// teardown gracefully releases the current association and destroys the
// local host, in that order. Safe to call with nothing open; runs on every
// exit path.
func (c *Client) teardown(j *job) {
	if j.peer != nil {
		c.disconnectPeer(j.host, j.peer)
		j.peer = nil
	}
	if j.host != nil {
		j.host.Destroy()
		j.host = nil
	}
}

// disconnectPeer requests a graceful disconnect and drains events until the
// acknowledgement arrives or the drain budget expires, then force-resets
// the peer. Packets still in flight are dropped.
func (c *Client) disconnectPeer(host enet.Host, peer enet.Peer) {
	peer.Disconnect()

	deadline := time.Now().Add(c.cfg.Timing.DisconnectDrain)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.log.Warn("disconnect not acknowledged, resetting peer")
			peer.Reset()
			return
		}
		ev, ok := host.Service(remaining)
		if !ok {
			continue
		}
		if ev.Type == enet.EventDisconnect && ev.Peer == peer {
			return
		}
	}
}

func (c *Client) emit(msg protocol.Message) {
	if c.cfg.Emit != nil {
		c.cfg.Emit(msg)
	}
}
