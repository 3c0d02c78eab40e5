// Package pool dispatches authentication jobs over a fixed roster of
// matchmaking workers. Each worker is a scarce, serially-reusable resource;
// the pool finds a ready one per queue command, spawns the job, and reports
// saturation when there is none.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuuji/slipgate/internal/slippi"
	"github.com/kuuji/slipgate/pkg/protocol"
)

// Pool owns the worker roster and turns queue commands into jobs.
type Pool struct {
	log     *slog.Logger
	clients []*slippi.Client
	emit    func(protocol.Message)

	mu     sync.Mutex
	jobs   map[uuid.UUID]jobInfo
	closed bool
	wg     sync.WaitGroup
}

type jobInfo struct {
	worker    int
	userCode  string
	discordID uint64
	started   time.Time
}

// New builds a pool over the given workers. emit publishes lifecycle events
// the pool itself produces (saturation); workers carry their own emitter.
func New(clients []*slippi.Client, emit func(protocol.Message), logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		log:     logger.With("component", "pool"),
		clients: clients,
		emit:    emit,
		jobs:    make(map[uuid.UUID]jobInfo),
	}
}

// Size returns the roster size.
func (p *Pool) Size() int { return len(p.clients) }

// HandleQueue dispatches one queue command from the bus. Commands with
// missing fields are dropped; the control-plane server validates before
// publishing.
func (p *Pool) HandleQueue(ctx context.Context, msg protocol.Message) {
	cmd, ok := msg.(*protocol.QueueCommand)
	if !ok || cmd.Timeout == nil || cmd.DiscordID == nil {
		return
	}
	p.Dispatch(ctx, cmd.UserCode, time.Duration(*cmd.Timeout)*time.Millisecond, *cmd.DiscordID)
}

// Dispatch assigns the job to the first ready worker in roster order. The
// scan is deterministic, biasing early workers. When every worker is busy
// it emits noReadyClient and mutates nothing.
func (p *Pool) Dispatch(ctx context.Context, userCode string, timeout time.Duration, discordID uint64) {
	for i, c := range p.clients {
		if !c.Claim() {
			continue
		}
		p.spawn(ctx, i, c, userCode, timeout, discordID)
		return
	}

	p.log.Info("pool saturated", "userCode", userCode, "discordId", discordID)
	p.emit(&protocol.NoReadyClientEvent{DiscordID: discordID, UserCode: userCode})
}

func (p *Pool) spawn(ctx context.Context, index int, c *slippi.Client, userCode string, timeout time.Duration, discordID uint64) {
	id := uuid.New()

	p.mu.Lock()
	if p.closed {
		// Shutting down; the claim is moot, the worker is never used again.
		p.mu.Unlock()
		return
	}
	p.jobs[id] = jobInfo{
		worker:    index,
		userCode:  userCode,
		discordID: discordID,
		started:   time.Now(),
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.Debug("job dispatched",
		"job", id,
		"worker", index,
		"userCode", userCode,
		"discordId", discordID)

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.jobs, id)
			p.mu.Unlock()
		}()

		c.Start(ctx, userCode, timeout, discordID)
		p.log.Debug("job finished", "job", id, "worker", index)
	}()
}

// Snapshot reports pool occupancy.
type Snapshot struct {
	Size   int `json:"size"`
	Ready  int `json:"ready"`
	Active int `json:"active"`
}

// Snapshot returns the current roster occupancy, for the status endpoint.
func (p *Pool) Snapshot() Snapshot {
	snap := Snapshot{Size: len(p.clients)}
	for _, c := range p.clients {
		if c.Ready() {
			snap.Ready++
		}
	}
	p.mu.Lock()
	snap.Active = len(p.jobs)
	p.mu.Unlock()
	return snap
}

// Close stops accepting jobs and waits for the in-flight ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
