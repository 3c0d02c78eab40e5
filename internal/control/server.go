// Package control implements the WebSocket control plane of the daemon.
// Upstream services connect, submit queue commands, and receive the
// lifecycle events of every job, whoever submitted it.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/slipgate/internal/bus"
	"github.com/kuuji/slipgate/pkg/protocol"
)

// missingQueueArgs names the queue fields a client may have omitted. The
// wording is part of the wire contract.
const missingQueueArgs = "code, timeout or discordId"

// writeTimeout bounds a single reply or broadcast write. A session that
// cannot take a frame within it is culled.
const writeTimeout = 5 * time.Second

// lifecycleTags are the event types relayed to every connected session.
var lifecycleTags = []string{"searching", "authenticated", "slippiErr", "timeout", "noReadyClient"}

// Server accepts WebSocket sessions and bridges them onto the event bus:
// inbound commands are validated and published, job events are broadcast
// to every session.
//
// Server implements http.Handler and can be mounted on any HTTP server;
// Start runs one on a plain TCP listener.
type Server struct {
	log *slog.Logger
	bus *bus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
	listener  net.Listener
	accepting bool

	httpServer *http.Server
}

// NewServer creates a control server publishing to and broadcasting from b.
func NewServer(b *bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:    logger.With("component", "server"),
		bus:    b,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*websocket.Conn]struct{}),
	}
	for _, tag := range lifecycleTags {
		b.Subscribe(tag, s.broadcast)
	}
	return s
}

// Start binds addr and serves sessions in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.accepting = true
	s.mu.Unlock()

	s.httpServer = &http.Server{Handler: s}
	go func() {
		err := s.httpServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.log.Error("control server error", "error", err)
		}
	}()

	s.log.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// StopListening closes the TCP listener so new connections are refused.
// Established sessions keep running. Idempotent.
func (s *Server) StopListening() {
	s.mu.Lock()
	ln := s.listener
	wasAccepting := s.accepting
	s.accepting = false
	s.mu.Unlock()

	if ln == nil || !wasAccepting {
		return
	}
	s.log.Info("no longer accepting connections")
	if err := ln.Close(); err != nil {
		s.log.Warn("closing listener", "error", err)
	}
}

// Close stops accepting and tears down every session.
func (s *Server) Close() {
	s.StopListening()

	s.mu.Lock()
	for c := range s.conns {
		// Ignore close errors; sessions may already be gone.
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	s.cancel()
}

// Snapshot reports the control plane's session state.
type Snapshot struct {
	Addr        string `json:"addr"`
	Connections int    `json:"connections"`
	Accepting   bool   `json:"accepting"`
}

// Snapshot returns the current session state, for the status endpoint.
func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Connections: len(s.conns),
		Accepting:   s.accepting,
	}
	if s.listener != nil {
		snap.Addr = s.listener.Addr().String()
	}
	return snap
}

// ServeHTTP implements http.Handler. Each request is expected to be a
// WebSocket upgrade; the session then runs until the client leaves or the
// server closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	s.mu.Lock()
	s.conns[c] = struct{}{}
	total := len(s.conns)
	s.mu.Unlock()
	s.log.Info("client connected", "remote", r.RemoteAddr, "sessions", total)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		remaining := len(s.conns)
		s.mu.Unlock()
		s.log.Info("client disconnected", "remote", r.RemoteAddr, "sessions", remaining)
	}()

	for {
		_, data, err := c.Read(s.ctx)
		if err != nil {
			return
		}
		s.handleFrame(c, data)
	}
}

// handleFrame processes one inbound frame: first the bare-text liveness
// probe, then the JSON commands.
func (s *Server) handleFrame(c *websocket.Conn, data []byte) {
	if string(data) == protocol.Ping {
		s.writeRaw(c, []byte(protocol.Pong))
		return
	}

	msg, err := protocol.Unmarshal(data)
	if errors.Is(err, protocol.ErrUnknownType) {
		s.log.Warn("unknown command", "error", err)
		s.reply(c, &protocol.UnknownCommandReply{})
		return
	}
	if err != nil {
		s.log.Warn("undecodable frame", "error", err)
		s.reply(c, &protocol.JSONErrReply{})
		return
	}

	switch cmd := msg.(type) {
	case *protocol.QueueCommand:
		if cmd.UserCode == "" || cmd.Timeout == nil || cmd.DiscordID == nil {
			s.reply(c, &protocol.MissingArgReply{What: missingQueueArgs})
			return
		}
		s.log.Info("queue command",
			"userCode", cmd.UserCode,
			"discordId", *cmd.DiscordID,
			"timeout", *cmd.Timeout)
		s.bus.Publish(cmd)
	case *protocol.StopListeningCommand:
		s.StopListening()
	default:
		s.log.Warn("unexpected message", "type", msg.MessageType())
		s.reply(c, &protocol.UnknownCommandReply{})
	}
}

// reply sends one message to a single session.
func (s *Server) reply(c *websocket.Conn, msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		s.log.Error("encoding reply failed", "type", msg.MessageType(), "error", err)
		return
	}
	s.writeRaw(c, data)
}

func (s *Server) writeRaw(c *websocket.Conn, data []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Debug("write failed", "error", err)
	}
}

// broadcast relays one job event to every session. Sessions whose writes
// fail are culled.
func (s *Server) broadcast(msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		s.log.Error("encoding event failed", "type", msg.MessageType(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			s.log.Warn("dropping unresponsive session", "error", err)
			_ = c.Close(websocket.StatusAbnormalClosure, "write failed")
			delete(s.conns, c)
		}
	}
	s.log.Debug("event broadcast", "type", msg.MessageType(), "sessions", len(s.conns))
}
