package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/slipgate/pkg/protocol"
)

// ClientConfig holds configuration for a control-plane Client.
type ClientConfig struct {
	// ServerURL is the WebSocket URL of the control server
	// (e.g. "ws://localhost:9002").
	ServerURL string

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// MessageBufferSize is the capacity of the inbound message channel.
	// Defaults to 64 if zero.
	MessageBufferSize int

	// DialTimeout bounds the duration of the WebSocket dial.
	// Defaults to 10s if zero.
	DialTimeout time.Duration
}

// Client is a WebSocket client for the control server. It connects, sends
// commands, and delivers events and replies on a channel. There is no
// automatic reconnection; callers decide whether a lost session matters.
type Client struct {
	cfg    ClientConfig
	log    *slog.Logger
	msgCh  chan protocol.Message
	pongCh chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
}

// NewClient creates a control client with the given configuration.
// Call Connect to establish the session and start receiving messages.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	bufSize := cfg.MessageBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}

	return &Client{
		cfg:    cfg,
		log:    log.With("component", "client"),
		msgCh:  make(chan protocol.Message, bufSize),
		pongCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Messages returns a read-only channel delivering events and replies from
// the server. The channel is closed when the session ends.
func (c *Client) Messages() <-chan protocol.Message {
	return c.msgCh
}

// Connect dials the control server and starts the receive loop. It blocks
// until the session is established or fails.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("connecting to control server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	c.log.Debug("connected to control server", "url", c.cfg.ServerURL)
	go c.receiveLoop(ctx)
	return nil
}

// Send sends a command to the server.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return c.write(ctx, data)
}

// Ping probes the session with a bare "ping" frame and waits for the
// matching "pong".
func (c *Client) Ping(ctx context.Context) error {
	// Drain a pong left over from an earlier probe that timed out.
	select {
	case <-c.pongCh:
	default:
	}

	if err := c.write(ctx, []byte(protocol.Ping)); err != nil {
		return err
	}

	select {
	case <-c.pongCh:
		return nil
	case <-c.done:
		return errors.New("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the client, closing the session and the message channel.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	// Wait for the receive loop to finish. There is none when the client
	// never connected.
	if started {
		<-c.done
	}
	return nil
}

func (c *Client) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// receiveLoop reads frames until the session ends, delivering decoded
// messages on the message channel. It closes the message channel and the
// done channel when finished.
func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer c.closeConn()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("session ended", "error", err)
			}
			return
		}

		if string(data) == protocol.Pong {
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
			continue
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			c.log.Warn("ignoring malformed message", "error", err)
			continue
		}

		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}
