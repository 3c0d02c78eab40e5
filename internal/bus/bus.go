// Package bus provides synchronous typed dispatch of control-plane messages
// between the server, the worker pool, and the workers.
//
// Subscribers register a handler per message tag. Publish runs every handler
// on the publisher's goroutine, in registration order; handlers must be
// non-blocking or defer their own work. There is no queue and no
// backpressure.
package bus

import (
	"sync"

	"github.com/kuuji/slipgate/pkg/protocol"
)

// Handler consumes one published message. The concrete type of msg matches
// the tag the handler was registered under.
type Handler func(msg protocol.Message)

// Bus routes messages to handlers by their MessageType tag.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers h for every message whose MessageType equals msgType.
// Multiple handlers may subscribe to the same tag; they run in registration
// order.
func (b *Bus) Subscribe(msgType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], h)
}

// Publish delivers msg to every handler subscribed to its tag,
// synchronously on the caller's goroutine. Messages with no subscriber are
// dropped.
func (b *Bus) Publish(msg protocol.Message) {
	b.mu.RLock()
	hs := b.handlers[msg.MessageType()]
	b.mu.RUnlock()

	for _, h := range hs {
		h(msg)
	}
}
