// Package enet abstracts the reliable-UDP transport used to talk to the
// matchmaking service and to opponents.
//
// The interfaces mirror the small slice of the ENet host/peer/event model
// the workers need: create a host bound to a local port, connect peers,
// pump events with a bounded service call, and tear everything down
// explicitly. Production hosts are backed by the ENet C library (see
// NewHostFunc and DefaultNewHost in codecat.go); tests and local smoke runs
// use the in-memory network in memnet.go.
package enet

import "time"

// EventType identifies what a Service call produced.
type EventType int

const (
	// EventNone means the service call timed out without an event.
	EventNone EventType = iota
	// EventConnect reports a completed peer handshake.
	EventConnect
	// EventDisconnect reports a peer disconnection, either remote-initiated
	// or the acknowledgement of a local Disconnect.
	EventDisconnect
	// EventReceive carries one packet from a connected peer.
	EventReceive
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Event is one transport event drained from a Host.
type Event struct {
	Type EventType
	// Peer is the association the event belongs to. Nil for EventNone.
	Peer Peer
	// Data is the packet payload for EventReceive, nil otherwise.
	Data []byte
}

// Peer is one endpoint of a reliable-UDP association. Implementations are
// comparable: the Peer in an Event equals the Peer returned by Connect for
// the same association.
type Peer interface {
	// Send transmits one reliable packet on the given channel.
	Send(data []byte, channel uint8) error
	// Disconnect requests a graceful disconnect. Completion is reported by
	// an EventDisconnect for this peer on the owning host.
	Disconnect()
	// Reset drops the association immediately without notifying the remote.
	Reset()
	// Addr returns the remote address in host:port form.
	Addr() string
}

// Host owns a bound local port and the peers connected through it.
type Host interface {
	// Connect initiates an association to the remote host:port. The
	// returned Peer is not usable until the host reports an EventConnect
	// for it. Connect fails when the host has no free peer slot.
	Connect(host string, port uint16, channels int) (Peer, error)
	// Service waits up to timeout for the next event. The second return is
	// false when the deadline expired or the host was destroyed.
	Service(timeout time.Duration) (Event, bool)
	// Destroy resets all remaining peers and releases the local port.
	Destroy()
}

// NewHostFunc creates a Host bound to the local UDP port with room for
// maxPeers concurrent associations of the given channel count. Injected so
// the transport backend is swappable.
type NewHostFunc func(port uint16, maxPeers, channels int) (Host, error)
