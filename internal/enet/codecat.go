package enet

import (
	"fmt"
	"sync"
	"time"

	goenet "github.com/codecat/go-enet"
)

var initOnce sync.Once

// DefaultNewHost creates hosts backed by the native ENet library. It
// implements NewHostFunc. The library is initialized once per process and
// stays initialized until exit.
func DefaultNewHost(port uint16, maxPeers, channels int) (Host, error) {
	initOnce.Do(func() { goenet.Initialize() })

	h, err := goenet.NewHost(goenet.NewListenAddress(port), uint64(maxPeers), uint64(channels), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("creating enet host on port %d: %w", port, err)
	}
	return &nativeHost{host: h}, nil
}

type nativeHost struct {
	host goenet.Host
}

func (h *nativeHost) Connect(host string, port uint16, channels int) (Peer, error) {
	p, err := h.host.Connect(goenet.NewAddress(host, port), channels, 0)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", host, port, err)
	}
	return nativePeer{peer: p}, nil
}

func (h *nativeHost) Service(timeout time.Duration) (Event, bool) {
	if timeout < 0 {
		timeout = 0
	}
	ev := h.host.Service(uint32(timeout / time.Millisecond))
	switch ev.GetType() {
	case goenet.EventConnect:
		return Event{Type: EventConnect, Peer: nativePeer{peer: ev.GetPeer()}}, true
	case goenet.EventDisconnect:
		return Event{Type: EventDisconnect, Peer: nativePeer{peer: ev.GetPeer()}}, true
	case goenet.EventReceive:
		packet := ev.GetPacket()
		data := append([]byte(nil), packet.GetData()...)
		packet.Destroy()
		return Event{Type: EventReceive, Peer: nativePeer{peer: ev.GetPeer()}, Data: data}, true
	default:
		return Event{}, false
	}
}

func (h *nativeHost) Destroy() {
	h.host.Destroy()
}

// nativePeer wraps the binding's peer by value so peers compare equal
// across Connect returns and Service events for the same association.
type nativePeer struct {
	peer goenet.Peer
}

func (p nativePeer) Send(data []byte, channel uint8) error {
	return p.peer.SendBytes(data, channel, goenet.PacketFlagReliable)
}

func (p nativePeer) Disconnect() {
	p.peer.Disconnect(0)
}

// Reset maps to an immediate disconnect: the binding exposes no bare reset,
// and DisconnectNow frees the slot without waiting for an acknowledgement.
func (p nativePeer) Reset() {
	p.peer.DisconnectNow(0)
}

func (p nativePeer) Addr() string {
	addr := p.peer.GetAddress()
	return fmt.Sprintf("%s:%d", addr.String(), addr.GetPort())
}
