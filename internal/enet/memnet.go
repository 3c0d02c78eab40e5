package enet

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// eventBacklog bounds the per-host event queue. Pushes beyond it are
// dropped, matching a saturated datagram socket.
const eventBacklog = 256

// Network is an in-process loopback transport implementing the Host/Peer
// contract without touching real sockets. Hosts are addressed by port alone;
// the host string passed to Connect is ignored, since everything lives on
// one loopback address. Ports are bound exclusively: a second bind of a live
// port fails until the first host is destroyed.
//
// Tests use it to script upstream matchmaking servers and opponents; it is
// also handy for local smoke runs without the native ENet library.
type Network struct {
	mu    sync.Mutex
	hosts map[uint16]*memHost
}

// NewNetwork returns an empty loopback network.
func NewNetwork() *Network {
	return &Network{hosts: make(map[uint16]*memHost)}
}

// NewHost binds port exclusively. It implements NewHostFunc.
func (n *Network) NewHost(port uint16, maxPeers, channels int) (Host, error) {
	if maxPeers < 1 {
		return nil, errors.New("maxPeers must be at least 1")
	}
	if channels < 1 {
		return nil, errors.New("channels must be at least 1")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.hosts[port]; taken {
		return nil, fmt.Errorf("port %d already bound", port)
	}
	h := &memHost{
		net:      n,
		port:     port,
		maxPeers: maxPeers,
		peers:    make(map[*memPeer]struct{}),
		events:   make(chan Event, eventBacklog),
		done:     make(chan struct{}),
	}
	n.hosts[port] = h
	return h, nil
}

type memHost struct {
	net      *Network
	port     uint16
	maxPeers int

	mu     sync.Mutex
	peers  map[*memPeer]struct{}
	closed bool

	events chan Event
	done   chan struct{}
}

func (h *memHost) Connect(host string, port uint16, channels int) (Peer, error) {
	_ = host // loopback network, see Network doc

	local := &memPeer{host: h, addr: fmt.Sprintf("127.0.0.1:%d", port)}

	// The outgoing attempt occupies a local peer slot until it is torn down.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("host destroyed")
	}
	if len(h.peers) >= h.maxPeers {
		h.mu.Unlock()
		return nil, errors.New("no available peer slot")
	}
	h.peers[local] = struct{}{}
	h.mu.Unlock()

	h.net.mu.Lock()
	remote := h.net.hosts[port]
	h.net.mu.Unlock()

	// Nobody listening: the association dangles and never produces a
	// CONNECT, like a handshake sent to a dead address.
	if remote == nil {
		return local, nil
	}

	twin := &memPeer{host: remote, addr: fmt.Sprintf("127.0.0.1:%d", h.port)}
	remote.mu.Lock()
	if remote.closed || len(remote.peers) >= remote.maxPeers {
		// Remote refused; the local attempt dangles.
		remote.mu.Unlock()
		return local, nil
	}
	remote.peers[twin] = struct{}{}
	remote.mu.Unlock()

	local.mu.Lock()
	local.twin = twin
	local.mu.Unlock()
	twin.mu.Lock()
	twin.twin = local
	twin.mu.Unlock()

	h.push(Event{Type: EventConnect, Peer: local})
	remote.push(Event{Type: EventConnect, Peer: twin})
	return local, nil
}

func (h *memHost) Service(timeout time.Duration) (Event, bool) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return Event{}, false
	}

	if timeout <= 0 {
		select {
		case ev := <-h.events:
			return ev, true
		default:
			return Event{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-h.events:
		return ev, true
	case <-h.done:
		return Event{}, false
	case <-timer.C:
		return Event{}, false
	}
}

func (h *memHost) Destroy() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	peers := make([]*memPeer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[*memPeer]struct{})
	h.mu.Unlock()

	for _, p := range peers {
		p.Reset()
	}

	close(h.done)

	h.net.mu.Lock()
	if h.net.hosts[h.port] == h {
		delete(h.net.hosts, h.port)
	}
	h.net.mu.Unlock()
}

// push queues ev for delivery via Service, dropping it if the backlog is
// full or the host is gone.
func (h *memHost) push(ev Event) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

func (h *memHost) removePeer(p *memPeer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
}

type memPeer struct {
	host *memHost
	addr string

	mu     sync.Mutex
	twin   *memPeer
	closed bool
}

func (p *memPeer) Addr() string { return p.addr }

func (p *memPeer) Send(data []byte, channel uint8) error {
	_ = channel // one delivery lane; channel separation only matters on native hosts

	p.mu.Lock()
	twin, closed := p.twin, p.closed
	p.mu.Unlock()
	if closed || twin == nil {
		return errors.New("peer not connected")
	}

	twin.mu.Lock()
	twinClosed := twin.closed
	twin.mu.Unlock()
	if twinClosed {
		return errors.New("remote peer gone")
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	twin.host.push(Event{Type: EventReceive, Peer: twin, Data: buf})
	return nil
}

// Disconnect closes both ends and queues an EventDisconnect on each side's
// host, mirroring a completed disconnect handshake.
func (p *memPeer) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	twin := p.twin
	p.mu.Unlock()

	p.host.removePeer(p)
	p.host.push(Event{Type: EventDisconnect, Peer: p})

	if twin == nil {
		return
	}
	twin.mu.Lock()
	already := twin.closed
	twin.closed = true
	twin.mu.Unlock()
	if already {
		return
	}
	twin.host.removePeer(twin)
	twin.host.push(Event{Type: EventDisconnect, Peer: twin})
}

// Reset drops both ends without queueing any events. The remote notices
// only when it next sends.
func (p *memPeer) Reset() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	twin := p.twin
	p.mu.Unlock()

	p.host.removePeer(p)

	if twin == nil {
		return
	}
	twin.mu.Lock()
	already := twin.closed
	twin.closed = true
	twin.mu.Unlock()
	if !already {
		twin.host.removePeer(twin)
	}
}
