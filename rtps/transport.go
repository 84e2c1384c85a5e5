package rtps

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// largest datagram a transport delivers
const maxDatagramSize = 65536

// PacketConn receives the datagrams sent to one locator.
type PacketConn interface {
	// ReadFrom blocks until a datagram arrives. It fails with ErrClosed
	// once the connection is closed.
	ReadFrom(b []byte) (n int, src Locator, err error)
	LocalLocator() Locator
	Close() error
}

// Transport moves datagrams between locators. The participant never deals
// with sockets, group membership or interfaces itself.
type Transport interface {
	// Listen starts receiving on loc, joining the group for a multicast
	// locator. A unicast locator already taken fails with ErrAddressInUse.
	Listen(loc Locator) (PacketConn, error)
	// Send is fire and forget.
	Send(dst Locator, b []byte) error
	// LocalAddress is the unicast address announced to peers.
	LocalAddress() (net.IP, error)
	Close() error
}

// MemoryNetwork connects in-process transports. Datagrams sent to a
// locator reach every connection listening on it. Drop, when set, decides
// per datagram whether it is lost.
type MemoryNetwork struct {
	mu     sync.Mutex
	conns  map[Locator][]*memConn
	nextIP byte
	Drop   func(src, dst Locator, b []byte) bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{conns: make(map[Locator][]*memConn)}
}

// SetDrop replaces the loss function while traffic flows.
func (n *MemoryNetwork) SetDrop(fn func(src, dst Locator, b []byte) bool) {
	n.mu.Lock()
	n.Drop = fn
	n.mu.Unlock()
}

// NewTransport returns a transport with its own unicast address.
func (n *MemoryNetwork) NewTransport() *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextIP++
	return &MemoryTransport{net: n, ip: net.IPv4(127, 0, 1, n.nextIP)}
}

func (n *MemoryNetwork) attach(c *memConn) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !c.local.IsMulticast() && len(n.conns[c.local]) > 0 {
		return errors.Wrapf(ErrAddressInUse, "listen %s", c.local)
	}
	n.conns[c.local] = append(n.conns[c.local], c)
	return nil
}

func (n *MemoryNetwork) detach(c *memConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.conns[c.local]
	for i, x := range list {
		if x == c {
			n.conns[c.local] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(n.conns[c.local]) == 0 {
		delete(n.conns, c.local)
	}
}

func (n *MemoryNetwork) deliver(src, dst Locator, b []byte) {
	n.mu.Lock()
	drop := n.Drop
	targets := append([]*memConn(nil), n.conns[dst]...)
	n.mu.Unlock()
	if drop != nil && drop(src, dst, b) {
		return
	}
	for _, c := range targets {
		c.push(memDatagram{src: src, b: append([]byte(nil), b...)})
	}
}

// MemoryTransport is one endpoint of a MemoryNetwork.
type MemoryTransport struct {
	net *MemoryNetwork
	ip  net.IP

	mu     sync.Mutex
	conns  []*memConn
	closed bool
}

func (t *MemoryTransport) Listen(loc Locator) (PacketConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	c := &memConn{
		owner: t,
		local: loc,
		queue: make(chan memDatagram, 1024),
		done:  make(chan struct{}),
	}
	if err := t.net.attach(c); err != nil {
		return nil, err
	}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *MemoryTransport) Send(dst Locator, b []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.net.deliver(NewUDPv4Locator(t.ip, 0), dst, b)
	return nil
}

func (t *MemoryTransport) LocalAddress() (net.IP, error) {
	return t.ip, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns, t.closed = nil, true
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

type memDatagram struct {
	src Locator
	b   []byte
}

type memConn struct {
	owner *MemoryTransport
	local Locator
	queue chan memDatagram
	done  chan struct{}
	once  sync.Once
}

// push drops the datagram when the queue is full, as a socket buffer would.
func (c *memConn) push(d memDatagram) {
	select {
	case <-c.done:
	case c.queue <- d:
	default:
	}
}

func (c *memConn) ReadFrom(b []byte) (int, Locator, error) {
	select {
	case <-c.done:
		return 0, Locator{}, ErrClosed
	case d := <-c.queue:
		return copy(b, d.b), d.src, nil
	}
}

func (c *memConn) LocalLocator() Locator {
	return c.local
}

func (c *memConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.owner.net.detach(c)
	})
	return nil
}
