package rtps

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// UDPTransport is the UDPv4 transport. Multicast receive sockets share
// their port with other participants on the host; unicast ones do not, so
// a bind failure tells participant id probing the id is taken.
type UDPTransport struct {
	iface *net.Interface
	ip    net.IP
	tx    *net.UDPConn
	txv4  *ipv4.PacketConn

	mu     sync.Mutex
	conns  []*udpConn
	closed bool
}

// NewUDPTransport picks the interface and address from cfg, falling back
// to the first multicast capable interface that is up.
func NewUDPTransport(cfg *Config) (*UDPTransport, error) {
	var iface *net.Interface
	var err error
	if cfg.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Interface)
	} else {
		iface, err = defaultInterface()
	}
	if err != nil {
		return nil, errors.Wrap(err, "select interface")
	}

	ip := net.ParseIP(cfg.UnicastAddress)
	if ip == nil {
		if ip, err = defaultIP(iface); err != nil {
			return nil, errors.Wrapf(err, "address of %s", iface.Name)
		}
	}

	tx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, errors.Wrap(err, "open send socket")
	}
	txv4 := ipv4.NewPacketConn(tx)
	if err := txv4.SetMulticastInterface(iface); err != nil {
		log.WithError(err).WithField("interface", iface.Name).Warn("cannot set multicast interface")
	}
	if err := txv4.SetMulticastLoopback(true); err != nil {
		log.WithError(err).Warn("cannot enable multicast loopback")
	}
	if err := txv4.SetMulticastTTL(1); err != nil {
		log.WithError(err).Warn("cannot set multicast ttl")
	}

	log.WithFields(log.Fields{
		"interface": iface.Name,
		"mtu":       iface.MTU,
		"ip":        ip.String(),
	}).Debug("udp transport ready")

	return &UDPTransport{iface: iface, ip: ip, tx: tx, txv4: txv4}, nil
}

func (t *UDPTransport) Listen(loc Locator) (PacketConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if loc.Kind != LOCATOR_KIND_UDPV4 {
		return nil, errors.Errorf("udp transport cannot listen on %s", loc)
	}

	var conn *net.UDPConn
	if loc.IsMulticast() {
		lc := net.ListenConfig{Control: reuseControl}
		pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", loc.Port))
		if err != nil {
			return nil, errors.Wrapf(err, "listen %s", loc)
		}
		conn = pc.(*net.UDPConn)
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(t.iface, &net.UDPAddr{IP: loc.IP()}); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "join %s on %s", loc.IP(), t.iface.Name)
		}
	} else {
		var err error
		conn, err = net.ListenUDP("udp4", loc.UDPAddr())
		if err != nil {
			if isAddrInUse(err) {
				return nil, errors.Wrapf(ErrAddressInUse, "listen %s", loc)
			}
			return nil, errors.Wrapf(err, "listen %s", loc)
		}
	}

	c := &udpConn{conn: conn, local: loc}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *UDPTransport) Send(dst Locator, b []byte) error {
	if dst.Kind != LOCATOR_KIND_UDPV4 {
		return errors.Errorf("udp transport cannot reach %s", dst)
	}
	_, err := t.tx.WriteToUDP(b, dst.UDPAddr())
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (t *UDPTransport) LocalAddress() (net.IP, error) {
	return t.ip, nil
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns, t.closed = nil, true
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return t.tx.Close()
}

type udpConn struct {
	conn  *net.UDPConn
	local Locator
}

func (c *udpConn) ReadFrom(b []byte) (int, Locator, error) {
	n, addr, err := c.conn.ReadFromUDP(b)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, Locator{}, ErrClosed
		}
		return 0, Locator{}, err
	}
	return n, NewUDPv4Locator(addr.IP, uint16(addr.Port)), nil
}

func (c *udpConn) LocalLocator() Locator {
	return c.local
}

func (c *udpConn) Close() error {
	return c.conn.Close()
}

func defaultInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	// XXX: probably want to return all valid interfaces
	// and determine how to select one
	mask := net.FlagUp | net.FlagMulticast
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&mask == mask && ifi.Flags&net.FlagLoopback == 0 {
			return ifi, nil
		}
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagLoopback != 0 {
			return &ifaces[i], nil
		}
	}
	return nil, errors.New("couldn't find a valid interface")
}

func defaultIP(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ifa, ok := addr.(*net.IPNet); ok {
			if ip4 := ifa.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, errors.New("couldn't find a valid address")
}
