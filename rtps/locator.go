package rtps

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

const (
	LOCATOR_KIND_INVALID  = -1
	LOCATOR_KIND_RESERVED = 0
	LOCATOR_KIND_UDPV4    = 1
	LOCATOR_KIND_UDPV6    = 2
	LOCATOR_KIND_TCPv4    = 4
	LOCATOR_KIND_TCPv6    = 8
	LOCATOR_PORT_INVALID  = 0
)

// Locator is a transport address. IPv4 addresses occupy the last four
// bytes of Address.
type Locator struct {
	Kind    int32
	Port    uint32
	Address [16]byte
}

func NewUDPv4Locator(ip net.IP, port uint16) Locator {
	loc := Locator{
		Kind: LOCATOR_KIND_UDPV4,
		Port: uint32(port),
	}
	// net.IP instances keep non-zero bytes in the ipv6 portion of the
	// address even for ipv4 addresses, so only copy out the last 4 bytes
	if ip4 := ip.To4(); ip4 != nil {
		copy(loc.Address[12:], ip4)
	}
	return loc
}

func (loc Locator) IP() net.IP {
	switch loc.Kind {
	case LOCATOR_KIND_UDPV4:
		return net.IPv4(loc.Address[12], loc.Address[13], loc.Address[14], loc.Address[15])
	case LOCATOR_KIND_UDPV6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, loc.Address[:])
		return ip
	}
	return nil
}

func (loc Locator) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: loc.IP(), Port: int(loc.Port)}
}

func (loc Locator) IsMulticast() bool {
	ip := loc.IP()
	return ip != nil && ip.IsMulticast()
}

func (loc Locator) Valid() bool {
	return (loc.Kind == LOCATOR_KIND_UDPV4 || loc.Kind == LOCATOR_KIND_UDPV6) && loc.Port != LOCATOR_PORT_INVALID
}

func (loc Locator) String() string {
	return fmt.Sprintf("%s:%d", loc.IP().String(), loc.Port)
}

func writeLocator(e *cdr.Encoder, loc Locator) {
	e.WriteInt32(loc.Kind)
	e.WriteUint32(loc.Port)
	e.WriteOctets(loc.Address[:])
}

func readLocator(d *cdr.Decoder) (Locator, error) {
	var loc Locator
	var err error
	if loc.Kind, err = d.ReadInt32(); err != nil {
		return loc, err
	}
	if loc.Port, err = d.ReadUint32(); err != nil {
		return loc, err
	}
	b, err := d.ReadOctets(16)
	if err != nil {
		return loc, err
	}
	copy(loc.Address[:], b)
	if loc.Port > 0xffff && loc.Kind <= LOCATOR_KIND_UDPV6 {
		return loc, errors.Wrapf(ErrMalformedData, "locator port %d", loc.Port)
	}
	return loc, nil
}

// appendLocator adds loc unless already present.
func appendLocator(locs []Locator, loc Locator) []Locator {
	for _, l := range locs {
		if l == loc {
			return locs
		}
	}
	return append(locs, loc)
}
