package rtps

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

const (
	PID_PAD                           = cdr.PID_PAD
	PID_SENTINEL                      = cdr.PID_SENTINEL
	PID_PARTICIPANT_LEASE_DURATION    = 0x0002
	PID_TOPIC_NAME                    = 0x0005
	PID_OWNERSHIP_STRENGTH            = 0x0006
	PID_TYPE_NAME                     = 0x0007
	PID_DOMAIN_ID                     = 0x000f
	PID_PROTOCOL_VERSION              = 0x0015
	PID_VENDOR_ID                     = 0x0016
	PID_RELIABILITY                   = 0x001a
	PID_LIVELINESS                    = 0x001b
	PID_DURABILITY                    = 0x001d
	PID_OWNERSHIP                     = 0x001f
	PID_PRESENTATION                  = 0x0021
	PID_DEADLINE                      = 0x0023
	PID_DESTINATION_ORDER             = 0x0025
	PID_PARTITION                     = 0x0029
	PID_LIFESPAN                      = 0x002b
	PID_UNICAST_LOCATOR               = 0x002f
	PID_MULTICAST_LOCATOR             = 0x0030
	PID_DEFAULT_UNICAST_LOCATOR       = 0x0031
	PID_METATRAFFIC_UNICAST_LOCATOR   = 0x0032
	PID_METATRAFFIC_MULTICAST_LOCATOR = 0x0033
	PID_HISTORY                       = 0x0040
	PID_EXPECTS_INLINE_QOS            = 0x0043
	PID_DEFAULT_MULTICAST_LOCATOR     = 0x0048
	PID_TRANSPORT_PRIORITY            = 0x0049
	PID_PARTICIPANT_GUID              = 0x0050
	PID_BUILTIN_ENDPOINT_SET          = 0x0058
	PID_PROPERTY_LIST                 = 0x0059
	PID_ENDPOINT_GUID                 = 0x005a
	PID_ENTITY_NAME                   = 0x0062
	PID_KEY_HASH                      = 0x0070
	PID_STATUS_INFO                   = 0x0071

	// vendor specific parameters set this bit
	PID_VENDOR_SPECIFIC = 0x8000
)

// STATUS_INFO flags, carried big endian in the last byte.
const (
	STATUS_INFO_DISPOSED     = 0x1
	STATUS_INFO_UNREGISTERED = 0x2
)

// "allows a participant to indicate that it only contains a
// subset of the possible builtin endpoints"
// bitmask of BUILTIN_ENDPOINT_ values below
type BuiltinEndpointSet uint32

const (
	DISC_BUILTIN_ENDPOINT_PARTICIPANT_ANNOUNCER       = (1 << 0)
	DISC_BUILTIN_ENDPOINT_PARTICIPANT_DETECTOR        = (1 << 1)
	DISC_BUILTIN_ENDPOINT_PUBLICATION_ANNOUNCER       = (1 << 2)
	DISC_BUILTIN_ENDPOINT_PUBLICATION_DETECTOR        = (1 << 3)
	DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_ANNOUNCER      = (1 << 4)
	DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_DETECTOR       = (1 << 5)
	DISC_BUILTIN_ENDPOINT_PARTICIPANT_PROXY_ANNOUNCER = (1 << 6) // undefined meaning
	DISC_BUILTIN_ENDPOINT_PARTICIPANT_PROXY_DETECTOR  = (1 << 7) // undefined meaning
	DISC_BUILTIN_ENDPOINT_PARTICIPANT_STATE_ANNOUNCER = (1 << 8) // undefined meaning
	DISC_BUILTIN_ENDPOINT_PARTICIPANT_STATE_DETECTOR  = (1 << 9) // undefined meaning
	BUILTIN_ENDPOINT_PARTICIPANT_MESSAGE_DATA_WRITER  = (1 << 10)
	BUILTIN_ENDPOINT_PARTICIPANT_MESSAGE_DATA_READER  = (1 << 11)
)

// the builtin endpoints this implementation provides
const myBuiltinEndpoints = DISC_BUILTIN_ENDPOINT_PARTICIPANT_ANNOUNCER |
	DISC_BUILTIN_ENDPOINT_PARTICIPANT_DETECTOR |
	DISC_BUILTIN_ENDPOINT_PUBLICATION_ANNOUNCER |
	DISC_BUILTIN_ENDPOINT_PUBLICATION_DETECTOR |
	DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_ANNOUNCER |
	DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_DETECTOR

func (s BuiltinEndpointSet) has(bits uint32) bool {
	return uint32(s)&bits == bits
}

// paramWriter builds a parameter list in a fixed byte order.
type paramWriter struct {
	order binary.ByteOrder
	pl    cdr.ParameterList
}

func newParamWriter(order binary.ByteOrder) *paramWriter {
	return &paramWriter{order: order}
}

func (w *paramWriter) add(pid uint16, fn func(e *cdr.Encoder)) {
	w.pl.AddFunc(pid, w.order, fn)
}

func (w *paramWriter) string(pid uint16, s string) {
	w.add(pid, func(e *cdr.Encoder) { e.WriteString(s) })
}

func (w *paramWriter) uint32(pid uint16, v uint32) {
	w.add(pid, func(e *cdr.Encoder) { e.WriteUint32(v) })
}

func (w *paramWriter) bool(pid uint16, v bool) {
	w.add(pid, func(e *cdr.Encoder) { e.WriteBool(v) })
}

func (w *paramWriter) duration(pid uint16, d time.Duration) {
	w.add(pid, func(e *cdr.Encoder) { writeDuration(e, d) })
}

func (w *paramWriter) locator(pid uint16, loc Locator) {
	w.add(pid, func(e *cdr.Encoder) { writeLocator(e, loc) })
}

func (w *paramWriter) guid(pid uint16, g GUID) {
	w.pl.Add(pid, g.Bytes())
}

// octets adds a value written verbatim, independent of byte order.
func (w *paramWriter) octets(pid uint16, b []byte) {
	w.pl.Add(pid, b)
}

// encapsulated returns the list as a PL_CDR serialized payload.
func (w *paramWriter) encapsulated() ([]byte, error) {
	e := cdr.NewEncoder(w.order)
	scheme := uint16(cdr.PL_CDR_BE)
	if w.order == binary.LittleEndian {
		scheme = cdr.PL_CDR_LE
	}
	cdr.WriteEncapsulation(e, scheme)
	e.SetOrigin()
	if err := w.pl.Encode(e); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// decodePLPayload parses a PL_CDR serialized payload.
func decodePLPayload(payload []byte) (cdr.ParameterList, binary.ByteOrder, error) {
	d := cdr.NewDecoder(payload, binary.BigEndian)
	scheme, err := cdr.ReadEncapsulation(d)
	if err != nil {
		return nil, nil, err
	}
	if scheme != cdr.PL_CDR_LE && scheme != cdr.PL_CDR_BE {
		return nil, nil, errors.Wrapf(ErrMalformedData, "expected parameter list encapsulation, got 0x%04x", scheme)
	}
	pl, err := cdr.DecodeParameterList(d)
	return pl, d.Order(), err
}

// paramReader decodes typed parameter values.
type paramReader struct {
	order binary.ByteOrder
}

func (r paramReader) string(p cdr.Parameter) (string, error) {
	return p.Decoder(r.order).ReadString()
}

func (r paramReader) uint32(p cdr.Parameter) (uint32, error) {
	return p.Decoder(r.order).ReadUint32()
}

func (r paramReader) int32(p cdr.Parameter) (int32, error) {
	return p.Decoder(r.order).ReadInt32()
}

func (r paramReader) bool(p cdr.Parameter) (bool, error) {
	return p.Decoder(r.order).ReadBool()
}

func (r paramReader) duration(p cdr.Parameter) (time.Duration, error) {
	return readDuration(p.Decoder(r.order))
}

func (r paramReader) locator(p cdr.Parameter) (Locator, error) {
	return readLocator(p.Decoder(r.order))
}

func (r paramReader) guid(p cdr.Parameter) (GUID, error) {
	if len(p.Value) < 16 {
		return GUID{}, errors.Wrapf(ErrMalformedData, "guid parameter 0x%04x too short", p.ID)
	}
	return guidFromBytes(p.Value), nil
}

func (r paramReader) strings(p cdr.Parameter) ([]string, error) {
	d := p.Decoder(r.order)
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > d.Remaining()/4 {
		return nil, errors.Wrapf(ErrMalformedData, "string sequence length %d", n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// inline QoS helpers

func keyHashParam(pl *cdr.ParameterList, key [16]byte) {
	pl.Add(PID_KEY_HASH, key[:])
}

func statusInfoParam(pl *cdr.ParameterList, status uint8) {
	pl.Add(PID_STATUS_INFO, []byte{0, 0, 0, status})
}

func inlineKeyHash(pl cdr.ParameterList) ([16]byte, bool) {
	var k [16]byte
	p, ok := pl.Find(PID_KEY_HASH)
	if !ok || len(p.Value) < 16 {
		return k, false
	}
	copy(k[:], p.Value)
	return k, true
}

func inlineStatusInfo(pl cdr.ParameterList) uint8 {
	p, ok := pl.Find(PID_STATUS_INFO)
	if !ok || len(p.Value) < 4 {
		return 0
	}
	return p.Value[3]
}
