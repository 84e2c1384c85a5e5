package rtps

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

const (
	FLAGS_SM_ENDIAN = 0x01 // applies to all submessages

	FLAGS_INFOTS_INVALIDATE = 0x02

	FLAGS_DATA_INLINE_QOS = 0x02
	FLAGS_DATA_DATAFLAG   = 0x04
	FLAGS_DATA_KEYFLAG    = 0x08

	FLAGS_DATAFRAG_INLINE_QOS = 0x02
	FLAGS_DATAFRAG_KEYFLAG    = 0x04

	FLAGS_ACKNACK_FINAL = 0x02

	FLAGS_HEARTBEAT_FINAL      = 0x02
	FLAGS_HEARTBEAT_LIVELINESS = 0x04

	SUBMSG_ID_PAD            = 0x01
	SUBMSG_ID_ACKNACK        = 0x06
	SUBMSG_ID_HEARTBEAT      = 0x07
	SUBMSG_ID_GAP            = 0x08
	SUBMSG_ID_INFO_TS        = 0x09
	SUBMSG_ID_INFO_SRC       = 0x0c
	SUBMSG_ID_INFO_REPLY_IP4 = 0x0d
	SUBMSG_ID_INFO_DST       = 0x0e
	SUBMSG_ID_INFO_REPLY     = 0x0f
	SUBMSG_ID_NACK_FRAG      = 0x12
	SUBMSG_ID_HEARTBEAT_FRAG = 0x13
	SUBMSG_ID_DATA           = 0x15
	SUBMSG_ID_DATA_FRAG      = 0x16
	/* vendor-specific sub messages (0x80 .. 0xff) */
	SUBMSG_ID_VENDOR_MIN = 0x80

	MY_RTPS_VERSION_MAJOR = 2
	MY_RTPS_VERSION_MINOR = 1

	headerLen       = 20
	submsgHeaderLen = 4
)

type ProtoVersion struct {
	Major uint8
	Minor uint8
}

var protoVersionMine = ProtoVersion{MY_RTPS_VERSION_MAJOR, MY_RTPS_VERSION_MINOR}

type Header struct {
	Version ProtoVersion
	Vendor  VendorID
	Prefix  GUIDPrefix
}

func newHeader(prefix GUIDPrefix) Header {
	return Header{
		Version: protoVersionMine,
		Vendor:  MY_RTPS_VENDOR_ID,
		Prefix:  prefix,
	}
}

func (h *Header) appendTo(b []byte) []byte {
	var hb [headerLen]byte
	binary.BigEndian.PutUint32(hb[0:], Magic)
	hb[4], hb[5] = h.Version.Major, h.Version.Minor
	binary.BigEndian.PutUint16(hb[6:], uint16(h.Vendor))
	copy(hb[8:], h.Prefix[:])
	return append(b, hb[:]...)
}

func decodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < headerLen {
		return h, errors.Wrapf(ErrMalformedData, "message too short (%d bytes)", len(b))
	}
	if binary.BigEndian.Uint32(b[0:]) != Magic {
		return h, errors.Wrap(ErrMalformedData, "no magic here")
	}
	h.Version = ProtoVersion{Major: b[4], Minor: b[5]}
	h.Vendor = VendorID(binary.BigEndian.Uint16(b[6:]))
	copy(h.Prefix[:], b[8:headerLen])
	if h.Version.Major < MY_RTPS_VERSION_MAJOR {
		return h, errors.Wrapf(ErrMalformedData, "version %d.%d too old", h.Version.Major, h.Version.Minor)
	}
	return h, nil
}

// Message is an RTPS message: a header followed by submessages.
type Message struct {
	Header      Header
	Submessages []Submessage
	// Skipped holds the decode errors of submessages that were dropped.
	Skipped []error
}

// encodeSubmessage produces header and body of one submessage. The body is
// zero padded so the next submessage starts on a 4-byte boundary.
func encodeSubmessage(sm Submessage, order binary.ByteOrder) ([]byte, error) {
	e := cdr.NewEncoder(order)
	flags := sm.flags()
	if order == binary.LittleEndian {
		flags |= FLAGS_SM_ENDIAN
	}
	e.WriteOctet(sm.SubmessageID())
	e.WriteOctet(flags)
	lenOff := e.Reserve16()
	e.SetOrigin()
	if err := sm.encodeBody(e); err != nil {
		return nil, errors.Wrapf(err, "encode %s", submessageName(sm.SubmessageID()))
	}
	e.Align(4)
	n := e.Len() - submsgHeaderLen
	if n > 0xffff {
		return nil, errors.Errorf("%s submessage too large (%d bytes)", submessageName(sm.SubmessageID()), n)
	}
	e.Patch16(lenOff, uint16(n))
	return e.Bytes(), nil
}

// Encode serializes the message with every submessage in the given order.
func (m *Message) Encode(order binary.ByteOrder) ([]byte, error) {
	b := m.Header.appendTo(make([]byte, 0, 256))
	for _, sm := range m.Submessages {
		smb, err := encodeSubmessage(sm, order)
		if err != nil {
			return nil, err
		}
		b = append(b, smb...)
	}
	return b, nil
}

// DecodeMessage parses a datagram. A bad header fails the whole message;
// a bad submessage is recorded in Skipped and decoding resumes with the
// next one, located through the submessage length.
func DecodeMessage(b []byte) (*Message, error) {
	hdr, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: hdr}

	buf := b[headerLen:]
	for len(buf) > 0 {
		if len(buf) < submsgHeaderLen {
			m.Skipped = append(m.Skipped, errors.Wrapf(ErrMalformedData, "%d trailing bytes", len(buf)))
			break
		}
		id, flags := buf[0], buf[1]
		var order binary.ByteOrder = binary.BigEndian
		if flags&FLAGS_SM_ENDIAN != 0 {
			order = binary.LittleEndian
		}
		sz := int(order.Uint16(buf[2:]))
		rest := buf[submsgHeaderLen:]
		var body []byte
		switch {
		case sz == 0 && id != SUBMSG_ID_PAD && id != SUBMSG_ID_INFO_TS:
			// last submessage extends to the end of the message
			body, buf = rest, nil
		case sz > len(rest):
			m.Skipped = append(m.Skipped, errors.Wrapf(ErrMalformedData,
				"%s length %d exceeds message (%d)", submessageName(id), sz, len(rest)))
			buf = nil
			continue
		default:
			body, buf = rest[:sz], rest[sz:]
		}

		sm, err := decodeSubmessage(id, flags, cdr.NewDecoder(body, order))
		if err != nil {
			m.Skipped = append(m.Skipped, errors.Wrap(err, submessageName(id)))
			continue
		}
		if sm != nil {
			m.Submessages = append(m.Submessages, sm)
		}
	}
	return m, nil
}

// decodeSubmessage returns nil, nil for submessages that are understood
// but carry nothing for us, and for unknown or vendor-specific ids.
func decodeSubmessage(id, flags uint8, d *cdr.Decoder) (Submessage, error) {
	switch id {
	case SUBMSG_ID_DATA:
		return decodeData(flags, d)
	case SUBMSG_ID_DATA_FRAG:
		return decodeDataFrag(flags, d)
	case SUBMSG_ID_HEARTBEAT:
		return decodeHeartbeat(flags, d)
	case SUBMSG_ID_ACKNACK:
		return decodeAckNack(flags, d)
	case SUBMSG_ID_GAP:
		return decodeGap(flags, d)
	case SUBMSG_ID_NACK_FRAG:
		return decodeNackFrag(flags, d)
	case SUBMSG_ID_HEARTBEAT_FRAG:
		return decodeHeartbeatFrag(flags, d)
	case SUBMSG_ID_INFO_TS:
		return decodeInfoTS(flags, d)
	case SUBMSG_ID_INFO_SRC:
		return decodeInfoSrc(flags, d)
	case SUBMSG_ID_INFO_DST:
		return decodeInfoDst(flags, d)
	case SUBMSG_ID_PAD:
		return &Pad{}, nil
	}
	return nil, nil
}

// isOwnMessage reports whether b was sent by the given participant.
func isOwnMessage(b []byte, prefix GUIDPrefix) bool {
	return len(b) >= headerLen && bytes.Equal(b[8:headerLen], prefix[:])
}
