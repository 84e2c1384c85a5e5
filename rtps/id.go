package rtps

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

const (
	GUIDPrefixLen     = 12
	Magic             = 0x52545053 // RTPS in ASCII
	MY_RTPS_VENDOR_ID = 0x1234
)

const (
	ENTITYID_UNKNOWN                                = 0x0
	ENTITYID_PARTICIPANT                            = 0x1c1
	ENTITYID_SEDP_BUILTIN_TOPIC_WRITER              = 0x2c2
	ENTITYID_SEDP_BUILTIN_TOPIC_READER              = 0x2c7
	ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER       = 0x3c2
	ENTITYID_SEDP_BUILTIN_PUBLICATIONS_READER       = 0x3c7
	ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_WRITER      = 0x4c2
	ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_READER      = 0x4c7
	ENTITYID_SPDP_BUILTIN_PARTICIPANT_WRITER        = 0x100c2
	ENTITYID_SPDP_BUILTIN_PARTICIPANT_READER        = 0x100c7
	ENTITYID_P2P_BUILTIN_PARTICIPANT_MESSAGE_WRITER = 0x200c2
	ENTITYID_P2P_BUILTIN_PARTICIPANT_MESSAGE_READER = 0x200c7
	ENTITYID_SOURCE_MASK                            = 0xc0
	ENTITYID_SOURCE_USER                            = 0x00
	ENTITYID_SOURCE_BUILTIN                         = 0xc0
	ENTITYID_SOURCE_VENDOR                          = 0x40
	ENTITYID_KIND_MASK                              = 0x3f
	ENTITYID_KIND_WRITER_WITH_KEY                   = 0x02
	ENTITYID_KIND_WRITER_NO_KEY                     = 0x03
	ENTITYID_KIND_READER_NO_KEY                     = 0x04
	ENTITYID_KIND_READER_WITH_KEY                   = 0x07
	ENTITYID_ALLOCSTEP                              = 0x100
)

func vendorName(id VendorID) string {
	switch id {
	case 0x0101:
		return "RTI Connext"
	case 0x0102:
		return "PrismTech OpenSplice"
	case 0x0103:
		return "OCI OpenDDS"
	case 0x0104:
		return "MilSoft"
	case 0x0105:
		return "Gallium InterCOM"
	case 0x0106:
		return "TwinOaks CoreDX"
	case 0x0107:
		return "Lakota Technical Systems"
	case 0x0108:
		return "ICOUP Consulting"
	case 0x0109:
		return "ETRI"
	case 0x010a:
		return "RTI Connext Micro"
	case 0x010b:
		return "PrismTech Vortex Cafe"
	case 0x010c:
		return "PrismTech Vortex Gateway"
	case 0x010d:
		return "PrismTech Vortex Lite"
	case 0x010e:
		return "Technicolor Qeo"
	case 0x010f:
		return "eProsima"
	case 0x0110:
		return "ADLink Cyclone"
	case 0x0112:
		return "Atostek RustDDS"
	case 0x0120:
		return "PrismTech Vortex Cloud"
	case MY_RTPS_VENDOR_ID:
		return "go-rtps"
	default:
		return "unknown"
	}
}

// EntityID is an entity id.
// NB: always encoded big endian, regardless of submessage endian flag
type EntityID uint32

func (eid EntityID) kind() uint8 {
	return uint8(eid & 0xff)
}

func (eid EntityID) isWriter() bool {
	switch eid & ENTITYID_KIND_MASK {
	case ENTITYID_KIND_WRITER_WITH_KEY, ENTITYID_KIND_WRITER_NO_KEY:
		return true
	}
	return false
}

func (eid EntityID) isReader() bool {
	switch eid & ENTITYID_KIND_MASK {
	case ENTITYID_KIND_READER_WITH_KEY, ENTITYID_KIND_READER_NO_KEY:
		return true
	}
	return false
}

func (eid EntityID) isBuiltin() bool {
	return (eid & ENTITYID_SOURCE_MASK) == ENTITYID_SOURCE_BUILTIN
}

func (eid EntityID) isBuiltinEndpoint() bool {
	return eid.isBuiltin() && eid != ENTITYID_PARTICIPANT
}

func (eid EntityID) String() string {
	return fmt.Sprintf("0x%08x", uint32(eid))
}

func writeEntityID(e *cdr.Encoder, eid EntityID) {
	e.WriteOctets([]byte{byte(eid >> 24), byte(eid >> 16), byte(eid >> 8), byte(eid)})
}

func readEntityID(d *cdr.Decoder) (EntityID, error) {
	b, err := d.ReadOctets(4)
	if err != nil {
		return 0, err
	}
	return EntityID(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), nil
}

// entityAllocator hands out user entity ids unique within a participant.
// For user IDs, "the entityKey field within the EntityId_t can be chosen
// arbitrarily by the middleware implementation as long as the resulting
// EntityId_t is unique within the Participant.", sec 9.3.1.2
type entityAllocator struct {
	next uint32
}

func (a *entityAllocator) alloc(entityKind uint8) EntityID {
	a.next += ENTITYID_ALLOCSTEP
	return EntityID(a.next | uint32(entityKind))
}

type VendorID uint16

func (v VendorID) String() string {
	return fmt.Sprintf("%s (0x%04x)", vendorName(v), uint16(v))
}

// GUIDPrefix identifies a participant. It is comparable and usable as a
// map key.
type GUIDPrefix [GUIDPrefixLen]byte

var unknownGUIDPrefix GUIDPrefix

// newGUIDPrefix builds a prefix from the vendor id followed by random bytes.
func newGUIDPrefix() GUIDPrefix {
	var gp GUIDPrefix
	gp[0] = MY_RTPS_VENDOR_ID >> 8
	gp[1] = MY_RTPS_VENDOR_ID & 0xff
	u := uuid.New()
	copy(gp[2:], u[:])
	return gp
}

func (gp GUIDPrefix) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x%02x%02x-%02x%02x%02x%02x",
		gp[0], gp[1], gp[2], gp[3], gp[4], gp[5], gp[6], gp[7], gp[8], gp[9], gp[10], gp[11])
}

// ParseGUIDPrefix parses the hex form, with or without dashes.
func ParseGUIDPrefix(s string) (GUIDPrefix, error) {
	var gp GUIDPrefix
	clean := make([]byte, 0, 2*GUIDPrefixLen)
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			clean = append(clean, s[i])
		}
	}
	b, err := hex.DecodeString(string(clean))
	if err != nil || len(b) != GUIDPrefixLen {
		return gp, errors.Errorf("invalid guid prefix %q", s)
	}
	copy(gp[:], b)
	return gp, nil
}

func (gp GUIDPrefix) Unknown() bool {
	return gp == unknownGUIDPrefix
}

type GUID struct {
	Prefix   GUIDPrefix
	EntityID EntityID
}

var GUIDUnknown GUID

func guidFromBytes(b []byte) GUID {
	var g GUID
	copy(g.Prefix[:], b[:GUIDPrefixLen])
	g.EntityID = EntityID(uint32(b[12])<<24 | uint32(b[13])<<16 | uint32(b[14])<<8 | uint32(b[15]))
	return g
}

func (g GUID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, g.Prefix[:])
	b[12], b[13], b[14], b[15] = byte(g.EntityID>>24), byte(g.EntityID>>16), byte(g.EntityID>>8), byte(g.EntityID)
	return b
}

// KeyHash is the 16-byte instance key of builtin topic samples, which is
// the GUID of the entity the sample describes.
func (g GUID) KeyHash() [16]byte {
	var k [16]byte
	copy(k[:], g.Bytes())
	return k
}

func (g GUID) Unknown() bool {
	return g == GUIDUnknown
}

func (g GUID) String() string {
	return fmt.Sprintf("[%s : 0x%x]", g.Prefix.String(), uint32(g.EntityID))
}
