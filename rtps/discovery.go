package rtps

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

// assumed when an announcement carries no lease
const defaultLeaseDuration = 100 * time.Second

// ParticipantData is the content of an SPDP announcement.
type ParticipantData struct {
	Prefix           GUIDPrefix
	Version          ProtoVersion
	Vendor           VendorID
	DomainID         uint32
	ExpectsInlineQos bool
	DefaultUnicast   []Locator
	DefaultMulticast []Locator
	MetaUnicast      []Locator
	MetaMulticast    []Locator
	LeaseDuration    time.Duration
	BuiltinEndpoints BuiltinEndpointSet
	EntityName       string
}

func (pd *ParticipantData) GUID() GUID {
	return GUID{Prefix: pd.Prefix, EntityID: ENTITYID_PARTICIPANT}
}

// Encode serializes the announcement as a PL_CDR payload. It fails with
// ErrValueTooLong when a field does not fit a parameter.
func (pd *ParticipantData) Encode(order binary.ByteOrder) ([]byte, error) {
	w := newParamWriter(order)
	w.octets(PID_PROTOCOL_VERSION, []byte{pd.Version.Major, pd.Version.Minor, 0, 0})
	w.octets(PID_VENDOR_ID, []byte{byte(pd.Vendor >> 8), byte(pd.Vendor), 0, 0})
	w.uint32(PID_DOMAIN_ID, pd.DomainID)
	if pd.ExpectsInlineQos {
		w.bool(PID_EXPECTS_INLINE_QOS, true)
	}
	for _, loc := range pd.DefaultUnicast {
		w.locator(PID_DEFAULT_UNICAST_LOCATOR, loc)
	}
	for _, loc := range pd.DefaultMulticast {
		w.locator(PID_DEFAULT_MULTICAST_LOCATOR, loc)
	}
	for _, loc := range pd.MetaUnicast {
		w.locator(PID_METATRAFFIC_UNICAST_LOCATOR, loc)
	}
	for _, loc := range pd.MetaMulticast {
		w.locator(PID_METATRAFFIC_MULTICAST_LOCATOR, loc)
	}
	w.duration(PID_PARTICIPANT_LEASE_DURATION, pd.LeaseDuration)
	w.guid(PID_PARTICIPANT_GUID, pd.GUID())
	w.uint32(PID_BUILTIN_ENDPOINT_SET, uint32(pd.BuiltinEndpoints))
	if pd.EntityName != "" {
		w.string(PID_ENTITY_NAME, pd.EntityName)
	}
	return w.encapsulated()
}

// DecodeParticipantData parses an SPDP payload. Unknown and vendor
// specific parameters are skipped.
func DecodeParticipantData(payload []byte) (*ParticipantData, error) {
	pl, order, err := decodePLPayload(payload)
	if err != nil {
		return nil, err
	}
	r := paramReader{order: order}
	pd := &ParticipantData{LeaseDuration: defaultLeaseDuration}
	haveGUID := false
	for _, p := range pl {
		if p.ID&PID_VENDOR_SPECIFIC != 0 {
			continue
		}
		var loc Locator
		switch p.ID {
		case PID_PROTOCOL_VERSION:
			if len(p.Value) < 2 {
				return nil, errors.Wrap(ErrMalformedData, "protocol version parameter")
			}
			pd.Version = ProtoVersion{p.Value[0], p.Value[1]}
		case PID_VENDOR_ID:
			if len(p.Value) < 2 {
				return nil, errors.Wrap(ErrMalformedData, "vendor id parameter")
			}
			pd.Vendor = VendorID(binary.BigEndian.Uint16(p.Value))
		case PID_DOMAIN_ID:
			pd.DomainID, err = r.uint32(p)
		case PID_EXPECTS_INLINE_QOS:
			pd.ExpectsInlineQos, err = r.bool(p)
		case PID_DEFAULT_UNICAST_LOCATOR:
			if loc, err = r.locator(p); err == nil && loc.Valid() {
				pd.DefaultUnicast = appendLocator(pd.DefaultUnicast, loc)
			}
		case PID_DEFAULT_MULTICAST_LOCATOR:
			if loc, err = r.locator(p); err == nil && loc.Valid() {
				pd.DefaultMulticast = appendLocator(pd.DefaultMulticast, loc)
			}
		case PID_METATRAFFIC_UNICAST_LOCATOR:
			if loc, err = r.locator(p); err == nil && loc.Valid() {
				pd.MetaUnicast = appendLocator(pd.MetaUnicast, loc)
			}
		case PID_METATRAFFIC_MULTICAST_LOCATOR:
			if loc, err = r.locator(p); err == nil && loc.Valid() {
				pd.MetaMulticast = appendLocator(pd.MetaMulticast, loc)
			}
		case PID_PARTICIPANT_LEASE_DURATION:
			pd.LeaseDuration, err = r.duration(p)
		case PID_PARTICIPANT_GUID:
			var g GUID
			if g, err = r.guid(p); err == nil {
				pd.Prefix = g.Prefix
				haveGUID = true
			}
		case PID_BUILTIN_ENDPOINT_SET:
			var v uint32
			v, err = r.uint32(p)
			pd.BuiltinEndpoints = BuiltinEndpointSet(v)
		case PID_ENTITY_NAME:
			pd.EntityName, err = r.string(p)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "participant parameter 0x%04x", p.ID)
		}
	}
	if !haveGUID {
		return nil, errors.Wrap(ErrMalformedData, "participant announcement without guid")
	}
	if pd.LeaseDuration <= 0 {
		return nil, errors.Wrapf(ErrMalformedData, "lease duration %v", pd.LeaseDuration)
	}
	return pd, nil
}

// ParticipantProxy is a discovered remote participant.
type ParticipantProxy struct {
	ParticipantData
	LastSeen time.Time
	expires  time.Time
}

// Expires is the time the proxy is dropped unless refreshed.
func (pp *ParticipantProxy) Expires() time.Time {
	return pp.expires
}

// EndpointData is the content of an SEDP sample: one writer or reader and
// the policies it declares.
type EndpointData struct {
	GUID             GUID
	Topic            string
	TypeName         string
	Qos              QosPolicySet
	Unicast          []Locator
	Multicast        []Locator
	ExpectsInlineQos bool
}

func (ed *EndpointData) IsWriter() bool {
	return ed.GUID.EntityID.isWriter()
}

// Encode serializes the endpoint as a PL_CDR payload. It fails with
// ErrValueTooLong when a name or the partition list does not fit a
// parameter.
func (ed *EndpointData) Encode(order binary.ByteOrder) ([]byte, error) {
	w := newParamWriter(order)
	w.guid(PID_ENDPOINT_GUID, ed.GUID)
	w.string(PID_TOPIC_NAME, ed.Topic)
	w.string(PID_TYPE_NAME, ed.TypeName)
	ed.Qos.writeParams(w)
	for _, loc := range ed.Unicast {
		w.locator(PID_UNICAST_LOCATOR, loc)
	}
	for _, loc := range ed.Multicast {
		w.locator(PID_MULTICAST_LOCATOR, loc)
	}
	if ed.ExpectsInlineQos {
		w.bool(PID_EXPECTS_INLINE_QOS, true)
	}
	return w.encapsulated()
}

// DecodeEndpointData parses an SEDP payload. Policies not announced take
// the default of the endpoint's role. When the payload has no endpoint
// guid, key (the instance key hash of the sample) names the endpoint.
func DecodeEndpointData(payload []byte, key [16]byte, writer bool) (*EndpointData, error) {
	pl, order, err := decodePLPayload(payload)
	if err != nil {
		return nil, err
	}
	r := paramReader{order: order}
	ed := &EndpointData{Qos: DefaultReaderQos()}
	if writer {
		ed.Qos = DefaultWriterQos()
	}
	if key != ([16]byte{}) {
		ed.GUID = guidFromBytes(key[:])
	}
	haveTopic, haveType := false, false
	for _, p := range pl {
		if p.ID&PID_VENDOR_SPECIFIC != 0 {
			continue
		}
		if ok, qerr := ed.Qos.applyParam(r, p); ok {
			if qerr != nil {
				return nil, qerr
			}
			continue
		}
		var loc Locator
		switch p.ID {
		case PID_ENDPOINT_GUID:
			ed.GUID, err = r.guid(p)
		case PID_TOPIC_NAME:
			ed.Topic, err = r.string(p)
			haveTopic = err == nil
		case PID_TYPE_NAME:
			ed.TypeName, err = r.string(p)
			haveType = err == nil
		case PID_UNICAST_LOCATOR:
			if loc, err = r.locator(p); err == nil && loc.Valid() {
				ed.Unicast = appendLocator(ed.Unicast, loc)
			}
		case PID_MULTICAST_LOCATOR:
			if loc, err = r.locator(p); err == nil && loc.Valid() {
				ed.Multicast = appendLocator(ed.Multicast, loc)
			}
		case PID_EXPECTS_INLINE_QOS:
			ed.ExpectsInlineQos, err = r.bool(p)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "endpoint parameter 0x%04x", p.ID)
		}
	}
	switch {
	case ed.GUID.Unknown():
		return nil, errors.Wrap(ErrMalformedData, "endpoint without guid")
	case !haveTopic || !haveType:
		return nil, errors.Wrapf(ErrMalformedData, "endpoint %s without topic or type", ed.GUID)
	case ed.GUID.EntityID.isWriter() != writer:
		return nil, errors.Wrapf(ErrMalformedData, "endpoint %s announced in the wrong role", ed.GUID)
	}
	if err := ed.Qos.Validate(); err != nil {
		return nil, errors.Wrapf(ErrMalformedData, "endpoint %s: %v", ed.GUID, err)
	}
	return ed, nil
}

// discoveryDB holds what discovery learned about remote entities. It is
// owned by the participant event loop.
type discoveryDB struct {
	participants map[GUIDPrefix]*ParticipantProxy
	endpoints    map[GUID]*EndpointData
}

func newDiscoveryDB() *discoveryDB {
	return &discoveryDB{
		participants: make(map[GUIDPrefix]*ParticipantProxy),
		endpoints:    make(map[GUID]*EndpointData),
	}
}

// upsertParticipant creates or refreshes a proxy and restarts its lease.
func (db *discoveryDB) upsertParticipant(now time.Time, pd *ParticipantData) (*ParticipantProxy, bool) {
	pp, ok := db.participants[pd.Prefix]
	if !ok {
		pp = &ParticipantProxy{}
		db.participants[pd.Prefix] = pp
	}
	pp.ParticipantData = *pd
	pp.LastSeen = now
	pp.expires = now.Add(pd.LeaseDuration)
	return pp, !ok
}

func (db *discoveryDB) participant(prefix GUIDPrefix) (*ParticipantProxy, bool) {
	pp, ok := db.participants[prefix]
	return pp, ok
}

// removeParticipant drops a proxy together with every endpoint it owns,
// which are returned.
func (db *discoveryDB) removeParticipant(prefix GUIDPrefix) ([]*EndpointData, bool) {
	if _, ok := db.participants[prefix]; !ok {
		return nil, false
	}
	delete(db.participants, prefix)
	var eps []*EndpointData
	for g, ed := range db.endpoints {
		if g.Prefix == prefix {
			eps = append(eps, ed)
			delete(db.endpoints, g)
		}
	}
	return eps, true
}

// expired lists the participants whose lease ran out by now.
func (db *discoveryDB) expired(now time.Time) []GUIDPrefix {
	var out []GUIDPrefix
	for prefix, pp := range db.participants {
		if !now.Before(pp.expires) {
			out = append(out, prefix)
		}
	}
	return out
}

func (db *discoveryDB) putEndpoint(ed *EndpointData) (prev *EndpointData) {
	prev = db.endpoints[ed.GUID]
	db.endpoints[ed.GUID] = ed
	return prev
}

func (db *discoveryDB) removeEndpoint(g GUID) (*EndpointData, bool) {
	ed, ok := db.endpoints[g]
	if ok {
		delete(db.endpoints, g)
	}
	return ed, ok
}

// remoteFor lists the remote endpoints of the opposite role on a topic.
func (db *discoveryDB) remoteFor(topic string, writers bool) []*EndpointData {
	var out []*EndpointData
	for _, ed := range db.endpoints {
		if ed.Topic == topic && ed.IsWriter() == writers {
			out = append(out, ed)
		}
	}
	return out
}

// keyGUID recovers the GUID a builtin topic sample is about from its key
// hash parameter.
func keyGUID(qos cdr.ParameterList) (GUID, bool) {
	k, ok := inlineKeyHash(qos)
	if !ok {
		return GUIDUnknown, false
	}
	return guidFromBytes(k[:]), true
}
