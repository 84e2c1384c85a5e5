package rtps

import (
	"time"

	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

// Submessage is one RTPS submessage. Implementations encode only their
// body; the submessage header is produced by the message codec.
type Submessage interface {
	SubmessageID() uint8
	// flags returns the submessage flags excluding the endianness bit.
	flags() uint8
	encodeBody(e *cdr.Encoder) error
}

// Data carries one serialized sample, or a key-only/status-only change
// when Payload is empty and InlineQos describes it.
type Data struct {
	ReaderID  EntityID
	WriterID  EntityID
	WriterSN  SeqNum
	InlineQos cdr.ParameterList
	Payload   []byte
	// Key marks Payload as a serialized key rather than data.
	Key bool
}

func (s *Data) SubmessageID() uint8 { return SUBMSG_ID_DATA }

func (s *Data) flags() uint8 {
	var f uint8
	if s.InlineQos != nil {
		f |= FLAGS_DATA_INLINE_QOS
	}
	if len(s.Payload) > 0 {
		if s.Key {
			f |= FLAGS_DATA_KEYFLAG
		} else {
			f |= FLAGS_DATA_DATAFLAG
		}
	}
	return f
}

func (s *Data) encodeBody(e *cdr.Encoder) error {
	e.WriteUint16(0) // extraflags
	e.WriteUint16(16)
	writeEntityID(e, s.ReaderID)
	writeEntityID(e, s.WriterID)
	writeSeqNum(e, s.WriterSN)
	if s.InlineQos != nil {
		if err := s.InlineQos.Encode(e); err != nil {
			return errors.Wrap(err, "inline qos")
		}
	}
	e.WriteOctets(s.Payload)
	return nil
}

func decodeData(flags uint8, d *cdr.Decoder) (*Data, error) {
	s := &Data{}
	if flags&FLAGS_DATA_DATAFLAG != 0 && flags&FLAGS_DATA_KEYFLAG != 0 {
		return nil, errors.Wrap(ErrMalformedData, "DATA with both data and key flags")
	}
	if err := d.Skip(2); err != nil {
		return nil, err
	}
	toQos, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	start := d.Pos()
	if s.ReaderID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterSN, err = readSeqNum(d); err != nil {
		return nil, err
	}
	if s.WriterSN < 1 {
		return nil, errors.Wrapf(ErrMalformedData, "DATA sequence number %d", s.WriterSN)
	}
	if extra := int(toQos) - (d.Pos() - start); extra > 0 {
		if err := d.Skip(extra); err != nil {
			return nil, err
		}
	} else if extra < 0 {
		return nil, errors.Wrapf(ErrMalformedData, "octetsToInlineQos %d", toQos)
	}
	if flags&FLAGS_DATA_INLINE_QOS != 0 {
		if s.InlineQos, err = cdr.DecodeParameterList(d); err != nil {
			return nil, errors.Wrap(err, "inline qos")
		}
		if s.InlineQos == nil {
			s.InlineQos = cdr.ParameterList{}
		}
	}
	if flags&(FLAGS_DATA_DATAFLAG|FLAGS_DATA_KEYFLAG) != 0 {
		s.Payload = d.Rest()
		s.Key = flags&FLAGS_DATA_KEYFLAG != 0
	}
	return s, nil
}

// DataFrag carries fragments [FragmentStart, FragmentStart+FragmentsInSubmessage)
// of a sample of SampleSize bytes split into FragmentSize pieces.
type DataFrag struct {
	ReaderID              EntityID
	WriterID              EntityID
	WriterSN              SeqNum
	FragmentStart         uint32
	FragmentsInSubmessage uint16
	FragmentSize          uint16
	SampleSize            uint32
	InlineQos             cdr.ParameterList
	Payload               []byte
	Key                   bool
}

func (s *DataFrag) SubmessageID() uint8 { return SUBMSG_ID_DATA_FRAG }

func (s *DataFrag) flags() uint8 {
	var f uint8
	if s.InlineQos != nil {
		f |= FLAGS_DATAFRAG_INLINE_QOS
	}
	if s.Key {
		f |= FLAGS_DATAFRAG_KEYFLAG
	}
	return f
}

func (s *DataFrag) encodeBody(e *cdr.Encoder) error {
	e.WriteUint16(0)
	e.WriteUint16(28)
	writeEntityID(e, s.ReaderID)
	writeEntityID(e, s.WriterID)
	writeSeqNum(e, s.WriterSN)
	e.WriteUint32(s.FragmentStart)
	e.WriteUint16(s.FragmentsInSubmessage)
	e.WriteUint16(s.FragmentSize)
	e.WriteUint32(s.SampleSize)
	if s.InlineQos != nil {
		if err := s.InlineQos.Encode(e); err != nil {
			return errors.Wrap(err, "inline qos")
		}
	}
	e.WriteOctets(s.Payload)
	return nil
}

func decodeDataFrag(flags uint8, d *cdr.Decoder) (*DataFrag, error) {
	s := &DataFrag{}
	if err := d.Skip(2); err != nil {
		return nil, err
	}
	toQos, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	start := d.Pos()
	if s.ReaderID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterSN, err = readSeqNum(d); err != nil {
		return nil, err
	}
	if s.FragmentStart, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if s.FragmentsInSubmessage, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if s.FragmentSize, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if s.SampleSize, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	switch {
	case s.WriterSN < 1:
		return nil, errors.Wrapf(ErrMalformedData, "DATA_FRAG sequence number %d", s.WriterSN)
	case s.FragmentStart < 1, s.FragmentsInSubmessage < 1, s.FragmentSize == 0:
		return nil, errors.Wrap(ErrMalformedData, "DATA_FRAG fragment numbering")
	}
	if extra := int(toQos) - (d.Pos() - start); extra > 0 {
		if err := d.Skip(extra); err != nil {
			return nil, err
		}
	} else if extra < 0 {
		return nil, errors.Wrapf(ErrMalformedData, "octetsToInlineQos %d", toQos)
	}
	if flags&FLAGS_DATAFRAG_INLINE_QOS != 0 {
		if s.InlineQos, err = cdr.DecodeParameterList(d); err != nil {
			return nil, errors.Wrap(err, "inline qos")
		}
		if s.InlineQos == nil {
			s.InlineQos = cdr.ParameterList{}
		}
	}
	s.Key = flags&FLAGS_DATAFRAG_KEYFLAG != 0
	s.Payload = d.Rest()
	return s, nil
}

// Heartbeat announces the range of sequence numbers a writer still holds.
type Heartbeat struct {
	ReaderID   EntityID
	WriterID   EntityID
	FirstSN    SeqNum
	LastSN     SeqNum
	Count      int32
	Final      bool
	Liveliness bool
}

func (s *Heartbeat) SubmessageID() uint8 { return SUBMSG_ID_HEARTBEAT }

func (s *Heartbeat) flags() uint8 {
	var f uint8
	if s.Final {
		f |= FLAGS_HEARTBEAT_FINAL
	}
	if s.Liveliness {
		f |= FLAGS_HEARTBEAT_LIVELINESS
	}
	return f
}

func (s *Heartbeat) encodeBody(e *cdr.Encoder) error {
	writeEntityID(e, s.ReaderID)
	writeEntityID(e, s.WriterID)
	writeSeqNum(e, s.FirstSN)
	writeSeqNum(e, s.LastSN)
	e.WriteInt32(s.Count)
	return nil
}

func decodeHeartbeat(flags uint8, d *cdr.Decoder) (*Heartbeat, error) {
	s := &Heartbeat{
		Final:      flags&FLAGS_HEARTBEAT_FINAL != 0,
		Liveliness: flags&FLAGS_HEARTBEAT_LIVELINESS != 0,
	}
	var err error
	if s.ReaderID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.FirstSN, err = readSeqNum(d); err != nil {
		return nil, err
	}
	if s.LastSN, err = readSeqNum(d); err != nil {
		return nil, err
	}
	if s.Count, err = d.ReadInt32(); err != nil {
		return nil, err
	}
	if s.FirstSN < 1 || s.LastSN < s.FirstSN-1 {
		return nil, errors.Wrapf(ErrMalformedData, "HEARTBEAT range %d..%d", s.FirstSN, s.LastSN)
	}
	return s, nil
}

// AckNack acknowledges every sequence number below ReaderSNState.Base and
// requests the members of the set.
type AckNack struct {
	ReaderID      EntityID
	WriterID      EntityID
	ReaderSNState SeqNumSet
	Count         int32
	Final         bool
}

func (s *AckNack) SubmessageID() uint8 { return SUBMSG_ID_ACKNACK }

func (s *AckNack) flags() uint8 {
	if s.Final {
		return FLAGS_ACKNACK_FINAL
	}
	return 0
}

func (s *AckNack) encodeBody(e *cdr.Encoder) error {
	writeEntityID(e, s.ReaderID)
	writeEntityID(e, s.WriterID)
	writeSeqNumSet(e, s.ReaderSNState)
	e.WriteInt32(s.Count)
	return nil
}

func decodeAckNack(flags uint8, d *cdr.Decoder) (*AckNack, error) {
	s := &AckNack{Final: flags&FLAGS_ACKNACK_FINAL != 0}
	var err error
	if s.ReaderID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.ReaderSNState, err = readSeqNumSet(d); err != nil {
		return nil, err
	}
	if s.Count, err = d.ReadInt32(); err != nil {
		return nil, err
	}
	return s, nil
}

// Gap tells readers that [GapStart, GapList.Base) and the members of
// GapList will never be sent.
type Gap struct {
	ReaderID EntityID
	WriterID EntityID
	GapStart SeqNum
	GapList  SeqNumSet
}

func (s *Gap) SubmessageID() uint8 { return SUBMSG_ID_GAP }
func (s *Gap) flags() uint8        { return 0 }

func (s *Gap) encodeBody(e *cdr.Encoder) error {
	writeEntityID(e, s.ReaderID)
	writeEntityID(e, s.WriterID)
	writeSeqNum(e, s.GapStart)
	writeSeqNumSet(e, s.GapList)
	return nil
}

func decodeGap(flags uint8, d *cdr.Decoder) (*Gap, error) {
	s := &Gap{}
	var err error
	if s.ReaderID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.GapStart, err = readSeqNum(d); err != nil {
		return nil, err
	}
	if s.GapList, err = readSeqNumSet(d); err != nil {
		return nil, err
	}
	if s.GapStart < 1 || s.GapList.Base < s.GapStart {
		return nil, errors.Wrapf(ErrMalformedData, "GAP start %d list base %d", s.GapStart, s.GapList.Base)
	}
	return s, nil
}

// newGap builds a GAP covering exactly the given ascending sequence numbers.
// Runs at the front are expressed through GapStart; the rest go in the
// bitmap. Numbers that do not fit the 256 bit window are returned.
func newGap(readerID, writerID EntityID, sns []SeqNum) (*Gap, []SeqNum) {
	if len(sns) == 0 {
		return nil, nil
	}
	g := &Gap{ReaderID: readerID, WriterID: writerID, GapStart: sns[0]}
	i := 1
	for i < len(sns) && sns[i] == sns[i-1]+1 {
		i++
	}
	g.GapList = SeqNumSet{Base: sns[i-1] + 1}
	for ; i < len(sns); i++ {
		if !g.GapList.Add(sns[i]) {
			return g, sns[i:]
		}
	}
	return g, nil
}

// Covered returns the sequence numbers the GAP declares irrelevant, at
// most limit of them.
func (s *Gap) Covered(limit int) []SeqNum {
	var out []SeqNum
	for sn := s.GapStart; sn < s.GapList.Base && len(out) < limit; sn++ {
		out = append(out, sn)
	}
	for _, sn := range s.GapList.Members() {
		if len(out) >= limit {
			break
		}
		out = append(out, sn)
	}
	return out
}

// NackFrag requests missing fragments of one sample.
type NackFrag struct {
	ReaderID            EntityID
	WriterID            EntityID
	WriterSN            SeqNum
	FragmentNumberState FragmentNumberSet
	Count               int32
}

func (s *NackFrag) SubmessageID() uint8 { return SUBMSG_ID_NACK_FRAG }
func (s *NackFrag) flags() uint8        { return 0 }

func (s *NackFrag) encodeBody(e *cdr.Encoder) error {
	writeEntityID(e, s.ReaderID)
	writeEntityID(e, s.WriterID)
	writeSeqNum(e, s.WriterSN)
	writeFragmentNumberSet(e, s.FragmentNumberState)
	e.WriteInt32(s.Count)
	return nil
}

func decodeNackFrag(flags uint8, d *cdr.Decoder) (*NackFrag, error) {
	s := &NackFrag{}
	var err error
	if s.ReaderID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterSN, err = readSeqNum(d); err != nil {
		return nil, err
	}
	if s.FragmentNumberState, err = readFragmentNumberSet(d); err != nil {
		return nil, err
	}
	if s.Count, err = d.ReadInt32(); err != nil {
		return nil, err
	}
	return s, nil
}

// HeartbeatFrag announces the fragments available for one sample.
type HeartbeatFrag struct {
	ReaderID        EntityID
	WriterID        EntityID
	WriterSN        SeqNum
	LastFragmentNum uint32
	Count           int32
}

func (s *HeartbeatFrag) SubmessageID() uint8 { return SUBMSG_ID_HEARTBEAT_FRAG }
func (s *HeartbeatFrag) flags() uint8        { return 0 }

func (s *HeartbeatFrag) encodeBody(e *cdr.Encoder) error {
	writeEntityID(e, s.ReaderID)
	writeEntityID(e, s.WriterID)
	writeSeqNum(e, s.WriterSN)
	e.WriteUint32(s.LastFragmentNum)
	e.WriteInt32(s.Count)
	return nil
}

func decodeHeartbeatFrag(flags uint8, d *cdr.Decoder) (*HeartbeatFrag, error) {
	s := &HeartbeatFrag{}
	var err error
	if s.ReaderID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterID, err = readEntityID(d); err != nil {
		return nil, err
	}
	if s.WriterSN, err = readSeqNum(d); err != nil {
		return nil, err
	}
	if s.LastFragmentNum, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if s.Count, err = d.ReadInt32(); err != nil {
		return nil, err
	}
	return s, nil
}

// InfoTS sets the source timestamp for the following submessages.
type InfoTS struct {
	Timestamp  time.Time
	Invalidate bool
}

func (s *InfoTS) SubmessageID() uint8 { return SUBMSG_ID_INFO_TS }

func (s *InfoTS) flags() uint8 {
	if s.Invalidate {
		return FLAGS_INFOTS_INVALIDATE
	}
	return 0
}

func (s *InfoTS) encodeBody(e *cdr.Encoder) error {
	if !s.Invalidate {
		writeTime(e, s.Timestamp)
	}
	return nil
}

func decodeInfoTS(flags uint8, d *cdr.Decoder) (*InfoTS, error) {
	s := &InfoTS{Invalidate: flags&FLAGS_INFOTS_INVALIDATE != 0}
	if s.Invalidate {
		s.Timestamp = timeInvalid
		return s, nil
	}
	var err error
	s.Timestamp, err = readTime(d)
	return s, err
}

// InfoSrc overrides the source of the following submessages.
type InfoSrc struct {
	Version ProtoVersion
	Vendor  VendorID
	Prefix  GUIDPrefix
}

func (s *InfoSrc) SubmessageID() uint8 { return SUBMSG_ID_INFO_SRC }
func (s *InfoSrc) flags() uint8        { return 0 }

func (s *InfoSrc) encodeBody(e *cdr.Encoder) error {
	e.WriteUint32(0) // unused
	e.WriteOctets([]byte{s.Version.Major, s.Version.Minor, byte(s.Vendor >> 8), byte(s.Vendor)})
	e.WriteOctets(s.Prefix[:])
	return nil
}

func decodeInfoSrc(flags uint8, d *cdr.Decoder) (*InfoSrc, error) {
	if err := d.Skip(4); err != nil {
		return nil, err
	}
	b, err := d.ReadOctets(4 + GUIDPrefixLen)
	if err != nil {
		return nil, err
	}
	s := &InfoSrc{
		Version: ProtoVersion{b[0], b[1]},
		Vendor:  VendorID(uint16(b[2])<<8 | uint16(b[3])),
	}
	copy(s.Prefix[:], b[4:])
	return s, nil
}

// InfoDst restricts the following submessages to one participant.
type InfoDst struct {
	Prefix GUIDPrefix
}

func (s *InfoDst) SubmessageID() uint8 { return SUBMSG_ID_INFO_DST }
func (s *InfoDst) flags() uint8        { return 0 }

func (s *InfoDst) encodeBody(e *cdr.Encoder) error {
	e.WriteOctets(s.Prefix[:])
	return nil
}

func decodeInfoDst(flags uint8, d *cdr.Decoder) (*InfoDst, error) {
	b, err := d.ReadOctets(GUIDPrefixLen)
	if err != nil {
		return nil, err
	}
	s := &InfoDst{}
	copy(s.Prefix[:], b)
	return s, nil
}

type Pad struct{}

func (s *Pad) SubmessageID() uint8       { return SUBMSG_ID_PAD }
func (s *Pad) flags() uint8              { return 0 }
func (s *Pad) encodeBody(e *cdr.Encoder) error { return nil }

func submessageName(id uint8) string {
	switch id {
	case SUBMSG_ID_PAD:
		return "PAD"
	case SUBMSG_ID_ACKNACK:
		return "ACKNACK"
	case SUBMSG_ID_HEARTBEAT:
		return "HEARTBEAT"
	case SUBMSG_ID_GAP:
		return "GAP"
	case SUBMSG_ID_INFO_TS:
		return "INFO_TS"
	case SUBMSG_ID_INFO_SRC:
		return "INFO_SRC"
	case SUBMSG_ID_INFO_REPLY_IP4:
		return "INFO_REPLY_IP4"
	case SUBMSG_ID_INFO_DST:
		return "INFO_DST"
	case SUBMSG_ID_INFO_REPLY:
		return "INFO_REPLY"
	case SUBMSG_ID_NACK_FRAG:
		return "NACK_FRAG"
	case SUBMSG_ID_HEARTBEAT_FRAG:
		return "HEARTBEAT_FRAG"
	case SUBMSG_ID_DATA:
		return "DATA"
	case SUBMSG_ID_DATA_FRAG:
		return "DATA_FRAG"
	}
	return "UNKNOWN"
}
