package rtps

import (
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

func TestParamString(t *testing.T) {

	cases := []struct{ s string }{
		{"i am a test"},
		{"tes"}, // with the terminator, already aligned
		{""},    // empty
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		for i, c := range cases {
			w := newParamWriter(order)
			w.string(0x123, c.s) // pid: don't care
			e := cdr.NewEncoder(order)
			if err := w.pl.Encode(e); err != nil {
				t.Fatalf("[%d] encode list: %v", i, err)
			}
			pl, err := cdr.DecodeParameterList(cdr.NewDecoder(e.Bytes(), order))
			if err != nil || len(pl) != 1 {
				t.Fatalf("[%d] decode list: %v (%d params)", i, err, len(pl))
			}
			if len(pl[0].Value)&0x3 != 0 {
				t.Errorf("[%d] packed str len not 32-bit aligned", i)
			}
			strout, err := paramReader{order: order}.string(pl[0])
			if err != nil {
				t.Errorf("[%d] error unpacking str: %v", i, err)
			}
			if strout != c.s {
				t.Errorf("[%d] str mismatch. got %v, want %v", i, strout, c.s)
			}
		}
	}
}

func TestMessageRoundtrip(t *testing.T) {
	var qos cdr.ParameterList
	keyHashParam(&qos, [16]byte{1, 2, 3})
	statusInfoParam(&qos, STATUS_INFO_DISPOSED)

	cases := []struct {
		name string
		sm   Submessage
	}{
		{"data", &Data{ReaderID: ENTITYID_UNKNOWN, WriterID: 0x102, WriterSN: 7, Payload: []byte{0, 1, 0, 0, 'h', 'i', 0, 0}}},
		{"data inline qos", &Data{ReaderID: 0x107, WriterID: 0x102, WriterSN: newSeqNum(1, 2), InlineQos: qos}},
		{"heartbeat", &Heartbeat{ReaderID: 0x107, WriterID: 0x102, FirstSN: 1, LastSN: 9, Count: 3, Final: true}},
		{"acknack", &AckNack{ReaderID: 0x107, WriterID: 0x102, ReaderSNState: NewSeqNumSet(3, 3, 4, 40), Count: 2}},
		{"gap", &Gap{ReaderID: 0x107, WriterID: 0x102, GapStart: 2, GapList: NewSeqNumSet(5, 6)}},
		{"info_dst", &InfoDst{Prefix: GUIDPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}}},
		{"nackfrag", &NackFrag{ReaderID: 0x107, WriterID: 0x102, WriterSN: 4, FragmentNumberState: NewFragmentNumberSet(2, 2, 5), Count: 1}},
		{"heartbeatfrag", &HeartbeatFrag{ReaderID: 0x107, WriterID: 0x102, WriterSN: 4, LastFragmentNum: 6, Count: 1}},
	}

	prefix := newGUIDPrefix()
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		for i, c := range cases {
			m := &Message{Header: newHeader(prefix), Submessages: []Submessage{c.sm}}
			b, err := m.Encode(order)
			if err != nil {
				t.Fatalf("[%d] %s: encode: %v", i, c.name, err)
			}
			if !isOwnMessage(b, prefix) {
				t.Errorf("[%d] %s: own message not recognised", i, c.name)
			}
			out, err := DecodeMessage(b)
			if err != nil {
				t.Fatalf("[%d] %s: decode: %v", i, c.name, err)
			}
			if len(out.Skipped) != 0 || len(out.Submessages) != 1 {
				t.Fatalf("[%d] %s: got %d submessages, %v skipped", i, c.name, len(out.Submessages), out.Skipped)
			}
			if !reflect.DeepEqual(out.Submessages[0], c.sm) {
				t.Errorf("[%d] %s: mismatch.\n got %#v\nwant %#v", i, c.name, out.Submessages[0], c.sm)
			}
		}
	}
}

func TestDecodeSkipsBadSubmessages(t *testing.T) {
	hb := &Heartbeat{ReaderID: 0x107, WriterID: 0x102, FirstSN: 1, LastSN: 2, Count: 1}
	m := &Message{Header: newHeader(newGUIDPrefix()), Submessages: []Submessage{hb}}
	good, err := m.Encode(binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}

	// a vendor submessage ahead of the heartbeat is stepped over by length
	vendor := []byte{0x80, FLAGS_SM_ENDIAN, 4, 0, 0xde, 0xad, 0xbe, 0xef}
	b := append(append(append([]byte(nil), good[:headerLen]...), vendor...), good[headerLen:]...)
	out, err := DecodeMessage(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Submessages) != 1 || len(out.Skipped) != 0 {
		t.Errorf("vendor submessage: got %d submessages, %v skipped", len(out.Submessages), out.Skipped)
	}

	// a heartbeat with an inverted range is dropped on its own
	bad := &Heartbeat{ReaderID: 0x107, WriterID: 0x102, FirstSN: 9, LastSN: 2, Count: 1}
	m.Submessages = []Submessage{bad, hb}
	b, err = m.Encode(binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	out, err = DecodeMessage(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Submessages) != 1 || len(out.Skipped) != 1 {
		t.Errorf("bad heartbeat: got %d submessages, %d skipped", len(out.Submessages), len(out.Skipped))
	}
	if !errors.Is(out.Skipped[0], ErrMalformedData) {
		t.Errorf("skipped error %v is not malformed data", out.Skipped[0])
	}

	// a length running past the end stops decoding
	b = append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(b[headerLen+2:], 200)
	out, err = DecodeMessage(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Submessages) != 0 || len(out.Skipped) != 1 {
		t.Errorf("overlong: got %d submessages, %d skipped", len(out.Submessages), len(out.Skipped))
	}
}

func TestDecodeHeader(t *testing.T) {
	good := newHeader(newGUIDPrefix())
	b := good.appendTo(nil)

	cases := []struct {
		name string
		b    []byte
		ok   bool
	}{
		{"good", b, true},
		{"short", b[:10], false},
		{"magic", append([]byte("RTPX"), b[4:]...), false},
		{"old version", append(append([]byte(nil), b[:4]...), append([]byte{1, 0}, b[6:]...)...), false},
	}
	for i, c := range cases {
		_, err := DecodeMessage(c.b)
		if (err == nil) != c.ok {
			t.Errorf("[%d] %s: got err %v", i, c.name, err)
		}
		if err != nil && !errors.Is(err, ErrMalformedData) {
			t.Errorf("[%d] %s: error %v is not malformed data", i, c.name, err)
		}
	}
}

func TestNewGap(t *testing.T) {
	cases := []struct {
		sns      []SeqNum
		start    SeqNum
		base     SeqNum
		leftover int
	}{
		{[]SeqNum{3}, 3, 4, 0},
		{[]SeqNum{3, 4, 5}, 3, 6, 0},
		{[]SeqNum{3, 4, 9, 11}, 3, 5, 0},
		{[]SeqNum{1, 1000}, 1, 2, 1},
	}
	for i, c := range cases {
		g, rest := newGap(0x107, 0x102, c.sns)
		if g.GapStart != c.start || g.GapList.Base != c.base {
			t.Errorf("[%d] got start %d base %d, want %d %d", i, g.GapStart, g.GapList.Base, c.start, c.base)
		}
		if len(rest) != c.leftover {
			t.Errorf("[%d] leftover %v", i, rest)
		}
		covered := g.Covered(maxSetBits)
		if want := c.sns[:len(c.sns)-c.leftover]; !reflect.DeepEqual(covered, want) {
			t.Errorf("[%d] covers %v, want %v", i, covered, want)
		}
	}
}
