package rtps

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/liamstask/go-rtps/v2/cdr"
)

func TestTimeRoundtrip(t *testing.T) {

	cases := []struct{ t time.Time }{
		{time.Unix(1451457191, 226962928)}, // arbitrary point in time
		{time.Unix(0, 0)},
	}

	for i, c := range cases {
		for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			e := cdr.NewEncoder(order)
			writeTime(e, c.t)
			if e.Len() != 8 {
				t.Errorf("[%d] encoded time is %d bytes", i, e.Len())
			}

			tout, err := readTime(cdr.NewDecoder(e.Bytes(), order))
			if err != nil {
				t.Errorf("[%d] readTime: %v", i, err)
			}
			// the 32-bit fraction resolves to well under a nanosecond
			if d := tout.Sub(c.t); d > time.Nanosecond || d < -time.Nanosecond {
				t.Errorf("[%d] time roundtrip mismatch. got %v, want %v", i, tout, c.t)
			}
		}
	}
}

func TestDurationRoundtrip(t *testing.T) {
	cases := []struct{ d time.Duration }{
		{time.Duration(1451457191)}, // arbitrary duration
		{100 * time.Second},
		{0},
		{DurationInfinite},
	}

	for i, c := range cases {
		e := cdr.NewEncoder(binary.LittleEndian)
		writeDuration(e, c.d)

		dout, err := readDuration(cdr.NewDecoder(e.Bytes(), binary.LittleEndian))
		if err != nil {
			t.Errorf("[%d] readDuration: %v", i, err)
		}
		if d := dout - c.d; d > time.Nanosecond || d < -time.Nanosecond {
			t.Errorf("[%d] duration roundtrip mismatch. got %v, want %v", i, dout, c.d)
		}
	}
}

func TestDurationInfiniteWire(t *testing.T) {
	e := cdr.NewEncoder(binary.BigEndian)
	writeDuration(e, DurationInfinite)
	want := []byte{0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if string(e.Bytes()) != string(want) {
		t.Errorf("got % x, want % x", e.Bytes(), want)
	}
}
