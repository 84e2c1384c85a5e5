package rtps

import (
	"math"
	"time"

	"github.com/liamstask/go-rtps/v2/cdr"
)

// From the RTPS standard:
// The representation of the time is the one defined by the IETF Network Time Protocol (NTP) Standard (IETF RFC 1305).
// In this representation, time is expressed in seconds and fraction of seconds using the formula:
//    time = seconds + (fraction / 2^(32))
// The time origin is represented by the reserved value TIME_ZERO and corresponds to the Unix prime epoch 0h, 1 January 1970.

const (
	nanosPerSec = 1e9
)

// DurationInfinite is the largest representable duration. It is encoded
// as DURATION_INFINITE on the wire.
const DurationInfinite = time.Duration(math.MaxInt64)

// timeInvalid is what an INFO_TS with the invalidate flag decodes to.
var timeInvalid = time.Unix(-1, 0xffffffff)

const (
	durationInfiniteSec  = 0x7fffffff
	durationInfiniteFrac = 0xffffffff
)

func fracFromNanos(ns int64) uint32 {
	return uint32((nanosPerSec - 1 + (ns << 32)) / nanosPerSec)
}

func nanosFromFrac(frac uint32) int64 {
	return (int64(frac) * nanosPerSec) >> 32
}

func writeTime(e *cdr.Encoder, t time.Time) {
	e.WriteInt32(int32(t.Unix()))
	e.WriteUint32(fracFromNanos(int64(t.Nanosecond())))
}

func readTime(d *cdr.Decoder) (time.Time, error) {
	sec, err := d.ReadInt32()
	if err != nil {
		return timeInvalid, err
	}
	frac, err := d.ReadUint32()
	if err != nil {
		return timeInvalid, err
	}
	return time.Unix(int64(sec), nanosFromFrac(frac)).UTC(), nil
}

func writeDuration(e *cdr.Encoder, d time.Duration) {
	if d == DurationInfinite || d/time.Second >= durationInfiniteSec {
		e.WriteInt32(durationInfiniteSec)
		e.WriteUint32(durationInfiniteFrac)
		return
	}
	nsec := d.Nanoseconds()
	e.WriteInt32(int32(nsec / nanosPerSec))
	e.WriteUint32(fracFromNanos(nsec % nanosPerSec))
}

func readDuration(d *cdr.Decoder) (time.Duration, error) {
	sec, err := d.ReadInt32()
	if err != nil {
		return 0, err
	}
	frac, err := d.ReadUint32()
	if err != nil {
		return 0, err
	}
	if sec == durationInfiniteSec && frac == durationInfiniteFrac {
		return DurationInfinite, nil
	}
	return time.Duration(int64(sec)*nanosPerSec + nanosFromFrac(frac)), nil
}
