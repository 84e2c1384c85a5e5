package cdr

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrMalformedData is returned (wrapped) for any input that cannot be
// decoded: truncation, lengths that run past the buffer, or invalid values.
var ErrMalformedData = errors.New("cdr: malformed data")

// MaxSequenceLength bounds element counts for sequences whose elements
// occupy no wire bytes, so a hostile length cannot force a huge allocation.
const MaxSequenceLength = 1 << 20

// Decoder reads CDR encoded values from a byte slice. It never reads past
// the end of the slice.
type Decoder struct {
	buf    []byte
	pos    int
	origin int
	order  binary.ByteOrder
}

// NewDecoder creates a decoder over buf. The alignment origin is the start
// of buf.
func NewDecoder(buf []byte, order binary.ByteOrder) *Decoder {
	return &Decoder{buf: buf, order: order}
}

func (d *Decoder) Order() binary.ByteOrder {
	return d.order
}

// SetOrder switches the byte order, e.g. after reading an encapsulation header.
func (d *Decoder) SetOrder(order binary.ByteOrder) {
	d.order = order
}

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) Pos() int {
	return d.pos
}

// SetOrigin makes the current position the alignment origin.
func (d *Decoder) SetOrigin() {
	d.origin = d.pos
}

// Rest returns the unread bytes without consuming them.
func (d *Decoder) Rest() []byte {
	return d.buf[d.pos:]
}

func (d *Decoder) need(n int, what string) error {
	if n < 0 || d.pos+n > len(d.buf) {
		return errors.Wrapf(ErrMalformedData, "%s: need %d bytes, have %d", what, n, d.Remaining())
	}
	return nil
}

// Align skips padding until the position relative to the origin is a
// multiple of n.
func (d *Decoder) Align(n int) error {
	if n <= 1 {
		return nil
	}
	pad := (n - (d.pos-d.origin)%n) % n
	if err := d.need(pad, "padding"); err != nil {
		return err
	}
	d.pos += pad
	return nil
}

// Skip advances the read position by n bytes.
func (d *Decoder) Skip(n int) error {
	if err := d.need(n, "skip"); err != nil {
		return err
	}
	d.pos += n
	return nil
}

func (d *Decoder) ReadOctet() (byte, error) {
	if err := d.need(1, "octet"); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadOctets returns the next n bytes. The slice aliases the input buffer.
func (d *Decoder) ReadOctets(n int) ([]byte, error) {
	if err := d.need(n, "octets"); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadOctet()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.Wrapf(ErrMalformedData, "invalid boolean 0x%02x", b)
}

func (d *Decoder) ReadUint16() (uint16, error) {
	if err := d.Align(2); err != nil {
		return 0, err
	}
	if err := d.need(2, "uint16"); err != nil {
		return 0, err
	}
	v := d.order.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	if err := d.Align(4); err != nil {
		return 0, err
	}
	if err := d.need(4, "uint32"); err != nil {
		return 0, err
	}
	v := d.order.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) ReadUint64() (uint64, error) {
	if err := d.Align(8); err != nil {
		return 0, err
	}
	if err := d.need(8, "uint64"); err != nil {
		return 0, err
	}
	v := d.order.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) ReadInt8() (int8, error) {
	b, err := d.ReadOctet()
	return int8(b), err
}

func (d *Decoder) ReadInt16() (int16, error) {
	v, err := d.ReadUint16()
	return int16(v), err
}

func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

func (d *Decoder) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

func (d *Decoder) ReadFloat32() (float32, error) {
	v, err := d.ReadUint32()
	return math.Float32frombits(v), err
}

func (d *Decoder) ReadFloat64() (float64, error) {
	v, err := d.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadString reads a length-prefixed string. The length includes the
// terminating NUL, which must be present.
func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		// some vendors send an empty string without the NUL
		return "", nil
	}
	if uint64(n) > uint64(d.Remaining()) {
		return "", errors.Wrapf(ErrMalformedData, "string length %d exceeds buffer (%d)", n, d.Remaining())
	}
	b := d.buf[d.pos : d.pos+int(n)]
	if b[n-1] != 0 {
		return "", errors.Wrap(ErrMalformedData, "string not NUL terminated")
	}
	d.pos += int(n)
	return string(b[:n-1]), nil
}

// ReadOctetSeq reads a length-prefixed octet sequence. The result is a copy.
func (d *Decoder) ReadOctetSeq() ([]byte, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(d.Remaining()) {
		return nil, errors.Wrapf(ErrMalformedData, "sequence length %d exceeds buffer (%d)", n, d.Remaining())
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:])
	d.pos += int(n)
	return b, nil
}
