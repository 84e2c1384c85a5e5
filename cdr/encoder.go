// Package cdr implements the OMG Common Data Representation used by RTPS.
//
// Every primitive is aligned to its own size relative to an origin, which is
// the start of the enclosing encapsulation (or submessage). Strings are
// written as a 4-byte length that counts the terminating NUL, followed by the
// bytes and the NUL. Sequences carry a 4-byte element count.
package cdr

import (
	"encoding/binary"
	"math"
)

// Encapsulation scheme identifiers, always written big endian.
const (
	CDR_BE    = 0x0000
	CDR_LE    = 0x0001
	PL_CDR_BE = 0x0002
	PL_CDR_LE = 0x0003
)

// Encoder appends CDR encoded values to an internal buffer.
type Encoder struct {
	buf    []byte
	order  binary.ByteOrder
	origin int
}

// NewEncoder creates an encoder writing in the given byte order.
func NewEncoder(order binary.ByteOrder) *Encoder {
	return &Encoder{
		buf:   make([]byte, 0, 256),
		order: order,
	}
}

// Order returns the byte order used by the encoder.
func (e *Encoder) Order() binary.ByteOrder {
	return e.order
}

// Bytes returns the encoded bytes. The slice is valid until the next write.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// SetOrigin makes the current position the alignment origin.
func (e *Encoder) SetOrigin() {
	e.origin = len(e.buf)
}

// Align writes zero padding until the position relative to the origin is a
// multiple of n.
func (e *Encoder) Align(n int) {
	if n <= 1 {
		return
	}
	pad := (n - (len(e.buf)-e.origin)%n) % n
	for i := 0; i < pad; i++ {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) WriteOctet(b byte) {
	e.buf = append(e.buf, b)
}

// WriteOctets appends raw bytes without alignment or length prefix.
func (e *Encoder) WriteOctets(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) WriteUint16(v uint16) {
	e.Align(2)
	var b [2]byte
	e.order.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) WriteUint32(v uint32) {
	e.Align(4)
	var b [4]byte
	e.order.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) WriteUint64(v uint64) {
	e.Align(8)
	var b [8]byte
	e.order.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) WriteInt8(v int8)   { e.WriteOctet(byte(v)) }
func (e *Encoder) WriteInt16(v int16) { e.WriteUint16(uint16(v)) }
func (e *Encoder) WriteInt32(v int32) { e.WriteUint32(uint32(v)) }
func (e *Encoder) WriteInt64(v int64) { e.WriteUint64(uint64(v)) }

func (e *Encoder) WriteFloat32(v float32) { e.WriteUint32(math.Float32bits(v)) }
func (e *Encoder) WriteFloat64(v float64) { e.WriteUint64(math.Float64bits(v)) }

// WriteString writes a length-prefixed, NUL terminated string.
func (e *Encoder) WriteString(s string) {
	e.WriteUint32(uint32(len(s) + 1))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// WriteOctetSeq writes a length-prefixed octet sequence.
func (e *Encoder) WriteOctetSeq(b []byte) {
	e.WriteUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Reserve16 reserves two bytes and returns their offset, to be filled in
// later with Patch16 (e.g. a length that is only known after encoding).
func (e *Encoder) Reserve16() int {
	e.Align(2)
	off := len(e.buf)
	e.buf = append(e.buf, 0, 0)
	return off
}

// Patch16 overwrites the two bytes at off.
func (e *Encoder) Patch16(off int, v uint16) {
	e.order.PutUint16(e.buf[off:], v)
}
