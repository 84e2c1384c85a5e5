package cdr

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	PID_PAD      = 0x0000
	PID_SENTINEL = 0x0001
)

// ErrValueTooLong is returned (wrapped) when a value cannot be represented
// on the wire because its length field would overflow.
var ErrValueTooLong = errors.New("cdr: value too long")

// Parameter is one entry of a parameter list. Value holds the raw,
// padded value bytes in the byte order of the enclosing list.
type Parameter struct {
	ID    uint16
	Value []byte
}

// ParameterList is an ordered list of parameters. Unknown ids are kept so
// the consumer can decide to skip them.
type ParameterList []Parameter

// Find returns the first parameter with the given id.
func (pl ParameterList) Find(id uint16) (Parameter, bool) {
	for _, p := range pl {
		if p.ID == id {
			return p, true
		}
	}
	return Parameter{}, false
}

// FindAll returns every parameter with the given id, e.g. repeated locators.
func (pl ParameterList) FindAll(id uint16) []Parameter {
	var out []Parameter
	for _, p := range pl {
		if p.ID == id {
			out = append(out, p)
		}
	}
	return out
}

// Add appends a raw parameter value.
func (pl *ParameterList) Add(id uint16, value []byte) {
	*pl = append(*pl, Parameter{ID: id, Value: value})
}

// MaxParameterLen is the longest value a parameter can carry: the padded
// length must fit the 16 bit length field.
const MaxParameterLen = 0xfffc

// Encode writes the list followed by the sentinel. Each value is padded to
// a multiple of 4 and the parameter length covers the padding. A value
// longer than MaxParameterLen fails with ErrValueTooLong before anything
// is written.
func (pl ParameterList) Encode(e *Encoder) error {
	for _, p := range pl {
		if len(p.Value) > MaxParameterLen {
			return errors.Wrapf(ErrValueTooLong, "parameter 0x%04x is %d bytes", p.ID, len(p.Value))
		}
	}
	for _, p := range pl {
		e.Align(4)
		e.WriteUint16(p.ID)
		n := (len(p.Value) + 3) &^ 3
		e.WriteUint16(uint16(n))
		e.WriteOctets(p.Value)
		for i := len(p.Value); i < n; i++ {
			e.WriteOctet(0)
		}
	}
	e.Align(4)
	e.WriteUint16(PID_SENTINEL)
	e.WriteUint16(0)
	return nil
}

// DecodeParameterList reads parameters up to and including the sentinel.
// PAD entries are dropped. A list that ends without a sentinel is malformed.
func DecodeParameterList(d *Decoder) (ParameterList, error) {
	var pl ParameterList
	for {
		if err := d.Align(4); err != nil {
			return nil, err
		}
		id, err := d.ReadUint16()
		if err != nil {
			return nil, errors.Wrap(err, "parameter list without sentinel")
		}
		n, err := d.ReadUint16()
		if err != nil {
			return nil, err
		}
		if id == PID_SENTINEL {
			return pl, nil
		}
		v, err := d.ReadOctets(int(n))
		if err != nil {
			return nil, errors.Wrapf(err, "parameter 0x%04x", id)
		}
		if id == PID_PAD {
			continue
		}
		pl = append(pl, Parameter{ID: id, Value: v})
	}
}

// Decoder returns a decoder over the parameter value. Alignment inside the
// value restarts at zero, which matches the list alignment since every
// value starts on a 4-byte boundary.
func (p Parameter) Decoder(order binary.ByteOrder) *Decoder {
	return NewDecoder(p.Value, order)
}

// AddFunc appends a parameter whose value is produced by fn.
func (pl *ParameterList) AddFunc(id uint16, order binary.ByteOrder, fn func(e *Encoder)) {
	e := NewEncoder(order)
	fn(e)
	pl.Add(id, e.Bytes())
}
