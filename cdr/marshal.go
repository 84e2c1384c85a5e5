package cdr

import (
	"encoding/binary"
	"reflect"

	"github.com/pkg/errors"
)

// ErrUnsupportedType is returned when a value has no CDR mapping
// (maps, channels, funcs, platform-sized ints, interfaces).
var ErrUnsupportedType = errors.New("cdr: unsupported type")

// Marshaler is implemented by types that encode themselves.
type Marshaler interface {
	MarshalCDR(e *Encoder) error
}

// Unmarshaler is implemented by types that decode themselves.
type Unmarshaler interface {
	UnmarshalCDR(d *Decoder) error
}

var (
	marshalerType   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
)

// Marshal encodes v in the given byte order without an encapsulation header.
//
// Structs are encoded field by field in declaration order; unexported fields
// and fields tagged `cdr:"-"` are skipped. Slices are sequences, arrays are
// fixed-length and carry no count.
func Marshal(v interface{}, order binary.ByteOrder) ([]byte, error) {
	e := NewEncoder(order)
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// Unmarshal decodes b into the value pointed to by v. The Go type of v is the
// type descriptor. The wire cannot tell an empty sequence from a nil one;
// both decode as a nil slice.
func Unmarshal(b []byte, v interface{}, order binary.ByteOrder) error {
	return NewDecoder(b, order).Decode(v)
}

// MarshalEncapsulated encodes v preceded by a CDR_LE or CDR_BE
// encapsulation header. Alignment restarts after the header.
func MarshalEncapsulated(v interface{}, order binary.ByteOrder) ([]byte, error) {
	e := NewEncoder(order)
	WriteEncapsulation(e, schemeFor(order, false))
	e.SetOrigin()
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// UnmarshalEncapsulated decodes a payload that starts with an encapsulation
// header, honouring the byte order it announces.
func UnmarshalEncapsulated(b []byte, v interface{}) error {
	d := NewDecoder(b, binary.BigEndian)
	if _, err := ReadEncapsulation(d); err != nil {
		return err
	}
	return d.Decode(v)
}

func schemeFor(order binary.ByteOrder, paramList bool) uint16 {
	little := order == binary.LittleEndian
	switch {
	case paramList && little:
		return PL_CDR_LE
	case paramList:
		return PL_CDR_BE
	case little:
		return CDR_LE
	}
	return CDR_BE
}

// WriteEncapsulation writes the 4-byte encapsulation header.
func WriteEncapsulation(e *Encoder, scheme uint16) {
	var b [4]byte
	binary.BigEndian.PutUint16(b[:], scheme)
	e.WriteOctets(b[:])
}

// ReadEncapsulation consumes an encapsulation header, switches d to the
// announced byte order and resets the alignment origin.
func ReadEncapsulation(d *Decoder) (uint16, error) {
	b, err := d.ReadOctets(4)
	if err != nil {
		return 0, err
	}
	scheme := binary.BigEndian.Uint16(b)
	switch scheme {
	case CDR_LE, PL_CDR_LE:
		d.SetOrder(binary.LittleEndian)
	case CDR_BE, PL_CDR_BE:
		d.SetOrder(binary.BigEndian)
	default:
		return scheme, errors.Wrapf(ErrMalformedData, "unknown encapsulation 0x%04x", scheme)
	}
	d.SetOrigin()
	return scheme, nil
}

// Encode appends v to the encoder.
func (e *Encoder) Encode(v interface{}) error {
	return e.encodeValue(reflect.ValueOf(v))
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if !v.IsValid() {
		return errors.Wrap(ErrUnsupportedType, "invalid value")
	}
	if v.Type().Implements(marshalerType) {
		if v.Kind() == reflect.Ptr && v.IsNil() {
			return errors.Wrap(ErrUnsupportedType, "nil pointer")
		}
		return v.Interface().(Marshaler).MarshalCDR(e)
	}
	if v.CanAddr() && v.Addr().Type().Implements(marshalerType) {
		return v.Addr().Interface().(Marshaler).MarshalCDR(e)
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return errors.Wrap(ErrUnsupportedType, "nil pointer")
		}
		return e.encodeValue(v.Elem())
	case reflect.Bool:
		e.WriteBool(v.Bool())
	case reflect.Int8:
		e.WriteInt8(int8(v.Int()))
	case reflect.Uint8:
		e.WriteOctet(uint8(v.Uint()))
	case reflect.Int16:
		e.WriteInt16(int16(v.Int()))
	case reflect.Uint16:
		e.WriteUint16(uint16(v.Uint()))
	case reflect.Int32:
		e.WriteInt32(int32(v.Int()))
	case reflect.Uint32:
		e.WriteUint32(uint32(v.Uint()))
	case reflect.Int64:
		e.WriteInt64(v.Int())
	case reflect.Uint64:
		e.WriteUint64(v.Uint())
	case reflect.Float32:
		e.WriteFloat32(float32(v.Float()))
	case reflect.Float64:
		e.WriteFloat64(v.Float())
	case reflect.String:
		e.WriteString(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.WriteOctetSeq(v.Bytes())
			return nil
		}
		e.WriteUint32(uint32(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := e.encodeValue(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := e.encodeValue(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" || f.Tag.Get("cdr") == "-" {
				continue
			}
			if err := e.encodeValue(v.Field(i)); err != nil {
				return errors.Wrapf(err, "field %s", f.Name)
			}
		}
	default:
		return errors.Wrapf(ErrUnsupportedType, "%s", v.Type())
	}
	return nil
}

// Decode reads into the value pointed to by v.
func (d *Decoder) Decode(v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.Wrap(ErrUnsupportedType, "decode target must be a non-nil pointer")
	}
	return d.decodeValue(rv.Elem())
}

func (d *Decoder) decodeValue(v reflect.Value) error {
	if v.CanAddr() && v.Addr().Type().Implements(unmarshalerType) {
		return v.Addr().Interface().(Unmarshaler).UnmarshalCDR(d)
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return d.decodeValue(v.Elem())
	case reflect.Bool:
		b, err := d.ReadBool()
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int8:
		n, err := d.ReadInt8()
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
	case reflect.Uint8:
		n, err := d.ReadOctet()
		if err != nil {
			return err
		}
		v.SetUint(uint64(n))
	case reflect.Int16:
		n, err := d.ReadInt16()
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
	case reflect.Uint16:
		n, err := d.ReadUint16()
		if err != nil {
			return err
		}
		v.SetUint(uint64(n))
	case reflect.Int32:
		n, err := d.ReadInt32()
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
	case reflect.Uint32:
		n, err := d.ReadUint32()
		if err != nil {
			return err
		}
		v.SetUint(uint64(n))
	case reflect.Int64:
		n, err := d.ReadInt64()
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint64:
		n, err := d.ReadUint64()
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32:
		f, err := d.ReadFloat32()
		if err != nil {
			return err
		}
		v.SetFloat(float64(f))
	case reflect.Float64:
		f, err := d.ReadFloat64()
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.String:
		s, err := d.ReadString()
		if err != nil {
			return err
		}
		v.SetString(s)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := d.ReadOctetSeq()
			if err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		n, err := d.ReadUint32()
		if err != nil {
			return err
		}
		if n == 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		// every element with a wire representation takes at least one byte
		if n > MaxSequenceLength || (uint64(n) > uint64(d.Remaining()) && v.Type().Elem().Size() > 0) {
			return errors.Wrapf(ErrMalformedData, "sequence length %d exceeds buffer", n)
		}
		s := reflect.MakeSlice(v.Type(), int(n), int(n))
		for i := 0; i < int(n); i++ {
			if err := d.decodeValue(s.Index(i)); err != nil {
				return err
			}
		}
		v.Set(s)
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := d.decodeValue(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" || f.Tag.Get("cdr") == "-" {
				continue
			}
			if err := d.decodeValue(v.Field(i)); err != nil {
				return errors.Wrapf(err, "field %s", f.Name)
			}
		}
	default:
		return errors.Wrapf(ErrUnsupportedType, "%s", v.Type())
	}
	return nil
}
