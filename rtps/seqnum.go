package rtps

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/liamstask/go-rtps/v2/cdr"
)

const (
	MaxSeqNum = 0x7fffffffffffffff

	// maxSetBits bounds sequence number and fragment number sets.
	maxSetBits = 256
)

// SeqNum is a 64-bit signed sequence number. Writers start at 1.
type SeqNum int64

var SeqNumUnknown = newSeqNum(-1, 0)

func newSeqNum(hi int32, lo uint32) SeqNum {
	return SeqNum(int64(hi)<<32 | int64(lo))
}

func (sn SeqNum) high() int32 {
	return int32(int64(sn) >> 32)
}

func (sn SeqNum) low() uint32 {
	return uint32(sn)
}

func writeSeqNum(e *cdr.Encoder, sn SeqNum) {
	e.WriteInt32(sn.high())
	e.WriteUint32(sn.low())
}

func readSeqNum(d *cdr.Decoder) (SeqNum, error) {
	hi, err := d.ReadInt32()
	if err != nil {
		return 0, err
	}
	lo, err := d.ReadUint32()
	if err != nil {
		return 0, err
	}
	return newSeqNum(hi, lo), nil
}

// SeqNumSet is a base sequence number and a bitmap of up to 256 following
// numbers. Bit 0 of word 0 (the most significant bit) is Base.
type SeqNumSet struct {
	Base    SeqNum
	NumBits uint32
	Bitmap  [maxSetBits / 32]uint32
}

// NewSeqNumSet builds a set starting at base holding the given members.
// Members outside [base, base+255] are dropped.
func NewSeqNumSet(base SeqNum, members ...SeqNum) SeqNumSet {
	s := SeqNumSet{Base: base}
	for _, sn := range members {
		s.Add(sn)
	}
	return s
}

// Add inserts sn and grows NumBits to cover it. It reports false when sn
// is outside the representable window.
func (s *SeqNumSet) Add(sn SeqNum) bool {
	if sn < s.Base || sn-s.Base >= maxSetBits {
		return false
	}
	off := uint32(sn - s.Base)
	s.Bitmap[off/32] |= 1 << (31 - off%32)
	if off+1 > s.NumBits {
		s.NumBits = off + 1
	}
	return true
}

func (s SeqNumSet) Contains(sn SeqNum) bool {
	if sn < s.Base || sn-s.Base >= SeqNum(s.NumBits) {
		return false
	}
	off := uint32(sn - s.Base)
	return s.Bitmap[off/32]&(1<<(31-off%32)) != 0
}

// Members returns the sequence numbers in the set in ascending order.
func (s SeqNumSet) Members() []SeqNum {
	var out []SeqNum
	for off := uint32(0); off < s.NumBits; off++ {
		if s.Bitmap[off/32]&(1<<(31-off%32)) != 0 {
			out = append(out, s.Base+SeqNum(off))
		}
	}
	return out
}

func (s SeqNumSet) Empty() bool {
	return len(s.Members()) == 0
}

// Valid reports whether the set obeys the wire constraints.
func (s SeqNumSet) Valid() bool {
	return s.Base >= 1 && s.NumBits <= maxSetBits
}

func (s SeqNumSet) words() int {
	return int((s.NumBits + 31) / 32)
}

func writeSeqNumSet(e *cdr.Encoder, s SeqNumSet) {
	writeSeqNum(e, s.Base)
	e.WriteUint32(s.NumBits)
	for i := 0; i < s.words(); i++ {
		e.WriteUint32(s.Bitmap[i])
	}
}

func readSeqNumSet(d *cdr.Decoder) (SeqNumSet, error) {
	var s SeqNumSet
	var err error
	if s.Base, err = readSeqNum(d); err != nil {
		return s, err
	}
	if s.NumBits, err = d.ReadUint32(); err != nil {
		return s, err
	}
	if !s.Valid() {
		return s, errors.Wrapf(ErrMalformedData, "sequence number set base %d bits %d", s.Base, s.NumBits)
	}
	for i := 0; i < s.words(); i++ {
		if s.Bitmap[i], err = d.ReadUint32(); err != nil {
			return s, err
		}
	}
	// bits past NumBits carry no meaning
	if rem := s.NumBits % 32; rem != 0 {
		s.Bitmap[s.words()-1] &= ^uint32(0) << (32 - rem)
	}
	return s, nil
}

// FragmentNumberSet is the fragment counterpart of SeqNumSet. Fragment
// numbers start at 1.
type FragmentNumberSet struct {
	Base    uint32
	NumBits uint32
	Bitmap  [maxSetBits / 32]uint32
}

func NewFragmentNumberSet(base uint32, members ...uint32) FragmentNumberSet {
	s := FragmentNumberSet{Base: base}
	for _, fn := range members {
		s.Add(fn)
	}
	return s
}

func (s *FragmentNumberSet) Add(fn uint32) bool {
	if fn < s.Base || fn-s.Base >= maxSetBits {
		return false
	}
	off := fn - s.Base
	s.Bitmap[off/32] |= 1 << (31 - off%32)
	if off+1 > s.NumBits {
		s.NumBits = off + 1
	}
	return true
}

func (s FragmentNumberSet) Members() []uint32 {
	var out []uint32
	for off := uint32(0); off < s.NumBits; off++ {
		if s.Bitmap[off/32]&(1<<(31-off%32)) != 0 {
			out = append(out, s.Base+off)
		}
	}
	return out
}

func (s FragmentNumberSet) words() int {
	return int((s.NumBits + 31) / 32)
}

func writeFragmentNumberSet(e *cdr.Encoder, s FragmentNumberSet) {
	e.WriteUint32(s.Base)
	e.WriteUint32(s.NumBits)
	for i := 0; i < s.words(); i++ {
		e.WriteUint32(s.Bitmap[i])
	}
}

func readFragmentNumberSet(d *cdr.Decoder) (FragmentNumberSet, error) {
	var s FragmentNumberSet
	var err error
	if s.Base, err = d.ReadUint32(); err != nil {
		return s, err
	}
	if s.NumBits, err = d.ReadUint32(); err != nil {
		return s, err
	}
	if s.Base < 1 || s.NumBits > maxSetBits {
		return s, errors.Wrapf(ErrMalformedData, "fragment number set base %d bits %d", s.Base, s.NumBits)
	}
	for i := 0; i < s.words(); i++ {
		if s.Bitmap[i], err = d.ReadUint32(); err != nil {
			return s, err
		}
	}
	if rem := s.NumBits % 32; rem != 0 {
		s.Bitmap[s.words()-1] &= ^uint32(0) << (32 - rem)
	}
	return s, nil
}

// seqSet is a sorted set of sequence numbers, used for retransmit queues.
type seqSet []SeqNum

func (s *seqSet) add(sn SeqNum) bool {
	i, found := slices.BinarySearch(*s, sn)
	if found {
		return false
	}
	*s = slices.Insert(*s, i, sn)
	return true
}

func (s seqSet) has(sn SeqNum) bool {
	_, found := slices.BinarySearch(s, sn)
	return found
}

func (s *seqSet) remove(sn SeqNum) {
	if i, found := slices.BinarySearch(*s, sn); found {
		*s = slices.Delete(*s, i, i+1)
	}
}

// removeBelow drops every member lower than sn.
func (s *seqSet) removeBelow(sn SeqNum) {
	i, _ := slices.BinarySearch(*s, sn)
	*s = slices.Delete(*s, 0, i)
}
