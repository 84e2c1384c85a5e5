package rtps

import (
	"time"

	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

const (
	// partially assembled samples older than this are dropped
	defaultFragmentAssemblyTimeout = 10 * time.Second
	minFragmentGCInterval          = 2 * time.Second
)

// fragBuffer reassembles one sample sent as DATA_FRAGs.
type fragBuffer struct {
	sampleSize uint32
	fragSize   uint16
	total      uint32
	data       []byte
	have       []bool
	count      uint32
	inlineQos  cdr.ParameterList
	key        bool
	created    time.Time
}

func newFragBuffer(df *DataFrag, maxSampleSize int, now time.Time) (*fragBuffer, error) {
	if maxSampleSize > 0 && int64(df.SampleSize) > int64(maxSampleSize) {
		return nil, errors.Wrapf(ErrMalformedData, "fragmented sample of %d bytes exceeds limit %d", df.SampleSize, maxSampleSize)
	}
	total := (df.SampleSize + uint32(df.FragmentSize) - 1) / uint32(df.FragmentSize)
	if total == 0 {
		return nil, errors.Wrap(ErrMalformedData, "empty fragmented sample")
	}
	return &fragBuffer{
		sampleSize: df.SampleSize,
		fragSize:   df.FragmentSize,
		total:      total,
		data:       make([]byte, df.SampleSize),
		have:       make([]bool, total),
		key:        df.Key,
		created:    now,
	}, nil
}

// add copies the fragments carried by df. It reports whether the sample is
// now complete.
func (fb *fragBuffer) add(df *DataFrag) (bool, error) {
	if df.SampleSize != fb.sampleSize || df.FragmentSize != fb.fragSize {
		return false, errors.Wrapf(ErrMalformedData, "fragment geometry changed (%d/%d, was %d/%d)",
			df.SampleSize, df.FragmentSize, fb.sampleSize, fb.fragSize)
	}
	payload := df.Payload
	for i := uint32(0); i < uint32(df.FragmentsInSubmessage); i++ {
		fn := df.FragmentStart + i
		if fn > fb.total {
			return false, errors.Wrapf(ErrMalformedData, "fragment %d of %d", fn, fb.total)
		}
		off := (fn - 1) * uint32(fb.fragSize)
		n := uint32(fb.fragSize)
		if off+n > fb.sampleSize {
			n = fb.sampleSize - off
		}
		if uint32(len(payload)) < n {
			return false, errors.Wrapf(ErrMalformedData, "fragment %d truncated", fn)
		}
		if !fb.have[fn-1] {
			copy(fb.data[off:off+n], payload[:n])
			fb.have[fn-1] = true
			fb.count++
		}
		payload = payload[n:]
		if fn == 1 && df.InlineQos != nil {
			// the submessage aliases the receive buffer
			fb.inlineQos = make(cdr.ParameterList, len(df.InlineQos))
			for j, p := range df.InlineQos {
				fb.inlineQos[j] = cdr.Parameter{ID: p.ID, Value: append([]byte(nil), p.Value...)}
			}
		}
	}
	return fb.complete(), nil
}

func (fb *fragBuffer) complete() bool {
	return fb.count == fb.total
}

// missing returns the fragment numbers not received yet, up to limit
// (inclusive), within one fragment number set window.
func (fb *fragBuffer) missing(limit uint32) FragmentNumberSet {
	if limit == 0 || limit > fb.total {
		limit = fb.total
	}
	var set FragmentNumberSet
	for fn := uint32(1); fn <= limit; fn++ {
		if fb.have[fn-1] {
			continue
		}
		if set.Base == 0 {
			set.Base = fn
		}
		if !set.Add(fn) {
			break
		}
	}
	return set
}
