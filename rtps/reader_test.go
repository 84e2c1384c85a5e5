package rtps

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/liamstask/go-rtps/v2/cdr"
)

func newTestReader(qos QosPolicySet, params endpointParams) (*Reader, GUID, *Outbox) {
	r := newReader(testGUID(2, 0x107), "chatter", "String", qos, params, nil, nil)
	writer := testGUID(1, 0x102)
	out := &Outbox{}
	r.MatchWriter(testT0, &WriterProxy{RemoteGUID: writer, Unicast: []Locator{testLocator}}, out)
	out.reset()
	return r, writer, out
}

func testData(sn SeqNum, payload string) *Data {
	return &Data{ReaderID: 0x107, WriterID: 0x102, WriterSN: sn, Payload: []byte(payload)}
}

func TestReaderPreemptiveAckNack(t *testing.T) {
	r := newReader(testGUID(2, 0x107), "chatter", "String", reliableQos(KeepAll, 0), testParams(), nil, nil)
	out := &Outbox{}
	r.MatchWriter(testT0, &WriterProxy{RemoteGUID: testGUID(1, 0x102), Unicast: []Locator{testLocator}}, out)
	acks := submessagesOf[*AckNack](out)
	if len(acks) != 1 {
		t.Fatalf("expected one acknack, got %d", len(acks))
	}
	if acks[0].Final || acks[0].ReaderSNState.Base != 1 || !acks[0].ReaderSNState.Empty() {
		t.Errorf("unexpected greeting %+v", acks[0])
	}
}

func TestReaderIgnoresDuplicates(t *testing.T) {
	r, writer, _ := newTestReader(reliableQos(KeepAll, 0), testParams())

	cases := []struct {
		sn   SeqNum
		want bool
	}{
		{1, true},
		{1, false},
		{3, true},
		{3, false},
		{2, true},
		{2, false},
	}
	for i, tc := range cases {
		if got := r.HandleData(testT0, writer, testData(tc.sn, "x"), testT0); got != tc.want {
			t.Errorf("[%d] sn %d: got %v, want %v", i, tc.sn, got, tc.want)
		}
	}
	if got, want := sequenceNumbers(r.Take()), []SeqNum{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("took %v, want %v", got, want)
	}
}

func TestReaderDeliversInOrder(t *testing.T) {
	r, writer, _ := newTestReader(reliableQos(KeepAll, 0), testParams())

	r.HandleData(testT0, writer, testData(2, "b"), testT0)
	if got := r.Take(); len(got) != 0 {
		t.Fatalf("delivered %v ahead of a hole", sequenceNumbers(got))
	}
	if got := r.Read(); len(got) != 0 {
		t.Fatalf("read %v ahead of a hole", sequenceNumbers(got))
	}
	r.HandleData(testT0, writer, testData(1, "a"), testT0)

	if got, want := sequenceNumbers(r.Read()), []SeqNum{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("read %v, want %v", got, want)
	}
	if got, want := sequenceNumbers(r.Take()), []SeqNum{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("took %v, want %v", got, want)
	}
	if got := r.Take(); len(got) != 0 {
		t.Errorf("second take returned %v", sequenceNumbers(got))
	}
}

func TestBestEffortReaderDropsOlder(t *testing.T) {
	r, writer, out := newTestReader(DefaultReaderQos(), testParams())
	if !out.empty() {
		t.Fatal("best effort reader greeted the writer")
	}

	cases := []struct {
		sn   SeqNum
		want bool
	}{
		{3, true},
		{2, false},
		{3, false},
		{5, true},
	}
	for i, tc := range cases {
		if got := r.HandleData(testT0, writer, testData(tc.sn, "x"), testT0); got != tc.want {
			t.Errorf("[%d] sn %d: got %v, want %v", i, tc.sn, got, tc.want)
		}
	}
	r.HandleHeartbeat(testT0, writer, &Heartbeat{FirstSN: 1, LastSN: 9, Count: 1}, out)
	if !out.empty() {
		t.Error("best effort reader answered a heartbeat")
	}
	if got, want := sequenceNumbers(r.Take()), []SeqNum{3, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("took %v, want %v", got, want)
	}
}

func TestReaderHeartbeatCount(t *testing.T) {
	r, writer, out := newTestReader(reliableQos(KeepAll, 0), testParams())

	hb := &Heartbeat{ReaderID: 0x107, WriterID: 0x102, FirstSN: 1, LastSN: 2, Count: 5}
	r.HandleHeartbeat(testT0, writer, hb, out)
	acks := submessagesOf[*AckNack](out)
	if len(acks) != 1 {
		t.Fatalf("expected one acknack, got %d", len(acks))
	}
	if got, want := acks[0].ReaderSNState.Members(), []SeqNum{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("requested %v, want %v", got, want)
	}
	out.reset()

	r.HandleHeartbeat(testT0, writer, hb, out)
	r.HandleHeartbeat(testT0, writer, &Heartbeat{FirstSN: 1, LastSN: 2, Count: 4}, out)
	if !out.empty() {
		t.Error("stale heartbeat answered")
	}
}

func TestReaderFinalHeartbeat(t *testing.T) {
	r, writer, out := newTestReader(reliableQos(KeepAll, 0), testParams())
	r.HandleData(testT0, writer, testData(1, "a"), testT0)

	r.HandleHeartbeat(testT0, writer, &Heartbeat{FirstSN: 1, LastSN: 1, Count: 1, Final: true}, out)
	if !out.empty() {
		t.Error("final heartbeat with nothing missing answered")
	}
	r.HandleHeartbeat(testT0, writer, &Heartbeat{FirstSN: 1, LastSN: 1, Count: 2}, out)
	acks := submessagesOf[*AckNack](out)
	if len(acks) != 1 || acks[0].ReaderSNState.Base != 2 || !acks[0].ReaderSNState.Empty() {
		t.Errorf("expected a positive acknowledgement, got %+v", acks)
	}
}

func TestReaderResponseDelay(t *testing.T) {
	params := testParams()
	params.heartbeatResponseDelay = 200 * time.Millisecond
	r, writer, out := newTestReader(reliableQos(KeepAll, 0), params)

	r.HandleHeartbeat(testT0, writer, &Heartbeat{FirstSN: 1, LastSN: 1, Count: 1}, out)
	r.HandleHeartbeat(testT0, writer, &Heartbeat{FirstSN: 1, LastSN: 3, Count: 2}, out)
	if !out.empty() {
		t.Fatal("acknack sent before the response delay")
	}
	r.Tick(testT0.Add(50*time.Millisecond), out)
	if !out.empty() {
		t.Fatal("acknack sent before half the response delay")
	}
	r.Tick(testT0.Add(200*time.Millisecond), out)
	acks := submessagesOf[*AckNack](out)
	if len(acks) != 1 {
		t.Fatalf("expected one acknack for the burst, got %d", len(acks))
	}
	if got, want := acks[0].ReaderSNState.Members(), []SeqNum{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("requested %v, want %v", got, want)
	}
}

func TestReaderHeartbeatSkipsUnavailable(t *testing.T) {
	r, writer, out := newTestReader(reliableQos(KeepAll, 0), testParams())
	r.HandleData(testT0, writer, testData(7, "g"), testT0)

	r.HandleHeartbeat(testT0, writer, &Heartbeat{FirstSN: 5, LastSN: 8, Count: 1}, out)
	wp, _ := r.WriterProxy(writer)
	if wp.Contiguous() != 4 {
		t.Errorf("contiguous %d, want 4", wp.Contiguous())
	}
	acks := submessagesOf[*AckNack](out)
	if len(acks) != 1 {
		t.Fatalf("expected one acknack, got %d", len(acks))
	}
	if got, want := acks[0].ReaderSNState.Members(), []SeqNum{5, 6, 8}; !reflect.DeepEqual(got, want) {
		t.Errorf("requested %v, want %v", got, want)
	}
}

func TestReaderGapTombstones(t *testing.T) {
	r, writer, _ := newTestReader(reliableQos(KeepAll, 0), testParams())

	g := &Gap{ReaderID: 0x107, WriterID: 0x102, GapStart: 1, GapList: NewSeqNumSet(3, 4)}
	if n := r.HandleGap(testT0, writer, g); n != 3 {
		t.Fatalf("gap produced %d tombstones, want 3", n)
	}
	wp, _ := r.WriterProxy(writer)
	if wp.Contiguous() != 2 {
		t.Errorf("contiguous %d, want 2", wp.Contiguous())
	}
	if got := r.Take(); len(got) != 0 {
		t.Errorf("tombstones handed out: %v", sequenceNumbers(got))
	}

	if !r.HandleData(testT0, writer, testData(3, "c"), testT0) {
		t.Fatal("sn 3 rejected")
	}
	if r.HandleData(testT0, writer, testData(4, "d"), testT0) {
		t.Error("sn 4 accepted after the writer declared it irrelevant")
	}
	if got, want := sequenceNumbers(r.Take()), []SeqNum{3}; !reflect.DeepEqual(got, want) {
		t.Errorf("took %v, want %v", got, want)
	}
	if n := r.HandleGap(testT0, writer, g); n != 0 {
		t.Errorf("repeated gap produced %d tombstones", n)
	}
}

func TestReaderFragmentReassembly(t *testing.T) {
	r, writer, _ := newTestReader(reliableQos(KeepAll, 0), testParams())

	sample := bytes.Repeat([]byte("0123456789"), 250)
	frag := func(fn uint32) *DataFrag {
		off := int(fn-1) * 1024
		end := off + 1024
		if end > len(sample) {
			end = len(sample)
		}
		return &DataFrag{
			ReaderID:              0x107,
			WriterID:              0x102,
			WriterSN:              1,
			FragmentStart:         fn,
			FragmentsInSubmessage: 1,
			FragmentSize:          1024,
			SampleSize:            uint32(len(sample)),
			Payload:               sample[off:end],
		}
	}

	for _, fn := range []uint32{3, 1, 1} {
		ok, err := r.HandleDataFrag(testT0, writer, frag(fn), testT0)
		if ok || !errors.Is(err, ErrIncompleteFragment) {
			t.Fatalf("fragment %d: got (%v, %v)", fn, ok, err)
		}
	}
	ok, err := r.HandleDataFrag(testT0, writer, frag(2), testT0)
	if !ok || err != nil {
		t.Fatalf("last fragment: got (%v, %v)", ok, err)
	}
	if ok, err := r.HandleDataFrag(testT0, writer, frag(2), testT0); ok || err != nil {
		t.Errorf("fragment of a stored sample: got (%v, %v)", ok, err)
	}

	got := r.Take()
	if len(got) != 1 || !bytes.Equal(got[0].Payload, sample) {
		t.Fatal("reassembled payload mismatch")
	}
}

func TestReaderRejectsOversizedSample(t *testing.T) {
	params := testParams()
	params.maxSampleSize = 4096
	r, writer, _ := newTestReader(reliableQos(KeepAll, 0), params)

	df := &DataFrag{
		WriterSN:              1,
		FragmentStart:         1,
		FragmentsInSubmessage: 1,
		FragmentSize:          1024,
		SampleSize:            1 << 20,
		Payload:               make([]byte, 1024),
	}
	if _, err := r.HandleDataFrag(testT0, writer, df, testT0); !errors.Is(err, ErrMalformedData) {
		t.Errorf("got %v, want malformed", err)
	}
}

func TestReaderDropsStaleFragments(t *testing.T) {
	r, writer, out := newTestReader(reliableQos(KeepAll, 0), testParams())
	df := &DataFrag{
		WriterSN:              1,
		FragmentStart:         1,
		FragmentsInSubmessage: 1,
		FragmentSize:          1024,
		SampleSize:            2048,
		Payload:               make([]byte, 1024),
	}
	r.HandleDataFrag(testT0, writer, df, testT0)
	wp, _ := r.WriterProxy(writer)
	if len(wp.frags) != 1 {
		t.Fatal("fragment buffer not created")
	}
	r.Tick(testT0.Add(defaultFragmentAssemblyTimeout+time.Second), out)
	if len(wp.frags) != 0 {
		t.Error("stale fragment buffer kept")
	}
}

func TestReaderDispose(t *testing.T) {
	r, writer, _ := newTestReader(reliableQos(KeepAll, 0), testParams())

	var key [16]byte
	key[15] = 9
	var qos cdr.ParameterList
	keyHashParam(&qos, key)
	statusInfoParam(&qos, STATUS_INFO_DISPOSED)
	d := &Data{WriterSN: 1, InlineQos: qos}
	r.HandleData(testT0, writer, d, testT0)

	got := r.Take()
	if len(got) != 1 {
		t.Fatalf("got %d samples", len(got))
	}
	if got[0].Kind != ChangeNotAliveDisposed || got[0].KeyHash != key || got[0].Payload != nil {
		t.Errorf("unexpected change %+v", got[0])
	}
}

func TestReaderDeadline(t *testing.T) {
	qos := reliableQos(KeepAll, 0)
	qos.Deadline = 100 * time.Millisecond
	r, writer, out := newTestReader(qos, testParams())

	// sn 0 is a tick, anything else a DATA arriving at that time
	cases := []struct {
		at     time.Duration
		sn     SeqNum
		missed int
	}{
		{50 * time.Millisecond, 0, 0},
		{80 * time.Millisecond, 1, 0},
		{150 * time.Millisecond, 0, 0},
		{180 * time.Millisecond, 0, 1},
		{250 * time.Millisecond, 0, 0},
		{280 * time.Millisecond, 0, 1},
		// a duplicate is not a new sample
		{300 * time.Millisecond, 1, 0},
		{380 * time.Millisecond, 0, 1},
		{390 * time.Millisecond, 2, 0},
		{480 * time.Millisecond, 0, 0},
	}
	total := 0
	for i, tc := range cases {
		now := testT0.Add(tc.at)
		if tc.sn != 0 {
			r.HandleData(now, writer, testData(tc.sn, "x"), now)
			continue
		}
		out.reset()
		r.Tick(now, out)
		if got := len(out.DeadlinesMissed); got != tc.missed {
			t.Errorf("[%d] at %v: got %d missed deadlines, want %d", i, tc.at, got, tc.missed)
		}
		for _, pair := range out.DeadlinesMissed {
			if pair != (EndpointPair{Local: r.GUID, Remote: writer}) {
				t.Errorf("[%d] unexpected pair %+v", i, pair)
			}
		}
		total += tc.missed
	}
	if got := testutil.ToFloat64(r.metrics.DeadlinesMissed); got != float64(total) {
		t.Errorf("deadline counter %v, want %d", got, total)
	}
}

func TestReaderNoDeadline(t *testing.T) {
	r, _, out := newTestReader(reliableQos(KeepAll, 0), testParams())
	r.Tick(testT0.Add(time.Hour), out)
	if len(out.DeadlinesMissed) != 0 {
		t.Errorf("infinite deadline reported %v", out.DeadlinesMissed)
	}
}
