package rtps

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWriterAckReleasesHistory(t *testing.T) {
	p, out := newPair(reliableQos(KeepLast, 1), reliableQos(KeepAll, 0), testParams())
	p.exchange(testT0, out)

	if _, err := p.w.Write(testT0, ChangeAlive, [16]byte{}, []byte("hello"), out); err != nil {
		t.Fatal(err)
	}
	rp, ok := p.w.ReaderProxy(p.r.GUID)
	if !ok {
		t.Fatal("reader not matched")
	}
	if s := rp.Status(1); s != StatusUnacked {
		t.Errorf("status before delivery: got %v, want %v", s, StatusUnacked)
	}
	if n := p.w.Cache().Len(); n != 1 {
		t.Errorf("cache before ack: got %d changes, want 1", n)
	}

	p.exchange(testT0, out)
	if s := rp.Status(1); s != StatusAcked {
		t.Errorf("status after ack: got %v, want %v", s, StatusAcked)
	}
	if n := p.w.Cache().Len(); n != 0 {
		t.Errorf("cache after ack: got %d changes, want 0", n)
	}
	got := p.r.Take()
	if len(got) != 1 || !bytes.Equal(got[0].Payload, []byte("hello")) {
		t.Fatalf("unexpected samples %+v", got)
	}
}

func TestWriterRetransmitsRequested(t *testing.T) {
	p, out := newPair(reliableQos(KeepAll, 0), reliableQos(KeepAll, 0), testParams())
	p.exchange(testT0, out)

	p.drop = func(sm Submessage) bool {
		switch s := sm.(type) {
		case *Data:
			return s.WriterSN == 3 || s.WriterSN == 4
		case *Heartbeat:
			return true
		}
		return false
	}
	for i := 0; i < 5; i++ {
		if _, err := p.w.Write(testT0, ChangeAlive, [16]byte{}, []byte{byte(i)}, out); err != nil {
			t.Fatal(err)
		}
	}
	p.exchange(testT0, out)
	p.drop = nil

	now := testT0.Add(2 * time.Second)
	p.w.Tick(now, out)
	hbs := submessagesOf[*Heartbeat](out)
	if len(hbs) != 1 || hbs[0].FirstSN != 1 || hbs[0].LastSN != 5 {
		t.Fatalf("expected one heartbeat for 1..5, got %+v", hbs)
	}
	out.reset()

	p.r.HandleHeartbeat(now, p.w.GUID, hbs[0], out)
	acks := submessagesOf[*AckNack](out)
	if len(acks) != 1 {
		t.Fatalf("expected one acknack, got %d", len(acks))
	}
	if acks[0].ReaderSNState.Base != 3 {
		t.Errorf("acknack base: got %d, want 3", acks[0].ReaderSNState.Base)
	}
	if got, want := acks[0].ReaderSNState.Members(), []SeqNum{3, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("acknack members: got %v, want %v", got, want)
	}
	out.reset()

	p.w.HandleAckNack(now, p.r.GUID, acks[0], out)
	var resent []SeqNum
	for _, d := range submessagesOf[*Data](out) {
		resent = append(resent, d.WriterSN)
	}
	if want := []SeqNum{3, 4}; !reflect.DeepEqual(resent, want) {
		t.Errorf("retransmitted: got %v, want %v", resent, want)
	}

	p.exchange(now, out)
	if got, want := sequenceNumbers(p.r.Take()), []SeqNum{1, 2, 3, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered: got %v, want %v", got, want)
	}
}

func TestWriterConvergesOverLossyLink(t *testing.T) {
	const samples = 20
	p, out := newPair(reliableQos(KeepAll, 0), reliableQos(KeepAll, 0), testParams())
	p.exchange(testT0, out)

	n := 0
	p.drop = func(Submessage) bool {
		n++
		return n <= 200 && n%3 != 0
	}
	for i := 0; i < samples; i++ {
		if _, err := p.w.Write(testT0, ChangeAlive, [16]byte{}, []byte{byte(i)}, out); err != nil {
			t.Fatal(err)
		}
		p.exchange(testT0, out)
	}

	now := testT0
	for i := 0; i < 100; i++ {
		now = now.Add(time.Second)
		p.w.Tick(now, out)
		p.r.Tick(now, out)
		p.exchange(now, out)
	}

	got := p.r.Take()
	if len(got) != samples {
		t.Fatalf("delivered %d samples, want %d", len(got), samples)
	}
	for i, c := range got {
		if c.SequenceNumber != SeqNum(i+1) || c.Payload[0] != byte(i) {
			t.Errorf("[%d] got sn %d payload %v", i, c.SequenceNumber, c.Payload)
		}
	}
	rp, _ := p.w.ReaderProxy(p.r.GUID)
	if rp.AckedUpTo() != samples {
		t.Errorf("acked up to %d, want %d", rp.AckedUpTo(), samples)
	}
}

func TestWriterForcedEvictionSendsGap(t *testing.T) {
	p, out := newPair(reliableQos(KeepLast, 2), reliableQos(KeepAll, 0), testParams())
	p.exchange(testT0, out)

	p.drop = func(Submessage) bool { return true }
	for i := 0; i < 3; i++ {
		if _, err := p.w.Write(testT0, ChangeAlive, [16]byte{}, []byte{byte(i)}, out); err != nil {
			t.Fatal(err)
		}
	}
	p.exchange(testT0, out)
	p.drop = nil

	if got, want := p.w.Cache().Min(), SeqNum(2); got != want {
		t.Fatalf("oldest retained: got %d, want %d", got, want)
	}

	now := testT0.Add(time.Second)
	p.w.Tick(now, out)
	gaps := submessagesOf[*Gap](out)
	if len(gaps) != 1 {
		t.Fatalf("expected one gap, got %d", len(gaps))
	}
	if got, want := gaps[0].Covered(maxSetBits), []SeqNum{1}; !reflect.DeepEqual(got, want) {
		t.Errorf("gap covers %v, want %v", got, want)
	}

	p.exchange(now, out)
	if got, want := sequenceNumbers(p.r.Take()), []SeqNum{2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered: got %v, want %v", got, want)
	}
	if n := p.r.Cache().Len(); n != 0 {
		t.Errorf("reader cache holds %d changes after take", n)
	}
}

func TestWriterRetainsRequestedChange(t *testing.T) {
	params := testParams()
	params.minRetransmitInterval = time.Hour
	p, out := newPair(reliableQos(KeepLast, 1), reliableQos(KeepAll, 0), params)
	p.exchange(testT0, out)

	p.drop = func(Submessage) bool { return true }
	if _, err := p.w.Write(testT0, ChangeAlive, [16]byte{}, []byte("a"), out); err != nil {
		t.Fatal(err)
	}
	p.exchange(testT0, out)

	nack := func(count int32) *AckNack {
		return &AckNack{
			ReaderID:      p.r.GUID.EntityID,
			WriterID:      p.w.GUID.EntityID,
			ReaderSNState: NewSeqNumSet(1, 1),
			Count:         count,
			Final:         true,
		}
	}
	p.w.HandleAckNack(testT0, p.r.GUID, nack(10), out)
	if len(submessagesOf[*Data](out)) != 1 {
		t.Fatal("first request should be answered at once")
	}
	out.reset()

	p.w.HandleAckNack(testT0, p.r.GUID, nack(11), out)
	if len(submessagesOf[*Data](out)) != 0 {
		t.Fatal("second request inside the retransmit interval should be deferred")
	}
	rp, _ := p.w.ReaderProxy(p.r.GUID)
	if s := rp.Status(1); s != StatusRequested {
		t.Fatalf("status: got %v, want %v", s, StatusRequested)
	}

	if _, err := p.w.Write(testT0, ChangeAlive, [16]byte{}, []byte("b"), out); err != nil {
		t.Fatal(err)
	}
	for _, sn := range []SeqNum{1, 2} {
		if _, ok := p.w.Cache().Get(sn); !ok {
			t.Errorf("change %d evicted", sn)
		}
	}
}

func TestWriterDropsSilentReader(t *testing.T) {
	params := testParams()
	params.maxRetransmits = 2
	p, out := newPair(reliableQos(KeepAll, 0), reliableQos(KeepAll, 0), params)
	p.exchange(testT0, out)

	p.drop = func(Submessage) bool { return true }
	if _, err := p.w.Write(testT0, ChangeAlive, [16]byte{}, []byte("x"), out); err != nil {
		t.Fatal(err)
	}
	p.exchange(testT0, out)

	for i := 1; i <= 2; i++ {
		p.w.Tick(testT0.Add(time.Duration(i)*time.Second), out)
		if len(out.Exhausted) != 0 {
			t.Fatalf("reader dropped after %d attempts", i)
		}
		p.exchange(testT0, out)
	}
	p.w.Tick(testT0.Add(3*time.Second), out)

	want := []EndpointPair{{Local: p.w.GUID, Remote: p.r.GUID}}
	if !reflect.DeepEqual(out.Exhausted, want) {
		t.Errorf("exhausted: got %v, want %v", out.Exhausted, want)
	}
	if m := p.w.Matched(); len(m) != 0 {
		t.Errorf("writer still matched with %v", m)
	}
	if v := testutil.ToFloat64(p.w.metrics.RetransmitExhausted); v != 1 {
		t.Errorf("exhaustion counter: got %v, want 1", v)
	}
}

func TestWriterDurabilityOnMatch(t *testing.T) {
	cases := []struct {
		durability DurabilityKind
		want       []SeqNum
	}{
		{Volatile, nil},
		{TransientLocal, []SeqNum{1, 2}},
	}
	for i, tc := range cases {
		wq := reliableQos(KeepAll, 0)
		wq.Durability = tc.durability
		w := newWriter(testGUID(1, 0x102), "chatter", "String", wq, testParams(), nil, nil)
		out := &Outbox{}
		for j := 0; j < 2; j++ {
			if _, err := w.Write(testT0, ChangeAlive, [16]byte{}, []byte{byte(j)}, out); err != nil {
				t.Fatal(err)
			}
		}
		if len(out.Envelopes) != 0 {
			t.Errorf("[%d] unmatched writer sent %d envelopes", i, len(out.Envelopes))
		}

		r := newReader(testGUID(2, 0x107), "chatter", "String", reliableQos(KeepAll, 0), testParams(), nil, nil)
		w.MatchReader(testT0, &ReaderProxy{RemoteGUID: r.GUID, Unicast: []Locator{testLocator}, Reliable: true}, out)
		var sent []SeqNum
		for _, d := range submessagesOf[*Data](out) {
			sent = append(sent, d.WriterSN)
		}
		if !reflect.DeepEqual(sent, tc.want) {
			t.Errorf("[%d] pushed on match: got %v, want %v", i, sent, tc.want)
		}

		hbs := submessagesOf[*Heartbeat](out)
		if len(hbs) != 1 {
			t.Fatalf("[%d] expected a heartbeat on match, got %d", i, len(hbs))
		}
		if tc.durability == Volatile && hbs[0].FirstSN != 3 {
			t.Errorf("[%d] volatile heartbeat starts at %d, want 3", i, hbs[0].FirstSN)
		}

		p := &pair{w: w, r: r}
		r.MatchWriter(testT0, &WriterProxy{RemoteGUID: w.GUID, Unicast: []Locator{testLocator}}, out)
		p.exchange(testT0, out)
		if got := sequenceNumbers(r.Take()); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("[%d] late joiner got %v, want %v", i, got, tc.want)
		}
	}
}

func TestWriterFragmentRepair(t *testing.T) {
	p, out := newPair(reliableQos(KeepAll, 0), reliableQos(KeepAll, 0), testParams())
	p.exchange(testT0, out)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	dropped := false
	p.drop = func(sm Submessage) bool {
		if df, ok := sm.(*DataFrag); ok && df.FragmentStart == 2 && !dropped {
			dropped = true
			return true
		}
		return false
	}
	if _, err := p.w.Write(testT0, ChangeAlive, [16]byte{}, payload, out); err != nil {
		t.Fatal(err)
	}
	if n := len(submessagesOf[*DataFrag](out)); n != 3 {
		t.Fatalf("expected 3 fragments, got %d", n)
	}
	if n := len(submessagesOf[*HeartbeatFrag](out)); n != 1 {
		t.Fatalf("expected a HEARTBEAT_FRAG, got %d", n)
	}

	p.exchange(testT0, out)
	if !dropped {
		t.Fatal("fragment 2 never sent")
	}
	got := p.r.Take()
	if len(got) != 1 || !bytes.Equal(got[0].Payload, payload) {
		t.Fatalf("reassembled sample mismatch (%d samples)", len(got))
	}
	rp, _ := p.w.ReaderProxy(p.r.GUID)
	if rp.AckedUpTo() != 1 {
		t.Errorf("acked up to %d, want 1", rp.AckedUpTo())
	}
}

func TestBestEffortWriterSendsNoHeartbeat(t *testing.T) {
	wq := DefaultWriterQos()
	wq.Reliability = BestEffort
	p, out := newPair(wq, DefaultReaderQos(), testParams())
	if len(out.Envelopes) != 0 {
		t.Fatalf("best effort match sent %d envelopes", len(out.Envelopes))
	}
	if _, err := p.w.Write(testT0, ChangeAlive, [16]byte{}, []byte("x"), out); err != nil {
		t.Fatal(err)
	}
	if n := len(submessagesOf[*Heartbeat](out)); n != 0 {
		t.Errorf("got %d heartbeats", n)
	}
	p.exchange(testT0, out)
	if got := sequenceNumbers(p.r.Take()); !reflect.DeepEqual(got, []SeqNum{1}) {
		t.Errorf("delivered %v", got)
	}
}

func TestWriterLifespanExpiry(t *testing.T) {
	wq := reliableQos(KeepAll, 0)
	wq.Lifespan = time.Second
	p, out := newPair(wq, reliableQos(KeepAll, 0), testParams())
	p.exchange(testT0, out)

	p.drop = func(Submessage) bool { return true }
	for i, at := range []time.Duration{0, 0, 900 * time.Millisecond} {
		if _, err := p.w.Write(testT0.Add(at), ChangeAlive, [16]byte{}, []byte{byte(i)}, out); err != nil {
			t.Fatal(err)
		}
	}
	p.exchange(testT0, out)
	p.drop = nil

	p.w.Tick(testT0.Add(time.Second), out)
	if n := p.w.Cache().Len(); n != 3 {
		t.Fatalf("nothing is older than the lifespan yet, cache holds %d", n)
	}

	now := testT0.Add(1500 * time.Millisecond)
	p.w.Tick(now, out)
	if got, want := p.w.Cache().Min(), SeqNum(3); got != want {
		t.Fatalf("oldest retained: got %d, want %d", got, want)
	}
	if got := testutil.ToFloat64(p.w.metrics.SamplesExpired); got != 2 {
		t.Errorf("expired counter %v, want 2", got)
	}
	gaps := submessagesOf[*Gap](out)
	if len(gaps) != 1 {
		t.Fatalf("expected one gap, got %d", len(gaps))
	}
	if got, want := gaps[0].Covered(maxSetBits), []SeqNum{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("gap covers %v, want %v", got, want)
	}

	p.exchange(now, out)
	if got, want := sequenceNumbers(p.r.Take()), []SeqNum{3}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered: got %v, want %v", got, want)
	}
}
