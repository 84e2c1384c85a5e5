package rtps

import (
	"net"
	"time"
)

var (
	testLocator = NewUDPv4Locator(net.IPv4(127, 0, 0, 1), 7411)
	testT0      = time.Unix(1700000000, 0)
)

func testParams() endpointParams {
	return endpointParams{
		heartbeatPeriod:         time.Second,
		fragmentSize:            1024,
		maxSampleSize:           1 << 20,
		fragmentAssemblyTimeout: defaultFragmentAssemblyTimeout,
	}
}

func testGUID(b byte, eid EntityID) GUID {
	return GUID{Prefix: GUIDPrefix{0x12, 0x34, b, b, b, b, b, b, b, b, b, b}, EntityID: eid}
}

func reliableQos(history HistoryKind, depth int32) QosPolicySet {
	q := DefaultWriterQos()
	q.History, q.Depth = history, depth
	return q
}

// submessagesOf collects the submessages of type T queued in out.
func submessagesOf[T Submessage](out *Outbox) []T {
	var found []T
	for _, env := range out.Envelopes {
		for _, sm := range env.Submessages {
			if s, ok := sm.(T); ok {
				found = append(found, s)
			}
		}
	}
	return found
}

// pair wires one writer and one reader state machine back to back.
type pair struct {
	w *Writer
	r *Reader
	// drop, when set, decides whether a submessage is lost
	drop func(sm Submessage) bool
}

func newPair(wq, rq QosPolicySet, params endpointParams) (*pair, *Outbox) {
	w := newWriter(testGUID(1, 0x102), "chatter", "String", wq, params, nil, nil)
	r := newReader(testGUID(2, 0x107), "chatter", "String", rq, params, nil, nil)
	out := &Outbox{}
	w.MatchReader(testT0, &ReaderProxy{
		RemoteGUID: r.GUID,
		Unicast:    []Locator{testLocator},
		Reliable:   rq.Reliability == Reliable,
	}, out)
	r.MatchWriter(testT0, &WriterProxy{RemoteGUID: w.GUID, Unicast: []Locator{testLocator}}, out)
	return &pair{w: w, r: r}, out
}

// exchange delivers queued submessages in both directions until neither
// side has anything left to say.
func (p *pair) exchange(now time.Time, out *Outbox) {
	for round := 0; round < 100 && len(out.Envelopes) > 0; round++ {
		envs := out.Envelopes
		out.Envelopes = nil
		for _, env := range envs {
			for _, sm := range env.Submessages {
				if p.drop != nil && p.drop(sm) {
					continue
				}
				p.deliver(now, sm, out)
			}
		}
	}
}

func (p *pair) deliver(now time.Time, sm Submessage, out *Outbox) {
	switch s := sm.(type) {
	case *Data:
		p.r.HandleData(now, p.w.GUID, s, now)
	case *DataFrag:
		p.r.HandleDataFrag(now, p.w.GUID, s, now)
	case *Heartbeat:
		p.r.HandleHeartbeat(now, p.w.GUID, s, out)
	case *HeartbeatFrag:
		p.r.HandleHeartbeatFrag(now, p.w.GUID, s, out)
	case *Gap:
		p.r.HandleGap(now, p.w.GUID, s)
	case *AckNack:
		p.w.HandleAckNack(now, p.r.GUID, s, out)
	case *NackFrag:
		p.w.HandleNackFrag(now, p.r.GUID, s, out)
	}
}

func sequenceNumbers(cs []*CacheChange) []SeqNum {
	var sns []SeqNum
	for _, c := range cs {
		sns = append(sns, c.SequenceNumber)
	}
	return sns
}
