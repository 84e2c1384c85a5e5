package rtps

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/liamstask/go-rtps/v2/cdr"
)

// ChangeStatus is the state of one change with respect to one reader.
type ChangeStatus int

const (
	StatusUnacked ChangeStatus = iota
	StatusRequested
	StatusAcked
)

func (s ChangeStatus) String() string {
	switch s {
	case StatusUnacked:
		return "UNACKED"
	case StatusRequested:
		return "REQUESTED"
	case StatusAcked:
		return "ACKED"
	}
	return "UNKNOWN"
}

// ReaderProxy is the writer-side view of one matched remote reader.
type ReaderProxy struct {
	RemoteGUID       GUID
	Unicast          []Locator
	Multicast        []Locator
	Reliable         bool
	ExpectsInlineQos bool

	// changes below firstRelevant are never owed to this reader
	firstRelevant SeqNum
	ackedUpTo     SeqNum
	requested     seqSet
	pendingGaps   seqSet
	frags         map[SeqNum][]uint32

	ackNackSeen       bool
	lastAckNackCount  int32
	nackFragSeen      bool
	lastNackFragCount int32

	lastRetransmit time.Time
	attempts       int
}

// Status reports where sn stands for this reader.
func (rp *ReaderProxy) Status(sn SeqNum) ChangeStatus {
	switch {
	case sn <= rp.ackedUpTo || sn < rp.firstRelevant:
		return StatusAcked
	case rp.requested.has(sn):
		return StatusRequested
	}
	return StatusUnacked
}

// AckedUpTo returns the highest sequence number acknowledged.
func (rp *ReaderProxy) AckedUpTo() SeqNum {
	return rp.ackedUpTo
}

func (rp *ReaderProxy) locators() []Locator {
	if len(rp.Unicast) > 0 {
		return rp.Unicast
	}
	return rp.Multicast
}

func (rp *ReaderProxy) owes(sn SeqNum) bool {
	return rp.Reliable && sn > rp.ackedUpTo && sn >= rp.firstRelevant
}

func (rp *ReaderProxy) hasQueued() bool {
	return len(rp.requested) > 0 || len(rp.pendingGaps) > 0 || len(rp.frags) > 0
}

// Writer is the reliability state machine of one local writer. It is not
// safe for concurrent use; the participant event loop owns it.
type Writer struct {
	GUID     GUID
	Topic    string
	TypeName string
	Qos      QosPolicySet

	cache   *HistoryCache
	proxies map[GUID]*ReaderProxy
	hbCount int32
	hbFrag  int32
	lastHB  time.Time

	params  endpointParams
	metrics *Metrics
	log     *log.Entry
}

func newWriter(guid GUID, topic, typeName string, qos QosPolicySet, params endpointParams, m *Metrics, logger *log.Entry) *Writer {
	if m == nil {
		m = NewMetrics(nil)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	w := &Writer{
		GUID:     guid,
		Topic:    topic,
		TypeName: typeName,
		Qos:      qos,
		cache:    newWriterHistory(qos.historyDepth()),
		proxies:  make(map[GUID]*ReaderProxy),
		params:   params,
		metrics:  m,
		log:      logger.WithFields(log.Fields{"writer": guid.String(), "topic": topic}),
	}
	// forced eviction never drops a change a reader asked for
	w.cache.retain = func(c *CacheChange) bool {
		for _, rp := range w.proxies {
			if rp.requested.has(c.SequenceNumber) {
				return true
			}
		}
		return false
	}
	return w
}

// Cache exposes the writer's history.
func (w *Writer) Cache() *HistoryCache {
	return w.cache
}

func (w *Writer) LastSN() SeqNum {
	return w.cache.LastSN()
}

// ReaderProxy returns the proxy of a matched reader.
func (w *Writer) ReaderProxy(reader GUID) (*ReaderProxy, bool) {
	rp, ok := w.proxies[reader]
	return rp, ok
}

// Matched returns the GUIDs of the matched readers.
func (w *Writer) Matched() []GUID {
	out := make([]GUID, 0, len(w.proxies))
	for g := range w.proxies {
		out = append(out, g)
	}
	return out
}

func (w *Writer) reliable() bool {
	return w.Qos.Reliability == Reliable
}

// Write assigns the next sequence number to a new change, stores it and
// pushes it to every matched reader.
func (w *Writer) Write(now time.Time, kind ChangeKind, key [16]byte, payload []byte, out *Outbox) (*CacheChange, error) {
	c := &CacheChange{
		Kind:            kind,
		WriterGUID:      w.GUID,
		SequenceNumber:  w.cache.LastSN() + 1,
		KeyHash:         key,
		Payload:         payload,
		SourceTimestamp: now,
	}
	_, evicted, err := w.cache.Insert(c)
	if err != nil {
		w.log.WithError(err).Error("history insert failed")
		return nil, err
	}
	w.metrics.SamplesWritten.Inc()
	for _, ev := range evicted {
		w.forcedEviction(ev)
	}

	for _, rp := range w.proxies {
		if c.SequenceNumber < rp.firstRelevant {
			continue
		}
		sms := w.dataSubmessages(rp.RemoteGUID.EntityID, c)
		if rp.owes(c.SequenceNumber) {
			if frags := len(sms); frags > 1 {
				w.hbFrag++
				sms = append(sms, &HeartbeatFrag{
					ReaderID:        rp.RemoteGUID.EntityID,
					WriterID:        w.GUID.EntityID,
					WriterSN:        c.SequenceNumber,
					LastFragmentNum: uint32(frags),
					Count:           w.hbFrag,
				})
			}
			sms = append(sms, w.heartbeat(rp, false))
		}
		out.send(rp.RemoteGUID.Prefix, rp.locators(), sms...)
	}
	if len(w.proxies) > 0 && w.reliable() {
		w.lastHB = now
	}
	w.evictAcked()
	return c, nil
}

// forcedEviction queues a GAP for every reader still owed an evicted change.
func (w *Writer) forcedEviction(c *CacheChange) {
	w.gapOwed(c.SequenceNumber)
	w.log.WithField("sn", c.SequenceNumber).Debug("change evicted by history depth")
}

func (w *Writer) gapOwed(sn SeqNum) {
	for _, rp := range w.proxies {
		if rp.owes(sn) {
			rp.pendingGaps.add(sn)
		}
	}
}

// expire drops the changes whose lifespan ran out. Readers still owed one
// get a GAP for it.
func (w *Writer) expire(now time.Time) int {
	if w.Qos.Lifespan == DurationInfinite {
		return 0
	}
	var cut SeqNum
	it := w.cache.IterFrom(0)
	for c, ok := it.Next(); ok; c, ok = it.Next() {
		if now.Sub(c.SourceTimestamp) <= w.Qos.Lifespan {
			break
		}
		cut = c.SequenceNumber
		w.gapOwed(cut)
	}
	if cut == 0 {
		return 0
	}
	n := w.cache.RemoveBefore(cut + 1)
	w.metrics.SamplesExpired.Add(float64(n))
	w.log.WithFields(log.Fields{"upto": cut, "count": n}).Debug("changes expired")
	return n
}

// evictAcked drops changes every reliable reader has acknowledged. Only
// volatile writers do this; durable ones keep history for late joiners.
func (w *Writer) evictAcked() {
	if w.Qos.Durability != Volatile {
		return
	}
	low := w.cache.LastSN()
	for _, rp := range w.proxies {
		if rp.Reliable && rp.ackedUpTo < low {
			low = rp.ackedUpTo
		}
	}
	w.cache.RemoveBefore(low + 1)
}

// dataSubmessages serializes c as a DATA, or as DATA_FRAGs when the payload
// exceeds the fragment size.
func (w *Writer) dataSubmessages(readerID EntityID, c *CacheChange) []Submessage {
	qos := inlineQosFor(c)
	fragSize := w.params.fragmentSize
	if fragSize <= 0 || len(c.Payload) <= fragSize {
		return []Submessage{&Data{
			ReaderID:  readerID,
			WriterID:  w.GUID.EntityID,
			WriterSN:  c.SequenceNumber,
			InlineQos: qos,
			Payload:   c.Payload,
		}}
	}
	n := (len(c.Payload) + fragSize - 1) / fragSize
	sms := make([]Submessage, 0, n)
	for i := 1; i <= n; i++ {
		sms = append(sms, w.fragment(readerID, c, uint32(i), qos))
		qos = nil
	}
	return sms
}

// inlineQosFor carries the key hash and the lifecycle status of c.
func inlineQosFor(c *CacheChange) cdr.ParameterList {
	var qos cdr.ParameterList
	if c.KeyHash != ([16]byte{}) {
		keyHashParam(&qos, c.KeyHash)
	}
	switch c.Kind {
	case ChangeNotAliveDisposed:
		statusInfoParam(&qos, STATUS_INFO_DISPOSED)
	case ChangeNotAliveUnregistered:
		statusInfoParam(&qos, STATUS_INFO_DISPOSED|STATUS_INFO_UNREGISTERED)
	}
	return qos
}

func (w *Writer) fragment(readerID EntityID, c *CacheChange, num uint32, qos cdr.ParameterList) *DataFrag {
	fragSize := w.params.fragmentSize
	start := int(num-1) * fragSize
	end := start + fragSize
	if end > len(c.Payload) {
		end = len(c.Payload)
	}
	return &DataFrag{
		ReaderID:              readerID,
		WriterID:              w.GUID.EntityID,
		WriterSN:              c.SequenceNumber,
		FragmentStart:         num,
		FragmentsInSubmessage: 1,
		FragmentSize:          uint16(fragSize),
		SampleSize:            uint32(len(c.Payload)),
		InlineQos:             qos,
		Payload:               c.Payload[start:end],
	}
}

func (w *Writer) fragmentCount(c *CacheChange) uint32 {
	fragSize := w.params.fragmentSize
	if fragSize <= 0 || len(c.Payload) <= fragSize {
		return 1
	}
	return uint32((len(c.Payload) + fragSize - 1) / fragSize)
}

// heartbeat builds a HEARTBEAT for one reader, announcing the retained
// range from that reader's point of view.
func (w *Writer) heartbeat(rp *ReaderProxy, final bool) *Heartbeat {
	last := w.cache.LastSN()
	first := w.cache.Min()
	if first == 0 {
		first = last + 1
	}
	if rp.firstRelevant > first {
		first = rp.firstRelevant
	}
	w.hbCount++
	w.metrics.Heartbeats.Inc()
	return &Heartbeat{
		ReaderID: rp.RemoteGUID.EntityID,
		WriterID: w.GUID.EntityID,
		FirstSN:  first,
		LastSN:   last,
		Count:    w.hbCount,
		Final:    final,
	}
}

// MatchReader creates the proxy of a newly matched reader. Volatile
// writers owe the reader only changes written from now on; durable writers
// push their retained history.
func (w *Writer) MatchReader(now time.Time, rp *ReaderProxy, out *Outbox) {
	if old, ok := w.proxies[rp.RemoteGUID]; ok {
		old.Unicast, old.Multicast = rp.Unicast, rp.Multicast
		old.ExpectsInlineQos = rp.ExpectsInlineQos
		return
	}
	rp.Reliable = rp.Reliable && w.reliable()
	if w.Qos.Durability == Volatile {
		rp.firstRelevant = w.cache.LastSN() + 1
	} else {
		rp.firstRelevant = w.cache.Min()
		if rp.firstRelevant == 0 {
			rp.firstRelevant = w.cache.LastSN() + 1
		}
	}
	rp.ackedUpTo = rp.firstRelevant - 1
	w.proxies[rp.RemoteGUID] = rp
	w.log.WithField("reader", rp.RemoteGUID.String()).Info("reader matched")

	var sms []Submessage
	if w.Qos.Durability != Volatile {
		it := w.cache.IterFrom(rp.firstRelevant)
		for c, ok := it.Next(); ok; c, ok = it.Next() {
			sms = append(sms, w.dataSubmessages(rp.RemoteGUID.EntityID, c)...)
		}
	}
	if rp.Reliable {
		sms = append(sms, w.heartbeat(rp, false))
	}
	out.send(rp.RemoteGUID.Prefix, rp.locators(), sms...)
}

// UnmatchReader forgets a reader. Outstanding retransmissions are dropped.
func (w *Writer) UnmatchReader(reader GUID) bool {
	if _, ok := w.proxies[reader]; !ok {
		return false
	}
	delete(w.proxies, reader)
	w.log.WithField("reader", reader.String()).Info("reader unmatched")
	w.evictAcked()
	return true
}

// HandleAckNack applies an ACKNACK from a matched reader: everything below
// the set base is acknowledged, the members are queued for retransmission
// (or a GAP when the change is gone). Queued work is flushed at once unless
// the reader was served less than MinRetransmitInterval ago, in which case
// Tick flushes it later.
func (w *Writer) HandleAckNack(now time.Time, reader GUID, an *AckNack, out *Outbox) {
	rp, ok := w.proxies[reader]
	if !ok || !rp.Reliable {
		w.log.WithField("reader", reader.String()).Debug("ACKNACK from unmatched reader")
		return
	}
	if rp.ackNackSeen && an.Count <= rp.lastAckNackCount {
		return
	}
	rp.ackNackSeen, rp.lastAckNackCount = true, an.Count
	w.metrics.AckNacks.WithLabelValues("received").Inc()

	last := w.cache.LastSN()
	base := an.ReaderSNState.Base
	if acked := base - 1; acked > rp.ackedUpTo {
		if acked > last {
			acked = last
		}
		rp.ackedUpTo = acked
		rp.attempts = 0
	}
	rp.requested.removeBelow(rp.ackedUpTo + 1)
	rp.pendingGaps.removeBelow(rp.ackedUpTo + 1)

	for _, sn := range an.ReaderSNState.Members() {
		switch {
		case sn > last || sn <= rp.ackedUpTo:
		case sn < rp.firstRelevant:
			rp.pendingGaps.add(sn)
		default:
			if _, ok := w.cache.Get(sn); ok {
				rp.requested.add(sn)
			} else {
				rp.pendingGaps.add(sn)
			}
		}
	}

	switch {
	case rp.hasQueued() && now.Sub(rp.lastRetransmit) >= w.params.minRetransmitInterval:
		w.flush(now, rp, out)
	case !an.Final && !rp.hasQueued():
		out.send(rp.RemoteGUID.Prefix, rp.locators(), w.heartbeat(rp, true))
	}
	w.evictAcked()
}

// HandleNackFrag queues the requested fragments of one change.
func (w *Writer) HandleNackFrag(now time.Time, reader GUID, nf *NackFrag, out *Outbox) {
	rp, ok := w.proxies[reader]
	if !ok || !rp.Reliable {
		return
	}
	if rp.nackFragSeen && nf.Count <= rp.lastNackFragCount {
		return
	}
	rp.nackFragSeen, rp.lastNackFragCount = true, nf.Count
	w.metrics.NackFrags.WithLabelValues("received").Inc()

	c, ok := w.cache.Get(nf.WriterSN)
	if !ok {
		if rp.owes(nf.WriterSN) {
			rp.pendingGaps.add(nf.WriterSN)
		}
	} else {
		total := w.fragmentCount(c)
		if rp.frags == nil {
			rp.frags = make(map[SeqNum][]uint32)
		}
		for _, fn := range nf.FragmentNumberState.Members() {
			if fn <= total {
				rp.frags[c.SequenceNumber] = append(rp.frags[c.SequenceNumber], fn)
			}
		}
	}
	if rp.hasQueued() && now.Sub(rp.lastRetransmit) >= w.params.minRetransmitInterval {
		w.flush(now, rp, out)
	}
}

// flush sends everything queued for one reader: requested changes, then
// requested fragments, then GAPs, closed by a HEARTBEAT asking for an
// acknowledgement.
func (w *Writer) flush(now time.Time, rp *ReaderProxy, out *Outbox) {
	if w.exhausted(rp, out) {
		return
	}

	var sms []Submessage
	readerID := rp.RemoteGUID.EntityID
	for _, sn := range rp.requested {
		c, ok := w.cache.Get(sn)
		if !ok {
			rp.pendingGaps.add(sn)
			continue
		}
		sms = append(sms, w.dataSubmessages(readerID, c)...)
		w.metrics.Retransmissions.Inc()
	}
	for sn, fns := range rp.frags {
		if rp.requested.has(sn) {
			continue
		}
		c, ok := w.cache.Get(sn)
		if !ok {
			continue
		}
		seen := make(map[uint32]bool, len(fns))
		for _, fn := range fns {
			if seen[fn] {
				continue
			}
			seen[fn] = true
			var qos cdr.ParameterList
			if fn == 1 {
				qos = inlineQosFor(c)
			}
			sms = append(sms, w.fragment(readerID, c, fn, qos))
		}
		w.metrics.Retransmissions.Inc()
	}
	sms = append(sms, w.gaps(rp)...)
	sms = append(sms, w.heartbeat(rp, false))

	rp.requested = nil
	rp.pendingGaps = nil
	rp.frags = nil
	rp.lastRetransmit = now
	out.send(rp.RemoteGUID.Prefix, rp.locators(), sms...)
}

// exhausted counts one more attempt to get through to rp and drops the
// proxy once MaxRetransmits attempts went unanswered.
func (w *Writer) exhausted(rp *ReaderProxy, out *Outbox) bool {
	rp.attempts++
	if w.params.maxRetransmits <= 0 || rp.attempts <= w.params.maxRetransmits {
		return false
	}
	w.log.WithField("reader", rp.RemoteGUID.String()).Warn("retransmissions exhausted, dropping reader")
	delete(w.proxies, rp.RemoteGUID)
	w.metrics.RetransmitExhausted.Inc()
	out.Exhausted = append(out.Exhausted, EndpointPair{Local: w.GUID, Remote: rp.RemoteGUID})
	w.evictAcked()
	return true
}

func (w *Writer) gaps(rp *ReaderProxy) []Submessage {
	var sms []Submessage
	rest := []SeqNum(rp.pendingGaps)
	for len(rest) > 0 {
		var g *Gap
		g, rest = newGap(rp.RemoteGUID.EntityID, w.GUID.EntityID, rest)
		sms = append(sms, g)
		w.metrics.Gaps.Inc()
	}
	return sms
}

// Tick runs the periodic part of the protocol. It expires changes past
// their lifespan, flushes deferred retransmissions and sends heartbeats to
// readers that have not acknowledged everything.
func (w *Writer) Tick(now time.Time, out *Outbox) {
	w.expire(now)
	if !w.reliable() {
		return
	}
	for _, rp := range w.proxies {
		if rp.hasQueued() && now.Sub(rp.lastRetransmit) >= w.params.minRetransmitInterval {
			w.flush(now, rp, out)
		}
	}
	if now.Sub(w.lastHB) < w.params.heartbeatPeriod {
		return
	}
	last := w.cache.LastSN()
	sent := false
	for _, rp := range w.proxies {
		if !rp.Reliable || rp.ackedUpTo >= last {
			continue
		}
		if w.exhausted(rp, out) {
			continue
		}
		sms := w.gaps(rp)
		rp.pendingGaps = nil
		sms = append(sms, w.heartbeat(rp, false))
		out.send(rp.RemoteGUID.Prefix, rp.locators(), sms...)
		sent = true
	}
	if sent {
		w.lastHB = now
	}
}
