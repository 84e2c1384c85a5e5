package rtps

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/liamstask/go-rtps/v2/cdr"
)

// WriterProxy is the reader-side view of one matched remote writer.
type WriterProxy struct {
	RemoteGUID GUID
	Unicast    []Locator
	Multicast  []Locator

	// every sequence number up to contiguous was received or is irrelevant
	contiguous SeqNum
	// numbers above contiguous that were received or declared irrelevant
	received      seqSet
	highestSeen   SeqNum
	announcedLast SeqNum

	hbSeen        bool
	hbCount       int32
	hbFragSeen    bool
	hbFragCount   int32
	ackNackCount  int32
	nackFragCount int32

	ackNackDue  time.Time
	lastAckSent time.Time
	frags       map[SeqNum]*fragBuffer

	// start of the current deadline period: the last new sample, the
	// match, or the last missed deadline
	deadlineFrom time.Time
}

// Contiguous returns the highest sequence number below which nothing is
// missing.
func (wp *WriterProxy) Contiguous() SeqNum {
	return wp.contiguous
}

func (wp *WriterProxy) locators() []Locator {
	if len(wp.Unicast) > 0 {
		return wp.Unicast
	}
	return wp.Multicast
}

func (wp *WriterProxy) has(sn SeqNum) bool {
	return sn <= wp.contiguous || wp.received.has(sn)
}

func (wp *WriterProxy) advance() {
	for len(wp.received) > 0 && wp.received[0] <= wp.contiguous+1 {
		if wp.received[0] == wp.contiguous+1 {
			wp.contiguous++
		}
		wp.received = wp.received[1:]
	}
}

// markReceived records sn. It reports false for a duplicate.
func (wp *WriterProxy) markReceived(sn SeqNum) bool {
	if wp.has(sn) {
		return false
	}
	wp.received.add(sn)
	if sn > wp.highestSeen {
		wp.highestSeen = sn
	}
	wp.advance()
	return true
}

// irrelevantBelow forgets everything below sn; those changes are no longer
// available from the writer.
func (wp *WriterProxy) irrelevantBelow(sn SeqNum) {
	if sn-1 <= wp.contiguous {
		return
	}
	wp.contiguous = sn - 1
	wp.received.removeBelow(sn)
	for fsn := range wp.frags {
		if fsn < sn {
			delete(wp.frags, fsn)
		}
	}
	wp.advance()
}

// missing lists the numbers up to last that were neither received nor
// declared irrelevant, bounded by the ACKNACK window.
func (wp *WriterProxy) missing(last SeqNum) []SeqNum {
	var out []SeqNum
	base := wp.contiguous + 1
	for sn := base; sn <= last && sn-base < maxSetBits; sn++ {
		if !wp.received.has(sn) {
			out = append(out, sn)
		}
	}
	return out
}

// Reader is the reliability state machine of one local reader. It is not
// safe for concurrent use; the participant event loop owns it.
type Reader struct {
	GUID     GUID
	Topic    string
	TypeName string
	Qos      QosPolicySet

	cache      *HistoryCache
	proxies    map[GUID]*WriterProxy
	params     endpointParams
	rand       *rand.Rand
	lastFragGC time.Time

	metrics *Metrics
	log     *log.Entry
}

func newReader(guid GUID, topic, typeName string, qos QosPolicySet, params endpointParams, m *Metrics, logger *log.Entry) *Reader {
	if m == nil {
		m = NewMetrics(nil)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Reader{
		GUID:     guid,
		Topic:    topic,
		TypeName: typeName,
		Qos:      qos,
		cache:    newReaderHistory(qos.historyDepth()),
		proxies:  make(map[GUID]*WriterProxy),
		params:   params,
		rand:     rand.New(rand.NewSource(int64(guid.EntityID) ^ time.Now().UnixNano())),
		metrics:  m,
		log:      logger.WithFields(log.Fields{"reader": guid.String(), "topic": topic}),
	}
}

// Cache exposes the reader's history.
func (r *Reader) Cache() *HistoryCache {
	return r.cache
}

// WriterProxy returns the proxy of a matched writer.
func (r *Reader) WriterProxy(writer GUID) (*WriterProxy, bool) {
	wp, ok := r.proxies[writer]
	return wp, ok
}

// Matched returns the GUIDs of the matched writers.
func (r *Reader) Matched() []GUID {
	out := make([]GUID, 0, len(r.proxies))
	for g := range r.proxies {
		out = append(out, g)
	}
	return out
}

func (r *Reader) reliable() bool {
	return r.Qos.Reliability == Reliable
}

// MatchWriter creates the proxy of a newly matched writer. A reliable
// reader greets the writer with a non-final ACKNACK so that it answers with
// a HEARTBEAT straight away.
func (r *Reader) MatchWriter(now time.Time, wp *WriterProxy, out *Outbox) {
	if old, ok := r.proxies[wp.RemoteGUID]; ok {
		old.Unicast, old.Multicast = wp.Unicast, wp.Multicast
		return
	}
	r.proxies[wp.RemoteGUID] = wp
	wp.deadlineFrom = now
	r.log.WithField("writer", wp.RemoteGUID.String()).Info("writer matched")
	if !r.reliable() {
		return
	}
	wp.ackNackCount++
	out.send(wp.RemoteGUID.Prefix, wp.locators(), &AckNack{
		ReaderID:      r.GUID.EntityID,
		WriterID:      wp.RemoteGUID.EntityID,
		ReaderSNState: SeqNumSet{Base: 1},
		Count:         wp.ackNackCount,
	})
	wp.lastAckSent = now
	r.metrics.AckNacks.WithLabelValues("sent").Inc()
}

// UnmatchWriter forgets a writer. Samples already received stay available.
func (r *Reader) UnmatchWriter(writer GUID) bool {
	if _, ok := r.proxies[writer]; !ok {
		return false
	}
	delete(r.proxies, writer)
	r.log.WithField("writer", writer.String()).Info("writer unmatched")
	return true
}

// HandleData stores a received change. It reports whether the change was
// new.
func (r *Reader) HandleData(now time.Time, writer GUID, d *Data, srcTime time.Time) bool {
	wp, ok := r.proxies[writer]
	if !ok {
		r.log.WithField("writer", writer.String()).Debug("DATA from unmatched writer")
		return false
	}
	if !r.reliable() && d.WriterSN <= wp.contiguous {
		return false
	}
	if wp.has(d.WriterSN) {
		return false
	}
	// the submessage aliases the receive buffer
	payload := append([]byte(nil), d.Payload...)
	c := changeFromData(writer, d.WriterSN, d.InlineQos, payload, d.Key, srcTime, now)
	return r.accept(now, wp, c)
}

// HandleDataFrag adds fragments of a sample. It returns
// ErrIncompleteFragment until the last fragment arrives, then stores the
// sample exactly once.
func (r *Reader) HandleDataFrag(now time.Time, writer GUID, df *DataFrag, srcTime time.Time) (bool, error) {
	wp, ok := r.proxies[writer]
	if !ok {
		return false, nil
	}
	if wp.has(df.WriterSN) || (!r.reliable() && df.WriterSN <= wp.contiguous) {
		return false, nil
	}
	if wp.frags == nil {
		wp.frags = make(map[SeqNum]*fragBuffer)
	}
	fb, ok := wp.frags[df.WriterSN]
	if !ok {
		var err error
		if fb, err = newFragBuffer(df, r.params.maxSampleSize, now); err != nil {
			return false, err
		}
		wp.frags[df.WriterSN] = fb
	}
	done, err := fb.add(df)
	if err != nil {
		delete(wp.frags, df.WriterSN)
		return false, err
	}
	if !done {
		return false, ErrIncompleteFragment
	}
	delete(wp.frags, df.WriterSN)
	c := changeFromData(writer, df.WriterSN, fb.inlineQos, fb.data, fb.key, srcTime, now)
	return r.accept(now, wp, c), nil
}

func (r *Reader) accept(now time.Time, wp *WriterProxy, c *CacheChange) bool {
	if !r.reliable() {
		wp.contiguous = c.SequenceNumber
		wp.received.removeBelow(c.SequenceNumber + 1)
		if c.SequenceNumber > wp.highestSeen {
			wp.highestSeen = c.SequenceNumber
		}
	} else if !wp.markReceived(c.SequenceNumber) {
		return false
	}
	inserted, _, err := r.cache.Insert(c)
	if err != nil || !inserted {
		return false
	}
	r.metrics.SamplesReceived.Inc()
	wp.deadlineFrom = now
	return true
}

func changeFromData(writer GUID, sn SeqNum, qos cdr.ParameterList, payload []byte, key bool, srcTime, now time.Time) *CacheChange {
	c := &CacheChange{
		Kind:            ChangeAlive,
		WriterGUID:      writer,
		SequenceNumber:  sn,
		Payload:         payload,
		SourceTimestamp: srcTime,
	}
	if c.SourceTimestamp.IsZero() {
		c.SourceTimestamp = now
	}
	if k, ok := inlineKeyHash(qos); ok {
		c.KeyHash = k
	}
	status := inlineStatusInfo(qos)
	switch {
	case status&STATUS_INFO_UNREGISTERED != 0:
		c.Kind = ChangeNotAliveUnregistered
	case status&STATUS_INFO_DISPOSED != 0:
		c.Kind = ChangeNotAliveDisposed
	case key || len(payload) == 0:
		// key only and no status: a dispose by convention
		c.Kind = ChangeNotAliveDisposed
	}
	if c.Kind != ChangeAlive {
		c.Payload = nil
	}
	return c
}

// HandleHeartbeat compares the announced range with what was received and
// schedules an ACKNACK when something is missing or the writer asked for
// one. The ACKNACK goes out after a jittered response delay so a burst of
// heartbeats is answered once.
func (r *Reader) HandleHeartbeat(now time.Time, writer GUID, hb *Heartbeat, out *Outbox) {
	if !r.reliable() {
		return
	}
	wp, ok := r.proxies[writer]
	if !ok {
		r.log.WithField("writer", writer.String()).Debug("HEARTBEAT from unmatched writer")
		return
	}
	if wp.hbSeen && hb.Count <= wp.hbCount {
		return
	}
	wp.hbSeen, wp.hbCount = true, hb.Count
	r.metrics.Heartbeats.Inc()

	wp.irrelevantBelow(hb.FirstSN)
	if hb.LastSN > wp.announcedLast {
		wp.announcedLast = hb.LastSN
	}
	missing := wp.missing(wp.announcedLast)
	if len(missing) == 0 {
		if hb.Final {
			return
		}
		if r.params.heartbeatSuppression > 0 && now.Sub(wp.lastAckSent) < r.params.heartbeatSuppression {
			return
		}
	}
	r.scheduleAckNack(now, wp, out)
}

// HandleHeartbeatFrag schedules a NACK_FRAG for a partially received sample.
func (r *Reader) HandleHeartbeatFrag(now time.Time, writer GUID, hbf *HeartbeatFrag, out *Outbox) {
	if !r.reliable() {
		return
	}
	wp, ok := r.proxies[writer]
	if !ok {
		return
	}
	if wp.hbFragSeen && hbf.Count <= wp.hbFragCount {
		return
	}
	wp.hbFragSeen, wp.hbFragCount = true, hbf.Count
	if fb, ok := wp.frags[hbf.WriterSN]; ok && len(fb.missing(hbf.LastFragmentNum).Members()) > 0 {
		r.scheduleAckNack(now, wp, out)
	}
}

func (r *Reader) scheduleAckNack(now time.Time, wp *WriterProxy, out *Outbox) {
	if !wp.ackNackDue.IsZero() {
		return
	}
	delay := r.params.heartbeatResponseDelay
	if delay > 0 {
		half := delay / 2
		delay = half + time.Duration(r.rand.Int63n(int64(delay-half)+1))
	}
	wp.ackNackDue = now.Add(delay)
	if delay <= 0 {
		r.sendAckNack(now, wp, out)
	}
}

// sendAckNack acknowledges everything up to the contiguous mark and lists
// what is missing. Partially received samples are requested per fragment
// through NACK_FRAG instead.
func (r *Reader) sendAckNack(now time.Time, wp *WriterProxy, out *Outbox) {
	set := SeqNumSet{Base: wp.contiguous + 1}
	var sms []Submessage
	for _, sn := range wp.missing(wp.announcedLast) {
		fb, partial := wp.frags[sn]
		if !partial {
			set.Add(sn)
			continue
		}
		wp.nackFragCount++
		sms = append(sms, &NackFrag{
			ReaderID:            r.GUID.EntityID,
			WriterID:            wp.RemoteGUID.EntityID,
			WriterSN:            sn,
			FragmentNumberState: fb.missing(0),
			Count:               wp.nackFragCount,
		})
		r.metrics.NackFrags.WithLabelValues("sent").Inc()
	}
	wp.ackNackCount++
	sms = append(sms, &AckNack{
		ReaderID:      r.GUID.EntityID,
		WriterID:      wp.RemoteGUID.EntityID,
		ReaderSNState: set,
		Count:         wp.ackNackCount,
		Final:         true,
	})
	r.metrics.AckNacks.WithLabelValues("sent").Inc()
	out.send(wp.RemoteGUID.Prefix, wp.locators(), sms...)
	wp.ackNackDue = time.Time{}
	wp.lastAckSent = now
}

// HandleGap turns the sequence numbers the writer will never send into
// tombstones, for those still awaited, and moves past them.
func (r *Reader) HandleGap(now time.Time, writer GUID, g *Gap) int {
	wp, ok := r.proxies[writer]
	if !ok {
		return 0
	}
	lost := 0
	mark := func(sn SeqNum) {
		if wp.has(sn) {
			return
		}
		delete(wp.frags, sn)
		wp.received.add(sn)
		if lost < maxSetBits {
			r.cache.Insert(&CacheChange{Kind: ChangeLost, WriterGUID: writer, SequenceNumber: sn, SourceTimestamp: now})
			lost++
		}
	}
	// the leading range may be far wider than the window
	end := g.GapList.Base
	if end-g.GapStart > maxSetBits {
		end = g.GapStart + maxSetBits
	}
	for sn := g.GapStart; sn < end; sn++ {
		mark(sn)
	}
	for _, sn := range g.GapList.Members() {
		mark(sn)
	}
	wp.advance()
	if g.GapStart <= wp.contiguous+1 {
		wp.irrelevantBelow(g.GapList.Base)
	}
	return lost
}

// Tick sends ACKNACKs whose response delay expired, reports writers that
// missed their deadline and drops stale fragment buffers.
func (r *Reader) Tick(now time.Time, out *Outbox) {
	for _, wp := range r.proxies {
		if !wp.ackNackDue.IsZero() && !now.Before(wp.ackNackDue) {
			r.sendAckNack(now, wp, out)
		}
	}
	r.checkDeadlines(now, out)
	if now.Sub(r.lastFragGC) < minFragmentGCInterval {
		return
	}
	r.lastFragGC = now
	timeout := r.params.fragmentAssemblyTimeout
	if timeout <= 0 {
		timeout = defaultFragmentAssemblyTimeout
	}
	for _, wp := range r.proxies {
		for sn, fb := range wp.frags {
			if now.Sub(fb.created) > timeout {
				delete(wp.frags, sn)
				r.log.WithField("sn", sn).Debug("dropped incomplete fragmented sample")
			}
		}
	}
}

// checkDeadlines reports each writer that sent no new sample for a whole
// deadline period. A silent writer is reported again every period.
func (r *Reader) checkDeadlines(now time.Time, out *Outbox) {
	if r.Qos.Deadline == DurationInfinite {
		return
	}
	for _, wp := range r.proxies {
		if now.Sub(wp.deadlineFrom) < r.Qos.Deadline {
			continue
		}
		wp.deadlineFrom = now
		r.metrics.DeadlinesMissed.Inc()
		r.log.WithField("writer", wp.RemoteGUID.String()).Debug("deadline missed")
		out.DeadlinesMissed = append(out.DeadlinesMissed, EndpointPair{Local: r.GUID, Remote: wp.RemoteGUID})
	}
}

// deliverable reports whether c may be handed to the application. Reliable
// readers deliver a matched writer's changes in order.
func (r *Reader) deliverable(c *CacheChange) bool {
	if !r.reliable() {
		return true
	}
	wp, ok := r.proxies[c.WriterGUID]
	return !ok || c.SequenceNumber <= wp.contiguous
}

// Take removes and returns the deliverable changes. Tombstones are dropped
// on the way.
func (r *Reader) Take() []*CacheChange {
	var out []*CacheChange
	it := r.cache.IterFrom(0)
	for c, ok := it.Next(); ok; c, ok = it.Next() {
		if !r.deliverable(c) {
			continue
		}
		r.cache.Remove(c.WriterGUID, c.SequenceNumber)
		if c.Kind != ChangeLost {
			out = append(out, c)
		}
	}
	return out
}

// Read returns the deliverable changes and leaves them in the cache.
func (r *Reader) Read() []*CacheChange {
	var out []*CacheChange
	it := r.cache.IterFrom(0)
	for c, ok := it.Next(); ok; c, ok = it.Next() {
		if c.Kind != ChangeLost && r.deliverable(c) {
			out = append(out, c)
		}
	}
	return out
}
