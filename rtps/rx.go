package rtps

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// receiver is used to dispatch all the submsgs within a msg
// lifetime is a single msg
type receiver struct {
	src           Locator
	srcProtoVer   ProtoVersion
	srcVID        VendorID
	srcGUIDPrefix GUIDPrefix
	dstGUIDPrefix GUIDPrefix
	haveTimestamp bool
	timestamp     time.Time
}

// sourceTime is the timestamp to stamp changes with.
func (r *receiver) sourceTime(now time.Time) time.Time {
	if r.haveTimestamp {
		return r.timestamp
	}
	return now
}

func (r *receiver) forPrefix(gp GUIDPrefix) bool {
	return r.dstGUIDPrefix.Unknown() || r.dstGUIDPrefix == gp
}

func (r *receiver) writerGUID(eid EntityID) GUID {
	return GUID{Prefix: r.srcGUIDPrefix, EntityID: eid}
}

// handleDatagram parses one datagram and dispatches its submessages.
// Anything malformed is counted, logged and dropped.
func (p *Participant) handleDatagram(now time.Time, dg datagram) {
	p.metrics.DatagramsIn.Inc()
	// don't process our own messages; multicast loops them back
	if isOwnMessage(dg.b, p.prefix) {
		return
	}
	m, err := DecodeMessage(dg.b)
	if err != nil {
		p.malformed(&receiver{src: dg.src}, err)
		return
	}
	r := &receiver{
		src:           dg.src,
		srcProtoVer:   m.Header.Version,
		srcVID:        m.Header.Vendor,
		srcGUIDPrefix: m.Header.Prefix,
	}
	for _, serr := range m.Skipped {
		p.malformed(r, serr)
	}
	for _, sm := range m.Submessages {
		p.metrics.Submessages.WithLabelValues(submessageName(sm.SubmessageID())).Inc()
		p.handleSubmessage(now, r, sm)
	}
}

func (p *Participant) malformed(r *receiver, err error) {
	p.metrics.Malformed.Inc()
	entry := p.log.WithError(err).WithField("src", r.src.String())
	if !r.srcGUIDPrefix.Unknown() {
		entry = entry.WithField("remote", r.srcGUIDPrefix.String())
	}
	entry.Warn("dropping malformed input")
}

func (p *Participant) handleSubmessage(now time.Time, r *receiver, sm Submessage) {
	switch s := sm.(type) {
	case *InfoTS:
		r.haveTimestamp = !s.Invalidate
		r.timestamp = s.Timestamp
		return
	case *InfoSrc:
		r.srcGUIDPrefix = s.Prefix
		r.srcProtoVer = s.Version
		r.srcVID = s.Vendor
		return
	case *InfoDst:
		r.dstGUIDPrefix = s.Prefix
		return
	case *Pad:
		return
	}

	if !r.forPrefix(p.prefix) {
		return
	}

	if protected(sm) {
		var err error
		if sm, err = p.security.TransformIncoming(r.srcGUIDPrefix, sm); err != nil {
			p.metrics.AuthFailures.Inc()
			p.log.WithError(err).WithField("remote", r.srcGUIDPrefix.String()).Warn("submessage rejected")
			return
		}
	}

	switch s := sm.(type) {
	case *Data:
		p.rxData(now, r, s)
	case *DataFrag:
		p.rxDataFrag(now, r, s)
	case *Heartbeat:
		for _, rd := range p.readersFor(s.ReaderID, r.writerGUID(s.WriterID)) {
			rd.HandleHeartbeat(now, r.writerGUID(s.WriterID), s, &p.out)
		}
	case *HeartbeatFrag:
		for _, rd := range p.readersFor(s.ReaderID, r.writerGUID(s.WriterID)) {
			rd.HandleHeartbeatFrag(now, r.writerGUID(s.WriterID), s, &p.out)
		}
	case *Gap:
		for _, rd := range p.readersFor(s.ReaderID, r.writerGUID(s.WriterID)) {
			// a gap can release changes held back behind it
			if rd.HandleGap(now, r.writerGUID(s.WriterID), s) > 0 {
				p.delivered(now, rd, r)
			}
		}
	case *AckNack:
		if w, ok := p.writers[s.WriterID]; ok {
			w.HandleAckNack(now, GUID{Prefix: r.srcGUIDPrefix, EntityID: s.ReaderID}, s, &p.out)
		}
	case *NackFrag:
		if w, ok := p.writers[s.WriterID]; ok {
			w.HandleNackFrag(now, GUID{Prefix: r.srcGUIDPrefix, EntityID: s.ReaderID}, s, &p.out)
		}
	}
}

// readersFor finds the local readers a submessage from writer is meant
// for: the addressed one, or every reader matched with writer when the
// reader id is unknown.
func (p *Participant) readersFor(readerID EntityID, writer GUID) []*Reader {
	if readerID != ENTITYID_UNKNOWN {
		rd, ok := p.readers[readerID]
		if !ok {
			return nil
		}
		if _, ok := rd.WriterProxy(writer); !ok {
			return nil
		}
		return []*Reader{rd}
	}
	var out []*Reader
	for _, rd := range p.readers {
		if _, ok := rd.WriterProxy(writer); ok {
			out = append(out, rd)
		}
	}
	return out
}

func (p *Participant) rxData(now time.Time, r *receiver, d *Data) {
	if d.WriterID == ENTITYID_SPDP_BUILTIN_PARTICIPANT_WRITER {
		p.handleSPDP(now, r, d)
		return
	}
	writer := r.writerGUID(d.WriterID)
	readers := p.readersFor(d.ReaderID, writer)
	if len(readers) == 0 {
		p.log.WithFields(log.Fields{
			"writer": writer.String(),
			"sn":     d.WriterSN,
		}).Debug("couldn't find a matched reader for this DATA")
		return
	}
	for _, rd := range readers {
		if rd.HandleData(now, writer, d, r.sourceTime(now)) {
			p.delivered(now, rd, r)
		}
	}
}

func (p *Participant) rxDataFrag(now time.Time, r *receiver, df *DataFrag) {
	writer := r.writerGUID(df.WriterID)
	for _, rd := range p.readersFor(df.ReaderID, writer) {
		ok, err := rd.HandleDataFrag(now, writer, df, r.sourceTime(now))
		switch {
		case errors.Is(err, ErrIncompleteFragment):
		case err != nil:
			p.malformed(r, err)
		case ok:
			p.delivered(now, rd, r)
		}
	}
}

// delivered tells whoever consumes rd that changes may be ready.
func (p *Participant) delivered(now time.Time, rd *Reader, r *receiver) {
	if rd == p.sedp.pubReader || rd == p.sedp.subReader {
		p.processSEDP(now, r)
		return
	}
	dr, ok := p.dataReaders[rd.GUID.EntityID]
	if !ok {
		return
	}
	dr.signal()
	guid := rd.GUID
	p.emit(func(l *Listener) {
		if l.DataAvailable != nil {
			l.DataAvailable(guid)
		}
	})
}
