package rtps

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// sedp: Simple Endpoint Discovery Protocol
//
// Local writers and readers are announced as samples of two builtin
// topics, carried by reliable transient local writers so that participants
// discovered later still receive every announcement.

const (
	sedpPublicationsTopic  = "DCPSPublication"
	sedpSubscriptionsTopic = "DCPSSubscription"
	sedpPublicationsType   = "PublicationBuiltinTopicData"
	sedpSubscriptionsType  = "SubscriptionBuiltinTopicData"
)

type sedp struct {
	pubWriter *Writer
	subWriter *Writer
	pubReader *Reader
	subReader *Reader
	// sequence number of each local endpoint's current announcement
	announced map[GUID]SeqNum
}

func newSEDP(prefix GUIDPrefix, params endpointParams, m *Metrics, logger *log.Entry) *sedp {
	qos := DefaultWriterQos()
	qos.Reliability = Reliable
	qos.Durability = TransientLocal
	qos.History = KeepAll
	rqos := qos
	rqos.MaxBlockingTime = 0
	g := func(eid EntityID) GUID { return GUID{Prefix: prefix, EntityID: eid} }
	return &sedp{
		pubWriter: newWriter(g(ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER), sedpPublicationsTopic, sedpPublicationsType, qos, params, m, logger),
		subWriter: newWriter(g(ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_WRITER), sedpSubscriptionsTopic, sedpSubscriptionsType, qos, params, m, logger),
		pubReader: newReader(g(ENTITYID_SEDP_BUILTIN_PUBLICATIONS_READER), sedpPublicationsTopic, sedpPublicationsType, rqos, params, m, logger),
		subReader: newReader(g(ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_READER), sedpSubscriptionsTopic, sedpSubscriptionsType, rqos, params, m, logger),
		announced: make(map[GUID]SeqNum),
	}
}

func (s *sedp) writers() []*Writer {
	return []*Writer{s.pubWriter, s.subWriter}
}

func (s *sedp) readers() []*Reader {
	return []*Reader{s.pubReader, s.subReader}
}

// matchParticipant pairs the builtin endpoints with those the remote
// participant says it has. For a known participant this refreshes
// locators only.
func (s *sedp) matchParticipant(now time.Time, pp *ParticipantProxy, out *Outbox) {
	bits := pp.BuiltinEndpoints
	remote := func(eid EntityID) GUID { return GUID{Prefix: pp.Prefix, EntityID: eid} }
	readerProxy := func(eid EntityID) *ReaderProxy {
		return &ReaderProxy{
			RemoteGUID: remote(eid),
			Unicast:    pp.MetaUnicast,
			Multicast:  pp.MetaMulticast,
			Reliable:   true,
		}
	}
	writerProxy := func(eid EntityID) *WriterProxy {
		return &WriterProxy{
			RemoteGUID: remote(eid),
			Unicast:    pp.MetaUnicast,
			Multicast:  pp.MetaMulticast,
		}
	}
	if bits.has(DISC_BUILTIN_ENDPOINT_PUBLICATION_DETECTOR) {
		s.pubWriter.MatchReader(now, readerProxy(ENTITYID_SEDP_BUILTIN_PUBLICATIONS_READER), out)
	}
	if bits.has(DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_DETECTOR) {
		s.subWriter.MatchReader(now, readerProxy(ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_READER), out)
	}
	if bits.has(DISC_BUILTIN_ENDPOINT_PUBLICATION_ANNOUNCER) {
		s.pubReader.MatchWriter(now, writerProxy(ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER), out)
	}
	if bits.has(DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_ANNOUNCER) {
		s.subReader.MatchWriter(now, writerProxy(ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_WRITER), out)
	}
}

func (s *sedp) unmatchParticipant(prefix GUIDPrefix) {
	remote := func(eid EntityID) GUID { return GUID{Prefix: prefix, EntityID: eid} }
	s.pubWriter.UnmatchReader(remote(ENTITYID_SEDP_BUILTIN_PUBLICATIONS_READER))
	s.subWriter.UnmatchReader(remote(ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_READER))
	s.pubReader.UnmatchWriter(remote(ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER))
	s.subReader.UnmatchWriter(remote(ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_WRITER))
	// samples from a participant that is gone are of no use any more
	s.pubReader.Cache().RemoveWriter(remote(ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER))
	s.subReader.Cache().RemoveWriter(remote(ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_WRITER))
}

func (s *sedp) writerFor(g GUID) *Writer {
	if g.EntityID.isWriter() {
		return s.pubWriter
	}
	return s.subWriter
}

// announce publishes a local endpoint, superseding its previous
// announcement.
func (s *sedp) announce(now time.Time, ed *EndpointData, out *Outbox) error {
	payload, err := ed.Encode(binary.LittleEndian)
	if err != nil {
		return errors.Wrapf(err, "announce %s", ed.GUID)
	}
	w := s.writerFor(ed.GUID)
	c, err := w.Write(now, ChangeAlive, ed.GUID.KeyHash(), payload, out)
	if err != nil {
		return errors.Wrapf(err, "announce %s", ed.GUID)
	}
	s.retire(w, ed.GUID)
	s.announced[ed.GUID] = c.SequenceNumber
	return nil
}

// withdraw publishes the disposal of a local endpoint.
func (s *sedp) withdraw(now time.Time, g GUID, out *Outbox) error {
	w := s.writerFor(g)
	s.retire(w, g)
	delete(s.announced, g)
	_, err := w.Write(now, ChangeNotAliveDisposed, g.KeyHash(), nil, out)
	return errors.Wrapf(err, "withdraw %s", g)
}

// retire drops the previous announcement of g from history; late joiners
// are told with a GAP instead.
func (s *sedp) retire(w *Writer, g GUID) {
	if sn, ok := s.announced[g]; ok {
		w.Cache().Remove(w.GUID, sn)
	}
}

// sedpUpdate is one received endpoint announcement.
type sedpUpdate struct {
	guid     GUID
	data     *EndpointData
	disposed bool
}

// take drains the builtin readers. Malformed samples are returned as
// errors alongside the good ones.
func (s *sedp) take() ([]sedpUpdate, []error) {
	var updates []sedpUpdate
	var errs []error
	for _, r := range s.readers() {
		writers := r == s.pubReader
		for _, c := range r.Take() {
			if c.Kind != ChangeAlive {
				g := guidFromBytes(c.KeyHash[:])
				if g.Unknown() {
					if ed, err := DecodeEndpointData(c.Payload, c.KeyHash, writers); err == nil {
						g = ed.GUID
					}
				}
				if g.Unknown() {
					errs = append(errs, errors.Wrap(ErrMalformedData, "endpoint disposal without key"))
					continue
				}
				updates = append(updates, sedpUpdate{guid: g, disposed: true})
				continue
			}
			ed, err := DecodeEndpointData(c.Payload, c.KeyHash, writers)
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "%s sample %d", r.Topic, c.SequenceNumber))
				continue
			}
			if ed.GUID.Prefix != c.WriterGUID.Prefix {
				errs = append(errs, errors.Wrapf(ErrMalformedData, "%s announced by %s", ed.GUID, c.WriterGUID.Prefix))
				continue
			}
			updates = append(updates, sedpUpdate{guid: ed.GUID, data: ed})
		}
	}
	return updates, errs
}

// processSEDP applies whatever the builtin readers delivered.
func (p *Participant) processSEDP(now time.Time, r *receiver) {
	updates, errs := p.sedp.take()
	for _, err := range errs {
		p.malformed(r, err)
	}
	for _, u := range updates {
		if u.disposed {
			if _, ok := p.db.removeEndpoint(u.guid); ok {
				p.unmatchRemote(u.guid, ErrEndpointDisposed)
			}
			continue
		}
		pp, ok := p.db.participant(u.guid.Prefix)
		if !ok {
			continue
		}
		ed := u.data
		if len(ed.Unicast) == 0 && len(ed.Multicast) == 0 {
			ed.Unicast, ed.Multicast = pp.DefaultUnicast, pp.DefaultMulticast
		}
		if prev := p.db.putEndpoint(ed); prev == nil {
			p.log.WithFields(log.Fields{
				"remote": ed.GUID.String(),
				"topic":  ed.Topic,
				"type":   ed.TypeName,
			}).Debug("endpoint discovered")
		}
		for _, local := range p.local {
			p.tryMatch(now, local, ed)
		}
	}
}

// tryMatch matches a local endpoint with a remote one of the opposite
// role, or records why it cannot.
func (p *Participant) tryMatch(now time.Time, local, remote *EndpointData) {
	if local.IsWriter() == remote.IsWriter() || local.Topic != remote.Topic {
		return
	}
	_, span := p.tracer.Start(p.ctx, "sedp.match", trace.WithAttributes(
		attribute.String("rtps.topic", local.Topic),
		attribute.String("rtps.type", local.TypeName),
		attribute.String("rtps.local", local.GUID.String()),
		attribute.String("rtps.remote", remote.GUID.String()),
	))
	defer span.End()

	wd, rd := local, remote
	if !local.IsWriter() {
		wd, rd = remote, local
	}
	if err := CheckCompatible(wd, rd); err != nil {
		var qe *QosIncompatibleError
		errors.As(err, &qe)
		span.RecordError(err)
		span.SetStatus(codes.Error, qe.Policy)
		p.metrics.IncompatibleQos.WithLabelValues(qe.Policy).Inc()
		p.log.WithFields(log.Fields{
			"local":  local.GUID.String(),
			"remote": remote.GUID.String(),
			"policy": qe.Policy,
		}).Warn("incompatible qos")
		p.unmatchPair(local.GUID, remote.GUID, err)
		p.emit(func(l *Listener) {
			if l.IncompatibleQos != nil {
				l.IncompatibleQos(local.GUID, remote.GUID, qe)
			}
		})
		return
	}
	span.SetStatus(codes.Ok, "")

	isNew := false
	if local.IsWriter() {
		w, ok := p.writers[local.GUID.EntityID]
		if !ok {
			return
		}
		_, matched := w.ReaderProxy(remote.GUID)
		isNew = !matched
		w.MatchReader(now, &ReaderProxy{
			RemoteGUID:       remote.GUID,
			Unicast:          remote.Unicast,
			Multicast:        remote.Multicast,
			Reliable:         remote.Qos.Reliability == Reliable,
			ExpectsInlineQos: remote.ExpectsInlineQos,
		}, &p.out)
	} else {
		r, ok := p.readers[local.GUID.EntityID]
		if !ok {
			return
		}
		_, matched := r.WriterProxy(remote.GUID)
		isNew = !matched
		r.MatchWriter(now, &WriterProxy{
			RemoteGUID: remote.GUID,
			Unicast:    remote.Unicast,
			Multicast:  remote.Multicast,
		}, &p.out)
	}
	if !isNew {
		return
	}
	p.metrics.MatchedEndpoints.Inc()
	p.emit(func(l *Listener) {
		if l.Matched != nil {
			l.Matched(local.GUID, remote.GUID)
		}
	})
}

// unmatchRemote unmatches every local endpoint from a remote one.
func (p *Participant) unmatchRemote(remote GUID, reason error) {
	for g := range p.local {
		p.unmatchPair(g, remote, reason)
	}
}

func (p *Participant) unmatchPair(local, remote GUID, reason error) {
	var ok bool
	if local.EntityID.isWriter() {
		if w, found := p.writers[local.EntityID]; found {
			ok = w.UnmatchReader(remote)
		}
	} else if r, found := p.readers[local.EntityID]; found {
		ok = r.UnmatchWriter(remote)
	}
	if ok {
		p.unmatched(EndpointPair{Local: local, Remote: remote}, reason)
	}
}

// unmatched reports a pair that is no longer matched.
func (p *Participant) unmatched(pair EndpointPair, reason error) {
	p.metrics.MatchedEndpoints.Dec()
	p.emit(func(l *Listener) {
		if l.Unmatched != nil {
			l.Unmatched(pair.Local, pair.Remote, reason)
		}
	})
}
