package rtps

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// spdp: Simple Participant Discovery Protocol
//
// "The purpose of a PDP is to discover the presence of other Participants on the network and their properties.
// A Participant may support multiple PDPs, but for the purpose of interoperability,
// all implementations must support at least the Simple Participant Discovery Protocol."
//
// The announcement is the single change kept by a best effort writer. It
// is resent every period to the multicast group and to the metatraffic
// unicast locators of every known participant.

const (
	spdpTopic = "DCPSParticipant"
	spdpType  = "SPDPdiscoveredParticipantData"
)

type spdp struct {
	writer *Writer
	local  ParticipantData
	group  []Locator
	period time.Duration
	last   time.Time
	log    *log.Entry
}

func newSPDP(local ParticipantData, group []Locator, period time.Duration, params endpointParams, m *Metrics, logger *log.Entry) *spdp {
	qos := DefaultWriterQos()
	qos.Reliability = BestEffort
	qos.Durability = TransientLocal
	guid := GUID{Prefix: local.Prefix, EntityID: ENTITYID_SPDP_BUILTIN_PARTICIPANT_WRITER}
	return &spdp{
		writer: newWriter(guid, spdpTopic, spdpType, qos, params, m, logger),
		local:  local,
		group:  group,
		period: period,
		log:    logger.WithField("component", "spdp"),
	}
}

// start stores the announcement and sends it right away.
func (s *spdp) start(now time.Time, out *Outbox) error {
	payload, err := s.local.Encode(binary.LittleEndian)
	if err != nil {
		return errors.Wrap(err, "spdp announcement")
	}
	if _, err := s.writer.Write(now, ChangeAlive, s.local.GUID().KeyHash(), payload, out); err != nil {
		return errors.Wrap(err, "spdp announcement")
	}
	s.announce(now, nil, out)
	return nil
}

func (s *spdp) due(now time.Time) bool {
	return now.Sub(s.last) >= s.period
}

func (s *spdp) submessages() []Submessage {
	c, ok := s.writer.Cache().Get(s.writer.LastSN())
	if !ok {
		return nil
	}
	return s.writer.dataSubmessages(ENTITYID_SPDP_BUILTIN_PARTICIPANT_READER, c)
}

// announce sends the current announcement to the group and to peers.
func (s *spdp) announce(now time.Time, peers []*ParticipantProxy, out *Outbox) {
	sms := s.submessages()
	out.send(unknownGUIDPrefix, s.group, sms...)
	for _, pp := range peers {
		out.send(pp.Prefix, pp.MetaUnicast, sms...)
	}
	s.last = now
}

// reply greets a newly discovered participant directly, so it need not
// wait a full period to learn about us.
func (s *spdp) reply(pp *ParticipantProxy, out *Outbox) {
	out.send(pp.Prefix, pp.MetaUnicast, s.submessages()...)
}

// dispose replaces the announcement with one marking the participant gone
// and sends it everywhere.
func (s *spdp) dispose(now time.Time, peers []*ParticipantProxy, out *Outbox) error {
	if _, err := s.writer.Write(now, ChangeNotAliveUnregistered, s.local.GUID().KeyHash(), nil, out); err != nil {
		return err
	}
	s.announce(now, peers, out)
	return nil
}

// spdpSample is what one received announcement says.
type spdpSample struct {
	data *ParticipantData
	// gone is set for an announcement that the participant left
	gone GUIDPrefix
}

func decodeSPDP(d *Data) (spdpSample, error) {
	if status := inlineStatusInfo(d.InlineQos); status&(STATUS_INFO_DISPOSED|STATUS_INFO_UNREGISTERED) != 0 {
		if g, ok := keyGUID(d.InlineQos); ok {
			return spdpSample{gone: g.Prefix}, nil
		}
		pd, err := DecodeParticipantData(d.Payload)
		if err != nil {
			return spdpSample{}, errors.Wrap(err, "spdp dispose without key")
		}
		return spdpSample{gone: pd.Prefix}, nil
	}
	if d.Key || len(d.Payload) == 0 {
		return spdpSample{}, errors.Wrap(ErrMalformedData, "spdp sample without data")
	}
	pd, err := DecodeParticipantData(d.Payload)
	if err != nil {
		return spdpSample{}, err
	}
	return spdpSample{data: pd}, nil
}

// handleSPDP applies one received announcement.
func (p *Participant) handleSPDP(now time.Time, r *receiver, d *Data) {
	sample, err := decodeSPDP(d)
	if err != nil {
		p.malformed(r, err)
		return
	}
	if !sample.gone.Unknown() {
		if sample.gone != p.prefix {
			p.removeParticipant(now, sample.gone, ErrParticipantDisposed)
		}
		return
	}

	pd := sample.data
	switch {
	case pd.Prefix == p.prefix:
		return
	case pd.DomainID != p.cfg.DomainID:
		p.log.WithFields(log.Fields{
			"remote": pd.Prefix.String(),
			"domain": pd.DomainID,
		}).Debug("ignoring participant from another domain")
		return
	}

	pp, isNew := p.db.upsertParticipant(now, pd)
	if !isNew {
		// locators may have changed; matching again only refreshes them
		p.sedp.matchParticipant(now, pp, &p.out)
		return
	}
	p.metrics.Participants.Inc()
	p.log.WithFields(log.Fields{
		"remote": pd.Prefix.String(),
		"vendor": pd.Vendor.String(),
		"name":   pd.EntityName,
		"lease":  pd.LeaseDuration,
	}).Info("participant discovered")
	p.sedp.matchParticipant(now, pp, &p.out)
	p.spdp.reply(pp, &p.out)
	snapshot := *pp
	p.emit(func(l *Listener) {
		if l.ParticipantDiscovered != nil {
			l.ParticipantDiscovered(snapshot)
		}
	})
}

// removeParticipant drops a remote participant and everything matched
// with its endpoints.
func (p *Participant) removeParticipant(now time.Time, prefix GUIDPrefix, reason error) {
	eps, ok := p.db.removeParticipant(prefix)
	if !ok {
		return
	}
	for _, ed := range eps {
		p.unmatchRemote(ed.GUID, reason)
	}
	p.sedp.unmatchParticipant(prefix)
	p.metrics.Participants.Dec()
	p.log.WithFields(log.Fields{
		"remote": prefix.String(),
		"reason": reason.Error(),
	}).Info("participant lost")
	p.emit(func(l *Listener) {
		if l.ParticipantLost != nil {
			l.ParticipantLost(prefix, reason)
		}
	})
}
