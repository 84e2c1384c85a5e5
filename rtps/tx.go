package rtps

import (
	"encoding/binary"
	"time"

	log "github.com/sirupsen/logrus"
)

// flush sends everything the state machines queued while handling one
// event and applies the matches they dropped.
func (p *Participant) flush(now time.Time) {
	for _, env := range p.out.Envelopes {
		msgs := p.pack(now, env)
		for _, loc := range env.Locators {
			for _, b := range msgs {
				p.transmit(loc, b)
			}
		}
	}
	for _, pair := range p.out.Exhausted {
		if _, ok := p.local[pair.Local]; ok {
			p.unmatched(pair, ErrRetransmissionExhausted)
			continue
		}
		// builtin endpoints rematch on the next announcement
		p.log.WithField("remote", pair.Remote.String()).Debug("builtin reader stopped answering")
	}
	for _, pair := range p.out.DeadlinesMissed {
		p.emit(func(l *Listener) {
			if l.DeadlineMissed != nil {
				l.DeadlineMissed(pair.Local, pair.Remote)
			}
		})
	}
	p.out.reset()
}

func (p *Participant) transmit(loc Locator, b []byte) {
	if err := p.transport.Send(loc, b); err != nil {
		p.metrics.SendErrors.Inc()
		p.log.WithError(err).WithField("dst", loc.String()).Debug("send failed")
		return
	}
	p.metrics.DatagramsOut.Inc()
}

func carriesData(sms []Submessage) bool {
	for _, sm := range sms {
		switch sm.(type) {
		case *Data, *DataFrag:
			return true
		}
	}
	return false
}

// pack turns an envelope into as few messages as MaxMessageSize allows.
// Each message repeats the INFO_DST and INFO_TS context so it can be
// interpreted on its own.
func (p *Participant) pack(now time.Time, env Envelope) [][]byte {
	order := binary.LittleEndian
	hdr := newHeader(p.prefix)
	preamble := hdr.appendTo(nil)
	if !env.Dst.Unknown() {
		b, _ := encodeSubmessage(&InfoDst{Prefix: env.Dst}, order)
		preamble = append(preamble, b...)
	}
	if carriesData(env.Submessages) {
		b, _ := encodeSubmessage(&InfoTS{Timestamp: now}, order)
		preamble = append(preamble, b...)
	}

	var msgs [][]byte
	cur := append([]byte(nil), preamble...)
	for _, sm := range env.Submessages {
		if protected(sm) {
			t, err := p.security.TransformOutgoing(env.Dst, sm)
			if err != nil {
				p.log.WithError(err).WithField("dst", env.Dst.String()).Warn("outgoing transform failed")
				continue
			}
			sm = t
		}
		b, err := encodeSubmessage(sm, order)
		if err != nil {
			p.log.WithError(err).Warn("dropping unencodable submessage")
			continue
		}
		if len(cur)+len(b) > p.cfg.MaxMessageSize && len(cur) > len(preamble) {
			msgs = append(msgs, cur)
			cur = append([]byte(nil), preamble...)
		}
		if len(preamble)+len(b) > p.cfg.MaxMessageSize {
			p.log.WithFields(log.Fields{
				"submessage": submessageName(sm.SubmessageID()),
				"size":       len(b),
			}).Warn("submessage exceeds max message size")
		}
		cur = append(cur, b...)
	}
	if len(cur) > len(preamble) {
		msgs = append(msgs, cur)
	}
	return msgs
}
