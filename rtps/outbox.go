package rtps

// Envelope is a group of submessages bound for one participant. The
// submessages are sent, in order, to every locator listed.
type Envelope struct {
	// Dst is the destination participant, or unknown for a multicast
	// announcement that no INFO_DST should restrict.
	Dst         GUIDPrefix
	Locators    []Locator
	Submessages []Submessage
}

// Outbox collects what the state machines want to send in response to one
// event. The participant drains it after each call.
type Outbox struct {
	Envelopes []Envelope
	// Exhausted lists reader proxies dropped after too many fruitless
	// retransmission bursts.
	Exhausted []EndpointPair
	// DeadlinesMissed lists reader/writer pairs whose deadline period
	// passed without a sample.
	DeadlinesMissed []EndpointPair
}

// EndpointPair names a local endpoint and a remote one it was matched with.
type EndpointPair struct {
	Local  GUID
	Remote GUID
}

func (o *Outbox) send(dst GUIDPrefix, locs []Locator, sms ...Submessage) {
	if len(sms) == 0 || len(locs) == 0 {
		return
	}
	// coalesce with the previous envelope when it targets the same place
	if n := len(o.Envelopes); n > 0 {
		last := &o.Envelopes[n-1]
		if last.Dst == dst && sameLocators(last.Locators, locs) {
			last.Submessages = append(last.Submessages, sms...)
			return
		}
	}
	o.Envelopes = append(o.Envelopes, Envelope{Dst: dst, Locators: locs, Submessages: sms})
}

func (o *Outbox) reset() {
	o.Envelopes = o.Envelopes[:0]
	o.Exhausted = o.Exhausted[:0]
	o.DeadlinesMissed = o.DeadlinesMissed[:0]
}

func (o *Outbox) empty() bool {
	return len(o.Envelopes) == 0 && len(o.Exhausted) == 0 && len(o.DeadlinesMissed) == 0
}

func sameLocators(a, b []Locator) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
