package rtps

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

type ReliabilityKind uint32

const (
	BestEffort ReliabilityKind = 1
	Reliable   ReliabilityKind = 2
)

func (k ReliabilityKind) String() string {
	switch k {
	case BestEffort:
		return "BEST_EFFORT"
	case Reliable:
		return "RELIABLE"
	}
	return fmt.Sprintf("RELIABILITY(%d)", uint32(k))
}

type DurabilityKind uint32

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

func (k DurabilityKind) String() string {
	switch k {
	case Volatile:
		return "VOLATILE"
	case TransientLocal:
		return "TRANSIENT_LOCAL"
	case Transient:
		return "TRANSIENT"
	case Persistent:
		return "PERSISTENT"
	}
	return fmt.Sprintf("DURABILITY(%d)", uint32(k))
}

type HistoryKind uint32

const (
	KeepLast HistoryKind = iota
	KeepAll
)

type LivelinessKind uint32

const (
	Automatic LivelinessKind = iota
	ManualByParticipant
	ManualByTopic
)

func (k LivelinessKind) String() string {
	switch k {
	case Automatic:
		return "AUTOMATIC"
	case ManualByParticipant:
		return "MANUAL_BY_PARTICIPANT"
	case ManualByTopic:
		return "MANUAL_BY_TOPIC"
	}
	return fmt.Sprintf("LIVELINESS(%d)", uint32(k))
}

type OwnershipKind uint32

const (
	Shared OwnershipKind = iota
	Exclusive
)

type DestinationOrderKind uint32

const (
	ByReceptionTimestamp DestinationOrderKind = iota
	BySourceTimestamp
)

// QosPolicySet is the bundle of policies attached to an endpoint when it is
// created. It is treated as immutable afterwards.
type QosPolicySet struct {
	Reliability      ReliabilityKind
	MaxBlockingTime  time.Duration
	Durability       DurabilityKind
	History          HistoryKind
	Depth            int32
	Deadline         time.Duration
	Liveliness       LivelinessKind
	LeaseDuration    time.Duration
	Ownership        OwnershipKind
	Strength         int32
	DestinationOrder DestinationOrderKind
	Partitions       []string
	Lifespan         time.Duration
}

// DefaultWriterQos is the QoS assumed for a writer that does not announce
// a policy.
func DefaultWriterQos() QosPolicySet {
	return QosPolicySet{
		Reliability:     Reliable,
		MaxBlockingTime: 100 * time.Millisecond,
		Durability:      Volatile,
		History:         KeepLast,
		Depth:           1,
		Deadline:        DurationInfinite,
		Liveliness:      Automatic,
		LeaseDuration:   DurationInfinite,
		Lifespan:        DurationInfinite,
	}
}

// DefaultReaderQos is the QoS assumed for a reader that does not announce
// a policy.
func DefaultReaderQos() QosPolicySet {
	q := DefaultWriterQos()
	q.Reliability = BestEffort
	q.MaxBlockingTime = 0
	return q
}

func (q QosPolicySet) Validate() error {
	switch {
	case q.Reliability != BestEffort && q.Reliability != Reliable:
		return errors.Errorf("invalid reliability %d", q.Reliability)
	case q.Durability > Persistent:
		return errors.Errorf("invalid durability %d", q.Durability)
	case q.History > KeepAll:
		return errors.Errorf("invalid history %d", q.History)
	case q.History == KeepLast && q.Depth < 1:
		return errors.Errorf("keep last history needs depth >= 1, got %d", q.Depth)
	case q.Liveliness > ManualByTopic:
		return errors.Errorf("invalid liveliness %d", q.Liveliness)
	case q.Ownership > Exclusive:
		return errors.Errorf("invalid ownership %d", q.Ownership)
	case q.DestinationOrder > BySourceTimestamp:
		return errors.Errorf("invalid destination order %d", q.DestinationOrder)
	case q.Deadline <= 0, q.LeaseDuration <= 0:
		return errors.New("deadline and liveliness lease must be positive")
	case q.Lifespan <= 0:
		return errors.New("lifespan must be positive")
	}
	return nil
}

// historyDepth is the cache bound implied by the policy, 0 for unbounded.
func (q QosPolicySet) historyDepth() int {
	if q.History == KeepAll {
		return 0
	}
	return int(q.Depth)
}

func (q QosPolicySet) writeParams(w *paramWriter) {
	w.add(PID_RELIABILITY, func(e *cdr.Encoder) {
		e.WriteUint32(uint32(q.Reliability))
		writeDuration(e, q.MaxBlockingTime)
	})
	w.uint32(PID_DURABILITY, uint32(q.Durability))
	w.add(PID_HISTORY, func(e *cdr.Encoder) {
		e.WriteUint32(uint32(q.History))
		e.WriteInt32(q.Depth)
	})
	w.duration(PID_DEADLINE, q.Deadline)
	w.add(PID_LIVELINESS, func(e *cdr.Encoder) {
		e.WriteUint32(uint32(q.Liveliness))
		writeDuration(e, q.LeaseDuration)
	})
	w.uint32(PID_OWNERSHIP, uint32(q.Ownership))
	if q.Ownership == Exclusive {
		w.add(PID_OWNERSHIP_STRENGTH, func(e *cdr.Encoder) { e.WriteInt32(q.Strength) })
	}
	w.uint32(PID_DESTINATION_ORDER, uint32(q.DestinationOrder))
	if len(q.Partitions) > 0 {
		w.add(PID_PARTITION, func(e *cdr.Encoder) {
			e.WriteUint32(uint32(len(q.Partitions)))
			for _, p := range q.Partitions {
				e.WriteString(p)
			}
		})
	}
	if q.Lifespan != DurationInfinite {
		w.duration(PID_LIFESPAN, q.Lifespan)
	}
}

// applyParam updates q from one parameter. It reports whether the id was
// a QoS policy.
func (q *QosPolicySet) applyParam(r paramReader, p cdr.Parameter) (bool, error) {
	var err error
	switch p.ID {
	case PID_RELIABILITY:
		d := p.Decoder(r.order)
		var k uint32
		if k, err = d.ReadUint32(); err == nil {
			q.Reliability = ReliabilityKind(k)
			// some vendors omit the blocking time
			if d.Remaining() >= 8 {
				q.MaxBlockingTime, err = readDuration(d)
			}
		}
	case PID_DURABILITY:
		var k uint32
		k, err = r.uint32(p)
		q.Durability = DurabilityKind(k)
	case PID_HISTORY:
		d := p.Decoder(r.order)
		var k uint32
		if k, err = d.ReadUint32(); err == nil {
			q.History = HistoryKind(k)
			q.Depth, err = d.ReadInt32()
		}
	case PID_DEADLINE:
		q.Deadline, err = r.duration(p)
	case PID_LIVELINESS:
		d := p.Decoder(r.order)
		var k uint32
		if k, err = d.ReadUint32(); err == nil {
			q.Liveliness = LivelinessKind(k)
			q.LeaseDuration, err = readDuration(d)
		}
	case PID_OWNERSHIP:
		var k uint32
		k, err = r.uint32(p)
		q.Ownership = OwnershipKind(k)
	case PID_OWNERSHIP_STRENGTH:
		q.Strength, err = r.int32(p)
	case PID_DESTINATION_ORDER:
		var k uint32
		k, err = r.uint32(p)
		q.DestinationOrder = DestinationOrderKind(k)
	case PID_PARTITION:
		q.Partitions, err = r.strings(p)
	case PID_LIFESPAN:
		q.Lifespan, err = r.duration(p)
	default:
		return false, nil
	}
	return true, errors.Wrapf(err, "qos parameter 0x%04x", p.ID)
}
