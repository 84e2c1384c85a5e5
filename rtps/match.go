package rtps

import (
	"path"
)

// ordering tables, higher is stronger
var (
	reliabilityRank = map[ReliabilityKind]int{
		BestEffort: 0,
		Reliable:   1,
	}
	durabilityRank = map[DurabilityKind]int{
		Volatile:       0,
		TransientLocal: 1,
		Transient:      2,
		Persistent:     3,
	}
	livelinessRank = map[LivelinessKind]int{
		Automatic:           0,
		ManualByParticipant: 1,
		ManualByTopic:       2,
	}
	destinationOrderRank = map[DestinationOrderKind]int{
		ByReceptionTimestamp: 0,
		BySourceTimestamp:    1,
	}
)

// offeredAtLeast compares two values through an ordering table. Values
// missing from the table never satisfy a request.
func offeredAtLeast[K comparable](table map[K]int, offered, requested K) bool {
	o, ok1 := table[offered]
	r, ok2 := table[requested]
	return ok1 && ok2 && o >= r
}

// IsCompatible reports whether writer may be matched with reader.
func IsCompatible(writer, reader *EndpointData) bool {
	return CheckCompatible(writer, reader) == nil
}

// CheckCompatible applies the request/offered rules. Topic and type names
// must be identical; every policy must be offered at least as strongly as
// it is requested. The returned error is a *QosIncompatibleError naming
// the first failing policy.
func CheckCompatible(writer, reader *EndpointData) error {
	o, r := &writer.Qos, &reader.Qos
	switch {
	case writer.Topic != reader.Topic:
		return &QosIncompatibleError{"TOPIC_NAME", writer.Topic, reader.Topic}
	case writer.TypeName != reader.TypeName:
		return &QosIncompatibleError{"TYPE_NAME", writer.TypeName, reader.TypeName}
	case !offeredAtLeast(reliabilityRank, o.Reliability, r.Reliability):
		return &QosIncompatibleError{"RELIABILITY", o.Reliability, r.Reliability}
	case !offeredAtLeast(durabilityRank, o.Durability, r.Durability):
		return &QosIncompatibleError{"DURABILITY", o.Durability, r.Durability}
	case o.Deadline > r.Deadline:
		return &QosIncompatibleError{"DEADLINE", o.Deadline, r.Deadline}
	case !offeredAtLeast(livelinessRank, o.Liveliness, r.Liveliness):
		return &QosIncompatibleError{"LIVELINESS", o.Liveliness, r.Liveliness}
	case o.LeaseDuration > r.LeaseDuration:
		return &QosIncompatibleError{"LIVELINESS_LEASE", o.LeaseDuration, r.LeaseDuration}
	case o.Ownership != r.Ownership:
		return &QosIncompatibleError{"OWNERSHIP", o.Ownership, r.Ownership}
	case !offeredAtLeast(destinationOrderRank, o.DestinationOrder, r.DestinationOrder):
		return &QosIncompatibleError{"DESTINATION_ORDER", o.DestinationOrder, r.DestinationOrder}
	case !partitionsMatch(o.Partitions, r.Partitions):
		return &QosIncompatibleError{"PARTITION", o.Partitions, r.Partitions}
	}
	return nil
}

// partitionsMatch is true when both sides share a partition. An empty list
// is the default partition "". Names may contain shell wildcards on either
// side, but two wildcards never match each other.
func partitionsMatch(a, b []string) bool {
	if len(a) == 0 {
		a = []string{""}
	}
	if len(b) == 0 {
		b = []string{""}
	}
	for _, x := range a {
		for _, y := range b {
			if partitionNameMatch(x, y) {
				return true
			}
		}
	}
	return false
}

func partitionNameMatch(x, y string) bool {
	if x == y {
		return true
	}
	xw, yw := isWildcard(x), isWildcard(y)
	switch {
	case xw && !yw:
		ok, _ := path.Match(x, y)
		return ok
	case yw && !xw:
		ok, _ := path.Match(y, x)
		return ok
	}
	return false
}

func isWildcard(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
