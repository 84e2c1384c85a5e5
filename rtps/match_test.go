package rtps

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func endpoints(w, r QosPolicySet) (*EndpointData, *EndpointData) {
	return &EndpointData{GUID: testGUID(1, 0x102), Topic: "chatter", TypeName: "String", Qos: w},
		&EndpointData{GUID: testGUID(2, 0x107), Topic: "chatter", TypeName: "String", Qos: r}
}

func TestCheckCompatible(t *testing.T) {
	cases := []struct {
		name   string
		writer func(q *QosPolicySet)
		reader func(q *QosPolicySet)
		policy string
	}{
		{"defaults", nil, nil, ""},
		{"reliable writer best effort reader", nil, func(q *QosPolicySet) { q.Reliability = BestEffort }, ""},
		{"best effort writer reliable reader", func(q *QosPolicySet) { q.Reliability = BestEffort }, nil, "RELIABILITY"},
		{"durable writer volatile reader", func(q *QosPolicySet) { q.Durability = TransientLocal }, nil, ""},
		{"volatile writer durable reader", nil, func(q *QosPolicySet) { q.Durability = TransientLocal }, "DURABILITY"},
		{"deadline offered longer", func(q *QosPolicySet) { q.Deadline = time.Second }, func(q *QosPolicySet) { q.Deadline = time.Millisecond }, "DEADLINE"},
		{"deadline offered shorter", func(q *QosPolicySet) { q.Deadline = time.Millisecond }, func(q *QosPolicySet) { q.Deadline = time.Second }, ""},
		{"liveliness kind", nil, func(q *QosPolicySet) { q.Liveliness = ManualByTopic }, "LIVELINESS"},
		{"liveliness lease", func(q *QosPolicySet) { q.LeaseDuration = time.Minute }, func(q *QosPolicySet) { q.LeaseDuration = time.Second }, "LIVELINESS_LEASE"},
		{"ownership", func(q *QosPolicySet) { q.Ownership = Exclusive }, nil, "OWNERSHIP"},
		{"destination order", nil, func(q *QosPolicySet) { q.DestinationOrder = BySourceTimestamp }, "DESTINATION_ORDER"},
		{"partition mismatch", func(q *QosPolicySet) { q.Partitions = []string{"a"} }, func(q *QosPolicySet) { q.Partitions = []string{"b"} }, "PARTITION"},
		{"partition vs default", func(q *QosPolicySet) { q.Partitions = []string{"a"} }, nil, "PARTITION"},
		{"partition wildcard", func(q *QosPolicySet) { q.Partitions = []string{"sensors/*"} }, func(q *QosPolicySet) { q.Partitions = []string{"x", "sensors/left"} }, ""},
		{"two wildcards", func(q *QosPolicySet) { q.Partitions = []string{"s*"} }, func(q *QosPolicySet) { q.Partitions = []string{"s?"} }, "PARTITION"},
	}
	for _, tc := range cases {
		wq, rq := DefaultWriterQos(), DefaultWriterQos()
		rq.Reliability = Reliable
		if tc.writer != nil {
			tc.writer(&wq)
		}
		if tc.reader != nil {
			tc.reader(&rq)
		}
		w, r := endpoints(wq, rq)
		err := CheckCompatible(w, r)
		if tc.policy == "" {
			if err != nil {
				t.Errorf("%s: unexpected %v", tc.name, err)
			}
			if !IsCompatible(w, r) {
				t.Errorf("%s: IsCompatible disagrees", tc.name)
			}
			continue
		}
		var qerr *QosIncompatibleError
		if !errors.As(err, &qerr) {
			t.Errorf("%s: got %v, want an incompatibility", tc.name, err)
			continue
		}
		if qerr.Policy != tc.policy {
			t.Errorf("%s: policy %s, want %s", tc.name, qerr.Policy, tc.policy)
		}
		if !errors.Is(err, ErrQosIncompatible) {
			t.Errorf("%s: error does not wrap ErrQosIncompatible", tc.name)
		}
	}
}

func TestCheckCompatibleNames(t *testing.T) {
	w, r := endpoints(DefaultWriterQos(), DefaultReaderQos())
	r.Topic = "other"
	var qerr *QosIncompatibleError
	if err := CheckCompatible(w, r); !errors.As(err, &qerr) || qerr.Policy != "TOPIC_NAME" {
		t.Errorf("topic: got %v", err)
	}
	r.Topic = w.Topic
	r.TypeName = "Int32"
	if err := CheckCompatible(w, r); !errors.As(err, &qerr) || qerr.Policy != "TYPE_NAME" {
		t.Errorf("type: got %v", err)
	}
}
