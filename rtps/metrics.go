package rtps

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "rtps"

// Metrics holds the Prometheus collectors of one participant.
type Metrics struct {
	DatagramsIn         prometheus.Counter
	DatagramsOut        prometheus.Counter
	SendErrors          prometheus.Counter
	Malformed           prometheus.Counter
	Submessages         *prometheus.CounterVec
	SamplesWritten      prometheus.Counter
	SamplesReceived     prometheus.Counter
	Retransmissions     prometheus.Counter
	Gaps                prometheus.Counter
	Heartbeats          prometheus.Counter
	AckNacks            *prometheus.CounterVec
	NackFrags           *prometheus.CounterVec
	Participants        prometheus.Gauge
	MatchedEndpoints    prometheus.Gauge
	IncompatibleQos     *prometheus.CounterVec
	LeaseExpirations    prometheus.Counter
	AuthFailures        prometheus.Counter
	RetransmitExhausted prometheus.Counter
	SamplesExpired      prometheus.Counter
	DeadlinesMissed     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which suits tests and embedded use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}
	return &Metrics{
		DatagramsIn:     counter("datagrams_received_total", "Datagrams received from the transport"),
		DatagramsOut:    counter("datagrams_sent_total", "Datagrams handed to the transport"),
		SendErrors:      counter("send_errors_total", "Datagrams the transport failed to send"),
		Malformed:       counter("malformed_total", "Messages or submessages dropped as malformed"),
		Submessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "submessages_received_total",
			Help:      "Submessages received, by kind",
		}, []string{"kind"}),
		SamplesWritten:  counter("samples_written_total", "Changes added to local writer histories"),
		SamplesReceived: counter("samples_received_total", "New changes stored by local readers"),
		Retransmissions: counter("retransmissions_total", "Changes sent again on request"),
		Gaps:            counter("gaps_sent_total", "GAP submessages sent"),
		Heartbeats:      counter("heartbeats_total", "HEARTBEAT submessages sent or accepted"),
		AckNacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "acknacks_total",
			Help:      "ACKNACK submessages, by direction",
		}, []string{"direction"}),
		NackFrags: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "nackfrags_total",
			Help:      "NACK_FRAG submessages, by direction",
		}, []string{"direction"}),
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "discovered_participants",
			Help:      "Remote participants currently known",
		}),
		MatchedEndpoints: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "matched_endpoints",
			Help:      "Local/remote endpoint pairs currently matched",
		}),
		IncompatibleQos: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "incompatible_qos_total",
			Help:      "Endpoint pairs on the same topic refused a match, by policy",
		}, []string{"policy"}),
		LeaseExpirations:    counter("lease_expirations_total", "Participants removed after their lease expired"),
		AuthFailures:        counter("authentication_failures_total", "Submessages rejected by the security transform"),
		RetransmitExhausted: counter("retransmissions_exhausted_total", "Reader proxies dropped after too many retransmission bursts"),
		SamplesExpired:      counter("samples_expired_total", "Changes dropped from writer histories when their lifespan ran out"),
		DeadlinesMissed:     counter("deadlines_missed_total", "Deadline periods in which a matched writer sent nothing"),
	}
}
