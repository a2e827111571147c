package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xroe_ecpri"

// Metrics holds the protocol engine collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	Unhandled        *prometheus.CounterVec
	Timeouts         *prometheus.CounterVec
	RMARequests      *prometheus.CounterVec
	OWDMDelay        *prometheus.GaugeVec
	OWDMTriggers     prometheus.Counter
	RegisterErrors   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "eCPRI messages received, by message type",
			},
			[]string{"type"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "eCPRI messages sent, by message type",
			},
			[]string{"type"},
		),
		DecodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Datagrams discarded because they could not be decoded",
			},
		),
		Unhandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unhandled_messages_total",
				Help:      "Messages of a type the engine does not act on",
			},
			[]string{"type"},
		),
		Timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Operations that gave up waiting, by operation",
			},
			[]string{"operation"},
		),
		RMARequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rma_requests_served_total",
				Help:      "Remote memory access requests served for peers",
			},
			[]string{"op", "result"},
		),
		OWDMDelay: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "owdm_delay_seconds",
				Help:      "Latest one-way delay measured, by direction",
			},
			[]string{"direction"},
		),
		OWDMTriggers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "owdm_threshold_triggers_total",
				Help:      "Times a measured delay exceeded the report limit",
			},
		),
		RegisterErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "register_errors_total",
				Help:      "Failed register accesses while serving peers",
			},
		),
	}
	m.registry.MustRegister(
		m.MessagesReceived,
		m.MessagesSent,
		m.DecodeErrors,
		m.Unhandled,
		m.Timeouts,
		m.RMARequests,
		m.OWDMDelay,
		m.OWDMTriggers,
		m.RegisterErrors,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Received(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Sent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) UnhandledMessage(msgType string) {
	if m == nil {
		return
	}
	m.Unhandled.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Timeout(operation string) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(operation).Inc()
}

func (m *Metrics) RMAServed(op, result string) {
	if m == nil {
		return
	}
	m.RMARequests.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Delay(direction string, seconds float64) {
	if m == nil {
		return
	}
	m.OWDMDelay.WithLabelValues(direction).Set(seconds)
}

func (m *Metrics) Triggered() {
	if m == nil {
		return
	}
	m.OWDMTriggers.Inc()
}

func (m *Metrics) RegisterError() {
	if m == nil {
		return
	}
	m.RegisterErrors.Inc()
}
