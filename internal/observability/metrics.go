package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	registry         *prometheus.Registry
	transitions      *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	listenerMessages *prometheus.CounterVec
	listenerLatency  *prometheus.HistogramVec
	outboxPublish    *prometheus.CounterVec
	recoveryResumed  *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
	relayRepublished *prometheus.CounterVec
	grpcRequests     *prometheus.CounterVec
	rateLimitWait    prometheus.Histogram
}

// NewMetrics registers the saga collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Committed saga state transitions.",
		}, []string{"from", "to", "event"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_events_rejected_total",
			Help: "Events ignored because they are not valid in the saga's current state.",
		}, []string{"state", "event"}),
		listenerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_listener_messages_total",
			Help: "Inbound messages handled per topic and outcome.",
		}, []string{"topic", "outcome"}),
		listenerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_listener_duration_seconds",
			Help:    "Time spent handling one inbound message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		outboxPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_outbox_publish_total",
			Help: "Outbox publish attempts by event type and result.",
		}, []string{"event_type", "result"}),
		recoveryResumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_recovery_resumed_total",
			Help: "Stalled sagas moved forward by the recovery sweep.",
		}, []string{"state"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_dead_letters_total",
			Help: "Messages routed to a dead-letter topic.",
		}, []string{"topic"}),
		relayRepublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_outbox_relay_total",
			Help: "Outbox rows retried by the relay sweep.",
		}, []string{"result"}),
		grpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_grpc_requests_total",
			Help: "gRPC calls served by method and status code.",
		}, []string{"method", "code"}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "saga_rate_limit_wait_seconds",
			Help:    "Time callers waited for a rate limiter token.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.transitions,
		m.rejected,
		m.listenerMessages,
		m.listenerLatency,
		m.outboxPublish,
		m.recoveryResumed,
		m.deadLetters,
		m.relayRepublished,
		m.grpcRequests,
		m.rateLimitWait,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, event).Inc()
}

func (m *Metrics) ObserveRejected(state, event string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(state, event).Inc()
}

// MessageSpan times one inbound message.
type MessageSpan struct {
	metrics *Metrics
	topic   string
	start   time.Time
}

// StartMessage begins timing a message on topic.
func (m *Metrics) StartMessage(topic string) *MessageSpan {
	return &MessageSpan{metrics: m, topic: topic, start: time.Now()}
}

// End records the outcome label for the message.
func (s *MessageSpan) End(outcome string) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.listenerLatency.WithLabelValues(s.topic).Observe(time.Since(s.start).Seconds())
	s.metrics.listenerMessages.WithLabelValues(s.topic, outcome).Inc()
}

func (m *Metrics) ObservePublish(eventType string, err error) {
	if m == nil {
		return
	}
	result := "published"
	if err != nil {
		result = "failed"
	}
	m.outboxPublish.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) ObserveResumed(state string) {
	if m == nil {
		return
	}
	m.recoveryResumed.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveDeadLetter(topic string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveRelay(err error) {
	if m == nil {
		return
	}
	result := "published"
	if err != nil {
		result = "failed"
	}
	m.relayRepublished.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveGRPC(method, code string) {
	if m == nil {
		return
	}
	m.grpcRequests.WithLabelValues(method, code).Inc()
}

// AddRateLimitWait records time spent throttled.
func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.Observe(d.Seconds())
}
