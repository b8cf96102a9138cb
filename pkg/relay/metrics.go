package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each relay owns its own
// registry so several can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	framesReceived      *prometheus.CounterVec
	framesSent          *prometheus.CounterVec
	messagesPosted      prometheus.Counter
	eventsDelivered     prometheus.Counter
	slowConsumers       prometheus.Counter
	handlerDuration     *prometheus.HistogramVec
}

// NewMetrics registers the relay collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_active_sessions",
			Help: "Number of connected websocket sessions",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_active_subscriptions",
			Help: "Number of live channel subscriptions",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_frames_received_total",
			Help: "Frames received from clients by type",
		}, []string{"type"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_frames_sent_total",
			Help: "Frames queued to clients by type",
		}, []string{"type"}),
		messagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_messages_posted_total",
			Help: "Messages stored",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_insert_events_total",
			Help: "Insert events fanned out to subscribers",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_slow_consumer_disconnects_total",
			Help: "Sessions dropped because their send queue was full",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaychat_handler_duration_seconds",
			Help:    "Time spent handling a frame by type",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.activeSubscriptions,
		m.framesReceived,
		m.framesSent,
		m.messagesPosted,
		m.eventsDelivered,
		m.slowConsumers,
		m.handlerDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordFrameReceived(msgType string) {
	m.framesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordFrameSent(msgType string) {
	m.framesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordHandlerDuration(msgType string, seconds float64) {
	m.handlerDuration.WithLabelValues(msgType).Observe(seconds)
}

func (m *Metrics) RecordMessagePosted() {
	m.messagesPosted.Inc()
}

func (m *Metrics) RecordEventsDelivered(n int) {
	m.eventsDelivered.Add(float64(n))
}

func (m *Metrics) RecordSlowConsumer() {
	m.slowConsumers.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetActiveSubscriptions(n int) {
	m.activeSubscriptions.Set(float64(n))
}
