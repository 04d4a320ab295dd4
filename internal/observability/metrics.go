package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	OnlineUsers       prometheus.Gauge
	ActiveCalls       prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	Connections       prometheus.Gauge
	CallEvents        *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSOutboundDropped *prometheus.CounterVec
	PersistenceErrors *prometheus.CounterVec
	CallSetupLatency  prometheus.Histogram
	CallDuration      prometheus.Histogram

	stages *callStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg, which lets tests use a
// private registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Number of registered users holding a live connection.",
		}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of users with an unfinished call.",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of signaling rooms with at least one member.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open signaling websocket connections.",
		}),
		CallEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSOutboundDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_outbound_dropped_total",
			Help:      "Outbound events dropped because the connection queue was full or gone.",
		}, []string{"type"}),
		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Call session store failures by operation.",
		}, []string{"op"}),
		CallSetupLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_setup_latency_ms",
			Help:      "Time from call initiation to acceptance in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 4000, 8000, 15000, 30000, 60000},
		}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of completed calls in seconds.",
			Buckets:   []float64{15, 60, 300, 600, 900, 1800, 3600},
		}),
		stages: newCallStageWindow(256),
	}
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) ObserveDroppedMessage(messageType string) {
	if m == nil {
		return
	}
	m.WSOutboundDropped.WithLabelValues(messageType).Inc()
}

func (m *Metrics) PersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}

// ObserveStage records a latency sample for the rolling window and, for the
// ring-to-answer stage, the setup histogram.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	if stage == StageRingToAnswer {
		m.CallSetupLatency.Observe(ms)
	}
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveCallDuration(seconds int64) {
	if m == nil {
		return
	}
	m.CallDuration.Observe(float64(seconds))
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(n))
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) SetActiveRooms(n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) SnapshotStages() CallStageSnapshot {
	if m == nil {
		return CallStageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []CallStageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
