package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionQueueDepth  prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WSWriteErrors      *prometheus.CounterVec
	OutboundMessages   *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	ConnectionAttempts prometheus.Counter
	ConnectionOutcomes *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
	BreakerState       *prometheus.GaugeVec
	BreakerTrips       *prometheus.CounterVec
	FirstAudioLatency  prometheus.Histogram
	TurnStageLatency   *prometheus.HistogramVec
	turnStageWindow    *turnStageWindow
}

// NewMetrics registers the instrument set under namespace and returns a
// ready-to-use [Metrics]. Panics if called twice against the same default
// registry with the same namespace (promauto behavior, carried unchanged).
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime conversation sessions.",
		}),
		SessionQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_queue_depth",
			Help:      "Sessions waiting because the concurrent-session cap was reached.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write errors by reason.",
		}, []string{"reason"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound turn-pipeline messages by type and delivery result.",
		}, []string{"type", "result"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream adapter errors by adapter and code.",
		}, []string{"adapter", "code"}),
		ConnectionAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Total inbound connection attempts.",
		}),
		ConnectionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_outcomes_total",
			Help:      "Connection attempts by outcome (success or a failure reason).",
		}, []string{"outcome"}),
		ConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_establishment_ms",
			Help:      "Time from accept to bound session in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2000, 3000, 5000},
		}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per adapter (0=closed, 1=open, 2=half_open).",
		}, []string{"adapter"}),
		BreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker open transitions by adapter.",
		}, []string{"adapter"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		TurnStageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn-stage latency in milliseconds.",
			Buckets:   []float64{20, 50, 100, 150, 250, 400, 700, 1200, 2000, 4000, 7000, 10000},
		}, []string{"stage"}),
		turnStageWindow: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.turnStageWindow.Observe(stage, ms)
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveProviderError(adapter, code string) {
	if m == nil || m.ProviderErrors == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(adapter, code).Inc()
}

// ObserveConnectionAttempt records one inbound connection attempt and its
// eventual outcome (spec §4.9: "attempts, successes, failures by reason").
// outcome is "success" or one of AUTH_REQUIRED/AUTH_INVALID/AUTH_EXPIRED/
// SESSION_CREATE_FAILED/TIMEOUT.
func (m *Metrics) ObserveConnectionAttempt(outcome string, establishment time.Duration) {
	if m == nil {
		return
	}
	m.ConnectionAttempts.Inc()
	m.ConnectionOutcomes.WithLabelValues(outcome).Inc()
	m.ConnectionDuration.Observe(float64(establishment.Milliseconds()))
}

// ObserveBreakerState mirrors a reliability.Breaker transition onto the
// breaker_state gauge and, on opening, increments breaker_trips_total.
func (m *Metrics) ObserveBreakerState(adapter string, state int) {
	if m == nil || m.BreakerState == nil {
		return
	}
	m.BreakerState.WithLabelValues(adapter).Set(float64(state))
	if state == 1 {
		m.BreakerTrips.WithLabelValues(adapter).Inc()
	}
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m.turnStageWindow == nil {
		return TurnStageSnapshot{}
	}
	return m.turnStageWindow.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil || m.turnStageWindow == nil {
		return
	}
	m.turnStageWindow.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
