package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	BackendRequests   *prometheus.CounterVec
	BackendLatency    *prometheus.HistogramVec
	VideoPollAttempts prometheus.Histogram
	AudioMix          *prometheus.CounterVec
	BackgroundTasks   *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active generation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound session messages by type and delivery outcome.",
		}, []string{"type", "outcome"}),
		BackendRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend calls by backend and outcome.",
		}, []string{"backend", "outcome"}),
		BackendLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_ms",
			Help:      "Backend call latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"backend"}),
		VideoPollAttempts: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "video_poll_attempts",
			Help:      "Status checks needed per video job.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 1500},
		}),
		AudioMix: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_mix_total",
			Help:      "Background-music mix attempts by outcome.",
		}, []string{"outcome"}),
		BackgroundTasks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Background image and video tasks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		stages: newStageWindow(256),
	}
}

// ObserveStage records how long a request took to reach stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, d)
}

func (m *Metrics) ObserveStageFailure(kind string) {
	if m == nil {
		return
	}
	m.stages.fail(kind)
}

// SnapshotStages summarizes the recent latency window per stage.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.snapshot()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

// ObserveOutboundMessage records whether a message reached the writer or was dropped.
func (m *Metrics) ObserveOutboundMessage(messageType, outcome string) {
	if m == nil {
		return
	}
	if messageType == "" {
		messageType = "unknown"
	}
	m.OutboundMessages.WithLabelValues(messageType, outcome).Inc()
}

func (m *Metrics) ObserveBackendRequest(backend string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BackendRequests.WithLabelValues(backend, outcome).Inc()
	m.BackendLatency.WithLabelValues(backend).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveVideoPollAttempts(n int) {
	if m == nil {
		return
	}
	m.VideoPollAttempts.Observe(float64(n))
}

func (m *Metrics) ObserveAudioMix(outcome string) {
	if m == nil {
		return
	}
	m.AudioMix.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBackgroundTask(kind, outcome string) {
	if m == nil {
		return
	}
	m.BackgroundTasks.WithLabelValues(kind, outcome).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
