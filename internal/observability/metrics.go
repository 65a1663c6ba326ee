package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	UpstreamReconnects *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	ProactivePrompts   prometheus.Counter
	ChatLines          *prometheus.CounterVec
	OutboundMessages   *prometheus.CounterVec
	FirstAudioLatency  prometheus.Histogram

	latency  *latencyWindow
	gatherer prometheus.Gatherer
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers the instruments on reg so tests can use a
// private registry.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of bridged client sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Client websocket frames by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Upstream reconnects by close cause.",
		}, []string{"cause"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by kind.",
		}, []string{"kind"}),
		ProactivePrompts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proactive_prompts_total",
			Help:      "Proactive screen prompts sent upstream.",
		}),
		ChatLines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_lines_total",
			Help:      "Live chat lines by outcome.",
		}, []string{"result"}),
		OutboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound messages to the client or upstream by type and result.",
		}, []string{"type", "result"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from a text turn to the first model audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		latency: newLatencyWindow(256, 15*time.Minute),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("ended_" + reason).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) UpstreamReconnect(cause string, took time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamReconnects.WithLabelValues(cause).Inc()
	m.latency.Observe(StageUpstreamReconnect, cause, took)
}

func (m *Metrics) UpstreamError(kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(kind).Inc()
	m.latency.Count("upstream_" + kind)
}

func (m *Metrics) ProactivePrompt() {
	if m == nil {
		return
	}
	m.ProactivePrompts.Inc()
	m.latency.Count("proactive_prompt")
}

func (m *Metrics) ChatLine(result string) {
	if m == nil {
		return
	}
	m.ChatLines.WithLabelValues(result).Inc()
}

func (m *Metrics) Outbound(msgType, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.latency.Observe(StageTextToFirstAudio, "", d)
}

func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(StageTextToTurnComplete, "", d)
}

// LatencySnapshot summarizes recent latencies per stage, with reconnects
// broken down by close cause.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return newLatencyWindow(1, time.Minute).Snapshot()
	}
	return m.latency.Snapshot()
}

// Handler serves the registry the instruments were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
