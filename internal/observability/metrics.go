package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/voicebutton/internal/gesture"
	"github.com/ent0n29/voicebutton/internal/protocol"
	"github.com/ent0n29/voicebutton/internal/session"
)

const (
	StageHandshake  = "handshake"
	StageDisconnect = "disconnect"
)

var sessionStates = []session.State{
	session.StateIdle,
	session.StateStarting,
	session.StateActive,
	session.StateReconnecting,
	session.StateStopping,
}

// Metrics groups all Prometheus instruments used by the client. Each
// instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry
	window   *latencyWindow

	SessionState      *prometheus.GaugeVec
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ConnectFailures   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ReconnectDelay    prometheus.Histogram
	HandshakeLatency  prometheus.Histogram
	DisconnectLatency *prometheus.HistogramVec
	FramesCaptured    prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	InputLevel        prometheus.Gauge
	PlaybackSamples   prometheus.Counter
	Gestures          *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		window:   newLatencyWindow(128),
		SessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session state transitions by target state.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed session starts and reconnects by reason.",
		}, []string{"reason"}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after a dropped connection.",
		}),
		ReconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff waited before each reconnect attempt.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 60},
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_ms",
			Help:      "Time from websocket open to ping_response in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		DisconnectLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "disconnect_latency_ms",
			Help:      "Time from call_disconnect to teardown in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 3000},
		}, []string{"acknowledged"}),
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_captured_total",
			Help:      "Microphone chunks accepted for the uplink.",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio chunks dropped by reason.",
		}, []string{"reason"}),
		InputLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_input_rms",
			Help:      "RMS of the last captured chunk on the int16 scale.",
		}),
		PlaybackSamples: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_playback_samples_total",
			Help:      "Samples queued for playback.",
		}),
		Gestures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gestures_total",
			Help:      "Recognized button gestures by kind.",
		}, []string{"kind"}),
	}
	m.StateChanged(session.StateIdle)
	return m
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SnapshotLatency() LatencySnapshot { return m.window.Snapshot() }

func (m *Metrics) StateChanged(state session.State) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(string(s)).Set(v)
	}
	m.SessionEvents.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) MessageSent(t protocol.MessageType) {
	m.WSMessages.WithLabelValues("out", string(t)).Inc()
}

func (m *Metrics) MessageReceived(t protocol.MessageType) {
	m.WSMessages.WithLabelValues("in", string(t)).Inc()
}

func (m *Metrics) HandshakeCompleted(d time.Duration) {
	m.HandshakeLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageHandshake, d)
}

func (m *Metrics) ConnectFailed(reason string) {
	m.ConnectFailures.WithLabelValues(reason).Inc()
	m.window.Count("connect_failed_" + reason)
}

func (m *Metrics) DisconnectCompleted(d time.Duration, acknowledged bool) {
	label := "true"
	if !acknowledged {
		label = "false"
		m.window.Count("disconnect_timeout")
	}
	m.DisconnectLatency.WithLabelValues(label).Observe(float64(d.Milliseconds()))
	m.window.Observe(StageDisconnect, d)
}

// ReconnectScheduled matches transport.RetryHook.
func (m *Metrics) ReconnectScheduled(_ int, delay time.Duration) {
	m.ReconnectAttempts.Inc()
	m.ReconnectDelay.Observe(delay.Seconds())
}

func (m *Metrics) FrameCaptured(rms float64) {
	m.FramesCaptured.Inc()
	m.InputLevel.Set(rms)
}

func (m *Metrics) FrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PlaybackQueued(samples int) {
	m.PlaybackSamples.Add(float64(samples))
}

func (m *Metrics) GestureDetected(g gesture.Gesture) {
	m.Gestures.WithLabelValues(string(g.Kind)).Inc()
}
