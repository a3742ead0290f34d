// Package observability provides Prometheus metrics and the optional
// metrics/health HTTP listener.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the session pipeline reports into. The
// struct owns its registry so tests can construct instances freely without
// colliding with the default registry.
type Metrics struct {
	registry *prometheus.Registry

	// Playback
	AudioChunksIn     prometheus.Counter
	BuffersScheduled  prometheus.Counter
	OverflowResets    prometheus.Counter
	PendingSources    prometheus.Gauge
	AccumulatedFrames prometheus.Gauge
	ScheduleLead      prometheus.Histogram

	// Session
	ConnectionState prometheus.Gauge
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec

	// Capture
	CaptureFrames *prometheus.CounterVec

	// Tools
	ToolCalls    *prometheus.CounterVec
	ToolDuration prometheus.Histogram

	// Transcription
	Transcripts       *prometheus.CounterVec
	SidecarReconnects prometheus.Counter
}

// NewMetrics creates the full instrument set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		AudioChunksIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "liveagent_audio_chunks_received_total",
			Help: "PCM chunks decoded from the session connection",
		}),
		BuffersScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "liveagent_playback_buffers_scheduled_total",
			Help: "Playback buffers handed to the output device",
		}),
		OverflowResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "liveagent_playback_overflow_resets_total",
			Help: "Accumulation buffer resets forced by the byte ceiling",
		}),
		PendingSources: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liveagent_playback_pending_sources",
			Help: "Scheduled sources not yet finished playing",
		}),
		AccumulatedFrames: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liveagent_playback_accumulated_samples",
			Help: "Samples waiting in the accumulation buffer",
		}),
		ScheduleLead: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "liveagent_playback_schedule_lead_seconds",
			Help:    "Lead time between scheduling a buffer and its start",
			Buckets: []float64{0.005, 0.02, 0.05, 0.1, 0.2, 0.32, 0.5, 1.0},
		}),

		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liveagent_connection_state",
			Help: "Primary connection state (0=idle 1=connecting 2=open 3=closing 4=closed)",
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liveagent_frames_sent_total",
			Help: "Outbound frames by envelope type",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liveagent_frames_received_total",
			Help: "Inbound frames by envelope type",
		}, []string{"type"}),

		CaptureFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liveagent_capture_frames_total",
			Help: "Frame capture outcomes by device kind",
		}, []string{"kind", "status"}),

		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liveagent_tool_calls_total",
			Help: "Tool dispatches by outcome",
		}, []string{"status"}),
		ToolDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "liveagent_tool_duration_seconds",
			Help:    "Tool execution wall time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		Transcripts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liveagent_transcripts_total",
			Help: "Transcript segments by speech source",
		}, []string{"source"}),
		SidecarReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "liveagent_sidecar_reconnects_total",
			Help: "Transcription sidecar reconnect attempts",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
