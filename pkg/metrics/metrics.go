// Package metrics exposes router counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "binaflow"

// Frame outcomes.
const (
	OutcomeReplied = "replied"
	OutcomeNoReply = "no_reply"
	OutcomeError   = "error"
	OutcomeDropped = "dropped"
)

// UnknownType labels frames whose type did not resolve, keeping label
// cardinality bounded by the schema.
const UnknownType = "unknown"

// CustomKind labels error frames whose kind a handler chose.
const CustomKind = "custom"

// Metrics holds the router's collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	frames           *prometheus.CounterVec
	frameDuration    *prometheus.HistogramVec
	errorFrames      *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	rejectedSessions *prometheus.CounterVec
}

// New registers the router collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "frames_total",
				Help:      "Frames dispatched, by message type and outcome.",
			},
			[]string{"message_type", "outcome"},
		),
		frameDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "frame_duration_seconds",
				Help:      "Time from frame receipt to reply, in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"message_type"},
		),
		errorFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "error_frames_total",
				Help:      "Error frames sent, by status and kind.",
			},
			[]string{"status", "kind"},
		),
		activeSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "active_sessions",
				Help:      "Open sessions, by transport.",
			},
			[]string{"transport"},
		),
		rejectedSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "rejected_sessions_total",
				Help:      "Connections refused before a session was opened.",
			},
			[]string{"transport", "reason"},
		),
	}
	reg.MustRegister(m.frames, m.frameDuration, m.errorFrames, m.activeSessions, m.rejectedSessions)
	return m
}

// Handler serves the registry m was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFrame(messageType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if messageType == "" {
		messageType = UnknownType
	}
	m.frames.WithLabelValues(messageType, outcome).Inc()
	m.frameDuration.WithLabelValues(messageType).Observe(duration.Seconds())
}

// ObserveErrorFrame counts one Error frame. The caller bounds kind, passing
// CustomKind for kinds it does not know; a status outside 100-599 counts as "other".
func (m *Metrics) ObserveErrorFrame(status int32, kind string) {
	if m == nil {
		return
	}
	label := "other"
	if status >= 100 && status <= 599 {
		label = strconv.Itoa(int(status))
	}
	m.errorFrames.WithLabelValues(label, kind).Inc()
}

func (m *Metrics) SessionOpened(transport string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(transport).Inc()
}

func (m *Metrics) SessionClosed(transport string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(transport).Dec()
}

func (m *Metrics) SessionRejected(transport, reason string) {
	if m == nil {
		return
	}
	m.rejectedSessions.WithLabelValues(transport, reason).Inc()
}
