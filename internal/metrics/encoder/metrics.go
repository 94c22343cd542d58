// SPDX-License-Identifier: MIT

package encoder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Active hardware encode contexts per device
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "screenflux",
			Subsystem: "encoder",
			Name:      "active_sessions",
			Help:      "Number of active hardware encode contexts per device",
		},
		[]string{"device", "codec"},
	)

	// Per-frame encode latency
	EncodeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "screenflux",
			Subsystem: "encoder",
			Name:      "encode_latency_seconds",
			Help:      "Time to convert and encode one frame (histogram)",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 512ms
		},
		[]string{"codec", "format", "device"},
	)

	// Encoded frames
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screenflux",
			Subsystem: "encoder",
			Name:      "frames_total",
			Help:      "Total frames encoded",
		},
		[]string{"codec", "type"}, // type: "IDR|delta"
	)

	// Encode errors by taxonomy class
	EncodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screenflux",
			Subsystem: "encoder",
			Name:      "errors_total",
			Help:      "Total encoder errors by class",
		},
		[]string{"codec", "reason"}, // reason: "transient|invalid_config|authorization|exhausted|protocol"
	)

	// Presets denylisted per device
	DenylistedPresets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "screenflux",
			Subsystem: "encoder",
			Name:      "denylisted_presets",
			Help:      "Number of presets denylisted per device",
		},
		[]string{"device"},
	)

	// Capability probe duration
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "screenflux",
			Subsystem: "encoder",
			Name:      "probe_duration_seconds",
			Help:      "Time to probe one (device, codec) capability surface",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 8), // 10ms to 1.28s
		},
		[]string{"device", "codec"},
	)

	// Background cleanup queue depth
	CleanupQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "screenflux",
			Subsystem: "encoder",
			Name:      "cleanup_queue_depth",
			Help:      "Pending background teardown tasks",
		},
	)
)

// RecordEncodeLatency records the latency of a single frame encode.
func RecordEncodeLatency(codec, format, device string, seconds float64) {
	EncodeLatency.WithLabelValues(codec, format, device).Observe(seconds)
}

// RecordFrame counts an encoded frame by picture type.
func RecordFrame(codec, frameType string) {
	FramesTotal.WithLabelValues(codec, frameType).Inc()
}

// RecordError counts an encoder error by taxonomy class.
func RecordError(codec, reason string) {
	EncodeErrors.WithLabelValues(codec, reason).Inc()
}

// SetActiveSessions updates the active context gauge for a device.
func SetActiveSessions(device, codec string, n int) {
	ActiveSessions.WithLabelValues(device, codec).Set(float64(n))
}

// SetDenylistedPresets updates the denylist gauge for a device.
func SetDenylistedPresets(device string, n int) {
	DenylistedPresets.WithLabelValues(device).Set(float64(n))
}
