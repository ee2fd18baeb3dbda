// Package observability exposes Prometheus metrics for the protocol
// client. Registered in init() and served by the /metrics handler the
// runner binary starts:
//
//   - trc_frames_total{code}          – inbound frames by code (A/D/C/E)
//   - trc_frames_dropped_total        – unmatched or malformed frames
//   - trc_reconnects_total{result}    – reconnect cycles (success|failure)
//   - trc_control_plane_retries_total – retried control-plane calls
//   - trc_requests_total{outcome}     – one-shot requests (answer|error|timeout)
//   - trc_active_subscriptions        – current registry size (gauge)
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trc_frames_total",
			Help: "Inbound frames by code",
		},
		[]string{"code"},
	)

	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trc_frames_dropped_total",
			Help: "Frames dropped because no live subscription or request matched",
		},
	)

	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trc_reconnects_total",
			Help: "Reconnect cycles by result",
		},
		[]string{"result"},
	)

	controlPlaneRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trc_control_plane_retries_total",
			Help: "Control-plane HTTP calls that were retried",
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trc_requests_total",
			Help: "One-shot requests by outcome",
		},
		[]string{"outcome"},
	)

	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trc_active_subscriptions",
			Help: "Currently registered subscriptions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		framesTotal,
		framesDropped,
		reconnects,
		controlPlaneRetries,
		requestsTotal,
		activeSubscriptions,
	)
}

func ObserveFrame(code string) { framesTotal.WithLabelValues(code).Inc() }

func FrameDropped() { framesDropped.Inc() }

func ReconnectResult(result string) { reconnects.WithLabelValues(result).Inc() }

func ControlPlaneRetry() { controlPlaneRetries.Inc() }

func RequestOutcome(outcome string) { requestsTotal.WithLabelValues(outcome).Inc() }

func SetActiveSubscriptions(n int) { activeSubscriptions.Set(float64(n)) }
