// Package metrics exposes Prometheus collectors for AI calls and key health.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/usage"
)

var (
	AIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_ai_requests_total",
			Help: "Total number of AI generation attempts",
		},
		[]string{"provider", "status"},
	)

	AILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_ai_request_duration_seconds",
			Help:    "AI generation latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 540},
		},
		[]string{"provider"},
	)

	KeyRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_ai_key_rotations_total",
			Help: "Retries on a fresh key after a rate limit or auth failure",
		},
		[]string{"provider", "reason"},
	)

	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_ai_tokens_total",
			Help: "Tokens consumed by direction",
		},
		[]string{"provider", "model", "direction"},
	)

	Cost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_ai_cost_usd_total",
			Help: "Estimated spend in USD",
		},
		[]string{"provider", "model"},
	)

	KeyAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_ai_key_available",
			Help: "1 when a key can be selected, 0 otherwise",
		},
		[]string{"provider", "key_index"},
	)

	KeyErrors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_ai_key_error_count",
			Help: "Current error count of a key",
		},
		[]string{"provider", "key_index"},
	)
)

// ObserveKeyHealth is a keys.Options.OnHealthChange callback.
func ObserveKeyHealth(h keys.Health) {
	labels := prometheus.Labels{"provider": string(h.Provider), "key_index": strconv.Itoa(h.Index)}
	available := 0.0
	if h.Available && !h.Disabled {
		available = 1
	}
	KeyAvailable.With(labels).Set(available)
	KeyErrors.With(labels).Set(float64(h.ErrorCount))
}

// UsagePlugin feeds usage records into the token and cost counters.
type UsagePlugin struct{}

func (UsagePlugin) Name() string { return "metrics" }

func (UsagePlugin) HandleUsage(_ context.Context, r usage.Record) error {
	if r.Failed() {
		return nil
	}
	Tokens.WithLabelValues(r.Provider, r.Model, "input").Add(float64(r.Tokens.InputTokens))
	Tokens.WithLabelValues(r.Provider, r.Model, "output").Add(float64(r.Tokens.OutputTokens))
	cost, _ := r.Cost.Float64()
	Cost.WithLabelValues(r.Provider, r.Model).Add(cost)
	return nil
}
