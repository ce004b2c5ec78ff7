// Package metrics exposes the Prometheus counters and histograms the
// dispatch engine updates on every attempt (C4, C5, C7). A single Registry
// is constructed once by the engine and passed to every component that
// needs to record an observation; there is no global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the engine emits.
type Registry struct {
	AttemptsTotal      *prometheus.CounterVec
	OutcomesTotal      *prometheus.CounterVec
	CooldownsTotal     *prometheus.CounterVec
	RotationsTotal     *prometheus.CounterVec
	InFlight           *prometheus.GaugeVec
	AttemptDuration    *prometheus.HistogramVec
	SchedulerWaitTime  *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	BatchSize          prometheus.Histogram
}

// New registers every metric against reg and returns the bundle. Passing a
// fresh prometheus.NewRegistry() in tests avoids collisions with the
// process-wide default registry.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "dispatch_attempts_total",
			Help:      "Attempts made by the dispatch executor, labeled by provider and model.",
		}, []string{"provider", "model"}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch outcomes labeled by provider, model, and error taxonomy kind.",
		}, []string{"provider", "model", "kind"}),
		CooldownsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "cooldowns_applied_total",
			Help:      "Cooldowns applied to a credential, labeled by provider and cooldown kind.",
		}, []string{"provider", "kind"}),
		RotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "credential_rotations_total",
			Help:      "Times the executor rotated off a credential, labeled by provider.",
		}, []string{"provider"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgateway",
			Name:      "inflight_attempts",
			Help:      "Concurrent in-flight attempts per credential/model slot.",
		}, []string{"provider", "model"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgateway",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of a single upstream attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		SchedulerWaitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgateway",
			Name:      "scheduler_wait_seconds",
			Help:      "Time a request waited in the scheduler for a credential to free up.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "tokens_total",
			Help:      "Prompt/completion tokens attributed, labeled by provider and direction.",
		}, []string{"provider", "direction"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llmgateway",
			Name:      "batch_size",
			Help:      "Number of requests coalesced into a single batched embedding call.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
	}

	reg.MustRegister(
		m.AttemptsTotal, m.OutcomesTotal, m.CooldownsTotal, m.RotationsTotal,
		m.InFlight, m.AttemptDuration, m.SchedulerWaitTime, m.TokensTotal, m.BatchSize,
	)
	return m
}
