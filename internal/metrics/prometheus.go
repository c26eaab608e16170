// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruleforge_stage_duration_seconds",
			Help:    "Duration of one engine stage run in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"stage"},
	)

	StageItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_stage_items_total",
			Help: "Items processed by engine stages, by result",
		},
		[]string{"stage", "result"},
	)

	AICallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruleforge_ai_call_duration_seconds",
			Help:    "Latency of scoring and review calls",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "call"},
	)

	AICallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_ai_call_errors_total",
			Help: "Failed scoring and review calls",
		},
		[]string{"provider", "call"},
	)

	RuleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_rule_transitions_total",
			Help: "Rule status transitions",
		},
		[]string{"from", "to", "actor"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_cache_hits_total",
			Help: "Total report cache hits",
		},
		[]string{"report"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_cache_misses_total",
			Help: "Total report cache misses",
		},
		[]string{"report"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleforge_http_requests_total",
			Help: "HTTP requests served, by method and status",
		},
		[]string{"method", "status"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(StageDuration)
		prometheus.MustRegister(StageItems)
		prometheus.MustRegister(AICallDuration)
		prometheus.MustRegister(AICallErrors)
		prometheus.MustRegister(RuleTransitions)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(HTTPRequests)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage records how long a stage took. Use with defer:
//
//	defer metrics.ObserveStage("analyze", time.Now())
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// CountItems adds n items with the given result to a stage's counter.
func CountItems(stage, result string, n int) {
	if n > 0 {
		StageItems.WithLabelValues(stage, result).Add(float64(n))
	}
}

// ObserveAICall records the latency and outcome of one capability call.
func ObserveAICall(provider, call string, start time.Time, err error) {
	AICallDuration.WithLabelValues(provider, call).Observe(time.Since(start).Seconds())
	if err != nil {
		AICallErrors.WithLabelValues(provider, call).Inc()
	}
}
