package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrag_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Turn pipeline metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_turns_total",
			Help: "Completed conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_cache_lookups_total",
			Help: "Semantic cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrag_step_duration_seconds",
			Help:    "Duration of each orchestration step",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"step"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_fallbacks_total",
			Help: "Component failures replaced by their fallback",
		},
		[]string{"component"},
	)

	retrievalCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finrag_retrieval_candidates",
			Help:    "Number of de-duplicated candidates per retrieval",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	checkpointErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_checkpoint_errors_total",
			Help: "Checkpoint store failures by operation",
		},
		[]string{"op"},
	)

	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_model_calls_total",
			Help: "Model provider calls by provider and status",
		},
		[]string{"provider", "status"},
	)

	modelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrag_model_call_duration_seconds",
			Help:    "Model provider call duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	// Async queue metrics
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_jobs_total",
			Help: "Async turn jobs by status (published, processed, rejected)",
		},
		[]string{"status"},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			turnsTotal,
			cacheLookupsTotal,
			stepDuration,
			fallbacksTotal,
			retrievalCandidates,
			checkpointErrorsTotal,
			modelCallsTotal,
			modelCallDuration,
			jobsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTurn counts a finished turn. outcome is "cache_hit", "generated",
// "fallback" or "error".
func RecordTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup counts a semantic cache lookup.
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordStep observes the duration of one orchestration step.
func RecordStep(step string, duration time.Duration) {
	stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordFallback counts a component failure that was replaced by its fallback.
func RecordFallback(component string) {
	fallbacksTotal.WithLabelValues(component).Inc()
}

// RecordRetrievalCandidates observes the candidate count of one retrieval.
func RecordRetrievalCandidates(n int) {
	retrievalCandidates.Observe(float64(n))
}

// RecordCheckpointError counts a failed checkpoint operation ("load", "save", "delete").
func RecordCheckpointError(op string) {
	checkpointErrorsTotal.WithLabelValues(op).Inc()
}

// RecordModelCall records one provider call.
func RecordModelCall(provider, status string, duration time.Duration) {
	modelCallsTotal.WithLabelValues(provider, status).Inc()
	modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordJob counts an async job transition.
func RecordJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}
