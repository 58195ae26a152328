package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: served from the hot entry cache in front of the store.
	EntryCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutor_entry_cache_hits_total",
			Help: "Total number of content entry cache hits.",
		},
	)

	// One increment per candidate call, labelled by how it ended.
	GenerationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_generation_attempts_total",
			Help: "Generation attempts per tier, model and result.",
		},
		[]string{"tier", "model", "result"},
	)

	TierExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_tier_exhausted_total",
			Help: "Tiers where every candidate failed with quota or transient faults.",
		},
		[]string{"tier"},
	)

	// result: hit | generated | regenerated | unavailable | error
	ContentResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_content_resolutions_total",
			Help: "Content resolutions by kind and result.",
		},
		[]string{"kind", "result"},
	)

	ContentDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_content_degraded_total",
			Help: "Generated structured content replaced by a placeholder.",
		},
		[]string{"kind"},
	)

	// backend: primary | fallback; op: save | fetch | list | retire
	StorageOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_storage_ops_total",
			Help: "Dual-backend storage operations by backend, op and result.",
		},
		[]string{"backend", "op", "result"},
	)

	StorageFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutor_storage_failures_total",
			Help: "Saves rejected by both primary and fallback backends.",
		},
	)

	// outcome: ok | filtered | rate_limited | too_long | too_short | injection | error
	ChatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_chat_turns_total",
			Help: "Conversational turns by outcome.",
		},
		[]string{"outcome"},
	)

	// Histogram: HTTP latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutor_http_latency_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"route", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		EntryCacheHitsTotal,
		GenerationAttemptsTotal,
		TierExhaustedTotal,
		ContentResolutionsTotal,
		ContentDegradedTotal,
		StorageOpsTotal,
		StorageFailuresTotal,
		ChatTurnsTotal,
		HTTPLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request. The chi route pattern is
// used as the label so ids in paths do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		HTTPLatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
