package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mapinfo"

// CacheOperation identifies the store method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
	CacheOperationDelete CacheOperation = "delete"
)

// CacheLookupOutcome captures the result of a store lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a store write.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	CacheStoreError  CacheStoreOutcome = "error"
)

// RequestOutcome classifies a completed outbound request.
type RequestOutcome string

const (
	RequestSuccess   RequestOutcome = "success"
	RequestFailure   RequestOutcome = "failure"
	RequestRejected  RequestOutcome = "rejected"
	RequestReissued  RequestOutcome = "reissued"
	RequestRateLimit RequestOutcome = "rate_limited"
)

// BlockOutcome classifies what happened to one listing block.
type BlockOutcome string

const (
	BlockRendered BlockOutcome = "rendered"
	BlockFailed   BlockOutcome = "failed"
	BlockRetried  BlockOutcome = "retried"
	BlockSkipped  BlockOutcome = "skipped"
)

// Recorder publishes Prometheus metrics for agent activity. Every method is
// safe on a nil receiver.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	tokenRefreshes *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	cacheEvictions  *prometheus.CounterVec

	blocks        *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Outbound requests issued by the HTTP client.",
	}, []string{"endpoint", "outcome", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for outbound requests that reached the network.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 12},
	}, []string{"endpoint", "outcome"})

	tokenRefreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "token_refreshes_total",
		Help:      "Token refresh attempts.",
	}, []string{"result"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Local store operations per namespace.",
	}, []string{"namespace", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for local store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"namespace", "operation", "result"})

	cacheEvictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted because a namespace reached its limit.",
	}, []string{"namespace"})

	blocks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blocks",
		Name:      "processed_total",
		Help:      "Listing blocks handled by the processor.",
	}, []string{"outcome"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notifications",
		Name:      "shown_total",
		Help:      "User-facing notifications shown.",
	}, []string{"kind"})

	reg.MustRegister(requests, requestLatency, tokenRefreshes, cacheOperations, cacheLatency, cacheEvictions, blocks, notifications)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		requests:        requests,
		requestLatency:  requestLatency,
		tokenRefreshes:  tokenRefreshes,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		cacheEvictions:  cacheEvictions,
		blocks:          blocks,
		notifications:   notifications,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records one outbound request. A zero duration means the
// request never reached the network and only the counter moves.
func (r *Recorder) ObserveRequest(endpoint string, outcome RequestOutcome, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	endpointLabel := normalizeLabel(endpoint)
	outcomeLabel := normalizeLabel(string(outcome))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "none"
	}
	r.requests.WithLabelValues(endpointLabel, outcomeLabel, statusLabel).Inc()
	if duration > 0 {
		r.requestLatency.WithLabelValues(endpointLabel, outcomeLabel).Observe(duration.Seconds())
	}
}

// ObserveTokenRefresh counts a token refresh attempt.
func (r *Recorder) ObserveTokenRefresh(success bool) {
	if r == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	r.tokenRefreshes.WithLabelValues(result).Inc()
}

// ObserveCacheLookup records the result of a store lookup.
func (r *Recorder) ObserveCacheLookup(namespace string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(namespace), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a store write.
func (r *Recorder) ObserveCacheStore(namespace string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(namespace), CacheOperationStore, resultLabel, duration)
}

// ObserveCacheDelete records an explicit removal.
func (r *Recorder) ObserveCacheDelete(namespace string, removed bool, duration time.Duration) {
	if r == nil {
		return
	}
	result := "removed"
	if !removed {
		result = "absent"
	}
	r.observeCache(normalizeLabel(namespace), CacheOperationDelete, result, duration)
}

// ObserveCacheEviction counts entries dropped by the eviction sweep.
func (r *Recorder) ObserveCacheEviction(namespace string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.cacheEvictions.WithLabelValues(normalizeLabel(namespace)).Add(float64(count))
}

// ObserveBlock counts one processed listing block.
func (r *Recorder) ObserveBlock(outcome BlockOutcome) {
	if r == nil {
		return
	}
	r.blocks.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveNotification counts a notification shown to the user.
func (r *Recorder) ObserveNotification(kind string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (r *Recorder) observeCache(namespace string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(namespace, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(namespace, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
