package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

var (
	once sync.Once

	deploymentsTotal  *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	providerCalls     *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	batchResults      *prometheus.CounterVec
	siteTransitions   *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
)

// Init registers the collectors with the default registry. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		deploymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitedeploy",
			Subsystem: "pipeline",
			Name:      "deployments_total",
			Help:      "Deployment runs by final outcome",
		}, []string{"outcome"})

		stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitedeploy",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of deployment stages",
			Buckets:   histogramBuckets,
		}, []string{"stage", "outcome"})

		providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitedeploy",
			Subsystem: "provider",
			Name:      "api_calls_total",
			Help:      "Calls made to DNS provider APIs",
		}, []string{"provider", "operation", "outcome"})

		providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitedeploy",
			Subsystem: "provider",
			Name:      "api_call_duration_seconds",
			Help:      "Latency of DNS provider API calls",
			Buckets:   histogramBuckets,
		}, []string{"provider", "operation"})

		batchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitedeploy",
			Subsystem: "bulk",
			Name:      "site_results_total",
			Help:      "Per-site results of bulk deployments",
		}, []string{"status"})

		siteTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitedeploy",
			Subsystem: "registry",
			Name:      "status_transitions_total",
			Help:      "Site status transitions committed to the registry",
		}, []string{"from", "to"})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitedeploy",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitedeploy",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		deploymentsTotal = registerCounter(deploymentsTotal)
		stageDuration = registerHistogram(stageDuration)
		providerCalls = registerCounter(providerCalls)
		providerLatency = registerHistogram(providerLatency)
		batchResults = registerCounter(batchResults)
		siteTransitions = registerCounter(siteTransitions)
		httpRequestsTotal = registerCounter(httpRequestsTotal)
		httpLatency = registerHistogram(httpLatency)
	})
}

func registerCounter(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// RecordDeployment counts a finished deployment run
func RecordDeployment(outcome string) {
	Init()
	deploymentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a pipeline stage took
func ObserveStage(stage, outcome string, d time.Duration) {
	Init()
	stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// ObserveProviderCall records one provider API attempt
func ObserveProviderCall(provider, operation, outcome string, d time.Duration) {
	Init()
	providerCalls.WithLabelValues(provider, operation, outcome).Inc()
	providerLatency.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// RecordBatchResult counts one site result of a bulk deployment
func RecordBatchResult(status string) {
	Init()
	batchResults.WithLabelValues(status).Inc()
}

// RecordTransition counts a committed status change
func RecordTransition(from, to string) {
	Init()
	siteTransitions.WithLabelValues(from, to).Inc()
}

// ObserveHTTP records a served request
func ObserveHTTP(method, route string, status int, d time.Duration) {
	Init()
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	httpRequestsTotal.With(labels).Inc()
	httpLatency.With(labels).Observe(d.Seconds())
}
