package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployment metrics
	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentrun_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	DeploymentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_deployment_requests_total",
			Help: "Total number of deployment requests received by outcome",
		},
		[]string{"outcome"},
	)

	DeploymentPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrun_deployment_phase_duration_seconds",
			Help:    "Time spent in each deployment phase in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	DeploymentTimeToHealthy = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentrun_deployment_time_to_healthy_seconds",
			Help:    "Wall-clock time from intake to healthy in seconds",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// Fetcher metrics
	FetchBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_fetch_bytes_total",
			Help: "Total bytes fetched by package scheme",
		},
		[]string{"scheme"},
	)

	FetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_fetch_failures_total",
			Help: "Total fetch failures by scheme and reason",
		},
		[]string{"scheme", "reason"},
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrun_fetch_duration_seconds",
			Help:    "Package fetch duration in seconds by scheme",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	// Package cache metrics
	PackageCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrun_package_cache_hits_total",
			Help: "Total package cache hits by content trust",
		},
	)

	PackageCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrun_package_cache_misses_total",
			Help: "Total package cache misses",
		},
	)

	PackageCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrun_package_cache_entries",
			Help: "Number of packages currently cached",
		},
	)

	// Environment builder metrics
	EnvironmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrun_environments_total",
			Help: "Number of materialized environments currently on disk",
		},
	)

	EnvironmentCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrun_environment_cache_hits_total",
			Help: "Total environment builds served from an existing fingerprint directory",
		},
	)

	EnvironmentCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrun_environment_cache_misses_total",
			Help: "Total environment builds requiring a fresh materialization",
		},
	)

	EnvironmentBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentrun_environment_build_duration_seconds",
			Help:    "Time taken to materialize a dependency environment in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	EnvironmentEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrun_environment_evictions_total",
			Help: "Total environments evicted from the local cache",
		},
	)

	// Port allocator metrics
	PortsAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentrun_ports_allocated",
			Help: "Number of ports currently allocated by surface",
		},
		[]string{"surface"},
	)

	PortAllocationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_port_allocation_failures_total",
			Help: "Total port allocation failures by surface",
		},
		[]string{"surface"},
	)

	// Supervisor metrics
	AgentBootDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrun_agent_boot_duration_seconds",
			Help:    "Time from process spawn to readiness by agent app id",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent_app_id"},
	)

	AgentCrashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_agent_crashes_total",
			Help: "Total unexpected agent process exits by agent app id",
		},
		[]string{"agent_app_id"},
	)

	// Control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_api_requests_total",
			Help: "Total number of control API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrun_api_request_duration_seconds",
			Help:    "Control API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentRequestsTotal)
	prometheus.MustRegister(DeploymentPhaseDuration)
	prometheus.MustRegister(DeploymentTimeToHealthy)

	prometheus.MustRegister(FetchBytesTotal)
	prometheus.MustRegister(FetchFailuresTotal)
	prometheus.MustRegister(FetchDuration)

	prometheus.MustRegister(PackageCacheHitsTotal)
	prometheus.MustRegister(PackageCacheMissesTotal)
	prometheus.MustRegister(PackageCacheEntries)

	prometheus.MustRegister(EnvironmentsTotal)
	prometheus.MustRegister(EnvironmentCacheHitsTotal)
	prometheus.MustRegister(EnvironmentCacheMissesTotal)
	prometheus.MustRegister(EnvironmentBuildDuration)
	prometheus.MustRegister(EnvironmentEvictionsTotal)

	prometheus.MustRegister(PortsAllocated)
	prometheus.MustRegister(PortAllocationFailuresTotal)

	prometheus.MustRegister(AgentBootDuration)
	prometheus.MustRegister(AgentCrashesTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording them to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
