package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records HTTP request latency by method, route, and status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "chalorch",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// DeploymentsTotal counts deploy attempts by challenge strategy and outcome
// ("deployed", "already_deployed", "failed").
var DeploymentsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chalorch",
		Subsystem: "deployments",
		Name:      "total",
		Help:      "Total number of deploy attempts by strategy and outcome.",
	},
	[]string{"strategy", "outcome"},
)

// TeardownsTotal counts teardown attempts by outcome ("destroyed",
// "already_destroyed", "not_yet_deployed", "not_found").
var TeardownsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chalorch",
		Subsystem: "deployments",
		Name:      "teardowns_total",
		Help:      "Total number of teardown attempts by outcome.",
	},
	[]string{"outcome"},
)

// ReaperScheduledTotal counts leases scheduled for expiry by the reaper,
// split between ones discovered at startup and ones scheduled live.
var ReaperScheduledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chalorch",
		Subsystem: "reaper",
		Name:      "scheduled_total",
		Help:      "Total number of lease expirations scheduled, by source.",
	},
	[]string{"source"},
)

// GuardCleanupFailuresTotal counts best-effort resource cleanup failures
// during guard abandonment, by resource kind.
var GuardCleanupFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chalorch",
		Subsystem: "guard",
		Name:      "cleanup_failures_total",
		Help:      "Total number of best-effort cleanup failures on guard abandonment.",
	},
	[]string{"kind"},
)

// CatalogReloadsTotal counts catalog reload attempts by outcome ("ok", "error").
var CatalogReloadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chalorch",
		Subsystem: "catalog",
		Name:      "reloads_total",
		Help:      "Total number of catalog reload attempts by outcome.",
	},
	[]string{"outcome"},
)

// All returns every chalorch-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		DeploymentsTotal,
		TeardownsTotal,
		ReaperScheduledTotal,
		GuardCleanupFailuresTotal,
		CatalogReloadsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry pre-populated with Go
// runtime/process collectors plus the given application collectors.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
