// Package metrics defines the orchestrator's Prometheus collectors:
// queue depths, worker-pool utilisation, build/test durations and
// crash counts by triage class. Generalised from the teacher's
// package-level Prometheus vars (go/cachepkg/cache.go, go/main.go)
// into a single registry struct instead of globals, per SPEC_FULL.md
// §9's "avoid package-level variables" directive.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the orchestrator exposes.
type Registry struct {
	QueueDepth       *prometheus.GaugeVec
	ActiveWorkers    *prometheus.GaugeVec
	BuildDuration    *prometheus.HistogramVec
	TestDuration     *prometheus.HistogramVec
	BuildsTotal      *prometheus.CounterVec
	TestsTotal       *prometheus.CounterVec
	CrashesTotal     *prometheus.CounterVec
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewRegistry constructs and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lustreci",
			Name:      "queue_depth",
			Help:      "Current depth of a process-wide queue.",
		}, []string{"queue"}),
		ActiveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lustreci",
			Name:      "active_workers",
			Help:      "Number of workers currently processing a job, by pool.",
		}, []string{"pool"}),
		BuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lustreci",
			Name:      "build_duration_seconds",
			Help:      "Build job duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"distro", "outcome"}),
		TestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lustreci",
			Name:      "test_duration_seconds",
			Help:      "Test job duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"fstype", "outcome"}),
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lustreci",
			Name:      "builds_total",
			Help:      "Total build jobs processed, by outcome.",
		}, []string{"outcome"}),
		TestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lustreci",
			Name:      "tests_total",
			Help:      "Total test jobs processed, by outcome.",
		}, []string{"outcome"}),
		CrashesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lustreci",
			Name:      "crashes_total",
			Help:      "Total crashes triaged, by class.",
		}, []string{"class"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lustreci",
			Name:      "http_requests_total",
			Help:      "Operator API requests, by method/path/status.",
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		r.QueueDepth, r.ActiveWorkers, r.BuildDuration, r.TestDuration,
		r.BuildsTotal, r.TestsTotal, r.CrashesTotal, r.HTTPRequestsTotal,
	)
	return r
}
