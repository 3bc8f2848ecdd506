// Package prometheus exposes orchestrator metrics on a private registry.
package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// DefaultNamespace prefixes every metric name unless configured otherwise.
const DefaultNamespace = "esimflow"

// Collector records migration, executor, authorization and artifact
// metrics. It satisfies app.Metrics.
type Collector struct {
	registry *prometheus.Registry

	migrationsFinished *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	accessDenied       *prometheus.CounterVec
	artifactsPurged    prometheus.Counter
}

// NewCollector creates a collector on its own registry, alongside the Go
// runtime and process collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		migrationsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_finished_total",
				Help:      "Migrations that reached a final or failed status.",
			}, []string{"status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_step_duration_seconds",
				Help:      "Time spent in each migration step.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			}, []string{"step", "outcome"},
		),
		accessDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_denied_total",
				Help:      "Operations refused by the authorization guard.",
			}, []string{"reason"},
		),
		artifactsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_purged_total",
				Help:      "Expired activation artifacts deleted.",
			},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.migrationsFinished,
		c.stepDuration,
		c.accessDenied,
		c.artifactsPurged,
	)
	return c
}

// MigrationFinished counts a migration reaching status.
func (c *Collector) MigrationFinished(status domain.MigrationStatus) {
	c.migrationsFinished.WithLabelValues(string(status)).Inc()
}

// StepFinished observes how long a step took.
func (c *Collector) StepFinished(step domain.StepName, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.stepDuration.WithLabelValues(string(step), outcome).Observe(elapsed.Seconds())
}

// AccessDenied counts a refusal.
func (c *Collector) AccessDenied(reason domain.DenialReason) {
	c.accessDenied.WithLabelValues(string(reason)).Inc()
}

// ArtifactsPurged adds n purged artifacts.
func (c *Collector) ArtifactsPurged(n int) {
	c.artifactsPurged.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
