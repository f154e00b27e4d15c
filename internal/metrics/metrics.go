// Package metrics exposes Prometheus counters for export activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recordexport"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector owns the export metrics and the registry they live in.
type Collector struct {
	registry     *prometheus.Registry
	exports      *prometheus.CounterVec
	batchRows    *prometheus.CounterVec
	archiveBytes *prometheus.HistogramVec
}

// NewCollector registers the export metrics in registry, or in a fresh
// registry when nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Completed export requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		batchRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_rows_total",
			Help:      "Batch manifest rows processed by outcome.",
		}, []string{"outcome"}),
		archiveBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_bytes",
			Help:      "Size of produced archives in bytes.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"kind"}),
	}
	registry.MustRegister(c.exports, c.batchRows, c.archiveBytes)
	return c
}

// Export records one finished export.
func (c *Collector) Export(kind string, err error) {
	if c == nil {
		return
	}
	c.exports.WithLabelValues(kind, outcome(err)).Inc()
}

// BatchRows records the row outcomes of one batch.
func (c *Collector) BatchRows(succeeded, failed int) {
	if c == nil {
		return
	}
	c.batchRows.WithLabelValues(OutcomeSuccess).Add(float64(succeeded))
	c.batchRows.WithLabelValues(OutcomeFailure).Add(float64(failed))
}

// ArchiveSize observes the size of a produced archive.
func (c *Collector) ArchiveSize(kind string, n int) {
	if c == nil {
		return
	}
	c.archiveBytes.WithLabelValues(kind).Observe(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
