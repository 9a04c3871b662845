// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelinePagesTotal    *prometheus.CounterVec
	pipelineCasesTotal    *prometheus.CounterVec
	pipelineBatchesTotal  prometheus.Counter
	pipelineImportsTotal  *prometheus.CounterVec
	pipelineImportedTotal *prometheus.CounterVec
	pipelineRepairsTotal  *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pipelinePagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casekb_list_pages_total",
				Help: "Total number of list pages fetched, labeled by status.",
			},
			[]string{"status"},
		)

		pipelineCasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casekb_cases_crawled_total",
				Help: "Total number of cases crawled, labeled by outcome.",
			},
			[]string{"status"},
		)

		pipelineBatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "casekb_batches_saved_total",
				Help: "Total number of batch files written.",
			},
		)

		pipelineImportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casekb_import_runs_total",
				Help: "Total number of import runs, labeled by final status.",
			},
			[]string{"status"},
		)

		pipelineImportedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casekb_cases_imported_total",
				Help: "Total number of cases processed by import, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pipelineRepairsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casekb_reconcile_repairs_total",
				Help: "Total number of reconciliation repairs, labeled by kind.",
			},
			[]string{"kind"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage increments the list-page counter for the given status.
func ObservePage(status string) {
	pipelinePagesTotal.WithLabelValues(status).Inc()
}

// ObserveCase increments the crawled-case counter for the given outcome.
func ObserveCase(status string) {
	pipelineCasesTotal.WithLabelValues(status).Inc()
}

// ObserveBatchSaved increments the batch-file counter.
func ObserveBatchSaved() {
	pipelineBatchesTotal.Inc()
}

// ObserveImportRun increments the import-run counter for the final status.
func ObserveImportRun(status string) {
	pipelineImportsTotal.WithLabelValues(status).Inc()
}

// ObserveImportedCase increments the per-case import counter.
func ObserveImportedCase(outcome string) {
	pipelineImportedTotal.WithLabelValues(outcome).Inc()
}

// ObserveRepair increments the reconciliation repair counter.
func ObserveRepair(kind string) {
	pipelineRepairsTotal.WithLabelValues(kind).Inc()
}
