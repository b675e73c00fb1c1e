package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "analytics_agent"

var (
	ImportRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "import_runs_total",
		Help:      "Total number of event imports, labelled by mode and final state.",
	}, []string{"mode", "state"})

	ImportRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "import_records_total",
		Help:      "Flattened event records inserted into the relational store.",
	}, []string{"mode"})

	ImportSourceRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "import_source_rows_total",
		Help:      "Raw (event, parameter) rows fetched from the warehouse.",
	})

	ImportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "import_duration_seconds",
		Help:      "Wall time of an import run.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"mode"})

	SchemaColumnsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schema_columns_added_total",
		Help:      "Columns added to the events table, labelled by inferred type.",
	}, []string{"type"})

	IndexRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "index_refresh_failures_total",
		Help:      "Best-effort vector index refreshes that failed after an import.",
	})

	ResolverSearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_searches_total",
		Help:      "Field resolution searches, labelled by status.",
	}, []string{"status"})

	EmbeddingRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_requests_total",
		Help:      "Embedding API requests, labelled by provider and status.",
	}, []string{"provider", "status"})

	EmbeddingRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "embedding_request_duration_seconds",
		Help:      "Embedding request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider"})

	EmbeddingCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_cache_total",
		Help:      "Embedding cache hits and misses.",
	}, []string{"result"}) // "hit" / "miss"

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_requests_total",
		Help:      "Language model calls, labelled by purpose and status.",
	}, []string{"purpose", "status"})
)
