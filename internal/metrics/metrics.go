// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "askd"

var (
	// CacheLookups counts answer cache lookups.
	// Labels: result (exact, fuzzy, miss, error)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of answer cache lookups by result",
		},
		[]string{"result"},
	)

	// CacheEvictions counts entries dropped by the cache size bound.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of answer cache entries evicted by the LRU bound",
		},
	)

	// CacheEntries tracks the number of entries held in memory.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of answer cache entries currently held",
		},
	)

	// GenerationDuration tracks how long retrieval plus generation takes.
	// Labels: outcome (ok, timeout, unavailable, error)
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Duration of retrieval plus generation in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// MessagesAppended counts messages written to conversation logs.
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "appended_total",
			Help:      "Total number of messages appended to conversations",
		},
	)

	// AppendRetries counts appends retried after a position conflict.
	AppendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "append_retries_total",
			Help:      "Total number of message appends retried after a position conflict",
		},
	)

	// PersistenceFailures counts answers returned without being persisted.
	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "persistence_failures_total",
			Help:      "Total number of generated answers whose persistence failed",
		},
	)

	// IngestJobs counts processed ingest jobs.
	// Labels: result (success, error)
	IngestJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "jobs_total",
			Help:      "Total number of ingest jobs processed by result",
		},
		[]string{"result"},
	)
)
