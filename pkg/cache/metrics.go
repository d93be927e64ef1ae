package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by freshness of the served entry
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emr_cache_hits_total",
			Help: "Total number of query cache hits",
		},
		[]string{"state"}, // "fresh", "stale"
	)

	// CacheMisses tracks lookups that had to wait for a fetch
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emr_cache_misses_total",
			Help: "Total number of query cache misses",
		},
	)

	// CacheFetches tracks fetches started by the cache
	CacheFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emr_cache_fetches_total",
			Help: "Total number of fetches performed by the query cache",
		},
		[]string{"resource", "outcome"}, // "ok", "error"
	)

	// CacheEvictions tracks entries dropped after their eviction deadline
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emr_cache_evictions_total",
			Help: "Total number of evicted query cache entries",
		},
	)

	// CacheEntries tracks the number of entries held in memory
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emr_cache_entries",
			Help: "Current number of query cache entries in memory",
		},
	)

	// StoreErrors tracks second-tier store errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emr_cache_store_errors_total",
			Help: "Total number of second-tier cache store errors",
		},
		[]string{"operation"}, // "load", "save", "delete"
	)
)
