// Package metrics is the reference for the Prometheus metrics exported by the
// records client. Metrics are defined in their own packages (client, cache,
// ratelimit) and registered with promauto on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package uses.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Names lists every metric family the client registers.
var Names = []string{
	// pkg/client
	"emr_requests_total",
	"emr_request_duration_seconds",
	"emr_errors_total",
	"emr_retries_total",
	"emr_retry_backoff_seconds",
	"emr_retry_exhausted_total",

	// pkg/cache
	"emr_cache_hits_total",
	"emr_cache_misses_total",
	"emr_cache_fetches_total",
	"emr_cache_evictions_total",
	"emr_cache_entries",
	"emr_cache_store_errors_total",

	// pkg/ratelimit
	"emr_rate_limited_total",
	"emr_rate_limit_blocks_total",
	"emr_rate_limit_backoff_seconds",
}

// Example Prometheus Queries:
//
//   # Cache hit rate (fresh and stale)
//   sum(rate(emr_cache_hits_total[5m])) /
//   (sum(rate(emr_cache_hits_total[5m])) + rate(emr_cache_misses_total[5m]))
//
//   # Share of hits served stale
//   rate(emr_cache_hits_total{state="stale"}[5m]) / sum(rate(emr_cache_hits_total[5m]))
//
//   # Rate limited responses
//   rate(emr_errors_total{kind="rate_limited"}[5m])
//
//   # P95 request latency per resource
//   histogram_quantile(0.95, sum by (resource, le) (rate(emr_request_duration_seconds_bucket[5m])))
