// Package cache provides the in-process query cache of the records client.
//
// The cache manager implements the query synchronization rules shared by all
// list and lookup queries:
//
// - Deterministic cache keys derived from resource, id and query parameters
// - Per-resource staleness and eviction windows (default 5m / 10m)
// - Stale-while-revalidate: stale entries are served immediately while one
// background fetch refreshes them
// - At most one fetch in flight per key (singleflight)
// - Observers pin entries past their eviction deadline
// - Optional Redis second tier shared between processes
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	manager, err := cache.NewManager(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer manager.Close()
//
//	key := cache.Key{
//		Resource: "patients",
//		Params:   url.Values{"page": {"1"}, "limit": {"20"}},
//	}
//
//	res, err := cache.Load(ctx, manager, key, func(ctx context.Context) (Page, error) {
//		return fetchPatients(ctx)
//	})
//	if res.Stale() {
//		// res.Value is served while res.Revalidation reports the refresh
//	}
//
// # Second Tier
//
//	store := cache.NewRedisStore(redisClient)
//	cfg := cache.DefaultConfig()
//	cfg.Store = store
//
// Store errors are logged and counted, never returned to callers.
//
// # Metrics
//
//   - emr_cache_hits_total{state} - Cache hits by freshness
//   - emr_cache_misses_total - Lookups that waited for a fetch
//   - emr_cache_fetches_total{resource,outcome} - Fetches started by the cache
//   - emr_cache_evictions_total - Evicted entries
//   - emr_cache_entries - Entries held in memory
//   - emr_cache_store_errors_total{operation} - Second tier errors
package cache
