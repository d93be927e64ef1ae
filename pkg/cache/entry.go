package cache

import "time"

// Entry is a cached query result. Entries are never modified after they
// are stored; a refetch or invalidation replaces them.
type Entry struct {
	// Key is the rendered cache key
	Key string

	// Resource is the API collection the entry belongs to
	Resource string

	// Value is the decoded result
	Value any

	// FetchedAt is when the value was fetched from the API
	FetchedAt time.Time

	// StaleAfter is when the value stops being fresh
	StaleAfter time.Time

	// EvictAfter is when the entry may be dropped if nobody observes it
	EvictAfter time.Time
}

func newEntry(key, resource string, value any, fetchedAt time.Time, p Policy) *Entry {
	return &Entry{
		Key:        key,
		Resource:   resource,
		Value:      value,
		FetchedAt:  fetchedAt,
		StaleAfter: fetchedAt.Add(p.StaleAfter),
		EvictAfter: fetchedAt.Add(p.EvictAfter),
	}
}

// IsStale reports whether the entry needs revalidation at now.
func (e *Entry) IsStale(now time.Time) bool {
	return !now.Before(e.StaleAfter)
}

// IsEvictable reports whether the eviction deadline has passed at now.
func (e *Entry) IsEvictable(now time.Time) bool {
	return now.After(e.EvictAfter)
}

// Age returns how long ago the value was fetched.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// markedStale returns a copy of e that is stale from now on.
func (e *Entry) markedStale(now time.Time) *Entry {
	cp := *e
	if cp.StaleAfter.After(now) {
		cp.StaleAfter = now
	}
	return &cp
}
