package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// State describes how a lookup was answered.
type State string

const (
	// StateFresh means the value came from cache and is within its staleness window.
	StateFresh State = "fresh"

	// StateStale means the value came from cache past its staleness window
	// and a background revalidation was started.
	StateStale State = "stale"

	// StateMiss means the caller waited for a fetch.
	StateMiss State = "miss"
)

// FetchFunc loads the value of a key from the API.
type FetchFunc func(ctx context.Context) (any, error)

// DecodeFunc rebuilds a value from its JSON form in a Store.
type DecodeFunc func(data []byte) (any, error)

// Config holds the cache manager configuration.
type Config struct {
	// Policies sets staleness and eviction windows per resource (a zero
	// Default is replaced by DefaultPolicy)
	Policies Policies

	// Store is an optional second tier (nil keeps entries in memory only)
	Store Store

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// SweepInterval is how often evictable entries are dropped (0 disables the janitor)
	SweepInterval time.Duration

	// Logger (default: global logger with component=query-cache)
	Logger *zerolog.Logger
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Policies:      DefaultPolicies(),
		SweepInterval: time.Minute,
	}
}

// Manager is the in-process query cache. It serves fresh entries directly,
// serves stale entries while revalidating them in the background, and keeps
// at most one fetch in flight per key.
//
// A Manager is created once, shared by everything that issues queries, and
// shut down with Close.
type Manager struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	observers map[string]int

	// generations count invalidations; a fetch that started under an older
	// generation is stored already stale.
	resourceGens map[string]uint64
	keyGens      map[string]uint64

	flights singleflight.Group

	policies Policies
	store    Store
	now      func() time.Time
	logger   zerolog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a cache manager and starts its janitor.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Policies.Default == (Policy{}) {
		cfg.Policies.Default = DefaultPolicy()
	}
	if err := cfg.Policies.Validate(); err != nil {
		return nil, fmt.Errorf("cache policies: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := log.With().Str("component", "query-cache").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	m := &Manager{
		entries:      make(map[string]*Entry),
		observers:    make(map[string]int),
		resourceGens: make(map[string]uint64),
		keyGens:      make(map[string]uint64),
		policies:     cfg.Policies,
		store:        cfg.Store,
		now:          cfg.Now,
		logger:       logger,
		stop:         make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		m.done = make(chan struct{})
		go m.janitor(cfg.SweepInterval)
	}

	return m, nil
}

// Lookup answers a query for key. Fresh entries are returned as-is. Stale
// entries are returned immediately and revalidated in the background; the
// outcome of that fetch is delivered on the returned channel. Without an
// entry the caller waits for fetch, sharing it with concurrent callers.
func (m *Manager) Lookup(ctx context.Context, key Key, fetch FetchFunc, decode DecodeFunc) (*Entry, State, <-chan error, error) {
	k := key.String()
	now := m.now()

	e := m.current(k, now)
	if e == nil && m.store != nil {
		e = m.loadFromStore(ctx, k, key.Resource, decode, now)
	}

	if e != nil {
		if !e.IsStale(now) {
			CacheHits.WithLabelValues(string(StateFresh)).Inc()
			m.logger.Debug().Str("key", k).Dur("age", e.Age(now)).Msg("Cache hit")
			return e, StateFresh, nil, nil
		}

		CacheHits.WithLabelValues(string(StateStale)).Inc()
		m.logger.Debug().Str("key", k).Dur("age", e.Age(now)).Msg("Stale cache hit, revalidating")
		return e, StateStale, m.revalidate(ctx, key, fetch), nil
	}

	CacheMisses.Inc()
	m.logger.Debug().Str("key", k).Msg("Cache miss")

	e, err := m.wait(ctx, m.flight(ctx, key, fetch, true))
	if err != nil {
		return nil, StateMiss, nil, err
	}
	return e, StateMiss, nil, nil
}

// Refetch fetches key now, regardless of the cached state, and waits for the
// result. It joins a fetch already in flight for key.
func (m *Manager) Refetch(ctx context.Context, key Key, fetch FetchFunc) (*Entry, error) {
	return m.wait(ctx, m.flight(ctx, key, fetch, false))
}

// Peek returns the entry held for key without fetching or evicting.
func (m *Manager) Peek(key Key) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.String()]
	return e, ok
}

// Subscribe registers an observer of key. Observed entries are not evicted.
// The returned function removes the observer; calling it more than once has
// no further effect.
func (m *Manager) Subscribe(key Key) (unsubscribe func()) {
	k := key.String()

	m.mu.Lock()
	m.observers[k]++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.observers[k] <= 1 {
				delete(m.observers, k)
				return
			}
			m.observers[k]--
		})
	}
}

// Observers returns the number of observers of key.
func (m *Manager) Observers(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observers[key.String()]
}

// Invalidate marks every entry of resource stale, so the next lookup
// revalidates it. Fetches of resource already in flight store their result
// stale. It returns the number of entries affected.
func (m *Manager) Invalidate(ctx context.Context, resource string) int {
	now := m.now()

	m.mu.Lock()
	m.resourceGens[resource]++
	var keys []string
	for k, e := range m.entries {
		if e.Resource == resource {
			m.entries[k] = e.markedStale(now)
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()

	m.deleteFromStore(ctx, keys...)

	m.logger.Debug().Str("resource", resource).Int("entries", len(keys)).Msg("Invalidated resource")
	return len(keys)
}

// InvalidateKey marks the entry of key stale.
func (m *Manager) InvalidateKey(ctx context.Context, key Key) bool {
	k := key.String()
	now := m.now()

	m.mu.Lock()
	m.keyGens[k]++
	e, ok := m.entries[k]
	if ok {
		m.entries[k] = e.markedStale(now)
	}
	m.mu.Unlock()

	if ok {
		m.deleteFromStore(ctx, k)
	}
	return ok
}

// Sweep drops entries past their eviction deadline that have no observers.
// It returns the number of entries dropped.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for k, e := range m.entries {
		if e.IsEvictable(now) && m.observers[k] == 0 {
			delete(m.entries, k)
			evicted++
		}
	}
	if evicted > 0 {
		CacheEvictions.Add(float64(evicted))
		CacheEntries.Set(float64(len(m.entries)))
	}
	return evicted
}

// Len returns the number of entries held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the janitor and drops all entries.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		if m.done != nil {
			<-m.done
		}

		m.mu.Lock()
		m.entries = make(map[string]*Entry)
		m.observers = make(map[string]int)
		m.resourceGens = make(map[string]uint64)
		m.keyGens = make(map[string]uint64)
		m.mu.Unlock()
		CacheEntries.Set(0)
	})
	return nil
}

// current returns the entry for k, dropping it first if it is evictable
// and unobserved.
func (m *Manager) current(k string, now time.Time) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[k]
	if e != nil && e.IsEvictable(now) && m.observers[k] == 0 {
		delete(m.entries, k)
		CacheEvictions.Inc()
		CacheEntries.Set(float64(len(m.entries)))
		return nil
	}
	return e
}

// flight starts a fetch for key or joins the one in flight. With recheck the
// fetch is skipped when a fresh entry was stored since the caller looked.
func (m *Manager) flight(ctx context.Context, key Key, fetch FetchFunc, recheck bool) <-chan singleflight.Result {
	k := key.String()

	// The fetch outlives callers that stop waiting; its result is still cached.
	fetchCtx := context.WithoutCancel(ctx)

	return m.flights.DoChan(k, func() (any, error) {
		if recheck {
			now := m.now()
			if e := m.current(k, now); e != nil && !e.IsStale(now) {
				return e, nil
			}
		}

		gen := m.generation(k, key.Resource)
		start := m.now()
		value, err := fetch(fetchCtx)
		if err != nil {
			CacheFetches.WithLabelValues(key.Resource, "error").Inc()
			m.logger.Warn().Err(err).Str("key", k).Msg("Fetch failed")
			return nil, err
		}
		CacheFetches.WithLabelValues(key.Resource, "ok").Inc()

		e := m.put(fetchCtx, k, key.Resource, value, gen)
		m.logger.Debug().
			Str("key", k).
			Dur("duration", m.now().Sub(start)).
			Time("stale_after", e.StaleAfter).
			Msg("Cached fetch result")
		return e, nil
	})
}

func (m *Manager) wait(ctx context.Context, ch <-chan singleflight.Result) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

func (m *Manager) revalidate(ctx context.Context, key Key, fetch FetchFunc) <-chan error {
	out := make(chan error, 1)
	ch := m.flight(ctx, key, fetch, true)
	go func() {
		res := <-ch
		out <- res.Err
		close(out)
	}()
	return out
}

// generation returns the invalidation count of k and its resource.
func (m *Manager) generation(k, resource string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resourceGens[resource] + m.keyGens[k]
}

// put replaces the entry of k with a freshly fetched value. A value fetched
// under an older generation than the current one is stored stale and kept
// out of the store.
func (m *Manager) put(ctx context.Context, k, resource string, value any, gen uint64) *Entry {
	now := m.now()
	e := newEntry(k, resource, value, now, m.policies.For(resource))

	m.mu.Lock()
	outdated := m.resourceGens[resource]+m.keyGens[k] != gen
	if outdated {
		e = e.markedStale(now)
	}
	m.entries[k] = e
	CacheEntries.Set(float64(len(m.entries)))
	m.mu.Unlock()

	if outdated {
		m.logger.Debug().Str("key", k).Msg("Invalidated during fetch, stored stale")
		return e
	}

	if m.store != nil {
		data, err := json.Marshal(value)
		if err != nil {
			StoreErrors.WithLabelValues("save").Inc()
			m.logger.Warn().Err(err).Str("key", k).Msg("Failed to encode entry for store")
			return e
		}
		stored := &StoredEntry{
			Data:       data,
			FetchedAt:  e.FetchedAt,
			StaleAfter: e.StaleAfter,
			EvictAfter: e.EvictAfter,
		}
		if err := m.store.Save(ctx, k, stored, e.EvictAfter.Sub(now)); err != nil {
			StoreErrors.WithLabelValues("save").Inc()
			m.logger.Warn().Err(err).Str("key", k).Msg("Failed to save entry to store")
		}
	}

	return e
}

func (m *Manager) loadFromStore(ctx context.Context, k, resource string, decode DecodeFunc, now time.Time) *Entry {
	stored, err := m.store.Load(ctx, k)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			StoreErrors.WithLabelValues("load").Inc()
			m.logger.Warn().Err(err).Str("key", k).Msg("Failed to load entry from store")
		}
		return nil
	}
	if now.After(stored.EvictAfter) {
		return nil
	}

	value, err := decode(stored.Data)
	if err != nil {
		StoreErrors.WithLabelValues("load").Inc()
		m.logger.Warn().Err(err).Str("key", k).Msg("Failed to decode stored entry")
		return nil
	}

	e := &Entry{
		Key:        k,
		Resource:   resource,
		Value:      value,
		FetchedAt:  stored.FetchedAt,
		StaleAfter: stored.StaleAfter,
		EvictAfter: stored.EvictAfter,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[k]; ok {
		return cur
	}
	m.entries[k] = e
	CacheEntries.Set(float64(len(m.entries)))
	return e
}

func (m *Manager) deleteFromStore(ctx context.Context, keys ...string) {
	if m.store == nil {
		return
	}
	for _, k := range keys {
		if err := m.store.Delete(ctx, k); err != nil {
			StoreErrors.WithLabelValues("delete").Inc()
			m.logger.Warn().Err(err).Str("key", k).Msg("Failed to delete entry from store")
		}
	}
}

func (m *Manager) janitor(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug().Int("evicted", n).Msg("Swept evictable entries")
			}
		}
	}
}
