package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Result is the answer to a typed cache lookup.
type Result[T any] struct {
	Value     T
	State     State
	FetchedAt time.Time

	// Revalidation receives the outcome of the background fetch started for
	// a stale hit, then closes. It is nil for fresh hits and misses.
	Revalidation <-chan error
}

// Stale reports whether Value was served past its staleness window.
func (r Result[T]) Stale() bool {
	return r.State == StateStale
}

// Load looks up key in m, calling fetch when the cache cannot answer.
func Load[T any](ctx context.Context, m *Manager, key Key, fetch func(ctx context.Context) (T, error)) (Result[T], error) {
	e, state, revalidation, err := m.Lookup(ctx, key, erase(fetch), decodeJSON[T])
	if err != nil {
		return Result[T]{}, err
	}
	value, err := valueOf[T](e)
	if err != nil {
		return Result[T]{}, err
	}
	return Result[T]{
		Value:        value,
		State:        state,
		FetchedAt:    e.FetchedAt,
		Revalidation: revalidation,
	}, nil
}

// Refresh fetches key now and replaces its entry.
func Refresh[T any](ctx context.Context, m *Manager, key Key, fetch func(ctx context.Context) (T, error)) (Result[T], error) {
	e, err := m.Refetch(ctx, key, erase(fetch))
	if err != nil {
		return Result[T]{}, err
	}
	value, err := valueOf[T](e)
	if err != nil {
		return Result[T]{}, err
	}
	return Result[T]{Value: value, State: StateMiss, FetchedAt: e.FetchedAt}, nil
}

func erase[T any](fetch func(ctx context.Context) (T, error)) FetchFunc {
	return func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

func decodeJSON[T any](data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return v, nil
}

func valueOf[T any](e *Entry) (T, error) {
	v, ok := e.Value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s holds %T, want %T", ErrInvalidEntry, e.Key, e.Value, zero)
	}
	return v, nil
}
