// Package cache provides a single value that is recomputed at most once per
// TTL, with concurrent misses sharing one computation.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Value caches the result of an expensive computation for a fixed TTL.
// Freshness is judged against the caller supplied time so tests and
// replays stay deterministic.
type Value[T any] struct {
	ttl time.Duration

	mu         sync.RWMutex
	val        T
	computedAt time.Time
	valid      bool

	group singleflight.Group
}

// New returns an empty Value with the given TTL.
func New[T any](ttl time.Duration) *Value[T] {
	return &Value[T]{ttl: ttl}
}

// TTL returns the configured time to live.
func (v *Value[T]) TTL() time.Duration {
	return v.ttl
}

// Peek returns the cached value and when it was computed without checking
// freshness.
func (v *Value[T]) Peek() (T, time.Time, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.val, v.computedAt, v.valid
}

func (v *Value[T]) fresh(now time.Time) (T, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.valid && now.Sub(v.computedAt) < v.ttl {
		return v.val, true
	}
	var zero T
	return zero, false
}

// Get returns the cached value if it was computed less than TTL before now.
// Otherwise compute is called and its result cached with now as the
// computation time. Concurrent callers that miss at the same time wait for
// a single call to compute. Errors are returned to every waiter and are not
// cached.
func (v *Value[T]) Get(ctx context.Context, now time.Time, compute func(ctx context.Context) (T, error)) (T, error) {
	if val, ok := v.fresh(now); ok {
		return val, nil
	}

	res, err, _ := v.group.Do("value", func() (any, error) {
		// another flight may have finished between our check and Do
		if val, ok := v.fresh(now); ok {
			return val, nil
		}
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.val = val
		v.computedAt = now
		v.valid = true
		v.mu.Unlock()
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// Invalidate drops the cached value so the next Get recomputes.
func (v *Value[T]) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.valid = false
}
