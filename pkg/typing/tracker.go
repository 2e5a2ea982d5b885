// Package typing keeps short-lived typing indicators that expire on their own
// when the matching stop signal never arrives.
package typing

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultExpiry        = 3 * time.Second
	DefaultSweepInterval = time.Second
)

// Tracker is an expiring set keyed by K. An entry is live for expiry after its
// last Set. Expired entries are only removed by Sweep, so the owner decides
// which goroutine does the cleanup.
type Tracker[K comparable] struct {
	cache         *ttlcache.Cache[K, time.Time]
	sweepInterval time.Duration
}

// New returns a tracker. Non-positive durations fall back to the defaults.
func New[K comparable](expiry, sweepInterval time.Duration) *Tracker[K] {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Tracker[K]{
		cache: ttlcache.New[K, time.Time](
			ttlcache.WithTTL[K, time.Time](expiry),
			ttlcache.WithDisableTouchOnHit[K, time.Time](),
		),
		sweepInterval: sweepInterval,
	}
}

// Set records or refreshes key as typing at at.
func (t *Tracker[K]) Set(key K, at time.Time) {
	t.cache.Set(key, at, ttlcache.DefaultTTL)
}

// Delete removes a live key and reports whether it was present. Deleting does
// not count as expiry.
func (t *Tracker[K]) Delete(key K) bool {
	_, ok := t.cache.GetAndDelete(key)
	return ok
}

// DeleteFunc removes every live key matching fn and returns them.
func (t *Tracker[K]) DeleteFunc(fn func(K) bool) []K {
	var removed []K
	for _, k := range t.cache.Keys() {
		if fn(k) && t.Delete(k) {
			removed = append(removed, k)
		}
	}
	return removed
}

// Active reports whether key is present and not yet expired.
func (t *Tracker[K]) Active(key K) bool {
	return t.cache.Has(key)
}

// OnExpire registers fn for keys removed by Sweep. fn runs on its own
// goroutine, so an entry may have been Set again by the time it is called.
// The returned func unregisters fn and waits for running calls.
func (t *Tracker[K]) OnExpire(fn func(K)) (stop func()) {
	return t.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[K, time.Time]) {
		if reason == ttlcache.EvictionReasonExpired {
			fn(item.Key())
		}
	})
}

// Sweep drops every expired entry.
func (t *Tracker[K]) Sweep() {
	t.cache.DeleteExpired()
}

// Snapshot returns each live key with the time it was last marked typing.
func (t *Tracker[K]) Snapshot() map[K]time.Time {
	items := t.cache.Items()
	out := make(map[K]time.Time, len(items))
	for k, item := range items {
		out[k] = item.Value()
	}
	return out
}

func (t *Tracker[K]) Len() int { return t.cache.Len() }

func (t *Tracker[K]) SweepInterval() time.Duration { return t.sweepInterval }

// Run sweeps on every interval tick until ctx is done.
func (t *Tracker[K]) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
