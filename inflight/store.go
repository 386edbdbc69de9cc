// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package inflight implements the ephemeral correlation store that ties an
// entry probe firing to its matching return probe firing. One entry exists
// per correlation key while the bracketed call is in flight; the return leg
// consumes it. Entries whose return leg never fires are purged after a
// configurable age so that lost samples cannot leak entries.
package inflight // import "github.com/ovswatch/ovswatch/inflight"

import (
	"sync"
	"time"

	lru "github.com/elastic/go-freelru"

	"github.com/ovswatch/ovswatch/metrics"
)

// Store is a bounded key-value table with atomic insert and
// lookup-and-remove semantics. It is safe for concurrent use from multiple
// probe dispatch goroutines.
type Store[K comparable, V any] struct {
	mu  sync.Mutex
	lru *lru.LRU[K, V]
}

// New returns a Store holding at most capacity entries. Entries older than
// maxAge are considered leaked and are removed by PurgeExpired. Inserting
// into a full store evicts the least recently used entry; the superseded
// operation then degrades to a lookup miss on its return leg.
func New[K comparable, V any](capacity uint32, hash lru.HashKeyCallback[K],
	maxAge time.Duration) (*Store[K, V], error) {
	l, err := lru.New[K, V](capacity, hash)
	if err != nil {
		return nil, err
	}
	l.SetLifetime(maxAge)
	return &Store[K, V]{lru: l}, nil
}

// Begin records the context of an operation that just entered its traced
// call. An existing entry for key is overwritten: a stale entry means the
// prior operation never completed and is superseded.
func (s *Store[K, V]) Begin(key K, value V) {
	s.mu.Lock()
	evicted := s.lru.Add(key, value)
	s.mu.Unlock()

	metrics.Inc(metrics.IDInflightBegun)
	if evicted {
		metrics.Inc(metrics.IDInflightEvicted)
	}
}

// Lookup returns the in-flight context for key without removing it. A miss
// is not an error; it means the operation is not being traced.
func (s *Store[K, V]) Lookup(key K) (V, bool) {
	s.mu.Lock()
	value, ok := s.lru.Peek(key)
	s.mu.Unlock()

	if !ok {
		metrics.Inc(metrics.IDInflightMiss)
	}
	return value, ok
}

// Consume atomically retrieves and removes the entry for key.
func (s *Store[K, V]) Consume(key K) (V, bool) {
	s.mu.Lock()
	value, ok := s.lru.Peek(key)
	if ok {
		s.lru.Remove(key)
	}
	s.mu.Unlock()

	if ok {
		metrics.Inc(metrics.IDInflightConsumed)
	} else {
		metrics.Inc(metrics.IDInflightMiss)
	}
	return value, ok
}

// Delete purges the entry for key. Used when the return path is known to be
// unreachable, e.g. the traced call signalled "no result". Deleting an
// absent key is a no-op.
func (s *Store[K, V]) Delete(key K) bool {
	s.mu.Lock()
	removed := s.lru.Remove(key)
	s.mu.Unlock()

	if removed {
		metrics.Inc(metrics.IDInflightConsumed)
	}
	return removed
}

// PurgeExpired removes entries older than the configured age and returns how
// many were removed.
func (s *Store[K, V]) PurgeExpired() int {
	s.mu.Lock()
	before := s.lru.Len()
	s.lru.PurgeExpired()
	purged := before - s.lru.Len()
	s.mu.Unlock()

	if purged > 0 {
		metrics.Add(metrics.IDInflightPurged, int64(purged))
	}
	return purged
}

// Len returns the number of in-flight entries.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
