// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport hands finalized event frames from the probe dispatch
// goroutines to the single consumer. Delivery is best effort: publishing
// never blocks the probe path, a full ring drops the frame.
package transport // import "github.com/ovswatch/ovswatch/transport"

import (
	"sync/atomic"

	"github.com/ovswatch/ovswatch/metrics"
)

// Ring is a bounded multi-producer single-consumer queue of event frames.
type Ring struct {
	ch      chan []byte
	dropped atomic.Uint64
}

// NewRing returns a Ring buffering up to size frames.
func NewRing(size int) *Ring {
	return &Ring{ch: make(chan []byte, size)}
}

// Publish enqueues a frame. It never blocks; when the ring is full the frame
// is dropped and counted, and Publish returns false.
func (r *Ring) Publish(frame []byte) bool {
	select {
	case r.ch <- frame:
		return true
	default:
		r.dropped.Add(1)
		metrics.Inc(metrics.IDRingDropped)
		return false
	}
}

// Events returns the consumer side of the ring.
func (r *Ring) Events() <-chan []byte {
	return r.ch
}

// Dropped returns the number of frames dropped so far.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Close closes the consumer channel. It must only be called after all
// publishers have stopped.
func (r *Ring) Close() {
	close(r.ch)
}
