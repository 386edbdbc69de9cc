// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracking associates transient socket buffers with their origin
// identity. Probes that only see the skb pointer, not the context that first
// observed the packet, recover the origin timestamp and memory identity from
// here. Records never extend the skb's lifetime; stale records are purged
// periodically.
package tracking // import "github.com/ovswatch/ovswatch/tracking"

import (
	"encoding/binary"
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"github.com/ovswatch/ovswatch/metrics"
	"github.com/ovswatch/ovswatch/times"
)

// Record is the origin identity of a tracked skb. OrigHead is the address of
// the buffer's initial head area, which survives clones and header
// adjustments and therefore identifies the packet across probe sites.
type Record struct {
	OrigHead  uint64
	Timestamp times.KTime
	SkbAddr   uint64
}

// Table maps skb addresses to their origin Record.
type Table struct {
	records *lru.SyncedLRU[uint64, Record]
}

func hashSkbAddr(addr uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], addr)
	return uint32(xxh3.Hash(b[:]))
}

// NewTable returns a Table holding at most capacity records. Records older
// than maxAge are removed by PurgeExpired.
func NewTable(capacity uint32, maxAge time.Duration) (*Table, error) {
	records, err := lru.NewSynced[uint64, Record](capacity, hashSkbAddr)
	if err != nil {
		return nil, err
	}
	records.SetLifetime(maxAge)
	return &Table{records: records}, nil
}

// Put registers the origin record for an skb that just became observable.
func (t *Table) Put(skb uint64, rec Record) {
	t.records.Add(skb, rec)
}

// Lookup returns the origin record for skb. A miss means the skb is not one
// we are tracking and the caller must no-op.
func (t *Table) Lookup(skb uint64) (Record, bool) {
	rec, ok := t.records.Peek(skb)
	if !ok {
		metrics.Inc(metrics.IDTrackingMiss)
	}
	return rec, ok
}

// Forget drops the record for an skb whose kernel lifetime ended.
func (t *Table) Forget(skb uint64) {
	t.records.Remove(skb)
}

// PurgeExpired removes records older than the configured age and returns how
// many were removed.
func (t *Table) PurgeExpired() int {
	before := t.records.Len()
	t.records.PurgeExpired()
	purged := before - t.records.Len()
	if purged > 0 {
		metrics.Add(metrics.IDTrackingPurged, int64(purged))
	}
	return purged
}

// Len returns the number of tracked skbs.
func (t *Table) Len() int {
	return t.records.Len()
}
