// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package event implements the multi-section trace event assembly. Probes
// and hooks append independently typed sections to an acquired builder; the
// finished event is framed and handed to the transport exactly once. The
// builders come from a fixed pool so sustained tracing load cannot grow
// memory without bound.
package event // import "github.com/ovswatch/ovswatch/event"

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/ovswatch/ovswatch/metrics"
)

// Owner identifies the subsystem that contributed a section.
type Owner uint8

const (
	OwnerCommon    Owner = 1
	OwnerKernel    Owner = 2
	OwnerUserspace Owner = 3
	OwnerTracking  Owner = 4
	OwnerOvs       Owner = 5
)

// Kind identifies a section within its owner's namespace. A (Owner, Kind)
// pair is unique within one event.
type Kind uint8

// Section kinds of OwnerCommon.
const (
	CommonTimestamp Kind = 1
)

// Section kinds of OwnerUserspace.
const (
	UserspaceUsdt Kind = 1
)

// Section kinds of OwnerTracking.
const (
	TrackingSkb Kind = 1
)

// Section kinds of OwnerOvs. Kept in sync with the collector side.
const (
	OvsUpcall           Kind = 0
	OvsRecvUpcall       Kind = 1
	OvsOpFlowPut        Kind = 2
	OvsOpFlowExec       Kind = 3
	OvsFlowLookupReturn Kind = 4
)

const (
	// MaxPayload is the per-event section budget, headers included.
	MaxPayload = 1024
	// MaxSections bounds the number of sections per event.
	MaxSections = 16

	sectionHeaderLen = 4 // owner u8, kind u8, size u16
	frameHeaderLen   = 3 // payload length u16, section count u8
	frameDigestLen   = 8 // xxh3 of header+payload
)

// Sink receives finalized, framed events. Publish must not block; it reports
// whether the frame was accepted.
type Sink interface {
	Publish(frame []byte) bool
}

type sectionTag struct {
	owner Owner
	kind  Kind
}

// Builder assembles one in-flight event. It is exclusively owned by the
// acquiring probe invocation until Finalize or Discard returns it to the
// pool.
type Builder struct {
	pool     *Pool
	payload  [MaxPayload]byte
	used     int
	tags     [MaxSections]sectionTag
	sections int
	closed   bool
}

// Pool hands out event builders. Acquisition fails when all builders are in
// flight; callers must abandon the event attempt without side effects.
type Pool struct {
	sink Sink
	free chan *Builder
}

// NewPool returns a Pool of size builders publishing to sink.
func NewPool(size int, sink Sink) *Pool {
	p := &Pool{
		sink: sink,
		free: make(chan *Builder, size),
	}
	for range size {
		p.free <- &Builder{pool: p}
	}
	return p
}

// Acquire obtains a builder for a new event. It returns false under pool
// exhaustion.
func (p *Pool) Acquire() (*Builder, bool) {
	select {
	case b := <-p.free:
		b.reset()
		metrics.Inc(metrics.IDEventAcquired)
		return b, true
	default:
		metrics.Inc(metrics.IDEventPoolExhausted)
		return nil, false
	}
}

func (b *Builder) reset() {
	b.used = 0
	b.sections = 0
	b.closed = false
}

func (b *Builder) release() {
	b.pool.free <- b
}

// Sections returns the number of sections appended so far.
func (b *Builder) Sections() int {
	return b.sections
}

// Section reserves size bytes for the (owner, kind) section and returns the
// writable region. It returns false when the event budget is exhausted, the
// section limit is reached, or the section already exists; the caller then
// either discards the event (mandatory data) or carries on without the
// section (ancillary data). A section is written exactly once; the region
// must not be retained past Finalize or Discard.
func (b *Builder) Section(owner Owner, kind Kind, size int) ([]byte, bool) {
	if b.closed {
		log.Errorf("Section(%d, %d) on a closed event", owner, kind)
		return nil, false
	}
	for i := range b.sections {
		if b.tags[i] == (sectionTag{owner, kind}) {
			metrics.Inc(metrics.IDEventSectionRejected)
			return nil, false
		}
	}
	if b.sections == MaxSections || size < 0 || size > 0xffff ||
		b.used+sectionHeaderLen+size > MaxPayload {
		metrics.Inc(metrics.IDEventSectionRejected)
		return nil, false
	}

	hdr := b.payload[b.used:]
	hdr[0] = byte(owner)
	hdr[1] = byte(kind)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(size))

	region := b.payload[b.used+sectionHeaderLen : b.used+sectionHeaderLen+size]
	b.tags[b.sections] = sectionTag{owner, kind}
	b.sections++
	b.used += sectionHeaderLen + size
	return region, true
}

// Discard cancels the event and returns the builder to the pool.
func (b *Builder) Discard() {
	if b.closed {
		log.Errorf("Discard on a closed event")
		return
	}
	b.closed = true
	metrics.Inc(metrics.IDEventDiscarded)
	b.release()
}

// Finalize frames the event and hands it to the transport. An event with
// zero sections is discarded instead of being emitted empty. The builder is
// returned to the pool either way; it reports whether the event was accepted
// by the sink.
func (b *Builder) Finalize() bool {
	if b.closed {
		log.Errorf("Finalize on a closed event")
		return false
	}
	if b.sections == 0 {
		b.Discard()
		return false
	}
	b.closed = true

	frame := make([]byte, frameHeaderLen+b.used+frameDigestLen)
	binary.LittleEndian.PutUint16(frame[0:2], uint16(b.used))
	frame[2] = byte(b.sections)
	copy(frame[frameHeaderLen:], b.payload[:b.used])
	digest := xxh3.Hash(frame[:frameHeaderLen+b.used])
	binary.LittleEndian.PutUint64(frame[frameHeaderLen+b.used:], digest)

	sent := b.pool.sink.Publish(frame)
	if sent {
		metrics.Inc(metrics.IDEventSent)
	}
	b.release()
	return sent
}
