// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package ovs implements the probe handlers for the Open vSwitch kernel
// datapath. The entry probes stash the execution context of the task in the
// correlation store; the return probes pick it up, recover the packet's
// origin identity from the tracking table and assemble the trace event.
package ovs // import "github.com/ovswatch/ovswatch/probe/ovs"

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ovswatch/ovswatch/event"
	"github.com/ovswatch/ovswatch/inflight"
	"github.com/ovswatch/ovswatch/metrics"
	"github.com/ovswatch/ovswatch/probe"
	"github.com/ovswatch/ovswatch/times"
	"github.com/ovswatch/ovswatch/tracking"
)

// ExecContext is the in-flight entry of one ovs_execute_actions call. It is
// created at the entry probe and lives until the matching return probe, or
// until the flow lookup return probe learns that the call will not produce a
// correlated continuation.
type ExecContext struct {
	Skb uint64
}

// CmdContext is the in-flight entry of one ovs_packet_cmd_execute call.
type CmdContext struct {
	Start times.KTime
}

// Probes holds the shared state of the OVS kernel handlers.
type Probes struct {
	Exec     *inflight.Store[probe.TaskID, ExecContext]
	Cmd      *inflight.Store[probe.TaskID, CmdContext]
	Tracking *tracking.Table
	Events   *event.Pool

	// Hook chains, fixed at startup.
	FlowLookupHooks probe.Chain
	UpcallHooks     probe.Chain
}

// Register binds all OVS kernel handlers to their attachment points.
func (p *Probes) Register(d *probe.Dispatcher) error {
	for _, reg := range []struct {
		point   probe.AttachPoint
		handler probe.Handler
	}{
		{probe.AttachSkbTracking, p.handleSkbTracking},
		{probe.AttachSkbFree, p.handleSkbFree},
		{probe.AttachExecuteActionsEntry, p.handleExecuteActionsEntry},
		{probe.AttachExecuteActionsReturn, p.handleExecuteActionsReturn},
		{probe.AttachFlowLookupReturn, p.handleFlowLookupReturn},
		{probe.AttachPacketCmdExecuteEntry, p.handlePacketCmdExecuteEntry},
		{probe.AttachPacketCmdExecuteReturn, p.handlePacketCmdExecuteReturn},
		{probe.AttachDpUpcall, p.handleDpUpcall},
	} {
		if err := d.Register(reg.point, reg.handler); err != nil {
			return err
		}
	}
	return nil
}

// handleSkbTracking records the origin identity of an skb that just became
// observable to the datapath.
func (p *Probes) handleSkbTracking(ctx *probe.Context) {
	if ctx.Skb == 0 || len(ctx.Raw) < 8 {
		return
	}
	p.Tracking.Put(ctx.Skb, tracking.Record{
		OrigHead:  binary.LittleEndian.Uint64(ctx.Raw),
		Timestamp: ctx.KTime,
		SkbAddr:   ctx.Skb,
	})
}

// handleSkbFree drops the tracking record when the skb's kernel lifetime
// ends.
func (p *Probes) handleSkbFree(ctx *probe.Context) {
	if ctx.Skb == 0 {
		return
	}
	p.Tracking.Forget(ctx.Skb)
}

func (p *Probes) handleExecuteActionsEntry(ctx *probe.Context) {
	if ctx.Skb == 0 {
		return
	}
	p.Exec.Begin(ctx.Task, ExecContext{Skb: ctx.Skb})
}

// handleExecuteActionsReturn consumes the entry created at
// handleExecuteActionsEntry. A miss means the entry leg was not traced.
func (p *Probes) handleExecuteActionsReturn(ctx *probe.Context) {
	p.Exec.Consume(ctx.Task)
}

func (p *Probes) handlePacketCmdExecuteEntry(ctx *probe.Context) {
	p.Cmd.Begin(ctx.Task, CmdContext{Start: ctx.KTime})
}

// handlePacketCmdExecuteReturn removes the in-flight command entry; the
// execute command has finished.
func (p *Probes) handlePacketCmdExecuteReturn(ctx *probe.Context) {
	p.Cmd.Consume(ctx.Task)
}

// handleFlowLookupReturn fires on the return of the flow table lookup and
// assembles the flow event for the packet that entered at
// handleExecuteActionsEntry on the same task.
func (p *Probes) handleFlowLookupReturn(ctx *probe.Context) {
	ectx, ok := p.Exec.Lookup(ctx.Task)
	if !ok {
		return
	}

	flow := ctx.Ret
	if flow == 0 {
		// No flow was found, this is most likely an upcall. There is
		// not much to do other than clean up the entry: no correlated
		// continuation will consume it.
		p.Exec.Delete(ctx.Task)
		return
	}

	raw, err := decodeFlowLookupRaw(ctx.Raw)
	if err != nil {
		log.Errorf("%s: %v", ctx.Point, err)
		return
	}
	if raw.UfidLen == 0 {
		log.Errorf("%s: expected ufid representation, found key", ctx.Point)
		return
	}

	track, ok := p.Tracking.Lookup(ectx.Skb)
	if !ok {
		return
	}

	b, ok := p.Events.Acquire()
	if !ok {
		return
	}
	if !appendTimestamp(b, ctx.KTime) {
		b.Discard()
		return
	}

	region, ok := b.Section(event.OwnerOvs, event.OvsFlowLookupReturn, flowLookupSectionLen)
	if !ok {
		b.Discard()
		return
	}

	// Ancillary statistics: their loss degrades the event but does not
	// invalidate it.
	if raw.StatsValid&statsMaskHitValid == 0 {
		metrics.Inc(metrics.IDEventAncillaryMissing)
		log.Warnf("%s: failed to retrieve n_mask_hit", ctx.Point)
	}
	if raw.StatsValid&statsCacheHitValid == 0 {
		metrics.Inc(metrics.IDEventAncillaryMissing)
		log.Warnf("%s: failed to retrieve n_cache_hit", ctx.Point)
	}

	putFlowLookupSection(region, flow, ectx.Skb, raw, track)

	p.FlowLookupHooks.Run(ctx, b)
	b.Finalize()
}

// handleDpUpcall fires when the datapath sends a packet up to userspace.
func (p *Probes) handleDpUpcall(ctx *probe.Context) {
	if len(ctx.Raw) < upcallSectionLen {
		log.Errorf("%s: short sample: %d bytes", ctx.Point, len(ctx.Raw))
		return
	}

	b, ok := p.Events.Acquire()
	if !ok {
		return
	}
	if !appendTimestamp(b, ctx.KTime) {
		b.Discard()
		return
	}

	region, ok := b.Section(event.OwnerOvs, event.OvsUpcall, upcallSectionLen)
	if !ok {
		b.Discard()
		return
	}
	copy(region, ctx.Raw[:upcallSectionLen])

	// The origin identity travels with the event so the userspace legs of
	// the upcall can be correlated back to this packet. An untracked skb
	// only loses this section.
	if track, ok := p.Tracking.Lookup(ctx.Skb); ok {
		if region, ok := b.Section(event.OwnerTracking, event.TrackingSkb,
			trackingSectionLen); ok {
			putTrackingSection(region, track)
		} else {
			metrics.Inc(metrics.IDEventAncillaryMissing)
		}
	}

	p.UpcallHooks.Run(ctx, b)
	b.Finalize()
}

// appendTimestamp writes the mandatory common section.
func appendTimestamp(b *event.Builder, ktime times.KTime) bool {
	region, ok := b.Section(event.OwnerCommon, event.CommonTimestamp, 8)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(region, uint64(ktime))
	return true
}

// Raw sample layout of the flow lookup return probe, little-endian:
//
//	sf_acts    u64
//	ufid       16 bytes
//	ufid_len   u32
//	n_mask_hit u32
//	n_cache_hit u32
//	stats_valid u8
const flowLookupRawLen = 37

const (
	statsMaskHitValid  = 1 << 0
	statsCacheHitValid = 1 << 1
)

type flowLookupRaw struct {
	SfActs     uint64
	Ufid       [16]byte
	UfidLen    uint32
	NMaskHit   uint32
	NCacheHit  uint32
	StatsValid uint8
}

func decodeFlowLookupRaw(raw []byte) (flowLookupRaw, error) {
	var d flowLookupRaw
	if len(raw) < flowLookupRawLen {
		return d, fmt.Errorf("short sample: %d bytes, want %d", len(raw), flowLookupRawLen)
	}
	d.SfActs = binary.LittleEndian.Uint64(raw[0:8])
	copy(d.Ufid[:], raw[8:24])
	d.UfidLen = binary.LittleEndian.Uint32(raw[24:28])
	d.NMaskHit = binary.LittleEndian.Uint32(raw[28:32])
	d.NCacheHit = binary.LittleEndian.Uint32(raw[32:36])
	d.StatsValid = raw[36]
	return d, nil
}

// Section layout of OvsFlowLookupReturn, little-endian:
//
//	flow          u64
//	sf_acts       u64
//	ufid          16 bytes
//	n_mask_hit    u32
//	n_cache_hit   u32
//	skb_orig_head u64
//	skb_timestamp u64
//	skb           u64
const flowLookupSectionLen = 64

func putFlowLookupSection(region []byte, flow, skb uint64, raw flowLookupRaw,
	track tracking.Record) {
	binary.LittleEndian.PutUint64(region[0:8], flow)
	binary.LittleEndian.PutUint64(region[8:16], raw.SfActs)
	copy(region[16:32], raw.Ufid[:])
	if raw.StatsValid&statsMaskHitValid != 0 {
		binary.LittleEndian.PutUint32(region[32:36], raw.NMaskHit)
	}
	if raw.StatsValid&statsCacheHitValid != 0 {
		binary.LittleEndian.PutUint32(region[36:40], raw.NCacheHit)
	}
	binary.LittleEndian.PutUint64(region[40:48], track.OrigHead)
	binary.LittleEndian.PutUint64(region[48:56], uint64(track.Timestamp))
	binary.LittleEndian.PutUint64(region[56:64], skb)
}

// Section layout of OvsUpcall, little-endian: cmd u8, port u32.
const upcallSectionLen = 5

// Section layout of TrackingSkb, little-endian: orig_head u64,
// timestamp u64, skb u64.
const trackingSectionLen = 24

func putTrackingSection(region []byte, track tracking.Record) {
	binary.LittleEndian.PutUint64(region[0:8], track.OrigHead)
	binary.LittleEndian.PutUint64(region[8:16], uint64(track.Timestamp))
	binary.LittleEndian.PutUint64(region[16:24], track.SkbAddr)
}
