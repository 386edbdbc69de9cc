// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer loads the probe collection, attaches it to the datapath
// attachment points and feeds the raw samples arriving on the perf event
// array to the probe dispatcher.
package tracer // import "github.com/ovswatch/ovswatch/tracer"

import (
	"encoding/binary"
	"fmt"

	"github.com/ovswatch/ovswatch/probe"
	"github.com/ovswatch/ovswatch/times"
)

// ProbeSpec describes one attachment.
type ProbeSpec struct {
	Point probe.AttachPoint
	// Type is one of kprobe, kretprobe, tracepoint, uprobe, uretprobe.
	Type string
	// Target is the tracepoint group, or the executable for user probes.
	Target string
	// Symbol is the kernel symbol, tracepoint name or user symbol.
	Symbol string
	// Address overrides symbol lookup for user probes whose attachment
	// address was resolved externally (USDT notes).
	Address uint64
	// Program is the name of the program inside the collection.
	Program string
}

// Config configures the tracer.
type Config struct {
	// CollectionPath is the compiled probe collection to load.
	CollectionPath string
	// VswitchdPath is the ovs-vswitchd executable carrying the USDT
	// attachment points.
	VswitchdPath string
	// PerCPUBufferSize sizes each CPU's share of the perf event array.
	PerCPUBufferSize int
	// EnableUserProbes also attaches the ovs-vswitchd USDT probes.
	EnableUserProbes bool
}

// DefaultProbes returns the attachment table for cfg.
func DefaultProbes(cfg *Config) []ProbeSpec {
	specs := []ProbeSpec{
		{probe.AttachSkbTracking, "kprobe", "", "ovs_vport_receive", 0, "skb_tracking"},
		{probe.AttachSkbFree, "tracepoint", "skb", "kfree_skb", 0, "skb_free"},
		{probe.AttachExecuteActionsEntry, "kprobe", "", "ovs_execute_actions", 0, "execute_actions"},
		{probe.AttachExecuteActionsReturn, "kretprobe", "", "ovs_execute_actions", 0, "execute_actions_ret"},
		{probe.AttachFlowLookupReturn, "kretprobe", "", "ovs_flow_tbl_lookup_stats", 0, "flow_tbl_lookup_ret"},
		{probe.AttachPacketCmdExecuteEntry, "kprobe", "", "ovs_packet_cmd_execute", 0, "packet_cmd_execute"},
		{probe.AttachPacketCmdExecuteReturn, "kretprobe", "", "ovs_packet_cmd_execute", 0, "packet_cmd_execute_ret"},
		{probe.AttachDpUpcall, "tracepoint", "openvswitch", "ovs_dp_upcall", 0, "dp_upcall"},
	}
	if cfg.EnableUserProbes {
		specs = append(specs,
			ProbeSpec{probe.AttachRecvUpcall, "uprobe", cfg.VswitchdPath,
				"dpif_recv__recv_upcall", 0, "usdt_probe"},
			ProbeSpec{probe.AttachOpFlowPut, "uprobe", cfg.VswitchdPath,
				"dpif_netlink_operate__op_flow_put", 0, "usdt_probe"},
			ProbeSpec{probe.AttachOpFlowExec, "uprobe", cfg.VswitchdPath,
				"dpif_netlink_operate__op_flow_execute", 0, "usdt_probe"},
		)
	}
	return specs
}

// Raw sample header shared by all probes, little-endian:
//
//	point u8, pad u8, cpu u16, pad u32
//	task  u64
//	ktime u64
//	ret   u64
//	skb   u64
//	ip    u64
const sampleHeaderLen = 48

// decodeSample turns one raw perf sample into a probe context. The returned
// context aliases raw; it must not be retained past the handler call.
func decodeSample(raw []byte) (*probe.Context, error) {
	if len(raw) < sampleHeaderLen {
		return nil, fmt.Errorf("short sample: %d bytes, want at least %d",
			len(raw), sampleHeaderLen)
	}
	return &probe.Context{
		Point: probe.AttachPoint(raw[0]),
		CPU:   binary.LittleEndian.Uint16(raw[2:4]),
		Task:  probe.TaskID(binary.LittleEndian.Uint64(raw[8:16])),
		KTime: times.KTime(binary.LittleEndian.Uint64(raw[16:24])),
		Ret:   binary.LittleEndian.Uint64(raw[24:32]),
		Skb:   binary.LittleEndian.Uint64(raw[32:40]),
		IP:    binary.LittleEndian.Uint64(raw[40:48]),
		Raw:   raw[sampleHeaderLen:],
	}, nil
}
