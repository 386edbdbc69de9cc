// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

package ovs // import "github.com/ovswatch/ovswatch/probe/ovs"

import (
	"encoding/binary"
	"fmt"

	"github.com/ovswatch/ovswatch/event"
	"github.com/ovswatch/ovswatch/probe"
)

// Hooks for the ovs-vswitchd USDT attachment points. They run after the
// userspace dispatcher marshalled the tracepoint arguments into the context
// and append the OVS-specific section decoded from those arguments.

// Argument indices of the dpif_recv:recv_upcall tracepoint.
const (
	recvUpcallArgType    = 0
	recvUpcallArgPktSize = 2
	recvUpcallArgKeySize = 4

	recvUpcallArgsWanted = 5
)

// Section layout of OvsRecvUpcall, little-endian: type u32, pkt_size u32,
// key_size u64.
const recvUpcallSectionLen = 16

// RecvUpcallHook decodes the upcall-received section from the marshalled
// arguments.
func RecvUpcallHook(ctx *probe.Context, b *event.Builder) error {
	if ctx.Args.N < recvUpcallArgsWanted {
		return fmt.Errorf("recv_upcall exposes %d arguments, want %d",
			ctx.Args.N, recvUpcallArgsWanted)
	}
	region, ok := b.Section(event.OwnerOvs, event.OvsRecvUpcall, recvUpcallSectionLen)
	if !ok {
		return fmt.Errorf("no room for the recv_upcall section")
	}
	binary.LittleEndian.PutUint32(region[0:4], uint32(ctx.Args.Vals[recvUpcallArgType]))
	binary.LittleEndian.PutUint32(region[4:8], uint32(ctx.Args.Vals[recvUpcallArgPktSize]))
	binary.LittleEndian.PutUint64(region[8:16], ctx.Args.Vals[recvUpcallArgKeySize])
	return nil
}

// OpFlowPutHook marks the event as a flow put operation. The section carries
// no payload; its presence is the information.
func OpFlowPutHook(_ *probe.Context, b *event.Builder) error {
	if _, ok := b.Section(event.OwnerOvs, event.OvsOpFlowPut, 0); !ok {
		return fmt.Errorf("no room for the op_flow_put section")
	}
	return nil
}

// OpFlowExecHook marks the event as a flow execute operation.
func OpFlowExecHook(_ *probe.Context, b *event.Builder) error {
	if _, ok := b.Section(event.OwnerOvs, event.OvsOpFlowExec, 0); !ok {
		return fmt.Errorf("no room for the op_flow_exec section")
	}
	return nil
}
