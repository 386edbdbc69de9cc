// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe defines the probe invocation context, the attachment points
// and the dispatch of raw samples to their handlers. Each handler runs to
// completion for one sample; handlers on different dispatch goroutines run
// fully concurrently and share state only through the correlation and
// tracking tables.
package probe // import "github.com/ovswatch/ovswatch/probe"

import (
	"fmt"

	"github.com/ovswatch/ovswatch/times"
	"github.com/ovswatch/ovswatch/usdt"
)

// TaskID is the correlation key: the raw pid_tgid of the task the probe
// fired on. Unique at any instant, reused over time. Collisions across
// concurrent contexts are accepted as approximate but sufficient; a stale
// colliding entry is superseded on the next Begin.
type TaskID uint64

// TID returns the thread id half of the key.
func (t TaskID) TID() uint32 { return uint32(t) }

// PID returns the process (thread group) id half of the key.
func (t TaskID) PID() uint32 { return uint32(t >> 32) }

// AttachPoint identifies where in the datapath a sample originated.
type AttachPoint uint8

const (
	AttachInvalid AttachPoint = iota

	// Kernel datapath probes.
	AttachSkbTracking
	AttachSkbFree
	AttachExecuteActionsEntry
	AttachExecuteActionsReturn
	AttachFlowLookupReturn
	AttachPacketCmdExecuteEntry
	AttachPacketCmdExecuteReturn
	AttachDpUpcall

	// Userspace (USDT) probes in ovs-vswitchd.
	AttachRecvUpcall
	AttachOpFlowPut
	AttachOpFlowExec

	attachMax
)

var attachNames = [attachMax]string{
	AttachInvalid:                "invalid",
	AttachSkbTracking:            "skb_tracking",
	AttachSkbFree:                "skb_free",
	AttachExecuteActionsEntry:    "ovs_execute_actions",
	AttachExecuteActionsReturn:   "ovs_execute_actions_ret",
	AttachFlowLookupReturn:       "ovs_flow_tbl_lookup_stats_ret",
	AttachPacketCmdExecuteEntry:  "ovs_packet_cmd_execute",
	AttachPacketCmdExecuteReturn: "ovs_packet_cmd_execute_ret",
	AttachDpUpcall:               "ovs_dp_upcall",
	AttachRecvUpcall:             "usdt_recv_upcall",
	AttachOpFlowPut:              "usdt_op_flow_put",
	AttachOpFlowExec:             "usdt_op_flow_exec",
}

func (p AttachPoint) String() string {
	if p >= attachMax {
		return fmt.Sprintf("attach(%d)", uint8(p))
	}
	return attachNames[p]
}

// Context is what one probe invocation sees. It is owned by the dispatching
// goroutine for the duration of the handler call; handlers and hooks must
// not retain it.
type Context struct {
	Point AttachPoint
	Task  TaskID
	CPU   uint16
	KTime times.KTime

	// Ret holds the return value register for return probes.
	Ret uint64
	// Skb holds the socket buffer address for attachment points that have
	// one, 0 otherwise.
	Skb uint64
	// IP holds the instruction pointer at the attachment site (the USDT
	// symbol address).
	IP uint64

	// Args is filled by the USDT dispatcher before hooks run.
	Args usdt.Args

	// Raw is the probe-specific remainder of the sample.
	Raw []byte
}

// Handler processes one probe sample. Handlers signal nothing: every failure
// path inside a handler degrades to a dropped or partial trace event.
type Handler func(*Context)

// Dispatcher routes decoded samples to the handler registered for their
// attachment point.
type Dispatcher struct {
	handlers [attachMax]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register binds the handler for one attachment point. Registration happens
// once at startup; re-registration is refused.
func (d *Dispatcher) Register(point AttachPoint, h Handler) error {
	if point <= AttachInvalid || point >= attachMax {
		return fmt.Errorf("invalid attachment point %d", point)
	}
	if d.handlers[point] != nil {
		return fmt.Errorf("attachment point %s already has a handler", point)
	}
	d.handlers[point] = h
	return nil
}

// Dispatch runs the handler for the sample's attachment point. Samples for
// unhandled points are silently ignored.
func (d *Dispatcher) Dispatch(ctx *Context) {
	if ctx.Point >= attachMax {
		return
	}
	if h := d.handlers[ctx.Point]; h != nil {
		h(ctx)
	}
}
