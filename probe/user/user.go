// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package user implements the dispatcher for userspace (USDT) attachment
// points. It marshals the tracepoint arguments, builds the mandatory common
// and userspace sections and then runs the attachment point's hook chain,
// which decodes the probe-specific section from the arguments.
package user // import "github.com/ovswatch/ovswatch/probe/user"

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ovswatch/ovswatch/event"
	"github.com/ovswatch/ovswatch/probe"
	"github.com/ovswatch/ovswatch/usdt"
)

// Event types of the userspace section.
const (
	eventTypeUsdt = 1
)

// Section layout of UserspaceUsdt, little-endian: symbol u64, pid_tgid u64,
// event_type u8.
const usdtSectionLen = 17

// Probes holds the shared state of the userspace handlers.
type Probes struct {
	Events *event.Pool

	// Hook chains, fixed at startup.
	RecvUpcallHooks probe.Chain
	OpFlowPutHooks  probe.Chain
	OpFlowExecHooks probe.Chain
}

// Register binds all userspace handlers to their attachment points.
func (p *Probes) Register(d *probe.Dispatcher) error {
	for _, reg := range []struct {
		point probe.AttachPoint
		hooks *probe.Chain
	}{
		{probe.AttachRecvUpcall, &p.RecvUpcallHooks},
		{probe.AttachOpFlowPut, &p.OpFlowPutHooks},
		{probe.AttachOpFlowExec, &p.OpFlowExecHooks},
	} {
		hooks := reg.hooks
		if err := d.Register(reg.point, func(ctx *probe.Context) {
			p.handle(ctx, hooks)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Probes) handle(ctx *probe.Context, hooks *probe.Chain) {
	args, err := usdt.Capture(&rawArgSource{raw: ctx.Raw})
	if err != nil {
		// A partial argument array is meaningless downstream, the whole
		// invocation is abandoned.
		log.Errorf("%s: argument capture: %v", ctx.Point, err)
		return
	}
	ctx.Args = args

	b, ok := p.Events.Acquire()
	if !ok {
		return
	}

	region, ok := b.Section(event.OwnerCommon, event.CommonTimestamp, 8)
	if !ok {
		b.Discard()
		return
	}
	binary.LittleEndian.PutUint64(region, uint64(ctx.KTime))

	region, ok = b.Section(event.OwnerUserspace, event.UserspaceUsdt, usdtSectionLen)
	if !ok {
		b.Discard()
		return
	}
	binary.LittleEndian.PutUint64(region[0:8], ctx.IP)
	binary.LittleEndian.PutUint64(region[8:16], uint64(ctx.Task))
	region[16] = eventTypeUsdt

	hooks.Run(ctx, b)
	b.Finalize()
}

// rawArgSource reads the argument block of a USDT sample: the declared
// argument count followed by one 64-bit slot per argument. A truncated
// sample surfaces as a per-index read failure.
type rawArgSource struct {
	raw []byte
}

func (s *rawArgSource) ArgCount() int {
	if len(s.raw) < 4 {
		return 0
	}
	return int(binary.LittleEndian.Uint32(s.raw[0:4]))
}

func (s *rawArgSource) Arg(index int) (uint64, error) {
	off := 4 + 8*index
	if index < 0 || off+8 > len(s.raw) {
		return 0, fmt.Errorf("argument %d not in sample (%d bytes)", index, len(s.raw))
	}
	return binary.LittleEndian.Uint64(s.raw[off : off+8]), nil
}
