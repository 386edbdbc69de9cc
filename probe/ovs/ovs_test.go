// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

package ovs

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovswatch/ovswatch/event"
	"github.com/ovswatch/ovswatch/inflight"
	"github.com/ovswatch/ovswatch/probe"
	"github.com/ovswatch/ovswatch/times"
	"github.com/ovswatch/ovswatch/tracking"
	"github.com/ovswatch/ovswatch/transport"
)

func hashTask(k probe.TaskID) uint32 { return uint32(k) }

type fixture struct {
	probes     *Probes
	dispatcher *probe.Dispatcher
	ring       *transport.Ring
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	exec, err := inflight.New[probe.TaskID, ExecContext](256, hashTask, time.Minute)
	require.NoError(t, err)
	cmd, err := inflight.New[probe.TaskID, CmdContext](256, hashTask, time.Minute)
	require.NoError(t, err)
	table, err := tracking.NewTable(256, time.Minute)
	require.NoError(t, err)

	ring := transport.NewRing(2048)
	probes := &Probes{
		Exec:     exec,
		Cmd:      cmd,
		Tracking: table,
		Events:   event.NewPool(64, ring),
	}
	d := probe.NewDispatcher()
	require.NoError(t, probes.Register(d))
	return &fixture{probes: probes, dispatcher: d, ring: ring}
}

// drain returns all frames published so far.
func (f *fixture) drain() [][]byte {
	var frames [][]byte
	for {
		select {
		case frame := <-f.ring.Events():
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func flowLookupSample(ufidLen uint32, statsValid uint8) []byte {
	raw := make([]byte, flowLookupRawLen)
	binary.LittleEndian.PutUint64(raw[0:8], 0xffff1111_2222) // sf_acts
	for i := 8; i < 24; i++ {
		raw[i] = byte(i) // ufid
	}
	binary.LittleEndian.PutUint32(raw[24:28], ufidLen)
	binary.LittleEndian.PutUint32(raw[28:32], 77) // n_mask_hit
	binary.LittleEndian.PutUint32(raw[32:36], 88) // n_cache_hit
	raw[36] = statsValid
	return raw
}

func TestFlowLookupEndToEnd(t *testing.T) {
	f := newFixture(t)
	const (
		task = probe.TaskID(0x4200001234)
		skb  = uint64(0xffff000042)
		flow = uint64(0xffffaaaa)
	)

	f.probes.Tracking.Put(skb, tracking.Record{
		OrigHead: 0xbeef, Timestamp: times.KTime(1111), SkbAddr: skb,
	})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachExecuteActionsEntry, Task: task, Skb: skb,
	})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachFlowLookupReturn, Task: task, Ret: flow,
		KTime: times.KTime(2222),
		Raw:   flowLookupSample(16, statsMaskHitValid|statsCacheHitValid),
	})

	frames := f.drain()
	require.Len(t, frames, 1)
	ev, err := event.DecodeFrame(frames[0])
	require.NoError(t, err)

	ts, ok := ev.Section(event.OwnerCommon, event.CommonTimestamp)
	require.True(t, ok)
	assert.Equal(t, uint64(2222), binary.LittleEndian.Uint64(ts))

	sec, ok := ev.Section(event.OwnerOvs, event.OvsFlowLookupReturn)
	require.True(t, ok)
	require.Len(t, sec, flowLookupSectionLen)
	assert.Equal(t, flow, binary.LittleEndian.Uint64(sec[0:8]))
	assert.Equal(t, uint64(0xffff1111_2222), binary.LittleEndian.Uint64(sec[8:16]))
	assert.Equal(t, uint32(77), binary.LittleEndian.Uint32(sec[32:36]))
	assert.Equal(t, uint32(88), binary.LittleEndian.Uint32(sec[36:40]))
	assert.Equal(t, uint64(0xbeef), binary.LittleEndian.Uint64(sec[40:48]))
	assert.Equal(t, uint64(1111), binary.LittleEndian.Uint64(sec[48:56]))
	assert.Equal(t, skb, binary.LittleEndian.Uint64(sec[56:64]))

	// The lookup does not consume the entry; the execute return does.
	assert.Equal(t, 1, f.probes.Exec.Len())
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachExecuteActionsReturn, Task: task,
	})
	assert.Equal(t, 0, f.probes.Exec.Len())
}

func TestFlowLookupWithoutEntryIsNoop(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachFlowLookupReturn, Task: 99, Ret: 0xffffaaaa,
		Raw: flowLookupSample(16, 0),
	})

	assert.Empty(t, f.drain())
	assert.Equal(t, 0, f.probes.Exec.Len())
}

func TestFlowLookupNullFlowCleansEntry(t *testing.T) {
	f := newFixture(t)
	const task = probe.TaskID(7)

	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachExecuteActionsEntry, Task: task, Skb: 0x1000,
	})
	require.Equal(t, 1, f.probes.Exec.Len())

	// Null flow: the upcall branch. The entry must still be purged.
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachFlowLookupReturn, Task: task, Ret: 0,
		Raw: flowLookupSample(16, 0),
	})

	assert.Empty(t, f.drain())
	assert.Equal(t, 0, f.probes.Exec.Len())
}

func TestFlowLookupZeroUfidAbandonsEvent(t *testing.T) {
	f := newFixture(t)
	const task = probe.TaskID(7)

	f.probes.Tracking.Put(0x1000, tracking.Record{SkbAddr: 0x1000})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachExecuteActionsEntry, Task: task, Skb: 0x1000,
	})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachFlowLookupReturn, Task: task, Ret: 0xffffaaaa,
		Raw: flowLookupSample(0, statsMaskHitValid|statsCacheHitValid),
	})

	// Mandatory identity data failed: no event, entry stays for the
	// execute return leg.
	assert.Empty(t, f.drain())
	assert.Equal(t, 1, f.probes.Exec.Len())
}

func TestFlowLookupAncillaryStatsMissing(t *testing.T) {
	f := newFixture(t)
	const task = probe.TaskID(7)

	f.probes.Tracking.Put(0x1000, tracking.Record{
		OrigHead: 0xbeef, Timestamp: times.KTime(1111), SkbAddr: 0x1000,
	})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachExecuteActionsEntry, Task: task, Skb: 0x1000,
	})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachFlowLookupReturn, Task: task, Ret: 0xffffaaaa,
		Raw: flowLookupSample(16, 0),
	})

	// The event is still transported with the identity data intact, the
	// statistics merely read as zero.
	frames := f.drain()
	require.Len(t, frames, 1)
	ev, err := event.DecodeFrame(frames[0])
	require.NoError(t, err)

	sec, ok := ev.Section(event.OwnerOvs, event.OvsFlowLookupReturn)
	require.True(t, ok)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(sec[32:36]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(sec[36:40]))
	assert.Equal(t, uint64(0xbeef), binary.LittleEndian.Uint64(sec[40:48]))
}

func TestFlowLookupUntrackedSkbIsNoop(t *testing.T) {
	f := newFixture(t)
	const task = probe.TaskID(7)

	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachExecuteActionsEntry, Task: task, Skb: 0x1000,
	})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachFlowLookupReturn, Task: task, Ret: 0xffffaaaa,
		Raw: flowLookupSample(16, statsMaskHitValid),
	})

	assert.Empty(t, f.drain())
}

func TestFlowLookupHookAppendsSection(t *testing.T) {
	f := newFixture(t)
	const task = probe.TaskID(7)

	f.probes.FlowLookupHooks = probe.Chain{
		func(*probe.Context, *event.Builder) error {
			return errors.New("first hook fault")
		},
		func(_ *probe.Context, b *event.Builder) error {
			if _, ok := b.Section(event.OwnerOvs, event.OvsOpFlowExec, 0); !ok {
				return errors.New("no room")
			}
			return nil
		},
	}

	f.probes.Tracking.Put(0x1000, tracking.Record{SkbAddr: 0x1000})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachExecuteActionsEntry, Task: task, Skb: 0x1000,
	})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachFlowLookupReturn, Task: task, Ret: 0xffffaaaa,
		Raw: flowLookupSample(16, statsMaskHitValid|statsCacheHitValid),
	})

	frames := f.drain()
	require.Len(t, frames, 1)
	ev, err := event.DecodeFrame(frames[0])
	require.NoError(t, err)

	// The failing first hook must not have prevented the second one.
	_, ok := ev.Section(event.OwnerOvs, event.OvsOpFlowExec)
	assert.True(t, ok)
}

func TestUpcall(t *testing.T) {
	f := newFixture(t)
	const skb = uint64(0x2000)

	upcall := []byte{3, 0x10, 0x20, 0x30, 0x40} // cmd, port
	f.probes.Tracking.Put(skb, tracking.Record{
		OrigHead: 0xfeed, Timestamp: times.KTime(5), SkbAddr: skb,
	})
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachDpUpcall, Skb: skb, KTime: times.KTime(9), Raw: upcall,
	})

	frames := f.drain()
	require.Len(t, frames, 1)
	ev, err := event.DecodeFrame(frames[0])
	require.NoError(t, err)

	sec, ok := ev.Section(event.OwnerOvs, event.OvsUpcall)
	require.True(t, ok)
	assert.Equal(t, upcall, sec)

	track, ok := ev.Section(event.OwnerTracking, event.TrackingSkb)
	require.True(t, ok)
	assert.Equal(t, uint64(0xfeed), binary.LittleEndian.Uint64(track[0:8]))
	assert.Equal(t, uint64(5), binary.LittleEndian.Uint64(track[8:16]))
	assert.Equal(t, skb, binary.LittleEndian.Uint64(track[16:24]))
}

func TestUpcallUntrackedSkbLosesOnlyTrackingSection(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachDpUpcall, Skb: 0x3000, Raw: []byte{1, 0, 0, 0, 0},
	})

	frames := f.drain()
	require.Len(t, frames, 1)
	ev, err := event.DecodeFrame(frames[0])
	require.NoError(t, err)

	_, ok := ev.Section(event.OwnerOvs, event.OvsUpcall)
	assert.True(t, ok)
	_, ok = ev.Section(event.OwnerTracking, event.TrackingSkb)
	assert.False(t, ok)
}

func TestSkbTrackingLifecycle(t *testing.T) {
	f := newFixture(t)
	const skb = uint64(0x4000)

	origHead := make([]byte, 8)
	binary.LittleEndian.PutUint64(origHead, 0xabcd)
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachSkbTracking, Skb: skb, KTime: times.KTime(3), Raw: origHead,
	})

	rec, ok := f.probes.Tracking.Lookup(skb)
	require.True(t, ok)
	assert.Equal(t, uint64(0xabcd), rec.OrigHead)
	assert.Equal(t, times.KTime(3), rec.Timestamp)

	f.dispatcher.Dispatch(&probe.Context{Point: probe.AttachSkbFree, Skb: skb})
	_, ok = f.probes.Tracking.Lookup(skb)
	assert.False(t, ok)
}

func TestPacketCmdExecutePair(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachPacketCmdExecuteEntry, Task: 11,
	})
	require.Equal(t, 1, f.probes.Cmd.Len())

	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachPacketCmdExecuteReturn, Task: 11,
	})
	assert.Equal(t, 0, f.probes.Cmd.Len())

	// A return with no prior entry is an idempotent no-op.
	f.dispatcher.Dispatch(&probe.Context{
		Point: probe.AttachPacketCmdExecuteReturn, Task: 12,
	})
	assert.Equal(t, 0, f.probes.Cmd.Len())
}

// TestConcurrentPairs interleaves entry/return pairs across independent keys
// and verifies that no return ever sees another key's stored data.
func TestConcurrentPairs(t *testing.T) {
	const keys = 8
	const pairsPerKey = 125

	f := newFixture(t)
	for k := uint64(1); k <= keys; k++ {
		f.probes.Tracking.Put(0x1000*k, tracking.Record{
			OrigHead:  0xbeef00 + k,
			Timestamp: times.KTime(k * 111),
			SkbAddr:   0x1000 * k,
		})
	}

	var wg sync.WaitGroup
	for k := uint64(1); k <= keys; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(k)))
			task := probe.TaskID(k)
			for range pairsPerKey {
				f.dispatcher.Dispatch(&probe.Context{
					Point: probe.AttachExecuteActionsEntry,
					Task:  task, Skb: 0x1000 * k,
				})
				if r.Intn(2) == 0 {
					time.Sleep(time.Microsecond)
				}
				f.dispatcher.Dispatch(&probe.Context{
					Point: probe.AttachFlowLookupReturn,
					Task:  task, Ret: 0xffff0000 + k,
					Raw: flowLookupSample(16, statsMaskHitValid|statsCacheHitValid),
				})
				f.dispatcher.Dispatch(&probe.Context{
					Point: probe.AttachExecuteActionsReturn, Task: task,
				})
			}
		}()
	}
	wg.Wait()

	frames := f.drain()
	require.Len(t, frames, keys*pairsPerKey)
	for _, frame := range frames {
		ev, err := event.DecodeFrame(frame)
		require.NoError(t, err)
		sec, ok := ev.Section(event.OwnerOvs, event.OvsFlowLookupReturn)
		require.True(t, ok)

		// The flow pointer identifies the key; skb identity and origin
		// timestamp must belong to the same key.
		k := binary.LittleEndian.Uint64(sec[0:8]) - 0xffff0000
		assert.Equal(t, 0xbeef00+k, binary.LittleEndian.Uint64(sec[40:48]))
		assert.Equal(t, k*111, binary.LittleEndian.Uint64(sec[48:56]))
		assert.Equal(t, 0x1000*k, binary.LittleEndian.Uint64(sec[56:64]))
	}
	assert.Equal(t, 0, f.probes.Exec.Len())
}
