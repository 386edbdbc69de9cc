// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package tracer // import "github.com/ovswatch/ovswatch/tracer"

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"

	"github.com/ovswatch/ovswatch/probe"
)

const eventsMapName = "events"

// Tracer owns the loaded collection, its attachments and the perf reader.
type Tracer struct {
	coll   *ebpf.Collection
	links  []link.Link
	reader *perf.Reader

	lost       atomic.Uint64
	readErrors atomic.Uint64
}

// New loads the probe collection and attaches the configured probes.
func New(cfg *Config) (*Tracer, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %v", err)
	}

	coll, err := ebpf.LoadCollection(cfg.CollectionPath)
	if err != nil {
		return nil, fmt.Errorf("loading collection %s: %v", cfg.CollectionPath, err)
	}

	t := &Tracer{coll: coll}
	for _, spec := range DefaultProbes(cfg) {
		l, err := t.attach(&spec)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("attaching %s: %v", spec.Point, err)
		}
		t.links = append(t.links, l)
	}

	eventsMap, ok := coll.Maps[eventsMapName]
	if !ok {
		t.Close()
		return nil, fmt.Errorf("collection has no %s map", eventsMapName)
	}
	reader, err := perf.NewReader(eventsMap, cfg.PerCPUBufferSize)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("setting up perf reading via %s: %v", eventsMapName, err)
	}
	t.reader = reader
	return t, nil
}

func (t *Tracer) attach(spec *ProbeSpec) (link.Link, error) {
	prog, ok := t.coll.Programs[spec.Program]
	if !ok {
		return nil, fmt.Errorf("collection has no program %s", spec.Program)
	}

	switch spec.Type {
	case "kprobe":
		return link.Kprobe(spec.Symbol, prog, nil)
	case "kretprobe":
		return link.Kretprobe(spec.Symbol, prog, nil)
	case "tracepoint":
		return link.Tracepoint(spec.Target, spec.Symbol, prog, nil)
	case "uprobe", "uretprobe":
		ex, err := link.OpenExecutable(spec.Target)
		if err != nil {
			return nil, err
		}
		opts := &link.UprobeOptions{Address: spec.Address}
		if spec.Type == "uprobe" {
			return ex.Uprobe(spec.Symbol, prog, opts)
		}
		return ex.Uretprobe(spec.Symbol, prog, opts)
	}
	return nil, fmt.Errorf("unsupported probe type %s", spec.Type)
}

// Run reads raw samples and dispatches them until ctx is canceled. It is the
// only reader of the perf buffer; dispatch concurrency comes from the kernel
// side fanning in from all CPUs.
func (t *Tracer) Run(ctx context.Context, d *probe.Dispatcher) {
	go func() {
		<-ctx.Done()
		t.reader.Close()
	}()

	var record perf.Record
	for {
		if err := t.reader.ReadInto(&record); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.readErrors.Add(1)
			continue
		}
		if record.LostSamples != 0 {
			t.lost.Add(record.LostSamples)
			continue
		}
		if len(record.RawSample) == 0 {
			continue
		}

		pctx, err := decodeSample(record.RawSample)
		if err != nil {
			t.readErrors.Add(1)
			log.Debugf("Dropping undecodable sample: %v", err)
			continue
		}
		d.Dispatch(pctx)
	}
}

// Stats returns and resets the perf reader error counters.
func (t *Tracer) Stats() (lost, readErrors uint64) {
	return t.lost.Swap(0), t.readErrors.Swap(0)
}

// Close detaches all probes and releases the collection.
func (t *Tracer) Close() {
	for _, l := range t.links {
		if err := l.Close(); err != nil {
			log.Warnf("Detaching link: %v", err)
		}
	}
	if t.coll != nil {
		t.coll.Close()
	}
}
