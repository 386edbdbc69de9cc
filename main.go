// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// ovswatch traces packets and flows through the Open vSwitch datapath. It
// attaches probes along the kernel datapath and the ovs-vswitchd upcall
// handling, correlates their independently fired legs and writes the
// resulting multi-section trace events to a capture file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ovswatch/ovswatch/event"
	"github.com/ovswatch/ovswatch/inflight"
	"github.com/ovswatch/ovswatch/metrics"
	"github.com/ovswatch/ovswatch/periodiccaller"
	"github.com/ovswatch/ovswatch/probe"
	"github.com/ovswatch/ovswatch/probe/ovs"
	"github.com/ovswatch/ovswatch/probe/user"
	"github.com/ovswatch/ovswatch/reporter"
	"github.com/ovswatch/ovswatch/times"
	"github.com/ovswatch/ovswatch/tracer"
	"github.com/ovswatch/ovswatch/tracking"
	"github.com/ovswatch/ovswatch/transport"
)

const version = "0.3.0"

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

const uploadTimeout = 2 * time.Minute

func main() {
	os.Exit(int(mainWithExitCode()))
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}

func hashTask(k probe.TaskID) uint32 { return uint32(k) }

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		log.Errorf("Failure to parse arguments: %v", err)
		return exitParseError
	}

	if args.version {
		fmt.Printf("ovswatch %s\n", version)
		return exitSuccess
	}

	if args.verbose {
		log.SetLevel(log.DebugLevel)
	}

	if args.collectionPath == "" {
		return failure("A probe collection is required (-bpf-collection)")
	}

	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer mainCancel()

	log.Infof("Starting ovswatch %s", version)

	if err = times.SyncBootTimeUnixNano(); err != nil {
		return failure("Failed to sync clocks: %v", err)
	}
	intervals := times.Default().WithEntryMaxAge(args.entryMaxAge)

	// Probe-side state: correlation stores, tracking table, event pool.
	execStore, err := inflight.New[probe.TaskID, ovs.ExecContext](
		uint32(args.inflightCapacity), hashTask, intervals.EntryMaxAge())
	if err != nil {
		return failure("Failed to create the correlation store: %v", err)
	}
	cmdStore, err := inflight.New[probe.TaskID, ovs.CmdContext](
		uint32(args.inflightCapacity), hashTask, intervals.EntryMaxAge())
	if err != nil {
		return failure("Failed to create the command store: %v", err)
	}
	trackingTable, err := tracking.NewTable(uint32(args.trackingCapacity), intervals.EntryMaxAge())
	if err != nil {
		return failure("Failed to create the tracking table: %v", err)
	}

	ring := transport.NewRing(args.ringSize)
	pool := event.NewPool(args.eventPoolSize, ring)

	dispatcher := probe.NewDispatcher()
	ovsProbes := &ovs.Probes{
		Exec:     execStore,
		Cmd:      cmdStore,
		Tracking: trackingTable,
		Events:   pool,
	}
	if err = ovsProbes.Register(dispatcher); err != nil {
		return failure("Failed to register kernel probes: %v", err)
	}
	userProbes := &user.Probes{
		Events:          pool,
		RecvUpcallHooks: probe.Chain{ovs.RecvUpcallHook},
		OpFlowPutHooks:  probe.Chain{ovs.OpFlowPutHook},
		OpFlowExecHooks: probe.Chain{ovs.OpFlowExecHook},
	}
	if err = userProbes.Register(dispatcher); err != nil {
		return failure("Failed to register userspace probes: %v", err)
	}

	session := uuid.New()
	rep, err := reporter.NewFile(args.capturePath, session, times.BootTimeUnixNano())
	if err != nil {
		return failure("Failed to create capture file: %v", err)
	}
	log.Infof("Capturing session %s to %s", session, args.capturePath)

	trc, err := tracer.New(&tracer.Config{
		CollectionPath:   args.collectionPath,
		VswitchdPath:     args.vswitchdPath,
		PerCPUBufferSize: args.perCPUBufferSize,
		EnableUserProbes: args.enableUserProbes,
	})
	if err != nil {
		rep.Close()
		return failure("Failed to load and attach probes: %v", err)
	}

	stopReporting := metrics.StartReporting(mainCtx, intervals)
	defer stopReporting()

	// Lost return probes must not leak correlation entries.
	stopPurge := periodiccaller.Start(mainCtx, intervals.PurgeInterval(), func() {
		execStore.PurgeExpired()
		cmdStore.PurgeExpired()
		trackingTable.PurgeExpired()
	})
	defer stopPurge()

	reporterDone := make(chan error, 1)
	go func() {
		reporterDone <- rep.Run(mainCtx, ring.Events())
	}()

	go trc.Run(mainCtx, dispatcher)

	select {
	case <-mainCtx.Done():
		log.Info("Stopping ovswatch")
	case err = <-reporterDone:
		if err != nil {
			log.Errorf("Capture writing failed: %v", err)
		}
		mainCancel()
	}

	trc.Close()
	if lost, readErrors := trc.Stats(); lost != 0 || readErrors != 0 {
		log.Warnf("Perf buffer: %d lost samples, %d read errors", lost, readErrors)
	}
	if dropped := ring.Dropped(); dropped != 0 {
		log.Warnf("Transport ring dropped %d events", dropped)
	}
	if err = rep.Close(); err != nil {
		log.Errorf("Closing capture file: %v", err)
	}
	log.Infof("Captured %d events", rep.Frames())
	metrics.Report()

	if args.uploadBucket != "" {
		uploadCtx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		if err = uploadCapture(uploadCtx, args.uploadBucket, args.capturePath); err != nil {
			// Best effort: the capture stays on disk.
			log.Errorf("Uploading capture: %v", err)
		}
	}

	return exitSuccess
}

func uploadCapture(ctx context.Context, bucket, path string) error {
	uploader, err := reporter.NewArchiveUploader(ctx, bucket)
	if err != nil {
		return err
	}
	return uploader.Upload(ctx, path)
}
