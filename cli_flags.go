// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/ovswatch/ovswatch/event"
)

const (
	// Default values for CLI flags
	defaultArgCapturePath      = "ovswatch.cap"
	defaultArgVswitchdPath     = "/usr/sbin/ovs-vswitchd"
	defaultArgEventPoolSize    = 512
	defaultArgRingSize         = 4096
	defaultArgInflightCapacity = 8192
	defaultArgTrackingCapacity = 8192
	defaultArgEntryMaxAge      = 60 * time.Second
	defaultArgPerCPUBufferSize = 64 * 4096
)

// Help strings for command line arguments
var (
	capturePathHelp    = "Path of the capture file events are written to."
	collectionPathHelp = "Path of the compiled probe collection to load."
	vswitchdPathHelp   = "Path of the ovs-vswitchd binary the userspace probes attach to."
	userProbesHelp     = "Attach the ovs-vswitchd userspace probes in addition to the " +
		"kernel datapath probes."
	eventPoolSizeHelp = fmt.Sprintf("Number of in-flight event builders. Each holds a "+
		"%d byte payload buffer.", event.MaxPayload)
	ringSizeHelp         = "Capacity of the event ring between probe handling and the capture writer."
	inflightCapacityHelp = "Capacity of the per-task correlation stores."
	trackingCapacityHelp = "Capacity of the packet tracking table."
	entryMaxAgeHelp      = "Age after which stale correlation and tracking entries are purged."
	perCPUBufferHelp     = "Size in bytes of the per-CPU perf buffer used to read raw samples."
	uploadBucketHelp     = "S3 bucket the capture file is uploaded to on shutdown. " +
		"Empty disables uploading."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
)

type arguments struct {
	capturePath      string
	collectionPath   string
	vswitchdPath     string
	enableUserProbes bool
	eventPoolSize    int
	ringSize         int
	inflightCapacity uint
	trackingCapacity uint
	entryMaxAge      time.Duration
	perCPUBufferSize int
	uploadBucket     string
	verbose          bool
	version          bool
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("ovswatch", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.collectionPath, "bpf-collection", "", collectionPathHelp)

	fs.StringVar(&args.capturePath, "capture", defaultArgCapturePath, capturePathHelp)

	fs.BoolVar(&args.enableUserProbes, "enable-user-probes", false, userProbesHelp)

	fs.DurationVar(&args.entryMaxAge, "entry-max-age", defaultArgEntryMaxAge, entryMaxAgeHelp)

	fs.IntVar(&args.eventPoolSize, "event-pool-size", defaultArgEventPoolSize,
		eventPoolSizeHelp)

	fs.UintVar(&args.inflightCapacity, "inflight-capacity", defaultArgInflightCapacity,
		inflightCapacityHelp)

	fs.IntVar(&args.perCPUBufferSize, "perf-buffer-size", defaultArgPerCPUBufferSize,
		perCPUBufferHelp)

	fs.IntVar(&args.ringSize, "ring-size", defaultArgRingSize, ringSizeHelp)

	fs.UintVar(&args.trackingCapacity, "tracking-capacity", defaultArgTrackingCapacity,
		trackingCapacityHelp)

	fs.StringVar(&args.uploadBucket, "upload-bucket", "", uploadBucketHelp)

	fs.BoolVar(&args.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verbose, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.StringVar(&args.vswitchdPath, "vswitchd", defaultArgVswitchdPath, vswitchdPathHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("OVSWATCH"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
