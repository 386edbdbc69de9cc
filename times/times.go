// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package times holds the monotonic clock helpers and the intervals used
// across the agent in a central place.
package times // import "github.com/ovswatch/ovswatch/times"

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Compile time check for interface adherence.
var _ Intervals = (*Times)(nil)

var (
	// Monotonic-to-unixtime delta that can be added to a monotonic
	// (CLOCK_MONOTONIC) timestamp to convert it to time-since-epoch.
	bootTimeUnixNano atomic.Int64
)

const (
	defaultMonitorInterval = 5 * time.Second
	defaultReportInterval  = 30 * time.Second

	// Intervals for the stale correlation/tracking entry collector. Lost
	// return probes would otherwise leave entries behind forever.
	defaultPurgeInterval = 5 * time.Second
	defaultEntryMaxAge   = 60 * time.Second
)

// Times holds all the intervals that are used across the agent and comes
// with getters to read them.
type Times struct {
	monitorInterval time.Duration
	reportInterval  time.Duration
	purgeInterval   time.Duration
	entryMaxAge     time.Duration
}

// Intervals is a meta-interface that exists purely to document its
// functionality.
type Intervals interface {
	// MonitorInterval defines the interval for metric collection.
	MonitorInterval() time.Duration
	// ReportInterval defines the interval at which counter summaries are
	// reported.
	ReportInterval() time.Duration
	// PurgeInterval defines the interval of stale map entry collection runs.
	PurgeInterval() time.Duration
	// EntryMaxAge defines the age after which an in-flight map entry is
	// considered leaked and purged.
	EntryMaxAge() time.Duration
}

func (t *Times) MonitorInterval() time.Duration { return t.monitorInterval }

func (t *Times) ReportInterval() time.Duration { return t.reportInterval }

func (t *Times) PurgeInterval() time.Duration { return t.purgeInterval }

func (t *Times) EntryMaxAge() time.Duration { return t.entryMaxAge }

// Default returns a Times instance with the default intervals.
func Default() *Times {
	return &Times{
		monitorInterval: defaultMonitorInterval,
		reportInterval:  defaultReportInterval,
		purgeInterval:   defaultPurgeInterval,
		entryMaxAge:     defaultEntryMaxAge,
	}
}

// WithEntryMaxAge overrides the stale entry age limit.
func (t *Times) WithEntryMaxAge(age time.Duration) *Times {
	t.entryMaxAge = age
	return t
}

// BootTimeUnixNano returns the stored monotonic-to-unixtime delta.
func BootTimeUnixNano() int64 {
	return bootTimeUnixNano.Load()
}

// SyncBootTimeUnixNano samples the realtime and monotonic clocks and stores
// the delta used by KTime.UnixNano. Called once at startup.
func SyncBootTimeUnixNano() error {
	var mono, wall unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return err
	}
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &wall); err != nil {
		return err
	}
	bootTimeUnixNano.Store(wall.Nano() - mono.Nano())
	return nil
}
