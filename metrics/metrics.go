// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics implements the process-wide counters of the agent. The
// probe path only ever touches atomic counters, a summary is reported
// periodically in the background.
package metrics // import "github.com/ovswatch/ovswatch/metrics"

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/ovswatch/ovswatch/periodiccaller"
	"github.com/ovswatch/ovswatch/times"
)

var counters [IDMax]atomic.Int64

// Inc increments the counter id by one.
func Inc(id ID) {
	Add(id, 1)
}

// Add increments the counter id by n.
func Add(id ID, n int64) {
	if id <= IDInvalid || id >= IDMax {
		log.Errorf("Metrics id %d is not in range (%d, %d)", id, IDInvalid, IDMax)
		return
	}
	counters[id].Add(n)
}

// Get returns the current value of the counter id.
func Get(id ID) int64 {
	if id <= IDInvalid || id >= IDMax {
		return 0
	}
	return counters[id].Load()
}

// Report logs all counters that changed since the previous report.
func Report() {
	for id := IDInvalid + 1; id < IDMax; id++ {
		delta := counters[id].Swap(0)
		if delta == 0 {
			continue
		}
		log.Infof("metric %s: %d", id, delta)
	}
}

// StartReporting schedules periodic counter reports until ctx is canceled.
// The returned function stops the reporting.
func StartReporting(ctx context.Context, intervals times.Intervals) func() {
	return periodiccaller.Start(ctx, intervals.ReportInterval(), Report)
}
