// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/ovswatch/ovswatch/metrics"

import "fmt"

// ID identifies a counter.
type ID int

const (
	IDInvalid ID = iota

	// Number of event slots acquired from the pool.
	IDEventAcquired
	// Number of event acquisitions that failed because the pool was empty.
	IDEventPoolExhausted
	// Number of section reservations rejected (budget exhausted or duplicate).
	IDEventSectionRejected
	// Number of events handed to the transport.
	IDEventSent
	// Number of events discarded before hand-off.
	IDEventDiscarded
	// Number of ancillary section reads that failed but left the event intact.
	IDEventAncillaryMissing

	// Number of frames dropped because the transport ring was full.
	IDRingDropped

	// Number of correlation entries inserted.
	IDInflightBegun
	// Number of correlation entries consumed by their return leg.
	IDInflightConsumed
	// Number of correlation lookups that found no entry.
	IDInflightMiss
	// Number of live correlation entries evicted at capacity.
	IDInflightEvicted
	// Number of stale correlation entries removed by the purge runs.
	IDInflightPurged

	// Number of tracking lookups that found no record.
	IDTrackingMiss
	// Number of stale tracking records removed by the purge runs.
	IDTrackingPurged

	// Number of USDT argument captures that were aborted.
	IDUsdtCaptureFailed
	// Number of hook invocations that returned an error.
	IDHookFailed

	IDMax
)

var idNames = [IDMax]string{
	IDInvalid:               "invalid",
	IDEventAcquired:         "event.acquired",
	IDEventPoolExhausted:    "event.pool_exhausted",
	IDEventSectionRejected:  "event.section_rejected",
	IDEventSent:             "event.sent",
	IDEventDiscarded:        "event.discarded",
	IDEventAncillaryMissing: "event.ancillary_missing",
	IDRingDropped:           "ring.dropped",
	IDInflightBegun:         "inflight.begun",
	IDInflightConsumed:      "inflight.consumed",
	IDInflightMiss:          "inflight.miss",
	IDInflightEvicted:       "inflight.evicted",
	IDInflightPurged:        "inflight.purged",
	IDTrackingMiss:          "tracking.miss",
	IDTrackingPurged:        "tracking.purged",
	IDUsdtCaptureFailed:     "usdt.capture_failed",
	IDHookFailed:            "hook.failed",
}

func (id ID) String() string {
	if id <= IDInvalid || id >= IDMax {
		return fmt.Sprintf("metric(%d)", int(id))
	}
	return idNames[id]
}
