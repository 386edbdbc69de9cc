// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

package probe // import "github.com/ovswatch/ovswatch/probe"

import (
	log "github.com/sirupsen/logrus"

	"github.com/ovswatch/ovswatch/event"
	"github.com/ovswatch/ovswatch/metrics"
)

// MaxHooks bounds the number of hooks per attachment point.
const MaxHooks = 4

// Hook extends a probe after its mandatory sections were appended. A hook
// may append further sections and may read the context (including marshalled
// USDT arguments), but must not finalize or discard the event, must not
// assume any other hook ran, and must complete in bounded time.
type Hook func(*Context, *event.Builder) error

// Chain is the fixed, compile-time-bound hook list of one attachment point.
// Nil slots are skipped.
type Chain [MaxHooks]Hook

// Run invokes the chained hooks in order. A failing hook only loses its own
// section: the failure is counted and logged, the rest of the chain and the
// event itself proceed.
func (c *Chain) Run(ctx *Context, b *event.Builder) {
	for _, h := range c {
		if h == nil {
			continue
		}
		if err := h(ctx, b); err != nil {
			metrics.Inc(metrics.IDHookFailed)
			log.Debugf("hook at %s failed: %v", ctx.Point, err)
		}
	}
}
