// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package tracer // import "github.com/ovswatch/ovswatch/tracer"

import (
	"context"
	"errors"

	"github.com/ovswatch/ovswatch/probe"
)

// Tracer is not available outside linux.
type Tracer struct{}

func New(*Config) (*Tracer, error) {
	return nil, errors.New("tracing is only supported on linux")
}

func (t *Tracer) Run(context.Context, *probe.Dispatcher) {}

func (t *Tracer) Stats() (lost, readErrors uint64) { return 0, 0 }

func (t *Tracer) Close() {}
