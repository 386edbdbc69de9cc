// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package usdt normalizes the caller-supplied arguments of a userspace
// statically-defined tracepoint into a fixed-capacity array, regardless of
// the arity of the instrumented call site.
package usdt // import "github.com/ovswatch/ovswatch/usdt"

import (
	"fmt"

	"github.com/ovswatch/ovswatch/metrics"
)

// MaxArgs is the maximum number of USDT arguments that are captured.
const MaxArgs = 10

// Source exposes the raw argument values of a tracepoint at the moment the
// probe fired.
type Source interface {
	// ArgCount returns the number of arguments the call site declares.
	ArgCount() int
	// Arg returns the value of the argument at index.
	Arg(index int) (uint64, error)
}

// Args is the normalized argument array. Slots at index >= N keep their zero
// value.
type Args struct {
	Vals [MaxArgs]uint64
	N    int
}

// Capture reads up to MaxArgs arguments from src. Arguments are read in
// reverse declared order, which has no effect on the resulting array; slot i
// always holds argument i. Any individual read failure aborts the whole
// capture, since a partially filled array is meaningless to a consumer that
// cannot tell which slots are valid.
func Capture(src Source) (Args, error) {
	var args Args

	cnt := src.ArgCount()
	if cnt > MaxArgs {
		cnt = MaxArgs
	}
	for i := cnt - 1; i >= 0; i-- {
		v, err := src.Arg(i)
		if err != nil {
			metrics.Inc(metrics.IDUsdtCaptureFailed)
			return Args{}, fmt.Errorf("reading argument %d of %d: %v", i, cnt, err)
		}
		args.Vals[i] = v
	}
	args.N = cnt
	return args, nil
}

// FixedSource is a Source over argument values that were already read at the
// attachment site and shipped in the raw sample.
type FixedSource struct {
	Values []uint64
}

func (f *FixedSource) ArgCount() int { return len(f.Values) }

func (f *FixedSource) Arg(index int) (uint64, error) {
	if index < 0 || index >= len(f.Values) {
		return 0, fmt.Errorf("argument index %d out of range [0, %d)", index, len(f.Values))
	}
	return f.Values[index], nil
}
