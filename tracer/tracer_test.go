// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovswatch/ovswatch/probe"
	"github.com/ovswatch/ovswatch/times"
)

func TestDecodeSample(t *testing.T) {
	raw := make([]byte, sampleHeaderLen+3)
	raw[0] = byte(probe.AttachFlowLookupReturn)
	binary.LittleEndian.PutUint16(raw[2:4], 7)
	binary.LittleEndian.PutUint64(raw[8:16], 0x1122334455)
	binary.LittleEndian.PutUint64(raw[16:24], 999)
	binary.LittleEndian.PutUint64(raw[24:32], 0xffffaaaa)
	binary.LittleEndian.PutUint64(raw[32:40], 0xffffbbbb)
	binary.LittleEndian.PutUint64(raw[40:48], 0x55cc00)
	copy(raw[sampleHeaderLen:], []byte{1, 2, 3})

	ctx, err := decodeSample(raw)
	require.NoError(t, err)
	assert.Equal(t, probe.AttachFlowLookupReturn, ctx.Point)
	assert.Equal(t, uint16(7), ctx.CPU)
	assert.Equal(t, probe.TaskID(0x1122334455), ctx.Task)
	assert.Equal(t, times.KTime(999), ctx.KTime)
	assert.Equal(t, uint64(0xffffaaaa), ctx.Ret)
	assert.Equal(t, uint64(0xffffbbbb), ctx.Skb)
	assert.Equal(t, uint64(0x55cc00), ctx.IP)
	assert.Equal(t, []byte{1, 2, 3}, ctx.Raw)
}

func TestDecodeSampleTooShort(t *testing.T) {
	_, err := decodeSample(make([]byte, sampleHeaderLen-1))
	assert.Error(t, err)
}

func TestDefaultProbes(t *testing.T) {
	cfg := &Config{VswitchdPath: "/usr/sbin/ovs-vswitchd"}

	kernelOnly := DefaultProbes(cfg)
	seen := map[probe.AttachPoint]bool{}
	for _, spec := range kernelOnly {
		assert.False(t, seen[spec.Point], "%s attached twice", spec.Point)
		seen[spec.Point] = true
		assert.NotEmpty(t, spec.Program)
	}
	assert.False(t, seen[probe.AttachRecvUpcall])

	cfg.EnableUserProbes = true
	withUser := DefaultProbes(cfg)
	assert.Len(t, withUser, len(kernelOnly)+3)
	for _, spec := range withUser[len(kernelOnly):] {
		assert.Equal(t, "uprobe", spec.Type)
		assert.Equal(t, cfg.VswitchdPath, spec.Target)
	}
}
