// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovswatch/ovswatch/times"
)

func TestPutLookupForget(t *testing.T) {
	tbl, err := NewTable(16, time.Minute)
	require.NoError(t, err)

	rec := Record{OrigHead: 0xffff8880aabbcc00, Timestamp: times.KTime(1234), SkbAddr: 0x1000}
	tbl.Put(0x1000, rec)

	got, ok := tbl.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	// Untracked skb: miss, not an error.
	_, ok = tbl.Lookup(0x2000)
	assert.False(t, ok)

	tbl.Forget(0x1000)
	_, ok = tbl.Lookup(0x1000)
	assert.False(t, ok)
}

func TestPurgeExpired(t *testing.T) {
	tbl, err := NewTable(16, 10*time.Millisecond)
	require.NoError(t, err)

	tbl.Put(0x1000, Record{SkbAddr: 0x1000})
	time.Sleep(30 * time.Millisecond)
	tbl.Put(0x2000, Record{SkbAddr: 0x2000})

	assert.Equal(t, 1, tbl.PurgeExpired())
	_, ok := tbl.Lookup(0x2000)
	assert.True(t, ok)
	assert.Equal(t, 1, tbl.Len())
}

func TestCapacityBounded(t *testing.T) {
	tbl, err := NewTable(8, time.Minute)
	require.NoError(t, err)

	for skb := uint64(0); skb < 64; skb++ {
		tbl.Put(skb, Record{SkbAddr: skb})
	}
	assert.LessOrEqual(t, tbl.Len(), 8)
}
