package raster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	r := New(testInfo(2, 2, 1, Float32), 2, 2)
	r.SetSample(0, 0, 0, 1)
	r.SetSample(0, 1, 0, 2)
	r.SetSample(0, 0, 1, 3)
	r.SetSample(0, 1, 1, 4)

	stats := r.Stats()
	require.Len(t, stats, 1)
	s := stats[0]
	assert.Equal(t, 1, s.Band)
	assert.Equal(t, 4, s.Valid)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.InDelta(t, 2.5, s.Mean, 1e-9)
	assert.InDelta(t, 1.29099, s.StdDev, 1e-4)
}

func TestStatsExcludesNoData(t *testing.T) {
	nd := 0.0
	info := testInfo(2, 2, 1, Uint8)
	info.NoData = &nd
	r := New(info, 2, 2)
	r.SetSample(0, 0, 0, 10)
	r.SetSample(0, 1, 1, 20)

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Valid)
	assert.Equal(t, 10.0, stats[0].Min)
	assert.Equal(t, 20.0, stats[0].Max)
	assert.InDelta(t, 15.0, stats[0].Mean, 1e-9)
}

func TestStatsAllNoData(t *testing.T) {
	nd := 0.0
	info := testInfo(3, 3, 2, Uint16)
	info.NoData = &nd
	r := New(info, 3, 3)

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 0, stats[0].Valid)
	assert.Equal(t, 0.0, stats[0].Min)
	assert.Equal(t, 0.0, stats[1].Max)
}
