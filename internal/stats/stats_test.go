package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/engine/enginetest"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func raw(at time.Time, cpu, sys uint64) *engine.RawStats {
	return &engine.RawStats{
		Read: at,
		CPU: engine.CPUStats{
			CPUUsage:    engine.CPUUsage{TotalUsage: cpu, PercpuUsage: []uint64{cpu / 2, cpu / 2}},
			SystemUsage: sys,
		},
		Memory: engine.MemoryStats{Usage: 300, Limit: 1000},
	}
}

func TestNormalize_MemoryLayouts(t *testing.T) {
	tests := []struct {
		name  string
		stats map[string]uint64
		want  uint64
	}{
		{"cgroup v1", map[string]uint64{"total_inactive_file": 100, "cache": 150}, 200},
		{"cgroup v2", map[string]uint64{"inactive_file": 50}, 250},
		{"legacy cache", map[string]uint64{"cache": 120}, 180},
		{"cache larger than usage", map[string]uint64{"cache": 500}, 300},
		{"no breakdown", nil, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := raw(t0, 10, 100)
			r.Memory.Stats = tt.stats
			s, err := Normalize(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.MemoryUsage)
		})
	}
}

func TestNormalize_OnlineCPUsFallback(t *testing.T) {
	s, err := Normalize(raw(t0, 10, 100))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), s.OnlineCPUs)

	r := raw(t0, 10, 100)
	r.CPU.OnlineCPUs = 4
	s, err = Normalize(r)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), s.OnlineCPUs)
}

func TestNormalize_SumsInterfacesAndDevices(t *testing.T) {
	r := raw(t0, 10, 100)
	r.Networks = map[string]engine.NetworkStats{
		"eth0": {RxBytes: 100, TxBytes: 10},
		"eth1": {RxBytes: 50, TxBytes: 5},
	}
	r.Blkio.IoServiceBytesRecursive = []engine.BlkioEntry{
		{Major: 8, Op: "Read", Value: 1000},
		{Major: 8, Op: "Write", Value: 200},
		{Major: 259, Op: "read", Value: 24},
		{Major: 259, Op: "write", Value: 6},
		{Major: 259, Op: "Total", Value: 30},
	}
	s, err := Normalize(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), s.NetworkRx)
	assert.Equal(t, uint64(15), s.NetworkTx)
	assert.Equal(t, uint64(1024), s.BlockRead)
	assert.Equal(t, uint64(206), s.BlockWrite)
}

func TestNormalize_Unavailable(t *testing.T) {
	_, err := Normalize(&engine.RawStats{})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = Normalize(nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCPUPercent(t *testing.T) {
	prev, _ := Normalize(raw(t0, 1_000, 10_000))
	tests := []struct {
		name string
		cur  *engine.RawStats
		want float64
	}{
		{"quarter of the system on two cpus", raw(t0.Add(time.Second), 3_500, 20_000), 50},
		{"saturated clamps to all cpus", raw(t0.Add(time.Second), 100_000, 20_000), 200},
		{"no cpu progress", raw(t0.Add(time.Second), 1_000, 20_000), 0},
		{"no system progress", raw(t0.Add(time.Second), 3_500, 10_000), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur, err := Normalize(tt.cur)
			require.NoError(t, err)
			got := CPUPercent(prev, cur)
			assert.InDelta(t, tt.want, got, 0.001)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100*float64(cur.OnlineCPUs))
		})
	}
	assert.Zero(t, CPUPercent(&Sample{}, prev))
	assert.Zero(t, CPUPercent(nil, prev))
}

func TestMemoryPercent(t *testing.T) {
	s, err := Normalize(raw(t0, 10, 100))
	require.NoError(t, err)
	pct, ok := MemoryPercent(s)
	require.True(t, ok)
	assert.InDelta(t, 30.0, pct, 0.001)

	s.MemoryLimit = 0x7FFFFFFFFFFFF000
	_, ok = MemoryPercent(s)
	assert.False(t, ok, "unbounded limit")

	s.MemoryLimit = 0
	_, ok = MemoryPercent(s)
	assert.False(t, ok, "zero limit")

	_, ok = MemoryPercent(&Sample{})
	assert.False(t, ok)
}

func TestNetworkRate(t *testing.T) {
	prev := &Sample{Time: t0, NetworkRx: 1000, NetworkTx: 100}
	cur := &Sample{Time: t0.Add(2 * time.Second), NetworkRx: 3000, NetworkTx: 50}

	rate, ok := NetworkRate(prev, cur)
	require.True(t, ok)
	assert.InDelta(t, 1000.0, rate.RxPerSec, 0.001)
	assert.Zero(t, rate.TxPerSec, "counter reset")

	_, ok = NetworkRate(cur, prev)
	assert.False(t, ok, "samples out of order")
	_, ok = NetworkRate(prev, prev)
	assert.False(t, ok, "same instant")
	_, ok = NetworkRate(nil, cur)
	assert.False(t, ok)
}

func TestCollector_Sample(t *testing.T) {
	fake := enginetest.New()
	fake.AddImage("img:1", nil)
	id, err := fake.ContainerCreate(t.Context(), &engine.ContainerSpec{Name: "hassio_dns", Image: "img:1"})
	require.NoError(t, err)
	fake.SetStats(id, raw(t0, 10, 100))

	c := NewCollector(fake, time.Second)

	// created but not running
	s, err := c.Sample(t.Context(), id)
	require.NoError(t, err)
	assert.True(t, s.Empty())

	require.NoError(t, fake.ContainerStart(t.Context(), id))
	s, err = c.Sample(t.Context(), id)
	require.NoError(t, err)
	assert.False(t, s.Empty())
	assert.Equal(t, uint64(10), s.CPUUsageNs)

	s, err = c.Sample(t.Context(), "missing")
	require.NoError(t, err)
	assert.True(t, s.Empty())

	fake.Fail("ContainerStats", context.DeadlineExceeded)
	_, err = c.Sample(t.Context(), id)
	assert.ErrorIs(t, err, engine.ErrTimeout)
}
