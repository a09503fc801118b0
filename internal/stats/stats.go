// Package stats reads container resource counters and derives rates from them.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/fleetd/internal/engine"
)

// ErrUnavailable means the engine returned no usable counters, e.g. for a
// stopped container. Sample converts it into an empty sample.
var ErrUnavailable = errors.New("stats unavailable")

// unboundedLimit is the smallest memory limit treated as "no limit". cgroups
// report an unlimited container as a page-aligned value near MaxInt64.
const unboundedLimit = uint64(1) << 62

// Sample is a normalized point-in-time reading.
type Sample struct {
	Time time.Time

	CPUUsageNs  uint64
	SystemCPUNs uint64
	OnlineCPUs  uint32

	MemoryUsage uint64 // excluding reclaimable page cache
	MemoryLimit uint64

	NetworkRx uint64
	NetworkTx uint64

	BlockRead  uint64
	BlockWrite uint64
}

// Empty reports whether s carries no counters.
func (s *Sample) Empty() bool {
	return s == nil || s.Time.IsZero()
}

// Collector takes one-shot samples.
type Collector struct {
	api     engine.StatsAPI
	timeout time.Duration
}

// NewCollector returns a collector whose reads are bounded by timeout.
func NewCollector(api engine.StatsAPI, timeout time.Duration) *Collector {
	return &Collector{api: api, timeout: timeout}
}

// Sample reads the counters of containerID. A missing or stopped container
// yields an empty sample and no error.
func (c *Collector) Sample(ctx context.Context, containerID string) (*Sample, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.api.ContainerStats(ctx, containerID)
	if engine.IsNotFound(err) {
		return &Sample{}, nil
	}
	if err != nil {
		return nil, engine.Classify("stats "+containerID, err)
	}

	s, err := Normalize(raw)
	if errors.Is(err, ErrUnavailable) {
		log.G(ctx).WithField("container", containerID).Trace("no counters in stats read")
		return &Sample{}, nil
	}
	return s, err
}

// Normalize converts an engine read into a Sample, hiding the differences
// between cgroup v1 and v2 layouts.
func Normalize(raw *engine.RawStats) (*Sample, error) {
	if raw == nil || raw.Read.IsZero() || (raw.CPU.CPUUsage.TotalUsage == 0 && raw.Memory.Usage == 0) {
		return nil, ErrUnavailable
	}

	s := &Sample{
		Time:        raw.Read,
		CPUUsageNs:  raw.CPU.CPUUsage.TotalUsage,
		SystemCPUNs: raw.CPU.SystemUsage,
		OnlineCPUs:  raw.CPU.OnlineCPUs,
		MemoryUsage: raw.Memory.Usage,
		MemoryLimit: raw.Memory.Limit,
	}
	if s.OnlineCPUs == 0 {
		s.OnlineCPUs = uint32(len(raw.CPU.CPUUsage.PercpuUsage))
	}

	if cache, ok := pageCache(raw.Memory.Stats); ok && cache < s.MemoryUsage {
		s.MemoryUsage -= cache
	}

	for _, n := range raw.Networks {
		s.NetworkRx += n.RxBytes
		s.NetworkTx += n.TxBytes
	}
	for _, e := range raw.Blkio.IoServiceBytesRecursive {
		switch strings.ToLower(e.Op) {
		case "read":
			s.BlockRead += e.Value
		case "write":
			s.BlockWrite += e.Value
		}
	}
	return s, nil
}

// pageCache returns the reclaimable cache: total_inactive_file on cgroup v1,
// inactive_file on v2, and cache on engines predating both.
func pageCache(stats map[string]uint64) (uint64, bool) {
	for _, key := range []string{"total_inactive_file", "inactive_file", "cache"} {
		if v, ok := stats[key]; ok {
			return v, true
		}
	}
	return 0, false
}

// CPUPercent is the container's share of host CPU between two samples,
// scaled so one fully used core is 100. It is 0 when either sample is empty or
// the counters did not advance.
func CPUPercent(prev, cur *Sample) float64 {
	if prev.Empty() || cur.Empty() || cur.CPUUsageNs <= prev.CPUUsageNs || cur.SystemCPUNs <= prev.SystemCPUNs {
		return 0
	}
	cpuDelta := float64(cur.CPUUsageNs - prev.CPUUsageNs)
	sysDelta := float64(cur.SystemCPUNs - prev.SystemCPUNs)
	cpus := float64(cur.OnlineCPUs)

	pct := cpuDelta / sysDelta * cpus * 100
	return min(pct, cpus*100)
}

// MemoryPercent is usage over limit. ok is false when the limit is zero or
// effectively unbounded.
func MemoryPercent(s *Sample) (pct float64, ok bool) {
	if s.Empty() || s.MemoryLimit == 0 || s.MemoryLimit >= unboundedLimit {
		return 0, false
	}
	return float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100, true
}

// Rate is a per-second throughput.
type Rate struct {
	RxPerSec float64
	TxPerSec float64
}

// NetworkRate is the network throughput between two samples. ok is false
// unless both samples exist and cur is strictly later than prev.
func NetworkRate(prev, cur *Sample) (Rate, bool) {
	if prev.Empty() || cur.Empty() || !cur.Time.After(prev.Time) {
		return Rate{}, false
	}
	secs := cur.Time.Sub(prev.Time).Seconds()
	return Rate{
		RxPerSec: counterDelta(prev.NetworkRx, cur.NetworkRx) / secs,
		TxPerSec: counterDelta(prev.NetworkTx, cur.NetworkTx) / secs,
	}, true
}

// counterDelta treats a decreasing counter (interface reset) as zero progress.
func counterDelta(prev, cur uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

func (s *Sample) String() string {
	if s.Empty() {
		return "empty"
	}
	return fmt.Sprintf("cpu=%dns mem=%d/%d net=%d/%d blk=%d/%d",
		s.CPUUsageNs, s.MemoryUsage, s.MemoryLimit, s.NetworkRx, s.NetworkTx, s.BlockRead, s.BlockWrite)
}
