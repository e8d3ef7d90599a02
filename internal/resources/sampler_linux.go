//go:build linux

package resources

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// CPU utilization is measured across this window, like a blocking
// one-second cpu_percent call.
const cpuWindow = time.Second

type hostSampler struct {
	fs     procfs.FS
	window time.Duration
}

// NewHostSampler reads CPU and memory utilization from /proc.
func NewHostSampler() (Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("error opening procfs: %w", err)
	}
	return &hostSampler{fs: fs, window: cpuWindow}, nil
}

func (s *hostSampler) Sample(ctx context.Context) (Snapshot, error) {
	before, err := s.fs.Stat()
	if err != nil {
		return Snapshot{}, fmt.Errorf("error reading cpu stats: %w", err)
	}
	timer := time.NewTimer(s.window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-timer.C:
	}
	after, err := s.fs.Stat()
	if err != nil {
		return Snapshot{}, fmt.Errorf("error reading cpu stats: %w", err)
	}
	mem, err := s.fs.Meminfo()
	if err != nil {
		return Snapshot{}, fmt.Errorf("error reading meminfo: %w", err)
	}
	memPct, err := memoryPercent(mem)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		CPU:    cpuPercent(before.CPUTotal, after.CPUTotal),
		Memory: memPct,
		At:     time.Now(),
	}, nil
}

func cpuPercent(a, b procfs.CPUStat) float64 {
	busy := func(c procfs.CPUStat) float64 {
		return c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	}
	idle := func(c procfs.CPUStat) float64 {
		return c.Idle + c.Iowait
	}
	busyDelta := busy(b) - busy(a)
	total := busyDelta + idle(b) - idle(a)
	if total <= 0 {
		return 0
	}
	pct := busyDelta / total * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func memoryPercent(m procfs.Meminfo) (float64, error) {
	if m.MemTotal == nil || *m.MemTotal == 0 {
		return 0, fmt.Errorf("meminfo missing MemTotal")
	}
	var used uint64
	switch {
	case m.MemAvailable != nil:
		used = *m.MemTotal - min(*m.MemAvailable, *m.MemTotal)
	case m.MemFree != nil:
		used = *m.MemTotal - min(*m.MemFree, *m.MemTotal)
	default:
		return 0, fmt.Errorf("meminfo missing MemAvailable and MemFree")
	}
	return float64(used) / float64(*m.MemTotal) * 100, nil
}
