package resources

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const DefaultInterval = 30 * time.Second

// ErrUnsupported is returned by samplers on platforms without a host
// metrics source.
var ErrUnsupported = errors.New("resource sampling not supported on this platform")

// Snapshot is one CPU/memory utilization reading, both in percent.
type Snapshot struct {
	CPU    float64
	Memory float64
	At     time.Time
}

type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

type Config struct {
	CPUCeiling    float64
	MemoryCeiling float64
	Interval      time.Duration
}

// Pressure is raised when a snapshot exceeds either ceiling.
type Pressure struct {
	Snapshot
	CPUOver    bool
	MemoryOver bool
}

// Gate turns periodic snapshots into a single pause verdict per attempt.
type Gate struct {
	cfg     Config
	sampler Sampler
	log     zerolog.Logger
}

func NewGate(sampler Sampler, cfg Config, logger zerolog.Logger) *Gate {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Gate{cfg: cfg, sampler: sampler, log: logger}
}

// Check samples once. Sampling failures are logged and reported as no
// pressure.
func (g *Gate) Check(ctx context.Context) (Pressure, bool) {
	snap, err := g.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.log.Warn().Str("op", "resources/check").Err(err).Msg("error sampling host resources")
		}
		return Pressure{}, false
	}
	g.log.Info().Str("op", "resources/check").Msgf("CPU usage: %.1f%%, memory usage: %.1f%%", snap.CPU, snap.Memory)

	p := Pressure{
		Snapshot:   snap,
		CPUOver:    snap.CPU > g.cfg.CPUCeiling,
		MemoryOver: snap.Memory > g.cfg.MemoryCeiling,
	}
	if !p.CPUOver && !p.MemoryOver {
		return Pressure{}, false
	}
	g.log.Warn().Str("op", "resources/check").Msgf("resource usage too high (CPU: %.1f%%, memory: %.1f%%)", snap.CPU, snap.Memory)
	return p, true
}

// Run samples immediately and then every interval until ctx is done or
// pressure is detected. At most one Pressure is sent.
func (g *Gate) Run(ctx context.Context, pressure chan<- Pressure) {
	g.log.Debug().Str("op", "resources/gate").Msg("resource gate started")
	defer g.log.Debug().Str("op", "resources/gate").Msg("resource gate stopped")

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		if p, ok := g.Check(ctx); ok {
			select {
			case pressure <- p:
			case <-ctx.Done():
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
