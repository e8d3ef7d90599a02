package monitor

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/pullguard/internal/progress"
	"github.com/tanq16/pullguard/internal/tap"
)

// StallThreshold is the number of consecutive slow check intervals that
// make up a stall. It is not configurable.
const StallThreshold = 3

const DefaultPollInterval = time.Second

// LineSource yields the most recent line of child output.
type LineSource interface {
	LastLine() (string, error)
}

type Config struct {
	SpeedFloor    float64 // MB/s
	CheckInterval time.Duration
	PollInterval  time.Duration
}

// Reading is emitted once per completed check interval.
type Reading struct {
	Percent     int
	Speed       float64
	Below       bool
	SlowWindows int
	At          time.Time
}

type Stall struct {
	Percent     int
	Speed       float64
	SlowWindows int
	At          time.Time
}

// Speed watches one attempt's output and reports a stall when throughput
// stays under the floor for StallThreshold check intervals without the
// percent advancing. Counters are written only by the Run goroutine.
type Speed struct {
	cfg       Config
	src       LineSource
	log       zerolog.Logger
	onReading func(Reading)

	lastPercent atomic.Int32
	slowWindows atomic.Int32
	speedBits   atomic.Uint64
	stalled     atomic.Bool

	// owned by the Run goroutine
	lastCheck time.Time
	haveSpeed bool
	speed     float64
}

func NewSpeed(src LineSource, cfg Config, logger zerolog.Logger) *Speed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Speed{
		cfg: cfg,
		src: src,
		log: logger,
	}
}

// OnReading registers a callback invoked from the monitor goroutine after
// every rate evaluation. Must be set before Run.
func (m *Speed) OnReading(fn func(Reading)) {
	m.onReading = fn
}

// Run polls until ctx is done or a stall is detected. At most one Stall is
// sent; the channel should have room for it.
func (m *Speed) Run(ctx context.Context, stalls chan<- Stall) {
	m.log.Debug().Str("op", "monitor/speed").Msg("speed monitor started")
	defer m.log.Debug().Str("op", "monitor/speed").Msg("speed monitor stopped")

	m.lastCheck = time.Now()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			stall, ok := m.poll(now)
			if !ok {
				continue
			}
			m.stalled.Store(true)
			select {
			case stalls <- stall:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (m *Speed) poll(now time.Time) (Stall, bool) {
	line, err := m.src.LastLine()
	if err != nil {
		if !errors.Is(err, tap.ErrClosed) {
			m.log.Warn().Str("op", "monitor/speed").Err(err).Msg("error reading output")
		}
		return Stall{}, false
	}
	if line == "" {
		return Stall{}, false
	}
	sample, ok, err := progress.Parse(line)
	if err != nil {
		m.log.Debug().Str("op", "monitor/speed").Err(err).Str("line", line).Msg("error parsing progress")
		return Stall{}, false
	}
	if !ok {
		return Stall{}, false
	}

	if sample.HasPercent && int32(sample.Percent) > m.lastPercent.Load() {
		m.lastPercent.Store(int32(sample.Percent))
		m.slowWindows.Store(0)
	}
	if sample.HasSpeed {
		m.speed = sample.Speed
		m.haveSpeed = true
		m.speedBits.Store(math.Float64bits(sample.Speed))
	}

	if !m.haveSpeed || now.Sub(m.lastCheck) < m.cfg.CheckInterval {
		return Stall{}, false
	}
	m.lastCheck = now

	percent := int(m.lastPercent.Load())
	below := m.speed < m.cfg.SpeedFloor
	if below {
		m.slowWindows.Add(1)
	} else {
		m.slowWindows.Store(0)
	}
	slow := int(m.slowWindows.Load())

	m.log.Info().Str("op", "monitor/speed").Msgf("progress %d%%, speed %.2f MB/s", percent, m.speed)
	if below {
		m.log.Info().Str("op", "monitor/speed").Msgf("speed below threshold (%.2f MB/s), count %d/%d", m.cfg.SpeedFloor, slow, StallThreshold)
	}
	if m.onReading != nil {
		m.onReading(Reading{Percent: percent, Speed: m.speed, Below: below, SlowWindows: slow, At: now})
	}

	if slow >= StallThreshold {
		m.log.Warn().Str("op", "monitor/speed").Msgf("speed stayed below threshold (%.2f MB/s < %.2f MB/s), restarting download", m.speed, m.cfg.SpeedFloor)
		return Stall{Percent: percent, Speed: m.speed, SlowWindows: slow, At: now}, true
	}
	return Stall{}, false
}

func (m *Speed) LastPercent() int {
	return int(m.lastPercent.Load())
}

func (m *Speed) SlowWindows() int {
	return int(m.slowWindows.Load())
}

// LastSpeed is the most recently parsed throughput in MB/s.
func (m *Speed) LastSpeed() float64 {
	return math.Float64frombits(m.speedBits.Load())
}

func (m *Speed) Stalled() bool {
	return m.stalled.Load()
}
