package monitor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/pullguard/internal/sessionlog"
	"github.com/tanq16/pullguard/internal/tap"
	"github.com/tanq16/pullguard/internal/utils"
)

type scriptedSource struct {
	mu   sync.Mutex
	line string
	err  error
}

func (s *scriptedSource) set(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.line = line
	s.err = nil
}

func (s *scriptedSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *scriptedSource) LastLine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.line, s.err
}

func newTestMonitor(src LineSource) (*Speed, time.Time) {
	m := NewSpeed(src, Config{SpeedFloor: 10, CheckInterval: time.Second}, zerolog.Nop())
	t0 := time.Now()
	m.lastCheck = t0
	return m, t0
}

func TestSpeedStallAfterThreeSlowWindows(t *testing.T) {
	src := &scriptedSource{}
	m, t0 := newTestMonitor(src)
	src.set("pulling abc 10% ▕██  ▏ 1.0 GB/4.0 GB 1.5 MB/s")

	_, stalled := m.poll(t0.Add(1 * time.Second))
	assert.False(t, stalled)
	assert.Equal(t, 1, m.SlowWindows())
	assert.Equal(t, 10, m.LastPercent())

	_, stalled = m.poll(t0.Add(2 * time.Second))
	assert.False(t, stalled)
	assert.Equal(t, 2, m.SlowWindows())

	stall, stalled := m.poll(t0.Add(3 * time.Second))
	require.True(t, stalled)
	assert.Equal(t, StallThreshold, stall.SlowWindows)
	assert.Equal(t, 10, stall.Percent)
	assert.InDelta(t, 1.5, stall.Speed, 1e-9)
}

func TestSpeedPercentAdvanceResets(t *testing.T) {
	src := &scriptedSource{}
	m, t0 := newTestMonitor(src)

	src.set("10% 1 MB/s")
	_, stalled := m.poll(t0.Add(1 * time.Second))
	assert.False(t, stalled)
	assert.Equal(t, 1, m.SlowWindows())

	src.set("11% 1 MB/s")
	_, stalled = m.poll(t0.Add(1500 * time.Millisecond))
	assert.False(t, stalled)
	assert.Equal(t, 0, m.SlowWindows())
	assert.Equal(t, 11, m.LastPercent())

	_, stalled = m.poll(t0.Add(2500 * time.Millisecond))
	assert.False(t, stalled)
	assert.Equal(t, 1, m.SlowWindows())

	src.set("12% 1 MB/s")
	_, stalled = m.poll(t0.Add(3000 * time.Millisecond))
	assert.False(t, stalled)
	assert.Equal(t, 0, m.SlowWindows())

	_, stalled = m.poll(t0.Add(3600 * time.Millisecond))
	assert.False(t, stalled)
	assert.Equal(t, 1, m.SlowWindows())
}

func TestSpeedAtFloorResets(t *testing.T) {
	src := &scriptedSource{}
	m, t0 := newTestMonitor(src)

	src.set("10% 2 MB/s")
	m.poll(t0.Add(1 * time.Second))
	m.poll(t0.Add(2 * time.Second))
	assert.Equal(t, 2, m.SlowWindows())

	src.set("10% 10 MB/s")
	_, stalled := m.poll(t0.Add(3 * time.Second))
	assert.False(t, stalled)
	assert.Equal(t, 0, m.SlowWindows())
}

func TestSpeedLowerPercentIsNoise(t *testing.T) {
	src := &scriptedSource{}
	m, t0 := newTestMonitor(src)

	src.set("50% 1 MB/s")
	m.poll(t0.Add(1 * time.Second))
	assert.Equal(t, 1, m.SlowWindows())

	src.set("40% 3 MB/s")
	m.poll(t0.Add(2 * time.Second))
	assert.Equal(t, 50, m.LastPercent())
	assert.Equal(t, 2, m.SlowWindows())
	assert.InDelta(t, 3, m.LastSpeed(), 1e-9)
}

func TestSpeedEvaluatesOncePerInterval(t *testing.T) {
	src := &scriptedSource{}
	m, t0 := newTestMonitor(src)
	src.set("10% 1 MB/s")

	for i := 1; i <= 9; i++ {
		_, stalled := m.poll(t0.Add(time.Duration(i) * 100 * time.Millisecond))
		assert.False(t, stalled)
	}
	assert.Equal(t, 0, m.SlowWindows())

	m.poll(t0.Add(time.Second))
	assert.Equal(t, 1, m.SlowWindows())
}

func TestSpeedIgnoresUnusableLines(t *testing.T) {
	src := &scriptedSource{}
	m, t0 := newTestMonitor(src)

	src.set("pulling manifest")
	_, stalled := m.poll(t0.Add(time.Second))
	assert.False(t, stalled)

	src.set("999% 1 MB/s")
	_, stalled = m.poll(t0.Add(2 * time.Second))
	assert.False(t, stalled)

	src.fail(tap.ErrClosed)
	_, stalled = m.poll(t0.Add(3 * time.Second))
	assert.False(t, stalled)

	src.fail(errors.New("boom"))
	_, stalled = m.poll(t0.Add(4 * time.Second))
	assert.False(t, stalled)

	assert.Equal(t, 0, m.SlowWindows())
	assert.Equal(t, 0, m.LastPercent())
}

func TestSpeedNoEvaluationWithoutRate(t *testing.T) {
	src := &scriptedSource{}
	m, t0 := newTestMonitor(src)
	src.set("verifying digest 100%")

	for i := 1; i <= 5; i++ {
		_, stalled := m.poll(t0.Add(time.Duration(i) * time.Second))
		assert.False(t, stalled)
	}
	assert.Equal(t, 0, m.SlowWindows())
	assert.Equal(t, 100, m.LastPercent())
}

func TestSpeedReadingCallback(t *testing.T) {
	src := &scriptedSource{}
	m, t0 := newTestMonitor(src)
	var readings []Reading
	m.OnReading(func(r Reading) { readings = append(readings, r) })

	src.set("20% 50 MB/s")
	m.poll(t0.Add(time.Second))
	src.set("20% 5 MB/s")
	m.poll(t0.Add(2 * time.Second))

	require.Len(t, readings, 2)
	assert.False(t, readings[0].Below)
	assert.Equal(t, 20, readings[0].Percent)
	assert.True(t, readings[1].Below)
	assert.Equal(t, 1, readings[1].SlowWindows)
}

func TestSpeedRunEmitsSingleStall(t *testing.T) {
	tp := tap.New(nil, 0)
	_, _ = tp.Write([]byte("pulling abc 10% 0.5 MB/s\n"))

	m := NewSpeed(tp, Config{SpeedFloor: 10, CheckInterval: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}, zerolog.Nop())
	stalls := make(chan Stall, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background(), stalls)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after stall")
	}
	assert.Len(t, stalls, 1)
	assert.True(t, m.Stalled())
	stall := <-stalls
	assert.Equal(t, StallThreshold, stall.SlowWindows)
}

func TestSpeedRunStopsOnCancel(t *testing.T) {
	tp := tap.New(nil, 0)
	_, _ = tp.Write([]byte("10% 100 MB/s\n"))

	m := NewSpeed(tp, Config{SpeedFloor: 10, CheckInterval: 10 * time.Millisecond, PollInterval: 2 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stalls := make(chan Stall, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, stalls)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
	assert.Empty(t, stalls)
	assert.False(t, m.Stalled())
}

func TestSpeedLogsMalformedLineToSessionFile(t *testing.T) {
	utils.InitLogger(false)
	l, err := sessionlog.Open(t.TempDir(), "llama3", time.Now())
	require.NoError(t, err)

	src := &scriptedSource{}
	m := NewSpeed(src, Config{SpeedFloor: 10, CheckInterval: time.Second}, l.Logger)
	m.lastCheck = time.Now()
	src.set("pulling abc 250% 1.0 MB/s")
	_, stalled := m.poll(m.lastCheck.Add(time.Second))
	assert.False(t, stalled)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "error parsing progress")
	assert.Contains(t, string(data), "pulling abc 250% 1.0 MB/s")
}
