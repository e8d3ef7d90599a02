package resources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSampler struct {
	mu    sync.Mutex
	steps []sampleStep
	calls int
}

type sampleStep struct {
	snap Snapshot
	err  error
}

func (s *scriptedSampler) Sample(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.steps) == 0 {
		return Snapshot{CPU: 5, Memory: 5}, nil
	}
	step := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return step.snap, step.err
}

func (s *scriptedSampler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() Config {
	return Config{CPUCeiling: 80, MemoryCeiling: 80, Interval: 5 * time.Millisecond}
}

func TestGateCheck(t *testing.T) {
	tests := []struct {
		name    string
		snap    Snapshot
		want    bool
		cpuOver bool
		memOver bool
	}{
		{name: "idle", snap: Snapshot{CPU: 10, Memory: 20}},
		{name: "at ceiling", snap: Snapshot{CPU: 80, Memory: 80}},
		{name: "cpu over", snap: Snapshot{CPU: 95, Memory: 20}, want: true, cpuOver: true},
		{name: "memory over", snap: Snapshot{CPU: 10, Memory: 80.5}, want: true, memOver: true},
		{name: "both over", snap: Snapshot{CPU: 99, Memory: 99}, want: true, cpuOver: true, memOver: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(&scriptedSampler{steps: []sampleStep{{snap: tt.snap}}}, testConfig(), zerolog.Nop())
			p, ok := g.Check(context.Background())
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.cpuOver, p.CPUOver)
			assert.Equal(t, tt.memOver, p.MemoryOver)
		})
	}
}

func TestGateSamplingErrorIsNoPressure(t *testing.T) {
	g := NewGate(&scriptedSampler{steps: []sampleStep{{err: errors.New("no /proc")}}}, testConfig(), zerolog.Nop())
	_, ok := g.Check(context.Background())
	assert.False(t, ok)

	g = NewGate(&scriptedSampler{steps: []sampleStep{{err: ErrUnsupported}}}, testConfig(), zerolog.Nop())
	_, ok = g.Check(context.Background())
	assert.False(t, ok)
}

func TestGateRunSignalsOnce(t *testing.T) {
	sampler := &scriptedSampler{steps: []sampleStep{
		{snap: Snapshot{CPU: 10, Memory: 10}},
		{err: errors.New("transient")},
		{snap: Snapshot{CPU: 91, Memory: 10}},
	}}
	g := NewGate(sampler, testConfig(), zerolog.Nop())
	pressure := make(chan Pressure, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(context.Background(), pressure)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not stop after pressure")
	}
	require.Len(t, pressure, 1)
	p := <-pressure
	assert.True(t, p.CPUOver)
	assert.InDelta(t, 91, p.CPU, 1e-9)

	calls := sampler.Calls()
	assert.Equal(t, 3, calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, sampler.Calls())
}

func TestGateRunStopsOnCancel(t *testing.T) {
	sampler := &scriptedSampler{}
	g := NewGate(sampler, testConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	pressure := make(chan Pressure, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx, pressure)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gate did not stop on cancel")
	}
	assert.Empty(t, pressure)
	assert.GreaterOrEqual(t, sampler.Calls(), 1)
}

func TestNewGateDefaultInterval(t *testing.T) {
	g := NewGate(&scriptedSampler{}, Config{CPUCeiling: 80, MemoryCeiling: 80}, zerolog.Nop())
	assert.Equal(t, DefaultInterval, g.cfg.Interval)
}
