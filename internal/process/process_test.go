//go:build linux || darwin

package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// alive treats zombies as dead; orphaned grandchildren may linger unreaped
// in containers without an init process.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "killed", StateKilled.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}

func TestProcessCombinedOutput(t *testing.T) {
	var out syncBuffer
	s := NewSupervisor("/bin/sh")
	proc, err := s.Spawn(&out, "-c", "echo out; echo err 1>&2")
	require.NoError(t, err)

	code, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, StateExited, proc.State())
	assert.Contains(t, out.String(), "out\n")
	assert.Contains(t, out.String(), "err\n")
}

func TestProcessNonZeroExit(t *testing.T) {
	s := NewSupervisor("/bin/sh")
	proc, err := s.Spawn(nil, "-c", "exit 3")
	require.NoError(t, err)

	code, err := proc.Wait()
	assert.Error(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, StateExited, proc.State())
	assert.False(t, proc.Signaled())
}

func TestSpawnFailure(t *testing.T) {
	s := NewSupervisor("/nonexistent/download-tool")
	proc, err := s.Spawn(nil, "pull", "llama3")
	assert.Nil(t, proc)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Nil(t, s.Current())
	assert.Equal(t, 0, s.Spawned())
}

func TestTerminateGraceful(t *testing.T) {
	s := NewSupervisor("/bin/sh", WithGracePeriod(2*time.Second), WithLogger(zerolog.Nop()))
	proc, err := s.Spawn(nil, "-c", "sleep 30")
	require.NoError(t, err)

	start := time.Now()
	signaled, err := s.Terminate()
	require.NoError(t, err)
	assert.True(t, signaled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, proc.HasExited())
	assert.Equal(t, StateKilled, proc.State())
	assert.False(t, alive(proc.PID()))
}

func TestTerminateForcesAfterGrace(t *testing.T) {
	s := NewSupervisor("/bin/sh", WithGracePeriod(200*time.Millisecond))
	var out syncBuffer
	proc, err := s.Spawn(&out, "-c", "trap '' TERM; echo ready; while :; do sleep 0.05; done")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.String() != "" }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	signaled, err := proc.Terminate(200 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, signaled)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, StateKilled, proc.State())
	assert.False(t, alive(proc.PID()))
}

func TestTerminateKillsProcessGroup(t *testing.T) {
	var out syncBuffer
	s := NewSupervisor("/bin/sh", WithGracePeriod(time.Second))
	_, err := s.Spawn(&out, "-c", "sleep 30 & echo $!; wait")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.String() != "" }, 2*time.Second, 10*time.Millisecond)

	var child int
	_, err = fmt.Sscan(out.String(), &child)
	require.NoError(t, err)
	require.True(t, alive(child))

	_, err = s.Terminate()
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !alive(child) }, 2*time.Second, 20*time.Millisecond)
}

func TestTerminateIdempotent(t *testing.T) {
	s := NewSupervisor("/bin/sh")

	signaled, err := s.Terminate()
	require.NoError(t, err)
	assert.False(t, signaled, "no child yet")

	proc, err := s.Spawn(nil, "-c", "exit 0")
	require.NoError(t, err)
	<-proc.Done()

	signaled, err = s.Terminate()
	require.NoError(t, err)
	assert.False(t, signaled, "natural exit wins")

	proc, err = s.Spawn(nil, "-c", "sleep 30")
	require.NoError(t, err)
	var wg sync.WaitGroup
	results := make([]bool, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = proc.Terminate(time.Second)
		}(i)
	}
	wg.Wait()
	signals := 0
	for _, r := range results {
		if r {
			signals++
		}
	}
	assert.Equal(t, 1, signals)
	assert.Equal(t, 2, s.Spawned())
}

func TestSpawnBusy(t *testing.T) {
	s := NewSupervisor("/bin/sh")
	_, err := s.Spawn(nil, "-c", "sleep 30")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = s.Terminate() })

	_, err = s.Spawn(nil, "-c", "true")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestWaitNotStarted(t *testing.T) {
	p := newProcess("id", "/bin/true", nil, nil, time.Second, zerolog.Nop())
	_, err := p.Wait()
	assert.ErrorIs(t, err, ErrNotStarted)
	signaled, err := p.Terminate(time.Second)
	assert.NoError(t, err)
	assert.False(t, signaled)
	assert.Equal(t, -1, p.PID())
	assert.Equal(t, -1, p.ExitCode())
}
