package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DefaultGracePeriod bounds how long a child gets to exit after SIGTERM
// before it is killed.
const DefaultGracePeriod = 5 * time.Second

var (
	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyStarted = errors.New("process already started")
	ErrSpawn          = errors.New("error starting process")
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	// StateExited covers both zero and non-zero exit codes.
	StateExited
	// StateKilled means the child ended on a signal.
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Process is one child of the download tool. Its stdout and stderr share a
// single writer so the output keeps the child's interleaving.
type Process struct {
	ID      string
	Name    string
	Args    []string
	Started time.Time

	cmd  *exec.Cmd
	log  zerolog.Logger
	done chan struct{}

	state    atomic.Int32
	exitCode atomic.Int32
	signaled atomic.Bool

	mu      sync.RWMutex
	exitErr error

	waitOnce sync.Once
	termMu   sync.Mutex
}

func newProcess(id, name string, args []string, out io.Writer, grace time.Duration, logger zerolog.Logger) *Process {
	cmd := exec.Command(name, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = sysProcAttr()
	// the copier must not outlive the child by more than the grace period
	// when a grandchild keeps the pipe open
	cmd.WaitDelay = grace

	p := &Process{
		ID:   id,
		Name: name,
		Args: args,
		cmd:  cmd,
		log:  logger,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)
	return p
}

func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrAlreadyStarted
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("%w %s: %w", ErrSpawn, p.Name, err)
	}
	p.Started = time.Now()
	p.state.Store(int32(StateRunning))
	p.log.Debug().Str("op", "process/start").Str("id", p.ID).Int("pid", p.PID()).Msgf("started %s %v", p.Name, p.Args)
	go p.waitLoop()
	return nil
}

func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if errors.Is(err, exec.ErrWaitDelay) {
			// child exited cleanly, only the output copier was cut short
			err = nil
		}

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()

		exitCode := 0
		state := StateExited
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					state = StateKilled
				}
			} else {
				exitCode = -1
			}
		}
		p.exitCode.Store(int32(exitCode))
		p.state.Store(int32(state))
		p.log.Debug().Str("op", "process/wait").Str("id", p.ID).Int("code", exitCode).Msgf("process %s", state)
		close(p.done)
	})
}

func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode is -1 until the child exits, and for children ended by a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

func (p *Process) HasExited() bool {
	s := p.State()
	return s == StateExited || s == StateKilled
}

// Signaled reports whether Terminate had to signal a live child.
func (p *Process) Signaled() bool {
	return p.signaled.Load()
}

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the child exits and returns its exit code.
func (p *Process) Wait() (int, error) {
	if p.State() == StateCreated {
		return -1, ErrNotStarted
	}
	<-p.done
	return p.ExitCode(), p.ExitError()
}

// Terminate asks the child's process group to exit, waits up to grace and
// then kills it. It returns once the child has been reaped. Calling it on a
// never-started or already-exited process is a no-op that returns false.
func (p *Process) Terminate(grace time.Duration) (bool, error) {
	if p.State() == StateCreated {
		return false, nil
	}
	p.termMu.Lock()
	defer p.termMu.Unlock()

	select {
	case <-p.done:
		return false, nil
	default:
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	p.signaled.Store(true)
	p.log.Debug().Str("op", "process/terminate").Str("id", p.ID).Msg("sending SIGTERM")
	if err := signalGroup(p.cmd.Process, syscall.SIGTERM); err != nil && !gone(err) {
		p.log.Warn().Str("op", "process/terminate").Err(err).Msg("error sending SIGTERM")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return true, nil
	case <-timer.C:
	}

	p.log.Warn().Str("op", "process/terminate").Str("id", p.ID).Msgf("process did not exit within %s, killing", grace)
	if err := signalGroup(p.cmd.Process, syscall.SIGKILL); err != nil && !gone(err) {
		<-p.done
		return true, fmt.Errorf("error killing process: %w", err)
	}
	<-p.done
	return true, nil
}

// gone reports errors meaning the child already exited.
func gone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}
