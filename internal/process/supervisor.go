package process

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrBusy is returned by Spawn while the previous child is still alive.
var ErrBusy = errors.New("a child process is already running")

// Supervisor runs the download tool one child at a time.
type Supervisor struct {
	command string
	grace   time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	current *Process
	spawned int
}

type SupervisorOption func(*Supervisor)

func WithGracePeriod(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

func WithLogger(logger zerolog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = logger
	}
}

func NewSupervisor(command string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		command: command,
		grace:   DefaultGracePeriod,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts `<command> args...` with combined output written to out.
func (s *Supervisor) Spawn(out io.Writer, args ...string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !s.current.HasExited() {
		return nil, ErrBusy
	}

	proc := newProcess(uuid.New().String(), s.command, args, out, s.grace, s.log)
	if err := proc.start(); err != nil {
		s.log.Error().Str("op", "process/spawn").Err(err).Msg("error spawning child")
		return nil, err
	}
	s.current = proc
	s.spawned++
	return proc, nil
}

// Terminate stops the current child, if any. See Process.Terminate.
func (s *Supervisor) Terminate() (bool, error) {
	s.mu.Lock()
	proc := s.current
	s.mu.Unlock()
	if proc == nil {
		return false, nil
	}
	return proc.Terminate(s.grace)
}

func (s *Supervisor) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Spawned counts children started over the supervisor's lifetime.
func (s *Supervisor) Spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func (s *Supervisor) GracePeriod() time.Duration {
	return s.grace
}
