package controller

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tanq16/pullguard/internal/resources"
)

type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// StopReason records why an attempt ended.
type StopReason int

const (
	ReasonNone StopReason = iota
	ReasonCompleted
	ReasonExitError
	ReasonStall
	ReasonPressure
	ReasonInterrupted
	ReasonSpawnError
	ReasonError
)

var reasonNames = map[StopReason]string{
	ReasonNone:        "none",
	ReasonCompleted:   "completed",
	ReasonExitError:   "exit-error",
	ReasonStall:       "stall",
	ReasonPressure:    "pressure",
	ReasonInterrupted: "interrupted",
	ReasonSpawnError:  "spawn-error",
	ReasonError:       "error",
}

func (r StopReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Retryable reports whether an attempt ending this way consumes one retry
// and is followed by another attempt. Pressure pauses without consuming a
// retry; completion and interruption end the session.
func (r StopReason) Retryable() bool {
	switch r {
	case ReasonExitError, ReasonStall, ReasonSpawnError, ReasonError:
		return true
	default:
		return false
	}
}

// Attempt is one spawn-to-exit cycle of the download tool.
type Attempt struct {
	Number    int
	ProcessID string
	PID       int
	Start     time.Time
	End       time.Time

	// ExitCode is -1 when the child never started or ended on a signal.
	ExitCode    int
	State       string
	Reason      StopReason
	Err         error
	LastPercent int
	LastSpeed   float64
	SlowWindows int
	Pressure    *resources.Pressure
}

func (a *Attempt) Duration() time.Duration {
	if a.End.IsZero() {
		return time.Since(a.Start)
	}
	return a.End.Sub(a.Start)
}

// Session is every attempt made for one model. It is mutated only by the
// goroutine running Controller.Run.
type Session struct {
	ID       string
	Model    string
	Config   Config
	Gated    bool
	Start    time.Time
	End      time.Time
	Retries  int
	Pauses   int
	Outcome  Outcome
	Attempts []*Attempt
}

func newSession(cfg Config, gated bool) *Session {
	return &Session{
		ID:     uuid.New().String(),
		Model:  cfg.Model,
		Config: cfg,
		Gated:  gated,
		Start:  time.Now(),
	}
}

func (s *Session) Elapsed() time.Duration {
	if s.End.IsZero() {
		return time.Since(s.Start)
	}
	return s.End.Sub(s.Start)
}

// LastAttempt returns nil before the first spawn.
func (s *Session) LastAttempt() *Attempt {
	if len(s.Attempts) == 0 {
		return nil
	}
	return s.Attempts[len(s.Attempts)-1]
}

func (s *Session) Succeeded() bool {
	return s.Outcome == OutcomeSucceeded
}
