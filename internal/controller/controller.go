package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/pullguard/internal/monitor"
	"github.com/tanq16/pullguard/internal/process"
	"github.com/tanq16/pullguard/internal/resources"
	"github.com/tanq16/pullguard/internal/tap"
)

const DefaultCountdownStep = 10 * time.Second

var ErrInvalidConfig = errors.New("invalid controller config")

type Config struct {
	Model         string
	SpeedFloor    float64 // MB/s
	CheckInterval time.Duration
	PollInterval  time.Duration
	MaxRetries    int
	PauseDuration time.Duration
	CountdownStep time.Duration
	TapCapacity   int
}

func (c Config) validate() error {
	switch {
	case c.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	case c.SpeedFloor <= 0:
		return fmt.Errorf("%w: speed floor must be positive", ErrInvalidConfig)
	case c.CheckInterval <= 0:
		return fmt.Errorf("%w: check interval must be positive", ErrInvalidConfig)
	case c.MaxRetries <= 0:
		return fmt.Errorf("%w: max retries must be positive", ErrInvalidConfig)
	case c.PauseDuration < 0:
		return fmt.Errorf("%w: pause duration must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Controller drives one session: it spawns the download tool, watches it
// with the speed monitor and the optional resource gate, and decides after
// every attempt whether to retry, pause, or stop.
type Controller struct {
	cfg       Config
	sup       *process.Supervisor
	gate      *resources.Gate
	log       zerolog.Logger
	live      io.Writer
	observers observers
}

type Option func(*Controller)

// WithGate enables pausing on host resource pressure.
func WithGate(g *resources.Gate) Option {
	return func(c *Controller) {
		c.gate = g
	}
}

// WithLogger sets the session log.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.log = logger
	}
}

// WithLiveOutput forwards the child's output as it is written.
func WithLiveOutput(w io.Writer) Option {
	return func(c *Controller) {
		c.live = w
	}
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

func New(cfg Config, sup *process.Supervisor, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = monitor.DefaultPollInterval
	}
	if cfg.CountdownStep <= 0 {
		cfg.CountdownStep = DefaultCountdownStep
	}
	if cfg.TapCapacity <= 0 {
		cfg.TapCapacity = tap.DefaultCapacity
	}
	c := &Controller{
		cfg: cfg,
		sup: sup,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run blocks until the model is pulled, the retry budget is spent, or ctx
// is cancelled. No child process or monitor goroutine outlives it.
func (c *Controller) Run(ctx context.Context) *Session {
	s := newSession(c.cfg, c.gate != nil)
	c.log.Info().Str("op", "controller/run").Str("session", s.ID).Msgf("starting download of model: %s", s.Model)
	c.log.Info().Str("op", "controller/run").Msgf("speed threshold: %.2f MB/s, check interval: %s, max retries: %d", c.cfg.SpeedFloor, c.cfg.CheckInterval, c.cfg.MaxRetries)
	c.observers.each(func(o Observer) { o.SessionStarted(s) })

loop:
	for s.Retries < c.cfg.MaxRetries {
		if ctx.Err() != nil {
			s.Outcome = OutcomeCancelled
			break
		}
		a := c.runAttempt(ctx, s)
		s.Attempts = append(s.Attempts, a)
		c.observers.each(func(o Observer) { o.AttemptEnded(s, a) })

		switch {
		case a.Reason == ReasonCompleted:
			s.Outcome = OutcomeSucceeded
			c.log.Info().Str("op", "controller/run").Msgf("model %s downloaded", s.Model)
			break loop
		case a.Reason == ReasonInterrupted:
			s.Outcome = OutcomeCancelled
			c.log.Warn().Str("op", "controller/run").Msg("download interrupted by user")
			break loop
		case a.Reason == ReasonPressure:
			s.Pauses++
			if !c.pause(ctx, s, *a.Pressure) {
				s.Outcome = OutcomeCancelled
				c.log.Warn().Str("op", "controller/run").Msg("download interrupted by user during pause")
				break loop
			}
		case a.Reason.Retryable():
			s.Retries++
			c.log.Info().Str("op", "controller/run").Msgf("retry %d/%d", s.Retries, c.cfg.MaxRetries)
			c.observers.each(func(o Observer) { o.Retrying(s, a) })
		}
	}
	if s.Outcome == OutcomePending {
		s.Outcome = OutcomeFailed
		c.log.Error().Str("op", "controller/run").Msgf("giving up on %s after %d retries", s.Model, s.Retries)
	}

	s.End = time.Now()
	c.log.Info().Str("op", "controller/run").Msgf("total download time: %.2f seconds", s.Elapsed().Seconds())
	c.log.Info().Str("op", "controller/run").Msgf("total retries: %d", s.Retries)
	c.log.Info().Str("op", "controller/run").Msgf("total pauses: %d", s.Pauses)
	c.observers.each(func(o Observer) { o.SessionEnded(s) })
	return s
}

func (c *Controller) runAttempt(ctx context.Context, s *Session) *Attempt {
	a := &Attempt{Number: len(s.Attempts) + 1, Start: time.Now(), ExitCode: -1}
	log := c.log.With().Int("attempt", a.Number).Logger()

	tp := tap.New(c.live, c.cfg.TapCapacity)
	defer tp.Close()

	proc, err := c.sup.Spawn(tp, "pull", s.Model)
	if err != nil {
		a.End = time.Now()
		a.Reason = ReasonSpawnError
		a.Err = err
		a.State = process.StateCreated.String()
		log.Error().Str("op", "controller/attempt").Err(err).Msg("error starting download tool")
		return a
	}
	a.ProcessID = proc.ID
	a.PID = proc.PID()
	log.Info().Str("op", "controller/attempt").Int("pid", a.PID).Msgf("spawned %s pull %s", proc.Name, s.Model)
	c.observers.each(func(o Observer) { o.AttemptStarted(s, a) })

	attemptCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	stalls := make(chan monitor.Stall, 1)
	pressure := make(chan resources.Pressure, 1)

	mon := monitor.NewSpeed(tp, monitor.Config{
		SpeedFloor:    c.cfg.SpeedFloor,
		CheckInterval: c.cfg.CheckInterval,
		PollInterval:  c.cfg.PollInterval,
	}, log)
	mon.OnReading(func(r monitor.Reading) {
		c.observers.each(func(o Observer) { o.Reading(s, r) })
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(attemptCtx, stalls)
	}()
	if c.gate != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.gate.Run(attemptCtx, pressure)
		}()
	}

	select {
	case <-proc.Done():
		c.classifyExit(a, proc)
	case st := <-stalls:
		log.Warn().Str("op", "controller/attempt").Msgf("stalled at %d%% (%.2f MB/s for %d checks)", st.Percent, st.Speed, st.SlowWindows)
		c.stop(a, proc, ReasonStall, log)
	case p := <-pressure:
		a.Pressure = &p
		log.Warn().Str("op", "controller/attempt").Msgf("resource pressure (CPU: %.1f%%, memory: %.1f%%)", p.CPU, p.Memory)
		c.stop(a, proc, ReasonPressure, log)
	case <-ctx.Done():
		c.stop(a, proc, ReasonInterrupted, log)
	}

	cancel()
	wg.Wait()

	a.End = time.Now()
	a.LastPercent = mon.LastPercent()
	a.LastSpeed = mon.LastSpeed()
	a.SlowWindows = mon.SlowWindows()
	if a.Reason == ReasonExitError {
		tail, _ := tp.Tail(0)
		log.Debug().Str("op", "controller/attempt").Str("tail", tail).Msg("output before exit")
	}
	log.Info().Str("op", "controller/attempt").Msgf("attempt ended: %s (exit code %d, %s)", a.Reason, a.ExitCode, a.State)
	return a
}

// stop terminates the child on behalf of reason. A child that already
// exited on its own is classified by its exit code instead.
func (c *Controller) stop(a *Attempt, proc *process.Process, reason StopReason, log zerolog.Logger) {
	signaled, err := proc.Terminate(c.sup.GracePeriod())
	if err != nil {
		log.Error().Str("op", "controller/stop").Err(err).Msg("error terminating download tool")
	}
	if !signaled {
		c.classifyExit(a, proc)
		if a.Reason == ReasonCompleted {
			return
		}
	}
	a.ExitCode = proc.ExitCode()
	a.State = proc.State().String()
	a.Reason = reason
}

func (c *Controller) classifyExit(a *Attempt, proc *process.Process) {
	code, err := proc.Wait()
	a.ExitCode = code
	a.State = proc.State().String()
	switch {
	case code == 0 && err == nil:
		a.Reason = ReasonCompleted
	case code > 0 || proc.State() == process.StateKilled:
		a.Reason = ReasonExitError
		a.Err = err
	default:
		a.Reason = ReasonError
		a.Err = err
	}
}

// pause waits out a resource pause, reporting the remaining time every
// countdown step. It returns false if ctx was cancelled first.
func (c *Controller) pause(ctx context.Context, s *Session, p resources.Pressure) bool {
	d := c.cfg.PauseDuration
	c.log.Warn().Str("op", "controller/pause").Msgf("system resource usage too high, pausing download for %s", d)
	c.observers.each(func(o Observer) { o.Paused(s, p, d) })

	deadline := time.Now().Add(d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(c.cfg.CountdownStep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			c.log.Info().Str("op", "controller/pause").Msg("resuming download")
			c.observers.each(func(o Observer) { o.Resumed(s) })
			return true
		case <-ticker.C:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				continue
			}
			c.log.Info().Str("op", "controller/pause").Msgf("paused, %s remaining", remaining.Round(time.Second))
			c.observers.each(func(o Observer) { o.PauseTick(s, remaining) })
		}
	}
}
