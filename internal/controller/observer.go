package controller

import (
	"time"

	"github.com/tanq16/pullguard/internal/monitor"
	"github.com/tanq16/pullguard/internal/resources"
)

// Observer receives session events. Reading is called from the speed
// monitor goroutine; every other method is called from the goroutine
// running Controller.Run.
type Observer interface {
	SessionStarted(s *Session)
	AttemptStarted(s *Session, a *Attempt)
	Reading(s *Session, r monitor.Reading)
	AttemptEnded(s *Session, a *Attempt)
	Retrying(s *Session, a *Attempt)
	Paused(s *Session, p resources.Pressure, d time.Duration)
	PauseTick(s *Session, remaining time.Duration)
	Resumed(s *Session)
	SessionEnded(s *Session)
}

// NopObserver can be embedded to implement only part of Observer.
type NopObserver struct{}

func (NopObserver) SessionStarted(*Session) {}
func (NopObserver) AttemptStarted(*Session, *Attempt) {}
func (NopObserver) Reading(*Session, monitor.Reading) {}
func (NopObserver) AttemptEnded(*Session, *Attempt) {}
func (NopObserver) Retrying(*Session, *Attempt) {}
func (NopObserver) Paused(*Session, resources.Pressure, time.Duration) {}
func (NopObserver) PauseTick(*Session, time.Duration) {}
func (NopObserver) Resumed(*Session) {}
func (NopObserver) SessionEnded(*Session) {}

type observers []Observer

func (o observers) each(fn func(Observer)) {
	for _, obs := range o {
		fn(obs)
	}
}
