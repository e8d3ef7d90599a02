// Package metrics exposes session counters and gauges in Prometheus form.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tanq16/pullguard/internal/controller"
	"github.com/tanq16/pullguard/internal/monitor"
	"github.com/tanq16/pullguard/internal/resources"
)

const namespace = "pullguard"

// Metrics records session events. Every metric is labelled by model.
type Metrics struct {
	controller.NopObserver

	attemptsTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	pausesTotal     *prometheus.CounterVec
	stallsTotal     *prometheus.CounterVec
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	speed           *prometheus.GaugeVec
	percent         *prometheus.GaugeVec
	slowWindows     *prometheus.GaugeVec
	running         *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Download attempts by how they ended.",
		}, []string{"model", "reason"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Attempts that consumed a retry.",
		}, []string{"model"}),
		pausesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pauses_total",
			Help:      "Pauses caused by host resource pressure.",
		}, []string{"model", "resource"}),
		stallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalls_total",
			Help:      "Attempts restarted because throughput stayed below the threshold.",
		}, []string{"model"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome.",
		}, []string{"model", "outcome"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time of finished sessions.",
			// 10s to ~11h
			Buckets: prometheus.ExponentialBuckets(10, 2, 13),
		}, []string{"model", "outcome"}),
		speed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_speed_megabytes",
			Help:      "Most recent throughput in MB/s.",
		}, []string{"model"}),
		percent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_progress_percent",
			Help:      "Highest percent reported in the current attempt.",
		}, []string{"model"}),
		slowWindows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slow_windows",
			Help:      "Consecutive check intervals below the speed threshold.",
		}, []string{"model"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attempt_running",
			Help:      "1 while a download tool process is alive.",
		}, []string{"model"}),
	}

	for _, c := range []prometheus.Collector{
		m.attemptsTotal, m.retriesTotal, m.pausesTotal, m.stallsTotal, m.sessionsTotal,
		m.sessionDuration, m.speed, m.percent, m.slowWindows, m.running,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("error registering metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) AttemptStarted(s *controller.Session, a *controller.Attempt) {
	m.running.WithLabelValues(s.Model).Set(1)
	m.percent.WithLabelValues(s.Model).Set(0)
	m.slowWindows.WithLabelValues(s.Model).Set(0)
}

func (m *Metrics) Reading(s *controller.Session, r monitor.Reading) {
	m.speed.WithLabelValues(s.Model).Set(r.Speed)
	m.percent.WithLabelValues(s.Model).Set(float64(r.Percent))
	m.slowWindows.WithLabelValues(s.Model).Set(float64(r.SlowWindows))
}

func (m *Metrics) AttemptEnded(s *controller.Session, a *controller.Attempt) {
	m.running.WithLabelValues(s.Model).Set(0)
	m.attemptsTotal.WithLabelValues(s.Model, a.Reason.String()).Inc()
	if a.Reason == controller.ReasonStall {
		m.stallsTotal.WithLabelValues(s.Model).Inc()
	}
}

func (m *Metrics) Retrying(s *controller.Session, _ *controller.Attempt) {
	m.retriesTotal.WithLabelValues(s.Model).Inc()
}

func (m *Metrics) Paused(s *controller.Session, p resources.Pressure, _ time.Duration) {
	switch {
	case p.CPUOver && p.MemoryOver:
		m.pausesTotal.WithLabelValues(s.Model, "cpu+memory").Inc()
	case p.MemoryOver:
		m.pausesTotal.WithLabelValues(s.Model, "memory").Inc()
	default:
		m.pausesTotal.WithLabelValues(s.Model, "cpu").Inc()
	}
}

func (m *Metrics) SessionEnded(s *controller.Session) {
	outcome := s.Outcome.String()
	m.sessionsTotal.WithLabelValues(s.Model, outcome).Inc()
	m.sessionDuration.WithLabelValues(s.Model, outcome).Observe(s.Elapsed().Seconds())
}
