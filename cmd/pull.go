package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/pullguard/internal/archive"
	"github.com/tanq16/pullguard/internal/controller"
	"github.com/tanq16/pullguard/internal/history"
	"github.com/tanq16/pullguard/internal/metrics"
	"github.com/tanq16/pullguard/internal/output"
	"github.com/tanq16/pullguard/internal/process"
	"github.com/tanq16/pullguard/internal/resources"
	"github.com/tanq16/pullguard/internal/sessionlog"
	"github.com/tanq16/pullguard/internal/utils"
)

func newPullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pull MODEL",
		Short: "Download one model, restarting on stalls",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a.pull(cmd.Context(), args[0])
		},
	}
}

func (a *app) pull(ctx context.Context, model string) {
	rt, err := a.newRuntime()
	if err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
	s, err := rt.session(ctx, model, 0)
	rt.close()
	if err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
	if s.Outcome == controller.OutcomeFailed {
		os.Exit(1)
	}
}

// runtime holds what outlives a single session: the metrics registry and
// server and the history store.
type runtime struct {
	app     *app
	metrics *metrics.Metrics
	server  *metrics.Server
	store   *history.Store
}

func (a *app) newRuntime() (*runtime, error) {
	rt := &runtime{app: a}
	cfg := a.cfg

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m, err := metrics.New(reg)
		if err != nil {
			return nil, err
		}
		srv, err := metrics.Listen(cfg.MetricsAddr, reg, utils.GetLogger("metrics"))
		if err != nil {
			return nil, err
		}
		rt.metrics, rt.server = m, srv
	}

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		// history is best effort
		log.Warn().Str("op", "cmd/runtime").Err(err).Msg("session history disabled")
	} else {
		rt.store = store
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rt.server.Shutdown(ctx)
		cancel()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// session runs one model to completion, failure or cancellation. A
// maxRetries of zero uses the configured budget.
func (rt *runtime) session(ctx context.Context, model string, maxRetries int) (*controller.Session, error) {
	cfg := rt.app.cfg
	if maxRetries <= 0 {
		maxRetries = cfg.MaxRetries
	}

	var extra []io.Writer
	if cfg.Debug {
		extra = append(extra, os.Stderr)
	}
	sessLog, err := sessionlog.Open(cfg.LogDir, model, time.Now(), extra...)
	if err != nil {
		return nil, err
	}
	defer sessLog.Close()

	console := output.NewConsole(os.Stdout)
	banner := output.Banner{
		Model:         model,
		SpeedFloor:    cfg.SpeedThreshold,
		CheckInterval: cfg.CheckInterval,
		MaxRetries:    maxRetries,
		CPUCeiling:    cfg.CPUThreshold,
		MemoryCeiling: cfg.MemoryThreshold,
		PauseDuration: cfg.PauseDuration,
		LogPath:       sessLog.Path,
	}

	sup := process.NewSupervisor(cfg.Command,
		process.WithGracePeriod(cfg.GracePeriod),
		process.WithLogger(sessLog.Logger),
	)
	opts := []controller.Option{
		controller.WithLogger(sessLog.Logger),
		controller.WithLiveOutput(os.Stdout),
		controller.WithObserver(console),
	}

	if cfg.ResourceGate {
		sampler, err := resources.NewHostSampler()
		switch {
		case errors.Is(err, resources.ErrUnsupported):
			output.PrintWarning("Resource monitoring is not supported on this platform, continuing without it")
			sessLog.Logger.Warn().Str("op", "cmd/session").Msg("resource monitoring unsupported, gate disabled")
		case err != nil:
			return nil, err
		default:
			banner.Gated = true
			gate := resources.NewGate(sampler, resources.Config{
				CPUCeiling:    cfg.CPUThreshold,
				MemoryCeiling: cfg.MemoryThreshold,
				Interval:      cfg.ResourceInterval,
			}, sessLog.Logger)
			opts = append(opts, controller.WithGate(gate))
		}
	}

	if rt.metrics != nil {
		opts = append(opts, controller.WithObserver(rt.metrics))
	}
	if rt.store != nil {
		opts = append(opts, controller.WithObserver(history.NewRecorder(rt.store, sessLog.Logger)))
	}
	if cfg.Archive.Bucket != "" {
		arch, err := archive.New(ctx, archive.Config{
			Bucket:  cfg.Archive.Bucket,
			Prefix:  cfg.Archive.Prefix,
			Profile: cfg.Archive.Profile,
		}, sessLog.Path, sessLog.Logger)
		if err != nil {
			sessLog.Logger.Error().Str("op", "cmd/session").Err(err).Msg("session log archiving disabled")
		} else {
			opts = append(opts, controller.WithObserver(arch))
		}
	}

	ctrl, err := controller.New(controller.Config{
		Model:         model,
		SpeedFloor:    cfg.SpeedThreshold,
		CheckInterval: cfg.CheckInterval,
		PollInterval:  cfg.PollInterval,
		MaxRetries:    maxRetries,
		PauseDuration: cfg.PauseDuration,
	}, sup, opts...)
	if err != nil {
		return nil, err
	}

	console.Banner(banner)
	return ctrl.Run(ctx), nil
}
