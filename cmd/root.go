package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tanq16/pullguard/internal/config"
	"github.com/tanq16/pullguard/internal/utils"
)

var PullguardVersion = "dev"

// app carries state shared by every subcommand of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"speed-threshold":   "speed_threshold",
	"check-interval":    "check_interval",
	"max-retries":       "max_retries",
	"resource-gate":     "resource_gate",
	"cpu-threshold":     "cpu_threshold",
	"memory-threshold":  "memory_threshold",
	"pause-duration":    "pause_duration",
	"resource-interval": "resource_interval",
	"grace-period":      "grace_period",
	"command":           "command",
	"log-dir":           "log_dir",
	"history-db":        "history_db",
	"metrics-addr":      "metrics_addr",
	"archive-bucket":    "archive.bucket",
	"archive-prefix":    "archive.prefix",
	"aws-profile":       "archive.profile",
	"debug":             "debug",
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "pullguard [MODEL]",
		Short: "Pullguard keeps ollama model downloads moving",
		Long: "Pullguard runs 'ollama pull', restarts it when throughput stalls, pauses it while\n" +
			"the host is under CPU or memory pressure and gives up after a retry budget.",
		Version:       PullguardVersion,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.Flags())
		},
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 {
				cmd.Help()
				return
			}
			a.pull(cmd.Context(), args[0])
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Config file (default ./"+config.DefaultConfigFile+" if present)")
	flags.Float64P("speed-threshold", "s", 10, "Minimum download speed in MB/s")
	flags.StringP("check-interval", "i", "3s", "Interval between speed checks (seconds or duration)")
	flags.IntP("max-retries", "r", 50, "Maximum number of retries")
	flags.Bool("resource-gate", true, "Pause the download while CPU or memory usage is too high")
	flags.Float64("cpu-threshold", 80, "CPU usage percent that triggers a pause")
	flags.Float64("memory-threshold", 80, "Memory usage percent that triggers a pause")
	flags.StringP("pause-duration", "p", "60s", "How long to pause under resource pressure (seconds or duration)")
	flags.String("resource-interval", "30s", "Interval between resource checks (seconds or duration)")
	flags.String("grace-period", "5s", "Time to wait after SIGTERM before killing the download tool")
	flags.String("command", utils.DefaultCommand, "Download tool to run as '<command> pull MODEL'")
	flags.String("log-dir", utils.DefaultLogDir, "Directory for session logs")
	flags.String("history-db", "", "Session history database (default <log-dir>/"+utils.HistoryDBName+")")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9110)")
	flags.String("archive-bucket", "", "Upload finished session logs to this S3 bucket")
	flags.String("archive-prefix", utils.AppName+"/", "Key prefix for archived session logs")
	flags.String("aws-profile", "default", "AWS shared config profile used for archiving")
	flags.Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newPullCmd(a))
	rootCmd.AddCommand(newBatchCmd(a))
	rootCmd.AddCommand(newHistoryCmd(a))
	rootCmd.AddCommand(newCleanCmd(a))
	return rootCmd
}

// load resolves configuration once flags are parsed.
func (a *app) load(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("error binding flag %s: %w", name, err)
			}
		}
	}
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	utils.InitLogger(cfg.Debug)
	log.Debug().Str("op", "cmd/load").Msgf("configuration loaded: %+v", *cfg)
	return nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	utils.InitLogger(false)
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
