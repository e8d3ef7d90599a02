package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/tanq16/pullguard/internal/utils"
)

// DefaultConfigFile is read from the working directory when no --config
// flag is given and the file exists.
const DefaultConfigFile = "pullguard.yaml"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	SpeedThreshold   float64       `mapstructure:"speed_threshold"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	MaxRetries       int           `mapstructure:"max_retries"`
	ResourceGate     bool          `mapstructure:"resource_gate"`
	CPUThreshold     float64       `mapstructure:"cpu_threshold"`
	MemoryThreshold  float64       `mapstructure:"memory_threshold"`
	PauseDuration    time.Duration `mapstructure:"pause_duration"`
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	Command          string        `mapstructure:"command"`
	LogDir           string        `mapstructure:"log_dir"`
	HistoryDB        string        `mapstructure:"history_db"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	Archive          ArchiveConfig `mapstructure:"archive"`
	Debug            bool          `mapstructure:"debug"`
}

// ArchiveConfig controls uploading finished session logs to S3. An empty
// bucket disables it.
type ArchiveConfig struct {
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Profile string `mapstructure:"profile"`
}

// SetDefaults registers every key so environment overrides apply even when
// no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("speed_threshold", 10.0)
	v.SetDefault("check_interval", "3s")
	v.SetDefault("max_retries", 50)
	v.SetDefault("resource_gate", true)
	v.SetDefault("cpu_threshold", 80.0)
	v.SetDefault("memory_threshold", 80.0)
	v.SetDefault("pause_duration", "60s")
	v.SetDefault("resource_interval", "30s")
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("grace_period", "5s")
	v.SetDefault("command", utils.DefaultCommand)
	v.SetDefault("log_dir", utils.DefaultLogDir)
	v.SetDefault("history_db", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", utils.AppName+"/")
	v.SetDefault("archive.profile", "default")
	v.SetDefault("debug", false)
}

// Load resolves configuration from flags already bound to v, PULLGUARD_*
// environment variables (including a local .env), the config file and
// defaults, in that order of precedence.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	SetDefaults(v)
	v.SetEnvPrefix(utils.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			configFile = DefaultConfigFile
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.DecodeHookFuncType(durationHook))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// durationHook reads bare numbers as seconds and strings as either seconds
// or Go durations.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return utils.ParseDurationOrSeconds(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

func (c *Config) Validate() error {
	switch {
	case c.SpeedThreshold <= 0:
		return fmt.Errorf("%w: speed_threshold must be positive", ErrInvalid)
	case c.CheckInterval <= 0:
		return fmt.Errorf("%w: check_interval must be positive", ErrInvalid)
	case c.MaxRetries <= 0:
		return fmt.Errorf("%w: max_retries must be positive", ErrInvalid)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalid)
	case c.GracePeriod <= 0:
		return fmt.Errorf("%w: grace_period must be positive", ErrInvalid)
	case c.Command == "":
		return fmt.Errorf("%w: command is required", ErrInvalid)
	case c.LogDir == "":
		return fmt.Errorf("%w: log_dir is required", ErrInvalid)
	}
	if c.ResourceGate {
		switch {
		case c.CPUThreshold <= 0 || c.CPUThreshold > 100:
			return fmt.Errorf("%w: cpu_threshold must be between 0 and 100", ErrInvalid)
		case c.MemoryThreshold <= 0 || c.MemoryThreshold > 100:
			return fmt.Errorf("%w: memory_threshold must be between 0 and 100", ErrInvalid)
		case c.PauseDuration < 0:
			return fmt.Errorf("%w: pause_duration must not be negative", ErrInvalid)
		case c.ResourceInterval <= 0:
			return fmt.Errorf("%w: resource_interval must be positive", ErrInvalid)
		}
	}
	return nil
}

// HistoryPath is where session history is stored.
func (c *Config) HistoryPath() string {
	if c.HistoryDB != "" {
		return c.HistoryDB
	}
	return filepath.Join(c.LogDir, utils.HistoryDBName)
}

// loadEnvFiles loads .env and then .env.local, both optional.
func loadEnvFiles() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Overload(".env.local"); err != nil {
			return fmt.Errorf("failed to load .env.local: %w", err)
		}
	}
	return nil
}
