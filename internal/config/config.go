// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Job       JobConfig       `mapstructure:"job"`
	Container ContainerConfig `mapstructure:"container"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Adapt     AdaptConfig     `mapstructure:"adapt"`
	Stages    StageConfig     `mapstructure:"stages"`
	Diag      DiagConfig      `mapstructure:"diag"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// JobConfig identifies the crawl job and its inputs.
type JobConfig struct {
	Name           string   `mapstructure:"name"`
	Seeds          []string `mapstructure:"seeds"`
	OutputDir      string   `mapstructure:"output_dir"`
	InitialWorkers int      `mapstructure:"initial_workers"`
	ExtraArgs      []string `mapstructure:"extra_args"`
	Overwrite      bool     `mapstructure:"overwrite"`
	Cleanup        bool     `mapstructure:"cleanup"`
}

// ContainerConfig selects the crawler image and the runtime binary used
// to drive it.
type ContainerConfig struct {
	Image            string `mapstructure:"image"`
	RuntimeBin       string `mapstructure:"runtime_bin"`
	StopGraceSeconds int    `mapstructure:"stop_grace_seconds"`
}

// MonitorConfig governs log-stream monitoring and stall detection.
type MonitorConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	PollIntervalSeconds   int  `mapstructure:"poll_interval_seconds"`
	StatusIntervalSeconds int  `mapstructure:"status_interval_seconds"`
	StallTimeoutMinutes   int  `mapstructure:"stall_timeout_minutes"`
	ErrorThresholdTimeout int  `mapstructure:"error_threshold_timeout"`
	ErrorThresholdHTTP    int  `mapstructure:"error_threshold_http"`
}

// AdaptConfig bounds the adaptation strategies.
type AdaptConfig struct {
	Enabled                bool   `mapstructure:"enabled"`
	WorkerReductionEnabled bool   `mapstructure:"worker_reduction_enabled"`
	MaxWorkerReductions    int    `mapstructure:"max_worker_reductions"`
	WorkerFloor            int    `mapstructure:"worker_floor"`
	RotationEnabled        bool   `mapstructure:"rotation_enabled"`
	MaxVPNRotations        int    `mapstructure:"max_vpn_rotations"`
	RotationIntervalMin    int    `mapstructure:"rotation_interval_minutes"`
	RotateCmd              string `mapstructure:"rotate_cmd"`
	RestartEnabled         bool   `mapstructure:"restart_enabled"`
	MaxContainerRestarts   int    `mapstructure:"max_container_restarts"`
}

// StageConfig bounds the stage attempt loop.
type StageConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts"`
	BackoffSeconds int `mapstructure:"backoff_seconds"`
}

// DiagConfig controls the optional diagnostics listener.
type DiagConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment on top of the supplied viper
// instance, so cobra flag bindings are honored.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("CRAWLPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job.initial_workers", 4)
	v.SetDefault("container.image", "govwarc/site-crawler:latest")
	v.SetDefault("container.runtime_bin", "docker")
	v.SetDefault("container.stop_grace_seconds", 90)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.poll_interval_seconds", 30)
	v.SetDefault("monitor.status_interval_seconds", 60)
	v.SetDefault("monitor.stall_timeout_minutes", 30)
	v.SetDefault("monitor.error_threshold_timeout", 10)
	v.SetDefault("monitor.error_threshold_http", 25)
	v.SetDefault("adapt.enabled", true)
	v.SetDefault("adapt.worker_reduction_enabled", true)
	v.SetDefault("adapt.max_worker_reductions", 2)
	v.SetDefault("adapt.worker_floor", 1)
	v.SetDefault("adapt.rotation_enabled", false)
	v.SetDefault("adapt.max_vpn_rotations", 3)
	v.SetDefault("adapt.rotation_interval_minutes", 10)
	v.SetDefault("adapt.restart_enabled", true)
	v.SetDefault("adapt.max_container_restarts", 1)
	v.SetDefault("stages.max_attempts", 3)
	v.SetDefault("stages.backoff_seconds", 60)
	v.SetDefault("diag.enabled", false)
	v.SetDefault("diag.port", 8091)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Job.Name == "" {
		return fmt.Errorf("job.name is required")
	}
	if c.Job.OutputDir == "" {
		return fmt.Errorf("job.output_dir is required")
	}
	if c.Job.InitialWorkers <= 0 {
		return fmt.Errorf("job.initial_workers must be > 0")
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container.image is required")
	}
	if c.Container.RuntimeBin == "" {
		return fmt.Errorf("container.runtime_bin is required")
	}
	if c.Monitor.PollIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.poll_interval_seconds must be > 0")
	}
	if c.Monitor.StallTimeoutMinutes <= 0 {
		return fmt.Errorf("monitor.stall_timeout_minutes must be > 0")
	}
	if c.Adapt.WorkerFloor < 1 {
		return fmt.Errorf("adapt.worker_floor must be >= 1")
	}
	if c.Adapt.RotationEnabled && c.Adapt.RotateCmd == "" {
		return fmt.Errorf("adapt.rotate_cmd must be set when rotation is enabled")
	}
	if c.Stages.MaxAttempts <= 0 {
		return fmt.Errorf("stages.max_attempts must be > 0")
	}
	if c.Diag.Enabled && c.Diag.Port <= 0 {
		return fmt.Errorf("diag.port must be > 0 when diag is enabled")
	}
	return nil
}

// StallTimeout converts the configured stall threshold into a duration.
func (c MonitorConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMinutes) * time.Minute
}

// PollInterval converts the configured poll cadence into a duration.
func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StatusInterval converts the status print cadence into a duration.
func (c MonitorConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds) * time.Second
}

// StopGrace converts the graceful-stop window into a duration.
func (c ContainerConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// RotationInterval converts the minimum inter-rotation gap into a duration.
func (c AdaptConfig) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalMin) * time.Minute
}

// Backoff converts the retry delay into a duration.
func (c StageConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}
