package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/adapt"
	"github.com/govwarc/crawlpilot/internal/clock"
	"github.com/govwarc/crawlpilot/internal/config"
	"github.com/govwarc/crawlpilot/internal/container"
	"github.com/govwarc/crawlpilot/internal/diag"
	"github.com/govwarc/crawlpilot/internal/jobstate"
	"github.com/govwarc/crawlpilot/internal/logging"
	"github.com/govwarc/crawlpilot/internal/metrics"
	"github.com/govwarc/crawlpilot/internal/orchestrator"
)

// newRunCmd creates and configures the 'run' subcommand. Arguments after
// "--" are forwarded verbatim to the crawler container.
func newRunCmd() *cobra.Command {
	v := viper.New()
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run [flags] [-- crawler args...]",
		Short: "Runs one crawl job end to end",
		Long: `Runs a single crawl job: picks fresh/resume/consolidation mode from the
output directory's prior state, supervises bounded crawl attempts, and
produces the final merged archive on success.`,

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			cfg.Job.ExtraArgs = append(cfg.Job.ExtraArgs, args...)
			return runJob(cmd.Context(), cfg, dryRun)
		},
	}

	fl := cmd.Flags()
	fl.StringSlice("seeds", nil, "seed URLs to crawl")
	fl.String("name", "", "job name (also names the final artifact)")
	fl.String("output-dir", "", "host directory for state, logs, and artifacts")
	fl.Int("workers", 4, "initial crawler worker count")
	fl.String("image", "", "crawler container image")
	fl.String("runtime", "docker", "container runtime binary (docker or podman)")
	fl.Bool("monitor", true, "follow the container log stream for progress and errors")
	fl.Int("stall-timeout", 30, "minutes without progress before a stall fires")
	fl.Int("timeout-threshold", 10, "timeout errors before an error event fires")
	fl.Int("http-threshold", 25, "HTTP/network errors before an error event fires")
	fl.Bool("adapt", true, "react to stalls and error thresholds")
	fl.Int("max-attempts", 3, "hard ceiling on failed crawl attempts")
	fl.Bool("overwrite", false, "discard an existing final artifact and start over")
	fl.Bool("cleanup", false, "remove temp dirs and state after a successful run")
	fl.BoolVar(&dryRun, "dry-run", false, "validate configuration and print the plan without starting a container")

	bind := func(key, flag string) {
		cobra.CheckErr(v.BindPFlag(key, fl.Lookup(flag)))
	}
	bind("job.seeds", "seeds")
	bind("job.name", "name")
	bind("job.output_dir", "output-dir")
	bind("job.initial_workers", "workers")
	bind("job.overwrite", "overwrite")
	bind("job.cleanup", "cleanup")
	bind("container.image", "image")
	bind("container.runtime_bin", "runtime")
	bind("monitor.enabled", "monitor")
	bind("monitor.stall_timeout_minutes", "stall-timeout")
	bind("monitor.error_threshold_timeout", "timeout-threshold")
	bind("monitor.error_threshold_http", "http-threshold")
	bind("adapt.enabled", "adapt")
	bind("stages.max_attempts", "max-attempts")

	return cmd
}

func runJob(ctx context.Context, cfg config.Config, dryRun bool) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Job.Name)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if dryRun {
		printPlan(cfg)
		return nil
	}

	if err := os.MkdirAll(cfg.Job.OutputDir, 0o755); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}

	rt := container.NewCLIRuntime(cfg.Container.RuntimeBin)
	if err := rt.Ping(ctx); err != nil {
		return err
	}

	metrics.Init()
	clk := clock.NewSystem()

	st, err := jobstate.Open(cfg.Job.OutputDir, cfg.Job.InitialWorkers, clk, logger)
	if err != nil {
		return err
	}

	sup := container.NewSupervisor(rt, cfg.Container.Image, cfg.Job.OutputDir, cfg.Container.StopGrace(), clk, logger)

	var reactor orchestrator.Reactor
	if cfg.Adapt.Enabled {
		var rotator adapt.Rotator
		if cfg.Adapt.RotationEnabled {
			rotator = adapt.NewCommandRotator(cfg.Adapt.RotateCmd)
		}
		reactor = adapt.New(st, adapt.Config{
			WorkerReductionEnabled: cfg.Adapt.WorkerReductionEnabled,
			MaxWorkerReductions:    cfg.Adapt.MaxWorkerReductions,
			WorkerFloor:            cfg.Adapt.WorkerFloor,
			RotationEnabled:        cfg.Adapt.RotationEnabled,
			MaxVPNRotations:        cfg.Adapt.MaxVPNRotations,
			RotationInterval:       cfg.Adapt.RotationInterval(),
			RestartEnabled:         cfg.Adapt.RestartEnabled,
			MaxContainerRestarts:   cfg.Adapt.MaxContainerRestarts,
		}, rotator, clk, logger)
	}

	if cfg.Diag.Enabled {
		if err := diag.NewServer(st, logger).Start(ctx, cfg.Diag.Port); err != nil {
			return err
		}
	}

	orch := orchestrator.New(cfg, st, sup, rt, reactor, clk, logger)
	result, err := orch.Run(ctx)
	switch result {
	case orchestrator.ResultSuccess:
		logger.Info("job succeeded", zap.String("job", cfg.Job.Name))
		return nil
	case orchestrator.ResultStopped:
		return errors.New("job stopped before completion")
	default:
		return fmt.Errorf("job %s: %w", result, err)
	}
}

func printPlan(cfg config.Config) {
	fmt.Printf("job:        %s\n", cfg.Job.Name)
	fmt.Printf("seeds:      %s\n", strings.Join(cfg.Job.Seeds, ", "))
	fmt.Printf("output dir: %s\n", cfg.Job.OutputDir)
	fmt.Printf("image:      %s (via %s)\n", cfg.Container.Image, cfg.Container.RuntimeBin)
	fmt.Printf("workers:    %d\n", cfg.Job.InitialWorkers)
	fmt.Printf("monitor:    enabled=%t stall=%dm thresholds timeout=%d http=%d\n",
		cfg.Monitor.Enabled, cfg.Monitor.StallTimeoutMinutes,
		cfg.Monitor.ErrorThresholdTimeout, cfg.Monitor.ErrorThresholdHTTP)
	fmt.Printf("adapt:      enabled=%t reductions<=%d rotations<=%d restarts<=%d\n",
		cfg.Adapt.Enabled, cfg.Adapt.MaxWorkerReductions,
		cfg.Adapt.MaxVPNRotations, cfg.Adapt.MaxContainerRestarts)
	fmt.Printf("attempts:   up to %d, backoff %ds\n", cfg.Stages.MaxAttempts, cfg.Stages.BackoffSeconds)
	if len(cfg.Job.ExtraArgs) > 0 {
		fmt.Printf("extra args: %s\n", strings.Join(cfg.Job.ExtraArgs, " "))
	}
	fmt.Println("dry run: no container started")
}
