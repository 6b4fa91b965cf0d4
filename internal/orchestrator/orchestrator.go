// Package orchestrator runs the top-level crawl state machine: pick a
// starting mode, drive bounded stage attempts through the supervisor and
// monitor, route stall/error events to the adaptation engine, and merge
// everything into the final artifact on success.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/adapt"
	"github.com/govwarc/crawlpilot/internal/clock"
	"github.com/govwarc/crawlpilot/internal/config"
	"github.com/govwarc/crawlpilot/internal/container"
	"github.com/govwarc/crawlpilot/internal/jobstate"
	"github.com/govwarc/crawlpilot/internal/metrics"
	"github.com/govwarc/crawlpilot/internal/monitor"
)

// Mode is the stage flavor of the next attempt.
type Mode string

// Stage modes. Fresh starts from the seed list, Resume continues from a
// persisted crawl frontier, NewPhaseWithConsolidation starts a new crawl
// phase because prior artifacts exist but no resume configuration does.
const (
	ModeFresh                     Mode = "fresh"
	ModeResume                    Mode = "resume"
	ModeNewPhaseWithConsolidation Mode = "newPhaseWithConsolidation"
)

// Outcome classifies one stage attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSuccess              Outcome = "success"
	OutcomeFailed               Outcome = "failed"
	OutcomeStopped              Outcome = "stopped"
	OutcomeStoppedForAdaptation Outcome = "stoppedForAdaptation"
)

// Result is the overall job outcome.
type Result string

// Job results.
const (
	ResultSuccess           Result = "success"
	ResultStopped           Result = "stopped"
	ResultFailedMaxAttempts Result = "failed_max_attempts"
	ResultFailedNoArtifacts Result = "failed_no_artifacts"
	ResultFailed            Result = "failed"
)

// Fatal-to-process and final-build errors.
var (
	ErrFinalArtifactExists = errors.New("final artifact already exists")
	ErrNoArtifacts         = errors.New("no crawl artifacts discovered")
)

// resumeConfigName is the stable copy of the newest crawler resume
// configuration, kept directly under the output directory so later attempts
// do not depend on an ephemeral temp directory surviving.
const resumeConfigName = "resume.yaml"

// tmpDirRe extracts in-container temp-dir paths from a combined log.
var tmpDirRe = regexp.MustCompile(`/crawls/(\.tmp[^\s"']+)`)

// Shutdown escalation: engine stop grace happens first via the supervisor,
// then these bound the waits before Terminate and Kill.
const (
	terminateWait = 10 * time.Second
	killWait      = 5 * time.Second
)

// Reactor decides how to respond to a stalled or error event. Satisfied by
// adapt.Engine; nil means adaptation is disabled and every event falls
// through to backoff.
type Reactor interface {
	React(ctx context.Context, trigger adapt.Trigger, containerID string) adapt.Decision
}

// Orchestrator owns the stage loop for one job.
type Orchestrator struct {
	cfg     config.Config
	state   *jobstate.State
	sup     *container.Supervisor
	runtime container.Runtime
	reactor Reactor
	clk     clock.Clock
	logger  *zap.Logger
}

// New wires an Orchestrator. reactor may be nil when adaptation is disabled.
func New(
	cfg config.Config,
	state *jobstate.State,
	sup *container.Supervisor,
	rt container.Runtime,
	reactor Reactor,
	clk clock.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		state:   state,
		sup:     sup,
		runtime: rt,
		reactor: reactor,
		clk:     clk,
		logger:  logger,
	}
}

// Run executes the whole job: mode selection, the attempt loop, and the
// final build. It returns a non-nil error alongside any Result other than
// ResultSuccess and ResultStopped.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	mode, err := o.selectMode()
	if err != nil {
		return ResultFailed, err
	}
	o.logger.Info("starting job",
		zap.String("job", o.cfg.Job.Name),
		zap.String("mode", string(mode)),
		zap.Int("workers", o.state.CurrentWorkers()))

	attempt := 1
	for {
		outcome, attemptErr := o.runAttempt(ctx, mode)
		metrics.ObserveStageAttempt(string(mode), string(outcome))

		switch outcome {
		case OutcomeSuccess:
			if err := o.finalBuild(ctx); err != nil {
				if errors.Is(err, ErrNoArtifacts) {
					return ResultFailedNoArtifacts, err
				}
				return ResultFailed, err
			}
			if o.cfg.Job.Cleanup {
				o.cleanup()
			}
			o.state.SetStatus(string(ResultSuccess))
			return ResultSuccess, nil

		case OutcomeStopped:
			o.state.SetStatus(string(ResultStopped))
			return ResultStopped, nil

		case OutcomeStoppedForAdaptation:
			// Retry the same logical step as a resume; the attempt is
			// not consumed.
			mode = ModeResume
			if !o.backoff(ctx) {
				o.state.SetStatus(string(ResultStopped))
				return ResultStopped, nil
			}

		case OutcomeFailed:
			o.logger.Warn("stage attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", o.cfg.Stages.MaxAttempts),
				zap.Error(attemptErr))
			if attempt >= o.cfg.Stages.MaxAttempts {
				o.state.SetStatus(string(ResultFailedMaxAttempts))
				if attemptErr == nil {
					attemptErr = fmt.Errorf("crawl failed after %d attempts", attempt)
				}
				return ResultFailedMaxAttempts, attemptErr
			}
			attempt++
			mode = ModeResume
			if !o.backoff(ctx) {
				o.state.SetStatus(string(ResultStopped))
				return ResultStopped, nil
			}
		}
	}
}

// selectMode decides the starting stage exactly once, from the final
// artifact, any discoverable resume configuration, and prior temp dirs.
func (o *Orchestrator) selectMode() (Mode, error) {
	artifact := o.finalArtifactPath()
	if _, err := os.Stat(artifact); err == nil {
		if !o.cfg.Job.Overwrite {
			return "", fmt.Errorf("%w: %s (pass --overwrite to discard it)", ErrFinalArtifactExists, artifact)
		}
		if err := os.Remove(artifact); err != nil {
			return "", fmt.Errorf("remove final artifact for overwrite: %w", err)
		}
		if err := o.state.ResetForOverwrite(); err != nil {
			return "", err
		}
		o.logger.Info("overwriting previous run", zap.String("artifact", artifact))
		return ModeFresh, nil
	}

	if p := o.newestResumeConfig(); p != "" {
		o.logger.Info("resume configuration found", zap.String("path", p))
		return ModeResume, nil
	}
	if len(o.state.TempDirs()) > 0 || len(o.scanTempDirs()) > 0 {
		o.logger.Info("prior artifacts without resume configuration; starting a new phase")
		return ModeNewPhaseWithConsolidation, nil
	}

	if err := o.state.ResetAdaptationCounts(); err != nil {
		return "", err
	}
	return ModeFresh, nil
}

func (o *Orchestrator) finalArtifactPath() string {
	return filepath.Join(o.cfg.Job.OutputDir, o.cfg.Job.Name+".wacz")
}

// runAttempt drives one container execution from start to classified exit.
func (o *Orchestrator) runAttempt(ctx context.Context, mode Mode) (Outcome, error) {
	args, err := o.resolveArgs(mode)
	if err != nil {
		return OutcomeFailed, err
	}

	h, err := o.sup.Start(ctx, string(mode), args, false)
	if err != nil {
		return OutcomeFailed, err
	}
	o.state.BeginAttempt(string(mode))
	o.logger.Info("stage attempt started",
		zap.String("stage", string(mode)),
		zap.String("container", h.ContainerID),
		zap.String("log", h.CombinedLog))

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var events <-chan monitor.Event
	var monDone <-chan struct{}
	if o.cfg.Monitor.Enabled && h.ContainerID != "" {
		mon := monitor.New(o.state, o.runtime, h.Proc, h.ContainerID, monitor.Config{
			PollInterval:          o.cfg.Monitor.PollInterval(),
			StatusInterval:        o.cfg.Monitor.StatusInterval(),
			StallTimeout:          o.cfg.Monitor.StallTimeout(),
			ErrorThresholdTimeout: o.cfg.Monitor.ErrorThresholdTimeout,
			ErrorThresholdHTTP:    o.cfg.Monitor.ErrorThresholdHTTP,
		}, o.clk, o.logger)
		go mon.Run(attemptCtx)
		events = mon.Events()
		monDone = mon.Done()
	}

	outcome := o.eventLoop(ctx, h, events)

	cancel()
	if monDone != nil {
		<-monDone
	}
	h.WaitDrained()
	o.discoverArtifact(h.CombinedLog)

	if outcome == OutcomeFailed {
		return OutcomeFailed, fmt.Errorf("crawler exited with code %d (see %s)", h.Proc.ExitCode(), h.CombinedLog)
	}
	return outcome, nil
}

// eventLoop waits for process exit, monitor events, or shutdown. It is the
// only place stage-transition decisions are made.
func (o *Orchestrator) eventLoop(ctx context.Context, h *container.StageHandle, events <-chan monitor.Event) Outcome {
	for {
		select {
		case <-ctx.Done():
			o.shutdownContainer(h)
			return OutcomeStopped

		case <-h.Proc.Done():
			return classifyExit(h.Proc.ExitCode())

		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch evt.Kind {
			case monitor.KindProgress:
				o.printStatus()
			case monitor.KindStalled:
				if out, done := o.react(ctx, adapt.TriggerStall, h); done {
					return out
				}
			case monitor.KindError:
				if out, done := o.react(ctx, adapt.TriggerError, h); done {
					return out
				}
			}
		}
	}
}

// react dispatches one monitor event to the adaptation engine and applies
// the decision. done is true when the attempt must end now.
func (o *Orchestrator) react(ctx context.Context, trigger adapt.Trigger, h *container.StageHandle) (Outcome, bool) {
	var d adapt.Decision
	if o.reactor != nil {
		d = o.reactor.React(ctx, trigger, h.ContainerID)
	}

	switch {
	case d.Action == adapt.ActionNone:
		// No strategy fired: back off, clear counters, keep monitoring.
		if !o.backoff(ctx) {
			o.shutdownContainer(h)
			return OutcomeStopped, true
		}
		o.state.ResetRuntimeErrors()
		return "", false

	case d.StopAndResume:
		o.logger.Info("stopping container for adaptation",
			zap.String("action", string(d.Action)), zap.String("detail", d.Detail))
		o.shutdownContainer(h)
		return OutcomeStoppedForAdaptation, true

	default:
		// Applied against the live container; monitoring continues.
		o.logger.Info("adaptation applied in place",
			zap.String("action", string(d.Action)), zap.String("detail", d.Detail))
		return "", false
	}
}

// classifyExit maps a crawler exit code to an attempt outcome. The crawler
// signals soft limits (time 13, size 14, disk quota 16) with dedicated
// codes that still count as a completed crawl.
func classifyExit(code int) Outcome {
	switch code {
	case 0, 13, 14, 16:
		return OutcomeSuccess
	default:
		return OutcomeFailed
	}
}

// shutdownContainer stops the supervised child: graceful engine stop first,
// then Terminate, then Kill, each with a bounded wait.
func (o *Orchestrator) shutdownContainer(h *container.StageHandle) {
	stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Container.StopGrace()+15*time.Second)
	defer cancel()

	if err := o.sup.Stop(stopCtx, h.ContainerID); err != nil {
		o.logger.Warn("graceful container stop failed", zap.Error(err))
	}
	if !o.clk.Sleep(o.cfg.Container.StopGrace(), h.Proc.Done()) {
		return
	}
	o.logger.Warn("container did not stop in grace period; terminating")
	if err := h.Proc.Terminate(); err != nil {
		o.logger.Warn("terminate failed", zap.Error(err))
	}
	if !o.clk.Sleep(terminateWait, h.Proc.Done()) {
		return
	}
	o.logger.Warn("terminate ignored; killing")
	if err := h.Proc.Kill(); err != nil {
		o.logger.Warn("kill failed", zap.Error(err))
	}
	o.clk.Sleep(killWait, h.Proc.Done())
}

// backoff applies the configured interruptible delay. It reports false when
// interrupted by shutdown.
func (o *Orchestrator) backoff(ctx context.Context) bool {
	d := o.cfg.Stages.Backoff()
	if d <= 0 {
		return ctx.Err() == nil
	}
	return o.clk.Sleep(d, ctx.Done())
}

func (o *Orchestrator) printStatus() {
	snap := o.state.GetSnapshot()
	o.logger.Info("crawl progress",
		zap.Int64("crawled", snap.LastCrawled),
		zap.Int64("pending", snap.LastPending),
		zap.Float64("pages_per_minute", snap.RatePerMinute),
		zap.Int("workers", snap.CurrentWorkers))
}

// resolveArgs builds the crawler argument vector for one attempt mode.
func (o *Orchestrator) resolveArgs(mode Mode) ([]string, error) {
	required := []string{"--name", o.cfg.Job.Name}

	if mode == ModeResume {
		if src := o.newestResumeConfig(); src != "" {
			if err := o.persistResumeConfig(src); err != nil {
				return nil, err
			}
			required = append(required, "--config", container.OutputPath+"/"+resumeConfigName)
			return container.BuildArgs(nil, required, o.state.CurrentWorkers(), false, o.cfg.Job.ExtraArgs), nil
		}
		// No frontier survives; the step degrades to a fresh crawl of the
		// remaining seeds rather than aborting.
		o.logger.Warn("no resume configuration found; restarting from seeds")
	}

	for _, seed := range o.cfg.Job.Seeds {
		required = append(required, "--seeds", seed)
	}
	return container.BuildArgs(nil, required, o.state.CurrentWorkers(), false, o.cfg.Job.ExtraArgs), nil
}

// newestResumeConfig finds the most recent crawler frontier file across the
// stable copy, recorded temp dirs, and a filesystem scan.
func (o *Orchestrator) newestResumeConfig() string {
	dirs := o.state.TempDirs()
	dirs = append(dirs, o.scanTempDirs()...)

	var newest string
	var newestMod time.Time
	seen := map[string]struct{}{}
	for _, dir := range dirs {
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		matches, err := filepath.Glob(filepath.Join(dir, "collections", "*", "crawls", "crawl-*.yaml"))
		if err != nil {
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if newest == "" || info.ModTime().After(newestMod) {
				newest = m
				newestMod = info.ModTime()
			}
		}
	}
	return newest
}

// persistResumeConfig copies src to the stable resume path under the output
// directory so the frontier survives temp-dir pruning.
func (o *Orchestrator) persistResumeConfig(src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read resume config: %w", err)
	}
	dst := filepath.Join(o.cfg.Job.OutputDir, resumeConfigName)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("persist resume config: %w", err)
	}
	o.logger.Info("resume configuration persisted", zap.String("from", src), zap.String("to", dst))
	return nil
}

// scanTempDirs lists the crawler's temp working dirs under the output
// directory, oldest first.
func (o *Orchestrator) scanTempDirs() []string {
	matches, err := filepath.Glob(filepath.Join(o.cfg.Job.OutputDir, ".tmp*"))
	if err != nil {
		return nil
	}
	type entry struct {
		path string
		mod  time.Time
	}
	var dirs []entry
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.IsDir() {
			continue
		}
		dirs = append(dirs, entry{path: m, mod: info.ModTime()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mod.Before(dirs[j].mod) })
	out := make([]string, len(dirs))
	for i, d := range dirs {
		out[i] = d.path
	}
	return out
}

// discoverArtifact records the temp dir one attempt produced: first from
// its combined log, then by scanning for the newest temp dir. Best effort;
// misses never change the attempt outcome.
func (o *Orchestrator) discoverArtifact(combinedLog string) {
	if dir := o.artifactFromLog(combinedLog); dir != "" {
		if err := o.state.AddTempDir(dir); err != nil {
			o.logger.Warn("record temp dir failed", zap.Error(err))
		}
		return
	}
	dirs := o.scanTempDirs()
	if len(dirs) == 0 {
		o.logger.Debug("no temp dir discovered for attempt")
		return
	}
	if err := o.state.AddTempDir(dirs[len(dirs)-1]); err != nil {
		o.logger.Warn("record temp dir failed", zap.Error(err))
	}
}

// artifactFromLog maps the last in-container temp path mentioned in the
// combined log back to the host filesystem.
func (o *Orchestrator) artifactFromLog(combinedLog string) string {
	data, err := os.ReadFile(combinedLog)
	if err != nil {
		return ""
	}
	matches := tmpDirRe.FindAllStringSubmatch(string(data), -1)
	if len(matches) == 0 {
		return ""
	}
	host := filepath.Join(o.cfg.Job.OutputDir, matches[len(matches)-1][1])
	if info, err := os.Stat(host); err != nil || !info.IsDir() {
		return ""
	}
	return host
}

// finalBuild merges every discovered artifact dir into the final output by
// invoking the crawler once more, without live monitoring and with its
// output mirrored to this process.
func (o *Orchestrator) finalBuild(ctx context.Context) error {
	dirs := o.state.TempDirs()
	if len(dirs) == 0 {
		return ErrNoArtifacts
	}

	required := []string{"--name", o.cfg.Job.Name, "--finalBuild"}
	for _, dir := range dirs {
		cp, err := o.containerPath(dir)
		if err != nil {
			return err
		}
		required = append(required, "--warcDir", cp)
	}
	args := container.BuildArgs(nil, required, 0, true, o.cfg.Job.ExtraArgs)

	o.logger.Info("starting final build", zap.Int("artifact_dirs", len(dirs)))
	h, err := o.sup.Start(ctx, "finalBuild", args, true)
	if err != nil {
		return fmt.Errorf("final build: %w", err)
	}

	select {
	case <-ctx.Done():
		o.shutdownContainer(h)
		h.WaitDrained()
		return fmt.Errorf("final build interrupted")
	case <-h.Proc.Done():
	}
	h.WaitDrained()

	if code := h.Proc.ExitCode(); code != 0 {
		return fmt.Errorf("final build exited with code %d (see %s)", code, h.CombinedLog)
	}
	o.logger.Info("final build complete", zap.String("artifact", o.finalArtifactPath()))
	return nil
}

// containerPath rewrites a host path under the output directory into the
// container mount's path space.
func (o *Orchestrator) containerPath(hostDir string) (string, error) {
	rel, err := filepath.Rel(o.cfg.Job.OutputDir, hostDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("artifact dir %s is outside the output directory", hostDir)
	}
	return container.OutputPath + "/" + filepath.ToSlash(rel), nil
}

// cleanup removes temp dirs, the resume copy, and the state file after an
// explicitly requested post-success cleanup.
func (o *Orchestrator) cleanup() {
	for _, dir := range o.state.TempDirs() {
		if err := os.RemoveAll(dir); err != nil {
			o.logger.Warn("cleanup temp dir failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	_ = os.Remove(filepath.Join(o.cfg.Job.OutputDir, resumeConfigName))
	if err := os.Remove(o.state.Path()); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("cleanup state file failed", zap.Error(err))
	}
	o.logger.Info("cleanup complete")
}
