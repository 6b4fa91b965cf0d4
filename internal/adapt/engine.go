// Package adapt decides how to react to stalled or error events: shrink the
// worker count, rotate network egress, or restart the container, each under
// its own budget. The concrete policies are deliberately small and
// replaceable; only the decision contract matters to the orchestrator.
package adapt

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/clock"
	"github.com/govwarc/crawlpilot/internal/jobstate"
	"github.com/govwarc/crawlpilot/internal/metrics"
)

// Trigger identifies which monitor event invoked the engine.
type Trigger string

// Supported triggers.
const (
	TriggerStall Trigger = "stall"
	TriggerError Trigger = "error"
)

// Action is the strategy the engine picked.
type Action string

// Supported actions.
const (
	ActionNone             Action = "none"
	ActionReduceWorkers    Action = "reduce_workers"
	ActionRotateEgress     Action = "rotate_egress"
	ActionRestartContainer Action = "restart_container"
)

// Decision tells the orchestrator what was done and what it must do next.
type Decision struct {
	Action Action
	// StopAndResume means the current container must be stopped and the
	// stage retried as a resume attempt without consuming an attempt.
	// Egress rotation acts on the live container and leaves it running.
	StopAndResume bool
	Detail        string
}

// Config bounds the three strategies.
type Config struct {
	WorkerReductionEnabled bool
	MaxWorkerReductions    int
	WorkerFloor            int

	RotationEnabled  bool
	MaxVPNRotations  int
	RotationInterval time.Duration

	RestartEnabled       bool
	MaxContainerRestarts int
}

// Rotator rotates the network egress serving a live container.
type Rotator interface {
	Rotate(ctx context.Context, containerID string) error
}

// CommandRotator shells out to a configured host command. The container id
// is exposed as CRAWLPILOT_CONTAINER_ID in the command environment.
type CommandRotator struct {
	cmdLine string
}

// NewCommandRotator wraps the given shell command line.
func NewCommandRotator(cmdLine string) *CommandRotator {
	return &CommandRotator{cmdLine: cmdLine}
}

// Rotate runs the command and treats a non-zero exit as failure.
func (r *CommandRotator) Rotate(ctx context.Context, containerID string) error {
	if r.cmdLine == "" {
		return fmt.Errorf("no rotate command configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", r.cmdLine)
	cmd.Env = append(cmd.Environ(), "CRAWLPILOT_CONTAINER_ID="+containerID)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rotate command: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Engine applies the strategies in fixed priority order.
type Engine struct {
	state   *jobstate.State
	cfg     Config
	rotator Rotator
	clk     clock.Clock
	logger  *zap.Logger
}

// New constructs an Engine. rotator may be nil when rotation is disabled.
func New(state *jobstate.State, cfg Config, rotator Rotator, clk clock.Clock, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{state: state, cfg: cfg, rotator: rotator, clk: clk, logger: logger}
}

// React is invoked exactly once per stalled or error event. Priority:
// worker reduction, then live egress rotation, then container restart
// (stalls only). A strategy that cannot apply, or fails, falls through to
// the next; if none fires the orchestrator backs off and keeps monitoring.
func (e *Engine) React(ctx context.Context, trigger Trigger, containerID string) Decision {
	if d, ok := e.tryReduceWorkers(); ok {
		return d
	}
	if d, ok := e.tryRotateEgress(ctx, containerID); ok {
		return d
	}
	if d, ok := e.tryRestart(trigger); ok {
		return d
	}
	return Decision{Action: ActionNone}
}

func (e *Engine) tryReduceWorkers() (Decision, bool) {
	if !e.cfg.WorkerReductionEnabled {
		return Decision{}, false
	}
	_, reductions, _ := e.state.AdaptationCounts()
	if e.cfg.MaxWorkerReductions > 0 && reductions >= e.cfg.MaxWorkerReductions {
		return Decision{}, false
	}
	current := e.state.CurrentWorkers()
	floor := e.cfg.WorkerFloor
	if floor < 1 {
		floor = 1
	}
	if current <= floor {
		return Decision{}, false
	}
	next := current / 2
	if next < floor {
		next = floor
	}
	if err := e.state.SetWorkers(next); err != nil {
		e.logger.Warn("persist reduced worker count failed", zap.Error(err))
	}
	if err := e.state.NoteWorkerReduction(); err != nil {
		e.logger.Warn("persist reduction counter failed", zap.Error(err))
	}
	metrics.ObserveAdaptation(string(ActionReduceWorkers))
	metrics.SetWorkers(next)
	e.logger.Info("reducing workers", zap.Int("from", current), zap.Int("to", next))
	return Decision{
		Action:        ActionReduceWorkers,
		StopAndResume: true,
		Detail:        fmt.Sprintf("workers %d -> %d", current, next),
	}, true
}

func (e *Engine) tryRotateEgress(ctx context.Context, containerID string) (Decision, bool) {
	if !e.cfg.RotationEnabled || e.rotator == nil {
		return Decision{}, false
	}
	rotations, _, _ := e.state.AdaptationCounts()
	if e.cfg.MaxVPNRotations > 0 && rotations >= e.cfg.MaxVPNRotations {
		return Decision{}, false
	}
	if last := e.state.LastRotationAt(); !last.IsZero() {
		if e.clk.Now().Sub(last) < e.cfg.RotationInterval {
			return Decision{}, false
		}
	}
	if err := e.rotator.Rotate(ctx, containerID); err != nil {
		e.logger.Warn("egress rotation failed", zap.Error(err))
		return Decision{}, false
	}
	if err := e.state.NoteVPNRotation(); err != nil {
		e.logger.Warn("persist rotation counter failed", zap.Error(err))
	}
	e.state.ResetRuntimeErrors()
	metrics.ObserveAdaptation(string(ActionRotateEgress))
	e.logger.Info("rotated network egress", zap.String("container", containerID))
	return Decision{Action: ActionRotateEgress, Detail: "egress rotated"}, true
}

func (e *Engine) tryRestart(trigger Trigger) (Decision, bool) {
	if !e.cfg.RestartEnabled || trigger != TriggerStall {
		return Decision{}, false
	}
	_, _, restarts := e.state.AdaptationCounts()
	if e.cfg.MaxContainerRestarts > 0 && restarts >= e.cfg.MaxContainerRestarts {
		return Decision{}, false
	}
	if err := e.state.NoteContainerRestart(); err != nil {
		e.logger.Warn("persist restart counter failed", zap.Error(err))
	}
	metrics.ObserveAdaptation(string(ActionRestartContainer))
	e.logger.Info("restarting crawler container")
	return Decision{
		Action:        ActionRestartContainer,
		StopAndResume: true,
		Detail:        "container restart",
	}, true
}
