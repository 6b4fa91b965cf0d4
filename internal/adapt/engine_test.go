package adapt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/clock"
	"github.com/govwarc/crawlpilot/internal/jobstate"
)

type fakeRotator struct {
	calls int
	err   error
}

func (r *fakeRotator) Rotate(_ context.Context, _ string) error {
	r.calls++
	return r.err
}

func newTestEngine(t *testing.T, cfg Config, rot Rotator) (*Engine, *jobstate.State, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := jobstate.Open(t.TempDir(), 8, clk, zap.NewNop())
	require.NoError(t, err)
	return New(st, cfg, rot, clk, zap.NewNop()), st, clk
}

func TestReactPrefersWorkerReduction(t *testing.T) {
	t.Parallel()

	rot := &fakeRotator{}
	eng, st, _ := newTestEngine(t, Config{
		WorkerReductionEnabled: true,
		MaxWorkerReductions:    3,
		WorkerFloor:            1,
		RotationEnabled:        true,
		MaxVPNRotations:        3,
	}, rot)

	d := eng.React(context.Background(), TriggerError, "abc123")
	require.Equal(t, ActionReduceWorkers, d.Action)
	require.True(t, d.StopAndResume)
	require.Equal(t, 4, st.CurrentWorkers())
	require.Zero(t, rot.calls)
}

func TestReactHalvesDownToFloor(t *testing.T) {
	t.Parallel()

	eng, st, _ := newTestEngine(t, Config{
		WorkerReductionEnabled: true,
		MaxWorkerReductions:    10,
		WorkerFloor:            3,
	}, nil)

	d := eng.React(context.Background(), TriggerError, "")
	require.Equal(t, ActionReduceWorkers, d.Action)
	require.Equal(t, 4, st.CurrentWorkers())

	d = eng.React(context.Background(), TriggerError, "")
	require.Equal(t, ActionReduceWorkers, d.Action)
	require.Equal(t, 3, st.CurrentWorkers(), "4/2 clamps up to the floor")

	d = eng.React(context.Background(), TriggerError, "")
	require.Equal(t, ActionNone, d.Action, "at the floor nothing else applies")
}

func TestReactFallsThroughToRotationAtReductionCap(t *testing.T) {
	t.Parallel()

	rot := &fakeRotator{}
	eng, st, _ := newTestEngine(t, Config{
		WorkerReductionEnabled: true,
		MaxWorkerReductions:    1,
		RotationEnabled:        true,
		MaxVPNRotations:        2,
	}, rot)

	d := eng.React(context.Background(), TriggerError, "abc123")
	require.Equal(t, ActionReduceWorkers, d.Action)

	d = eng.React(context.Background(), TriggerError, "abc123")
	require.Equal(t, ActionRotateEgress, d.Action)
	require.False(t, d.StopAndResume, "rotation acts on the live container")
	require.Equal(t, 1, rot.calls)

	rotations, reductions, _ := st.AdaptationCounts()
	require.Equal(t, 1, rotations)
	require.Equal(t, 1, reductions)
}

func TestReactRotationCooldown(t *testing.T) {
	t.Parallel()

	rot := &fakeRotator{}
	eng, _, clk := newTestEngine(t, Config{
		RotationEnabled:  true,
		MaxVPNRotations:  5,
		RotationInterval: 10 * time.Minute,
	}, rot)

	d := eng.React(context.Background(), TriggerError, "abc123")
	require.Equal(t, ActionRotateEgress, d.Action)

	clk.Advance(5 * time.Minute)
	d = eng.React(context.Background(), TriggerError, "abc123")
	require.Equal(t, ActionNone, d.Action, "within the cooldown window")
	require.Equal(t, 1, rot.calls)

	clk.Advance(6 * time.Minute)
	d = eng.React(context.Background(), TriggerError, "abc123")
	require.Equal(t, ActionRotateEgress, d.Action)
	require.Equal(t, 2, rot.calls)
}

func TestReactRotationFailureFallsThrough(t *testing.T) {
	t.Parallel()

	rot := &fakeRotator{err: errors.New("vpn api down")}
	eng, st, _ := newTestEngine(t, Config{
		RotationEnabled:      true,
		MaxVPNRotations:      5,
		RestartEnabled:       true,
		MaxContainerRestarts: 1,
	}, rot)

	d := eng.React(context.Background(), TriggerStall, "abc123")
	require.Equal(t, ActionRestartContainer, d.Action)
	require.True(t, d.StopAndResume)

	rotations, _, restarts := st.AdaptationCounts()
	require.Zero(t, rotations, "failed rotation does not consume budget")
	require.Equal(t, 1, restarts)
}

func TestReactRestartOnlyOnStall(t *testing.T) {
	t.Parallel()

	eng, _, _ := newTestEngine(t, Config{
		RestartEnabled:       true,
		MaxContainerRestarts: 2,
	}, nil)

	d := eng.React(context.Background(), TriggerError, "abc123")
	require.Equal(t, ActionNone, d.Action)

	d = eng.React(context.Background(), TriggerStall, "abc123")
	require.Equal(t, ActionRestartContainer, d.Action)
}

func TestReactRespectsRestartCap(t *testing.T) {
	t.Parallel()

	eng, _, _ := newTestEngine(t, Config{
		RestartEnabled:       true,
		MaxContainerRestarts: 1,
	}, nil)

	require.Equal(t, ActionRestartContainer, eng.React(context.Background(), TriggerStall, "x").Action)
	require.Equal(t, ActionNone, eng.React(context.Background(), TriggerStall, "x").Action)
}

func TestReactAllDisabled(t *testing.T) {
	t.Parallel()

	eng, _, _ := newTestEngine(t, Config{}, nil)
	d := eng.React(context.Background(), TriggerError, "abc123")
	require.Equal(t, ActionNone, d.Action)
	require.False(t, d.StopAndResume)
}
