package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/adapt"
	"github.com/govwarc/crawlpilot/internal/clock"
	"github.com/govwarc/crawlpilot/internal/config"
	"github.com/govwarc/crawlpilot/internal/container"
	"github.com/govwarc/crawlpilot/internal/jobstate"
	"github.com/govwarc/crawlpilot/internal/monitor"
)

type fakeReactor struct {
	decision adapt.Decision
	calls    int
	triggers []adapt.Trigger
}

func (r *fakeReactor) React(_ context.Context, trigger adapt.Trigger, _ string) adapt.Decision {
	r.calls++
	r.triggers = append(r.triggers, trigger)
	return r.decision
}

func testConfig(outputDir string) config.Config {
	return config.Config{
		Job: config.JobConfig{
			Name:           "census2026",
			Seeds:          []string{"https://example.gov/"},
			OutputDir:      outputDir,
			InitialWorkers: 4,
		},
		Container: config.ContainerConfig{
			Image:            "govwarc/site-crawler:test",
			RuntimeBin:       "docker",
			StopGraceSeconds: 1,
		},
		Monitor: config.MonitorConfig{
			Enabled:               false,
			PollIntervalSeconds:   1,
			StallTimeoutMinutes:   30,
			ErrorThresholdTimeout: 10,
			ErrorThresholdHTTP:    25,
		},
		Stages: config.StageConfig{MaxAttempts: 3, BackoffSeconds: 1},
	}
}

func newTestOrch(t *testing.T, cfg config.Config, rt *container.FakeRuntime, reactor Reactor) (*Orchestrator, *jobstate.State) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := jobstate.Open(cfg.Job.OutputDir, cfg.Job.InitialWorkers, clk, zap.NewNop())
	require.NoError(t, err)
	sup := container.NewSupervisor(rt, cfg.Container.Image, cfg.Job.OutputDir, cfg.Container.StopGrace(), clk, zap.NewNop())
	return New(cfg, st, sup, rt, reactor, clk, zap.NewNop()), st
}

func exitedProc(code int) *container.FakeProcess {
	p := container.NewFakeProcess()
	p.Exit(code, nil)
	return p
}

func TestClassifyExit(t *testing.T) {
	t.Parallel()

	for _, code := range []int{0, 13, 14, 16} {
		require.Equal(t, OutcomeSuccess, classifyExit(code), "code %d", code)
	}
	require.Equal(t, OutcomeFailed, classifyExit(1))
	require.Equal(t, OutcomeFailed, classifyExit(137))
}

func TestSelectModeFresh(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newTestOrch(t, testConfig(dir), &container.FakeRuntime{}, nil)

	mode, err := o.selectMode()
	require.NoError(t, err)
	require.Equal(t, ModeFresh, mode)
}

func TestSelectModeResume(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	crawls := filepath.Join(dir, ".tmp4711", "collections", "census2026", "crawls")
	require.NoError(t, os.MkdirAll(crawls, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(crawls, "crawl-20260301.yaml"), []byte("state: x\n"), 0o644))

	o, _ := newTestOrch(t, testConfig(dir), &container.FakeRuntime{}, nil)

	mode, err := o.selectMode()
	require.NoError(t, err)
	require.Equal(t, ModeResume, mode)
}

func TestSelectModeFallsBackToNewPhase(t *testing.T) {
	t.Parallel()

	// Artifact dirs exist but hold no resume configuration.
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".tmp4711", "collections", "census2026", "archive"), 0o755))

	o, _ := newTestOrch(t, testConfig(dir), &container.FakeRuntime{}, nil)

	mode, err := o.selectMode()
	require.NoError(t, err)
	require.Equal(t, ModeNewPhaseWithConsolidation, mode)
}

func TestSelectModeRefusesExistingArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	artifact := filepath.Join(dir, "census2026.wacz")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0o644))

	o, _ := newTestOrch(t, testConfig(dir), &container.FakeRuntime{}, nil)

	_, err := o.selectMode()
	require.ErrorIs(t, err, ErrFinalArtifactExists)
}

func TestSelectModeOverwriteResets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	artifact := filepath.Join(dir, "census2026.wacz")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0o644))

	cfg := testConfig(dir)
	cfg.Job.Overwrite = true
	o, st := newTestOrch(t, cfg, &container.FakeRuntime{}, nil)
	require.NoError(t, st.NoteVPNRotation())

	mode, err := o.selectMode()
	require.NoError(t, err)
	require.Equal(t, ModeFresh, mode)
	require.NoFileExists(t, artifact)

	rotations, _, _ := st.AdaptationCounts()
	require.Zero(t, rotations)
}

func TestRunFreshCrawlThroughFinalBuild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tmp := filepath.Join(dir, ".tmp2026")
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "collections", "census2026", "archive"), 0o755))

	rt := &container.FakeRuntime{NextProcs: []*container.FakeProcess{exitedProc(0), exitedProc(0)}}
	o, st := newTestOrch(t, testConfig(dir), rt, nil)
	// The pre-made temp dir would flip mode selection to a consolidation
	// phase; what matters here is the crawl-then-build sequencing.
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res)
	require.Len(t, rt.Started, 2)

	crawl := rt.Started[0].Args
	require.Contains(t, crawl, "--seeds")
	require.Contains(t, crawl, "--workers")
	require.Equal(t, []string{"--output", "/crawls"}, crawl[len(crawl)-2:])

	build := rt.Started[1].Args
	require.Contains(t, build, "--finalBuild")
	require.Contains(t, build, "--warcDir")
	require.Contains(t, build, "/crawls/.tmp2026")
	require.NotContains(t, build, "--workers")

	require.Equal(t, []string{tmp}, st.TempDirs())
	require.Equal(t, string(ResultSuccess), st.GetSnapshot().Status)
}

func TestRunSoftLimitExitCountsAsSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".tmp2026", "collections", "c", "archive"), 0o755))

	rt := &container.FakeRuntime{NextProcs: []*container.FakeProcess{exitedProc(16), exitedProc(0)}}
	o, _ := newTestOrch(t, testConfig(dir), rt, nil)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res)
}

func TestRunReportsNoArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rt := &container.FakeRuntime{NextProcs: []*container.FakeProcess{exitedProc(0)}}
	o, _ := newTestOrch(t, testConfig(dir), rt, nil)

	res, err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrNoArtifacts)
	require.Equal(t, ResultFailedNoArtifacts, res)
	require.Len(t, rt.Started, 1, "the final build must not start the container")
}

func TestRunFailedMaxAttempts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Stages.MaxAttempts = 2

	rt := &container.FakeRuntime{NextProcs: []*container.FakeProcess{exitedProc(1), exitedProc(1)}}
	o, _ := newTestOrch(t, cfg, rt, nil)

	res, err := o.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ResultFailedMaxAttempts, res)
	require.Len(t, rt.Started, 2)
}

func TestRunCleanupAfterSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tmp := filepath.Join(dir, ".tmp2026")
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "collections", "c", "archive"), 0o755))

	cfg := testConfig(dir)
	cfg.Job.Cleanup = true
	rt := &container.FakeRuntime{NextProcs: []*container.FakeProcess{exitedProc(0), exitedProc(0)}}
	o, st := newTestOrch(t, cfg, rt, nil)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res)
	require.NoDirExists(t, tmp)
	require.NoFileExists(t, st.Path())
}

func TestEventLoopStalledStopsForAdaptation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reactor := &fakeReactor{decision: adapt.Decision{Action: adapt.ActionReduceWorkers, StopAndResume: true}}
	rt := &container.FakeRuntime{ContainerID: "c1"}
	o, _ := newTestOrch(t, testConfig(dir), rt, reactor)

	h, err := o.sup.Start(context.Background(), "fresh", []string{"--seeds", "x"}, false)
	require.NoError(t, err)
	require.Equal(t, "c1", h.ContainerID)

	events := make(chan monitor.Event, 1)
	events <- monitor.Event{Kind: monitor.KindStalled, Reason: "no progress"}

	out := o.eventLoop(context.Background(), h, events)
	require.Equal(t, OutcomeStoppedForAdaptation, out)
	require.Equal(t, 1, reactor.calls)
	require.Equal(t, []adapt.Trigger{adapt.TriggerStall}, reactor.triggers)
	require.True(t, rt.Stopped("c1"))
}

func TestEventLoopRotationKeepsAttemptAlive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reactor := &fakeReactor{decision: adapt.Decision{Action: adapt.ActionRotateEgress}}
	rt := &container.FakeRuntime{ContainerID: "c1"}
	o, _ := newTestOrch(t, testConfig(dir), rt, reactor)

	h, err := o.sup.Start(context.Background(), "fresh", nil, false)
	require.NoError(t, err)

	events := make(chan monitor.Event, 1)
	events <- monitor.Event{Kind: monitor.KindError, Reason: "http_threshold"}
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Proc.(*container.FakeProcess).Exit(0, nil)
	}()

	out := o.eventLoop(context.Background(), h, events)
	require.Equal(t, OutcomeSuccess, out)
	require.Equal(t, 1, reactor.calls)
	require.False(t, rt.Stopped("c1"), "rotation must not stop the container")
}

func TestEventLoopNoStrategyBacksOffAndContinues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rt := &container.FakeRuntime{ContainerID: "c1"}
	o, st := newTestOrch(t, testConfig(dir), rt, nil)

	h, err := o.sup.Start(context.Background(), "fresh", nil, false)
	require.NoError(t, err)

	st.BeginAttempt("fresh")
	st.RecordError("timeout")

	events := make(chan monitor.Event, 1)
	events <- monitor.Event{Kind: monitor.KindError, Reason: "timeout_threshold"}
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Proc.(*container.FakeProcess).Exit(0, nil)
	}()

	out := o.eventLoop(context.Background(), h, events)
	require.Equal(t, OutcomeSuccess, out)
	require.Zero(t, st.ErrorCounts().Timeout, "backoff path clears error counters")
}

func TestEventLoopShutdownEscalation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rt := &container.FakeRuntime{ContainerID: "c1"}
	o, _ := newTestOrch(t, testConfig(dir), rt, nil)

	h, err := o.sup.Start(context.Background(), "fresh", nil, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := o.eventLoop(ctx, h, nil)
	require.Equal(t, OutcomeStopped, out)
	require.True(t, rt.Stopped("c1"))
	fp := h.Proc.(*container.FakeProcess)
	require.True(t, fp.Terminated(), "graceful stop did not end the process")
	require.True(t, fp.Killed())
}

func TestResolveArgsResumeUsesStableConfigCopy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	crawls := filepath.Join(dir, ".tmp4711", "collections", "census2026", "crawls")
	require.NoError(t, os.MkdirAll(crawls, 0o755))
	old := filepath.Join(crawls, "crawl-20260228.yaml")
	newer := filepath.Join(crawls, "crawl-20260301.yaml")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("new"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	o, _ := newTestOrch(t, testConfig(dir), &container.FakeRuntime{}, nil)

	args, err := o.resolveArgs(ModeResume)
	require.NoError(t, err)
	require.Contains(t, args, "--config")
	require.Contains(t, args, "/crawls/resume.yaml")
	require.NotContains(t, args, "--seeds")

	copied, err := os.ReadFile(filepath.Join(dir, "resume.yaml"))
	require.NoError(t, err)
	require.Equal(t, "new", string(copied))
}

func TestResolveArgsResumeFallsBackToSeeds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newTestOrch(t, testConfig(dir), &container.FakeRuntime{}, nil)

	args, err := o.resolveArgs(ModeResume)
	require.NoError(t, err)
	require.Contains(t, args, "--seeds")
	require.NotContains(t, args, "--config")
}
