package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/clock"
)

// OutputPath is where the job output directory is mounted inside the
// crawler container. The crawler always writes there.
const OutputPath = "/crawls"

// Crawler CLI flags this supervisor owns. Caller-supplied values for the
// worker and output flags are always stripped and re-derived.
const (
	workersFlag = "--workers"
	outputFlag  = "--output"
	keepFlag    = "--keep"
)

const (
	identityPollAttempts = 5
	identityPollInterval = time.Second
)

// Supervisor launches, identifies, and stops crawler containers for one job.
type Supervisor struct {
	runtime   Runtime
	image     string
	outputDir string
	stopGrace time.Duration
	clk       clock.Clock
	logger    *zap.Logger
}

// NewSupervisor constructs a Supervisor bound to one job output directory.
func NewSupervisor(rt Runtime, image, outputDir string, stopGrace time.Duration, clk clock.Clock, logger *zap.Logger) *Supervisor {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if stopGrace <= 0 {
		stopGrace = 90 * time.Second
	}
	return &Supervisor{
		runtime:   rt,
		image:     image,
		outputDir: outputDir,
		stopGrace: stopGrace,
		clk:       clk,
		logger:    logger,
	}
}

// BuildArgs deterministically assembles the crawler argument vector.
// Worker-count and output-path flags in baseArgs or extraArgs are stripped:
// the worker count is re-derived from workerCount (never set for a final
// build) and the in-container output path is always appended last. The
// keep-working-files flag is added if absent.
func BuildArgs(baseArgs, required []string, workerCount int, isFinalBuild bool, extraArgs []string) []string {
	args := stripFlag(append(append([]string(nil), baseArgs...), extraArgs...), workersFlag)
	args = stripFlag(args, outputFlag)
	args = append(args, required...)

	if !isFinalBuild {
		args = append(args, workersFlag, strconv.Itoa(workerCount))
	}
	if !hasFlag(args, keepFlag) {
		args = append(args, keepFlag)
	}
	args = append(args, outputFlag, OutputPath)
	return args
}

// stripFlag removes every occurrence of flag, both the two-token form
// ("--workers 3") and the single-token form ("--workers=3").
func stripFlag(args []string, flag string) []string {
	out := make([]string, 0, len(args))
	skip := false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		if a == flag {
			skip = true
			continue
		}
		if strings.HasPrefix(a, flag+"=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag || strings.HasPrefix(a, flag+"=") {
			return true
		}
	}
	return false
}

// StageHandle holds everything a running stage attempt needs: the process
// handle, the resolved container identity (may be empty), and the log file
// locations.
type StageHandle struct {
	Proc        Process
	ContainerID string
	Label       string
	StdoutLog   string
	CombinedLog string

	drained chan struct{}
	files   []io.Closer
}

// WaitDrained blocks until both output streams reached EOF and the log
// files are closed.
func (h *StageHandle) WaitDrained() {
	<-h.drained
}

// Start launches the crawler container for one stage attempt. The child's
// stdout is drained on a dedicated worker for the lifetime of the stage and
// appended to <stage>_<ts>.stdout.log plus <stage>_<ts>.combined.log under
// the output directory; stderr goes to the combined log only. When mirror
// is set the stdout stream is additionally copied to this process's stdout.
//
// After launch the runtime is polled a few times for the label-tagged
// container to appear. A missing identity is not fatal; the caller then
// relies on the process handle alone.
func (s *Supervisor) Start(ctx context.Context, stageName string, args []string, mirror bool) (*StageHandle, error) {
	label := "crawlpilot-" + uuid.NewString()

	proc, err := s.runtime.StartDetached(ctx, StartSpec{
		Image:              s.image,
		HostOutputDir:      s.outputDir,
		ContainerOutputDir: OutputPath,
		Label:              label,
		Args:               args,
	})
	if err != nil {
		return nil, fmt.Errorf("start stage %s: %w", stageName, err)
	}

	ts := s.clk.Now().Format("20060102_150405")
	stdoutPath := filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.stdout.log", stageName, ts))
	combinedPath := filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.combined.log", stageName, ts))

	h := &StageHandle{
		Proc:        proc,
		Label:       label,
		StdoutLog:   stdoutPath,
		CombinedLog: combinedPath,
		drained:     make(chan struct{}),
	}
	if err := s.startDrain(h, mirror); err != nil {
		_ = proc.Kill()
		return nil, err
	}

	h.ContainerID = s.resolveIdentity(ctx, label)
	if h.ContainerID == "" {
		s.logger.Warn("container identity not resolved; continuing without live monitoring",
			zap.String("stage", stageName), zap.String("label", label))
	}
	return h, nil
}

// startDrain wires the child's streams into the on-disk logs.
func (s *Supervisor) startDrain(h *StageHandle, mirror bool) error {
	stdoutFile, err := os.OpenFile(h.StdoutLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open stdout log: %w", err)
	}
	combinedFile, err := os.OpenFile(h.CombinedLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		stdoutFile.Close()
		return fmt.Errorf("open combined log: %w", err)
	}
	h.files = []io.Closer{stdoutFile, combinedFile}

	// Both streams append to the combined log concurrently.
	combined := &lockedWriter{w: combinedFile}

	stdoutDst := io.MultiWriter(stdoutFile, combined)
	if mirror {
		stdoutDst = io.MultiWriter(stdoutFile, combined, os.Stdout)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := io.Copy(stdoutDst, h.Proc.Stdout()); err != nil {
			s.logger.Debug("stdout drain ended", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := io.Copy(combined, h.Proc.Stderr()); err != nil {
			s.logger.Debug("stderr drain ended", zap.Error(err))
		}
	}()
	go func() {
		wg.Wait()
		for _, f := range h.files {
			_ = f.Close()
		}
		close(h.drained)
	}()
	return nil
}

// resolveIdentity polls the runtime for the label-tagged container.
func (s *Supervisor) resolveIdentity(ctx context.Context, label string) string {
	for attempt := 0; attempt < identityPollAttempts; attempt++ {
		ids, err := s.runtime.ListByLabel(ctx, label)
		if err != nil {
			s.logger.Debug("label lookup failed", zap.Error(err))
		} else if len(ids) > 0 {
			return ids[0]
		}
		if !s.clk.Sleep(identityPollInterval, ctx.Done()) {
			return ""
		}
	}
	return ""
}

// Stop issues a graceful engine stop with the configured grace period. The
// caller escalates to Terminate/Kill on the process handle if the child
// still does not exit.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.runtime.Stop(ctx, id, s.stopGrace)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(b)
}
