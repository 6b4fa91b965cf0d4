// Package container drives the external crawler container: argument
// construction, detached launch, identity resolution, log draining, and
// stop semantics.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// LabelKey tags every container started by this process so it can be found
// again by the runtime's label filter.
const LabelKey = "crawlpilot.run"

// StartSpec describes one crawler container launch.
type StartSpec struct {
	Image string
	// HostOutputDir is bind-mounted at ContainerOutputDir.
	HostOutputDir      string
	ContainerOutputDir string
	// Label is the unique per-run value stored under LabelKey.
	Label string
	Args  []string
}

// Process is the handle for a launched crawler child process.
type Process interface {
	// Stdout and Stderr stream the child's piped output. Both must be
	// drained; the child blocks on a full buffer otherwise.
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Wait blocks until the child exits.
	Wait() error
	// Done is closed once the child has exited.
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed; -1 before that.
	ExitCode() int
	// Running reports whether the child has not yet been reaped. This can
	// read false spuriously early; confirm with Runtime.Alive before
	// treating the container as gone.
	Running() bool
	Terminate() error
	Kill() error
}

// Runtime is the minimal container-engine surface this core needs: start a
// labeled detached process bound to a host directory, list running entities
// by label, follow an entity's output stream, and stop by id. Any engine
// exposing those verbs works.
type Runtime interface {
	StartDetached(ctx context.Context, spec StartSpec) (Process, error)
	ListByLabel(ctx context.Context, label string) ([]string, error)
	FollowLogs(ctx context.Context, id string) (io.ReadCloser, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	// Alive probes whether the container id is still running. Built on the
	// same listing verb, it exists because the child process handle can
	// report exit before the engine has finished tearing down.
	Alive(ctx context.Context, id string) (bool, error)
}

// CLIRuntime shells out to a docker-compatible CLI binary.
type CLIRuntime struct {
	bin string
}

// NewCLIRuntime wraps the given runtime binary (docker, podman, ...).
func NewCLIRuntime(bin string) *CLIRuntime {
	return &CLIRuntime{bin: bin}
}

// Ping verifies the engine is reachable before any container starts.
func (r *CLIRuntime) Ping(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.bin, "version", "--format", "{{.Server.Version}}")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("container runtime %q unavailable: %w (%s)", r.bin, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// StartDetached launches `<bin> run` as a piped child process. The child is
// not tied to ctx; stopping is the caller's responsibility via Stop or the
// process handle.
func (r *CLIRuntime) StartDetached(_ context.Context, spec StartSpec) (Process, error) {
	args := []string{
		"run", "--rm",
		"--label", LabelKey + "=" + spec.Label,
		"-v", spec.HostOutputDir + ":" + spec.ContainerOutputDir,
		spec.Image,
	}
	args = append(args, spec.Args...)

	cmd := exec.Command(r.bin, args...)
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	p := &cliProcess{
		cmd:    cmd,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		outW.Close()
		errW.Close()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// ListByLabel returns the ids of running containers carrying the label.
func (r *CLIRuntime) ListByLabel(ctx context.Context, label string) ([]string, error) {
	cmd := exec.CommandContext(ctx, r.bin, "ps", "-q", "--filter", "label="+LabelKey+"="+label)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list containers by label: %w", err)
	}
	var ids []string
	for _, line := range bytes.Split(out, []byte("\n")) {
		if id := strings.TrimSpace(string(line)); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FollowLogs streams the container's combined output from the engine.
// Closing the returned reader terminates the follow.
func (r *CLIRuntime) FollowLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, r.bin, "logs", "-f", id)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("follow logs: %w", err)
	}
	go func() {
		_ = cmd.Wait()
		pw.Close()
	}()
	return &logFollower{pr: pr, cmd: cmd}, nil
}

// Stop asks the engine for a graceful stop with the given grace period.
func (r *CLIRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	cmd := exec.CommandContext(ctx, r.bin, "stop", "-t", strconv.Itoa(secs), id)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("stop container %s: %w (%s)", id, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Alive reports whether the container id still shows up as running.
func (r *CLIRuntime) Alive(ctx context.Context, id string) (bool, error) {
	cmd := exec.CommandContext(ctx, r.bin, "ps", "-q", "--filter", "id="+id)
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("probe container %s: %w", id, err)
	}
	return strings.TrimSpace(string(out)) != "", nil
}

type cliProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	done   chan struct{}

	mu      sync.Mutex
	waitErr error
}

func (p *cliProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *cliProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *cliProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *cliProcess) Done() <-chan struct{} { return p.done }

func (p *cliProcess) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if state := p.cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	return -1
}

func (p *cliProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *cliProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *cliProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

type logFollower struct {
	pr  *io.PipeReader
	cmd *exec.Cmd
}

func (f *logFollower) Read(b []byte) (int, error) {
	return f.pr.Read(b)
}

func (f *logFollower) Close() error {
	if f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
	return f.pr.Close()
}
