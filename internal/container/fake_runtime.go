package container

import (
	"context"
	"io"
	"sync"
	"time"
)

// FakeProcess is a controllable Process implementation for tests.
type FakeProcess struct {
	// OutW and ErrW feed the Stdout/Stderr streams.
	OutW io.WriteCloser
	ErrW io.WriteCloser

	outR io.ReadCloser
	errR io.ReadCloser
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	exitErr  error
	// notRunning forces Running() to report false while the process has
	// not exited, mimicking a spuriously early handle.
	notRunning bool

	terminated bool
	killed     bool
}

// NewFakeProcess creates a FakeProcess with piped streams.
func NewFakeProcess() *FakeProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &FakeProcess{
		OutW: outW,
		ErrW: errW,
		outR: outR,
		errR: errR,
		done: make(chan struct{}),
	}
}

// Exit closes the streams and marks the process exited with code.
func (p *FakeProcess) Exit(code int, err error) {
	p.mu.Lock()
	p.exitCode = code
	p.exitErr = err
	p.mu.Unlock()
	p.OutW.Close()
	p.ErrW.Close()
	close(p.done)
}

// ForceNotRunning makes Running() report false without the process having
// exited.
func (p *FakeProcess) ForceNotRunning() {
	p.mu.Lock()
	p.notRunning = true
	p.mu.Unlock()
}

// Terminated reports whether Terminate was called.
func (p *FakeProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Killed reports whether Kill was called.
func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *FakeProcess) Stdout() io.ReadCloser { return p.outR }
func (p *FakeProcess) Stderr() io.ReadCloser { return p.errR }

func (p *FakeProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *FakeProcess) Running() bool {
	p.mu.Lock()
	forced := p.notRunning
	p.mu.Unlock()
	if forced {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	return nil
}

// FakeRuntime is an in-memory Runtime for tests.
type FakeRuntime struct {
	mu sync.Mutex

	// StartErr, when set, fails StartDetached.
	StartErr error
	// NextProcs are handed out by StartDetached in order; when exhausted a
	// fresh FakeProcess is created.
	NextProcs []*FakeProcess
	// ContainerID is returned by ListByLabel after ListMisses empty
	// responses.
	ContainerID string
	ListMisses  int

	// AliveByID answers the Alive probe; ids absent from the map are dead.
	AliveByID map[string]bool

	// LogStreams maps container id to the reader FollowLogs hands out.
	LogStreams map[string]io.ReadCloser

	Started  []StartSpec
	StopIDs  []string
	listCall int
}

// StartDetached records the spec and returns the next queued process.
func (r *FakeRuntime) StartDetached(_ context.Context, spec StartSpec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	r.Started = append(r.Started, spec)
	if len(r.NextProcs) > 0 {
		p := r.NextProcs[0]
		r.NextProcs = r.NextProcs[1:]
		return p, nil
	}
	return NewFakeProcess(), nil
}

// ListByLabel returns ContainerID after the configured number of misses.
func (r *FakeRuntime) ListByLabel(context.Context, string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCall++
	if r.listCall <= r.ListMisses || r.ContainerID == "" {
		return nil, nil
	}
	return []string{r.ContainerID}, nil
}

// FollowLogs returns the configured stream for id.
func (r *FakeRuntime) FollowLogs(_ context.Context, id string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.LogStreams[id]; ok {
		return rc, nil
	}
	pr, _ := io.Pipe()
	return pr, nil
}

// Stop records the stop request.
func (r *FakeRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StopIDs = append(r.StopIDs, id)
	return nil
}

// Alive consults AliveByID.
func (r *FakeRuntime) Alive(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.AliveByID[id], nil
}

// Stopped reports whether id received a stop request.
func (r *FakeRuntime) Stopped(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.StopIDs {
		if s == id {
			return true
		}
	}
	return false
}
