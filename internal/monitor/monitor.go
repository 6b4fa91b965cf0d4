// Package monitor tails a running crawler container's log stream,
// classifies each line into progress or error signals, and raises discrete
// events to the orchestrator.
package monitor

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/clock"
	"github.com/govwarc/crawlpilot/internal/container"
	"github.com/govwarc/crawlpilot/internal/jobstate"
	"github.com/govwarc/crawlpilot/internal/metrics"
)

// Kind tags a monitor event.
type Kind string

// Event kinds delivered to the orchestrator.
const (
	KindProgress Kind = "progress"
	KindStalled  Kind = "stalled"
	KindError    Kind = "error"
)

// Event is the tagged variant passed from monitor to orchestrator.
type Event struct {
	Kind   Kind
	Reason string
}

// Config controls monitoring cadence and thresholds.
type Config struct {
	// PollInterval drives the stall/threshold/liveness checks.
	PollInterval time.Duration
	// StatusInterval drives plain progress heartbeats; <= 0 disables them.
	StatusInterval time.Duration
	// StallTimeout is how long the crawl may go without a crawled-count
	// increase before a stalled event fires.
	StallTimeout time.Duration
	// ErrorThresholdTimeout and ErrorThresholdHTTP bound the per-category
	// error counters; <= 0 disables the respective check.
	ErrorThresholdTimeout int
	ErrorThresholdHTTP    int
}

const eventBuffer = 16

// Monitor follows one stage attempt's container logs. Create one per
// attempt, only when a container identity was resolved.
type Monitor struct {
	state       *jobstate.State
	runtime     container.Runtime
	proc        container.Process
	containerID string
	cfg         Config
	clk         clock.Clock
	logger      *zap.Logger

	events chan Event
	done   chan struct{}
}

// New constructs a Monitor for the given container.
func New(
	state *jobstate.State,
	rt container.Runtime,
	proc container.Process,
	containerID string,
	cfg Config,
	clk clock.Clock,
	logger *zap.Logger,
) *Monitor {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		state:       state,
		runtime:     rt,
		proc:        proc,
		containerID: containerID,
		cfg:         cfg,
		clk:         clk,
		logger:      logger,
		events:      make(chan Event, eventBuffer),
		done:        make(chan struct{}),
	}
}

// Events returns the bounded event channel. Events are level-triggered
// signals; delivery order across categories is not guaranteed.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Done is closed when the monitor loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Run follows the container log stream until the container is confirmed
// gone, the stream ends, or ctx is canceled. It blocks; run it on its own
// goroutine. The stream is followed directly from the runtime rather than
// the drained log file so reactions are not delayed by flush boundaries.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	stream, err := m.runtime.FollowLogs(ctx, m.containerID)
	if err != nil {
		m.logger.Warn("cannot follow container logs; monitoring disabled", zap.Error(err))
		return
	}
	defer stream.Close()

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	var status *time.Ticker
	var statusC <-chan time.Time
	if m.cfg.StatusInterval > 0 {
		status = time.NewTicker(m.cfg.StatusInterval)
		defer status.Stop()
		statusC = status.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				// End of stream.
				return
			}
			m.processLine(line)
		case <-poll.C:
			if m.poll(ctx) {
				return
			}
		case <-statusC:
			m.emit(Event{Kind: KindProgress})
		}
	}
}

// poll runs the periodic checks. It reports whether the monitor should
// stop because the container is confirmed gone. At most one stall or
// threshold event fires per poll, stall first.
func (m *Monitor) poll(ctx context.Context) (stop bool) {
	// The process handle can report exit before the engine finishes tearing
	// down; only an independent probe is trusted.
	if !m.proc.Running() {
		alive, err := m.runtime.Alive(ctx, m.containerID)
		if err != nil {
			m.logger.Debug("liveness probe failed", zap.Error(err))
		} else if !alive {
			return true
		}
	}

	if m.checkStall() {
		return false
	}
	m.checkThresholds()
	return false
}

// checkStall fires a stalled event when progress has been observed before,
// work is believed pending (or pending is unknown), and the configured
// timeout has elapsed since the last crawled-count increase.
func (m *Monitor) checkStall() bool {
	if m.cfg.StallTimeout <= 0 {
		return false
	}
	snap := m.state.GetSnapshot()
	if snap.LastProgressAt.IsZero() || snap.LastCrawled < 0 {
		return false
	}
	if snap.LastPending == 0 {
		// Nothing pending; the crawl is winding down, not stalled.
		return false
	}
	elapsed := m.clk.Now().Sub(snap.LastProgressAt)
	if elapsed <= m.cfg.StallTimeout {
		return false
	}
	m.emit(Event{
		Kind:   KindStalled,
		Reason: fmt.Sprintf("no progress for %s (crawled=%d pending=%d)", elapsed.Round(time.Second), snap.LastCrawled, snap.LastPending),
	})
	// Reset so the stall does not re-fire on the very next poll.
	m.state.MarkProgressChecked()
	m.state.ResetRuntimeErrors()
	return true
}

// checkThresholds fires at most one error event when a per-category error
// counter reaches its configured threshold.
func (m *Monitor) checkThresholds() {
	counts := m.state.ErrorCounts()
	switch {
	case m.cfg.ErrorThresholdTimeout > 0 && counts.Timeout >= m.cfg.ErrorThresholdTimeout:
		m.emit(Event{Kind: KindError, Reason: "timeout_threshold"})
		m.state.ResetRuntimeErrors()
	case m.cfg.ErrorThresholdHTTP > 0 && counts.HTTP >= m.cfg.ErrorThresholdHTTP:
		m.emit(Event{Kind: KindError, Reason: "http_threshold"})
		m.state.ResetRuntimeErrors()
	}
}

// emit performs a non-blocking send; the orchestrator treats events as
// level-triggered, so dropping under backpressure is safe.
func (m *Monitor) emit(evt Event) {
	metrics.ObserveMonitorEvent(string(evt.Kind))
	select {
	case m.events <- evt:
	default:
		m.logger.Warn("monitor event dropped due to backpressure", zap.String("kind", string(evt.Kind)))
	}
}
