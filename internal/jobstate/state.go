// Package jobstate holds the durable and transient state for one crawl job.
//
// Durable fields survive process restarts via a JSON document under the job
// output directory. Transient fields are reset every stage attempt and never
// written to disk. All access goes through methods guarded by an internal
// mutex; persistence deliberately happens outside the critical section so a
// caller can never deadlock by saving while validating.
package jobstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/clock"
)

// FileName is the durable state document kept in the job output directory.
const FileName = "crawl-state.json"

// rateDecayWindow zeroes the rate estimate when the crawled count has not
// moved for this long.
const rateDecayWindow = 60 * time.Second

// ErrorCounters tracks classified crawler error lines per category.
type ErrorCounters struct {
	Timeout int `json:"timeout"`
	HTTP    int `json:"http"`
	Other   int `json:"other"`
}

// Progress is one crawl-statistics observation from the crawler log.
type Progress struct {
	Crawled int64
	Total   int64
	Pending int64
	Failed  int64
}

// Snapshot is a read-only copy of the full job state for reporting.
type Snapshot struct {
	Status                string        `json:"status"`
	Stage                 string        `json:"stage"`
	CurrentWorkers        int           `json:"current_workers"`
	InitialWorkers        int           `json:"initial_workers"`
	TempDirs              []string      `json:"temp_dirs"`
	VPNRotationsDone      int           `json:"vpn_rotations_done"`
	WorkerReductionsDone  int           `json:"worker_reductions_done"`
	ContainerRestartsDone int           `json:"container_restarts_done"`
	LastCrawled           int64         `json:"last_crawled"`
	LastTotal             int64         `json:"last_total"`
	LastPending           int64         `json:"last_pending"`
	LastFailed            int64         `json:"last_failed"`
	LastProgressAt        time.Time     `json:"last_progress_at"`
	RatePerMinute         float64       `json:"rate_per_minute"`
	Errors                ErrorCounters `json:"errors"`
}

// State is the per-job state store. Construct it with Open.
type State struct {
	mu sync.Mutex

	path      string
	outputDir string
	clk       clock.Clock
	logger    *zap.Logger

	// Durable fields.
	currentWorkers        int
	initialWorkers        int
	tempDirs              []string
	vpnRotationsDone      int
	workerReductionsDone  int
	containerRestartsDone int
	lastErrors            ErrorCounters

	// Transient fields, reset every stage attempt.
	status         string
	currentStage   string
	lastCrawled    int64
	lastTotal      int64
	lastPending    int64
	lastFailed     int64
	lastProgressAt time.Time
	ratePerMinute  float64
	lastChangeAt   time.Time
	runtimeErrors  ErrorCounters
	lastRotationAt time.Time
}

// durableDoc is the on-disk JSON layout.
type durableDoc struct {
	CurrentWorkers        int           `json:"current_workers"`
	InitialWorkers        int           `json:"initial_workers"`
	TempDirs              []string      `json:"temp_dirs"`
	VPNRotationsDone      int           `json:"vpn_rotations_done"`
	WorkerReductionsDone  int           `json:"worker_reductions_done"`
	ContainerRestartsDone int           `json:"container_restarts_done"`
	LastErrors            ErrorCounters `json:"last_errors"`
}

// Open loads or creates the state for outputDir. Every durable field is
// independently type-checked; anything invalid falls back to its default
// and is logged, never treated as fatal. The state file is rewritten before
// Open returns so it is guaranteed to exist afterwards.
func Open(outputDir string, initialWorkers int, clk clock.Clock, logger *zap.Logger) (*State, error) {
	if initialWorkers < 1 {
		initialWorkers = 1
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &State{
		path:           filepath.Join(outputDir, FileName),
		outputDir:      outputDir,
		clk:            clk,
		logger:         logger,
		currentWorkers: initialWorkers,
		initialWorkers: initialWorkers,
		lastCrawled:    -1,
		lastTotal:      -1,
		lastPending:    -1,
		lastFailed:     -1,
	}
	s.loadFromDisk()
	if err := s.Save(); err != nil {
		return nil, fmt.Errorf("write initial state: %w", err)
	}
	return s, nil
}

// loadFromDisk restores durable fields from the state file if it exists.
func (s *State) loadFromDisk() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state file unreadable; starting from defaults", zap.Error(err))
		}
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		s.logger.Warn("state file is not valid JSON; starting from defaults", zap.Error(err))
		return
	}

	s.currentWorkers = intField(fields, "current_workers", s.currentWorkers, s.logger)
	s.vpnRotationsDone = intField(fields, "vpn_rotations_done", 0, s.logger)
	s.workerReductionsDone = intField(fields, "worker_reductions_done", 0, s.logger)
	s.containerRestartsDone = intField(fields, "container_restarts_done", 0, s.logger)

	if raw, ok := fields["temp_dirs"]; ok {
		var dirs []string
		if err := json.Unmarshal(raw, &dirs); err != nil {
			s.logger.Warn("invalid temp_dirs field; resetting", zap.Error(err))
		} else {
			s.tempDirs = dirs
		}
	}
	if raw, ok := fields["last_errors"]; ok {
		var ec ErrorCounters
		if err := json.Unmarshal(raw, &ec); err != nil {
			s.logger.Warn("invalid last_errors field; resetting", zap.Error(err))
		} else {
			s.lastErrors = ec
		}
	}

	// The worker count can never exceed the requested initial count; a file
	// written by a larger run is clamped, not rejected.
	if s.currentWorkers > s.initialWorkers {
		s.logger.Warn("clamping current workers to initial",
			zap.Int("loaded", s.currentWorkers),
			zap.Int("initial", s.initialWorkers))
		s.currentWorkers = s.initialWorkers
	}
	if s.currentWorkers < 1 {
		s.currentWorkers = 1
	}
	if s.vpnRotationsDone < 0 {
		s.vpnRotationsDone = 0
	}
	if s.workerReductionsDone < 0 {
		s.workerReductionsDone = 0
	}
	if s.containerRestartsDone < 0 {
		s.containerRestartsDone = 0
	}
}

func intField(fields map[string]json.RawMessage, key string, def int, logger *zap.Logger) int {
	raw, ok := fields[key]
	if !ok {
		return def
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Warn("invalid state field; using default", zap.String("field", key), zap.Error(err))
		return def
	}
	return v
}

// Save prunes the temp-dir list to existing directories, then writes the
// durable snapshot atomically (temp file, fsync, rename). The disk write
// happens outside the mutex.
func (s *State) Save() error {
	s.mu.Lock()
	s.tempDirs = pruneTempDirs(s.tempDirs)
	doc := durableDoc{
		CurrentWorkers:        s.currentWorkers,
		InitialWorkers:        s.initialWorkers,
		TempDirs:              append([]string(nil), s.tempDirs...),
		VPNRotationsDone:      s.vpnRotationsDone,
		WorkerReductionsDone:  s.workerReductionsDone,
		ContainerRestartsDone: s.containerRestartsDone,
		LastErrors:            s.lastErrors,
	}
	s.mu.Unlock()

	return writeAtomic(s.path, doc)
}

// pruneTempDirs drops paths that are not directories anymore, deduplicates
// by canonical path, and orders the survivors oldest to newest by mtime.
func pruneTempDirs(dirs []string) []string {
	type entry struct {
		path string
		mod  time.Time
	}
	seen := make(map[string]struct{}, len(dirs))
	kept := make([]entry, 0, len(dirs))
	for _, d := range dirs {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			// Stale paths are dropped quietly; the storage may be transiently
			// gone and the directory is rediscovered from logs next attempt.
			continue
		}
		key := canonicalPath(d)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, entry{path: d, mod: info.ModTime()})
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].mod.Before(kept[j].mod) })
	out := make([]string, len(kept))
	for i, e := range kept {
		out[i] = e.path
	}
	return out
}

func canonicalPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

// writeAtomic persists doc to path via a temp file in the same directory,
// forcing the data to stable storage before the rename.
func writeAtomic(path string, doc durableDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// AddTempDir records a crawl working directory and persists immediately.
// Paths that are not existing directories, or are already recorded, are
// ignored.
func (s *State) AddTempDir(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil
	}
	key := canonicalPath(path)

	s.mu.Lock()
	for _, d := range s.tempDirs {
		if canonicalPath(d) == key {
			s.mu.Unlock()
			return nil
		}
	}
	s.tempDirs = append(s.tempDirs, path)
	s.mu.Unlock()

	return s.Save()
}

// TempDirs returns a copy of the recorded temp directories.
func (s *State) TempDirs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tempDirs...)
}

// ResetForOverwrite wipes counters and temp-dir history for a truly fresh
// run replacing an existing artifact.
func (s *State) ResetForOverwrite() error {
	s.mu.Lock()
	s.currentWorkers = s.initialWorkers
	s.tempDirs = nil
	s.vpnRotationsDone = 0
	s.workerReductionsDone = 0
	s.containerRestartsDone = 0
	s.lastErrors = ErrorCounters{}
	s.mu.Unlock()
	return s.Save()
}

// ResetAdaptationCounts clears the adaptation budget counters. Invoked only
// when mode selection lands on a fresh crawl; within a run the counters are
// non-decreasing.
func (s *State) ResetAdaptationCounts() error {
	s.mu.Lock()
	s.vpnRotationsDone = 0
	s.workerReductionsDone = 0
	s.containerRestartsDone = 0
	s.mu.Unlock()
	return s.Save()
}

// ResetRuntimeErrors zeroes the per-category transient error counters.
func (s *State) ResetRuntimeErrors() {
	s.mu.Lock()
	s.runtimeErrors = ErrorCounters{}
	s.mu.Unlock()
}

// BeginAttempt resets every transient field for a new stage attempt.
func (s *State) BeginAttempt(stage string) {
	s.mu.Lock()
	s.status = "running"
	s.currentStage = stage
	s.lastCrawled = -1
	s.lastTotal = -1
	s.lastPending = -1
	s.lastFailed = -1
	s.lastProgressAt = time.Time{}
	s.lastChangeAt = time.Time{}
	s.ratePerMinute = 0
	s.runtimeErrors = ErrorCounters{}
	s.mu.Unlock()
}

// SetStatus updates the transient status string.
func (s *State) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// UpdateProgress feeds one crawl-statistics observation into the state. A
// strict increase in the crawled count marks progress: the progress
// timestamp advances, runtime error counters reset, and the rate estimate
// is refreshed from the delta. Anything else leaves progress state alone.
// It reports whether progress was observed.
func (s *State) UpdateProgress(p Progress) bool {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	progressed := p.Crawled > s.lastCrawled
	if progressed {
		if !s.lastChangeAt.IsZero() {
			elapsed := now.Sub(s.lastChangeAt).Minutes()
			if elapsed > 0 {
				delta := p.Crawled - max64(s.lastCrawled, 0)
				s.ratePerMinute = float64(delta) / elapsed
			}
		}
		s.lastChangeAt = now
		s.lastProgressAt = now
		s.runtimeErrors = ErrorCounters{}
	} else if !s.lastChangeAt.IsZero() && now.Sub(s.lastChangeAt) > rateDecayWindow {
		s.ratePerMinute = 0
	}

	s.lastCrawled = p.Crawled
	s.lastTotal = p.Total
	s.lastPending = p.Pending
	s.lastFailed = p.Failed
	return progressed
}

// RecordError increments the transient counter for category ("timeout",
// "http", anything else counts as other) and mirrors it into the persisted
// observability snapshot. It returns the new per-category count.
func (s *State) RecordError(category string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch category {
	case "timeout":
		s.runtimeErrors.Timeout++
		s.lastErrors.Timeout = s.runtimeErrors.Timeout
		return s.runtimeErrors.Timeout
	case "http":
		s.runtimeErrors.HTTP++
		s.lastErrors.HTTP = s.runtimeErrors.HTTP
		return s.runtimeErrors.HTTP
	default:
		s.runtimeErrors.Other++
		s.lastErrors.Other = s.runtimeErrors.Other
		return s.runtimeErrors.Other
	}
}

// ErrorCounts returns the transient error counters.
func (s *State) ErrorCounts() ErrorCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimeErrors
}

// MarkProgressChecked resets the progress timestamp after a stall fired so
// the stall check does not re-fire on the very next poll.
func (s *State) MarkProgressChecked() {
	s.mu.Lock()
	s.lastProgressAt = s.clk.Now()
	s.mu.Unlock()
}

// CurrentWorkers returns the worker count for the next container start.
func (s *State) CurrentWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentWorkers
}

// InitialWorkers returns the worker count the run started with.
func (s *State) InitialWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialWorkers
}

// SetWorkers lowers the worker count, clamped to [1, initialWorkers], and
// persists the change.
func (s *State) SetWorkers(n int) error {
	s.mu.Lock()
	if n < 1 {
		n = 1
	}
	if n > s.initialWorkers {
		n = s.initialWorkers
	}
	s.currentWorkers = n
	s.mu.Unlock()
	return s.Save()
}

// NoteWorkerReduction bumps the durable reduction counter and persists.
func (s *State) NoteWorkerReduction() error {
	s.mu.Lock()
	s.workerReductionsDone++
	s.mu.Unlock()
	return s.Save()
}

// NoteVPNRotation bumps the durable rotation counter, records the rotation
// time, and persists.
func (s *State) NoteVPNRotation() error {
	s.mu.Lock()
	s.vpnRotationsDone++
	s.lastRotationAt = s.clk.Now()
	s.mu.Unlock()
	return s.Save()
}

// NoteContainerRestart bumps the durable restart counter and persists.
func (s *State) NoteContainerRestart() error {
	s.mu.Lock()
	s.containerRestartsDone++
	s.mu.Unlock()
	return s.Save()
}

// AdaptationCounts returns the durable adaptation counters.
func (s *State) AdaptationCounts() (vpnRotations, workerReductions, containerRestarts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vpnRotationsDone, s.workerReductionsDone, s.containerRestartsDone
}

// LastRotationAt returns when the last egress rotation happened, or the
// zero time if none has in this process.
func (s *State) LastRotationAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRotationAt
}

// GetSnapshot returns a copy of the complete state for status reporting.
func (s *State) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:                s.status,
		Stage:                 s.currentStage,
		CurrentWorkers:        s.currentWorkers,
		InitialWorkers:        s.initialWorkers,
		TempDirs:              append([]string(nil), s.tempDirs...),
		VPNRotationsDone:      s.vpnRotationsDone,
		WorkerReductionsDone:  s.workerReductionsDone,
		ContainerRestartsDone: s.containerRestartsDone,
		LastCrawled:           s.lastCrawled,
		LastTotal:             s.lastTotal,
		LastPending:           s.lastPending,
		LastFailed:            s.lastFailed,
		LastProgressAt:        s.lastProgressAt,
		RatePerMinute:         s.ratePerMinute,
		Errors:                s.runtimeErrors,
	}
}

// Path returns the durable state file location.
func (s *State) Path() string {
	return s.path
}

// OutputDir returns the job output directory the state belongs to.
func (s *State) OutputDir() string {
	return s.outputDir
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
