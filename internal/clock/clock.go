// Package clock abstracts time so stall and cooldown logic is testable.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and interruptible sleeps.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until stop is closed, whichever comes first.
	// It reports whether the full duration elapsed.
	Sleep(d time.Duration, stop <-chan struct{}) bool
}

// System implements Clock using the wall clock.
type System struct{}

// NewSystem creates a System clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Sleep waits for d unless stop is closed first.
func (System) Sleep(d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

// Manual is a hand-advanced Clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the manually set time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Sleep advances the clock by d and returns immediately.
func (m *Manual) Sleep(d time.Duration, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return false
	default:
	}
	m.Advance(d)
	return true
}
