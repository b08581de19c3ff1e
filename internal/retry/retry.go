// Package retry schedules background sync attempts after failed pushes,
// using capped exponential backoff.
package retry

import (
	"log/slog"
	"sync"
	"time"
)

// Default backoff settings
const (
	DefaultBase        = 30 * time.Second
	DefaultMax         = 5 * time.Minute
	DefaultMaxAttempts = 10
)

// Backoff describes the delay between consecutive attempts
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns 30s base, 5m cap and 10 attempts
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBase, Max: DefaultMax, MaxAttempts: DefaultMaxAttempts}
}

// Delay returns min(Base * 2^(attempt-1), Max). Attempts below 1 are treated
// as the first attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Timer is a cancellable pending callback
type Timer interface {
	Stop() bool
}

// Clock abstracts time so schedules can be driven by tests
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns a Clock backed by the time package
func RealClock() Clock { return realClock{} }

// Scheduler holds the retry state of one store. At most one attempt is in
// flight and no timer is armed while an attempt runs.
type Scheduler struct {
	backoff Backoff
	clock   Clock
	attempt func() error
	logger  *slog.Logger

	mu         sync.Mutex
	timer      Timer
	gen        uint64
	count      int
	inProgress bool
	gaveUp     bool
	stopped    bool
}

// New creates a scheduler. attempt runs one retry and blocks until it has
// finished; it is called from the timer goroutine.
func New(backoff Backoff, clock Clock, attempt func() error, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{
		backoff: backoff,
		clock:   clock,
		attempt: attempt,
		logger:  logger,
	}
}

// OnFailure arms the next attempt unless one is already scheduled, running,
// or the scheduler has given up.
func (s *Scheduler) OnFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.gaveUp || s.inProgress || s.timer != nil {
		return
	}
	s.scheduleLocked()
}

// Rearm resets the retry count and clears the given-up state. Called on every
// organic write.
func (s *Scheduler) Rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gaveUp {
		s.logger.Info("retry re-armed by new write")
	}
	s.count = 0
	s.gaveUp = false
}

// Succeeded records that the latest state reached the remote outside of a
// retry attempt. Any armed timer is cancelled.
func (s *Scheduler) Succeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.count = 0
	s.gaveUp = false
}

// Stop cancels the armed timer and prevents further scheduling
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.stopTimerLocked()
}

// InProgress reports whether an attempt is running
func (s *Scheduler) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// Scheduled reports whether a timer is armed
func (s *Scheduler) Scheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// RetryCount returns the number of consecutive failed attempts
func (s *Scheduler) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// GaveUp reports whether the attempt limit was reached
func (s *Scheduler) GaveUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gaveUp
}

func (s *Scheduler) scheduleLocked() {
	delay := s.backoff.Delay(s.count + 1)
	s.logger.Info("scheduling sync retry", "attempt", s.count+1, "delay", delay)

	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	// A timer that was replaced or stopped after it had already fired
	if s.gen != gen || s.timer == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.inProgress = true
	attempt := s.count + 1
	s.mu.Unlock()

	err := s.attempt()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inProgress = false
	if err == nil {
		s.logger.Info("sync retry succeeded", "attempt", attempt)
		s.count = 0
		s.gaveUp = false
		return
	}

	s.count++
	if s.stopped {
		return
	}
	if s.backoff.MaxAttempts > 0 && s.count >= s.backoff.MaxAttempts {
		s.gaveUp = true
		s.logger.Warn("giving up on sync retries until the next write", "attempts", s.count, "error", err)
		return
	}
	s.logger.Warn("sync retry failed", "attempt", attempt, "error", err)
	s.scheduleLocked()
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
