package dsp

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultTick is the scheduler period used when none is configured.
const DefaultTick = 20 * time.Millisecond

// Scheduler runs periodic tasks on one logical timeline. Tasks run in
// registration order, never concurrently with each other.
//
// It is safe to call methods on Scheduler from multiple goroutines.
type Scheduler struct {
	interval time.Duration

	mu    sync.Mutex
	tasks []*Task

	step sync.Mutex // serializes Step
}

// Task is a registration returned by Scheduler.Every.
type Task struct {
	s  *Scheduler
	fn func(now time.Time)

	mu      sync.Mutex
	stopped bool
}

// NewScheduler creates a scheduler ticking every interval. A non-positive
// interval selects DefaultTick.
func NewScheduler(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTick
	}
	return &Scheduler{interval: interval}
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Every registers fn to run on every tick until the returned task is
// stopped.
func (s *Scheduler) Every(fn func(now time.Time)) *Task {
	t := &Task{s: s, fn: fn}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Step runs one tick. A task stopped by an earlier task in the same tick
// does not run.
func (s *Scheduler) Step(now time.Time) {
	s.step.Lock()
	defer s.step.Unlock()

	s.mu.Lock()
	tasks := slices.Clone(s.tasks)
	s.mu.Unlock()

	for _, t := range tasks {
		t.run(now)
	}
}

// Run ticks until ctx is done and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = slices.DeleteFunc(s.tasks, func(x *Task) bool { return x == t })
}

func (t *Task) run(now time.Time) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.fn(now)
}

// Stop deregisters the task. Once Stop returns the task function is not
// started again. Stop is idempotent and may be called from inside the task.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.s.remove(t)
}

// Stopped reports whether Stop has been called.
func (t *Task) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
