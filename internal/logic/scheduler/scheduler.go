// Package scheduler runs the controller's periodic monitor.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
)

var ErrInvalidPeriod = errors.New("scheduler: period must be positive")

// Task is run once per period. *motion.Controller satisfies it.
type Task interface {
	Tick()
}

// TaskFunc adapts a function to Task.
type TaskFunc func()

func (f TaskFunc) Tick() { f() }

// Scheduler calls a Task at a fixed period on its own goroutine. A tick that
// overruns the period delays the next one instead of queueing extra ticks.
type Scheduler struct {
	period time.Duration
	task   Task

	mu        sync.RWMutex
	listeners []func(time.Duration)
	ticks     uint64
	overruns  uint64
}

// New creates a scheduler for task.
func New(period time.Duration, task Task) (*Scheduler, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return &Scheduler{period: period, task: task}, nil
}

// Period returns the tick period.
func (s *Scheduler) Period() time.Duration { return s.period }

// AddListener registers fn to receive the duration of every tick.
func (s *Scheduler) AddListener(fn func(time.Duration)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Ticks returns the number of ticks run and how many overran the period.
func (s *Scheduler) Ticks() (ticks, overruns uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ticks, s.overruns
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	debug.Verbose("Scheduler running every %v", s.period)

	for {
		select {
		case <-ctx.Done():
			debug.Verbose("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.runOnce()
		}
	}
}

// Start runs the scheduler in a separate goroutine. The returned channel is
// closed once it has stopped.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return done
}

func (s *Scheduler) runOnce() {
	start := time.Now()
	s.task.Tick()
	took := time.Since(start)

	s.mu.Lock()
	s.ticks++
	if took > s.period {
		s.overruns++
		debug.Live("Tick took %v, longer than period %v", took, s.period)
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(took)
	}
}
