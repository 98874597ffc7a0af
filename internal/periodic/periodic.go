// Package periodic implements the cancellable timed-job primitive used by
// every device loop in this module: wait for an interval, run a body, repeat,
// until stopped. Stop always terminates the worker goroutine before
// returning, and never relies on interrupting blocking I/O.
package periodic

import (
	"context"
	"sync"
	"time"

	"go.viam.com/utils"
)

// Interval returns the current tick interval. Implementations typically
// re-read settings on every call so a running job picks up config changes on
// its next tick rather than needing a restart.
type Interval func() time.Duration

// Job runs fn every Interval() until Stop is called. Start is idempotent (a
// second Start before Stop is a no-op), and Stop blocks until the worker has
// fully exited.
type Job struct {
	mu       sync.Mutex
	workers  *utils.StoppableWorkers
	interval Interval
	fn       func(ctx context.Context)
}

// New creates a Job that is not yet running.
func New(interval Interval, fn func(ctx context.Context)) *Job {
	return &Job{interval: interval, fn: fn}
}

// Start launches the background worker if it is not already running.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.workers != nil {
		return
	}
	j.workers = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		for utils.SelectContextOrWait(ctx, j.interval()) {
			j.fn(ctx)
		}
	})
}

// Stop cancels the worker and blocks until it has exited. Safe to call
// multiple times and safe to call on a Job that was never started.
func (j *Job) Stop() {
	j.mu.Lock()
	workers := j.workers
	j.workers = nil
	j.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

// Running reports whether the worker goroutine is currently active.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.workers != nil
}
