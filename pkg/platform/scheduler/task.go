// Package scheduler runs a function periodically behind a start/stop handle.
//
// A Task owns one goroutine while running. Ticks of the same Task never
// overlap: a tick that outlives the interval causes the following ticks to be
// dropped, not queued. Stop cancels the context handed to the running tick and
// guarantees that no further tick starts once it returns; it does not wait for
// the running tick, so a tick may stop its own Task.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Task is a cancellable periodic job.
type Task struct {
	name      string
	interval  time.Duration
	fn        func(ctx context.Context)
	immediate bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Task.
type Option func(*Task)

// WithImmediate runs the first tick as soon as the Task starts instead of
// after the first interval.
func WithImmediate() Option {
	return func(t *Task) {
		t.immediate = true
	}
}

// New creates a stopped Task. A non-positive interval falls back to one second.
func New(name string, interval time.Duration, fn func(ctx context.Context), opts ...Option) *Task {
	if interval <= 0 {
		interval = time.Second
	}
	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Interval returns the tick interval.
func (t *Task) Interval() time.Duration {
	return t.interval
}

// Start launches the loop. It returns false when the Task is already running.
// Cancelling parent stops the loop as if Stop had been called.
func (t *Task) Start(parent context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	prev := t.done
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go t.loop(ctx, prev, done)
	return true
}

// Stop cancels the loop. It returns false when the Task was not running.
func (t *Task) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel == nil {
		return false
	}
	t.cancel()
	t.cancel = nil
	return true
}

// Running reports whether the loop is active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Wait blocks until the most recently started loop has exited. Calling Wait
// from inside a tick deadlocks.
func (t *Task) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (t *Task) loop(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer t.release(done)

	// a restart must not overlap the tick of the previous run
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	if t.immediate && ctx.Err() == nil {
		t.fn(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			t.fn(ctx)
		}
	}
}

// release clears the running state when the loop exits on parent cancellation.
func (t *Task) release(done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == done && t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
