// Package jobs runs numeric kernels off the caller's goroutine with dependency handles.
//
// A Handle is a future for one scheduled job. Jobs start only after all of their
// dependencies completed; a failed dependency fails every job that depends on it
// without running it. A nil *Handle is a valid, already-completed handle.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrPanic wraps a recovered panic.
var ErrPanic = errors.New("job panicked")

// Executor bounds how many jobs run at once.
type Executor struct {
	sem     *semaphore.Weighted
	workers int
	running atomic.Int64
	ran     atomic.Int64
}

// NewExecutor creates an executor running at most workers jobs concurrently.
func NewExecutor(workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
	}
}

// Workers returns the concurrency limit.
func (e *Executor) Workers() int {
	return e.workers
}

// Running returns how many job functions are executing right now.
func (e *Executor) Running() int64 {
	return e.running.Load()
}

// Completed returns how many job functions have run to completion or failure.
func (e *Executor) Completed() int64 {
	return e.ran.Load()
}

// Handle tracks a scheduled job.
type Handle struct {
	done chan struct{}
	err  error
}

// Done returns a channel closed when the job finished.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		return closed
	}
	return h.done
}

// Err returns the job error. Only valid after Done is closed.
func (h *Handle) Err() error {
	if h == nil {
		return nil
	}
	return h.err
}

// Wait blocks until the job finished or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Schedule runs fn after every dependency finished. fn runs on a pool slot; a panic
// inside fn is recovered and reported as the handle's error.
func (e *Executor) Schedule(fn func() error, deps ...*Handle) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		for _, d := range deps {
			if d == nil {
				continue
			}
			<-d.done
			if d.err != nil {
				h.err = d.err
				return
			}
		}

		// Acquire with a background context: there is no mid-build cancellation.
		_ = e.sem.Acquire(context.Background(), 1)
		e.running.Add(1)
		defer func() {
			e.running.Add(-1)
			e.sem.Release(1)
			e.ran.Add(1)
		}()
		h.err = run(fn)
	}()
	return h
}

// Combine returns a handle that completes when all handles completed. The first
// non-nil error in argument order is reported. Returns nil when no non-nil handle is given.
func Combine(handles ...*Handle) *Handle {
	var live []*Handle
	for _, h := range handles {
		if h != nil {
			live = append(live, h)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}

	out := &Handle{done: make(chan struct{})}
	go func() {
		defer close(out.done)
		for _, h := range live {
			<-h.done
			if h.err != nil && out.err == nil {
				out.err = h.err
			}
		}
	}()
	return out
}

// Complete returns a finished handle carrying err.
func Complete(err error) *Handle {
	return &Handle{done: closed, err: err}
}

// PanicError converts a recovered value into an ErrPanic error carrying the stack.
func PanicError(r any) error {
	return fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
}

// Guard calls fn on the caller's goroutine and reports a panic the way a scheduled
// job's panic is reported.
func Guard(fn func() error) error {
	return run(fn)
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError(r)
		}
	}()
	return fn()
}
