// Package adapter implements the Promise-Generator Adapter: a uniform
// cancellation handle over both one-shot callbacks and multi-step
// ("lazy async sequence") callbacks, so the queue can cancel either
// shape the same way, at the callback's next suspension point.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/percy-io/percy-core/internal/pkgerrors"
)

// Step is one suspension point of a Stepped runnable. It receives the
// same context passed to Run and returns an intermediate value that is
// discarded unless it is the final step.
type Step func(ctx context.Context) (any, error)

// Runnable is the unit of work a Future (or a queue.Queue) drives.
// OneShot and Stepped are the two shapes the spec distinguishes; both
// satisfy Runnable so the driver doesn't need to know which one it's
// holding.
type Runnable interface {
	Run(ctx context.Context) (any, error)
}

// OneShot wraps a plain callback that runs to completion without
// intermediate suspension points of its own. It is still canceled if
// ctx is done before it's invoked.
type OneShot func(ctx context.Context) (any, error)

func (f OneShot) Run(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return f(ctx)
}

// Stepped wraps a lazy async sequence: steps run in order, each
// awaited before the next begins, with a cancellation check between
// every pair. The result of the final step is the runnable's result.
type Stepped []Step

func (s Stepped) Run(ctx context.Context) (any, error) {
	var result any
	for _, step := range s {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		v, err := step(ctx)
		if err != nil {
			return nil, err
		}
		result = v
	}
	return result, nil
}

// Future is the thenable/cancel handle produced by Go. Cancel is
// idempotent; Wait blocks until the runnable settles and returns its
// value or a canceled error.
type Future struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	value     any
	err       error
	settled   bool
	cancelled bool
}

// Go starts r under a child of parent, returning a Future that can be
// canceled independently of parent. Synchronous panics inside r are
// recovered and surfaced as the future's error.
func Go(parent context.Context, id string, r Runnable) *Future {
	ctx, cancelFn := context.WithCancel(parent)
	fut := &Future{
		id:     id,
		done:   make(chan struct{}),
		cancel: cancelFn,
	}

	go func() {
		defer close(fut.done)
		value, err := SafeRun(ctx, r)
		fut.settle(value, err, ctx)
	}()

	return fut
}

// SafeRun executes r, recovering a synchronous panic and surfacing it
// as a plain error instead of crashing the caller's goroutine.
func SafeRun(ctx context.Context, r Runnable) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panic: %v", p)
		}
	}()
	return r.Run(ctx)
}

func (f *Future) settle(value any, err error, ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return
	}
	f.settled = true
	if ctx.Err() != nil || f.cancelled {
		f.err = &pkgerrors.CanceledError{TaskID: f.id}
		return
	}
	f.value, f.err = value, err
}

// Cancel requests cancellation of the in-flight runnable at its next
// suspension point. Subsequent calls are no-ops.
func (f *Future) Cancel() {
	f.mu.Lock()
	already := f.cancelled
	f.cancelled = true
	f.mu.Unlock()
	if !already {
		f.cancel()
	}
}

// Canceled reports whether this future was canceled (regardless of
// whether the runnable had already finished by the time Cancel ran).
func (f *Future) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Done returns a channel closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles and returns its value or error.
func (f *Future) Wait() (any, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Peek returns the current value/error without blocking, plus whether
// the future has settled yet.
func (f *Future) Peek() (value any, err error, settled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.settled
}
