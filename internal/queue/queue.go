// Package queue implements the priority task queue: push, cancel-by-id,
// clear, stop/run, close/open, idle-wait, and flush-with-progress, over
// a bounded-concurrency pool of promoted tasks (§4.2).
//
// Coding standard (mirrors the worker-pool convention this package
// replaces): naked goroutines are forbidden outside of the scheduler's
// own bookkeeping; task execution always goes through the ants.Pool so
// panics are recovered in one place.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/percy-io/percy-core/internal/adapter"
	"github.com/percy-io/percy-core/internal/pkgerrors"
)

// TaskID is a stable string identifier, unique across queued ∪ pending.
// Ids beginning with "@@/" are reserved sentinels (e.g. "@@/flush") and
// are immune to the closed-queue rejection in Push.
type TaskID string

// FlushTaskID is the barrier sentinel pushed by Flush.
const FlushTaskID TaskID = "@@/flush"

// IsSentinel reports whether id is a reserved "@@/"-prefixed id.
func IsSentinel(id TaskID) bool {
	return len(id) >= 3 && id[:3] == "@@/"
}

// Priority ranks a queued task. Lower Value runs earlier; IsNull ranks
// the task after every numerically-prioritized task (the lowest rank).
type Priority struct {
	Value  int
	IsNull bool
}

// NumPriority builds a numeric priority.
func NumPriority(v int) Priority { return Priority{Value: v} }

// NullPriority builds the "no priority" rank (lowest, runs last).
func NullPriority() Priority { return Priority{IsNull: true} }

// less reports whether p should be promoted ahead of other, per the
// selection rule in §4.2: numeric outranks null; lower numeric value
// outranks higher.
func (p Priority) less(other Priority) bool {
	if !p.IsNull && other.IsNull {
		return true
	}
	if p.IsNull || other.IsNull {
		return false
	}
	return p.Value < other.Value
}

// entry is a task's bookkeeping record plus its settlement state. It
// is deliberately distinct from adapter.Future: a queued entry must
// NOT start running until the scheduler promotes it, whereas
// adapter.Go starts immediately.
type entry struct {
	id       TaskID
	priority Priority
	runnable adapter.Runnable
	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	value    any
	err      error
	settled  bool
	canceled bool
}

func newEntry(id TaskID, priority Priority, r adapter.Runnable) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	return &entry{
		id:       id,
		priority: priority,
		runnable: r,
		ctx:      ctx,
		cancelFn: cancel,
		done:     make(chan struct{}),
	}
}

// cancelAndSettle is used by Cancel/Clear/Close(true): it settles the
// future as canceled immediately, which is the only way a task that
// never started running (still in queued) gets a result at all.
func (e *entry) cancelAndSettle() {
	e.mu.Lock()
	if e.settled {
		e.mu.Unlock()
		return
	}
	e.canceled = true
	e.settled = true
	e.err = &pkgerrors.CanceledError{TaskID: string(e.id)}
	close(e.done)
	e.mu.Unlock()
	e.cancelFn()
}

// settle is used by the scheduler when a promoted task's callback
// returns naturally. If the entry had already been force-canceled
// (removed from pending by Cancel but still running in the
// background), this is a no-op — the future already settled.
func (e *entry) settle(value any, err error) {
	e.mu.Lock()
	if e.settled {
		e.mu.Unlock()
		return
	}
	e.settled = true
	if e.canceled || e.ctx.Err() != nil {
		e.err = &pkgerrors.CanceledError{TaskID: string(e.id)}
	} else {
		e.value, e.err = value, err
	}
	close(e.done)
	e.mu.Unlock()
}

func (e *entry) wait() (any, error) {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.err
}

// Future is the handle returned by Push: a thenable (Wait/Done) plus a
// cancel() method that routes back through the owning Queue so
// cancellation updates queue bookkeeping, not just this entry.
type Future struct {
	q  *Queue
	id TaskID
	e  *entry
}

// Cancel cancels the task if still queued or pending. Idempotent.
func (f *Future) Cancel() { f.q.Cancel(f.id) }

// Wait blocks for the task's result or canceled error.
func (f *Future) Wait() (any, error) { return f.e.wait() }

// Done returns a channel closed once the task has settled.
func (f *Future) Done() <-chan struct{} { return f.e.done }

// Queue is the priority task queue described in §3/§4.2.
type Queue struct {
	mu          sync.Mutex
	concurrency int
	running     bool
	closed      bool

	queued *list.List // of *entry, insertion order
	index  map[TaskID]*list.Element
	pending map[TaskID]*entry

	pool *ants.Pool
}

// PanicHandler is installed as the ants pool's panic handler and is
// called with an empty task id. Task callbacks run under
// adapter.SafeRun, which recovers their panics first and delivers them
// to the task's future as an error, so a task panic does not reach
// this handler.
type PanicHandler func(taskID TaskID, recovered any)

// Option configures New.
type Option func(*options)

type options struct {
	onPanic PanicHandler
}

// WithPanicHandler installs h as the pool's panic handler (see
// PanicHandler for when it is reached). SetConcurrency builds its new
// pool without a handler.
func WithPanicHandler(h PanicHandler) Option {
	return func(o *options) { o.onPanic = h }
}

// New creates a Queue with the given concurrency (must be >= 1). The
// queue starts stopped and open; call Run to begin promoting tasks.
func New(concurrency int, opts ...Option) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue{
		concurrency: concurrency,
		queued:      list.New(),
		index:       make(map[TaskID]*list.Element),
		pending:     make(map[TaskID]*entry),
	}
	q.pool = q.newPool(concurrency, o.onPanic)
	return q
}

func (q *Queue) newPool(size int, onPanic PanicHandler) *ants.Pool {
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(p interface{}) {
			if onPanic != nil {
				onPanic("", p)
			}
		}),
	)
	if err != nil {
		// ants.NewPool only fails for size <= 0, already guarded above.
		panic(fmt.Sprintf("queue: unexpected ants.NewPool error: %v", err))
	}
	return pool
}

// SetConcurrency replaces the pool backing this queue with one of size
// n and re-enters the scheduler.
func (q *Queue) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	old := q.pool
	q.concurrency = n
	q.pool = q.newPool(n, nil)
	q.mu.Unlock()
	old.Release()
	q.promote()
}

// removeLocked removes id from whichever of queued/pending holds it
// and returns its entry, or nil if absent. Caller must hold q.mu.
func (q *Queue) removeLocked(id TaskID) *entry {
	if e, ok := q.pending[id]; ok {
		delete(q.pending, id)
		return e
	}
	if el, ok := q.index[id]; ok {
		delete(q.index, id)
		q.queued.Remove(el)
		return el.Value.(*entry)
	}
	return nil
}

// Push cancels any existing task with id, enqueues a new one, and
// triggers the scheduler. If the queue is closed and id is not a
// reserved sentinel, the call is silently dropped (returns nil).
func (q *Queue) Push(id TaskID, priority Priority, fn func(context.Context) (any, error)) *Future {
	return q.push(id, priority, adapter.OneShot(fn))
}

// PushStepped is Push for a multi-step (lazy async sequence) task.
func (q *Queue) PushStepped(id TaskID, priority Priority, steps []adapter.Step) *Future {
	return q.push(id, priority, adapter.Stepped(steps))
}

func (q *Queue) push(id TaskID, priority Priority, r adapter.Runnable) *Future {
	q.mu.Lock()
	if q.closed && !IsSentinel(id) {
		q.mu.Unlock()
		return nil
	}
	prior := q.removeLocked(id)
	e := newEntry(id, priority, r)
	el := q.queued.PushBack(e)
	q.index[id] = el
	q.mu.Unlock()

	if prior != nil {
		prior.cancelAndSettle()
	}
	q.promote()
	return &Future{q: q, id: id, e: e}
}

// Cancel calls cancel() on the pending task (if any), then removes id
// from both queued and pending. Idempotent.
func (q *Queue) Cancel(id TaskID) {
	q.mu.Lock()
	e := q.removeLocked(id)
	q.mu.Unlock()
	if e != nil {
		e.cancelAndSettle()
	}
	q.promote()
}

// Has reports whether id is queued or pending.
func (q *Queue) Has(id TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; ok {
		return true
	}
	_, ok := q.index[id]
	return ok
}

// Clear empties only queued (pending tasks keep running) and returns
// the prior total size (queued + pending).
func (q *Queue) Clear() int {
	q.mu.Lock()
	total := q.queued.Len() + len(q.pending)
	cancelled := make([]*entry, 0, q.queued.Len())
	for el := q.queued.Front(); el != nil; el = el.Next() {
		cancelled = append(cancelled, el.Value.(*entry))
	}
	q.queued.Init()
	q.index = make(map[TaskID]*list.Element)
	q.mu.Unlock()

	for _, e := range cancelled {
		e.cancelAndSettle()
	}
	return total
}

// Size is |queued| + |pending|.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued.Len() + len(q.pending)
}

// Run sets running=true and promotes tasks up to capacity.
func (q *Queue) Run() *Queue {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()
	q.promote()
	return q
}

// Stop sets running=false. Pending tasks are not canceled; no further
// promotions happen until Run is called again.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

// IsRunning reports the current running flag.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Open clears the closed flag.
func (q *Queue) Open() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// Close sets the closed flag. If abort is true it also stops and
// clears (pending tasks still run to completion; only queued tasks are
// dropped as canceled).
func (q *Queue) Close(abort bool) {
	if abort {
		q.Stop()
		q.Clear()
	}
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// IsClosed reports the current closed flag.
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// nextLocked implements the §4.2 selection rule: scan queued in
// insertion order, tracking the best candidate; stop scanning
// immediately upon encountering the flush barrier so nothing queued
// after it can be promoted ahead of it. Caller must hold q.mu.
func (q *Queue) nextLocked() *list.Element {
	var best *list.Element
	for el := q.queued.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if best == nil || e.priority.less(best.Value.(*entry).priority) {
			best = el
		}
		if e.id == FlushTaskID {
			break
		}
	}
	return best
}

// promote repeatedly selects and starts tasks while running, under
// capacity, and queued is non-empty.
func (q *Queue) promote() {
	for {
		q.mu.Lock()
		if !q.running || len(q.pending) >= q.concurrency || q.queued.Len() == 0 {
			q.mu.Unlock()
			return
		}
		el := q.nextLocked()
		if el == nil {
			q.mu.Unlock()
			return
		}
		e := el.Value.(*entry)
		q.queued.Remove(el)
		delete(q.index, e.id)
		q.pending[e.id] = e
		pool := q.pool
		q.mu.Unlock()

		q.submit(pool, e)
	}
}

func (q *Queue) submit(pool *ants.Pool, e *entry) {
	err := pool.Submit(func() {
		value, runErr := adapter.SafeRun(e.ctx, e.runnable)
		q.complete(e.id, value, runErr)
	})
	if err != nil {
		// Pool rejected submission (e.g. released mid-resize); settle
		// the task as failed rather than leaving it stuck in pending.
		q.complete(e.id, nil, err)
	}
}

// complete is called once a promoted task's callback returns. If the
// task was already force-canceled (and thus already removed from
// pending), this only re-enters the scheduler.
func (q *Queue) complete(id TaskID, value any, err error) {
	q.mu.Lock()
	e, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if ok {
		e.settle(value, err)
	}
	q.promote()
}

// Idle waits until pending is empty, polling at least every 10ms and
// invoking onPoll(pendingCount) on each poll.
func (q *Queue) Idle(ctx context.Context, onPoll func(pending int)) error {
	return q.pollUntil(ctx, func() int {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.pending)
	}, onPoll)
}

// Empty waits until Size() is zero, same polling shape as Idle.
func (q *Queue) Empty(ctx context.Context, onPoll func(size int)) error {
	return q.pollUntil(ctx, q.Size, onPoll)
}

func (q *Queue) pollUntil(ctx context.Context, measure func() int, onPoll func(int)) error {
	const pollInterval = 10 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		n := measure()
		if onPoll != nil {
			onPoll(n)
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) queuedIndexOf(id TaskID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := 0
	for el := q.queued.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).id == id {
			return i
		}
		i++
	}
	return -1
}

// FlushHandle is the cancelable handle returned by Flush.
type FlushHandle struct {
	done chan struct{}
	cancel context.CancelFunc
	err  error
}

// Wait blocks until the flush completes (or is canceled).
func (h *FlushHandle) Wait() error {
	<-h.done
	return h.err
}

// Cancel cancels the in-flight flush: it cancels the @@/flush sentinel
// and restores the queue's prior running state.
func (h *FlushHandle) Cancel() { h.cancel() }

// Flush ensures the queue is running, enqueues the @@/flush barrier
// task, and waits (via Idle) for pending to drain to zero. onPoll is
// called with pendingCount + the 0-based queued index of @@/flush (0
// if @@/flush has itself been promoted to pending).
func (q *Queue) Flush(ctx context.Context, onPoll func(ahead int)) *FlushHandle {
	flushCtx, cancel := context.WithCancel(ctx)
	h := &FlushHandle{done: make(chan struct{}), cancel: cancel}

	q.mu.Lock()
	wasRunning := q.running
	q.mu.Unlock()
	if !wasRunning {
		q.Run()
	}

	flushFut := q.Push(FlushTaskID, NullPriority(), func(context.Context) (any, error) {
		if !wasRunning {
			q.Stop()
		}
		return nil, nil
	})

	go func() {
		defer close(h.done)
		err := q.Idle(flushCtx, func(pending int) {
			if onPoll == nil {
				return
			}
			ahead := q.queuedIndexOf(FlushTaskID)
			if ahead < 0 {
				ahead = 0
			}
			onPoll(pending + ahead)
		})
		if err != nil {
			q.Cancel(FlushTaskID)
			if !wasRunning {
				q.Stop()
			}
			h.err = err
			return
		}
		if flushFut != nil {
			if _, werr := flushFut.Wait(); werr != nil && !pkgerrors.IsCanceled(werr) {
				h.err = werr
			}
		}
	}()

	return h
}
