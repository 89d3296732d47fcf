// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package rt implements a cooperative runtime driven by a virtual clock.

A [*Runtime] runs tasks one at a time. Each task is backed by a goroutine
but only the task holding the baton executes: it runs until it parks at an
explicit wait point ([Sleep], [*Notify.Wait], [*Handle.Wait]) or returns,
and then hands the baton back to the goroutine calling [*Runtime.Tick].
Nothing runs outside of Tick, so executions are reproducible.

Virtual time only moves inside [*Runtime.Tick]. Timers fire in (deadline,
creation) order and the clock never goes backward.

Tasks receive a [context.Context] carrying their identity. The package
level helpers ([Now], [Sleep], [Go]) and [*Notify] use it to find the
task and its runtime.

# Concurrency

A [*Runtime] is driven by a single goroutine. Do not call Tick, Spawn or
Close from two goroutines at the same time, and do not call Tick or Close
from inside a task.
*/
package rt

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbmk-project/common/runtimex"
)

// ErrClosed is returned by wait points when the [*Runtime] is closed.
var ErrClosed = errors.New("rt: runtime closed")

// Runtime is a cooperative runtime with a virtual clock.
//
// Construct using [New].
type Runtime struct {
	// closed is set by Close.
	closed bool

	// mu protects ready, which tasks of other runtimes may modify.
	mu sync.Mutex

	// now is the current virtual time.
	now time.Time

	// ready contains the tasks to resume in FIFO order.
	ready []*task

	// seq is the next timer sequence number.
	seq uint64

	// tasks contains the live tasks in spawn order.
	tasks []*task

	// ticking is set while Tick runs.
	ticking bool

	// timers contains the pending timers.
	timers timerHeap

	// yield receives the baton back from the running task.
	yield chan struct{}
}

// New creates a new [*Runtime] whose clock starts at epoch.
func New(epoch time.Time) *Runtime {
	return &Runtime{
		closed:  false,
		mu:      sync.Mutex{},
		now:     epoch,
		ready:   nil,
		seq:     0,
		tasks:   nil,
		ticking: false,
		timers:  timerHeap{},
		yield:   make(chan struct{}),
	}
}

// Now returns the current virtual time.
func (r *Runtime) Now() time.Time {
	return r.now
}

// Len returns the number of tasks that have not returned yet.
func (r *Runtime) Len() int {
	var count int
	for _, t := range r.tasks {
		if !t.handle.Done() {
			count++
		}
	}
	return count
}

// Spawn creates a task running fn and schedules it. The task runs
// at the next [*Runtime.Tick]. The context passed to fn derives from
// ctx and identifies the task.
//
// Spawning on a closed runtime returns a completed [*Handle].
func (r *Runtime) Spawn(ctx context.Context, fn func(ctx context.Context)) *Handle {
	h := &Handle{}
	if r.closed {
		h.done.Store(true)
		return h
	}
	t := &task{
		handle: h,
		queued: false,
		resume: make(chan error),
		rt:     r,
	}
	r.tasks = append(r.tasks, t)
	go t.run(context.WithValue(ctx, taskKey{}, t), fn)
	r.schedule(t)
	return h
}

// Tick runs the ready tasks, then advances the clock by d firing the
// expired timers in order and running the tasks they wake. Tick returns
// the new virtual time once every task is parked or done.
//
// A panic inside a task is re-raised by Tick.
func (r *Runtime) Tick(d time.Duration) time.Time {
	runtimex.Assert(!r.closed, "rt: Tick on closed runtime")
	runtimex.Assert(!r.ticking, "rt: Tick is not reentrant")
	r.ticking = true
	defer func() { r.ticking = false }()

	end := r.now.Add(max(d, 0))
	r.runReady()
	for {
		tm := r.popTimer(end)
		if tm == nil {
			break
		}
		if tm.when.After(r.now) {
			r.now = tm.when
		}
		tm.waker.fire(true)
		r.runReady()
	}
	r.now = end
	return end
}

// Close resumes every parked task with [ErrClosed] and waits for
// each of them to park again or return. Tasks that keep running after
// observing ErrClosed get ErrClosed from every further wait point.
//
// The returned error joins the panics of the tasks that panicked while
// shutting down. Close is idempotent.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var errv []error
	for _, t := range r.tasks {
		if t.handle.Done() {
			continue
		}
		t.resume <- ErrClosed
		<-r.yield
		if t.panicked {
			errv = append(errv, fmt.Errorf("rt: task panicked: %v", t.panicValue))
		}
	}
	r.tasks = nil
	r.mu.Lock()
	r.ready = nil
	r.mu.Unlock()
	r.timers = nil
	return errors.Join(errv...)
}

// schedule appends a task to the ready queue unless already queued.
func (r *Runtime) schedule(t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !t.queued {
		t.queued = true
		r.ready = append(r.ready, t)
	}
}

// popReady removes the first ready task or returns nil.
func (r *Runtime) popReady() *task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ready) <= 0 {
		return nil
	}
	t := r.ready[0]
	r.ready[0] = nil
	r.ready = r.ready[1:]
	t.queued = false
	return t
}

// runReady passes the baton to each ready task until none is left.
func (r *Runtime) runReady() {
	for {
		t := r.popReady()
		if t == nil {
			return
		}
		if t.handle.Done() {
			continue
		}
		t.resume <- nil
		<-r.yield
		if t.panicked {
			r.forget(t)
			panic(t.panicValue)
		}
		if t.handle.Done() {
			r.forget(t)
		}
	}
}

// forget removes a completed task from the live tasks.
func (r *Runtime) forget(t *task) {
	for idx, other := range r.tasks {
		if other == t {
			r.tasks = append(r.tasks[:idx], r.tasks[idx+1:]...)
			return
		}
	}
}

// addTimer arranges for w to fire at the given time.
func (r *Runtime) addTimer(when time.Time, w *waker) {
	r.seq++
	heap.Push(&r.timers, &timer{when: when, seq: r.seq, waker: w})
}

// popTimer returns the earliest live timer expiring no later than
// end, discarding timers whose waker has already fired.
func (r *Runtime) popTimer(end time.Time) *timer {
	for r.timers.Len() > 0 {
		tm := r.timers[0]
		if tm.when.After(end) {
			return nil
		}
		heap.Pop(&r.timers)
		if !tm.waker.fired {
			return tm
		}
	}
	return nil
}

// Handle refers to a spawned task.
type Handle struct {
	// done is set when the task returns.
	done atomic.Bool

	// exit wakes the tasks waiting for this task.
	exit Notify
}

// Done returns whether the task has returned.
func (h *Handle) Done() bool {
	return h.done.Load()
}

// Wait suspends the calling task until the task referred to by the
// handle returns. The error is [ErrClosed] if the runtime of the calling
// task is closed while waiting.
func (h *Handle) Wait(ctx context.Context) error {
	for !h.Done() {
		if err := h.exit.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// taskKey is the context key for the current [*task].
type taskKey struct{}

// task is a cooperative task.
type task struct {
	// handle is the public view of the task.
	handle *Handle

	// panicked is set when the task function panicked.
	panicked bool

	// panicValue is the value passed to panic.
	panicValue any

	// queued is set while the task is in the ready queue.
	queued bool

	// resume passes the baton to the task. A non-nil error
	// means the runtime is closing.
	resume chan error

	// rt is the runtime owning the task.
	rt *Runtime
}

// run is the body of the task goroutine.
func (t *task) run(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			t.panicked = true
			t.panicValue = p
		}
		t.handle.done.Store(true)
		t.handle.exit.NotifyWaiters()
		t.rt.yield <- struct{}{}
	}()
	if err := <-t.resume; err != nil {
		return
	}
	fn(ctx)
}

// park hands the baton back to the runtime and waits to be resumed.
func (t *task) park() error {
	if t.rt.closed {
		return ErrClosed
	}
	t.rt.yield <- struct{}{}
	return <-t.resume
}

// waker resumes a parked task at most once.
type waker struct {
	// fired is set by the first fire call.
	fired bool

	// task is the task to resume.
	task *task

	// timedOut is set when a timer fired the waker.
	timedOut bool
}

// fire schedules the task and returns true the first time it is called.
func (w *waker) fire(timedOut bool) bool {
	if w.fired {
		return false
	}
	w.fired = true
	w.timedOut = timedOut
	w.task.rt.schedule(w.task)
	return true
}

// mustTask returns the task stored in the context.
//
// This function panics if the context does not belong to a task.
func mustTask(ctx context.Context) *task {
	t, ok := ctx.Value(taskKey{}).(*task)
	runtimex.Assert(ok, "rt: context does not belong to a task")
	return t
}

// FromContext returns the [*Runtime] running the task owning ctx.
func FromContext(ctx context.Context) (*Runtime, bool) {
	t, ok := ctx.Value(taskKey{}).(*task)
	if !ok {
		return nil, false
	}
	return t.rt, true
}

// Now returns the virtual time of the runtime running the task.
//
// This function panics if ctx does not belong to a task.
func Now(ctx context.Context) time.Time {
	return mustTask(ctx).rt.now
}

// Sleep suspends the task for d of virtual time.
//
// This function panics if ctx does not belong to a task.
func Sleep(ctx context.Context, d time.Duration) error {
	t := mustTask(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	t.rt.addTimer(t.rt.now.Add(max(d, 0)), &waker{task: t})
	return t.park()
}

// Go spawns a new task on the runtime running the calling task.
//
// This function panics if ctx does not belong to a task.
func Go(ctx context.Context, fn func(ctx context.Context)) *Handle {
	return mustTask(ctx).rt.Spawn(ctx, fn)
}
