// SPDX-License-Identifier: GPL-3.0-or-later

package rt

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Notify wakes tasks waiting for an event.
//
// [*Notify.NotifyOne] wakes the oldest waiting task or, when no task
// is waiting, stores a single permit consumed by the next wait. Waking
// a task only schedules it: the task runs when its [*Runtime] is ticked.
// Waiters may belong to different runtimes.
//
// The zero value is ready to use.
type Notify struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// permit is set by NotifyOne when nobody is waiting.
	permit bool

	// waiters contains the wakers of waiting tasks in FIFO order.
	waiters []*waker
}

// NotifyOne wakes the oldest waiting task or stores a permit.
func (n *Notify) NotifyOne() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for len(n.waiters) > 0 {
		w := n.waiters[0]
		n.waiters = n.waiters[1:]
		if w.fire(false) {
			return
		}
	}
	n.permit = true
}

// NotifyWaiters wakes all the waiting tasks without storing a permit.
func (n *Notify) NotifyWaiters() {
	n.mu.Lock()
	waiters := n.waiters
	n.waiters = nil
	n.mu.Unlock()
	for _, w := range waiters {
		w.fire(false)
	}
}

// Wait suspends the calling task until it is notified.
//
// The context must have been created by the [*Runtime] running the
// task. The error is [ErrClosed] if the runtime is closed while
// waiting, or the context error if the context is already done.
func (n *Notify) Wait(ctx context.Context) error {
	_, err := n.wait(ctx, 0, false)
	return err
}

// WaitTimeout is like [*Notify.Wait] but gives up after the given
// amount of virtual time. The boolean is false on timeout.
func (n *Notify) WaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return n.wait(ctx, d, true)
}

// wait implements Wait and WaitTimeout.
func (n *Notify) wait(ctx context.Context, d time.Duration, withTimeout bool) (bool, error) {
	t := mustTask(ctx)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	n.mu.Lock()
	if n.permit {
		n.permit = false
		n.mu.Unlock()
		return true, nil
	}
	w := &waker{task: t}
	n.waiters = append(n.waiters, w)
	n.mu.Unlock()

	if withTimeout {
		t.rt.addTimer(t.rt.now.Add(max(d, 0)), w)
	}

	if err := t.park(); err != nil {
		n.remove(w)
		return false, err
	}
	if w.timedOut {
		n.remove(w)
		return false, nil
	}
	return true, nil
}

// remove removes a waker from the waiters.
func (n *Notify) remove(w *waker) {
	n.mu.Lock()
	n.waiters = slices.DeleteFunc(n.waiters, func(other *waker) bool {
		return other == w
	})
	n.mu.Unlock()
}
