// SPDX-License-Identifier: GPL-3.0-or-later

package rt

import (
	"container/heap"
	"time"
)

// timer wakes a [*waker] at a given virtual time.
type timer struct {
	// when is the virtual time when the timer expires.
	when time.Time

	// seq orders timers expiring at the same time by creation.
	seq uint64

	// waker is the waker to fire.
	waker *waker
}

// timerHeap is a min-heap of [*timer] ordered by (when, seq).
type timerHeap []*timer

var _ heap.Interface = &timerHeap{}

// Len implements [heap.Interface].
func (h timerHeap) Len() int {
	return len(h)
}

// Less implements [heap.Interface].
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

// Swap implements [heap.Interface].
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

// Push implements [heap.Interface].
func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timer))
}

// Pop implements [heap.Interface].
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
