// File: reactor/timer.go
// Author: momentics <momentics@gmail.com>

package reactor

import "time"

// TimerWatcher fires its handler after a delay, optionally repeating.
// A watcher has at most one pending expiry; re-arming replaces it.
type TimerWatcher struct {
	loop     *Loop
	after    time.Duration
	repeat   time.Duration
	handler  Handler
	deadline time.Time
	active   bool
	index    int // position in the heap, -1 when not queued
	seq      uint64
	gen      uint64
}

// Again sets the repeat interval and re-arms the timer with it.
func (t *TimerWatcher) Again(repeat time.Duration) {
	t.loop.mu.Lock()
	t.repeat = repeat
	t.loop.mu.Unlock()
	t.loop.RearmTimer(t)
}

// Active reports whether an expiry is pending.
func (t *TimerWatcher) Active() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.active
}

// Deadline returns the pending expiry time.
func (t *TimerWatcher) Deadline() time.Time {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.deadline
}

// timerHeap orders watchers by deadline, then by arming order.
type timerHeap []*TimerWatcher

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*TimerWatcher)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
