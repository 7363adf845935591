// File: reactor/loop.go
// Author: momentics <momentics@gmail.com>
//
// Loop multiplexes I/O readiness and timers on one goroutine. Watchers may
// be added, re-armed and removed from any goroutine; handlers always run on
// the goroutine inside Run, one at a time, in the order their events were
// collected.

package reactor

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/logging"
)

// ErrAlreadyRunning is returned by Run when another goroutine is inside it.
var ErrAlreadyRunning = errors.New("reactor: loop already running")

// Loop is the reactor. A stopped loop cannot be restarted.
type Loop struct {
	cfg    Config
	log    *slog.Logger
	poller poller

	mu       sync.Mutex
	watchers map[int]*IoWatcher
	timers   timerHeap
	tasks    *queue.Queue // func(), submitted from any goroutine
	seq      uint64
	closed   bool

	running  atomic.Bool
	stopping atomic.Bool

	// owned by the loop goroutine
	ready    []readyEvent
	dispatch *queue.Queue // Event
}

// NewLoop creates a loop with its OS poller.
func NewLoop(cfg Config, logger *slog.Logger) (*Loop, error) {
	cfg = cfg.normalized()
	p, err := newPoller(cfg.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("reactor: create poller: %w", err)
	}
	return &Loop{
		cfg:      cfg,
		log:      logging.Component(logger, "reactor"),
		poller:   p,
		watchers: make(map[int]*IoWatcher, cfg.MaxWatchers),
		tasks:    queue.New(),
		ready:    make([]readyEvent, cfg.MaxEvents),
		dispatch: queue.New(),
	}, nil
}

// WatchIO registers fd for the given readiness interest. The table is
// bounded by Config.MaxWatchers and a descriptor may be watched once.
func (l *Loop) WatchIO(fd int, in Interest, h Handler) (*IoWatcher, error) {
	if fd < 0 || in == 0 || h == nil {
		return nil, fmt.Errorf("reactor: watch fd %d: %w", fd, api.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, api.ErrLoopClosed
	}
	if _, dup := l.watchers[fd]; dup {
		return nil, fmt.Errorf("reactor: fd %d: %w", fd, api.ErrAlreadyRegistered)
	}
	if len(l.watchers) >= l.cfg.MaxWatchers {
		return nil, fmt.Errorf("reactor: fd %d: %w", fd, api.ErrWatcherTableFull)
	}
	if err := l.poller.add(fd, in); err != nil {
		return nil, fmt.Errorf("reactor: register fd %d: %w", fd, err)
	}
	w := &IoWatcher{fd: fd, interest: in, handler: h, active: true}
	l.watchers[fd] = w
	l.log.Debug("io watcher started", "fd", fd, "interest", in.String())
	l.wakeLocked()
	return w, nil
}

// UnwatchIO removes w. Events already collected for w are discarded.
func (l *Loop) UnwatchIO(w *IoWatcher) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.watchers[w.fd]
	if !ok || cur != w {
		return api.ErrNotRegistered
	}
	delete(l.watchers, w.fd)
	w.active = false
	if l.closed {
		return nil
	}
	if err := l.poller.del(w.fd); err != nil {
		return fmt.Errorf("reactor: unregister fd %d: %w", w.fd, err)
	}
	return nil
}

// Watchers returns the number of registered I/O watchers.
func (l *Loop) Watchers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watchers)
}

// WatchTimer creates a timer armed to fire after the initial delay. A
// positive repeat re-arms it automatically after every expiry.
func (l *Loop) WatchTimer(after, repeat time.Duration, h Handler) *TimerWatcher {
	if after < 0 {
		after = 0
	}
	t := &TimerWatcher{loop: l, after: after, repeat: repeat, handler: h, index: -1}
	l.mu.Lock()
	l.armLocked(t, after)
	l.mu.Unlock()
	return t
}

// RearmTimer cancels any pending expiry of t and arms it again with the
// repeat interval. A zero repeat falls back to the initial delay.
func (l *Loop) RearmTimer(t *TimerWatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	timeout := t.repeat
	if timeout <= 0 {
		timeout = t.after
	}
	l.armLocked(t, timeout)
}

// StopTimer cancels a pending expiry. Stopping an idle timer is a no-op.
func (l *Loop) StopTimer(t *TimerWatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
	t.gen++
	t.active = false
}

func (l *Loop) armLocked(t *TimerWatcher, d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.seq++
	t.seq = l.seq
	t.gen++
	t.deadline = time.Now().Add(d)
	t.active = true
	if t.index >= 0 {
		heap.Fix(&l.timers, t.index)
	} else {
		heap.Push(&l.timers, t)
	}
	l.wakeLocked()
}

// Submit queues fn to run on the loop goroutine during the next cycle.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return api.ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return api.ErrLoopClosed
	}
	l.tasks.Add(fn)
	l.wakeLocked()
	return nil
}

// Run dispatches events until Stop is called.
func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)
	l.log.Debug("loop running")
	for !l.stopping.Load() {
		if err := l.RunOnce(); err != nil {
			return err
		}
	}
	l.log.Debug("loop stopped")
	return nil
}

// RunOnce waits for readiness at most until the next timer deadline or the
// poll interval, then dispatches everything that became due.
func (l *Loop) RunOnce() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return api.ErrLoopClosed
	}
	timeout := l.nextTimeoutLocked(time.Now())
	l.mu.Unlock()

	n, err := l.poller.wait(l.ready, timeout)
	if err != nil {
		return fmt.Errorf("reactor: wait: %w", err)
	}
	l.collect(n, time.Now())

	for l.dispatch.Length() > 0 {
		l.deliver(l.dispatch.Remove().(Event))
	}
	return nil
}

func (l *Loop) nextTimeoutLocked(now time.Time) time.Duration {
	if l.tasks.Length() > 0 || l.stopping.Load() {
		return 0
	}
	d := l.cfg.PollInterval
	if len(l.timers) > 0 {
		if until := l.timers[0].deadline.Sub(now); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// collect moves ready I/O, expired timers and submitted tasks into the
// dispatch queue, in that order.
func (l *Loop) collect(n int, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.ready[:n] {
		w, ok := l.watchers[r.fd]
		if !ok || !w.active {
			continue
		}
		if got := r.ready & w.interest; got != 0 {
			l.dispatch.Add(Event{Kind: EventIO, FD: r.fd, Ready: got, io: w})
		}
	}

	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*TimerWatcher)
		ev := Event{Kind: EventTimer, Timer: t, gen: t.gen}
		if t.repeat > 0 {
			l.seq++
			t.seq = l.seq
			t.deadline = now.Add(t.repeat)
			heap.Push(&l.timers, t)
		} else {
			t.active = false
		}
		l.dispatch.Add(ev)
	}

	for l.tasks.Length() > 0 {
		l.dispatch.Add(Event{Kind: EventTask, task: l.tasks.Remove().(func())})
	}
}

func (l *Loop) deliver(ev Event) {
	var h Handler
	l.mu.Lock()
	switch ev.Kind {
	case EventIO:
		if ev.io.active {
			h = ev.io.handler
		}
	case EventTimer:
		// Stopped or re-armed by an earlier handler in this cycle.
		if ev.Timer.gen == ev.gen {
			h = ev.Timer.handler
		}
	case EventTask:
		h = HandlerFunc(func(Event) { ev.task() })
	}
	l.mu.Unlock()
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.log.Error("handler panic", "kind", ev.Kind.String(), "fd", ev.FD, "panic", r)
		}
	}()
	h.HandleEvent(ev)
}

// Stop makes Run return after the current cycle. Safe to call from
// handlers and other goroutines, any number of times.
func (l *Loop) Stop() {
	if l.stopping.CompareAndSwap(false, true) {
		l.mu.Lock()
		l.wakeLocked()
		l.mu.Unlock()
	}
}

// Stopped reports whether Stop was called.
func (l *Loop) Stopped() bool { return l.stopping.Load() }

// Running reports whether a goroutine is inside Run.
func (l *Loop) Running() bool { return l.running.Load() }

// Close releases the poller. Call it after Run returned.
func (l *Loop) Close() error {
	l.Stop()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for fd, w := range l.watchers {
		w.active = false
		delete(l.watchers, fd)
	}
	for len(l.timers) > 0 {
		t := heap.Pop(&l.timers).(*TimerWatcher)
		t.active = false
	}
	return l.poller.close()
}

func (l *Loop) wakeLocked() {
	if l.closed {
		return
	}
	if err := l.poller.wake(); err != nil {
		l.log.Warn("wake failed", "error", err)
	}
}
