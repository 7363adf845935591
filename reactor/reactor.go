// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral watcher, event and configuration types.

package reactor

import (
	"fmt"
	"time"
)

// Interest is a readiness mask.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "r"
	case Writable:
		return "w"
	case Readable | Writable:
		return "rw"
	default:
		return fmt.Sprintf("interest(%d)", uint8(i))
	}
}

// EventKind tags an Event.
type EventKind uint8

const (
	EventIO EventKind = iota + 1
	EventTimer
	EventTask
)

func (k EventKind) String() string {
	switch k {
	case EventIO:
		return "io"
	case EventTimer:
		return "timer"
	case EventTask:
		return "task"
	default:
		return "unknown"
	}
}

// Event is delivered to a Handler on the loop goroutine.
type Event struct {
	Kind  EventKind
	FD    int           // EventIO
	Ready Interest      // EventIO
	Timer *TimerWatcher // EventTimer

	io   *IoWatcher
	gen  uint64
	task func()
}

// Handler receives loop events.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Config tunes a Loop.
type Config struct {
	MaxWatchers  int           // I/O watcher table size
	PollInterval time.Duration // upper bound on one poller wait
	MaxEvents    int           // readiness events fetched per wait
}

// DefaultConfig returns the defaults used by the client.
func DefaultConfig() Config {
	return Config{
		MaxWatchers:  16,
		PollInterval: 50 * time.Millisecond,
		MaxEvents:    16,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxWatchers <= 0 {
		c.MaxWatchers = def.MaxWatchers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = def.MaxEvents
	}
	return c
}

// IoWatcher tracks readiness on one descriptor.
type IoWatcher struct {
	fd       int
	interest Interest
	handler  Handler
	active   bool
}

// FD returns the watched descriptor.
func (w *IoWatcher) FD() int { return w.fd }

// readyEvent is what a poller reports for one descriptor.
type readyEvent struct {
	fd    int
	ready Interest
}

// poller is the OS readiness backend.
type poller interface {
	add(fd int, in Interest) error
	del(fd int) error
	// wait fills out with ready user descriptors. A wake-up returns early
	// with zero events.
	wait(out []readyEvent, timeout time.Duration) (int, error)
	wake() error
	close() error
}

// waitMillis rounds d up to whole milliseconds.
func waitMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
