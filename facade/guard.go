// File: facade/guard.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-mqtt/api"
)

// Guard serializes access to the connection with bounded waits.
//
// Acquisition never blocks longer than the timeout passed to Enter, so a
// caller that loses the race gets ErrBusy and retries later instead of
// deadlocking. The context returned by Enter carries the guard's ownership;
// presenting it again to Enter (a nested call from inside a guarded section)
// is rejected with ErrReentrant without waiting. While the owner runs
// foreign code through Dispatch, every Enter is rejected the same way,
// whatever context it carries.
type Guard struct {
	sem         chan struct{}
	held        atomic.Bool
	dispatching atomic.Int32
}

type guardKey struct{ g *Guard }

// NewGuard returns an unlocked guard.
func NewGuard() *Guard {
	return &Guard{sem: make(chan struct{}, 1)}
}

// Enter acquires the guard within timeout. On success the returned context
// marks the caller as owner and release must be called exactly once.
func (g *Guard) Enter(ctx context.Context, timeout time.Duration) (context.Context, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(guardKey{g}) != nil || g.dispatching.Load() > 0 {
		return ctx, nil, api.ErrReentrant
	}

	select {
	case g.sem <- struct{}{}:
	default:
		if timeout <= 0 {
			return ctx, nil, api.ErrBusy
		}
		t := time.NewTimer(timeout)
		select {
		case g.sem <- struct{}{}:
			t.Stop()
		case <-t.C:
			return ctx, nil, api.ErrBusy
		case <-ctx.Done():
			t.Stop()
			return ctx, nil, ctx.Err()
		}
	}

	g.held.Store(true)
	var once atomic.Bool
	release := func() {
		if once.CompareAndSwap(false, true) {
			g.held.Store(false)
			<-g.sem
		}
	}
	return context.WithValue(ctx, guardKey{g}, struct{}{}), release, nil
}

// Dispatch runs fn, a callback invoked by the current owner. Enter calls
// made while fn runs fail with ErrReentrant instead of waiting on a guard
// their own goroutine holds.
func (g *Guard) Dispatch(fn func()) {
	g.dispatching.Add(1)
	defer g.dispatching.Add(-1)
	fn()
}

// Dispatching reports whether a callback is running under Dispatch.
func (g *Guard) Dispatching() bool { return g.dispatching.Load() > 0 }

// Held reports whether some caller is inside the guard.
func (g *Guard) Held() bool { return g.held.Load() }

// Owns reports whether ctx was returned by Enter on g.
func (g *Guard) Owns(ctx context.Context) bool {
	return ctx != nil && ctx.Value(guardKey{g}) != nil
}
