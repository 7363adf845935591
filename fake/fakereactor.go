// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"
	"time"
)

// Timer records re-arm intervals instead of scheduling anything.
type Timer struct {
	mu    sync.Mutex
	armed []time.Duration
}

// Again records d.
func (t *Timer) Again(d time.Duration) {
	t.mu.Lock()
	t.armed = append(t.armed, d)
	t.mu.Unlock()
}

// Intervals returns every recorded interval.
func (t *Timer) Intervals() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.armed...)
}

// Last returns the latest interval, or 0.
func (t *Timer) Last() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.armed) == 0 {
		return 0
	}
	return t.armed[len(t.armed)-1]
}

// Stopper counts Stop calls.
type Stopper struct {
	mu    sync.Mutex
	calls int
}

// Stop implements api.Stopper.
func (s *Stopper) Stop() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

// Calls returns how often Stop ran.
func (s *Stopper) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
