// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-goroutine event loop that drives the
// client connection: I/O readiness watchers on file descriptors and timer
// watchers, dispatched in FIFO order on the loop goroutine so that I/O and
// timer handlers never overlap. Linux uses epoll with an eventfd wake-up,
// other unix systems fall back to poll(2) with a bounded timeout.
package reactor
