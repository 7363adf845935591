//go:build !linux && !windows

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// poll(2) fallback for unix systems without epoll. A self-pipe interrupts
// the bounded wait.

package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type pollPoller struct {
	mu     sync.Mutex
	fds    map[int]Interest
	rd, wr int
	pfds   []unix.PollFd
}

func newPoller(maxEvents int) (poller, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
		unix.CloseOnExec(fd)
	}
	return &pollPoller{
		fds:  make(map[int]Interest),
		rd:   p[0],
		wr:   p[1],
		pfds: make([]unix.PollFd, 0, maxEvents+1),
	}, nil
}

func (p *pollPoller) add(fd int, in Interest) error {
	p.mu.Lock()
	p.fds[fd] = in
	p.mu.Unlock()
	return nil
}

func (p *pollPoller) del(fd int) error {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
	return nil
}

func (p *pollPoller) wait(out []readyEvent, timeout time.Duration) (int, error) {
	p.mu.Lock()
	p.pfds = append(p.pfds[:0], unix.PollFd{Fd: int32(p.rd), Events: unix.POLLIN})
	for fd, in := range p.fds {
		var ev int16
		if in&Readable != 0 {
			ev |= unix.POLLIN
		}
		if in&Writable != 0 {
			ev |= unix.POLLOUT
		}
		p.pfds = append(p.pfds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	p.mu.Unlock()

	n, err := unix.Poll(p.pfds, waitMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	cnt := 0
	for _, pfd := range p.pfds {
		if pfd.Revents == 0 {
			continue
		}
		if int(pfd.Fd) == p.rd {
			var buf [64]byte
			for {
				if m, err := unix.Read(p.rd, buf[:]); m <= 0 || err != nil {
					break
				}
			}
			continue
		}
		if pfd.Revents&unix.POLLNVAL != 0 {
			continue
		}
		var ready Interest
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ready |= Readable
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			ready |= Writable
		}
		if cnt < len(out) {
			out[cnt] = readyEvent{fd: int(pfd.Fd), ready: ready}
			cnt++
		}
	}
	return cnt, nil
}

func (p *pollPoller) wake() error {
	if _, err := unix.Write(p.wr, []byte{1}); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("pipe write: %w", err)
	}
	return nil
}

func (p *pollPoller) close() error {
	err1 := unix.Close(p.rd)
	err2 := unix.Close(p.wr)
	if err1 != nil {
		return err1
	}
	return err2
}
