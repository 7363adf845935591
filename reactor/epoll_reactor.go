//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll poller with eventfd wake-up.

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}
	// one extra slot for the wake descriptor
	return &epollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents+1),
	}, nil
}

func toEpoll(in Interest) uint32 {
	var ev uint32
	if in&Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

func (p *epollPoller) del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (p *epollPoller) wait(out []readyEvent, timeout time.Duration) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, waitMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil // interrupted by signal, normal
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	cnt := 0
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			var buf [8]byte
			_, _ = unix.Read(p.wakefd, buf[:])
			continue
		}
		var ready Interest
		// errors and hangups surface through the read path
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ready |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			ready |= Writable
		}
		if cnt < len(out) {
			out[cnt] = readyEvent{fd: fd, ready: ready}
			cnt++
		}
	}
	return cnt, nil
}

func (p *epollPoller) wake() error {
	one := [8]byte{1}
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *epollPoller) close() error {
	err1 := unix.Close(p.wakefd)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
