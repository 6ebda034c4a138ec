// Package netpoll wraps Linux epoll behind a small register/wait interface.
// It follows the raw-epoll reactor shape used by this project's teacher
// server (epoll_create1 / epoll_ctl / epoll_wait), but drives the syscalls
// through golang.org/x/sys/unix instead of the stdlib syscall package, the
// way a grown-up version of that demo server would.
package netpoll

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrAlreadyRegistered = errors.New("netpoll: fd already registered")
	ErrNotFound           = errors.New("netpoll: fd not registered")
)

// Interest is a bitmask of readiness a caller wants to be notified about.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) toEpollEvents() uint32 {
	ev := uint32(unix.EPOLLRDHUP)
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Event is a single readiness notification returned from Wait.
type Event struct {
	Token    int // equal to the fd that was registered
	Readable bool
	Writable bool
	Error    bool
	Hangup   bool
}

// Poller is a thin, edge-triggered wrapper over epoll.
type Poller struct {
	epfd     int
	registered map[int]struct{}
}

func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd, registered: make(map[int]struct{})}, nil
}

func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Register adds fd with the given interest, edge-triggered.
func (p *Poller) Register(fd int, interest Interest) error {
	if _, ok := p.registered[fd]; ok {
		return ErrAlreadyRegistered
	}
	ev := &unix.EpollEvent{
		Events: interest.toEpollEvents() | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl add: %w", err)
	}
	p.registered[fd] = struct{}{}
	return nil
}

// Reinterest changes the interest set for an already-registered fd.
func (p *Poller) Reinterest(fd int, interest Interest) error {
	if _, ok := p.registered[fd]; !ok {
		return ErrNotFound
	}
	ev := &unix.EpollEvent{
		Events: interest.toEpollEvents() | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl mod: %w", err)
	}
	return nil
}

// Deregister removes fd. Idempotent: removing an fd that isn't registered
// is not an error, matching spec.md's "idempotent on NotFound".
func (p *Poller) Deregister(fd int) error {
	if _, ok := p.registered[fd]; !ok {
		return nil
	}
	delete(p.registered, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
			return fmt.Errorf("netpoll: epoll_ctl del: %w", err)
		}
	}
	return nil
}

// Wait blocks for up to timeoutMs milliseconds (0 returns immediately, -1
// blocks indefinitely) and appends ready events into buf, reusing its
// backing array.
func (p *Poller) Wait(buf []unix.EpollEvent, timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, buf, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("netpoll: epoll_wait: %w", err)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := buf[i]
		out = append(out, Event{
			Token:    int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Error:    e.Events&unix.EPOLLERR != 0,
			Hangup:   e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	return out, nil
}
