// Package fdio wraps a raw, non-blocking file descriptor with guarded
// single-close semantics and read/write calls that distinguish
// would-block, peer-closed, and real errors — the same three outcomes the
// teacher server's read loop switches on (n > 0, n == 0, EAGAIN).
package fdio

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Result is the outcome of a single non-blocking Read or Write.
type Result int

const (
	OK Result = iota
	WouldBlock
	PeerClosed
	Err
)

// FD owns a raw descriptor. Close is idempotent and safe to call more
// than once (e.g. once from an error path and once from a deferred
// cleanup) — exactly one underlying close(2) is ever issued.
type FD struct {
	fd     int
	closed atomic.Bool
}

func New(fd int) *FD { return &FD{fd: fd} }

func (f *FD) Int() int { return f.fd }

func (f *FD) SetNonblock() error {
	return unix.SetNonblock(f.fd, true)
}

// Read performs one non-blocking read(2) into p.
func (f *FD) Read(p []byte) (int, Result, error) {
	n, err := unix.Read(f.fd, p)
	if err == nil {
		if n == 0 {
			return 0, PeerClosed, nil
		}
		return n, OK, nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return 0, WouldBlock, nil
	}
	if errors.Is(err, unix.EINTR) {
		return 0, WouldBlock, nil
	}
	return 0, Err, err
}

// Write performs one non-blocking write(2) of p.
func (f *FD) Write(p []byte) (int, Result, error) {
	n, err := unix.Write(f.fd, p)
	if err == nil {
		return n, OK, nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return 0, WouldBlock, nil
	}
	if errors.Is(err, unix.EINTR) {
		return 0, WouldBlock, nil
	}
	if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
		return 0, PeerClosed, nil
	}
	return 0, Err, err
}

// Close closes the descriptor exactly once.
func (f *FD) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return unix.Close(f.fd)
}
