// Package reactor is the event loop at the center of this server: it
// owns the Poller, listeners, connection table, CGI-pipe index, and
// timer bookkeeping described in spec.md §4.2. Its main loop is a
// direct generalization of the teacher server's
// (anamulislamshamim-go_raw_epoll_http_server) accept/read/write
// dispatch — one listening fd plus N client fds multiplexed through a
// single epoll_wait — extended with virtual-server routing, CGI pipes,
// and idle-timeout bookkeeping the teacher demo didn't need.
package reactor

import (
	"fmt"
	"log"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/helouazizi/localserver/internal/cgi"
	"github.com/helouazizi/localserver/internal/config"
	"github.com/helouazizi/localserver/internal/fdio"
	"github.com/helouazizi/localserver/internal/netpoll"
	"github.com/helouazizi/localserver/internal/parser"
	"golang.org/x/sys/unix"
)

const (
	serverName     = "localserver"
	defaultTickMs  = 1000
	maxEpollEvents = 1024
)

type cgiRole int

const (
	roleStdin cgiRole = iota
	roleStdout
	roleStderr
)

type cgiPipe struct {
	connID int
	role   cgiRole
}

// cgiOrphan tracks a CGI child whose connection is gone but whose pid
// still needs reaping, per spec.md §4.7's SIGTERM-then-SIGKILL escalation.
type cgiOrphan struct {
	job *cgi.Job
}

type listenerEntry struct {
	fd       *fdio.FD
	host     string
	port     uint16
}

// Reactor is the single-threaded event loop. None of its state is ever
// touched by more than one goroutine: spec.md §5 permits no locks
// because the only suspension point is the Wait call below.
type Reactor struct {
	poller    *netpoll.Poller
	cfg       *config.Tree
	log       *log.Logger

	listeners map[int]*listenerEntry
	conns     map[int]*conn
	cgiIndex  map[int]cgiPipe
	orphaned  []*cgiOrphan

	nextConnID int

	// shuttingDown is set from the signal-handling goroutine in
	// cmd/localserver and read from the event loop goroutine; it is the
	// one piece of Reactor state two goroutines ever touch.
	shuttingDown atomic.Bool
}

func New(cfg *config.Tree, logger *log.Logger) (*Reactor, error) {
	p, err := netpoll.New()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reactor{
		poller:    p,
		cfg:       cfg,
		log:       logger,
		listeners: make(map[int]*listenerEntry),
		conns:     make(map[int]*conn),
		cgiIndex:  make(map[int]cgiPipe),
	}, nil
}

// Bind opens one listening socket per distinct (host, port) pair named
// in the config tree, per spec.md §3 ("Multiple ports per server expand
// into multiple (host, port, server) triples at load time").
func (re *Reactor) Bind() error {
	seen := make(map[string]bool)
	for _, s := range re.cfg.Servers {
		key := fmt.Sprintf("%s:%d", s.Host, s.Port)
		if seen[key] {
			continue
		}
		seen[key] = true

		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return fmt.Errorf("reactor: socket: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return fmt.Errorf("reactor: setsockopt: %w", err)
		}
		ip := net.ParseIP(s.Host)
		var sa unix.SockaddrInet4
		if ip != nil {
			if v4 := ip.To4(); v4 != nil {
				copy(sa.Addr[:], v4)
			}
		}
		sa.Port = int(s.Port)
		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			return fmt.Errorf("reactor: bind %s: %w", key, err)
		}
		if err := unix.Listen(fd, 1024); err != nil {
			unix.Close(fd)
			return fmt.Errorf("reactor: listen %s: %w", key, err)
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return fmt.Errorf("reactor: set nonblock: %w", err)
		}
		if err := re.poller.Register(fd, netpoll.Readable); err != nil {
			unix.Close(fd)
			return fmt.Errorf("reactor: poller register: %w", err)
		}
		re.listeners[fd] = &listenerEntry{fd: fdio.New(fd), host: s.Host, port: s.Port}
		re.log.Printf("[reactor] listening on %s", key)
	}
	if len(re.listeners) == 0 {
		return fmt.Errorf("reactor: no listeners bound")
	}
	return nil
}

// Shutdown requests a clean stop; Run returns after the current wait
// iteration.
func (re *Reactor) Shutdown() { re.shuttingDown.Store(true) }

// Run is the main loop described in spec.md §4.2.
func (re *Reactor) Run() error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	re.log.Printf("[reactor] event loop started")

	for !re.shuttingDown.Load() {
		timeout := re.nextTimeoutMs()
		evs, err := re.poller.Wait(events, timeout)
		if err != nil {
			return fmt.Errorf("reactor: wait: %w", err)
		}
		for _, ev := range evs {
			re.dispatchEvent(ev)
		}
		re.checkTimeouts()
		re.reapPendingCGI()
	}
	re.closeAll()
	return nil
}

// nextTimeoutMs implements spec.md §4.2 step 1: wake up no later than
// the soonest connection's idle deadline, so checkTimeouts never misses
// one by more than the scheduler's own jitter, but never busy-polls
// tighter than it has to either.
func (re *Reactor) nextTimeoutMs() int {
	if re.cfg.TimeoutSeconds == 0 || len(re.conns) == 0 {
		return defaultTickMs
	}
	limit := time.Duration(re.cfg.TimeoutSeconds) * time.Second
	now := time.Now()

	soonest := time.Duration(defaultTickMs) * time.Millisecond
	for _, c := range re.conns {
		remaining := limit - now.Sub(c.lastActivity)
		if remaining < soonest {
			soonest = remaining
		}
	}
	ms := int(soonest / time.Millisecond)
	if ms < 0 {
		return 0
	}
	if ms > defaultTickMs {
		return defaultTickMs
	}
	return ms
}

func (re *Reactor) dispatchEvent(ev netpoll.Event) {
	if _, ok := re.listeners[ev.Token]; ok {
		re.acceptLoop(ev.Token)
		return
	}
	if role, ok := re.cgiIndex[ev.Token]; ok {
		re.handleCGIEvent(role, ev)
		return
	}
	re.handleConnEvent(ev)
}

func (re *Reactor) acceptLoop(listenFD int) {
	entry := re.listeners[listenFD]
	for {
		connFD, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			re.log.Printf("[reactor] accept error: %v", err)
			return
		}

		if len(re.conns) >= int(re.cfg.MaxServerSize) {
			unix.Close(connFD)
			continue
		}

		candidates := re.cfg.ServersFor(entry.host, entry.port)
		if len(candidates) == 0 {
			unix.Close(connFD)
			continue
		}

		if err := re.poller.Register(connFD, netpoll.Readable); err != nil {
			re.log.Printf("[reactor] poller register: %v", err)
			unix.Close(connFD)
			continue
		}

		re.nextConnID++
		c := newConn(fdio.New(connFD), connFD, sockaddrString(sa), candidates)
		re.conns[connFD] = c
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3])
		return fmt.Sprintf("%s:%d", ip.String(), v.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(v.Addr[:]).String(), v.Port)
	default:
		return "?"
	}
}

func (re *Reactor) closeConnection(c *conn) {
	c.state = stateClosing
	if c.cgiJob != nil {
		re.orphanCGI(c)
	}
	re.poller.Deregister(c.fd.Int())
	c.fd.Close()
	delete(re.conns, c.id)
}

func (re *Reactor) closeAll() {
	ids := make([]int, 0, len(re.conns))
	for id := range re.conns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		re.closeConnection(re.conns[id])
	}
	for fd, l := range re.listeners {
		re.poller.Deregister(fd)
		l.fd.Close()
	}
	re.poller.Close()
}

// checkTimeouts implements spec.md §4.2 step 4 and §5's idle-timeout
// guarantee: connections idle longer than timeout_seconds are closed
// within one tick, with a status distinguishing "mid-request-read" from
// "idle between requests" from "waiting on CGI" per §4.2/§4.7.
func (re *Reactor) checkTimeouts() {
	if re.cfg.TimeoutSeconds == 0 {
		return
	}
	limit := time.Duration(re.cfg.TimeoutSeconds) * time.Second
	now := time.Now()

	var expired []*conn
	for _, c := range re.conns {
		if now.Sub(c.lastActivity) > limit {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		re.timeoutConnection(c)
	}
}

func (re *Reactor) timeoutConnection(c *conn) {
	switch {
	case c.cgiJob != nil:
		re.log.Printf("[reactor] fd %d: CGI timeout", c.id)
		re.cgiTimeout(c)
	case c.state == stateReadingRequest && (c.readBuf.Len() > 0 || c.parser.State() != parser.StateRequestLine):
		re.sendErrorAndClose(c, 408)
	default:
		re.closeConnection(c)
	}
}
