package reactor

import (
	"io"
	"os"
	"time"

	"github.com/helouazizi/localserver/internal/cgi"
	"github.com/helouazizi/localserver/internal/config"
	"github.com/helouazizi/localserver/internal/fdio"
	"github.com/helouazizi/localserver/internal/netpoll"
	"github.com/helouazizi/localserver/internal/respwriter"
	"github.com/helouazizi/localserver/internal/static"
)

const cgiGraceMs = 500

// startCGI implements spec.md §4.7 steps 1-3: resolve the script,
// build the CGI/1.1 environment, fork the interpreter, and wire its
// three pipes into this same reactor.
func (re *Reactor) startCGI(c *conn, route *config.Route, sanitized string) {
	scriptPath, err := static.Resolve(route.Root, sanitized)
	if err != nil || !fileExists(scriptPath) {
		re.respondAndKeepAlive(c, errorResponse(c, 404))
		return
	}

	req := c.parser.Request()
	env := cgi.Env(route, req, c.server.ServerNameOr(serverName), c.server.Port, c.addr, scriptPath)

	job, err := cgi.Start(route, req, scriptPath, env, c.id)
	if err != nil {
		re.log.Printf("[reactor] fd %d cgi spawn failed: %v", c.id, err)
		re.respondAndKeepAlive(c, errorResponse(c, 500))
		return
	}

	c.cgiJob = job
	c.state = stateDispatched
	c.touch()

	re.cgiIndex[job.Stdout.Int()] = cgiPipe{connID: c.id, role: roleStdout}
	re.poller.Register(job.Stdout.Int(), netpoll.Readable)
	re.cgiIndex[job.Stderr.Int()] = cgiPipe{connID: c.id, role: roleStderr}
	re.poller.Register(job.Stderr.Int(), netpoll.Readable)

	if job.StdinDone {
		job.CloseStdin()
	} else {
		re.cgiIndex[job.Stdin.Int()] = cgiPipe{connID: c.id, role: roleStdin}
		re.poller.Register(job.Stdin.Int(), netpoll.Writable)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (re *Reactor) handleCGIEvent(role cgiPipe, ev netpoll.Event) {
	c, ok := re.conns[role.connID]
	if !ok || c.cgiJob == nil {
		re.poller.Deregister(ev.Token)
		return
	}
	job := c.cgiJob

	switch role.role {
	case roleStdin:
		re.driveCGIStdin(c, job)
	case roleStdout:
		re.driveCGIStdout(c, job, ev)
	case roleStderr:
		re.driveCGIStderr(c, job, ev)
	}
}

func (re *Reactor) driveCGIStdin(c *conn, job *cgi.Job) {
	res, err := job.WriteStdin()
	if err != nil {
		re.log.Printf("[reactor] fd %d cgi stdin error: %v", c.id, err)
	}
	if res != fdio.WouldBlock {
		delete(re.cgiIndex, job.Stdin.Int())
		re.poller.Deregister(job.Stdin.Int())
		job.CloseStdin()
	}
	c.touch()
}

func (re *Reactor) driveCGIStdout(c *conn, job *cgi.Job, ev netpoll.Event) {
	headersAlreadyParsed := job.HeadersParsed
	res, err := job.ReadStdout()
	if err != nil {
		re.log.Printf("[reactor] fd %d cgi stdout error: %v", c.id, err)
	}
	c.touch()

	if !headersAlreadyParsed && job.HeadersParsed && c.resp == nil {
		re.beginCGIResponse(c, job)
	}

	// spec.md §5: stop reading more of the child's stdout once the
	// unread portion of its body outruns what the client write side can
	// absorb; driveCGIStdout is woken again once cgiBodySource.Read
	// drains it back below the low watermark.
	if !job.StdoutPaused && overHighWatermark(job.UnreadBody()) {
		job.StdoutPaused = true
		re.poller.Reinterest(job.Stdout.Int(), 0)
	}

	// Under edge-triggered polling the client socket does not report
	// writable again by itself; re-arm it so the write path pulls the
	// body bytes (or the terminal chunk) that just became available.
	if c.resp != nil && c.resp.Source != nil && (job.UnreadBody() > 0 || job.StdoutDone) {
		re.poller.Reinterest(c.fd.Int(), netpoll.Readable|netpoll.Writable)
	}

	if res == fdio.PeerClosed || ev.Hangup {
		delete(re.cgiIndex, job.Stdout.Int())
		re.poller.Deregister(job.Stdout.Int())
		job.Stdout.Close()
		re.maybeFinishCGI(c, job)
	}
}

// beginCGIResponse implements spec.md §4.7's "forwarded to the client
// write buffer in streaming fashion": as soon as the CGI header block
// is parsed, the status line and headers are queued and the remaining
// (unknown-length) body is wired up as a chunked streaming source
// rather than waiting for the child to exit.
func (re *Reactor) beginCGIResponse(c *conn, job *cgi.Job) {
	resp := respwriter.New(job.Status)
	resp.Header = job.Headers
	resp.Chunked = true
	resp.Source = &cgiBodySource{re: re, job: job}
	re.respondAndKeepAlive(c, resp)
}

// cgiBodySource adapts a push-driven CGI stdout pipe to the pull-driven
// respwriter.BodySource the write side drains on writable readiness. It
// resumes stdout's readable interest once a pull drains the job's
// buffered output back below the low watermark.
type cgiBodySource struct {
	re  *Reactor
	job *cgi.Job
}

func (s *cgiBodySource) Read(p []byte) (int, error) {
	job := s.job
	if job.UnreadBody() <= 0 {
		if job.StdoutDone {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := job.PullBody(p)
	if job.StdoutPaused && underLowWatermark(job.UnreadBody()) {
		job.StdoutPaused = false
		s.re.poller.Reinterest(job.Stdout.Int(), netpoll.Readable)
	}
	return n, nil
}

func (s *cgiBodySource) Close() error { return nil }

func (re *Reactor) driveCGIStderr(c *conn, job *cgi.Job, ev netpoll.Event) {
	res, err := job.ReadStderr()
	if err != nil {
		re.log.Printf("[reactor] fd %d cgi stderr error: %v", c.id, err)
	}
	if res == fdio.PeerClosed || ev.Hangup {
		delete(re.cgiIndex, job.Stderr.Int())
		re.poller.Deregister(job.Stderr.Int())
		job.Stderr.Close()
		re.maybeFinishCGI(c, job)
	}
}

// maybeFinishCGI implements spec.md §4.7 "Reaping": once stdout EOF has
// been observed (and stderr, for cleanliness), reap the child; if it is
// not yet reapable, the periodic tick will retry. When the CGI script
// exited without ever emitting a header block, no response has been
// queued yet and this is where the 502 actually happens; otherwise the
// response was already streaming since beginCGIResponse, and its own
// EOF is discovered independently by cgiBodySource once job.StdoutDone.
func (re *Reactor) maybeFinishCGI(c *conn, job *cgi.Job) {
	if !job.StdoutDone || !job.StderrDone {
		return
	}
	exited, err := job.TryReap()
	if err != nil {
		re.log.Printf("[reactor] fd %d cgi reap error: %v", c.id, err)
	}
	if !exited {
		return // periodic reapPendingCGI will retry
	}
	if c.cgiJob == job {
		c.cgiJob = nil
	}
	if !job.HeadersParsed && c.state != stateClosing {
		re.respondAndKeepAlive(c, errorResponse(c, 502))
	}
}

// reapPendingCGI is called once per tick. It retries reaping jobs still
// owned by a live connection (stdout/stderr already closed, pid not yet
// reapable), and drives the SIGTERM-then-SIGKILL escalation for orphaned
// jobs left behind by closed or timed-out connections, per spec.md §4.7.
func (re *Reactor) reapPendingCGI() {
	for _, c := range re.conns {
		job := c.cgiJob
		if job == nil || job.Reaped || !job.StdoutDone || !job.StderrDone {
			continue
		}
		re.maybeFinishCGI(c, job)
	}

	live := re.orphaned[:0]
	for _, o := range re.orphaned {
		exited, err := o.job.TryReap()
		if err != nil {
			re.log.Printf("[reactor] cgi pid %d reap error: %v", o.job.Pid, err)
		}
		if exited {
			continue
		}
		if !o.job.Killed && time.Now().After(o.job.KillAt) {
			o.job.Kill()
			o.job.Killed = true
		}
		live = append(live, o)
	}
	re.orphaned = live
}

// cgiTimeout implements spec.md §4.7 "CGI timeout": SIGTERM now,
// SIGKILL after a grace period (driven by reapPendingCGI since the
// child is no longer attached to a live connection). If headers were
// never emitted nothing has been written to the client yet, so a plain
// 504 is sent; if the response was already streaming, the connection
// is instead truncated in place by closing off the chunked body rather
// than re-queuing a second status line over the one already sent.
func (re *Reactor) cgiTimeout(c *conn) {
	job := c.cgiJob
	if job == nil {
		return
	}
	if !job.HeadersParsed {
		re.orphanCGI(c)
		re.respondAndKeepAlive(c, errorResponse(c, 504))
		return
	}
	re.orphanCGI(c)
	if c.resp != nil && c.resp.Source != nil {
		c.resp.Source = nil
		if c.resp.Chunked {
			c.writeBuf.Write(respwriter.EncodeChunk(nil))
		}
		c.bodySourceDone = true
	}
}

// orphanCGI implements spec.md §4.7 "Connection death during CGI" (used
// here also for the timeout path): the job's pipes are deregistered and
// closed and the child is sent SIGTERM; reaping continues in the
// background via reapPendingCGI instead of blocking the event loop.
func (re *Reactor) orphanCGI(c *conn) {
	job := c.cgiJob
	if job == nil {
		return
	}
	job.Orphan = true
	job.KillAt = time.Now().Add(cgiGraceMs * time.Millisecond)
	for _, fd := range []int{job.Stdin.Int(), job.Stdout.Int(), job.Stderr.Int()} {
		delete(re.cgiIndex, fd)
		re.poller.Deregister(fd)
	}
	job.Close()
	job.Terminate()
	re.orphaned = append(re.orphaned, &cgiOrphan{job: job})
	c.cgiJob = nil
}
