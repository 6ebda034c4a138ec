// Package cgi implements the CGI subsystem of spec.md §4.7: spawning an
// interpreter with non-blocking pipes re-entered into the same reactor,
// streaming the request body into stdin, buffering and parsing the
// CGI response header block from stdout, and reaping the child without
// ever blocking the event loop.
//
// It is grounded on original_source/src/handlers/cgi.rs (env var set,
// Status/Location header parsing in build_cgi_response) and on
// original_source/src/network/poll.rs's non-blocking-pipe-in-the-reactor
// shape (there built on mio::unix::pipe; here on os.Pipe() plus
// golang.org/x/sys/unix.SetNonblock on the three ends the parent keeps,
// the idiomatic Go equivalent of a pipe owned by the event loop).
package cgi

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/helouazizi/localserver/internal/config"
	"github.com/helouazizi/localserver/internal/fdio"
	"github.com/helouazizi/localserver/internal/httpmsg"
	"golang.org/x/sys/unix"
)

// Job is one in-flight CGI invocation, owned by the reactor and looked up
// by its pipe fds via the cgi_index described in spec.md §4.2. A Job
// never holds a lifetime dependency on its owning connection — only its
// id — per the back-reference design note in spec.md §9.
type Job struct {
	Cmd  *exec.Cmd
	Pid  int
	ConnID int

	Stdin  *fdio.FD // write end, parent-held
	Stdout *fdio.FD // read end, parent-held
	Stderr *fdio.FD // read end, parent-held

	stdinFile, stdoutFile, stderrFile *os.File

	PendingBody []byte // request body not yet written to stdin
	StdinDone   bool

	OutBuf        bytes.Buffer
	StderrBuf     bytes.Buffer
	HeadersParsed bool
	Status        int
	Headers       httpmsg.Header
	BodyStart     int // offset into OutBuf where the CGI body begins
	BodyConsumed  int // body bytes already pulled out by the response writer
	StdoutPaused  bool // readable interest cleared, per spec.md §5 backpressure

	StdoutDone bool
	StderrDone bool
	Reaped     bool
	ExitCode   int

	Orphan    bool
	Killed    bool
	KillAt    time.Time
	StartedAt time.Time
}

// Env builds the CGI/1.1 environment described by spec.md §4.7.
func Env(route *config.Route, req *httpmsg.Request, serverName string, serverPort uint16, remoteAddr, scriptPath string) []string {
	pathInfo := strings.TrimPrefix(req.Path, route.PathPrefix)
	if pathInfo == "" {
		pathInfo = "/"
	}
	env := []string{
		"REQUEST_METHOD=" + req.Method,
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_NAME=" + serverName,
		"SERVER_PORT=" + strconv.Itoa(int(serverPort)),
		"SCRIPT_NAME=" + req.Path,
		"PATH_INFO=" + pathInfo,
		"QUERY_STRING=" + req.Query,
		"REMOTE_ADDR=" + remoteAddr,
		"GATEWAY_INTERFACE=CGI/1.1",
		"SCRIPT_FILENAME=" + scriptPath,
		"REDIRECT_STATUS=200",
	}
	if ct := req.Headers.Get("Content-Type"); ct != "" {
		env = append(env, "CONTENT_TYPE="+ct)
	}
	if cl, ok := req.ContentLength(); ok {
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(cl, 10))
	} else if len(req.Body) > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.Itoa(len(req.Body)))
	}
	for key, vals := range req.Headers {
		name := "HTTP_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		env = append(env, name+"="+strings.Join(vals, ", "))
	}
	return env
}

// Start forks the interpreter (or the script directly when no
// interpreter is configured) with three non-blocking pipes, per
// spec.md §4.7 steps 1-3.
func Start(route *config.Route, req *httpmsg.Request, scriptPath string, env []string, connID int) (*Job, error) {
	var cmd *exec.Cmd
	if route.CGIInterpreter != "" {
		cmd = exec.Command(route.CGIInterpreter, scriptPath)
	} else {
		cmd = exec.Command(scriptPath)
	}
	cmd.Env = env
	cmd.Dir = filepath.Dir(scriptPath)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("cgi: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("cgi: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("cgi: stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("cgi: exec: %w", err)
	}

	// child now holds its own copies of the read/write ends it needs;
	// close the parent's copies of the child-facing ends.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	if err := unix.SetNonblock(int(stdinW.Fd()), true); err != nil {
		return nil, fmt.Errorf("cgi: set stdin nonblock: %w", err)
	}
	if err := unix.SetNonblock(int(stdoutR.Fd()), true); err != nil {
		return nil, fmt.Errorf("cgi: set stdout nonblock: %w", err)
	}
	if err := unix.SetNonblock(int(stderrR.Fd()), true); err != nil {
		return nil, fmt.Errorf("cgi: set stderr nonblock: %w", err)
	}

	j := &Job{
		Cmd:         cmd,
		Pid:         cmd.Process.Pid,
		ConnID:      connID,
		Stdin:       fdio.New(int(stdinW.Fd())),
		Stdout:      fdio.New(int(stdoutR.Fd())),
		Stderr:      fdio.New(int(stderrR.Fd())),
		stdinFile:   stdinW,
		stdoutFile:  stdoutR,
		stderrFile:  stderrR,
		PendingBody: req.Body,
		Headers:     httpmsg.NewHeader(),
		StartedAt:   time.Now(),
	}
	if len(j.PendingBody) == 0 {
		j.StdinDone = true
	}
	return j, nil
}

// WriteStdin drains as much of PendingBody as the pipe accepts. When
// PendingBody is exhausted (or the child has closed its stdin) it sets
// StdinDone; the write end stays open until the caller closes it with
// CloseStdin, which signals EOF to the child.
func (j *Job) WriteStdin() (result fdio.Result, err error) {
	for len(j.PendingBody) > 0 {
		n, res, werr := j.Stdin.Write(j.PendingBody)
		if werr != nil {
			return fdio.Err, werr
		}
		if res == fdio.WouldBlock {
			return fdio.WouldBlock, nil
		}
		if res == fdio.PeerClosed {
			j.PendingBody = nil
			j.StdinDone = true
			return fdio.PeerClosed, nil
		}
		j.PendingBody = j.PendingBody[n:]
	}
	j.StdinDone = true
	return fdio.OK, nil
}

func (j *Job) CloseStdin() error {
	return j.Stdin.Close()
}

// ReadStdout drains one readiness event's worth of child stdout into
// OutBuf, attempting to parse the CGI header block once CRLFCRLF is
// seen, per spec.md §4.7 "Streaming".
func (j *Job) ReadStdout() (result fdio.Result, err error) {
	buf := make([]byte, 16*1024)
	for {
		n, res, rerr := j.Stdout.Read(buf)
		if rerr != nil {
			return fdio.Err, rerr
		}
		if res == fdio.WouldBlock {
			return fdio.WouldBlock, nil
		}
		if res == fdio.PeerClosed {
			j.StdoutDone = true
			return fdio.PeerClosed, nil
		}
		j.OutBuf.Write(buf[:n])
		if !j.HeadersParsed {
			j.tryParseHeaders()
		}
	}
}

func (j *Job) ReadStderr() (result fdio.Result, err error) {
	buf := make([]byte, 4096)
	for {
		n, res, rerr := j.Stderr.Read(buf)
		if rerr != nil {
			return fdio.Err, rerr
		}
		if res == fdio.WouldBlock {
			return fdio.WouldBlock, nil
		}
		if res == fdio.PeerClosed {
			j.StderrDone = true
			return fdio.PeerClosed, nil
		}
		j.StderrBuf.Write(buf[:n])
	}
}

// tryParseHeaders looks for the first CRLFCRLF in OutBuf and, once
// found, parses Status/Content-Type/Location/other headers per
// spec.md §4.7, defaulting to 200 (or 302 with a bare Location).
func (j *Job) tryParseHeaders() {
	raw := j.OutBuf.Bytes()
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := 4
	if idx < 0 {
		idx = bytes.Index(raw, []byte("\n\n"))
		sep = 2
	}
	if idx < 0 {
		return
	}
	headerBlock := string(raw[:idx])
	j.BodyStart = idx + sep
	j.HeadersParsed = true

	status := 0
	for _, line := range strings.Split(strings.ReplaceAll(headerBlock, "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		ci := strings.IndexByte(line, ':')
		if ci < 0 {
			continue
		}
		key := strings.TrimSpace(line[:ci])
		val := strings.TrimSpace(line[ci+1:])
		if strings.EqualFold(key, "Status") {
			fields := strings.SplitN(val, " ", 2)
			if code, err := strconv.Atoi(fields[0]); err == nil {
				status = code
			}
			continue
		}
		j.Headers.Add(key, val)
	}
	if status == 0 {
		if j.Headers.Get("Location") != "" {
			status = 302
		} else {
			status = 200
		}
	}
	j.Status = status
}

// UnreadBody is the number of body bytes sitting in OutBuf that the
// response writer has not yet pulled out, per spec.md §5: this is what
// the high/low watermark checks compare against to decide whether
// stdout readable interest should be paused or resumed.
func (j *Job) UnreadBody() int {
	if !j.HeadersParsed {
		return 0
	}
	return j.OutBuf.Len() - j.BodyStart - j.BodyConsumed
}

// PullBody copies up to len(p) unread body bytes into p and advances
// BodyConsumed, for use by a streaming response source.
func (j *Job) PullBody(p []byte) int {
	n := copy(p, j.OutBuf.Bytes()[j.BodyStart+j.BodyConsumed:])
	j.BodyConsumed += n
	return n
}

// TryReap issues a non-blocking waitpid, per spec.md §4.7 "Reaping". It
// returns true once the child has actually exited.
func (j *Job) TryReap() (exited bool, err error) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(j.Pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		if err == syscall.ECHILD {
			return true, nil
		}
		return false, err
	}
	if pid == 0 {
		return false, nil
	}
	j.Reaped = true
	j.ExitCode = ws.ExitStatus()
	return true, nil
}

func (j *Job) Terminate() {
	if j.Cmd.Process != nil {
		j.Cmd.Process.Signal(unix.SIGTERM)
	}
}

func (j *Job) Kill() {
	if j.Cmd.Process != nil {
		j.Cmd.Process.Signal(unix.SIGKILL)
	}
}

// Close closes all parent-held pipe fds. Safe to call more than once.
func (j *Job) Close() {
	j.Stdin.Close()
	j.Stdout.Close()
	j.Stderr.Close()
}
