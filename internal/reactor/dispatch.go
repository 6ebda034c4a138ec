package reactor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/helouazizi/localserver/internal/config"
	"github.com/helouazizi/localserver/internal/httpmsg"
	"github.com/helouazizi/localserver/internal/netpoll"
	"github.com/helouazizi/localserver/internal/respwriter"
	"github.com/helouazizi/localserver/internal/router"
	"github.com/helouazizi/localserver/internal/static"
	"github.com/helouazizi/localserver/internal/upload"
)

// resolveRouteAndLimit implements spec.md §4.4 virtual-server/route
// selection plus the §4.3 "before buffering any body byte" body-size
// check. It is called the instant the header block finishes, before any
// body byte is consumed. Returns false if an error response was already
// queued (caller should stop advancing the parser).
func (re *Reactor) resolveRouteAndLimit(c *conn) bool {
	req := c.parser.Request()

	server := router.SelectServer(c.candidates, req.Host())
	c.server = server

	route := router.SelectRoute(server, req.Path)
	if route == nil {
		re.sendErrorAndClose(c, 404)
		return false
	}
	c.route = route

	limit := route.MaxBodySize
	if limit == 0 {
		limit = server.MaxBodySize
	}
	if limit == 0 {
		limit = re.cfg.MaxServerSize
	}

	// spec.md §4.3: reject on the declared length before a single body
	// byte is admitted, not after it has accumulated past the limit.
	if limit > 0 {
		if cl, ok := req.ContentLength(); ok && cl > 0 && uint64(cl) > limit {
			re.sendErrorAndClose(c, 413)
			return false
		}
	}

	c.parser.SetBodyLimit(limit)
	return true
}

// dispatch implements spec.md §4.4-§4.7: method gate, then static,
// upload/delete, redirect, or CGI behavior, matching
// original_source/src/server/mod.rs's process_request but driven by the
// config tree's Route type instead of a single flat route list.
func (re *Reactor) dispatch(c *conn) {
	req := c.parser.Request()
	route := c.route
	server := c.server
	if route == nil || server == nil {
		re.sendErrorAndClose(c, 500)
		return
	}

	method := config.Method(req.Method)

	if route.IsRedirect() {
		re.respondAndKeepAlive(c, redirectResponse(route.Redirect))
		return
	}

	if !route.Allows(method) {
		resp := respwriter.NewBytes(405, "text/plain; charset=utf-8", []byte("405 Method Not Allowed"))
		allowed := route.AllowedMethods()
		if len(allowed) > 0 {
			resp.Header.Set("Allow", strings.Join(allowed, ", "))
		}
		re.respondAndKeepAlive(c, resp)
		return
	}

	relPath := strings.TrimPrefix(req.Path, route.PathPrefix)
	sanitized, err := static.Sanitize(relPath)
	if err != nil {
		re.respondAndKeepAlive(c, errorResponse(c, 400))
		return
	}

	if isCGIRequest(route, req.Path) {
		re.startCGI(c, route, sanitized)
		return
	}

	switch method {
	case config.MethodDelete:
		re.handleDelete(c, route, sanitized)
	case config.MethodPost:
		if route.UploadDir != "" {
			re.handleUpload(c, route, req)
		} else {
			re.respondAndKeepAlive(c, errorResponse(c, 403))
		}
	default: // GET and any other method the route allows
		re.handleStatic(c, route, sanitized)
	}
}

func isCGIRequest(route *config.Route, reqPath string) bool {
	return route.CGIExtension != "" && route.CGIInterpreter != "" && strings.HasSuffix(reqPath, route.CGIExtension)
}

func (re *Reactor) handleStatic(c *conn, route *config.Route, sanitized string) {
	if route.Root == "" {
		re.respondAndKeepAlive(c, errorResponse(c, 500))
		return
	}
	full, err := static.Resolve(route.Root, sanitized)
	if err != nil {
		re.respondAndKeepAlive(c, errorResponse(c, 403))
		return
	}
	resp, err := static.Serve(route, full)
	if err != nil {
		re.log.Printf("[reactor] fd %d static error: %v", c.id, err)
		re.respondAndKeepAlive(c, errorResponse(c, 500))
		return
	}
	if resp.Status >= 400 {
		resp = withCustomErrorPage(c, resp)
	}
	re.respondAndKeepAlive(c, resp)
}

func (re *Reactor) handleDelete(c *conn, route *config.Route, sanitized string) {
	root := route.UploadDir
	if root == "" {
		root = route.Root
	}
	if root == "" {
		re.respondAndKeepAlive(c, errorResponse(c, 500))
		return
	}
	full, err := static.Resolve(root, sanitized)
	if err != nil {
		re.respondAndKeepAlive(c, errorResponse(c, 403))
		return
	}
	resp := upload.Delete(full)
	if resp.Status >= 400 {
		resp = withCustomErrorPage(c, resp)
	}
	re.respondAndKeepAlive(c, resp)
}

func (re *Reactor) handleUpload(c *conn, route *config.Route, req *httpmsg.Request) {
	resp, err := upload.Store(req, route.UploadDir)
	if err != nil {
		re.log.Printf("[reactor] fd %d upload error: %v", c.id, err)
		re.respondAndKeepAlive(c, errorResponse(c, 500))
		return
	}
	re.respondAndKeepAlive(c, resp)
}

func redirectResponse(target string) *respwriter.Response {
	resp := respwriter.New(301)
	resp.Header.Set("Location", target)
	return resp
}

// errorResponse builds a bare error body; withCustomErrorPage then
// overlays a configured error_pages[status] file if present, per
// spec.md §7.
func errorResponse(c *conn, status int) *respwriter.Response {
	resp := respwriter.NewBytes(status, "text/html; charset=utf-8",
		[]byte("<html><body><h1>"+respwriter.StatusText(status)+"</h1></body></html>"))
	resp.Status = status
	return withCustomErrorPage(c, resp)
}

func withCustomErrorPage(c *conn, resp *respwriter.Response) *respwriter.Response {
	if c.server == nil {
		return resp
	}
	path, ok := c.server.ErrorPages[resp.Status]
	if !ok {
		return resp
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return resp // fall back to the built-in body, per spec.md §7
	}
	resp.Body = data
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	resp.Header.Del("Content-Length")
	return resp
}

// sendErrorAndClose implements spec.md §7's protocol-error path: emit an
// error response (no route/server context may exist yet) and close once
// it is flushed.
func (re *Reactor) sendErrorAndClose(c *conn, status int) {
	resp := respwriter.NewBytes(status, "text/html; charset=utf-8",
		[]byte("<html><body><h1>"+respwriter.StatusText(status)+"</h1></body></html>"))
	resp.Close = true
	re.queueResponse(c, resp)
}

func (re *Reactor) respondAndKeepAlive(c *conn, resp *respwriter.Response) {
	re.queueResponse(c, resp)
}

// queueResponse serializes resp's head into c.writeBuf and arms the
// connection for writable readiness, per spec.md §4.8.
func (re *Reactor) queueResponse(c *conn, resp *respwriter.Response) {
	c.resp = resp
	c.state = stateWritingResponse

	version := "HTTP/1.1"
	if req := c.parser.Request(); req != nil && req.Version != "" {
		version = req.Version
	}
	if resp.Header.Get("Set-Cookie") == "" && c.parser.Request() != nil {
		if c.parser.Request().Headers.Get("Cookie") == "" ||
			!strings.Contains(c.parser.Request().Headers.Get("Cookie"), "SESSION_ID=") {
			resp.Header.Set("Set-Cookie", "SESSION_ID="+sessionID(c)+"; Path=/; HttpOnly")
		}
	}

	resp.WriteHead(&c.writeBuf, version, "localserver")
	if resp.Body != nil {
		c.writeBuf.Write(resp.Body)
	}
	c.headWritten = true

	re.poller.Reinterest(c.fd.Int(), netpoll.Readable|netpoll.Writable)
}

var sessionCounter uint64

func sessionID(c *conn) string {
	sessionCounter++
	return filepath.Base(c.addr) + "-" + strconv.FormatUint(sessionCounter, 10)
}
