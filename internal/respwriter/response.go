// Package respwriter builds and serializes HTTP/1.1 responses into a
// connection's write buffer, per spec.md §4.8. The status-line/header
// framing mirrors DiSiqueira-StaticServer's chunkWriter/response split
// (a header block written once, then either the whole body or a
// streamed body pulled incrementally), generalized so the body may come
// from bytes already in memory, an *os.File the reactor drains on
// writable readiness, or a CGI pipe that pushes bytes in as they arrive.
package respwriter

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/helouazizi/localserver/internal/httpmsg"
)

// BodySource is pulled from incrementally by the reactor's writable-event
// handler once the header block has been flushed.
type BodySource interface {
	io.Reader
	io.Closer
}

// Response is produced by a handler (static/upload/cgi/router) and
// consumed by WriteHead + the reactor's write loop.
type Response struct {
	Status  int
	Header  httpmsg.Header
	Body    []byte      // fully-buffered body; nil if Source is set
	Source  BodySource  // streamed body; overrides Body when non-nil
	Chunked bool        // true when Source has unknown length (CGI)
	Close   bool        // force connection close after this response
}

func New(status int) *Response {
	return &Response{Status: status, Header: httpmsg.NewHeader()}
}

func NewBytes(status int, contentType string, body []byte) *Response {
	r := New(status)
	r.Header.Set("Content-Type", contentType)
	r.Body = body
	return r
}

var statusText = map[int]string{
	200: "OK", 201: "Created", 204: "No Content",
	301: "Moved Permanently", 302: "Found",
	400: "Bad Request", 403: "Forbidden", 404: "Not Found",
	405: "Method Not Allowed", 408: "Request Timeout", 409: "Conflict",
	411: "Length Required", 413: "Payload Too Large",
	414: "URI Too Long", 431: "Request Header Fields Too Large",
	500: "Internal Server Error", 501: "Not Implemented",
	502: "Bad Gateway", 503: "Service Unavailable", 504: "Gateway Timeout",
}

func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Status"
}

// WriteHead serializes the status line and header block (everything
// except the body) into w. Callers append/stream the body afterward.
func (r *Response) WriteHead(w *bytes.Buffer, version string, serverName string) {
	fmt.Fprintf(w, "%s %d %s\r\n", version, r.Status, StatusText(r.Status))

	hdr := r.Header
	if hdr.Get("Date") == "" {
		hdr.Set("Date", time.Now().UTC().Format(httpDateFormat))
	}
	if hdr.Get("Server") == "" {
		hdr.Set("Server", serverName)
	}
	if !r.Chunked && r.Body != nil && hdr.Get("Content-Length") == "" {
		hdr.Set("Content-Length", fmt.Sprintf("%d", len(r.Body)))
	}
	if r.Chunked {
		hdr.Set("Transfer-Encoding", "chunked")
		hdr.Del("Content-Length")
	}

	writeSortedHeader(w, hdr)
	w.WriteString("\r\n")
}

const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func writeSortedHeader(w *bytes.Buffer, h httpmsg.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			w.WriteString(k)
			w.WriteString(": ")
			w.WriteString(v)
			w.WriteString("\r\n")
		}
	}
}

// EncodeChunk frames p as one chunked-transfer segment. An empty p
// encodes the terminal zero-length chunk.
func EncodeChunk(p []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%x\r\n", len(p))
	b.Write(p)
	b.WriteString("\r\n")
	return b.Bytes()
}
