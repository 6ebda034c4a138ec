// Package parser implements the incremental HTTP/1.1 request parser
// described in spec.md §4.3: a tagged-variant state machine advanced on
// each readiness event, never a blocking reader. It is grounded on
// original_source/src/http/request.rs's request-line/header/body split,
// generalized from "parse a complete buffer" to "consume a prefix and
// remember where you were" because the reactor can only ever hand it
// whatever bytes happened to arrive on one non-blocking read.
package parser

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/helouazizi/localserver/internal/httpmsg"
)

// State is the parser's current stage, held as data (not as a paused
// goroutine stack) so it can be resumed after any number of partial reads.
type State int

const (
	StateRequestLine State = iota
	StateHeaders
	StateBodyFixed
	StateBodyChunked
	StateTrailers
	StateComplete
)

type chunkSub int

const (
	chunkSize chunkSub = iota
	chunkData
	chunkCRLF
)

// Status is the result of one Feed call.
type Status int

const (
	NeedMore Status = iota
	Done
	Failed
	// HeadersDone is returned the instant the header block is complete,
	// before any body byte is consumed, so the caller can resolve the
	// virtual server/route and call SetBodyLimit per spec.md §4.3 ("before
	// buffering any body byte, compare declared length to the active
	// route's max_body_size"). The caller must call Feed again (on the
	// same or a later readiness event) to continue.
	HeadersDone
)

// Error carries the HTTP status the caller should respond with when
// parsing fails, per spec.md §4.3/§7.
type Error struct {
	Status int
	Reason string
}

func (e *Error) Error() string { return e.Reason }

const (
	defaultMaxHeaderBytes = 8 * 1024
	defaultMaxHeaderCount = 100
)

// Parser is reused across the lifetime of a keep-alive connection; Reset
// clears per-request state while letting the caller keep any buffer tail.
type Parser struct {
	state State
	chunk chunkSub

	req *httpmsg.Request

	headerBytesSeen int
	maxHeaderBytes  int
	maxHeaderCount  int

	bodyLimit     int64 // 0 = unlimited, set by caller before body starts
	bodyRemaining int64 // for BodyFixed
	bodyWritten   int64 // running total admitted, checked against bodyLimit
	chunkRemain   int64

	body bytes.Buffer
	err  *Error
}

func New() *Parser {
	p := &Parser{maxHeaderBytes: defaultMaxHeaderBytes, maxHeaderCount: defaultMaxHeaderCount}
	p.Reset()
	return p
}

// Reset prepares the parser for the next request on a keep-alive
// connection.
func (p *Parser) Reset() {
	p.state = StateRequestLine
	p.chunk = chunkSize
	p.req = &httpmsg.Request{Headers: httpmsg.NewHeader(), KeepAlive: true}
	p.headerBytesSeen = 0
	p.bodyLimit = 0
	p.bodyRemaining = 0
	p.bodyWritten = 0
	p.chunkRemain = 0
	p.body.Reset()
	p.err = nil
}

// SetBodyLimit is called by the dispatcher once the route (and its
// fallback chain to server/global) is known, before any body byte is
// admitted, per spec.md §4.3 BodyFixed.
func (p *Parser) SetBodyLimit(limit uint64) {
	p.bodyLimit = int64(limit)
}

// Request returns the in-progress/finished request value.
func (p *Parser) Request() *httpmsg.Request { return p.req }

func (p *Parser) State() State { return p.state }

// Feed consumes a prefix of buf and advances the state machine as far as
// it can. It returns the number of bytes consumed (the caller drops that
// prefix from its read buffer) and the resulting status.
func (p *Parser) Feed(buf []byte) (consumed int, status Status, err *Error) {
	for {
		switch p.state {
		case StateRequestLine:
			n, ok := p.feedRequestLine(buf[consumed:])
			if p.err != nil {
				return consumed, Failed, p.err
			}
			if !ok {
				return consumed, NeedMore, nil
			}
			consumed += n

		case StateHeaders:
			n, ok := p.feedHeaders(buf[consumed:])
			consumed += n
			if p.err != nil {
				return consumed, Failed, p.err
			}
			if !ok {
				return consumed, NeedMore, nil
			}
			return consumed, HeadersDone, nil

		case StateBodyFixed:
			n, ok := p.feedBodyFixed(buf[consumed:])
			consumed += n
			if p.err != nil {
				return consumed, Failed, p.err
			}
			if !ok {
				return consumed, NeedMore, nil
			}

		case StateBodyChunked:
			n, ok := p.feedChunked(buf[consumed:])
			consumed += n
			if p.err != nil {
				return consumed, Failed, p.err
			}
			if !ok {
				return consumed, NeedMore, nil
			}

		case StateTrailers:
			n, ok := p.feedTrailers(buf[consumed:])
			consumed += n
			if p.err != nil {
				return consumed, Failed, p.err
			}
			if !ok {
				return consumed, NeedMore, nil
			}

		case StateComplete:
			p.req.Body = p.body.Bytes()
			return consumed, Done, nil
		}
	}
}

func findCRLF(b []byte) int {
	return bytes.Index(b, []byte("\r\n"))
}

func (p *Parser) feedRequestLine(b []byte) (int, bool) {
	i := findCRLF(b)
	if i < 0 {
		if len(b) > defaultMaxHeaderBytes {
			p.err = &Error{Status: 414, Reason: "request-line too long"}
		}
		return 0, false
	}
	line := string(b[:i])
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		p.err = &Error{Status: 400, Reason: "malformed request line"}
		return 0, false
	}
	method, target, version := parts[0], parts[1], parts[2]
	if method == "" || target == "" || (version != "HTTP/1.1" && version != "HTTP/1.0") {
		p.err = &Error{Status: 400, Reason: "malformed request line"}
		return 0, false
	}
	p.req.Method = method
	p.req.Target = target
	p.req.Version = version
	if qi := strings.IndexByte(target, '?'); qi >= 0 {
		p.req.Path = target[:qi]
		p.req.Query = target[qi+1:]
	} else {
		p.req.Path = target
	}
	p.req.KeepAlive = version == "HTTP/1.1"
	p.state = StateHeaders
	return i + 2, true
}

func (p *Parser) feedHeaders(b []byte) (int, bool) {
	total := 0
	for {
		i := findCRLF(b[total:])
		if i < 0 {
			// b[total:] is the incomplete tail of the next line; it stays
			// unconsumed and gets re-presented on the next Feed call, so
			// it must only be checked against the budget here, never
			// folded into the persistent headerBytesSeen counter (that
			// would recount the same bytes on every retry).
			if p.headerBytesSeen+(len(b)-total) > p.maxHeaderBytes {
				p.err = &Error{Status: 431, Reason: "header too large"}
			}
			return total, false
		}
		line := b[total : total+i]
		total += i + 2
		p.headerBytesSeen += i + 2
		if p.headerBytesSeen > p.maxHeaderBytes {
			p.err = &Error{Status: 431, Reason: "headers too large"}
			return total, false
		}
		if len(line) == 0 {
			// end of headers
			return total, p.finishHeaders()
		}
		if line[0] == ' ' || line[0] == '\t' {
			p.err = &Error{Status: 400, Reason: "obsolete line folding rejected"}
			return total, false
		}
		ci := bytes.IndexByte(line, ':')
		if ci < 0 {
			p.err = &Error{Status: 400, Reason: "malformed header line"}
			return total, false
		}
		key := strings.TrimSpace(string(line[:ci]))
		val := strings.TrimSpace(string(line[ci+1:]))
		if key == "" {
			p.err = &Error{Status: 400, Reason: "empty header name"}
			return total, false
		}
		p.req.Headers.Add(key, val)
		if len(p.req.Headers) > p.maxHeaderCount {
			p.err = &Error{Status: 431, Reason: "too many headers"}
			return total, false
		}
	}
}

// finishHeaders decides the body framing per spec.md §4.3: chunked takes
// priority over Content-Length, which takes priority over no body.
// Returns true to signal "state transition performed, keep looping";
// false only on error (err is already set).
func (p *Parser) finishHeaders() bool {
	te := strings.ToLower(p.req.Headers.Get("Transfer-Encoding"))
	if strings.Contains(te, "chunked") {
		p.req.Encoding = httpmsg.BodyChunked
		p.state = StateBodyChunked
		p.chunk = chunkSize
		return true
	}
	if cl, ok := p.req.ContentLength(); ok {
		if cl < 0 {
			p.err = &Error{Status: 400, Reason: "negative content-length"}
			return false
		}
		p.req.Encoding = httpmsg.BodyFixed
		p.bodyRemaining = cl
		if p.bodyLimit > 0 && cl > p.bodyLimit {
			p.err = &Error{Status: 413, Reason: "declared content-length exceeds limit"}
			return false
		}
		if cl == 0 {
			p.state = StateComplete
			return true
		}
		p.state = StateBodyFixed
		return true
	}
	p.req.Encoding = httpmsg.BodyNone
	p.state = StateComplete
	return true
}

func (p *Parser) admitBody(n int64) bool {
	p.bodyWritten += n
	if p.bodyLimit > 0 && p.bodyWritten > p.bodyLimit {
		p.err = &Error{Status: 413, Reason: "body exceeds max_body_size"}
		return false
	}
	return true
}

func (p *Parser) feedBodyFixed(b []byte) (int, bool) {
	take := int64(len(b))
	if take > p.bodyRemaining {
		take = p.bodyRemaining
	}
	if take > 0 {
		if !p.admitBody(take) {
			return 0, false
		}
		p.body.Write(b[:take])
		p.bodyRemaining -= take
	}
	if p.bodyRemaining == 0 {
		p.state = StateComplete
		return int(take), true
	}
	return int(take), false
}

func (p *Parser) feedChunked(b []byte) (int, bool) {
	total := 0
	for {
		rest := b[total:]
		switch p.chunk {
		case chunkSize:
			i := findCRLF(rest)
			if i < 0 {
				if len(rest) > 64 {
					p.err = &Error{Status: 400, Reason: "chunk size line too long"}
				}
				return total, false
			}
			sizeLine := string(rest[:i])
			if si := strings.IndexByte(sizeLine, ';'); si >= 0 {
				sizeLine = sizeLine[:si] // discard chunk extensions
			}
			sizeLine = strings.TrimSpace(sizeLine)
			n, err := strconv.ParseInt(sizeLine, 16, 64)
			if err != nil || n < 0 {
				p.err = &Error{Status: 400, Reason: "malformed chunk size"}
				return total, false
			}
			total += i + 2
			if n == 0 {
				p.state = StateTrailers
				return total, true
			}
			if p.bodyLimit > 0 && p.bodyWritten+n > p.bodyLimit {
				p.err = &Error{Status: 413, Reason: "chunked body exceeds max_body_size"}
				return total, false
			}
			p.chunkRemain = n
			p.chunk = chunkData

		case chunkData:
			take := int64(len(rest))
			if take > p.chunkRemain {
				take = p.chunkRemain
			}
			if take > 0 {
				if !p.admitBody(take) {
					return total, false
				}
				p.body.Write(rest[:take])
				p.chunkRemain -= take
				total += int(take)
			}
			if p.chunkRemain > 0 {
				return total, false
			}
			p.chunk = chunkCRLF

		case chunkCRLF:
			if len(rest) < 2 {
				return total, false
			}
			if rest[0] != '\r' || rest[1] != '\n' {
				p.err = &Error{Status: 400, Reason: "malformed chunk terminator"}
				return total, false
			}
			total += 2
			p.chunk = chunkSize
		}
	}
}

// feedTrailers accepts and discards trailer headers; spec.md §4.9 notes
// the source does not use them and this defensively drops them.
func (p *Parser) feedTrailers(b []byte) (int, bool) {
	total := 0
	for {
		i := findCRLF(b[total:])
		if i < 0 {
			return total, false
		}
		if i == 0 {
			p.state = StateComplete
			return total + 2, true
		}
		// discard one trailer line and keep looking for the blank terminator
		total += i + 2
	}
}
