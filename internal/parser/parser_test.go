package parser

import "testing"

func feedAll(t *testing.T, p *Parser, data []byte) Status {
	t.Helper()
	var status Status
	pos := 0
	for {
		n, s, err := p.Feed(data[pos:])
		pos += n
		if err != nil {
			return Failed
		}
		status = s
		if s == HeadersDone {
			continue // caller would set a body limit here; default of 0 is unlimited
		}
		if s == NeedMore || s == Done {
			return status
		}
	}
}

func TestFeedSimpleGET(t *testing.T) {
	p := New()
	req := "GET /index.html HTTP/1.1\r\nHost: a\r\n\r\n"
	status := feedAll(t, p, []byte(req))
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if p.Request().Method != "GET" || p.Request().Path != "/index.html" {
		t.Fatalf("unexpected request: %+v", p.Request())
	}
	if len(p.Request().Body) != 0 {
		t.Fatalf("expected no body, got %q", p.Request().Body)
	}
}

func TestFeedFixedBody(t *testing.T) {
	p := New()
	req := "POST /upload HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n\r\nhello"
	status := feedAll(t, p, []byte(req))
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if string(p.Request().Body) != "hello" {
		t.Fatalf("body = %q, want hello", p.Request().Body)
	}
}

func TestFeedChunkedBody(t *testing.T) {
	p := New()
	req := "POST /x HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	status := feedAll(t, p, []byte(req))
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if string(p.Request().Body) != "hello world" {
		t.Fatalf("body = %q, want %q", p.Request().Body, "hello world")
	}
}

func TestFeedStopsAtHeadersDoneBeforeBody(t *testing.T) {
	p := New()
	req := []byte("POST /x HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\n\r\nabc")
	consumed, status, err := p.Feed(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != HeadersDone {
		t.Fatalf("status = %v, want HeadersDone", status)
	}
	if consumed != len(req)-3 {
		t.Fatalf("consumed = %d, want %d (headers only, no body bytes)", consumed, len(req)-3)
	}
}

func TestBodyOverLimitFails(t *testing.T) {
	p := New()
	req := []byte("POST /x HTTP/1.1\r\nHost: a\r\nContent-Length: 10\r\n\r\nab")
	consumed, status, err := p.Feed(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != HeadersDone {
		t.Fatalf("status = %v, want HeadersDone", status)
	}
	p.SetBodyLimit(1)
	_, status, err = p.Feed(req[consumed:])
	if status != Failed || err == nil || err.Status != 413 {
		t.Fatalf("status = %v, err = %v, want Failed/413", status, err)
	}
}

func TestFeedHeadersSplitAcrossReadsIsNotReAdded(t *testing.T) {
	p := New()
	first := []byte("GET / HTTP/1.1\r\nHost: a\r\n")
	consumed, status, err := p.Feed(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != NeedMore {
		t.Fatalf("status = %v, want NeedMore", status)
	}
	if consumed != len(first) {
		t.Fatalf("consumed = %d, want %d (the one complete header line)", consumed, len(first))
	}

	second := []byte("X-Extra: y\r\n\r\n")
	_, status, err = p.Feed(second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != HeadersDone {
		t.Fatalf("status = %v, want HeadersDone", status)
	}
	if got := p.Request().Headers.Get("Host"); got != "a" {
		t.Fatalf("Host = %q, want a (must not be re-added by the second Feed call)", got)
	}
	if n := len(p.Request().Headers["Host"]); n != 1 {
		t.Fatalf("Host header added %d times, want 1", n)
	}
}

func TestMalformedRequestLineFails(t *testing.T) {
	p := New()
	_, status, err := p.Feed([]byte("GET\r\n\r\n"))
	if status != Failed || err.Status != 400 {
		t.Fatalf("status = %v, err = %v, want Failed/400", status, err)
	}
}

func TestNeedMoreOnPartialRequestLine(t *testing.T) {
	p := New()
	_, status, err := p.Feed([]byte("GET /x HTTP/1."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != NeedMore {
		t.Fatalf("status = %v, want NeedMore", status)
	}
}

func TestResetAllowsReuseOnKeepAlive(t *testing.T) {
	p := New()
	feedAll(t, p, []byte("GET /a HTTP/1.1\r\nHost: a\r\n\r\n"))
	p.Reset()
	status := feedAll(t, p, []byte("GET /b HTTP/1.1\r\nHost: a\r\n\r\n"))
	if status != Done || p.Request().Path != "/b" {
		t.Fatalf("reset did not produce a clean second request: %+v", p.Request())
	}
}
