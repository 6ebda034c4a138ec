package respwriter

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteHeadSetsContentLength(t *testing.T) {
	resp := NewBytes(200, "text/plain; charset=utf-8", []byte("hello"))
	var buf bytes.Buffer
	resp.WriteHead(&buf, "HTTP/1.1", "localserver")

	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Fatalf("missing Content-Length: %q", out)
	}
	if !strings.Contains(out, "Server: localserver\r\n") {
		t.Fatalf("missing Server header: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Fatalf("header block must end with a blank line: %q", out)
	}
}

func TestWriteHeadChunkedOmitsContentLength(t *testing.T) {
	resp := New(200)
	resp.Chunked = true
	var buf bytes.Buffer
	resp.WriteHead(&buf, "HTTP/1.1", "localserver")

	out := buf.String()
	if strings.Contains(out, "Content-Length") {
		t.Fatalf("chunked response must not carry Content-Length: %q", out)
	}
	if !strings.Contains(out, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("missing Transfer-Encoding: %q", out)
	}
}

func TestWriteHeadIsDeterministicallyOrdered(t *testing.T) {
	resp := New(200)
	resp.Header.Set("X-Zebra", "1")
	resp.Header.Set("X-Apple", "2")
	var a, b bytes.Buffer
	resp.WriteHead(&a, "HTTP/1.1", "localserver")
	resp.Header.Del("Date") // force regeneration so both runs pick a fresh one
	resp.WriteHead(&b, "HTTP/1.1", "localserver")

	appleIdxA := strings.Index(a.String(), "X-Apple")
	zebraIdxA := strings.Index(a.String(), "X-Zebra")
	if appleIdxA < 0 || zebraIdxA < 0 || appleIdxA > zebraIdxA {
		t.Fatalf("headers not sorted: %q", a.String())
	}
}

func TestEncodeChunk(t *testing.T) {
	got := EncodeChunk([]byte("abc"))
	want := "3\r\nabc\r\n"
	if string(got) != want {
		t.Fatalf("EncodeChunk(abc) = %q, want %q", got, want)
	}
}

func TestEncodeChunkTerminal(t *testing.T) {
	got := EncodeChunk(nil)
	want := "0\r\n\r\n"
	if string(got) != want {
		t.Fatalf("EncodeChunk(nil) = %q, want %q", got, want)
	}
}

func TestStatusTextFallback(t *testing.T) {
	if StatusText(200) != "OK" {
		t.Fatalf("StatusText(200) = %q", StatusText(200))
	}
	if StatusText(599) == "" {
		t.Fatalf("StatusText should never return empty for an unknown code")
	}
}
