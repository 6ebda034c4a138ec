package cgi

import (
	"strings"
	"testing"

	"github.com/helouazizi/localserver/internal/config"
	"github.com/helouazizi/localserver/internal/httpmsg"
)

func TestEnvIncludesRequestMetadata(t *testing.T) {
	route := &config.Route{PathPrefix: "/cgi-bin"}
	req := &httpmsg.Request{
		Method:  "GET",
		Path:    "/cgi-bin/echo.py/extra",
		Query:   "a=1",
		Headers: httpmsg.NewHeader(),
	}
	req.Headers.Set("User-Agent", "test-agent")

	env := Env(route, req, "localserver", 8080, "127.0.0.1:1234", "/var/www/cgi-bin/echo.py")

	want := map[string]string{
		"REQUEST_METHOD":    "GET",
		"SERVER_NAME":       "localserver",
		"SERVER_PORT":       "8080",
		"PATH_INFO":         "/echo.py/extra",
		"QUERY_STRING":      "a=1",
		"REMOTE_ADDR":       "127.0.0.1:1234",
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SCRIPT_FILENAME":   "/var/www/cgi-bin/echo.py",
		"HTTP_USER_AGENT":   "test-agent",
	}
	got := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			got[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestEnvOmitsContentLengthWithoutBody(t *testing.T) {
	route := &config.Route{PathPrefix: "/"}
	req := &httpmsg.Request{Path: "/x", Headers: httpmsg.NewHeader()}
	env := Env(route, req, "s", 80, "1.2.3.4", "/x")
	for _, kv := range env {
		if strings.HasPrefix(kv, "CONTENT_LENGTH=") {
			t.Fatalf("unexpected CONTENT_LENGTH in env: %v", env)
		}
	}
}

func TestTryParseHeadersDefaultsTo200(t *testing.T) {
	j := &Job{Headers: httpmsg.NewHeader()}
	j.OutBuf.WriteString("Content-Type: text/plain\r\n\r\nbody-bytes")
	j.tryParseHeaders()

	if !j.HeadersParsed {
		t.Fatalf("expected headers to be parsed")
	}
	if j.Status != 200 {
		t.Fatalf("Status = %d, want 200", j.Status)
	}
	if got := j.UnreadBody(); got != len("body-bytes") {
		t.Fatalf("UnreadBody() = %d, want %d", got, len("body-bytes"))
	}
	buf := make([]byte, 64)
	n := j.PullBody(buf)
	if string(buf[:n]) != "body-bytes" {
		t.Fatalf("PullBody = %q, want body-bytes", buf[:n])
	}
	if j.UnreadBody() != 0 {
		t.Fatalf("UnreadBody() after full pull = %d, want 0", j.UnreadBody())
	}
}

func TestTryParseHeadersHonorsStatusLine(t *testing.T) {
	j := &Job{Headers: httpmsg.NewHeader()}
	j.OutBuf.WriteString("Status: 404 Not Found\r\n\r\n")
	j.tryParseHeaders()

	if j.Status != 404 {
		t.Fatalf("Status = %d, want 404", j.Status)
	}
}

func TestTryParseHeadersDefaultsTo302OnLocation(t *testing.T) {
	j := &Job{Headers: httpmsg.NewHeader()}
	j.OutBuf.WriteString("Location: /elsewhere\r\n\r\n")
	j.tryParseHeaders()

	if j.Status != 302 {
		t.Fatalf("Status = %d, want 302", j.Status)
	}
}

func TestTryParseHeadersWaitsForBlankLine(t *testing.T) {
	j := &Job{Headers: httpmsg.NewHeader()}
	j.OutBuf.WriteString("Content-Type: text/plain\r\n")
	j.tryParseHeaders()
	if j.HeadersParsed {
		t.Fatalf("headers should not be considered parsed before the blank line")
	}
}
