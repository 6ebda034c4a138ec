package router

import (
	"testing"

	"github.com/helouazizi/localserver/internal/config"
)

func newServer(names ...string) *config.Server {
	return &config.Server{ServerNames: names}
}

func TestSelectServerByHost(t *testing.T) {
	a := newServer("a.example")
	b := newServer("b.example")
	def := newServer() // no server_names: never matched by Host
	candidates := []*config.Server{a, b, def}

	if got := SelectServer(candidates, "b.example"); got != b {
		t.Fatalf("expected b.example's server, got %+v", got)
	}
	if got := SelectServer(candidates, "unknown.example"); got != a {
		t.Fatalf("expected the first candidate on no explicit match, got %+v", got)
	}
}

func TestSelectServerEmptyHostFallsBackToFirstCandidate(t *testing.T) {
	a := newServer("a.example")
	b := newServer("b.example")
	candidates := []*config.Server{a, b}
	if got := SelectServer(candidates, ""); got != a {
		t.Fatalf("expected the first candidate when Host is absent, got %+v", got)
	}
}

func TestSelectServerFirstMatchWins(t *testing.T) {
	a1 := newServer("a.example")
	a2 := newServer("a.example")
	candidates := []*config.Server{a1, a2}
	if got := SelectServer(candidates, "a.example"); got != a1 {
		t.Fatalf("expected the first configured match to win, got %+v", got)
	}
}

func route(prefix string) *config.Route {
	return &config.Route{PathPrefix: prefix}
}

func TestSelectRouteLongestPrefix(t *testing.T) {
	s := &config.Server{Routes: []*config.Route{route("/"), route("/a"), route("/a/b")}}

	cases := map[string]string{
		"/a/b/c": "/a/b",
		"/a/x":   "/a",
		"/other": "/",
	}
	for path, want := range cases {
		got := SelectRoute(s, path)
		if got == nil || got.PathPrefix != want {
			t.Errorf("SelectRoute(%q) = %v, want prefix %q", path, got, want)
		}
	}
}

func TestSelectRouteIsSegmentAligned(t *testing.T) {
	s := &config.Server{Routes: []*config.Route{route("/a")}}
	if got := SelectRoute(s, "/ab"); got != nil {
		t.Fatalf("expected /ab not to match /a prefix, got %+v", got)
	}
}

func TestSelectRouteNoMatch(t *testing.T) {
	s := &config.Server{Routes: []*config.Route{route("/only")}}
	if got := SelectRoute(s, "/other"); got != nil {
		t.Fatalf("expected no match, got %+v", got)
	}
}
