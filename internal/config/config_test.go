package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "server.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}
	return path
}

func TestLoadBasicServer(t *testing.T) {
	path := writeConfig(t, `
timeout_seconds: 20
max_server_size: 128

servers:
  - host: 0.0.0.0
    port: 8080
    server_names: [example.com, www.example.com]
    max_body_size: 1048576
    error_pages:
      404: ./errors/404.html
    routes:
      - path: /
        root: ./www
        index: index.html
        autoindex: true
        methods: [GET]
      - path: /upload
        upload_dir: ./uploads
        methods: [POST, DELETE]
`)
	tree, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tree.TimeoutSeconds != 20 || tree.MaxServerSize != 128 {
		t.Fatalf("top-level fields: %+v", tree)
	}
	if len(tree.Servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(tree.Servers))
	}
	s := tree.Servers[0]
	if s.Port != 8080 || len(s.ServerNames) != 2 {
		t.Fatalf("server fields: %+v", s)
	}
	if s.ErrorPages[404] != "./errors/404.html" {
		t.Fatalf("error_pages: %+v", s.ErrorPages)
	}
	if len(s.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(s.Routes))
	}
	root := s.Routes[0]
	if root.Root != "./www" || root.Index != "index.html" || !root.Autoindex {
		t.Fatalf("route[0]: %+v", root)
	}
	if !root.Methods[MethodGet] {
		t.Fatalf("route[0] should allow GET: %+v", root.Methods)
	}
	upload := s.Routes[1]
	if upload.UploadDir != "./uploads" || !upload.Methods[MethodPost] || !upload.Methods[MethodDelete] {
		t.Fatalf("route[1]: %+v", upload)
	}
}

func TestLoadRejectsCGIWithoutInterpreter(t *testing.T) {
	path := writeConfig(t, `
servers:
  - port: 8080
    routes:
      - path: /cgi-bin
        cgi_extension: .py
        methods: [GET]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for cgi_extension without cgi_interpreter")
	}
}

func TestLoadRejectsEmptyRoute(t *testing.T) {
	path := writeConfig(t, `
servers:
  - port: 8080
    routes:
      - path: /dead
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for a route with no methods and no redirect")
	}
}

func TestServersForMatchesWildcardHost(t *testing.T) {
	tree := &Tree{Servers: []*Server{
		{Host: "0.0.0.0", Port: 80},
		{Host: "127.0.0.1", Port: 80},
		{Host: "127.0.0.1", Port: 443},
	}}
	got := tree.ServersFor("127.0.0.1", 80)
	if len(got) != 2 {
		t.Fatalf("expected both port-80 servers to match via the 0.0.0.0 wildcard, got %d", len(got))
	}
}

func TestMatchesHostStripsPort(t *testing.T) {
	s := &Server{ServerNames: []string{"example.com"}}
	if !s.MatchesHost("example.com:8080") {
		t.Fatalf("expected MatchesHost to ignore the port component")
	}
	if s.MatchesHost("other.com") {
		t.Fatalf("expected MatchesHost to reject an unrelated host")
	}
}
