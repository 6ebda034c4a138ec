package static

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/helouazizi/localserver/internal/config"
)

func TestSanitizeTraversal(t *testing.T) {
	cases := map[string]string{
		"a/b/c":       "a/b/c",
		"a/./b":       "a/b",
		"a//b":        "a/b",
		"a/b/../c":    "a/c",
		"/a/b":        "a/b",
		"a%2fb":       "a/b",
	}
	for in, want := range cases {
		got, err := Sanitize(in)
		if err != nil {
			t.Errorf("Sanitize(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeRejectsEscape(t *testing.T) {
	for _, in := range []string{"../x", "a/../../b", ".."} {
		if _, err := Sanitize(in); err == nil {
			t.Errorf("Sanitize(%q): expected error, got none", in)
		}
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	once, err := Sanitize("a/./b/../c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := Sanitize(once)
	if err != nil {
		t.Fatalf("unexpected error on second pass: %v", err)
	}
	if once != twice {
		t.Fatalf("Sanitize not idempotent: %q then %q", once, twice)
	}
}

func TestSanitizeRejectsBadPercentEscape(t *testing.T) {
	if _, err := Sanitize("a%2"); err == nil {
		t.Fatalf("expected error for truncated percent-escape")
	}
	if _, err := Sanitize("a%zz"); err == nil {
		t.Fatalf("expected error for invalid percent-escape")
	}
}

func TestResolveStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "file.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	full, err := Resolve(root, "file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if filepath.Base(full) != "file.txt" {
		t.Fatalf("Resolve returned %q", full)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}
	if _, err := Resolve(root, "escape/secret.txt"); err == nil {
		t.Fatalf("expected symlink escape to be rejected")
	}
}

func TestAutoindexIsDeterministic(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), nil, 0o644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	route := &config.Route{PathPrefix: "/files", Autoindex: true}

	resp1, err := autoindex(route, root)
	if err != nil {
		t.Fatalf("autoindex: %v", err)
	}
	resp2, err := autoindex(route, root)
	if err != nil {
		t.Fatalf("autoindex: %v", err)
	}
	if string(resp1.Body) != string(resp2.Body) {
		t.Fatalf("autoindex output not byte-identical across calls")
	}
}

func TestServeMissingFileIs404(t *testing.T) {
	root := t.TempDir()
	route := &config.Route{PathPrefix: "/"}
	resp, err := Serve(route, filepath.Join(root, "missing"))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 404 {
		t.Fatalf("Status = %d, want 404", resp.Status)
	}
}
