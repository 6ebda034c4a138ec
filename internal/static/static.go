// Package static implements the static-file responder of spec.md §4.5:
// path sanitization against directory traversal and symlink escape,
// directory index/autoindex handling, and small-vs-streamed file bodies.
// Grounded on DiSiqueira-StaticServer's fs.go (open, stat, set
// Content-Type/Content-Length, stream the body) generalized to add the
// sanitizer, directory listing, and streamed-source path the teacher's
// fixed in-memory file table didn't need.
package static

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/helouazizi/localserver/internal/config"
	"github.com/helouazizi/localserver/internal/respwriter"
)

// streamThreshold: files at or below this size are read fully into
// memory; larger files are streamed via an *os.File BodySource drained
// incrementally by the reactor, per spec.md §4.5 note 5.
const streamThreshold = 64 * 1024

var extraMIME = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".txt":  "text/plain; charset=utf-8",
}

func mimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extraMIME[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// SanitizeError is returned by Sanitize for a malformed path; the caller
// maps it to 400.
type SanitizeError struct{ Reason string }

func (e *SanitizeError) Error() string { return e.Reason }

// Sanitize implements spec.md §4.5 step 2: percent-decode, split on '/',
// and replay a component stack where ".." pops, "." and "" are skipped,
// and a pop-underflow is rejected. It is idempotent: sanitizing an
// already-sanitized path returns it unchanged.
func Sanitize(relPath string) (string, error) {
	decoded, err := percentDecode(relPath)
	if err != nil {
		return "", &SanitizeError{"invalid percent-encoding"}
	}
	var stack []string
	for _, seg := range strings.Split(decoded, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", &SanitizeError{"path escapes root"}
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}
	return strings.Join(stack, "/"), nil
}

func percentDecode(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated percent-escape")
		}
		hi, ok1 := hexVal(s[i+1])
		lo, ok2 := hexVal(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid percent-escape")
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

// Resolve joins the sanitized relative path to root and verifies the
// canonical result is still inside root (symlink-escape guard, spec.md
// §4.5 step 3).
func Resolve(root, relPath string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		// root itself may not exist yet (e.g. upload_dir lazily created);
		// fall back to the absolute, non-symlink-resolved path.
		rootReal = rootAbs
	}
	joined := filepath.Join(rootReal, relPath)
	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// target may not exist (404 case); check the unresolved join.
		if !strings.HasPrefix(joined, rootReal) {
			return "", &SanitizeError{"path escapes root"}
		}
		return joined, nil
	}
	if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
		return "", &SanitizeError{"symlink escapes root"}
	}
	return real, nil
}

// Serve implements spec.md §4.5 steps 4-5 for a request whose route has
// already been matched and whose path has already been resolved to an
// absolute filesystem path (fullPath).
func Serve(route *config.Route, fullPath string) (*respwriter.Response, error) {
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return respwriter.NewBytes(404, "text/plain; charset=utf-8", []byte("404 Not Found")), nil
		}
		if os.IsPermission(err) {
			return respwriter.NewBytes(403, "text/plain; charset=utf-8", []byte("403 Forbidden")), nil
		}
		return nil, err
	}

	if info.IsDir() {
		return serveDir(route, fullPath)
	}
	return serveFile(fullPath, info.Size())
}

func serveDir(route *config.Route, dirPath string) (*respwriter.Response, error) {
	if route.Index != "" {
		indexPath := filepath.Join(dirPath, route.Index)
		if fi, err := os.Stat(indexPath); err == nil && !fi.IsDir() {
			return serveFile(indexPath, fi.Size())
		}
	}
	if route.Autoindex {
		return autoindex(route, dirPath)
	}
	return respwriter.NewBytes(403, "text/plain; charset=utf-8", []byte("403 Forbidden")), nil
}

func serveFile(fullPath string, size int64) (*respwriter.Response, error) {
	resp := respwriter.New(200)
	resp.Header.Set("Content-Type", mimeType(fullPath))

	if size <= streamThreshold {
		data, err := os.ReadFile(fullPath)
		if err != nil {
			return nil, err
		}
		resp.Body = data
		return resp, nil
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, err
	}
	resp.Source = f
	resp.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	return resp, nil
}

type dirEntry struct {
	Name  string
	IsDir bool
}

// autoindex implements spec.md §4.5 step 4 / §8 ("Autoindex output for
// the same directory contents is byte-identical"): a deterministic,
// sorted, asset-free HTML listing.
func autoindex(route *config.Route, dirPath string) (*respwriter.Response, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}
	list := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, dirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Index</title></head>\n<body>\n<h1>Index</h1>\n<ul>\n")
	if route.PathPrefix != "/" {
		b.WriteString(`<li><a href="../">../</a></li>` + "\n")
	}
	for _, e := range list {
		name := e.Name
		href := name
		if e.IsDir {
			href += "/"
			name += "/"
		}
		fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", path.Clean("/"+href)[1:], htmlEscape(name))
	}
	b.WriteString("</ul>\n</body>\n</html>\n")

	return respwriter.NewBytes(200, "text/html; charset=utf-8", []byte(b.String())), nil
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

var _ io.Closer = (*os.File)(nil)
