// Package config holds the immutable configuration tree the reactor runs
// against, and a loader for the indentation-sensitive text format used by
// this project's deployments.
//
// The loader is a collaborator, not part of the reactor core: the core
// never imports the scanner in this file directly, only the Tree it
// produces.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Method is one of the HTTP methods the core understands at the routing
// layer. Anything else is accepted by the transport and rejected later.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodDelete Method = "DELETE"
)

// Route is a single location block inside a Server.
type Route struct {
	PathPrefix      string
	Root            string
	Methods         map[Method]bool
	Index           string
	Autoindex       bool
	Redirect        string
	UploadDir       string
	CGIExtension    string
	CGIInterpreter  string
	MaxBodySize     uint64 // 0 means "inherit from Server"
}

func (r *Route) IsRedirect() bool { return r.Redirect != "" }

func (r *Route) Allows(m Method) bool {
	if len(r.Methods) == 0 {
		return r.IsRedirect()
	}
	return r.Methods[m]
}

// AllowedMethods returns a deterministic list for the Allow header, in the
// fixed order GET, POST, DELETE.
func (r *Route) AllowedMethods() []string {
	order := []Method{MethodGet, MethodPost, MethodDelete}
	out := make([]string, 0, len(order))
	for _, m := range order {
		if r.Methods[m] {
			out = append(out, string(m))
		}
	}
	return out
}

// Server is one virtual-server block. Host/Port identify the listener it
// binds; ServerNames disambiguate between servers sharing a listener.
type Server struct {
	Host        string
	Port        uint16
	ServerNames []string
	MaxBodySize uint64
	ErrorPages  map[int]string
	Routes      []*Route
}

func (s *Server) MatchesHost(host string) bool {
	if len(s.ServerNames) == 0 {
		return false
	}
	host = stripPort(host)
	for _, n := range s.ServerNames {
		if strings.EqualFold(n, host) {
			return true
		}
	}
	return false
}

// ServerNameOr returns the first configured server_name, or fallback if
// none was set.
func (s *Server) ServerNameOr(fallback string) string {
	if len(s.ServerNames) > 0 {
		return s.ServerNames[0]
	}
	return fallback
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// Tree is the root of the configuration, as consumed by the reactor.
type Tree struct {
	TimeoutSeconds uint32
	MaxServerSize  uint64
	Servers        []*Server
}

// ServersFor returns the Servers bound to the given (host, port) pair, in
// configuration order; the first entry is the default server for that
// listener when no Host header matches.
func (t *Tree) ServersFor(host string, port uint16) []*Server {
	var out []*Server
	for _, s := range t.Servers {
		if s.Port == port && (s.Host == host || s.Host == "0.0.0.0" || host == "0.0.0.0") {
			out = append(out, s)
		}
	}
	return out
}

// Validate re-checks the invariants spec.md §3 requires of a config tree,
// regardless of what the loader already enforced — the core re-checks on
// use per §6.
func (t *Tree) Validate() error {
	if len(t.Servers) == 0 {
		return fmt.Errorf("config: no servers defined")
	}
	for si, s := range t.Servers {
		if s.Port == 0 {
			return fmt.Errorf("config: server[%d]: port is required", si)
		}
		for ri, r := range s.Routes {
			if r.PathPrefix == "" || r.PathPrefix[0] != '/' {
				return fmt.Errorf("config: server[%d].route[%d]: path_prefix must start with '/'", si, ri)
			}
			if r.CGIExtension != "" && r.CGIInterpreter == "" {
				return fmt.Errorf("config: server[%d].route[%d]: cgi_extension without cgi_interpreter", si, ri)
			}
			if len(r.Methods) == 0 && !r.IsRedirect() {
				return fmt.Errorf("config: server[%d].route[%d]: route has no methods and is not a redirect", si, ri)
			}
		}
	}
	return nil
}

// Load reads the indentation-sensitive format described in the original
// deployment tooling this project replaces (two-space server/route blocks
// under a "servers:" list, "error_pages:" and "routes:" sub-blocks keyed
// by status code and "- path" respectively).
func Load(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	tree := &Tree{TimeoutSeconds: 30, MaxServerSize: 1024}

	var curServer *Server
	var curRoute *Route
	mode := modeGeneral

	flushRoute := func() {
		if curServer != nil && curRoute != nil {
			curServer.Routes = append(curServer.Routes, curRoute)
			curRoute = nil
		}
	}
	flushServer := func() {
		flushRoute()
		if curServer != nil {
			tree.Servers = append(tree.Servers, curServer)
			curServer = nil
		}
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		raw := sc.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := countIndent(raw)
		key, val := splitKV(trimmed)

		switch {
		case indent == 0:
			switch key {
			case "timeout_seconds":
				if n, err := strconv.ParseUint(val, 10, 32); err == nil {
					tree.TimeoutSeconds = uint32(n)
				}
			case "max_server_size":
				if n, err := strconv.ParseUint(val, 10, 64); err == nil {
					tree.MaxServerSize = n
				}
			}
			continue

		case indent == 2:
			if strings.HasPrefix(trimmed, "- ") {
				flushServer()
				curServer = defaultServer()
				mode = modeGeneral
				rest := strings.TrimSpace(trimmed[2:])
				if rest != "" {
					k, v := splitKV(rest)
					applyServerField(curServer, k, v)
				}
				continue
			}
			if curServer != nil {
				mode = modeGeneral
				applyServerField(curServer, key, val)
			}

		default: // indent >= 4: error_pages / routes sub-blocks
			if curServer == nil {
				continue
			}
			switch key {
			case "error_pages":
				mode = modeErrorPages
				continue
			case "routes":
				mode = modeRoutes
				continue
			}
			switch mode {
			case modeErrorPages:
				if code, err := strconv.Atoi(key); err == nil {
					curServer.ErrorPages[code] = val
				} else {
					mode = modeGeneral
					applyServerField(curServer, key, val)
				}
			case modeRoutes:
				if strings.HasPrefix(trimmed, "- ") {
					flushRoute()
					curRoute = defaultRoute()
					k, v := splitKV(strings.TrimSpace(trimmed[2:]))
					applyRouteField(curRoute, k, v)
				} else if curRoute != nil {
					applyRouteField(curRoute, key, val)
				}
			case modeGeneral:
				applyServerField(curServer, key, val)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	flushServer()

	if err := tree.Validate(); err != nil {
		return nil, err
	}
	return tree, nil
}

type parseMode int

const (
	modeGeneral parseMode = iota
	modeErrorPages
	modeRoutes
)

func defaultServer() *Server {
	return &Server{
		Host:        "0.0.0.0",
		Port:        8080,
		MaxBodySize: 1 << 20,
		ErrorPages:  make(map[int]string),
	}
}

func defaultRoute() *Route {
	return &Route{
		PathPrefix: "/",
		Methods:    make(map[Method]bool),
	}
}

func applyServerField(s *Server, key, val string) {
	switch key {
	case "host":
		s.Host = val
	case "port":
		if n, err := strconv.ParseUint(val, 10, 16); err == nil {
			s.Port = uint16(n)
		}
	case "server_names", "server_name":
		s.ServerNames = parseList(val)
	case "max_body_size":
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			s.MaxBodySize = n
		}
	}
}

func applyRouteField(r *Route, key, val string) {
	switch key {
	case "path", "path_prefix":
		r.PathPrefix = val
	case "root":
		r.Root = val
	case "index":
		r.Index = val
	case "autoindex":
		r.Autoindex = val == "true"
	case "redirect":
		r.Redirect = val
	case "upload_dir":
		r.UploadDir = val
	case "cgi_extension":
		r.CGIExtension = val
	case "cgi_interpreter":
		r.CGIInterpreter = val
	case "max_body_size":
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			r.MaxBodySize = n
		}
	case "methods":
		for _, m := range parseList(val) {
			r.Methods[Method(strings.ToUpper(m))] = true
		}
	}
}

func countIndent(line string) int {
	n := 0
	for _, c := range line {
		if c != ' ' {
			break
		}
		n++
	}
	return n
}

func splitKV(line string) (string, string) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return strings.TrimSpace(line), ""
	}
	key := strings.TrimSpace(line[:i])
	val := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
	return key, val
}

func parseList(val string) []string {
	val = strings.Trim(val, "[] ")
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
