// Package router selects the virtual server and route for a parsed
// request, per spec.md §4.4. It is grounded on
// original_source/src/server/mod.rs's process_request: host-then-route
// lookup, longest-prefix matching, and the method gate, generalized from
// a single flat route list into the config tree's per-listener server
// set.
package router

import (
	"strings"

	"github.com/helouazizi/localserver/internal/config"
)

// SelectServer implements spec.md §4.4: among the servers bound to a
// listener, the first whose server_names contains the request's Host
// wins; if none match, the first configured server for that listener is
// the default. candidates must be non-empty.
func SelectServer(candidates []*config.Server, host string) *config.Server {
	if host != "" {
		for _, s := range candidates {
			if s.MatchesHost(host) {
				return s
			}
		}
	}
	return candidates[0]
}

// SelectRoute implements the longest-prefix, path-segment-aligned match
// from spec.md §4.4: "/a" matches "/a" and "/a/b" but not "/ab". Ties on
// length are resolved by configuration order (the first match found at
// the winning length).
func SelectRoute(server *config.Server, path string) *config.Route {
	var best *config.Route
	bestLen := -1
	for _, r := range server.Routes {
		if matchesPrefix(r.PathPrefix, path) && len(r.PathPrefix) > bestLen {
			best = r
			bestLen = len(r.PathPrefix)
		}
	}
	return best
}

func matchesPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix == "/" {
		return true
	}
	// path-segment-aligned: the next byte after the prefix must be '/'
	return path[len(prefix)] == '/'
}
