// Package route implements the gateway's path-based route matcher (C1).
package route

import (
	"strings"

	"github.com/koltyakov/expose/internal/domain"
)

// Match is the result of a successful [Table.Find]: the matched route plus
// the stripped path to use for forwarding.
type Match struct {
	Route        *domain.RouteConfig
	StrippedPath string
}

// Table holds an ordered, immutable set of routes. The first pattern that
// matches an incoming path wins.
type Table struct {
	routes []*domain.RouteConfig
}

// NewTable builds a route table from configuration-load-time route
// descriptors. The order given is the match order.
func NewTable(routes []*domain.RouteConfig) *Table {
	cp := make([]*domain.RouteConfig, len(routes))
	copy(cp, routes)
	return &Table{routes: cp}
}

// Find returns the first route whose pattern matches path, along with the
// stripped path to forward. It reports false if no route matches.
func (t *Table) Find(path string) (Match, bool) {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	for _, r := range t.routes {
		stripped, ok := matchPattern(r.Pattern, path)
		if ok {
			return Match{Route: r, StrippedPath: stripped}, true
		}
	}
	return Match{}, false
}

// matchPattern reports whether pattern matches path, returning the path to
// use for forwarding. Patterns are "*" (catch-all), an exact path, or a
// prefix ending in "/*".
func matchPattern(pattern, path string) (string, bool) {
	switch {
	case pattern == "*":
		return path, true
	case strings.HasSuffix(pattern, "/*"):
		prefix := strings.TrimSuffix(pattern, "/*")
		if prefix == "" {
			return path, true
		}
		if path == prefix {
			return "/", true
		}
		if strings.HasPrefix(path, prefix+"/") {
			stripped := strings.TrimPrefix(path, prefix)
			if stripped == "" {
				stripped = "/"
			}
			return stripped, true
		}
		return "", false
	default:
		if path == pattern {
			return path, true
		}
		return "", false
	}
}
