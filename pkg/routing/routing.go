// Package routing implements the first-match-wins host-pattern to upstream
// table used by the routing proxy variant.
package routing

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/ubio/ubioproxy/pkg/upstream"
)

// DefaultLabel is applied to a route inserted without an explicit label.
const DefaultLabel = "default"

// Route is one entry of the ordered route table. A nil Upstream means
// "route directly to origin".
type Route struct {
	Label       string
	HostPattern string
	Upstream    *upstream.Upstream

	compiled *regexp.Regexp
}

// Table is an ordered, first-match-wins sequence of routes, safe for
// concurrent route lookups and mutation via its own RWMutex.
type Table struct {
	mu     sync.RWMutex
	routes []Route

	// DefaultUpstream is returned by MatchRoute when no route matches.
	DefaultUpstream *upstream.Upstream
}

// NewTable builds an empty route table.
func NewTable(defaultUpstream *upstream.Upstream) *Table {
	return &Table{DefaultUpstream: defaultUpstream}
}

// InsertRoute compiles route.HostPattern and inserts it at index (0 = front
// of the table, meaning it is tried first). An invalid pattern is rejected
// and never inserted.
func (t *Table) InsertRoute(route Route, index int) error {
	if route.Label == "" {
		route.Label = DefaultLabel
	}
	compiled, err := regexp.Compile("(?i)" + route.HostPattern)
	if err != nil {
		return fmt.Errorf("compile host pattern %q: %w", route.HostPattern, err)
	}
	route.compiled = compiled

	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index > len(t.routes) {
		index = 0
	}
	t.routes = append(t.routes, Route{})
	copy(t.routes[index+1:], t.routes[index:])
	t.routes[index] = route
	return nil
}

// ClearRoutes empties the table.
func (t *Table) ClearRoutes() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = nil
}

// RemoveRoutes deletes every route carrying the given label.
func (t *Table) RemoveRoutes(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.routes[:0]
	for _, r := range t.routes {
		if r.Label != label {
			kept = append(kept, r)
		}
	}
	t.routes = kept
}

// Routes returns a snapshot copy of the current ordered route list.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// MatchRoute returns the upstream of the first route whose pattern matches
// host (an unanchored, case-insensitive containment test unless the pattern
// itself anchors with ^…$), or DefaultUpstream if none match.
func (t *Table) MatchRoute(host string) *upstream.Upstream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if r.compiled.MatchString(host) {
			return r.Upstream
		}
	}
	return t.DefaultUpstream
}
