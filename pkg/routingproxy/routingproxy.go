// Package routingproxy composes the base engine with a routing.Table: a
// forward proxy whose upstream selection comes from an ordered, mutable,
// first-match-wins host-pattern table instead of one fixed default
// upstream.
package routingproxy

import (
	"net/http"

	"github.com/ubio/ubioproxy/pkg/engine"
	"github.com/ubio/ubioproxy/pkg/routing"
	"github.com/ubio/ubioproxy/pkg/upstream"
)

// Proxy is a base Engine whose MatchRoute hook is backed by a routing.Table.
// Embedding the engine means every engine method (Start, Shutdown, Stats,
// Events, Handler, ...) is promoted untouched; only route management is
// new surface.
type Proxy struct {
	*engine.Engine
	Table *routing.Table
}

// New builds a routing proxy. opts.MatchRoute, if set by the caller, is
// overwritten: the whole point of this variant is that the table decides
// routing.
func New(opts engine.Options) *Proxy {
	table := routing.NewTable(opts.DefaultUpstream)
	opts.MatchRoute = func(host string, _ *http.Request) *upstream.Upstream {
		return table.MatchRoute(host)
	}
	return &Proxy{
		Engine: engine.New(opts),
		Table:  table,
	}
}

// InsertRoute adds a route to the table at index (0 = tried first).
func (p *Proxy) InsertRoute(route routing.Route, index int) error {
	return p.Table.InsertRoute(route, index)
}

// RemoveRoutes deletes every route carrying the given label.
func (p *Proxy) RemoveRoutes(label string) {
	p.Table.RemoveRoutes(label)
}

// ClearRoutes empties the table, falling back to the engine's default
// upstream (or direct-to-origin, if none) for every request.
func (p *Proxy) ClearRoutes() {
	p.Table.ClearRoutes()
}

// Routes returns a snapshot of the current ordered route list.
func (p *Proxy) Routes() []routing.Route {
	return p.Table.Routes()
}
