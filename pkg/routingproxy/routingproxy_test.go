package routingproxy

import (
	"testing"

	"github.com/ubio/ubioproxy/pkg/engine"
	"github.com/ubio/ubioproxy/pkg/routing"
	"github.com/ubio/ubioproxy/pkg/upstream"
)

func TestProxyRoutesThroughTable(t *testing.T) {
	fallback := &upstream.Upstream{Host: "fallback:8080"}
	matched := &upstream.Upstream{Host: "matched:8080"}

	p := New(engine.Options{DefaultUpstream: fallback})
	if err := p.InsertRoute(routing.Route{HostPattern: `^special\.example\.com$`, Upstream: matched}, 0); err != nil {
		t.Fatalf("InsertRoute: %v", err)
	}

	if got := p.MatchRoute("special.example.com", nil); got != matched {
		t.Fatalf("expected matched upstream, got %v", got)
	}
	if got := p.MatchRoute("other.example.com", nil); got != fallback {
		t.Fatalf("expected fallback upstream, got %v", got)
	}
}

func TestProxyClearRoutesFallsBackToDefault(t *testing.T) {
	fallback := &upstream.Upstream{Host: "fallback:8080"}
	matched := &upstream.Upstream{Host: "matched:8080"}

	p := New(engine.Options{DefaultUpstream: fallback})
	_ = p.InsertRoute(routing.Route{HostPattern: `example\.com`, Upstream: matched}, 0)
	p.ClearRoutes()

	if got := p.MatchRoute("example.com", nil); got != fallback {
		t.Fatalf("expected fallback after clear, got %v", got)
	}
	if len(p.Routes()) != 0 {
		t.Fatalf("expected empty route snapshot after clear")
	}
}

func TestProxyRemoveRoutesByLabel(t *testing.T) {
	matched := &upstream.Upstream{Host: "matched:8080"}
	p := New(engine.Options{})
	_ = p.InsertRoute(routing.Route{Label: "tenant-a", HostPattern: `a\.example\.com`, Upstream: matched}, 0)
	_ = p.InsertRoute(routing.Route{Label: "tenant-b", HostPattern: `b\.example\.com`, Upstream: matched}, 0)

	p.RemoveRoutes("tenant-a")

	routes := p.Routes()
	if len(routes) != 1 || routes[0].Label != "tenant-b" {
		t.Fatalf("expected only tenant-b route to remain, got %+v", routes)
	}
}
