package engine

import (
	"net/http"
	"sync"

	"github.com/ubio/ubioproxy/pkg/upstream"
)

// OutboundConnectEvent fires once per hedged dial attempt, win or lose.
type OutboundConnectEvent struct {
	InboundConnectReq *http.Request
	Upstream          *upstream.Upstream
	Attempt           int
}

// ErrorEvent accompanies every error the engine logs.
type ErrorEvent struct {
	Err     error
	Context ErrorContext
}

// EventBus is a small typed observer registry replacing the ancestor's
// arbitrary event-emitter: each event kind gets its own subscribe method
// and callback list, invoked synchronously on the goroutine that raised it.
type EventBus struct {
	mu               sync.Mutex
	outboundConnect  []func(OutboundConnectEvent)
	errorSubscribers []func(ErrorEvent)
}

func newEventBus() *EventBus {
	return &EventBus{}
}

// OnOutboundConnect registers a callback for every hedged dial attempt.
func (b *EventBus) OnOutboundConnect(fn func(OutboundConnectEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outboundConnect = append(b.outboundConnect, fn)
}

// OnError registers a callback for every classified error.
func (b *EventBus) OnError(fn func(ErrorEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorSubscribers = append(b.errorSubscribers, fn)
}

func (b *EventBus) emitOutboundConnect(ev OutboundConnectEvent) {
	b.mu.Lock()
	subs := append([]func(OutboundConnectEvent){}, b.outboundConnect...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (b *EventBus) emitError(ev ErrorEvent) {
	b.mu.Lock()
	subs := append([]func(ErrorEvent){}, b.errorSubscribers...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
