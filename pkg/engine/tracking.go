package engine

import (
	"net"
	"sync"

	"github.com/ubio/ubioproxy/pkg/upstream"
)

// Connection is the tracked record of one established outbound tunnel.
type Connection struct {
	ID          string
	PartitionID string
	Upstream    *upstream.Upstream
	Host        string
	Conn        net.Conn
}

// connTracker maps a connectionId to its live Connection. A Connection's
// presence implies its socket has not yet closed.
type connTracker struct {
	mu   sync.Mutex
	byID map[string]*Connection
}

func newConnTracker() *connTracker {
	return &connTracker{byID: make(map[string]*Connection)}
}

func (t *connTracker) insert(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[c.ID] = c
}

func (t *connTracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

func (t *connTracker) get(id string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	return c, ok
}

func (t *connTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *connTracker) closeAll() {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.byID))
	for _, c := range t.byID {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Conn.Close()
	}
}

// trackOutbound registers conn under id and returns a release func that
// removes it once the tunnel's bytes stop flowing. Callers defer release().
func (e *Engine) trackOutbound(id, partitionID string, up *upstream.Upstream, host string, conn net.Conn) func() {
	c := &Connection{ID: id, PartitionID: partitionID, Upstream: up, Host: host, Conn: conn}
	e.conns.insert(c)
	return func() { e.conns.remove(id) }
}

// TrackOutbound is trackOutbound exported for variants in other packages
// (the SSL-bump proxy tracks its decrypted outbound sockets the same way
// the base CONNECT path tracks raw tunnels).
func (e *Engine) TrackOutbound(id, partitionID string, up *upstream.Upstream, host string, conn net.Conn) func() {
	return e.trackOutbound(id, partitionID, up, host, conn)
}

// TrackedConnection looks up a tracked outbound connection by id, exposed
// for tests asserting tracking and shutdown invariants.
func (e *Engine) TrackedConnection(id string) (*Connection, bool) {
	return e.conns.get(id)
}

// TrackedConnectionCount reports how many outbound tunnels are currently tracked.
func (e *Engine) TrackedConnectionCount() int {
	return e.conns.len()
}

// inboundTracker holds every live inbound client socket so a forced
// shutdown can destroy them all.
type inboundTracker struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newInboundTracker() *inboundTracker {
	return &inboundTracker{conns: make(map[net.Conn]struct{})}
}

func (t *inboundTracker) add(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c] = struct{}{}
}

func (t *inboundTracker) remove(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
}

func (t *inboundTracker) closeAll() {
	t.mu.Lock()
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
