package engine

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ubio/ubioproxy/pkg/agent"
	"github.com/ubio/ubioproxy/pkg/perror"
	"github.com/ubio/ubioproxy/pkg/upstream"
)

func systemCertPoolOrEmpty() *x509.CertPool {
	if pool, err := x509.SystemCertPool(); err == nil && pool != nil {
		return pool
	}
	return x509.NewCertPool()
}

// ensurePort appends the given default port if host carries none.
func ensurePort(host, defaultPort string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, defaultPort)
}

// directConnect opens a plain TCP connection straight to origin. host
// defaults to port 443 when none is given.
func (e *Engine) directConnect(ctx context.Context, host string) (net.Conn, error) {
	target := ensurePort(host, "443")
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &perror.ProxyConnectionTimeout{}
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// proxyConnect opens the outbound connection through an upstream proxy,
// delegating the CONNECT handshake itself to HTTPSProxyAgent so the engine
// and any external embedder of this module share one implementation of the
// handshake. It returns the adopted connectionId: the upstream's
// X-Connection-Id reply header if present, otherwise "" (the caller mints
// a fresh one).
func (e *Engine) proxyConnect(ctx context.Context, up *upstream.Upstream, targetHost, partitionID string) (net.Conn, string, error) {
	up = e.signPartitionHeaders(up, targetHost, partitionID)
	a := &agent.HTTPSProxyAgent{TLSConfig: e.OutwardTLSConfig(hostOnly(up.Host))}
	return a.Connect(ctx, *up, targetHost, partitionID)
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

// dialResult is one hedged attempt's outcome.
type dialResult struct {
	conn   net.Conn
	connID string
	err    error
}

// ConnectWithRetry is connectWithRetry exported for variants in other
// packages (the SSL-bump proxy establishes its outward connection the same
// hedged way the base CONNECT path does, before negotiating TLS atop it).
func (e *Engine) ConnectWithRetry(ctx context.Context, req *http.Request, up *upstream.Upstream, targetHost, partitionID string) (net.Conn, string, error) {
	return e.connectWithRetry(ctx, req, up, targetHost, partitionID)
}

// connectWithRetry implements hedged retry dialing: N =
// ConnectRetryAttempts+1 attempts are scheduled with staggered starts; the
// first to reach a connected socket wins, and every later arrival is
// destroyed. partitionID, if non-empty, is attached identically to every
// attempt.
func (e *Engine) connectWithRetry(ctx context.Context, req *http.Request, up *upstream.Upstream, targetHost, partitionID string) (net.Conn, string, error) {
	attempts, interval, timeout := e.ConnectOptions()
	total := attempts + 1

	results := make(chan dialResult, total)
	attemptCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			if attempt > 0 {
				timer := time.NewTimer(time.Duration(attempt) * interval)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-attemptCtx.Done():
					return
				}
			}

			e.events.emitOutboundConnect(OutboundConnectEvent{InboundConnectReq: req, Upstream: up, Attempt: attempt + 1})

			dialCtx, cancel := context.WithTimeout(attemptCtx, timeout)
			defer cancel()

			var conn net.Conn
			var connID string
			var err error
			if up != nil {
				conn, connID, err = e.proxyConnect(dialCtx, up, targetHost, partitionID)
			} else {
				conn, err = e.directConnect(dialCtx, targetHost)
			}

			select {
			case results <- dialResult{conn: conn, connID: connID, err: err}:
			case <-attemptCtx.Done():
				if conn != nil {
					conn.Close()
				}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	final := make(chan dialResult, 1)
	go func() {
		var lastErr error
		picked := false
		for res := range results {
			if res.err == nil {
				if !picked {
					picked = true
					cancelAll()
					final <- res
				} else {
					res.conn.Close()
				}
				continue
			}
			if !picked {
				lastErr = res.err
			}
		}
		if !picked {
			if lastErr == nil {
				lastErr = &perror.ProxyConnectionTimeout{Upstream: up}
			}
			final <- dialResult{err: lastErr}
		}
	}()

	out := <-final
	return out.conn, out.connID, out.err
}
