// Package agent provides two proxy-aware client primitives: one that
// dials an origin through an upstream proxy's plain HTTP forwarding,
// and one that tunnels through an upstream proxy's CONNECT method and wraps
// the result in client TLS. The base engine uses both internally to reach
// origin/upstream; they are exported so a caller embedding this module as a
// library can dial through a proxy without standing up a whole engine.
package agent

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ubio/ubioproxy/pkg/perror"
	"github.com/ubio/ubioproxy/pkg/upstream"
)

// HTTPSProxyAgent dials an upstream proxy, issues a CONNECT for the target
// host, and on success hands back the raw tunneled socket (the caller
// decides whether/how to wrap it in TLS — DialTLS's client-side wrap starts
// from this, and so does the engine's outbound path, whose socket the bump
// proxy wraps client-side in negotiateTLS).
type HTTPSProxyAgent struct {
	// TLSConfig is used to dial the upstream proxy itself when
	// Upstream.UseHTTPS is set; nil uses Go's default config.
	TLSConfig *tls.Config
}

// Connect opens a TCP (or TLS, per up.UseHTTPS) connection to up and
// issues "CONNECT targetHost HTTP/1.1", attaching Proxy-Authorization,
// up.ConnectHeaders, and (if non-empty) an X-Partition-Id header. It
// returns the raw tunneled connection and the upstream's own
// X-Connection-Id reply header, if any (adopted by the caller so
// connection identity stays transitive across a chain of proxies).
func (a *HTTPSProxyAgent) Connect(ctx context.Context, up upstream.Upstream, targetHost, partitionID string) (net.Conn, string, error) {
	dialer := &net.Dialer{}

	var conn net.Conn
	var err error
	if up.UseHTTPS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: a.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", up.Host)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", up.Host)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", &perror.ProxyConnectionTimeout{Upstream: &up}
		}
		return nil, "", fmt.Errorf("dial upstream %s: %w", up, err)
	}

	header := make(http.Header)
	header.Set("Host", targetHost)
	if authz, ok := up.ProxyAuthorizationHeader(); ok {
		header.Set("Proxy-Authorization", authz)
	}
	for k, v := range up.ConnectHeaders {
		header.Set(k, v)
	}
	if partitionID != "" {
		header.Set("X-Partition-Id", partitionID)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeConnectRequest(conn, targetHost, header); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("write CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, "", &perror.ProxyConnectionTimeout{Upstream: &up}
		}
		return nil, "", fmt.Errorf("read CONNECT response: %w", err)
	}
	defer resp.Body.Close()

	_ = conn.SetDeadline(time.Time{})

	if resp.StatusCode >= 400 {
		conn.Close()
		return nil, "", &perror.ProxyConnectionFailed{Upstream: up, Status: resp.StatusCode}
	}

	return conn, resp.Header.Get("X-Connection-Id"), nil
}

// DialTLS connects as above, then wraps the tunneled socket in client TLS
// with servername = the target's hostname and ALPN http/1.1.
func (a *HTTPSProxyAgent) DialTLS(ctx context.Context, up upstream.Upstream, targetHost, partitionID string, rootCAs *tls.Config) (*tls.Conn, string, error) {
	raw, connID, err := a.Connect(ctx, up, targetHost, partitionID)
	if err != nil {
		return nil, "", err
	}

	cfg := &tls.Config{NextProtos: []string{"http/1.1"}}
	if rootCAs != nil {
		cfg.RootCAs = rootCAs.RootCAs
	}
	cfg.ServerName = hostOnly(targetHost)

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, "", fmt.Errorf("tls handshake with %s via upstream %s: %w", targetHost, up, err)
	}

	return tlsConn, connID, nil
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

// writeConnectRequest writes a raw CONNECT request line and headers. A raw
// write is used (rather than http.Request.Write) because the CONNECT
// request-line's target is "host:port", which Request.Write does not
// produce verbatim for an opaque request URL.
func writeConnectRequest(w net.Conn, targetHost string, header http.Header) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, "CONNECT "+targetHost+" HTTP/1.1\r\n"...)
	if err := header.Write(writerFunc(func(p []byte) (int, error) {
		buf = append(buf, p...)
		return len(p), nil
	})); err != nil {
		return err
	}
	buf = append(buf, "\r\n"...)
	_, err := w.Write(buf)
	return err
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
