package engine

import (
	"io"
	"net/http"
	"strings"

	"github.com/ubio/ubioproxy/pkg/agent"
	"github.com/ubio/ubioproxy/pkg/perror"
)

// hopHeaders are stripped from both the forwarded request and the relayed
// response; they describe this hop's connection, not the message itself.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// cleanHopHeaders removes the fixed hop-by-hop set plus anything the
// Connection header itself names (RFC 7230 §6.1).
func cleanHopHeaders(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// HandleHTTP implements the plain-HTTP forwarding path: resolve a route,
// build a forwarding request preserving method/path/headers/body, dial
// upstream (or origin) with the shared HTTPProxyAgent, and relay the
// response status/headers/body back verbatim.
func (e *Engine) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := ErrorContext{ProxyClass: "http", Method: r.Method, URL: r.URL.String()}

	if err := e.Authenticate(r); err != nil {
		e.OnError(err, ctx)
		e.replyError(w, err, ctx)
		return
	}
	if err := e.verifyPartitionHeader(r); err != nil {
		e.OnError(err, ctx)
		e.replyError(w, err, ctx)
		return
	}

	targetHost := r.URL.Host
	if targetHost == "" {
		targetHost = r.Host
	}
	up := e.MatchRoute(targetHost, r)

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = targetHost
	}
	cleanHopHeaders(outReq.Header)

	a := &agent.HTTPProxyAgent{TLSConfig: e.OutwardTLSConfig(hostOnly(ensurePort(targetHost, "80")))}
	var transport http.RoundTripper
	if up != nil {
		transport = a.RoundTripper(*up)
	} else {
		transport = a.Direct()
	}

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		wrapped := &perror.HTTPForwardFailed{Upstream: up, Err: err}
		e.OnError(wrapped, ctx)
		e.replyError(w, wrapped, ctx)
		return
	}
	defer resp.Body.Close()

	cleanHopHeaders(resp.Header)
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	e.stats.addWritten(n)
	if err != nil {
		e.OnError(err, ctx)
	}
}
