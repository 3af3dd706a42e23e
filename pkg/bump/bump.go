// Package bump implements an SSL-bumping proxy variant: instead of
// tunneling CONNECT traffic opaquely, it terminates client TLS itself with
// a freshly minted leaf certificate, negotiates a second TLS session
// outward to origin/upstream, and decodes the plaintext HTTP requests
// flowing inside, forwarding each one over that single outward connection.
package bump

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ubio/ubioproxy/pkg/certstore"
	"github.com/ubio/ubioproxy/pkg/connid"
	"github.com/ubio/ubioproxy/pkg/engine"
	"github.com/ubio/ubioproxy/pkg/perror"
)

// ShouldBumpFunc decides, per CONNECT target, whether to intercept (true)
// or fall back to an opaque tunnel (false). A nil ShouldBumpFunc bumps
// everything.
type ShouldBumpFunc func(host string) bool

// Options configures a Proxy. Engine is an already-constructed engine (the
// base Engine or a routingproxy.Proxy's embedded Engine both work — bump
// wraps it rather than building its own, so routing/auth stay shared
// across bumped and non-bumped traffic). CertStore is required whenever
// ShouldBump can return true.
type Options struct {
	Engine     *engine.Engine
	CertStore  *certstore.Store
	ShouldBump ShouldBumpFunc
}

// Proxy wraps an existing Engine, intercepting and decrypting CONNECT
// traffic for hosts ShouldBump selects and falling back to the wrapped
// engine's opaque tunnel for everything else.
type Proxy struct {
	*engine.Engine
	certs      *certstore.Store
	shouldBump ShouldBumpFunc
}

// New builds an SSL-bumping proxy around an existing engine. The caller is
// responsible for having wired that engine's CACertificates hook to the
// same CA certStore signs with, so a chain of bumping proxies trusts each
// other's minted certificates.
func New(opts Options) *Proxy {
	shouldBump := opts.ShouldBump
	if shouldBump == nil {
		shouldBump = func(string) bool { return true }
	}

	return &Proxy{
		Engine:     opts.Engine,
		certs:      opts.CertStore,
		shouldBump: shouldBump,
	}
}

// Start binds host:port and serves this type's own Handler (the wrapped
// Engine's Start would otherwise serve its own, unbumped, dispatch).
func (p *Proxy) Start(ctx context.Context, host string, port int) error {
	return p.Engine.StartWithHandler(ctx, host, port, p.Handler())
}

// Handler overrides the base dispatch so CONNECT requests route through
// HandleConnect on this type (Go's method promotion would otherwise bind
// the base engine's http.HandlerFunc to its own HandleConnect).
func (p *Proxy) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			p.HandleConnect(w, r)
			return
		}
		p.Engine.HandleHTTP(w, r)
	})
}

// negotiateTLSTimeout bounds the outward TLS handshake.
const negotiateTLSTimeout = 60 * time.Second

// HandleConnect either falls through to the base engine's opaque tunnel or
// bumps (terminates TLS and decodes HTTP). On the bump path it runs the
// engine's Authenticate and MatchRoute hooks, but does not check an inbound
// X-Partition-Signature the way the base engine's HandleConnect does.
func (p *Proxy) HandleConnect(w http.ResponseWriter, r *http.Request) {
	targetHost := r.URL.Host
	if targetHost == "" {
		targetHost = r.Host
	}
	if targetHost == "" {
		targetHost = r.RequestURI
	}

	if p.certs == nil || !p.shouldBump(hostOnly(targetHost)) {
		p.Engine.HandleConnect(w, r)
		return
	}

	ctx := engine.ErrorContext{ProxyClass: "bump", Method: r.Method, URL: r.URL.String()}

	if err := p.Authenticate(r); err != nil {
		p.OnError(err, ctx)
		p.replyPlainError(w, err)
		return
	}

	upstream := p.MatchRoute(targetHost, r)
	partitionID := r.Header.Get("X-Partition-Id")

	raw, adoptedID, err := p.ConnectWithRetry(r.Context(), r, upstream, targetHost, partitionID)
	if err != nil {
		p.OnError(err, ctx)
		p.replyPlainError(w, err)
		return
	}

	tlsRemote, err := p.negotiateTLS(raw, hostOnly(targetHost))
	if err != nil {
		p.OnError(err, ctx)
		p.replyPlainError(w, err)
		return
	}

	connID := adoptedID
	if !connid.Valid(connID) {
		connID = connid.New()
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		tlsRemote.Close()
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		tlsRemote.Close()
		p.OnError(fmt.Errorf("hijack: %w", err), ctx)
		return
	}

	tlsClient, err := p.certs.BumpClientSocket(hostOnly(targetHost), client)
	if err != nil {
		p.OnError(fmt.Errorf("mint leaf certificate for %s: %w", targetHost, err), ctx)
		tlsRemote.Close()
		client.Close()
		return
	}

	release := p.TrackOutbound(connID, partitionID, upstream, targetHost, tlsRemote)

	if _, err := client.Write([]byte("HTTP/1.1 200 OK\r\nX-Connection-Id: " + connID + "\r\n\r\n")); err != nil {
		p.OnError(fmt.Errorf("write CONNECT reply: %w", err), ctx)
		release()
		tlsRemote.Close()
		tlsClient.Close()
		return
	}

	p.bridge(tlsClient, tlsRemote, targetHost, r, release, ctx)
}

// negotiateTLS wraps raw as a client-side TLS endpoint toward hostname,
// trusting this engine's own CA roots so a chain of SSL-bumping peers
// trusts each other's minted leaves. A handshake that fails or completes
// without a verified chain is reported as RemoteConnectionNotAuthorized
// rather than a bare TLS error.
func (p *Proxy) negotiateTLS(raw net.Conn, hostname string) (*tls.Conn, error) {
	cfg := p.OutwardTLSConfig(hostname)
	cfg.NextProtos = []string{"http/1.1"}

	tlsConn := tls.Client(raw, cfg)
	hctx, cancel := context.WithTimeout(context.Background(), negotiateTLSTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hctx); err != nil {
		tlsConn.Close()
		return nil, &perror.RemoteConnectionNotAuthorized{Host: hostname}
	}
	if !tlsConn.ConnectionState().HandshakeComplete {
		tlsConn.Close()
		return nil, &perror.RemoteConnectionNotAuthorized{Host: hostname}
	}
	return tlsConn, nil
}

// replyPlainError answers a failure that occurred before the bridge was
// established with a status reply on the still-plain inbound socket.
func (p *Proxy) replyPlainError(w http.ResponseWriter, err error) {
	status := perror.HTTPStatusOf(err, http.StatusBadGateway)
	http.Error(w, http.StatusText(status), status)
}

// bridge decodes the plaintext HTTP traffic flowing inside tlsClient via
// the standard library's own net/http request parsing (a single-connection
// Listener + http.Server), and forwards each request directly over the
// single persistent tlsRemote connection established by negotiateTLS,
// avoiding a loopback listener entirely. Re-resolving the route per request
// (spec's "consults matchRoute once more") has no effect in this
// single-persistent-connection design: the outward socket was already
// picked and TLS-negotiated at CONNECT time, so there is no second
// upstream to forward to mid-tunnel.
//
// server.Serve(ln) only returns once ln.Accept fails, and ln hands out
// exactly one connection; without ConnState below, the second Accept call
// blocks forever even after tlsClient closes, leaking this goroutine and
// both TLS sockets with release/Close never firing. ConnState closes ln as
// soon as the one connection it served reaches StateClosed (or is
// hijacked), so Serve returns and the deferred release/Close calls run.
func (p *Proxy) bridge(tlsClient, tlsRemote *tls.Conn, targetHost string, connectReq *http.Request, release func(), ctx engine.ErrorContext) {
	fwd := &forwarder{remote: tlsRemote, reader: bufio.NewReader(tlsRemote)}

	ln := newSingleConnListener(tlsClient)
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.URL.Scheme = "https"
			req.URL.Host = targetHost
			if req.Host == "" {
				req.Host = targetHost
			}
			if err := fwd.forward(w, req); err != nil {
				p.OnError(err, ctx)
			}
		}),
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				ln.Close()
			}
		},
	}

	defer release()
	defer tlsRemote.Close()
	defer tlsClient.Close()
	_ = server.Serve(ln)
}

// forwarder writes each decrypted request directly onto a single shared
// outward TLS connection and reads back its response, serialized since a
// bumped session forwards one request/response pair at a time.
type forwarder struct {
	mu     sync.Mutex
	remote net.Conn
	reader *bufio.Reader
}

func (f *forwarder) forward(w http.ResponseWriter, req *http.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	req.Close = false
	if err := req.Write(f.remote); err != nil {
		return fmt.Errorf("forward bumped request: %w", err)
	}

	resp, err := http.ReadResponse(f.reader, req)
	if err != nil {
		return fmt.Errorf("read bumped response: %w", err)
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return err
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

// singleConnListener hands out exactly one connection (the just-bumped TLS
// socket) then blocks until closed; it lets http.Server drive the
// plaintext HTTP parsing/keep-alive loop inside the tunnel instead of a
// hand-rolled request loop.
type singleConnListener struct {
	conn net.Conn
	addr net.Addr

	once sync.Once
	ch   chan net.Conn
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	ln := &singleConnListener{conn: conn, addr: conn.LocalAddr(), ch: make(chan net.Conn, 1)}
	ln.ch <- conn
	return ln
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	c, ok := <-l.ch
	if !ok {
		return nil, fmt.Errorf("single-connection listener closed")
	}
	return c, nil
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.ch) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.addr }
