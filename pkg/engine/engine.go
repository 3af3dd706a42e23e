// Package engine implements the base forward-proxy engine: it accepts
// inbound connections, dispatches CONNECT versus plain HTTP, resolves a
// route to an upstream, establishes the outbound connection with hedged
// retry, tracks open tunnels, relays bytes, and classifies errors for
// logging. Routing and SSL-bumping variants compose an Engine and override
// its hooks rather than re-implementing any of this.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ubio/ubioproxy/pkg/auth"
	"github.com/ubio/ubioproxy/pkg/upstream"
)

// MatchRouteFunc resolves the upstream to use for a request's target host.
// A nil return means "route directly to origin".
type MatchRouteFunc func(host string, req *http.Request) *upstream.Upstream

// AuthenticateFunc is invoked once at the top of both the HTTP and CONNECT
// paths. Returning a non-nil error aborts the request; if the error
// implements `HTTPStatus() int` that status is used, otherwise 502.
type AuthenticateFunc func(req *http.Request) error

// CACertificatesFunc returns the PEM-encoded CA roots this engine trusts
// when negotiating outward TLS (used by the SSL-bump variant so chained
// bumping peers trust each other).
type CACertificatesFunc func() [][]byte

// ErrorContext carries the structured fields logged alongside an error.
type ErrorContext struct {
	ProxyClass string
	Method     string
	URL        string
}

// OnErrorFunc classifies and logs an error. The default implementation
// consults Options.MuteErrorCodes/WarnErrorCodes.
type OnErrorFunc func(err error, ctx ErrorContext)

// Options configures an Engine. Every field has a default applied by New.
type Options struct {
	DefaultUpstream *upstream.Upstream
	Logger          *zerolog.Logger

	MuteErrorCodes map[string]struct{}
	WarnErrorCodes map[string]struct{}

	ConnectRetryAttempts int
	ConnectRetryInterval time.Duration
	ConnectTimeout       time.Duration

	MatchRoute     MatchRouteFunc
	Authenticate   AuthenticateFunc
	CACertificates CACertificatesFunc
	OnError        OnErrorFunc

	// PartitionSigner, when set, both verifies an inbound X-Partition-Id
	// that already carries a signature (rejecting a forged one, trusting
	// an absent one) and signs the id before attaching it to an outbound
	// CONNECT through an upstream, so a chain of ubioproxy instances can
	// trust the partition affinity a peer further downstream asserts.
	PartitionSigner *auth.Signer
}

// DefaultMuteErrorCodes lists benign, peer-initiated connection closes on
// byte relays that would otherwise be noisy if logged at error level.
func DefaultMuteErrorCodes() map[string]struct{} {
	return map[string]struct{}{
		"EPIPE":                      {},
		"ERR_STREAM_PREMATURE_CLOSE": {},
		"ERR_STREAM_DESTROYED":       {},
		"ECONNRESET":                 {},
		"EINVAL":                     {},
	}
}

// DefaultWarnErrorCodes lists error codes worth a warning but not an error:
// unusual, but not indicative of a relay bug.
func DefaultWarnErrorCodes() map[string]struct{} {
	return map[string]struct{}{
		"ENOTCONN":                    {},
		"ERR_STREAM_WRITE_AFTER_END": {},
		"EPROTO":                      {},
	}
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		l := log.With().Str("component", "engine").Logger()
		o.Logger = &l
	}
	if o.MuteErrorCodes == nil {
		o.MuteErrorCodes = DefaultMuteErrorCodes()
	}
	if o.WarnErrorCodes == nil {
		o.WarnErrorCodes = DefaultWarnErrorCodes()
	}
	if o.ConnectRetryInterval <= 0 {
		o.ConnectRetryInterval = time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MatchRoute == nil {
		def := o.DefaultUpstream
		o.MatchRoute = func(string, *http.Request) *upstream.Upstream { return def }
	}
	if o.Authenticate == nil {
		o.Authenticate = func(*http.Request) error { return nil }
	}
	if o.CACertificates == nil {
		o.CACertificates = func() [][]byte { return nil }
	}
}

// Engine is the base proxy engine.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	server   *http.Server
	listener net.Listener

	conns  *connTracker
	inbox  *inboundTracker
	stats  *Stats
	events *EventBus

	onError OnErrorFunc
}

// New constructs an Engine with the given options; zero-valued fields take
// their documented defaults.
func New(opts Options) *Engine {
	opts.setDefaults()

	e := &Engine{
		opts:   opts,
		logger: *opts.Logger,
		conns:  newConnTracker(),
		inbox:  newInboundTracker(),
		stats:  &Stats{},
		events: newEventBus(),
	}
	e.onError = opts.OnError
	if e.onError == nil {
		e.onError = e.defaultOnError
	}
	return e
}

// Stats exposes the engine's live byte counters.
func (e *Engine) Stats() Stats { return e.stats.snapshot() }

// Events exposes the typed observer registry (outboundConnect/error).
func (e *Engine) Events() *EventBus { return e.events }

// MatchRoute calls the configured hook, e.opts.MatchRoute, which is set
// through Options.MatchRoute at construction or later via SetMatchRoute.
func (e *Engine) MatchRoute(host string, req *http.Request) *upstream.Upstream {
	return e.opts.MatchRoute(host, req)
}

// SetMatchRoute overrides the route-resolution hook after construction
// (routingproxy.New instead sets Options.MatchRoute before calling New).
func (e *Engine) SetMatchRoute(fn MatchRouteFunc) {
	if fn != nil {
		e.opts.MatchRoute = fn
	}
}

// Authenticate runs the configured authentication hook.
func (e *Engine) Authenticate(req *http.Request) error {
	return e.opts.Authenticate(req)
}

// SetAuthenticate overrides the authentication hook.
func (e *Engine) SetAuthenticate(fn AuthenticateFunc) {
	if fn != nil {
		e.opts.Authenticate = fn
	}
}

// CACertificates runs the configured hook.
func (e *Engine) CACertificates() [][]byte {
	return e.opts.CACertificates()
}

// SetCACertificates overrides the CA-roots hook.
func (e *Engine) SetCACertificates(fn CACertificatesFunc) {
	if fn != nil {
		e.opts.CACertificates = fn
	}
}

// ConnectOptions returns the hedged-retry tuning this engine was built with.
func (e *Engine) ConnectOptions() (attempts int, interval, timeout time.Duration) {
	return e.opts.ConnectRetryAttempts, e.opts.ConnectRetryInterval, e.opts.ConnectTimeout
}

// Logger returns the engine's structured logger.
func (e *Engine) Logger() *zerolog.Logger { return &e.logger }

// Handler returns the http.Handler that serves both HTTP and CONNECT
// traffic. Variants that intercept before the base dispatch (the bump
// proxy does, for CONNECT) build their own handler, falling back to
// HandleConnect/HandleHTTP, and serve it through StartWithHandler.
func (e *Engine) Handler() http.Handler { return http.HandlerFunc(e.serveHTTP) }

func (e *Engine) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		e.HandleConnect(w, r)
		return
	}
	e.HandleHTTP(w, r)
}

// Start binds host:port and begins serving with this engine's own
// dispatch. It blocks until Shutdown is called or the listener errors.
func (e *Engine) Start(ctx context.Context, host string, port int) error {
	return e.StartWithHandler(ctx, host, port, nil)
}

// StartWithHandler is Start, but serves handler instead of e.Handler() when
// handler is non-nil. Variants that override dispatch by embedding an
// Engine (Go has no virtual method dispatch through embedding) use this to
// make Start actually run their override instead of the base engine's.
func (e *Engine) StartWithHandler(ctx context.Context, host string, port int, handler http.Handler) error {
	if handler == nil {
		handler = e.Handler()
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	e.listener = ln
	e.server = &http.Server{
		Handler: handler,
		ConnState: func(conn net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				e.inbox.add(conn)
			case http.StateClosed, http.StateHijacked:
				e.inbox.remove(conn)
			}
		},
	}
	e.logger.Info().Str("addr", addr).Msg("proxy listening")
	err = e.server.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections. If force is true, every
// tracked inbound client socket is destroyed immediately, ending in-flight
// transfers with a reset; otherwise Shutdown waits for in-flight requests
// to drain (bounded by ctx).
func (e *Engine) Shutdown(ctx context.Context, force bool) error {
	if e.server == nil {
		return nil
	}
	if force {
		e.CloseAllSockets()
		return e.server.Close()
	}
	return e.server.Shutdown(ctx)
}

// CloseAllSockets destroys every tracked inbound client socket. Used by a
// forced shutdown and exposed for tests asserting reset behavior.
func (e *Engine) CloseAllSockets() {
	e.inbox.closeAll()
	e.conns.closeAll()
}

// OutwardTLSConfig is used by the bump variant to negotiate outward TLS
// with this engine's trusted CA roots appended, so a chain of SSL-bumping
// proxies trusts each other's minted leaves.
func (e *Engine) OutwardTLSConfig(serverName string) *tls.Config {
	pool := systemCertPoolOrEmpty()
	for _, pem := range e.CACertificates() {
		pool.AppendCertsFromPEM(pem)
	}
	return &tls.Config{ServerName: serverName, RootCAs: pool}
}
