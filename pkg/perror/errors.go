// Package perror defines the typed failures the engine can raise, each
// carrying enough context to log structured fields and to map onto a
// client-visible HTTP status.
package perror

import (
	"errors"
	"fmt"

	"github.com/ubio/ubioproxy/pkg/upstream"
)

// StatusError is the base failure shape: a status to return to the client
// and the underlying cause to log. It generalizes the ancestor proxy's
// httpError into the taxonomy this engine raises on every failure path.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatus implements the status-carrying interface the engine's error
// handler looks for when mapping a failure onto a response.
func (e *StatusError) HTTPStatus() int { return e.Status }

// statusCarrier is implemented by every error in this package.
type statusCarrier interface {
	HTTPStatus() int
}

// HTTPStatusOf extracts the status an error wants to present to the client,
// defaulting to fallback when err carries none.
func HTTPStatusOf(err error, fallback int) int {
	if err == nil {
		return fallback
	}
	var sc statusCarrier
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return fallback
}

// ProxyConnectionFailed means an upstream proxy answered a CONNECT with a
// status >= 400.
type ProxyConnectionFailed struct {
	Upstream upstream.Upstream
	Status   int
}

func (e *ProxyConnectionFailed) Error() string {
	return fmt.Sprintf("upstream %s refused CONNECT: status %d", e.Upstream, e.Status)
}

// HTTPStatus maps every upstream refusal onto 502; the upstream's own
// status is kept in Status for logging, not passed to the client.
func (e *ProxyConnectionFailed) HTTPStatus() int { return 502 }

// ProxyConnectionTimeout means an outbound attempt's dial or CONNECT
// handshake ran past its deadline before the socket was usable. The hedged
// dialer also returns it when every attempt ended without reporting an error.
type ProxyConnectionTimeout struct {
	// Upstream is nil for a direct (non-proxied) outbound attempt.
	Upstream *upstream.Upstream
}

func (e *ProxyConnectionTimeout) Error() string {
	if e.Upstream == nil {
		return "outbound connect timed out (direct)"
	}
	return fmt.Sprintf("outbound connect to upstream %s timed out", *e.Upstream)
}

func (e *ProxyConnectionTimeout) HTTPStatus() int { return 502 }

// HTTPForwardFailed means the plain-HTTP forwarding path could not reach
// origin/upstream at all (dial, write, or read failure before any
// response was received). Mirrors the ancestor proxy's convention of
// answering with 599 rather than masquerading as the origin's own 502.
type HTTPForwardFailed struct {
	Upstream *upstream.Upstream
	Err      error
}

func (e *HTTPForwardFailed) Error() string {
	if e.Upstream == nil {
		return fmt.Sprintf("forward to origin failed: %v", e.Err)
	}
	return fmt.Sprintf("forward via upstream %s failed: %v", *e.Upstream, e.Err)
}

func (e *HTTPForwardFailed) Unwrap() error { return e.Err }

func (e *HTTPForwardFailed) HTTPStatus() int { return 599 }

// RemoteConnectionNotAuthorized means the outward TLS handshake negotiated
// in the SSL-bump path failed (including when the peer certificate did not
// verify) or did not complete.
type RemoteConnectionNotAuthorized struct {
	Host string
}

func (e *RemoteConnectionNotAuthorized) Error() string {
	return fmt.Sprintf("remote %s presented an unauthorized certificate", e.Host)
}

func (e *RemoteConnectionNotAuthorized) HTTPStatus() int { return 502 }

// AuthenticationFailed wraps an error raised by the engine's Authenticate
// hook, preserving whatever status the hook requested (default 502).
type AuthenticationFailed struct {
	Status int
	Err    error
}

func (e *AuthenticationFailed) Error() string {
	return fmt.Sprintf("authenticate: %v", e.Err)
}

func (e *AuthenticationFailed) Unwrap() error { return e.Err }

func (e *AuthenticationFailed) HTTPStatus() int {
	if e.Status == 0 {
		return 502
	}
	return e.Status
}
