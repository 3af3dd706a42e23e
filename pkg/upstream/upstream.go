// Package upstream describes the next hop a proxy may forward through, and
// the small set of helpers needed to authenticate against it and to build
// the URLs/headers the engine sends it.
package upstream

import (
	"encoding/base64"
	"fmt"
	"net/url"
)

// Upstream is an immutable value describing a proxy this engine can forward
// through instead of connecting directly to origin.
type Upstream struct {
	// Host is "hostname:port" of the upstream proxy itself.
	Host string
	// Username/Password, when either is set, are sent as HTTP Basic
	// Proxy-Authorization credentials.
	Username string
	Password string
	// UseHTTPS selects TLS (rather than plaintext) when dialing the
	// upstream proxy. Defaults to false per spec resolution of the
	// source's inconsistent default.
	UseHTTPS bool
	// ConnectHeaders are extra headers sent on every outbound CONNECT
	// request issued through this upstream (e.g. for partition affinity).
	ConnectHeaders map[string]string
}

// HasCredentials reports whether Basic auth should be attached.
func (u Upstream) HasCredentials() bool {
	return u.Username != "" || u.Password != ""
}

// ProxyAuthorizationHeader returns the value of a Proxy-Authorization
// header for this upstream, and whether one applies at all.
func (u Upstream) ProxyAuthorizationHeader() (string, bool) {
	if !u.HasCredentials() {
		return "", false
	}
	raw := u.Username + ":" + u.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), true
}

// Scheme returns "https" or "http" depending on UseHTTPS.
func (u Upstream) Scheme() string {
	if u.UseHTTPS {
		return "https"
	}
	return "http"
}

// URL returns the base URL of the upstream proxy itself, used by the
// HTTP-over-proxy agent to dial and to build absolute-form request targets.
func (u Upstream) URL() *url.URL {
	return &url.URL{Scheme: u.Scheme(), Host: u.Host}
}

// String renders the upstream for logging without leaking credentials.
func (u Upstream) String() string {
	if u.UseHTTPS {
		return fmt.Sprintf("https://%s", u.Host)
	}
	return fmt.Sprintf("http://%s", u.Host)
}
