package agent

import (
	"crypto/tls"
	"net/http"
	"net/url"

	"github.com/ubio/ubioproxy/pkg/upstream"
)

// HTTPProxyAgent builds an http.RoundTripper that forwards plain HTTP
// requests through an upstream proxy using absolute-form request lines.
// Credentials embedded in the returned proxy URL make net/http's Transport
// attach Proxy-Authorization itself.
type HTTPProxyAgent struct {
	// TLSConfig dials the upstream proxy over TLS when Upstream.UseHTTPS
	// is set.
	TLSConfig *tls.Config
}

// RoundTripper returns an *http.Transport that sends every request as an
// absolute-form proxied request to up. Keep-alives are disabled: each
// hedged attempt or short-lived forward should not pin a connection that
// outlives the request it was opened for.
func (a *HTTPProxyAgent) RoundTripper(up upstream.Upstream) http.RoundTripper {
	proxyURL := up.URL()
	if up.HasCredentials() {
		proxyURL.User = url.UserPassword(up.Username, up.Password)
	}

	return &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		TLSClientConfig:   a.TLSConfig,
		DisableKeepAlives: true,
	}
}

// Direct returns an *http.Transport that dials origin directly (no
// upstream), also with keep-alives disabled to match RoundTripper's
// per-request socket lifetime.
func (a *HTTPProxyAgent) Direct() http.RoundTripper {
	return &http.Transport{
		TLSClientConfig:   a.TLSConfig,
		DisableKeepAlives: true,
	}
}
