package bump

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ubio/ubioproxy/pkg/certstore"
	"github.com/ubio/ubioproxy/pkg/engine"
)

func generateTestCA(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test bump CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour * 24 * 365),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

// mintOriginCert builds a leaf certificate for hostname signed by the given
// test CA, so a negotiateTLS dial against a listener presenting it verifies
// successfully against an engine trusting that same CA.
func mintOriginCert(t *testing.T, caCertPEM, caKeyPEM []byte, hostname string) tls.Certificate {
	t.Helper()
	caBlock, _ := pem.Decode(caCertPEM)
	caCert, err := x509.ParseCertificate(caBlock.Bytes)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}
	keyBlock, _ := pem.Decode(caKeyPEM)
	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		t.Fatalf("parse CA key: %v", err)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour * 24),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		DNSNames:     []string{hostname},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("sign origin leaf: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("build origin tls certificate: %v", err)
	}
	return cert
}

func TestHandleConnectBumpsAndForwardsOverNegotiatedTLS(t *testing.T) {
	caCertPEM, caKeyPEM := generateTestCA(t)
	store, err := certstore.New(certstore.Options{CACertPEM: caCertPEM, CAKeyPEM: caKeyPEM, CertTTLDays: 1})
	if err != nil {
		t.Fatalf("certstore.New: %v", err)
	}

	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	_, originPort, _ := net.SplitHostPort(originLn.Addr().String())
	originHost := "localhost"
	originCert := mintOriginCert(t, caCertPEM, caKeyPEM, originHost)
	originLn = tls.NewListener(originLn, &tls.Config{Certificates: []tls.Certificate{originCert}})
	originSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("You requested " + r.Method + " " + r.URL.Path + " over https"))
	})}
	go originSrv.Serve(originLn)
	defer originSrv.Close()

	eng := engine.New(engine.Options{
		CACertificates: func() [][]byte { return [][]byte{caCertPEM} },
	})
	p := New(Options{Engine: eng, CertStore: store})

	proxySrv := httptest.NewServer(p.Handler())
	defer proxySrv.Close()

	conn, err := net.Dial("tcp", proxySrv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	target := net.JoinHostPort(originHost, originPort)
	if _, err := conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read CONNECT reply: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(caCertPEM)
	tlsConn := tls.Client(conn, &tls.Config{RootCAs: caPool, ServerName: originHost})
	defer tlsConn.Close()

	req, _ := http.NewRequest(http.MethodGet, "https://"+target+"/foo", nil)
	if err := req.Write(tlsConn); err != nil {
		t.Fatalf("write request over bumped tunnel: %v", err)
	}

	respReader := bufio.NewReader(tlsConn)
	bumpedResp, err := http.ReadResponse(respReader, req)
	if err != nil {
		t.Fatalf("read response over bumped tunnel: %v", err)
	}
	defer bumpedResp.Body.Close()

	body, err := io.ReadAll(bumpedResp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := string(body); got != "You requested GET /foo over https" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestHandleConnectReleasesTrackedConnectionAfterClientCloses(t *testing.T) {
	caCertPEM, caKeyPEM := generateTestCA(t)
	store, err := certstore.New(certstore.Options{CACertPEM: caCertPEM, CAKeyPEM: caKeyPEM, CertTTLDays: 1})
	if err != nil {
		t.Fatalf("certstore.New: %v", err)
	}

	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	_, originPort, _ := net.SplitHostPort(originLn.Addr().String())
	originHost := "localhost"
	originCert := mintOriginCert(t, caCertPEM, caKeyPEM, originHost)
	originLn = tls.NewListener(originLn, &tls.Config{Certificates: []tls.Certificate{originCert}})
	originSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})}
	go originSrv.Serve(originLn)
	defer originSrv.Close()

	eng := engine.New(engine.Options{
		CACertificates: func() [][]byte { return [][]byte{caCertPEM} },
	})
	p := New(Options{Engine: eng, CertStore: store})

	proxySrv := httptest.NewServer(p.Handler())
	defer proxySrv.Close()

	conn, err := net.Dial("tcp", proxySrv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}

	target := net.JoinHostPort(originHost, originPort)
	if _, err := conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read CONNECT reply: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if got := eng.TrackedConnectionCount(); got != 1 {
		t.Fatalf("expected the bumped tunnel to be tracked right after the CONNECT reply, got %d", got)
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.TrackedConnectionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected tracked connection to be released once the client closed the tunnel, still have %d", eng.TrackedConnectionCount())
}

func TestHandleConnectRejectsUnauthorizedOriginTLS(t *testing.T) {
	caCertPEM, caKeyPEM := generateTestCA(t)
	otherCACertPEM, otherCAKeyPEM := generateTestCA(t)
	store, err := certstore.New(certstore.Options{CACertPEM: caCertPEM, CAKeyPEM: caKeyPEM, CertTTLDays: 1})
	if err != nil {
		t.Fatalf("certstore.New: %v", err)
	}

	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	_, originPort, _ := net.SplitHostPort(originLn.Addr().String())
	originHost := "localhost"
	// Origin presents a cert signed by a CA the engine does NOT trust.
	originCert := mintOriginCert(t, otherCACertPEM, otherCAKeyPEM, originHost)
	originLn = tls.NewListener(originLn, &tls.Config{Certificates: []tls.Certificate{originCert}})
	originSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})}
	go originSrv.Serve(originLn)
	defer originSrv.Close()

	eng := engine.New(engine.Options{
		CACertificates: func() [][]byte { return [][]byte{caCertPEM} },
	})
	p := New(Options{Engine: eng, CertStore: store})

	proxySrv := httptest.NewServer(p.Handler())
	defer proxySrv.Close()

	conn, err := net.Dial("tcp", proxySrv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	target := net.JoinHostPort(originHost, originPort)
	if _, err := conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read CONNECT reply: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for unauthorized origin TLS, got %d", resp.StatusCode)
	}
}

func TestShouldBumpFalseFallsThroughToOpaqueTunnel(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	store, err := certstore.New(certstore.Options{CACertPEM: certPEM, CAKeyPEM: keyPEM, CertTTLDays: 1})
	if err != nil {
		t.Fatalf("certstore.New: %v", err)
	}

	p := New(Options{
		Engine:     engine.New(engine.Options{}),
		CertStore:  store,
		ShouldBump: func(host string) bool { return false },
	})

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	host := origin.Listener.Addr().String()
	if _, err := conn.Write([]byte("CONNECT " + host + " HTTP/1.1\r\nHost: " + host + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read CONNECT reply: %v", err)
	}
	if string(buf[:12]) != "HTTP/1.1 200" {
		t.Fatalf("expected 200 reply for passthrough tunnel, got %q", buf[:n])
	}
}

func TestHostOnlyStripsPort(t *testing.T) {
	if got := hostOnly("example.com:443"); got != "example.com" {
		t.Fatalf("hostOnly(%q) = %q", "example.com:443", got)
	}
	if got := hostOnly("example.com"); got != "example.com" {
		t.Fatalf("hostOnly bare host changed: %q", got)
	}
}

func TestNewDefaultsShouldBumpToTrue(t *testing.T) {
	p := New(Options{Engine: engine.New(engine.Options{})})
	if !p.shouldBump("anything.example.com") {
		t.Fatalf("expected default ShouldBump to bump everything")
	}
}
