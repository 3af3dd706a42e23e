// Package certstore mints per-hostname leaf TLS certificates signed by a
// caller-supplied CA and caches them under an LRU bound with a TTL one hour
// shorter than the certificate's own validity, so a cached entry is re-minted
// before the real cert expires.
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CertificateIssued is emitted every time a new leaf certificate is minted.
type CertificateIssued struct {
	Hostname string
	PEM      []byte
}

// Options configures a Store.
type Options struct {
	// CACertPEM and CAKeyPEM are the signing CA's certificate and RSA
	// private key, PEM-encoded.
	CACertPEM []byte
	CAKeyPEM  []byte
	// LeafKeyPEM is the static RSA keypair used for every minted leaf. If
	// empty, a fresh 2048-bit keypair is generated.
	LeafKeyPEM []byte
	// CertTTLDays is the leaf certificate's validity window.
	CertTTLDays int
	// MaxEntries bounds the LRU cache size.
	MaxEntries int
	// OnIssue, if set, is called synchronously after every successful mint.
	OnIssue func(CertificateIssued)
}

type entry struct {
	hostname string
	cert     tls.Certificate
	pemCert  []byte
	mintedAt time.Time
}

// Store mints and caches leaf certificates for SSL bumping.
type Store struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	leafKey    *rsa.PrivateKey
	leafKeyPEM []byte

	certTTL    time.Duration
	cacheMaxAge time.Duration

	onIssue func(CertificateIssued)

	mu    sync.Mutex
	cache *lru.Cache[string, *entry]
}

// New parses the CA and leaf material and constructs a Store.
func New(opts Options) (*Store, error) {
	caCert, err := parseCert(opts.CACertPEM)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	caKey, err := parseRSAKey(opts.CAKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	var leafKey *rsa.PrivateKey
	var leafKeyPEM []byte
	if len(opts.LeafKeyPEM) > 0 {
		leafKey, err = parseRSAKey(opts.LeafKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse leaf key: %w", err)
		}
		leafKeyPEM = opts.LeafKeyPEM
	} else {
		leafKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate leaf key: %w", err)
		}
		leafKeyPEM = pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(leafKey),
		})
	}

	ttlDays := opts.CertTTLDays
	if ttlDays <= 0 {
		ttlDays = 14
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 256
	}

	cache, err := lru.New[string, *entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create certificate cache: %w", err)
	}

	certTTL := time.Duration(ttlDays) * 24 * time.Hour

	return &Store{
		caCert:      caCert,
		caKey:       caKey,
		leafKey:     leafKey,
		leafKeyPEM:  leafKeyPEM,
		certTTL:     certTTL,
		cacheMaxAge: certTTL - time.Hour,
		onIssue:     opts.OnIssue,
		cache:       cache,
	}, nil
}

// GetCertificate returns a leaf certificate valid for hostname: the exact
// hostname's cached cert, the cached cert of its parent domain (exploiting
// the wildcard SAN), or a freshly minted one stored under hostname.
func (s *Store) GetCertificate(hostname string) (tls.Certificate, error) {
	hostname = strings.ToLower(hostname)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache.Get(hostname); ok && !s.expired(e) {
		return e.cert, nil
	}

	if parent := parentDomain(hostname); parent != "" {
		if e, ok := s.cache.Get(parent); ok && !s.expired(e) {
			return e.cert, nil
		}
	}

	e, err := s.mint(hostname)
	if err != nil {
		return tls.Certificate{}, err
	}
	s.cache.Add(hostname, e)
	return e.cert, nil
}

// BumpClientSocket wraps conn as a server-side TLS endpoint presenting the
// leaf certificate for hostname. Only the leaf is sent; peers (including
// chained SSL-bumping proxies) validate it by trusting the signing CA
// themselves.
func (s *Store) BumpClientSocket(hostname string, conn net.Conn) (*tls.Conn, error) {
	cert, err := s.GetCertificate(hostname)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	}
	return tls.Server(conn, cfg), nil
}

func (s *Store) expired(e *entry) bool {
	return time.Since(e.mintedAt) > s.cacheMaxAge
}

func (s *Store) mint(hostname string) (*entry, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{"UBIO"},
		},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(s.certTTL),
		KeyUsage:              x509.KeyUsageKeyCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{hostname, "*." + hostname},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &s.leafKey.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	cert, err := tls.X509KeyPair(certPEM, s.leafKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("build tls certificate: %w", err)
	}

	if s.onIssue != nil {
		s.onIssue(CertificateIssued{Hostname: hostname, PEM: certPEM})
	}

	return &entry{hostname: hostname, cert: cert, pemCert: certPEM, mintedAt: now}, nil
}

// randomSerial builds "01" followed by a random 64-bit hex suffix, avoiding
// the leading-zero encoding ambiguity a purely random serial can hit.
func randomSerial() (*big.Int, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	hexStr := "01" + hex.EncodeToString(buf)
	serial, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		return nil, fmt.Errorf("encode serial from %q", hexStr)
	}
	return serial, nil
}

// parentDomain strips the first label, e.g. "api.example.com" -> "example.com".
// Returns "" if hostname has no parent (a single label).
func parentDomain(hostname string) string {
	idx := strings.IndexByte(hostname, '.')
	if idx < 0 {
		return ""
	}
	return hostname[idx+1:]
}

func parseCert(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaKey, nil
}
