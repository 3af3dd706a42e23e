package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/ubio/ubioproxy/pkg/bump"
	"github.com/ubio/ubioproxy/pkg/certstore"
	"github.com/ubio/ubioproxy/pkg/config"
	"github.com/ubio/ubioproxy/pkg/engine"
	"github.com/ubio/ubioproxy/pkg/metrics"
	"github.com/ubio/ubioproxy/pkg/routingproxy"
	"github.com/ubio/ubioproxy/pkg/upstream"
)

// proxy is the subset of *routingproxy.Proxy's promoted surface main needs;
// declared so main doesn't care whether bumping is enabled.
type proxy interface {
	Start(ctx context.Context, host string, port int) error
	Shutdown(ctx context.Context, force bool) error
	Handler() http.Handler
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	bindFlags(&cfg)

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	var defaultUpstream *upstream.Upstream
	if cfg.DefaultUpstreamHost != "" {
		defaultUpstream = &upstream.Upstream{
			Host:     cfg.DefaultUpstreamHost,
			Username: cfg.DefaultUpstreamUser,
			Password: cfg.DefaultUpstreamPass,
			UseHTTPS: cfg.DefaultUpstreamHTTPS,
		}
	}

	opts := engine.Options{
		DefaultUpstream:      defaultUpstream,
		ConnectRetryAttempts: cfg.ConnectRetryAttempts,
		ConnectRetryInterval: cfg.ConnectRetryInterval,
		ConnectTimeout:       cfg.ConnectTimeout,
	}

	rp := routingproxy.New(opts)
	var p proxy = rp
	var collector *metrics.Collector = metrics.New(rp.Engine, "ubioproxy")

	if cfg.BumpEnabled {
		bumpedEngine, err := buildBumpProxy(rp, cfg, collector)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure SSL bumping")
		}
		p = bumpedEngine
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Info().
			Str("listen_host", cfg.ListenHost).
			Int("listen_port", cfg.ListenPort).
			Bool("bump_enabled", cfg.BumpEnabled).
			Msg("starting ubioproxy")
		if err := p.Start(ctx, cfg.ListenHost, cfg.ListenPort); err != nil {
			log.Fatal().Err(err).Msg("proxy server exited unexpectedly")
		}
	}()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, collector)
	}

	waitForShutdown(context.Background(), p, cfg.GracefulShutdownTimeout)
}

// bindFlags lets the same settings config.Load reads from the environment
// be overridden from the command line, per spf13/pflag convention: flags
// win over env when both are set.
func bindFlags(cfg *config.Config) {
	flag.StringVar(&cfg.ListenHost, "listen-host", cfg.ListenHost, "address to listen on")
	flag.IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "port to listen on")
	flag.StringVar(&cfg.DefaultUpstreamHost, "upstream-host", cfg.DefaultUpstreamHost, "default upstream proxy host:port")
	flag.BoolVar(&cfg.BumpEnabled, "bump-enabled", cfg.BumpEnabled, "enable SSL-bump MITM interception")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve /metrics on, empty disables")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level")
	flag.Parse()
}

func serveMetrics(addr string, collector *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	log.Info().Str("metrics_addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server exited")
	}
}

func waitForShutdown(ctx context.Context, p proxy, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down ubioproxy")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.Shutdown(shutdownCtx, false); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := p.Shutdown(ctx, true); closeErr != nil {
			log.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	log.Info().Msg("proxy stopped")
}

// buildBumpProxy loads the bumping CA from disk, builds a certstore.Store,
// wires the engine to trust that CA on outward TLS, and wraps rp in a
// bump.Proxy. rp's routing table and engine remain shared: bumped traffic
// is routed and authenticated identically to plain HTTP/CONNECT traffic.
func buildBumpProxy(rp *routingproxy.Proxy, cfg config.Config, collector *metrics.Collector) (*bump.Proxy, error) {
	certPEM, keyPEM, err := loadCAFiles(cfg.BumpCACertFile, cfg.BumpCAKeyFile)
	if err != nil {
		return nil, err
	}

	store, err := certstore.New(certstore.Options{
		CACertPEM:   certPEM,
		CAKeyPEM:    keyPEM,
		CertTTLDays: cfg.BumpCertTTLDays,
		MaxEntries:  cfg.BumpCertCacheSize,
		OnIssue:     collector.ObserveCertificateIssuance,
	})
	if err != nil {
		return nil, err
	}

	rp.Engine.SetCACertificates(func() [][]byte { return [][]byte{certPEM} })

	return bump.New(bump.Options{
		Engine:    rp.Engine,
		CertStore: store,
	}), nil
}

func loadCAFiles(certFile, keyFile string) ([]byte, []byte, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}
