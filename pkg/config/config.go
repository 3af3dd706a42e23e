// Package config loads process-level settings for the ubioproxy binary from
// environment variables, with defaults sane enough to run unconfigured in a
// development environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenHost        = "UBIOPROXY_LISTEN_HOST"
	envListenPort        = "UBIOPROXY_LISTEN_PORT"
	envUpstreamHost      = "UBIOPROXY_DEFAULT_UPSTREAM_HOST"
	envUpstreamUser      = "UBIOPROXY_DEFAULT_UPSTREAM_USER"
	envUpstreamPass      = "UBIOPROXY_DEFAULT_UPSTREAM_PASS"
	envUpstreamHTTPS     = "UBIOPROXY_DEFAULT_UPSTREAM_HTTPS"
	envLogLevel          = "UBIOPROXY_LOG_LEVEL"
	envConnectRetries    = "UBIOPROXY_CONNECT_RETRY_ATTEMPTS"
	envConnectInterval   = "UBIOPROXY_CONNECT_RETRY_INTERVAL"
	envConnectTimeout    = "UBIOPROXY_CONNECT_TIMEOUT"
	envBumpEnabled       = "UBIOPROXY_BUMP_ENABLED"
	envBumpCACertFile    = "UBIOPROXY_BUMP_CA_CERT_FILE"
	envBumpCAKeyFile     = "UBIOPROXY_BUMP_CA_KEY_FILE"
	envBumpCertTTLDays   = "UBIOPROXY_BUMP_CERT_TTL_DAYS"
	envBumpCertCacheSize = "UBIOPROXY_BUMP_CERT_CACHE_SIZE"
	envMetricsAddr       = "UBIOPROXY_METRICS_ADDR"
	envGracefulShutdown  = "UBIOPROXY_GRACEFUL_SHUTDOWN"

	defaultListenHost       = "127.0.0.1"
	defaultListenPort       = 8080
	defaultLogLevel         = "info"
	defaultConnectRetries   = 0
	defaultConnectInterval  = 1000 * time.Millisecond
	defaultConnectTimeout   = 10 * time.Second
	defaultBumpCertTTLDays  = 14
	defaultBumpCacheSize    = 256
	defaultGracefulShutdown = 10 * time.Second
)

// Config captures runtime settings for the ubioproxy binary. It is
// deliberately flat (no nested upstream/bump sub-structs), exposing a
// single environment-variable surface; callers embedding the engine as a
// library should build engine.Options directly instead of going through
// this type.
type Config struct {
	ListenHost string
	ListenPort int

	DefaultUpstreamHost string
	DefaultUpstreamUser string
	DefaultUpstreamPass string
	DefaultUpstreamHTTPS bool

	LogLevel string

	ConnectRetryAttempts int
	ConnectRetryInterval time.Duration
	ConnectTimeout       time.Duration

	BumpEnabled       bool
	BumpCACertFile    string
	BumpCAKeyFile     string
	BumpCertTTLDays   int
	BumpCertCacheSize int

	MetricsAddr string

	GracefulShutdownTimeout time.Duration
}

// Load reads configuration from environment variables. Unlike the upstream
// target of the auth-gateway ancestor of this binary, nothing here is
// strictly required: an unconfigured ubioproxy forwards directly to origin
// with bumping disabled.
func Load() (Config, error) {
	cfg := Config{
		ListenHost:              getString(envListenHost, defaultListenHost),
		ListenPort:              getInt(envListenPort, defaultListenPort),
		DefaultUpstreamHost:     strings.TrimSpace(os.Getenv(envUpstreamHost)),
		DefaultUpstreamUser:     strings.TrimSpace(os.Getenv(envUpstreamUser)),
		DefaultUpstreamPass:     strings.TrimSpace(os.Getenv(envUpstreamPass)),
		DefaultUpstreamHTTPS:    getBool(envUpstreamHTTPS, false),
		LogLevel:                strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		ConnectRetryAttempts:    getInt(envConnectRetries, defaultConnectRetries),
		ConnectRetryInterval:    getDuration(envConnectInterval, defaultConnectInterval),
		ConnectTimeout:          getDuration(envConnectTimeout, defaultConnectTimeout),
		BumpEnabled:             getBool(envBumpEnabled, false),
		BumpCACertFile:          strings.TrimSpace(os.Getenv(envBumpCACertFile)),
		BumpCAKeyFile:           strings.TrimSpace(os.Getenv(envBumpCAKeyFile)),
		BumpCertTTLDays:         getInt(envBumpCertTTLDays, defaultBumpCertTTLDays),
		BumpCertCacheSize:       getInt(envBumpCertCacheSize, defaultBumpCacheSize),
		MetricsAddr:             strings.TrimSpace(os.Getenv(envMetricsAddr)),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
	}

	if cfg.ConnectRetryAttempts < 0 {
		return Config{}, errors.New("connect retry attempts must be >= 0")
	}
	if cfg.BumpEnabled && (cfg.BumpCACertFile == "" || cfg.BumpCAKeyFile == "") {
		return Config{}, fmt.Errorf("%s and %s are required when %s=true", envBumpCACertFile, envBumpCAKeyFile, envBumpEnabled)
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
