package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the dialer agent.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir        string
	HTTPPort       int
	SIPListenAddr  string
	SIPDomain      string
	SIPPort        int
	SIPTransport   string
	ExternalIP     string // public IP advertised in SDP (auto-detected if empty)
	BackendURL     string // base URL of the dialer backend (tokens, call logs)
	BackendAPIKey  string // X-API-Key sent to the backend
	Identity       string // device identity requested from the backend; empty lets it choose
	APIKeyHash     string // Argon2id hash guarding the local control API
	RedisAddr      string // push channel broker; empty disables push
	RedisPassword  string
	RedisDB        int
	RingTimeoutSec int    // seconds an incoming call rings before auto-timeout
	TimeoutStatus  string // status recorded for offers nobody answered
	RejectStatus   string // status recorded for locally rejected offers
	LogBusyCalls   bool   // record busy refusals in the call log
	MinDialDigits  int
	LogRefreshSec  int // seconds between background call log refreshes
	TLSCert        string
	TLSKey         string
	CORSOrigins    string
	LogLevel       string
	LogFormat      string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultHTTPPort       = 8080
	defaultSIPListenAddr  = "0.0.0.0:5060"
	defaultSIPPort        = 5060
	defaultSIPTransport   = "udp"
	defaultBackendURL     = "http://127.0.0.1:3000"
	defaultRingTimeoutSec = 30
	defaultMinDialDigits  = 3
	defaultLogRefreshSec  = 60
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all agent environment variables.
const envPrefix = "AGENT_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialer-agent", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call log cache")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP control API listen port")
	fs.StringVar(&cfg.SIPListenAddr, "sip-listen", defaultSIPListenAddr, "SIP listen address (host:port)")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain of the provider edge (required)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP port of the provider edge")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address advertised in SDP (auto-detected if empty)")
	fs.StringVar(&cfg.BackendURL, "backend-url", defaultBackendURL, "base URL of the dialer backend")
	fs.StringVar(&cfg.BackendAPIKey, "backend-api-key", "", "API key sent to the dialer backend")
	fs.StringVar(&cfg.Identity, "identity", "", "device identity requested from the backend (backend chooses if empty)")
	fs.StringVar(&cfg.APIKeyHash, "api-key-hash", "", "Argon2id hash required from local API clients (empty disables auth)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for push notifications (empty disables push)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.IntVar(&cfg.RingTimeoutSec, "ring-timeout", defaultRingTimeoutSec, "seconds an incoming call rings before timing out")
	fs.StringVar(&cfg.TimeoutStatus, "timeout-status", "canceled", "status recorded when an incoming call rings out")
	fs.StringVar(&cfg.RejectStatus, "reject-status", "canceled", "status recorded when an incoming call is rejected locally")
	fs.BoolVar(&cfg.LogBusyCalls, "log-busy-calls", true, "record busy refusals in the call log")
	fs.IntVar(&cfg.MinDialDigits, "min-dial-digits", defaultMinDialDigits, "minimum digits required to place a call")
	fs.IntVar(&cfg.LogRefreshSec, "log-refresh", defaultLogRefreshSec, "seconds between background call log refreshes (0 disables)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":        envPrefix + "DATA_DIR",
		"http-port":       envPrefix + "HTTP_PORT",
		"sip-listen":      envPrefix + "SIP_LISTEN",
		"sip-domain":      envPrefix + "SIP_DOMAIN",
		"sip-port":        envPrefix + "SIP_PORT",
		"sip-transport":   envPrefix + "SIP_TRANSPORT",
		"external-ip":     envPrefix + "EXTERNAL_IP",
		"backend-url":     envPrefix + "BACKEND_URL",
		"backend-api-key": envPrefix + "BACKEND_API_KEY",
		"identity":        envPrefix + "IDENTITY",
		"api-key-hash":    envPrefix + "API_KEY_HASH",
		"redis-addr":      envPrefix + "REDIS_ADDR",
		"redis-password":  envPrefix + "REDIS_PASSWORD",
		"redis-db":        envPrefix + "REDIS_DB",
		"ring-timeout":    envPrefix + "RING_TIMEOUT",
		"timeout-status":  envPrefix + "TIMEOUT_STATUS",
		"reject-status":   envPrefix + "REJECT_STATUS",
		"log-busy-calls":  envPrefix + "LOG_BUSY_CALLS",
		"min-dial-digits": envPrefix + "MIN_DIAL_DIGITS",
		"log-refresh":     envPrefix + "LOG_REFRESH",
		"tls-cert":        envPrefix + "TLS_CERT",
		"tls-key":         envPrefix + "TLS_KEY",
		"cors-origins":    envPrefix + "CORS_ORIGINS",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-listen":
			cfg.SIPListenAddr = val
		case "sip-domain":
			cfg.SIPDomain = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-transport":
			cfg.SIPTransport = val
		case "external-ip":
			cfg.ExternalIP = val
		case "backend-url":
			cfg.BackendURL = val
		case "backend-api-key":
			cfg.BackendAPIKey = val
		case "identity":
			cfg.Identity = val
		case "api-key-hash":
			cfg.APIKeyHash = val
		case "redis-addr":
			cfg.RedisAddr = val
		case "redis-password":
			cfg.RedisPassword = val
		case "redis-db":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RedisDB = v
			}
		case "ring-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RingTimeoutSec = v
			}
		case "timeout-status":
			cfg.TimeoutStatus = val
		case "reject-status":
			cfg.RejectStatus = val
		case "log-busy-calls":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.LogBusyCalls = v
			}
		case "min-dial-digits":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MinDialDigits = v
			}
		case "log-refresh":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.LogRefreshSec = v
			}
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if _, _, err := net.SplitHostPort(c.SIPListenAddr); err != nil {
		return fmt.Errorf("sip-listen must be host:port, got %q", c.SIPListenAddr)
	}
	validTransports := map[string]bool{"udp": true, "tcp": true}
	if !validTransports[strings.ToLower(c.SIPTransport)] {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)

	if c.BackendURL == "" {
		return fmt.Errorf("backend-url is required")
	}
	if c.RingTimeoutSec < 1 {
		return fmt.Errorf("ring-timeout must be at least 1 second, got %d", c.RingTimeoutSec)
	}
	if c.MinDialDigits < 1 {
		return fmt.Errorf("min-dial-digits must be at least 1, got %d", c.MinDialDigits)
	}
	if c.LogRefreshSec < 0 {
		return fmt.Errorf("log-refresh must not be negative, got %d", c.LogRefreshSec)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	return nil
}

// TLSEnabled returns true if TLS certificates are configured for the
// control API.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// RingTimeout returns the incoming ring deadline as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// LogRefreshInterval returns the background call log refresh period, zero
// when disabled.
func (c *Config) LogRefreshInterval() time.Duration {
	return time.Duration(c.LogRefreshSec) * time.Second
}

// MediaIP returns the IP address to advertise in SDP. If ExternalIP is
// configured, it is returned directly. Otherwise the function attempts to
// detect the machine's primary non-loopback IPv4 address. Falls back to
// "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
