// Package config provides configuration loading and validation for the
// metrics proxy.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthMode identifies the upstream authentication strategy. Exactly one
// mode is active per process lifetime; the mode is resolved once at
// startup and immutable thereafter.
type AuthMode string

// Authentication mode constants.
const (
	// AuthModeNone forwards requests without credentials.
	AuthModeNone AuthMode = "none"

	// AuthModeOAuth2 injects a bearer token obtained via the OAuth2
	// client credentials grant.
	AuthModeOAuth2 AuthMode = "oauth2"

	// AuthModeTLS presents a client certificate on the outbound
	// TLS connection.
	AuthModeTLS AuthMode = "tls"
)

// String returns the string representation of the auth mode.
func (m AuthMode) String() string {
	return string(m)
}

// Default values for optional settings.
const (
	DefaultAddress         = "0.0.0.0"
	DefaultPort            = 3000
	DefaultMetricsPort     = 9090
	DefaultHeaderName      = "Authorization"
	DefaultHeaderFormat    = "Bearer {}"
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultTokenTimeout    = 30 * time.Second
	DefaultRefreshMargin   = 60 * time.Second
)

// Config is the top-level proxy configuration.
type Config struct {
	// Address is the host address to listen on.
	Address string `yaml:"address"`

	// Port is the port to listen on.
	Port int `yaml:"port"`

	// Endpoint is the protected metrics endpoint to proxy to.
	Endpoint string `yaml:"endpoint"`

	// MetricsPort is the port for the operational metrics server.
	// Zero disables the server.
	MetricsPort int `yaml:"metricsPort"`

	// Upstream configures the outbound connection to the endpoint.
	Upstream UpstreamConfig `yaml:"upstream"`

	// OAuth2 configures bearer token injection.
	OAuth2 OAuth2Config `yaml:"oauth2"`

	// TLS configures the outbound client certificate identity.
	TLS TLSConfig `yaml:"tls"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`

	// Tracing configures OpenTelemetry tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// RateLimit configures inbound rate limiting.
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// CircuitBreaker configures upstream circuit breaking.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// UpstreamConfig configures the outbound request pipeline.
type UpstreamConfig struct {
	// Timeout bounds a single proxied request to the endpoint.
	Timeout Duration `yaml:"timeout"`
}

// OAuth2Config configures the OAuth2 client credentials strategy.
type OAuth2Config struct {
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
	AuthURL      string `yaml:"authURL"`
	TokenURL     string `yaml:"tokenURL"`
	Audience     string `yaml:"audience"`

	// HeaderName is the header the token is injected into.
	HeaderName string `yaml:"headerName"`

	// HeaderFormat is the header value template; "{}" is replaced
	// with the access token.
	HeaderFormat string `yaml:"headerFormat"`

	// RefreshMargin treats a token nearing expiry as expired.
	RefreshMargin Duration `yaml:"refreshMargin"`

	// Timeout bounds a single token endpoint call.
	Timeout Duration `yaml:"timeout"`
}

// configured reports whether any OAuth2 credential field is set.
func (c OAuth2Config) configured() bool {
	return c.ClientID != "" || c.ClientSecret != "" ||
		c.AuthURL != "" || c.TokenURL != "" || c.Audience != ""
}

// complete reports whether all required OAuth2 fields are set.
func (c OAuth2Config) complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" &&
		c.AuthURL != "" && c.TokenURL != ""
}

// TLSConfig configures the outbound client certificate. Certificate and
// key may each be given inline (PEM) or as a file path.
type TLSConfig struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// configured reports whether any TLS identity field is set.
func (c TLSConfig) configured() bool {
	return c.Cert != "" || c.Key != "" || c.CertFile != "" || c.KeyFile != ""
}

// complete reports whether a usable cert/key pairing is set: both
// inline, or both as files.
func (c TLSConfig) complete() bool {
	inline := c.Cert != "" && c.Key != ""
	files := c.CertFile != "" && c.KeyFile != ""
	return inline || files
}

// Inline reports whether the identity is provided as inline PEM.
func (c TLSConfig) Inline() bool {
	return c.Cert != "" && c.Key != ""
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	ServiceName  string  `yaml:"serviceName"`
}

// RateLimitConfig configures inbound rate limiting.
type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled"`
	RPS       int  `yaml:"rps"`
	Burst     int  `yaml:"burst"`
	PerClient bool `yaml:"perClient"`
}

// CircuitBreakerConfig configures upstream circuit breaking.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Address:     DefaultAddress,
		Port:        DefaultPort,
		MetricsPort: DefaultMetricsPort,
		Upstream: UpstreamConfig{
			Timeout: Duration(DefaultUpstreamTimeout),
		},
		OAuth2: OAuth2Config{
			HeaderName:    DefaultHeaderName,
			HeaderFormat:  DefaultHeaderFormat,
			RefreshMargin: Duration(DefaultRefreshMargin),
			Timeout:       Duration(DefaultTokenTimeout),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			ServiceName:  "metricsproxy",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 5,
			Timeout:   Duration(30 * time.Second),
		},
	}
}

// LoadFile loads configuration from a YAML file, layered over defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// AuthMode returns the resolved authentication mode. Valid only after
// Validate has succeeded.
func (c *Config) AuthMode() AuthMode {
	switch {
	case c.OAuth2.complete():
		return AuthModeOAuth2
	case c.TLS.complete():
		return AuthModeTLS
	default:
		return AuthModeNone
	}
}

// Validate checks the configuration. All violations are startup-time
// failures; the process must not bind a socket on error.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return NewConfigError("endpoint", "endpoint is required")
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return NewConfigError("endpoint",
			fmt.Sprintf("endpoint must be an absolute http(s) URL, got %q", c.Endpoint))
	}

	if c.Port <= 0 || c.Port > 65535 {
		return NewConfigError("port", fmt.Sprintf("invalid port %d", c.Port))
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return NewConfigError("metricsPort",
			fmt.Sprintf("invalid metrics port %d", c.MetricsPort))
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return NewConfigError("rateLimit.rps", "rps must be positive when rate limiting is enabled")
	}

	return nil
}

// validateAuth enforces the exactly-one-strategy rule: no auth fields
// at all (mode none), a complete OAuth2 block, or a complete TLS block.
// Partial blocks and mixed blocks are rejected.
func (c *Config) validateAuth() error {
	oauthSet := c.OAuth2.configured()
	tlsSet := c.TLS.configured()

	if oauthSet && tlsSet {
		return NewConfigError("auth",
			"both OAuth2 and TLS authentication configured; exactly one is allowed")
	}

	if oauthSet && !c.OAuth2.complete() {
		return NewConfigError("oauth2",
			"incomplete OAuth2 configuration: clientID, clientSecret, authURL and tokenURL are all required")
	}

	if tlsSet && !c.TLS.complete() {
		return NewConfigError("tls",
			"incomplete TLS configuration: certificate and key must both be given, either inline or as files")
	}

	if c.OAuth2.complete() {
		if _, err := url.Parse(c.OAuth2.TokenURL); err != nil {
			return NewConfigError("oauth2.tokenURL",
				fmt.Sprintf("invalid token URL: %v", err))
		}
	}

	return nil
}
