// Package main is the entry point for the metrics proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vyrodovalexey/metricsproxy/internal/auth"
	"github.com/vyrodovalexey/metricsproxy/internal/auth/clientcert"
	"github.com/vyrodovalexey/metricsproxy/internal/auth/oauth"
	"github.com/vyrodovalexey/metricsproxy/internal/config"
	"github.com/vyrodovalexey/metricsproxy/internal/health"
	"github.com/vyrodovalexey/metricsproxy/internal/middleware"
	"github.com/vyrodovalexey/metricsproxy/internal/observability"
	"github.com/vyrodovalexey/metricsproxy/internal/proxy"
	"github.com/vyrodovalexey/metricsproxy/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	address     string
	port        int
	endpoint    string
	metricsPort int

	oauth2ClientID     string
	oauth2ClientSecret string
	oauth2AuthURL      string
	oauth2TokenURL     string
	oauth2Audience     string
	oauth2HeaderName   string
	oauth2HeaderFormat string

	tlsCert     string
	tlsKey      string
	tlsCertFile string
	tlsKeyFile  string

	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags, logger)
	app := initApplication(cfg, logger)

	run(app, logger)
}

// parseFlags parses command line flags. Environment variables provide
// defaults so the proxy can be configured entirely from the
// environment in container deployments.
func parseFlags() cliFlags {
	configPath := flag.String("config", os.Getenv("METRICSPROXY_CONFIG_PATH"),
		"Path to configuration file (optional)")
	address := flag.String("address", getEnvOrDefault("HOST", ""),
		"Host address to listen on")
	port := flag.Int("port", getEnvIntOrDefault("PORT", 0),
		"Port to listen on")
	endpoint := flag.String("endpoint", getEnvOrDefault("ENDPOINT", ""),
		"Metrics endpoint to proxy to")
	metricsPort := flag.Int("metrics-port", getEnvIntOrDefault("METRICS_PORT", 0),
		"Port for the operational metrics server (0 uses the configured default)")

	oauth2ClientID := flag.String("oauth2-client-id", os.Getenv("OAUTH2_CLIENT_ID"),
		"OAuth2 client ID")
	oauth2ClientSecret := flag.String("oauth2-client-secret", os.Getenv("OAUTH2_CLIENT_SECRET"),
		"OAuth2 client secret")
	oauth2AuthURL := flag.String("oauth2-auth-url", os.Getenv("OAUTH2_AUTH_URL"),
		"OAuth2 authorization endpoint URL")
	oauth2TokenURL := flag.String("oauth2-token-url", os.Getenv("OAUTH2_TOKEN_URL"),
		"OAuth2 token endpoint URL")
	oauth2Audience := flag.String("oauth2-audience", os.Getenv("OAUTH2_AUDIENCE"),
		"OAuth2 audience")
	oauth2HeaderName := flag.String("oauth2-header-name", os.Getenv("OAUTH2_HEADER_NAME"),
		"Header the access token is injected into")
	oauth2HeaderFormat := flag.String("oauth2-header-format", os.Getenv("OAUTH2_HEADER_FORMAT"),
		"Header value template; {} is replaced with the access token")

	tlsCert := flag.String("tls-cert", os.Getenv("TLS_CERT"),
		"Client certificate PEM")
	tlsKey := flag.String("tls-key", os.Getenv("TLS_KEY"),
		"Client key PEM")
	tlsCertFile := flag.String("tls-cert-file", os.Getenv("TLS_CERT_FILE"),
		"Path to client certificate file")
	tlsKeyFile := flag.String("tls-key-file", os.Getenv("TLS_KEY_FILE"),
		"Path to client key file")

	logLevel := flag.String("log-level", getEnvOrDefault("METRICSPROXY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("METRICSPROXY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:         *configPath,
		address:            *address,
		port:               *port,
		endpoint:           *endpoint,
		metricsPort:        *metricsPort,
		oauth2ClientID:     *oauth2ClientID,
		oauth2ClientSecret: *oauth2ClientSecret,
		oauth2AuthURL:      *oauth2AuthURL,
		oauth2TokenURL:     *oauth2TokenURL,
		oauth2Audience:     *oauth2Audience,
		oauth2HeaderName:   *oauth2HeaderName,
		oauth2HeaderFormat: *oauth2HeaderFormat,
		tlsCert:            *tlsCert,
		tlsKey:             *tlsKey,
		tlsCertFile:        *tlsCertFile,
		tlsKeyFile:         *tlsKeyFile,
		logLevel:           *logLevel,
		logFormat:          *logFormat,
		showVersion:        *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("metricsproxy version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig builds the effective configuration: file over
// defaults, environment over file, flags over everything. An invalid
// configuration aborts startup before any port is bound.
func loadAndValidateConfig(flags cliFlags, logger observability.Logger) *config.Config {
	logger.Info("starting metricsproxy",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	var cfg *config.Config
	var err error
	if flags.configPath != "" {
		cfg, err = config.LoadFile(flags.configPath)
		if err != nil {
			logger.Fatal("failed to load configuration", observability.Error(err))
		}
	} else {
		cfg = config.Default()
	}

	applyFlagOverrides(cfg, flags)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("endpoint", cfg.Endpoint),
		observability.String("auth_mode", cfg.AuthMode().String()),
		observability.Int("port", cfg.Port),
		observability.Int("metrics_port", cfg.MetricsPort),
	)

	return cfg
}

// applyFlagOverrides layers flags (whose defaults already carry the
// environment) onto the configuration. Empty values keep whatever the
// file or defaults provided.
func applyFlagOverrides(cfg *config.Config, flags cliFlags) {
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	setIf(&cfg.Address, flags.address)
	setIf(&cfg.Endpoint, flags.endpoint)
	if flags.port != 0 {
		cfg.Port = flags.port
	}
	if flags.metricsPort != 0 {
		cfg.MetricsPort = flags.metricsPort
	}

	setIf(&cfg.OAuth2.ClientID, flags.oauth2ClientID)
	setIf(&cfg.OAuth2.ClientSecret, flags.oauth2ClientSecret)
	setIf(&cfg.OAuth2.AuthURL, flags.oauth2AuthURL)
	setIf(&cfg.OAuth2.TokenURL, flags.oauth2TokenURL)
	setIf(&cfg.OAuth2.Audience, flags.oauth2Audience)
	setIf(&cfg.OAuth2.HeaderName, flags.oauth2HeaderName)
	setIf(&cfg.OAuth2.HeaderFormat, flags.oauth2HeaderFormat)

	setIf(&cfg.TLS.Cert, flags.tlsCert)
	setIf(&cfg.TLS.Key, flags.tlsKey)
	setIf(&cfg.TLS.CertFile, flags.tlsCertFile)
	setIf(&cfg.TLS.KeyFile, flags.tlsKeyFile)
}

// application holds all application components.
type application struct {
	proxyListener *server.Listener
	opsListener   *server.Listener
	certWatcher   *clientcert.Watcher
	rateLimiter   *middleware.RateLimiter
	tracer        *observability.Tracer
	checker       *health.Checker
}

// initApplication wires all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	metrics := observability.NewMetrics("metricsproxy")
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	// Package metrics land on the same private registry as the
	// request metrics so the operational endpoint serves them all.
	proxy.InitMetrics(metrics.Registry())
	middleware.InitMetrics(metrics.Registry())
	oauth.InitMetrics(metrics.Registry())
	clientcert.InitMetrics(metrics.Registry())

	tracer := initTracer(cfg, logger)
	checker := health.NewChecker(version)

	app := &application{
		tracer:  tracer,
		checker: checker,
	}

	strategy, transport := initAuth(cfg, logger, checker, app)

	forwarderOpts := []proxy.ForwarderOption{
		proxy.WithForwarderLogger(logger),
		proxy.WithTransport(transport),
		proxy.WithUpstreamTimeout(cfg.Upstream.Timeout.Duration()),
	}
	if cfg.AuthMode() == config.AuthModeOAuth2 {
		forwarderOpts = append(forwarderOpts, proxy.WithStripHeader(cfg.OAuth2.HeaderName))
	}

	forwarder, err := proxy.NewForwarder(cfg.Endpoint, strategy, forwarderOpts...)
	if err != nil {
		logger.Fatal("failed to create forwarder", observability.Error(err))
	}

	handler := server.NewProxyMux(forwarder, checker,
		buildMiddlewareChain(cfg, logger, metrics, tracer, app)...)

	app.proxyListener = server.NewListener("proxy",
		net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)), handler,
		server.WithListenerLogger(logger),
	)

	if cfg.MetricsPort > 0 {
		app.opsListener = server.NewListener("ops",
			net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.MetricsPort)),
			server.NewOpsMux(checker, metrics.Handler()),
			server.WithListenerLogger(logger),
		)
	}

	return app
}

// initAuth builds the authentication strategy and the outbound
// transport carrying it where the mode is connection-based.
func initAuth(
	cfg *config.Config,
	logger observability.Logger,
	checker *health.Checker,
	app *application,
) (auth.Strategy, http.RoundTripper) {
	transport := newUpstreamTransport(cfg.Upstream.Timeout.Duration())

	switch cfg.AuthMode() {
	case config.AuthModeOAuth2:
		client, err := oauth.NewClient(&oauth.Config{
			TokenURL:      cfg.OAuth2.TokenURL,
			ClientID:      cfg.OAuth2.ClientID,
			ClientSecret:  cfg.OAuth2.ClientSecret,
			Audience:      cfg.OAuth2.Audience,
			Timeout:       cfg.OAuth2.Timeout.Duration(),
			RefreshMargin: cfg.OAuth2.RefreshMargin.Duration(),
		})
		if err != nil {
			logger.Fatal("failed to create OAuth2 client", observability.Error(err))
		}

		checker.RegisterCheck("oauth2_token",
			health.TokenCheck(client, cfg.OAuth2.Timeout.Duration()))

		return auth.NewOAuth2(client, cfg.OAuth2.HeaderName, cfg.OAuth2.HeaderFormat), transport

	case config.AuthModeTLS:
		provider, err := clientcert.NewProvider(cfg.TLS)
		if err != nil {
			logger.Fatal("failed to load client certificate", observability.Error(err))
		}

		transport.TLSClientConfig = provider.TLSClientConfig()
		checker.RegisterCheck("client_certificate", health.CertificateCheck(provider))

		if !cfg.TLS.Inline() {
			watcher, err := clientcert.NewWatcher(provider)
			if err != nil {
				logger.Warn("failed to create certificate watcher", observability.Error(err))
			} else {
				app.certWatcher = watcher
			}
		}

		return auth.NewTLS(), transport

	default:
		return auth.NewNone(), transport
	}
}

// newUpstreamTransport returns the transport for endpoint requests.
// The response header timeout backs up the per-request context so a
// silent endpoint cannot hold connections past the configured bound.
func newUpstreamTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		ResponseHeaderTimeout: timeout,
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Enabled:      cfg.Tracing.Enabled,
		SamplingRate: cfg.Tracing.SamplingRate,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}

	return tracer
}

// buildMiddlewareChain builds the middleware chain for the proxy
// listener, outermost first.
func buildMiddlewareChain(
	cfg *config.Config,
	logger observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	app *application,
) []middleware.Middleware {
	chain := []middleware.Middleware{
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logging(logger),
		observability.MetricsMiddleware(metrics),
		observability.TracingMiddleware(tracer),
	}

	if cfg.RateLimit.Enabled {
		app.rateLimiter = middleware.NewRateLimiter(
			cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.PerClient,
			middleware.WithRateLimiterLogger(logger),
		)
		chain = append(chain, middleware.RateLimit(app.rateLimiter))
	}

	if cfg.CircuitBreaker.Enabled {
		cb := middleware.NewCircuitBreaker("upstream",
			cfg.CircuitBreaker.Threshold, cfg.CircuitBreaker.Timeout.Duration(),
			middleware.WithCircuitBreakerLogger(logger),
			middleware.WithCircuitBreakerStateCallback(metrics.SetCircuitBreakerState),
		)
		chain = append(chain, middleware.CircuitBreakerMiddleware(cb))
	}

	return chain
}

// run starts the listeners and blocks until shutdown.
func run(app *application, logger observability.Logger) {
	ctx := context.Background()

	if app.certWatcher != nil {
		if err := app.certWatcher.Start(ctx); err != nil {
			logger.Warn("failed to start certificate watcher", observability.Error(err))
		}
	}

	if app.opsListener != nil {
		if err := app.opsListener.Start(ctx); err != nil {
			logger.Fatal("failed to start operational listener", observability.Error(err))
		}
	}

	if err := app.proxyListener.Start(ctx); err != nil {
		logger.Fatal("failed to start proxy listener", observability.Error(err))
	}

	waitForShutdown(app, logger)
}

// waitForShutdown waits for a shutdown signal and stops everything
// gracefully.
func waitForShutdown(app *application, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.proxyListener.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop proxy listener gracefully", observability.Error(err))
	}

	if app.opsListener != nil {
		if err := app.opsListener.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop operational listener gracefully", observability.Error(err))
		}
	}

	if app.certWatcher != nil {
		if err := app.certWatcher.Stop(); err != nil {
			logger.Error("failed to stop certificate watcher", observability.Error(err))
		}
	}

	if app.rateLimiter != nil {
		app.rateLimiter.Stop()
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("metricsproxy stopped")
}

// getEnvOrDefault returns the environment value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvIntOrDefault returns the environment value parsed as int or a
// default.
func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
