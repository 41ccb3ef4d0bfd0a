// Package clientcert manages the TLS client certificate identity used
// to authenticate outbound connections to the metrics endpoint.
package clientcert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/metricsproxy/internal/config"
)

// Common errors for certificate loading.
var (
	// ErrInvalidKeyPair indicates the certificate/key pair is malformed
	// or mismatched.
	ErrInvalidKeyPair = errors.New("invalid certificate/key pair")

	// ErrNotFileBacked indicates a reload was requested for an inline
	// identity.
	ErrNotFileBacked = errors.New("identity is not file-backed")
)

// Provider holds the current client certificate identity. The identity
// is validated once at startup; file-backed identities can be reloaded
// at runtime, swapping atomically so in-flight handshakes keep the
// generation they started with.
type Provider struct {
	cfg    config.TLSConfig
	logger *zap.Logger

	cert atomic.Pointer[tls.Certificate]
}

// ProviderOption is a functional option for configuring the provider.
type ProviderOption func(*Provider)

// WithLogger sets the logger for the provider.
func WithLogger(logger *zap.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider loads and validates the configured identity. A malformed
// pair is a startup failure, not a per-request error.
func NewProvider(cfg config.TLSConfig, opts ...ProviderOption) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	cert, err := p.load()
	if err != nil {
		return nil, err
	}

	p.cert.Store(cert)
	p.logLoaded(cert)

	return p, nil
}

// load reads the PEM material from its configured source and parses it.
func (p *Provider) load() (*tls.Certificate, error) {
	certPEM := []byte(p.cfg.Cert)
	keyPEM := []byte(p.cfg.Key)

	if !p.cfg.Inline() {
		var err error
		certPEM, err = os.ReadFile(p.cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
		keyPEM, err = os.ReadFile(p.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyPair, err)
	}

	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		// Parse the leaf for expiry metrics; failure here is not
		// fatal since the key pair already validated.
		if leaf, parseErr := x509.ParseCertificate(cert.Certificate[0]); parseErr == nil {
			cert.Leaf = leaf
		}
	}

	return &cert, nil
}

// logLoaded records the loaded identity without ever touching the key.
func (p *Provider) logLoaded(cert *tls.Certificate) {
	if cert.Leaf == nil {
		p.logger.Info("client certificate loaded")
		return
	}

	getProviderMetrics().certExpiry.Set(float64(cert.Leaf.NotAfter.Unix()))

	p.logger.Info("client certificate loaded",
		zap.String("subject", cert.Leaf.Subject.String()),
		zap.Time("notAfter", cert.Leaf.NotAfter),
	)
}

// Certificate returns the current identity.
func (p *Provider) Certificate() *tls.Certificate {
	return p.cert.Load()
}

// Reload re-reads a file-backed identity and swaps it in atomically.
// On failure the previous identity stays active.
func (p *Provider) Reload() error {
	if p.cfg.Inline() {
		return ErrNotFileBacked
	}

	cert, err := p.load()
	if err != nil {
		getProviderMetrics().reloadsTotal.WithLabelValues("error").Inc()
		return err
	}

	p.cert.Store(cert)
	getProviderMetrics().reloadsTotal.WithLabelValues("success").Inc()
	p.logLoaded(cert)

	return nil
}

// TLSClientConfig returns a TLS configuration that presents the
// current identity on outbound handshakes. The callback indirection
// means a reloaded certificate takes effect on the next handshake
// without rebuilding the transport.
func (p *Provider) TLSClientConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return p.cert.Load(), nil
		},
	}
}
