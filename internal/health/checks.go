package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/vyrodovalexey/metricsproxy/internal/auth"
)

// defaultCheckTimeout bounds a single readiness check.
const defaultCheckTimeout = 5 * time.Second

// TokenCheck reports whether a token can be obtained from the token
// source. The cache makes this cheap; only an expired cache triggers a
// refresh.
func TokenCheck(tokens auth.TokenSource, timeout time.Duration) CheckFunc {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	return func() Check {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if _, err := tokens.AccessToken(ctx); err != nil {
			return Check{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("token refresh failed: %v", err),
			}
		}

		return Check{Status: StatusHealthy}
	}
}

// CertificateProvider exposes the current client certificate.
type CertificateProvider interface {
	Certificate() *tls.Certificate
}

// CertificateCheck reports on the loaded client certificate. An
// expired certificate degrades readiness rather than failing it, the
// endpoint decides whether to reject the handshake.
func CertificateCheck(provider CertificateProvider) CheckFunc {
	return func() Check {
		cert := provider.Certificate()
		if cert == nil {
			return Check{
				Status:  StatusUnhealthy,
				Message: "no client certificate loaded",
			}
		}

		if cert.Leaf != nil && time.Now().After(cert.Leaf.NotAfter) {
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("client certificate expired at %s", cert.Leaf.NotAfter.Format(time.RFC3339)),
			}
		}

		return Check{Status: StatusHealthy}
	}
}
