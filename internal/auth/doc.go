// Package auth implements the upstream authentication strategies of
// the metrics proxy.
//
// Exactly one strategy is active per process: none, OAuth2 client
// credentials (bearer token injection), or TLS client certificate.
// The strategy is resolved from configuration at startup and is
// immutable afterwards. Strategies authenticate outbound requests
// only; the proxy never authenticates inbound callers.
package auth
