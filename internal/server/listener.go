// Package server hosts the HTTP listeners: the proxy listener that
// scrapers hit and the operational listener carrying probes and
// telemetry.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/metricsproxy/internal/observability"
)

// Default server timeouts. ReadTimeout is generous because federate
// style scrapes can carry large bodies; WriteTimeout must cover a full
// scrape of a slow endpoint.
const (
	defaultReadTimeout       = 30 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultWriteTimeout      = 120 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultMaxHeaderBytes    = 1 << 20
)

// Listener represents an HTTP listener.
type Listener struct {
	name    string
	addr    string
	handler http.Handler
	logger  observability.Logger
	server  *http.Server
	running atomic.Bool

	boundAddr atomic.Pointer[net.Addr]
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// NewListener creates a listener bound to addr serving handler.
func NewListener(name, addr string, handler http.Handler, opts ...ListenerOption) *Listener {
	l := &Listener{
		name:    name,
		addr:    addr,
		handler: handler,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.name
}

// Addr returns the bound address once started, the configured address
// otherwise.
func (l *Listener) Addr() string {
	if bound := l.boundAddr.Load(); bound != nil {
		return (*bound).String()
	}
	return l.addr
}

// Start binds the listener and serves in the background. A bind
// failure is returned synchronously so startup can abort before
// accepting traffic.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("listener %s is already running", l.name)
	}

	l.server = &http.Server{
		Addr:              l.addr,
		Handler:           l.handler,
		ReadTimeout:       defaultReadTimeout,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	boundAddr := ln.Addr()
	l.boundAddr.Store(&boundAddr)
	l.running.Store(true)

	l.logger.Info("listener started",
		observability.String("name", l.name),
		observability.String("address", boundAddr.String()),
	)

	go l.serve(ln)

	return nil
}

// serve runs until the server is shut down.
func (l *Listener) serve(ln net.Listener) {
	if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		l.logger.Error("listener error",
			observability.String("name", l.name),
			observability.Error(err),
		)
	}
	l.running.Store(false)
}

// Stop shuts the listener down gracefully, falling back to a hard
// close when the context expires.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.running.Load() {
		return nil
	}

	l.logger.Info("stopping listener",
		observability.String("name", l.name),
	)

	if err := l.server.Shutdown(ctx); err != nil {
		if closeErr := l.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}

	l.running.Store(false)

	l.logger.Info("listener stopped",
		observability.String("name", l.name),
	)

	return nil
}

// IsRunning returns true if the listener is running.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}
