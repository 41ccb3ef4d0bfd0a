package clientcert

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// defaultDebounceDelay coalesces bursts of filesystem events produced
// by atomic writes (write + rename) into a single reload.
const defaultDebounceDelay = 100 * time.Millisecond

// Watcher reloads a file-backed identity when the certificate or key
// file changes on disk.
type Watcher struct {
	provider      *Provider
	watcher       *fsnotify.Watcher
	logger        *zap.Logger
	debounceDelay time.Duration

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounceDelay sets the debounce delay for file change events.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// NewWatcher creates a watcher for the provider's certificate files.
// Returns ErrNotFileBacked for inline identities.
func NewWatcher(provider *Provider, opts ...WatcherOption) (*Watcher, error) {
	if provider.cfg.Inline() {
		return nil, ErrNotFileBacked
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		provider:      provider,
		watcher:       fsWatcher,
		logger:        zap.NewNop(),
		debounceDelay: defaultDebounceDelay,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start begins watching the certificate and key file directories.
// Watching directories instead of files survives the rename dance
// Kubernetes secret mounts and certbot-style tooling perform.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dirs := map[string]struct{}{
		filepath.Dir(w.provider.cfg.CertFile): {},
		filepath.Dir(w.provider.cfg.KeyFile):  {},
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			// The event loop never launched; Stop must not wait for it.
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			_ = w.watcher.Close()
			return err
		}
	}

	w.logger.Info("watching client certificate files",
		zap.String("certFile", w.provider.cfg.CertFile),
		zap.String("keyFile", w.provider.cfg.KeyFile),
	)

	go w.loop(ctx)

	return nil
}

// loop processes filesystem events until stopped.
func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stoppedCh)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			// Debounce: restart the timer on every event burst.
			if timer == nil {
				timer = time.NewTimer(w.debounceDelay)
				timerCh = timer.C
			} else {
				timer.Reset(w.debounceDelay)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("certificate watcher error", zap.Error(err))
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := w.provider.Reload(); err != nil {
				w.logger.Error("failed to reload client certificate, keeping previous identity",
					zap.Error(err),
				)
			}
		}
	}
}

// relevant reports whether the event concerns the watched files.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == filepath.Clean(w.provider.cfg.CertFile) ||
		name == filepath.Clean(w.provider.cfg.KeyFile)
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.stoppedCh

	return err
}
