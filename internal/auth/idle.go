package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-pdv/internal/params"
)

// IdleWatcher logs the operator out after AUTOMATIC_LOGOUT minutes without
// activity. A zero parameter disables it.
type IdleWatcher struct {
	params   params.Provider
	onLogout func(context.Context)
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	last     time.Time
	loggedIn bool
}

// NewIdleWatcher constructs an IdleWatcher.
func NewIdleWatcher(p params.Provider, onLogout func(context.Context), logger *slog.Logger) *IdleWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdleWatcher{params: p, onLogout: onLogout, logger: logger, interval: 30 * time.Second, now: time.Now}
}

// WithNow overrides the clock.
func (w *IdleWatcher) WithNow(now func() time.Time) {
	if now != nil {
		w.now = now
	}
}

// Login starts watching.
func (w *IdleWatcher) Login() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loggedIn = true
	w.last = w.now()
}

// Touch records operator activity.
func (w *IdleWatcher) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = w.now()
}

// LoggedIn reports whether an operator is logged in.
func (w *IdleWatcher) LoggedIn() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loggedIn
}

// Check logs out when the idle limit passed. It reports whether it did.
func (w *IdleWatcher) Check(ctx context.Context) bool {
	values, err := w.params.Current(ctx)
	if err != nil {
		w.logger.Warn("idle check skipped", slog.Any("error", err))
		return false
	}
	if values.AutomaticLogout <= 0 {
		return false
	}
	limit := time.Duration(values.AutomaticLogout) * time.Minute
	w.mu.Lock()
	expired := w.loggedIn && w.now().Sub(w.last) >= limit
	if expired {
		w.loggedIn = false
	}
	w.mu.Unlock()
	if !expired {
		return false
	}
	w.logger.Info("operator logged out after inactivity", slog.Duration("limit", limit))
	if w.onLogout != nil {
		w.onLogout(ctx)
	}
	return true
}

// Run checks periodically until ctx is done.
func (w *IdleWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
