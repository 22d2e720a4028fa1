package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Hook is a named component start and stop pair. Either func may be nil.
type Hook struct {
	Name  string
	Start func(context.Context) error
	Stop  func(context.Context) error
}

// Lifecycle starts hooks in registration order and stops them in reverse.
type Lifecycle struct {
	mu     sync.Mutex
	logger *slog.Logger

	hooks   []Hook
	started int // hooks whose Start has succeeded
	running bool
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{logger: logger}
}

// Append registers a hook. Hooks appended after Start are not started.
func (l *Lifecycle) Append(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// Start runs every start hook. When one fails, the hooks already started are
// stopped in reverse order and the error is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.Start != nil {
			if err := h.Start(ctx); err != nil {
				l.started = i
				l.stopStarted(ctx)
				return fmt.Errorf("starting %s: %w", h.Name, err)
			}
		}
		l.logger.Debug("component started", "component", h.Name)
	}

	l.started = len(l.hooks)
	l.running = true
	return nil
}

// Stop runs the stop hooks of every started component in reverse order.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false
	return l.stopStarted(ctx)
}

func (l *Lifecycle) stopStarted(ctx context.Context) error {
	var errs []error
	for i := l.started - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.Stop == nil {
			continue
		}
		if err := h.Stop(ctx); err != nil {
			l.logger.Warn("component stop failed", "component", h.Name, "error", err)
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.Name, err))
		}
	}
	l.started = 0
	return errors.Join(errs...)
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
