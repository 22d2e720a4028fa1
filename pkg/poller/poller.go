// Package poller runs periodic refresh actions. Every schedule owns its own
// cancellation handle, so stopping one observer never affects another
// observing the same resource.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"gopkg.in/retry.v1"
)

// Action is one refresh. A returned error switches the schedule to backoff.
type Action func(ctx context.Context) error

// Options configures a schedule.
type Options struct {
	// Name identifies the schedule in logs.
	Name string
	// Interval is the delay between successful runs.
	Interval time.Duration
	// Jitter adds a random delay in [0, Jitter) to every successful run.
	Jitter time.Duration
	// MaxBackoff caps the delay after consecutive failures. Defaults to
	// DefaultBackoffFactor times Interval.
	MaxBackoff time.Duration
	// Immediate runs the action once as soon as it is scheduled.
	Immediate bool
}

// DefaultBackoffFactor sets MaxBackoff when it is not configured.
const DefaultBackoffFactor = 10

var (
	// ErrInvalidInterval is returned for a non-positive interval.
	ErrInvalidInterval = errors.New("poll interval must be positive")

	// ErrClosed is returned when scheduling on a closed Scheduler.
	ErrClosed = errors.New("scheduler closed")
)

// Scheduler owns a set of schedules.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for action failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler driven by clk.
func New(clk clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clk,
		logger:  slog.Default(),
		handles: make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle controls a single schedule.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	runs     atomic.Int64
	failures atomic.Int64
	lastErr  atomic.Pointer[error]
}

// Name returns the schedule name.
func (h *Handle) Name() string { return h.name }

// Cancel stops future runs without waiting for an in-progress run. It is
// safe to call from inside the action.
func (h *Handle) Cancel() { h.cancel() }

// Stop cancels the schedule and waits for its goroutine to exit. It must not
// be called from inside the action.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the schedule has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Runs returns how many times the action has run.
func (h *Handle) Runs() int64 { return h.runs.Load() }

// Failures returns the number of consecutive failed runs.
func (h *Handle) Failures() int64 { return h.failures.Load() }

// LastError returns the error from the most recent run, or nil.
func (h *Handle) LastError() error {
	if p := h.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Schedule starts running action according to opts.
func (s *Scheduler) Schedule(action Action, opts Options) (*Handle, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, opts.Interval)
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultBackoffFactor * opts.Interval
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		name:   opts.Name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	go s.run(ctx, h, action, opts)
	return h, nil
}

// Cancel stops h and waits for it to exit.
func (s *Scheduler) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.Stop()
}

// Len returns the number of live schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Close stops every schedule and rejects new ones.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, h *Handle, action Action, opts Options) {
	defer func() {
		s.mu.Lock()
		delete(s.handles, h)
		s.mu.Unlock()
		close(h.done)
	}()

	backoffStrategy := retry.Exponential{
		Initial:  opts.Interval,
		Factor:   2,
		MaxDelay: opts.MaxBackoff,
		Jitter:   opts.Jitter > 0,
	}
	var backoff retry.Timer

	var delay time.Duration
	if !opts.Immediate {
		delay = nextDelay(opts)
	}

	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(delay):
			}
		} else if ctx.Err() != nil {
			return
		}

		err := action(ctx)
		h.runs.Add(1)
		if ctx.Err() != nil {
			return
		}
		h.lastErr.Store(&err)

		if err == nil {
			h.failures.Store(0)
			backoff = nil
			delay = nextDelay(opts)
			continue
		}

		failures := h.failures.Add(1)
		now := s.clock.Now()
		if backoff == nil {
			backoff = backoffStrategy.NewTimer(now)
		}
		d, ok := backoff.NextSleep(now)
		if !ok {
			backoff = backoffStrategy.NewTimer(now)
			d, _ = backoff.NextSleep(now)
		}
		delay = max(d, time.Millisecond)
		s.logger.Warn("poll action failed",
			"schedule", h.name, "failures", failures, "retry_in", delay, "error", err)
	}
}

func nextDelay(opts Options) time.Duration {
	if opts.Jitter <= 0 {
		return opts.Interval
	}
	return opts.Interval + time.Duration(rand.Int64N(int64(opts.Jitter)))
}
