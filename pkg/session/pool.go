package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/txn2/mcp-streampay/pkg/poller"
	"github.com/txn2/mcp-streampay/pkg/registry"
	"github.com/txn2/mcp-streampay/pkg/stream"
	"github.com/txn2/mcp-streampay/pkg/timesource"
)

// DefaultIdleTTL is how long an unused session stays in a Pool.
const DefaultIdleTTL = 15 * time.Minute

// Pool hands out one Session per stream so that every caller observing a
// stream shares its in-flight state. Idle sessions are evicted after a TTL.
type Pool struct {
	reg   *registry.Registry
	chain Chain
	ts    *timesource.Clock
	cfg   Config
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[stream.Identity]*poolEntry

	cancel context.CancelFunc
	done   chan struct{}
}

type poolEntry struct {
	session  *Session
	lastUsed time.Time
	watches  []*poller.Handle
}

// NewPool creates a Pool whose sessions share reg, c, ts and cfg.
func NewPool(reg *registry.Registry, c Chain, ts *timesource.Clock, cfg Config, ttl time.Duration) *Pool {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &Pool{
		reg:      reg,
		chain:    c,
		ts:       ts,
		cfg:      cfg,
		ttl:      ttl,
		sessions: make(map[stream.Identity]*poolEntry),
	}
}

// Get returns the session for id, creating it on first use.
func (p *Pool) Get(id stream.Identity) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.sessions[id]
	if !ok {
		e = &poolEntry{session: New(id, p.reg, p.chain, p.ts, p.cfg)}
		p.sessions[id] = e
	}
	e.lastUsed = p.ts.Clock().Now()
	return e.session
}

// Watch schedules the session's Poll on sched. The schedule is cancelled
// when the session is evicted or the pool is closed.
func (p *Pool) Watch(id stream.Identity, sched *poller.Scheduler, opts poller.Options) (*poller.Handle, error) {
	s := p.Get(id)
	if opts.Name == "" {
		opts.Name = "session:" + id.String()
	}
	h, err := sched.Schedule(s.Poll, opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if e, ok := p.sessions[id]; ok && e.session == s {
		e.watches = append(e.watches, h)
	}
	p.mu.Unlock()
	return h, nil
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Remove closes and forgets the session for id.
func (p *Pool) Remove(id stream.Identity) {
	p.mu.Lock()
	e, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()

	if ok {
		e.close()
	}
}

// Cleanup evicts sessions unused for longer than the TTL. A busy session or
// one with a live watch is kept.
func (p *Pool) Cleanup(_ context.Context) error {
	now := p.ts.Clock().Now()

	p.mu.Lock()
	var evicted []*poolEntry
	for id, e := range p.sessions {
		e.watches = slices.DeleteFunc(e.watches, func(h *poller.Handle) bool {
			select {
			case <-h.Done():
				return true
			default:
				return false
			}
		})
		if now.Sub(e.lastUsed) <= p.ttl || len(e.watches) > 0 || e.session.Busy() {
			continue
		}
		delete(p.sessions, id)
		evicted = append(evicted, e)
	}
	p.mu.Unlock()

	for _, e := range evicted {
		e.close()
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically evicts
// idle sessions. The goroutine is stopped when Close is called.
func (p *Pool) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		clk := p.ts.Clock()
		for {
			select {
			case <-ctx.Done():
				return
			case <-clk.After(interval):
				_ = p.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine, cancels every watch and closes every
// session. It is safe to call Close even if StartCleanupRoutine was never
// called.
func (p *Pool) Close() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}

	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.sessions))
	for _, e := range p.sessions {
		entries = append(entries, e)
	}
	clear(p.sessions)
	p.mu.Unlock()

	for _, e := range entries {
		e.close()
	}
	return nil
}

func (e *poolEntry) close() {
	for _, h := range e.watches {
		h.Stop()
	}
	_ = e.session.Close()
}
