// Package session is the per-stream accounting engine. A Session derives
// time left, total time and cancel phase from the latest registry record
// and the time source, caches the authoritative values the contract owns
// (cancelability, payer balance and allowance) with a freshness stamp, and
// drives the cancel and top-up state machines.
//
// A Session never holds a record of its own. Every derivation re-reads the
// registry, so a newer authoritative snapshot is always what gets shown and
// acted on.
package session

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/txn2/mcp-streampay/pkg/audit"
	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/registry"
	"github.com/txn2/mcp-streampay/pkg/stream"
	"github.com/txn2/mcp-streampay/pkg/timesource"
)

// Defaults applied to a zero Config.
const (
	DefaultConfirmTimeout   = 2 * time.Minute
	DefaultReconcileTimeout = 30 * time.Minute
	DefaultMaxAuthorityAge  = 30 * time.Second
	DefaultWarningLevel     = 48 * time.Hour
	DefaultCriticalLevel    = 12 * time.Hour
)

// Chain is the subset of the manager facade a session uses.
// *chain.Manager satisfies it.
type Chain interface {
	StreamInfo(ctx context.Context, creator chain.Address, streamID uint64) (*chain.StreamInfo, error)
	IsCancelable(ctx context.Context, creator chain.Address, streamID uint64) (bool, error)
	Allowance(ctx context.Context, token, owner chain.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner chain.Address) (*big.Int, error)
	Approve(ctx context.Context, from, token chain.Address, amount *big.Int) (chain.TxHash, error)
	AddFunds(ctx context.Context, from, creator chain.Address, streamID uint64, amount *big.Int) (chain.TxHash, error)
	CancelStream(ctx context.Context, from, creator chain.Address, streamID uint64, reason []byte) (chain.TxHash, error)
	WaitMined(ctx context.Context, tx chain.TxHash) (*chain.Receipt, error)
}

// Config configures a Session.
type Config struct {
	// Account submits cancels and top-ups and pays for top-ups.
	Account chain.Address

	// ConfirmTimeout bounds the local wait for a receipt.
	ConfirmTimeout time.Duration

	// ReconcileTimeout bounds the background wait after a timed out
	// confirmation.
	ReconcileTimeout time.Duration

	// MaxAuthorityAge is how long a cached authority value is trusted.
	MaxAuthorityAge time.Duration

	// WarningLevel and CriticalLevel bucket the time left into a funding
	// status.
	WarningLevel  time.Duration
	CriticalLevel time.Duration

	Logger *slog.Logger
	Audit  audit.Logger
}

func (c *Config) applyDefaults() {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = DefaultReconcileTimeout
	}
	if c.MaxAuthorityAge <= 0 {
		c.MaxAuthorityAge = DefaultMaxAuthorityAge
	}
	if c.WarningLevel <= 0 {
		c.WarningLevel = DefaultWarningLevel
	}
	if c.CriticalLevel <= 0 {
		c.CriticalLevel = DefaultCriticalLevel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Audit == nil {
		c.Audit = audit.NoopLogger{}
	}
}

// Session tracks one stream.
type Session struct {
	id    stream.Identity
	reg   *registry.Registry
	chain Chain
	ts    *timesource.Clock
	cfg   Config

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	mu          sync.Mutex
	state       State
	reconciling bool
	closed      bool
	lastErr     error

	// Optimistic top-up shown until the registry reflects it.
	pendingFunding *big.Int
	pendingBase    *big.Int

	cancelable cached[bool]
	fundable   cached[fundability]
}

type fundability struct {
	balance   *big.Int
	allowance *big.Int
}

// New creates a Session for id. The session reads records from reg and
// talks to the contract through c.
func New(id stream.Identity, reg *registry.Registry, c Chain, ts *timesource.Clock, cfg Config) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		reg:      reg,
		chain:    c,
		ts:       ts,
		cfg:      cfg,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// Identity returns the stream the session tracks.
func (s *Session) Identity() stream.Identity { return s.id }

// Record returns the latest registry record.
func (s *Session) Record() (stream.Record, bool) {
	return s.reg.Get(s.id)
}

// TimeLeft returns the seconds of funding remaining now, clamped to
// [0, TotalTime]. It is 0 for an unknown stream.
func (s *Session) TimeLeft() int64 {
	rec, ok := s.reg.Get(s.id)
	if !ok {
		return 0
	}
	return rec.TimeLeft(s.ts.Now())
}

// TotalTime returns the funded duration of the stream.
func (s *Session) TotalTime() (int64, error) {
	rec, ok := s.reg.Get(s.id)
	if !ok {
		return 0, ErrStreamUnknown
	}
	return rec.TotalTime()
}

// PercentRemaining returns TimeLeft/TotalTime, or 0 when unknown.
func (s *Session) PercentRemaining() float64 {
	rec, ok := s.reg.Get(s.id)
	if !ok {
		return 0
	}
	return rec.PercentRemaining(s.ts.Now())
}

// CancelPhase classifies the stream for display. It never gates a cancel;
// only the contract's answer does.
func (s *Session) CancelPhase() stream.CancelPhase {
	rec, ok := s.reg.Get(s.id)
	if !ok {
		return stream.PhaseNotStarted
	}
	return rec.CancelPhase(s.ts.Now())
}

// State returns the current submission state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a request is in flight or being reconciled.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle || s.reconciling
}

// Close stops background reconciliation and waits for it to exit. Requests
// made after Close are rejected with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.bgCancel()
	s.wg.Wait()
	return nil
}

// begin moves the session from Idle to next. The returned outcome is
// non-nil when the request must be rejected.
func (s *Session) begin(next State) (stream.Record, *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reject := func(err error) (stream.Record, *Outcome) {
		o := rejected(err)
		return stream.Record{}, &o
	}
	switch {
	case s.closed:
		return reject(ErrClosed)
	case s.state != StateIdle || s.reconciling:
		return reject(ErrInFlight)
	case s.cfg.Account.IsZero():
		return reject(ErrNoAccount)
	}
	rec, ok := s.reg.Get(s.id)
	switch {
	case !ok:
		return reject(ErrStreamUnknown)
	case rec.Cancelled:
		return reject(ErrCancelled)
	}
	s.state = next
	return rec, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// finish returns the session to Idle and records the outcome.
func (s *Session) finish(op string, started time.Time, amount *big.Int, o Outcome) Outcome {
	s.mu.Lock()
	s.state = StateIdle
	s.lastErr = o.Err
	s.mu.Unlock()

	s.audit(op, started, amount, o)
	return o
}

func (s *Session) audit(op string, started time.Time, amount *big.Int, o Outcome) {
	errMsg := ""
	if o.Err != nil {
		errMsg = o.Err.Error()
	}
	elapsed := s.ts.Clock().Now().Sub(started).Milliseconds()
	event := audit.NewEvent(audit.EventTypeOperation, op).
		WithStream(s.id).
		WithAccount(s.cfg.Account.String()).
		WithTx(string(o.TxHash)).
		WithAmount(amount).
		WithStatus(o.Status.String()).
		WithResult(o.OK(), errMsg, elapsed)
	if err := s.cfg.Audit.Log(context.WithoutCancel(s.bgCtx), *event); err != nil {
		s.cfg.Logger.Warn("failed to write audit event", "stream", s.id.String(), "error", err)
	}
}
