package session

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/txn2/mcp-streampay/pkg/stream"
)

// cached is an authority value with the time it was read. seq and applied
// order concurrent refreshes so an older read never replaces a newer one.
type cached[T any] struct {
	value     T
	fetchedAt int64
	valid     bool
	seq       uint64
	applied   uint64
}

func (c *cached[T]) fresh(now int64, maxAge time.Duration) bool {
	return c.valid && time.Duration(now-c.fetchedAt)*time.Second <= maxAge
}

// start reserves a sequence number for a read about to begin.
func (c *cached[T]) start() uint64 {
	c.seq++
	return c.seq
}

// store applies a completed read unless a later one already landed.
func (c *cached[T]) store(seq uint64, v T, at int64) {
	if seq <= c.applied {
		return
	}
	c.applied = seq
	c.value = v
	c.fetchedAt = at
	c.valid = true
}

// RefreshCancelability re-reads whether the contract would accept a cancel
// now. Unless force is set, a value younger than MaxAuthorityAge is kept.
// No lock is held while the read is in flight.
func (s *Session) RefreshCancelability(ctx context.Context, force bool) error {
	s.mu.Lock()
	if !force && s.cancelable.fresh(s.ts.Now(), s.cfg.MaxAuthorityAge) {
		s.mu.Unlock()
		return nil
	}
	seq := s.cancelable.start()
	s.mu.Unlock()

	ok, err := s.chain.IsCancelable(ctx, s.id.Creator, s.id.StreamID)
	if err != nil {
		return fmt.Errorf("refreshing cancelability of %s: %w", s.id, err)
	}

	s.mu.Lock()
	s.cancelable.store(seq, ok, s.ts.Now())
	s.mu.Unlock()
	return nil
}

// RefreshFundability re-reads the payer's token balance and allowance for
// the manager.
func (s *Session) RefreshFundability(ctx context.Context, force bool) error {
	if s.cfg.Account.IsZero() {
		return ErrNoAccount
	}
	rec, ok := s.reg.Get(s.id)
	if !ok {
		return ErrStreamUnknown
	}

	s.mu.Lock()
	if !force && s.fundable.fresh(s.ts.Now(), s.cfg.MaxAuthorityAge) {
		s.mu.Unlock()
		return nil
	}
	seq := s.fundable.start()
	s.mu.Unlock()

	balance, err := s.chain.BalanceOf(ctx, rec.Token, s.cfg.Account)
	if err != nil {
		return fmt.Errorf("refreshing balance for %s: %w", s.id, err)
	}
	allowance, err := s.chain.Allowance(ctx, rec.Token, s.cfg.Account)
	if err != nil {
		return fmt.Errorf("refreshing allowance for %s: %w", s.id, err)
	}

	s.mu.Lock()
	s.fundable.store(seq, fundability{balance: balance, allowance: allowance}, s.ts.Now())
	s.mu.Unlock()
	return nil
}

// NeedsRefresh reports whether either authority value is missing or older
// than maxAge.
func (s *Session) NeedsRefresh(maxAge time.Duration) bool {
	now := s.ts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cancelable.fresh(now, maxAge) || !s.fundable.fresh(now, maxAge)
}

// Cancelable returns the cached cancelability. It fails with
// ErrStaleAuthority when the value is missing or past MaxAuthorityAge;
// callers should show a fetching state rather than guess.
func (s *Session) Cancelable() (bool, error) {
	now := s.ts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelable.fresh(now, s.cfg.MaxAuthorityAge) {
		return false, ErrStaleAuthority
	}
	return s.cancelable.value, nil
}

// FundableHorizon returns how many more seconds the payer's balance could
// extend the stream by.
func (s *Session) FundableHorizon() (int64, error) {
	return s.horizon(func(f fundability) *big.Int { return f.balance })
}

// ApprovedHorizon returns how many more seconds the payer could extend the
// stream by without a new approval.
func (s *Session) ApprovedHorizon() (int64, error) {
	return s.horizon(func(f fundability) *big.Int {
		if f.allowance.Cmp(f.balance) < 0 {
			return f.allowance
		}
		return f.balance
	})
}

func (s *Session) horizon(amount func(fundability) *big.Int) (int64, error) {
	rec, ok := s.reg.Get(s.id)
	if !ok {
		return 0, ErrStreamUnknown
	}
	now := s.ts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fundable.fresh(now, s.cfg.MaxAuthorityAge) {
		return 0, ErrStaleAuthority
	}
	return rec.SecondsFor(amount(s.fundable.value)), nil
}

// ensureCancelable returns the contract's current answer, re-reading it
// when the cached one is stale.
func (s *Session) ensureCancelable(ctx context.Context) (bool, error) {
	if ok, err := s.Cancelable(); err == nil {
		return ok, nil
	}
	if err := s.RefreshCancelability(ctx, true); err != nil {
		return false, fmt.Errorf("%w: %w", ErrStaleAuthority, err)
	}
	ok, err := s.Cancelable()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// invalidateAuthority drops the cached values after a state change on chain.
func (s *Session) invalidateAuthority() {
	s.mu.Lock()
	s.cancelable.valid = false
	s.fundable.valid = false
	s.mu.Unlock()
}

// pendingTimeLeft adds the optimistic top-up to the time left at now.
func pendingTimeLeft(rec stream.Record, now int64, pending *big.Int) int64 {
	left := rec.TimeLeft(now)
	if pending == nil {
		return left
	}
	extra := rec.SecondsFor(pending)
	if left > stream.MaxDurationSeconds-extra {
		return stream.MaxDurationSeconds
	}
	return left + extra
}
