package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/txn2/mcp-streampay/pkg/registry"
	"github.com/txn2/mcp-streampay/pkg/stream"
)

// Reconcile reads the stream's authoritative snapshot and upserts it into
// the registry. A pending optimistic top-up is dropped once the registry
// shows it.
func (s *Session) Reconcile(ctx context.Context) (registry.UpsertResult, error) {
	return s.reconcile(ctx, false)
}

// reconcileCancelled reconciles after a confirmed cancel. If the read fails
// the stored record is marked cancelled instead, since the receipt already
// proves it.
func (s *Session) reconcileCancelled(ctx context.Context) error {
	if _, err := s.reconcile(ctx, true); err != nil {
		rec, ok := s.reg.Get(s.id)
		if !ok {
			return err
		}
		s.reg.Upsert(rec.WithCancelled())
		return err
	}
	return nil
}

func (s *Session) reconcile(ctx context.Context, cancelled bool) (registry.UpsertResult, error) {
	info, err := s.chain.StreamInfo(ctx, s.id.Creator, s.id.StreamID)
	if err != nil {
		return registry.Rejected, fmt.Errorf("reconciling %s: %w", s.id, err)
	}
	raw := stream.FromStreamInfo(s.id, info)
	if rec, ok := s.reg.Get(s.id); ok && rec.Cancelled {
		raw.Cancelled = true
	}
	raw.Cancelled = raw.Cancelled || cancelled

	res := s.reg.UpsertRaw(raw, s.ts.Now())
	s.settlePending()
	return res, nil
}

// settlePending clears the optimistic top-up once the registry's funding
// covers it, or once the stream is cancelled.
func (s *Session) settlePending() {
	rec, ok := s.reg.Get(s.id)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingFunding == nil {
		return
	}
	target := new(big.Int).Add(s.pendingBase, s.pendingFunding)
	if rec.Cancelled || rec.FundedAmount.Cmp(target) >= 0 {
		s.pendingFunding = nil
		s.pendingBase = nil
	}
}

// Poll reconciles the record and refreshes any stale authority value. It is
// the action a poller runs for a watched session.
func (s *Session) Poll(ctx context.Context) error {
	var errs []error
	if _, err := s.Reconcile(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.RefreshCancelability(ctx, false); err != nil {
		errs = append(errs, err)
	}
	if !s.cfg.Account.IsZero() {
		if err := s.RefreshFundability(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// View is a point-in-time snapshot of everything a client shows for a
// stream. Authority fields are nil while their cached value is stale.
type View struct {
	Identity           stream.Identity      `json:"identity"`
	Known              bool                 `json:"known"`
	Record             *stream.Record       `json:"record,omitempty"`
	State              State                `json:"state"`
	Reconciling        bool                 `json:"reconciling"`
	TimeLeft           int64                `json:"time_left"`
	TotalTime          int64                `json:"total_time"`
	PercentRemaining   float64              `json:"percent_remaining"`
	CancelPhase        stream.CancelPhase   `json:"cancel_phase"`
	FundingStatus      stream.FundingStatus `json:"funding_status"`
	PendingFunding     *big.Int             `json:"pending_funding,omitempty"`
	OptimisticTimeLeft int64                `json:"optimistic_time_left"`
	Cancelable         *bool                `json:"cancelable,omitempty"`
	FundableHorizon    *int64               `json:"fundable_horizon,omitempty"`
	ApprovedHorizon    *int64               `json:"approved_horizon,omitempty"`
	LastError          string               `json:"last_error,omitempty"`
}

// View returns the current snapshot.
func (s *Session) View() View {
	now := s.ts.Now()
	rec, known := s.reg.Get(s.id)

	s.mu.Lock()
	v := View{
		Identity:    s.id,
		Known:       known,
		State:       s.state,
		Reconciling: s.reconciling,
	}
	if s.lastErr != nil {
		v.LastError = s.lastErr.Error()
	}
	var pending *big.Int
	if s.pendingFunding != nil {
		pending = new(big.Int).Set(s.pendingFunding)
	}
	if s.cancelable.fresh(now, s.cfg.MaxAuthorityAge) {
		c := s.cancelable.value
		v.Cancelable = &c
	}
	fund, fundFresh := s.fundable.value, s.fundable.fresh(now, s.cfg.MaxAuthorityAge)
	s.mu.Unlock()

	if !known {
		v.CancelPhase = stream.PhaseNotStarted
		v.FundingStatus = stream.FundingInactive
		return v
	}

	v.Record = &rec
	v.TimeLeft = rec.TimeLeft(now)
	v.TotalTime, _ = rec.TotalTime()
	v.PercentRemaining = rec.PercentRemaining(now)
	v.CancelPhase = rec.CancelPhase(now)
	v.FundingStatus = rec.FundingStatus(now, s.cfg.WarningLevel, s.cfg.CriticalLevel)
	v.PendingFunding = pending
	v.OptimisticTimeLeft = pendingTimeLeft(rec, now, pending)
	if fundFresh {
		fh := rec.SecondsFor(fund.balance)
		approved := fund.allowance
		if fund.balance.Cmp(approved) < 0 {
			approved = fund.balance
		}
		ah := rec.SecondsFor(approved)
		v.FundableHorizon = &fh
		v.ApprovedHorizon = &ah
	}
	return v
}
