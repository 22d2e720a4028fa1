package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/txn2/mcp-streampay/pkg/audit"
	"github.com/txn2/mcp-streampay/pkg/chain"
)

// RequestCancel submits a cancel for the stream and waits for it to be
// mined. It is accepted only from Idle, and only when the contract's
// cancelability answer is fresh and true; a stale answer is re-read first.
// Concurrent calls submit at most once.
func (s *Session) RequestCancel(ctx context.Context, reason []byte) Outcome {
	started := s.ts.Clock().Now()
	if _, rej := s.begin(StateCancelling); rej != nil {
		return *rej
	}

	ok, err := s.ensureCancelable(ctx)
	if err != nil {
		return s.finish(audit.OperationCancel, started, nil, rejected(err))
	}
	if !ok {
		return s.finish(audit.OperationCancel, started, nil, rejected(ErrNotCancelable))
	}

	tx, err := s.chain.CancelStream(ctx, s.cfg.Account, s.id.Creator, s.id.StreamID, reason)
	if err != nil {
		return s.finish(audit.OperationCancel, started, nil, failed("", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)))
	}

	w := s.watch(tx)
	if err := s.confirm(ctx, w); err != nil {
		if errors.Is(err, ErrTimeout) {
			s.reconcileInBackground(w, true)
		}
		return s.finish(audit.OperationCancel, started, nil, failed(tx, err))
	}

	s.invalidateAuthority()
	if err := s.reconcileCancelled(ctx); err != nil {
		s.cfg.Logger.Warn("reconciling cancelled stream", "stream", s.id.String(), "tx", tx, "error", err)
	}
	return s.finish(audit.OperationCancel, started, nil, Outcome{Status: StatusCancelled, TxHash: tx})
}

// RequestFund extends the stream by additionalSeconds. If the payer's
// allowance does not cover the top-up an approval is submitted and
// confirmed first. While the top-up is in flight View reports it as an
// optimistic pending amount; the registry only changes from an
// authoritative read.
func (s *Session) RequestFund(ctx context.Context, additionalSeconds int64) Outcome {
	started := s.ts.Clock().Now()
	if additionalSeconds <= 0 {
		o := rejected(ErrInvalidAmount)
		s.audit(audit.OperationFund, started, nil, o)
		return o
	}
	rec, rej := s.begin(StateApproving)
	if rej != nil {
		return *rej
	}
	amount := rec.AmountFor(additionalSeconds)

	allowance, err := s.chain.Allowance(ctx, rec.Token, s.cfg.Account)
	if err != nil {
		return s.finish(audit.OperationFund, started, amount, failed("", fmt.Errorf("checking allowance: %w", err)))
	}
	if allowance.Cmp(amount) < 0 {
		if o, ok := s.approve(ctx, rec.Token, amount); !ok {
			return s.finish(audit.OperationApprove, started, amount, o)
		}
	}

	s.mu.Lock()
	s.state = StateFunding
	s.pendingFunding = new(big.Int).Set(amount)
	s.pendingBase = new(big.Int).Set(rec.FundedAmount)
	s.mu.Unlock()

	tx, err := s.chain.AddFunds(ctx, s.cfg.Account, s.id.Creator, s.id.StreamID, amount)
	if err != nil {
		s.clearPending()
		return s.finish(audit.OperationFund, started, amount, failed("", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)))
	}

	w := s.watch(tx)
	if err := s.confirm(ctx, w); err != nil {
		if errors.Is(err, ErrTimeout) {
			s.reconcileInBackground(w, false)
		} else {
			s.clearPending()
		}
		return s.finish(audit.OperationFund, started, amount, failed(tx, err))
	}

	s.invalidateAuthority()
	if _, err := s.Reconcile(ctx); err != nil {
		s.cfg.Logger.Warn("reconciling funded stream", "stream", s.id.String(), "tx", tx, "error", err)
	}
	return s.finish(audit.OperationFund, started, amount, Outcome{Status: StatusFunded, TxHash: tx})
}

// approve raises the allowance to amount and waits for it. ok is false when
// the request must stop with o.
func (s *Session) approve(ctx context.Context, token chain.Address, amount *big.Int) (o Outcome, ok bool) {
	tx, err := s.chain.Approve(ctx, s.cfg.Account, token, amount)
	if err != nil {
		return failed("", fmt.Errorf("%w: approval: %w", ErrSubmissionFailed, err)), false
	}
	w := s.watch(tx)
	if err := s.confirm(ctx, w); err != nil {
		if errors.Is(err, ErrTimeout) {
			s.reconcileInBackground(w, false)
		}
		return failed(tx, fmt.Errorf("approval: %w", err)), false
	}
	s.mu.Lock()
	s.fundable.valid = false
	s.mu.Unlock()
	return Outcome{}, true
}

func (s *Session) clearPending() {
	s.mu.Lock()
	s.pendingFunding = nil
	s.pendingBase = nil
	s.mu.Unlock()
}

type receiptResult struct {
	receipt *chain.Receipt
	err     error
}

// watcher follows one submitted transaction. The receipt wait outlives the
// caller's context so a timed out request can still be settled.
type watcher struct {
	tx     chain.TxHash
	result chan receiptResult
	cancel context.CancelFunc
}

func (s *Session) watch(tx chain.TxHash) *watcher {
	ctx, cancel := context.WithCancel(s.bgCtx)
	w := &watcher{tx: tx, result: make(chan receiptResult, 1), cancel: cancel}
	go func() {
		r, err := s.chain.WaitMined(ctx, tx)
		w.result <- receiptResult{receipt: r, err: err}
	}()
	return w
}

// confirm waits up to ConfirmTimeout for w. A revert is ErrSubmissionFailed;
// running out of time, the caller's context ending, or a wait error that
// says nothing about the outcome is ErrTimeout.
func (s *Session) confirm(ctx context.Context, w *watcher) error {
	select {
	case r := <-w.result:
		if r.err == nil {
			w.cancel()
			return nil
		}
		if errors.Is(r.err, chain.ErrReverted) {
			w.cancel()
			return fmt.Errorf("%w: %w", ErrSubmissionFailed, r.err)
		}
		// Put it back for the background reconciler.
		w.result <- r
		return fmt.Errorf("%w: %w", ErrTimeout, r.err)
	case <-s.ts.Clock().After(s.cfg.ConfirmTimeout):
		return ErrTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// reconcileInBackground keeps waiting for w after the caller gave up, then
// re-reads the stream. New requests are refused until it finishes.
func (s *Session) reconcileInBackground(w *watcher, cancelled bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		w.cancel()
		return
	}
	s.reconciling = true
	s.wg.Add(1)
	s.mu.Unlock()

	log := s.cfg.Logger.With("stream", s.id.String(), "tx", w.tx)
	log.Info("confirmation timed out, reconciling in background")

	go func() {
		defer s.wg.Done()
		defer w.cancel()
		defer func() {
			s.mu.Lock()
			s.reconciling = false
			s.mu.Unlock()
		}()

		mined := false
		select {
		case r := <-w.result:
			mined = r.err == nil
			if r.err != nil {
				log.Warn("receipt wait failed", "error", r.err)
			}
		case <-s.ts.Clock().After(s.cfg.ReconcileTimeout):
			log.Warn("receipt not seen before reconcile timeout")
		case <-s.bgCtx.Done():
			return
		}

		s.invalidateAuthority()
		var err error
		if mined && cancelled {
			err = s.reconcileCancelled(s.bgCtx)
		} else {
			_, err = s.Reconcile(s.bgCtx)
		}
		if err != nil {
			log.Warn("background reconcile failed", "error", err)
			return
		}
		if !mined {
			// Nothing confirmed the top-up; drop the optimistic amount.
			s.clearPending()
		}
		log.Info("background reconcile complete", "mined", mined)
	}()
}
