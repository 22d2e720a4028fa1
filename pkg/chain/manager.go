package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// Contract method names used by Manager.
const (
	MethodStreams         = "streams"
	MethodIsCancelable    = "stream_is_cancelable"
	MethodTimeLeft        = "time_left"
	MethodOwner           = "owner"
	MethodMinStreamLife   = "MIN_STREAM_LIFE"
	MethodNumStreams      = "num_streams"
	MethodTokenIsAccepted = "token_is_accepted"
	MethodCreateStream    = "create_stream"
	MethodAddFunds        = "add_funds"
	MethodCancelStream    = "cancel_stream"
	MethodERC20Allowance  = "allowance"
	MethodERC20BalanceOf  = "balanceOf"
	MethodERC20Approve    = "approve"
	MethodERC20Decimals   = "decimals"
)

// Manager is a typed facade over a StreamManager contract deployment.
type Manager struct {
	client  ContractClient
	address Address
}

// NewManager creates a Manager bound to the contract at address.
func NewManager(client ContractClient, address Address) *Manager {
	return &Manager{client: client, address: address}
}

// Address returns the manager contract address.
func (m *Manager) Address() Address { return m.address }

// StreamInfo reads the authoritative snapshot of a stream.
func (m *Manager) StreamInfo(ctx context.Context, creator Address, streamID uint64) (*StreamInfo, error) {
	v, err := m.client.Read(ctx, m.address, MethodStreams, creator, streamID)
	if err != nil {
		return nil, fmt.Errorf("reading stream %s/%d: %w", creator, streamID, err)
	}
	switch info := v.(type) {
	case StreamInfo:
		return &info, nil
	case *StreamInfo:
		return info, nil
	default:
		return nil, fmt.Errorf("%w: %s returned %T", ErrUnexpectedResult, MethodStreams, v)
	}
}

// IsCancelable reads whether the stream may be cancelled right now.
func (m *Manager) IsCancelable(ctx context.Context, creator Address, streamID uint64) (bool, error) {
	v, err := m.client.Read(ctx, m.address, MethodIsCancelable, creator, streamID)
	if err != nil {
		return false, fmt.Errorf("reading cancelability of %s/%d: %w", creator, streamID, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s returned %T", ErrUnexpectedResult, MethodIsCancelable, v)
	}
	return b, nil
}

// TimeLeft reads the contract's own view of the remaining stream time.
func (m *Manager) TimeLeft(ctx context.Context, creator Address, streamID uint64) (time.Duration, error) {
	v, err := m.readBigInt(ctx, m.address, MethodTimeLeft, creator, streamID)
	if err != nil {
		return 0, err
	}
	return secondsToDuration(v), nil
}

// Owner reads the manager owner.
func (m *Manager) Owner(ctx context.Context) (Address, error) {
	v, err := m.client.Read(ctx, m.address, MethodOwner)
	if err != nil {
		return "", fmt.Errorf("reading owner: %w", err)
	}
	a, ok := v.(Address)
	if !ok {
		return "", fmt.Errorf("%w: %s returned %T", ErrUnexpectedResult, MethodOwner, v)
	}
	return a, nil
}

// MinStreamLife reads the contract-wide minimum stream life.
func (m *Manager) MinStreamLife(ctx context.Context) (time.Duration, error) {
	v, err := m.readBigInt(ctx, m.address, MethodMinStreamLife)
	if err != nil {
		return 0, err
	}
	return secondsToDuration(v), nil
}

// NumStreams reads how many streams creator has opened. It is also the ID the
// creator's next stream will receive.
func (m *Manager) NumStreams(ctx context.Context, creator Address) (uint64, error) {
	v, err := m.readBigInt(ctx, m.address, MethodNumStreams, creator)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s out of range", ErrUnexpectedResult, MethodNumStreams)
	}
	return v.Uint64(), nil
}

// IsAccepted reads whether the manager accepts token for payment.
func (m *Manager) IsAccepted(ctx context.Context, token Address) (bool, error) {
	v, err := m.client.Read(ctx, m.address, MethodTokenIsAccepted, token)
	if err != nil {
		return false, fmt.Errorf("reading token acceptance: %w", err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s returned %T", ErrUnexpectedResult, MethodTokenIsAccepted, v)
	}
	return b, nil
}

// Allowance reads how much of token owner has approved the manager to spend.
func (m *Manager) Allowance(ctx context.Context, token, owner Address) (*big.Int, error) {
	return m.readBigInt(ctx, token, MethodERC20Allowance, owner, m.address)
}

// BalanceOf reads owner's token balance.
func (m *Manager) BalanceOf(ctx context.Context, token, owner Address) (*big.Int, error) {
	return m.readBigInt(ctx, token, MethodERC20BalanceOf, owner)
}

// Decimals reads the token's decimals.
func (m *Manager) Decimals(ctx context.Context, token Address) (uint8, error) {
	v, err := m.readBigInt(ctx, token, MethodERC20Decimals)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() || v.Uint64() > 255 {
		return 0, fmt.Errorf("%w: decimals out of range", ErrUnexpectedResult)
	}
	return uint8(v.Uint64()), nil
}

// Approve submits an ERC20 approval of amount for the manager.
func (m *Manager) Approve(ctx context.Context, from, token Address, amount *big.Int) (TxHash, error) {
	tx, err := m.client.Write(ctx, from, token, MethodERC20Approve, m.address, amount)
	if err != nil {
		return "", fmt.Errorf("submitting approval: %w", err)
	}
	return tx, nil
}

// CreateRequest describes a new stream.
type CreateRequest struct {
	Token           Address
	AmountPerSecond *big.Int
	FundedAmount    *big.Int
	Reason          []byte
	// StartTime is a unix timestamp; zero starts the stream when mined.
	StartTime int64
}

// CreateStream checks the request against the manager's rules and the
// payer's balance and allowance, then submits it. It returns the transaction
// and the stream ID the new stream will receive.
func (m *Manager) CreateStream(ctx context.Context, from Address, req CreateRequest) (TxHash, uint64, error) {
	if req.AmountPerSecond == nil || req.AmountPerSecond.Sign() <= 0 {
		return "", 0, ErrInvalidRate
	}
	accepted, err := m.IsAccepted(ctx, req.Token)
	if err != nil {
		return "", 0, err
	}
	if !accepted {
		return "", 0, fmt.Errorf("%w: %s", ErrTokenNotAccepted, req.Token)
	}

	funded := req.FundedAmount
	if funded == nil {
		funded = new(big.Int)
	}

	minLife, err := m.MinStreamLife(ctx)
	if err != nil {
		return "", 0, err
	}
	life := secondsToDuration(new(big.Int).Quo(funded, req.AmountPerSecond))
	if life < minLife {
		return "", 0, &StreamLifeInsufficientError{StreamLife: life, MinStreamLife: minLife}
	}

	balance, err := m.BalanceOf(ctx, req.Token, from)
	if err != nil {
		return "", 0, err
	}
	allowance, err := m.Allowance(ctx, req.Token, from)
	if err != nil {
		return "", 0, err
	}
	if minBig(balance, allowance).Cmp(funded) < 0 {
		return "", 0, fmt.Errorf("%w: approve %s for at least %s", ErrNotEnoughAllowance, m.address, funded)
	}

	// Must be read before submission; creation increments the counter.
	streamID, err := m.NumStreams(ctx, from)
	if err != nil {
		return "", 0, err
	}

	tx, err := m.client.Write(ctx, from, m.address, MethodCreateStream,
		req.Token, req.AmountPerSecond, funded, req.Reason, req.StartTime)
	if err != nil {
		return "", 0, fmt.Errorf("submitting stream creation: %w", err)
	}
	return tx, streamID, nil
}

// AddFunds submits a top-up of amount to the stream.
func (m *Manager) AddFunds(ctx context.Context, from, creator Address, streamID uint64, amount *big.Int) (TxHash, error) {
	tx, err := m.client.Write(ctx, from, m.address, MethodAddFunds, creator, streamID, amount)
	if err != nil {
		return "", fmt.Errorf("submitting top-up: %w", err)
	}
	return tx, nil
}

// CancelStream submits a cancellation.
func (m *Manager) CancelStream(ctx context.Context, from, creator Address, streamID uint64, reason []byte) (TxHash, error) {
	tx, err := m.client.Write(ctx, from, m.address, MethodCancelStream, creator, streamID, reason)
	if err != nil {
		return "", fmt.Errorf("submitting cancellation: %w", err)
	}
	return tx, nil
}

// WaitMined waits for tx and converts a failed receipt into ErrReverted.
func (m *Manager) WaitMined(ctx context.Context, tx TxHash) (*Receipt, error) {
	receipt, err := m.client.WaitMined(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx)
	}
	return receipt, nil
}

func (m *Manager) readBigInt(ctx context.Context, contract Address, method string, args ...any) (*big.Int, error) {
	v, err := m.client.Read(ctx, contract, method, args...)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", method, err)
	}
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("%w: %s returned nil", ErrUnexpectedResult, method)
		}
		return n, nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case int64:
		return big.NewInt(n), nil
	default:
		return nil, fmt.Errorf("%w: %s returned %T", ErrUnexpectedResult, method, v)
	}
}

// maxDurationSeconds is the largest whole-second count a time.Duration holds.
const maxDurationSeconds = int64(1<<63-1) / int64(time.Second)

func secondsToDuration(v *big.Int) time.Duration {
	if v.Sign() <= 0 {
		return 0
	}
	if !v.IsInt64() || v.Int64() > maxDurationSeconds {
		return time.Duration(maxDurationSeconds) * time.Second
	}
	return time.Duration(v.Int64()) * time.Second
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}
