// Package simulated provides an in-memory StreamManager deployment that
// implements every chain collaborator. It enforces the contract's rules so
// the accounting core can be exercised end to end without a node.
package simulated

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/txn2/mcp-streampay/pkg/chain"
)

var (
	// ErrUnknownMethod is returned for a method the simulation does not model.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrUnknownStream is returned for a stream that was never created.
	ErrUnknownStream = errors.New("stream does not exist")
	// ErrUnknownTx is returned by WaitMined for a hash it never issued.
	ErrUnknownTx = errors.New("unknown transaction")
	// ErrNotCancelable is returned when a cancel violates the minimum life.
	ErrNotCancelable = errors.New("stream is not cancelable")
	// ErrUnauthorized is returned when the sender may not act on a stream.
	ErrUnauthorized = errors.New("sender not authorized")
	// ErrInsufficientBalance is returned when a transfer exceeds a balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBadArgs is returned when call arguments have the wrong shape.
	ErrBadArgs = errors.New("bad call arguments")
)

type streamKey struct {
	creator  chain.Address
	streamID uint64
}

type streamState struct {
	token         chain.Address
	rate          *big.Int
	maxStreamLife int64
	funded        *big.Int
	start         int64
	lastPull      int64
	reason        []byte
	cancelled     bool
}

type allowanceKey struct {
	owner, spender chain.Address
}

type token struct {
	decimals   uint8
	balances   map[chain.Address]*big.Int
	allowances map[allowanceKey]*big.Int
}

// Backend is a simulated chain holding one StreamManager and any number of
// ERC20 tokens. It implements chain.ContractClient, chain.LogReader and
// chain.EventWatcher.
type Backend struct {
	clock   clock.Clock
	manager chain.Address
	owner   chain.Address

	mu            sync.Mutex
	minStreamLife int64
	accepted      map[chain.Address]bool
	tokens        map[chain.Address]*token
	streams       map[streamKey]*streamState
	numStreams    map[chain.Address]uint64

	block    uint64
	txCount  uint64
	logs     []chain.Log
	receipts map[chain.TxHash]*chain.Receipt
	subs     map[*subscription]struct{}

	failNextWrite error
	failReads     error
	revertNext    bool
	held          chan struct{}
	writes        map[string]int
}

// New creates a Backend whose manager is at manager and owned by owner.
// Block timestamps come from clk.
func New(clk clock.Clock, manager, owner chain.Address, minStreamLife time.Duration) *Backend {
	return &Backend{
		clock:         clk,
		manager:       manager,
		owner:         owner,
		minStreamLife: int64(minStreamLife / time.Second),
		accepted:      make(map[chain.Address]bool),
		tokens:        make(map[chain.Address]*token),
		streams:       make(map[streamKey]*streamState),
		numStreams:    make(map[chain.Address]uint64),
		receipts:      make(map[chain.TxHash]*chain.Receipt),
		subs:          make(map[*subscription]struct{}),
		writes:        make(map[string]int),
	}
}

// Manager returns the manager contract address.
func (b *Backend) Manager() chain.Address { return b.manager }

// AddToken deploys an ERC20 at addr and sets whether the manager accepts it.
func (b *Backend) AddToken(addr chain.Address, decimals uint8, accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[addr] = &token{
		decimals:   decimals,
		balances:   make(map[chain.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
	b.accepted[addr] = accepted
}

// Mint credits amount of tokenAddr to to.
func (b *Backend) Mint(tokenAddr, to chain.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok := b.tokens[tokenAddr]
	if tok == nil {
		return
	}
	tok.balances[to] = new(big.Int).Add(balance(tok.balances, to), amount)
}

// FailNextWrite makes the next Write return err without changing state.
func (b *Backend) FailNextWrite(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNextWrite = err
}

// FailReads makes every Read return err until called again with nil.
func (b *Backend) FailReads(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReads = err
}

// RevertNext makes the next Write mine with a failed receipt and no state
// change.
func (b *Backend) RevertNext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revertNext = true
}

// HoldReceipts makes WaitMined block until ReleaseReceipts is called.
// Writes still apply immediately.
func (b *Backend) HoldReceipts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.held == nil {
		b.held = make(chan struct{})
	}
}

// ReleaseReceipts unblocks every WaitMined held by HoldReceipts.
func (b *Backend) ReleaseReceipts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.held != nil {
		close(b.held)
		b.held = nil
	}
}

// Writes returns how many times method has been submitted, including
// failed submissions.
func (b *Backend) Writes(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes[method]
}

// BlockNumber returns the latest block.
func (b *Backend) BlockNumber() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block
}

// Read implements chain.ContractClient.
func (b *Backend) Read(ctx context.Context, contract chain.Address, method string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failReads != nil {
		return nil, b.failReads
	}
	if contract == b.manager {
		return b.readManager(method, args)
	}
	tok, ok := b.tokens[contract]
	if !ok {
		return nil, fmt.Errorf("no contract at %s", contract)
	}
	return b.readToken(tok, method, args)
}

func (b *Backend) readManager(method string, args []any) (any, error) {
	now := b.now()
	switch method {
	case chain.MethodOwner:
		return b.owner, nil
	case chain.MethodMinStreamLife:
		return big.NewInt(b.minStreamLife), nil
	case chain.MethodTokenIsAccepted:
		tok, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		return b.accepted[tok], nil
	case chain.MethodNumStreams:
		creator, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		return new(big.Int).SetUint64(b.numStreams[creator]), nil
	case chain.MethodStreams, chain.MethodIsCancelable, chain.MethodTimeLeft:
		s, err := b.streamArg(args)
		if err != nil {
			return nil, err
		}
		switch method {
		case chain.MethodStreams:
			return chain.StreamInfo{
				Token:           s.token,
				AmountPerSecond: new(big.Int).Set(s.rate),
				MaxStreamLife:   big.NewInt(s.maxStreamLife),
				FundedAmount:    new(big.Int).Set(s.funded),
				StartTime:       big.NewInt(s.start),
				LastPull:        big.NewInt(s.lastPull),
				Reason:          bytes.Clone(s.reason),
			}, nil
		case chain.MethodIsCancelable:
			return s.cancelable(now), nil
		default:
			return big.NewInt(s.timeLeft(now)), nil
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (b *Backend) readToken(tok *token, method string, args []any) (any, error) {
	switch method {
	case chain.MethodERC20BalanceOf:
		owner, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		return new(big.Int).Set(balance(tok.balances, owner)), nil
	case chain.MethodERC20Allowance:
		owner, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		spender, err := argAddress(args, 1)
		if err != nil {
			return nil, err
		}
		return new(big.Int).Set(balance(tok.allowances, allowanceKey{owner, spender})), nil
	case chain.MethodERC20Decimals:
		return big.NewInt(int64(tok.decimals)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

// Write implements chain.ContractClient. State changes apply as soon as the
// call is accepted; a rule violation is returned as a submission error.
func (b *Backend) Write(ctx context.Context, from, contract chain.Address, method string, args ...any) (chain.TxHash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.writes[method]++
	if err := b.failNextWrite; err != nil {
		b.failNextWrite = nil
		return "", err
	}

	b.txCount++
	tx := chain.TxHash(fmt.Sprintf("0x%064x", b.txCount))

	if b.revertNext {
		b.revertNext = false
		b.mine(tx, false)
		return tx, nil
	}

	var (
		logs []chain.Log
		err  error
	)
	if contract == b.manager {
		logs, err = b.writeManager(from, method, args)
	} else if tok, ok := b.tokens[contract]; ok {
		err = writeToken(tok, from, method, args)
	} else {
		err = fmt.Errorf("no contract at %s", contract)
	}
	if err != nil {
		return "", err
	}

	block := b.mine(tx, true)
	for i := range logs {
		logs[i].Manager = b.manager
		logs[i].BlockNumber = block
		logs[i].LogIndex = uint(i)
		logs[i].TxHash = tx
		b.emit(logs[i])
	}
	return tx, nil
}

func (b *Backend) writeManager(from chain.Address, method string, args []any) ([]chain.Log, error) {
	now := b.now()
	switch method {
	case chain.MethodCreateStream:
		return b.createStream(from, now, args)
	case chain.MethodAddFunds:
		key, err := streamKeyArgs(args)
		if err != nil {
			return nil, err
		}
		amount, err := argBig(args, 2)
		if err != nil {
			return nil, err
		}
		s, ok := b.streams[key]
		if !ok {
			return nil, ErrUnknownStream
		}
		if s.cancelled {
			return nil, fmt.Errorf("%w: stream cancelled", ErrUnauthorized)
		}
		if err := b.transferFrom(s.token, from, amount); err != nil {
			return nil, err
		}
		s.funded.Add(s.funded, amount)
		return []chain.Log{{Event: chain.EventStreamFunded, Creator: key.creator, StreamID: key.streamID}}, nil
	case chain.MethodCancelStream:
		key, err := streamKeyArgs(args)
		if err != nil {
			return nil, err
		}
		s, ok := b.streams[key]
		if !ok {
			return nil, ErrUnknownStream
		}
		if from != key.creator && from != b.owner {
			return nil, ErrUnauthorized
		}
		if !s.cancelable(now) {
			return nil, ErrNotCancelable
		}
		unlocked := s.unlocked(now)
		refund := new(big.Int).Sub(s.funded, unlocked)
		tok := b.tokens[s.token]
		tok.balances[key.creator] = new(big.Int).Add(balance(tok.balances, key.creator), refund)
		s.funded = unlocked
		s.cancelled = true
		return []chain.Log{{Event: chain.EventStreamCancelled, Creator: key.creator, StreamID: key.streamID}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (b *Backend) createStream(from chain.Address, now int64, args []any) ([]chain.Log, error) {
	tokenAddr, err := argAddress(args, 0)
	if err != nil {
		return nil, err
	}
	rate, err := argBig(args, 1)
	if err != nil {
		return nil, err
	}
	funded, err := argBig(args, 2)
	if err != nil {
		return nil, err
	}
	reason, _ := argAt[[]byte](args, 3)
	start, _ := argAt[int64](args, 4)

	if !b.accepted[tokenAddr] {
		return nil, chain.ErrTokenNotAccepted
	}
	if rate.Sign() <= 0 {
		return nil, chain.ErrInvalidRate
	}
	if life := new(big.Int).Quo(funded, rate); life.Cmp(big.NewInt(b.minStreamLife)) < 0 {
		return nil, &chain.StreamLifeInsufficientError{
			StreamLife:    time.Duration(life.Int64()) * time.Second,
			MinStreamLife: time.Duration(b.minStreamLife) * time.Second,
		}
	}
	if err := b.transferFrom(tokenAddr, from, funded); err != nil {
		return nil, err
	}
	if start < now {
		start = now
	}

	id := b.numStreams[from]
	b.numStreams[from] = id + 1
	b.streams[streamKey{from, id}] = &streamState{
		token:         tokenAddr,
		rate:          new(big.Int).Set(rate),
		maxStreamLife: b.minStreamLife,
		funded:        new(big.Int).Set(funded),
		start:         start,
		lastPull:      start,
		reason:        bytes.Clone(reason),
	}
	return []chain.Log{{Event: chain.EventStreamCreated, Creator: from, StreamID: id}}, nil
}

// transferFrom moves amount of tokenAddr from payer to the manager, spending
// the manager's allowance.
func (b *Backend) transferFrom(tokenAddr, payer chain.Address, amount *big.Int) error {
	tok, ok := b.tokens[tokenAddr]
	if !ok {
		return chain.ErrTokenNotAccepted
	}
	key := allowanceKey{payer, b.manager}
	allowance := balance(tok.allowances, key)
	if allowance.Cmp(amount) < 0 {
		return chain.ErrNotEnoughAllowance
	}
	bal := balance(tok.balances, payer)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	tok.allowances[key] = new(big.Int).Sub(allowance, amount)
	tok.balances[payer] = new(big.Int).Sub(bal, amount)
	tok.balances[b.manager] = new(big.Int).Add(balance(tok.balances, b.manager), amount)
	return nil
}

func writeToken(tok *token, from chain.Address, method string, args []any) error {
	if method != chain.MethodERC20Approve {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	spender, err := argAddress(args, 0)
	if err != nil {
		return err
	}
	amount, err := argBig(args, 1)
	if err != nil {
		return err
	}
	tok.allowances[allowanceKey{from, spender}] = new(big.Int).Set(amount)
	return nil
}

// WaitMined implements chain.ContractClient.
func (b *Backend) WaitMined(ctx context.Context, tx chain.TxHash) (*chain.Receipt, error) {
	b.mu.Lock()
	receipt, ok := b.receipts[tx]
	held := b.held
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTx, tx)
	}
	if held != nil {
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := *receipt
	return &r, nil
}

// FetchLogs implements chain.LogReader.
func (b *Backend) FetchLogs(ctx context.Context, manager chain.Address, event chain.EventKind, fromBlock uint64) ([]chain.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failReads != nil {
		return nil, b.failReads
	}
	var out []chain.Log
	for _, l := range b.logs {
		if l.Manager == manager && l.Event == event && l.BlockNumber >= fromBlock {
			out = append(out, l)
		}
	}
	return out, nil
}

// Subscribe implements chain.EventWatcher. The subscription ends when ctx
// is done or Unsubscribe is called.
func (b *Backend) Subscribe(ctx context.Context, manager chain.Address, event chain.EventKind, filter chain.Filter) (chain.Subscription, error) {
	if manager != b.manager {
		return nil, fmt.Errorf("no manager at %s", manager)
	}
	sub := &subscription{
		backend: b,
		event:   event,
		filter:  filter,
		logs:    make(chan chain.Log, subscriptionBuffer),
		errs:    make(chan error, 1),
		quit:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.quit:
		}
	}()
	return sub, nil
}

// Logs returns every emitted log in order.
func (b *Backend) Logs() []chain.Log {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.logs)
}

// must hold mu.
func (b *Backend) mine(tx chain.TxHash, success bool) uint64 {
	b.block++
	b.receipts[tx] = &chain.Receipt{TxHash: tx, BlockNumber: b.block, Success: success}
	return b.block
}

// must hold mu.
func (b *Backend) emit(l chain.Log) {
	b.logs = append(b.logs, l)
	for sub := range b.subs {
		if sub.event != l.Event || !sub.filter.Matches(l) {
			continue
		}
		select {
		case sub.logs <- l:
		default:
			sub.fail(errSubscriptionOverflow)
		}
	}
}

func (b *Backend) now() int64 {
	return b.clock.Now().Unix()
}

func (b *Backend) streamArg(args []any) (*streamState, error) {
	key, err := streamKeyArgs(args)
	if err != nil {
		return nil, err
	}
	s, ok := b.streams[key]
	if !ok {
		return nil, ErrUnknownStream
	}
	return s, nil
}

func (s *streamState) cancelable(now int64) bool {
	return !s.cancelled && s.start > 0 && now >= s.start+s.maxStreamLife
}

func (s *streamState) unlocked(now int64) *big.Int {
	if now <= s.lastPull {
		return new(big.Int)
	}
	u := new(big.Int).Mul(s.rate, big.NewInt(now-s.lastPull))
	if u.Cmp(s.funded) > 0 {
		u.Set(s.funded)
	}
	return u
}

func (s *streamState) timeLeft(now int64) int64 {
	if s.cancelled {
		return 0
	}
	total := new(big.Int).Quo(s.funded, s.rate).Int64() + s.lastPull - s.start
	elapsed := int64(0)
	if now > s.start {
		elapsed = now - s.start
	}
	return max(total-elapsed, 0)
}

func balance[K comparable](m map[K]*big.Int, k K) *big.Int {
	if v, ok := m[k]; ok {
		return v
	}
	return new(big.Int)
}

func streamKeyArgs(args []any) (streamKey, error) {
	creator, err := argAddress(args, 0)
	if err != nil {
		return streamKey{}, err
	}
	id, err := argAt[uint64](args, 1)
	if err != nil {
		return streamKey{}, err
	}
	return streamKey{creator: creator, streamID: id}, nil
}

func argAddress(args []any, i int) (chain.Address, error) {
	return argAt[chain.Address](args, i)
}

func argBig(args []any, i int) (*big.Int, error) {
	v, err := argAt[*big.Int](args, i)
	if err != nil {
		return nil, err
	}
	if v == nil || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: argument %d must be a non-negative amount", ErrBadArgs, i)
	}
	return v, nil
}

func argAt[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, fmt.Errorf("%w: missing argument %d", ErrBadArgs, i)
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("%w: argument %d is %T, want %T", ErrBadArgs, i, args[i], zero)
	}
	return v, nil
}

// Verify interface compliance.
var (
	_ chain.ContractClient = (*Backend)(nil)
	_ chain.LogReader      = (*Backend)(nil)
	_ chain.EventWatcher   = (*Backend)(nil)
)
