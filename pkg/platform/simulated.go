package platform

import (
	"context"
	"fmt"
	"math/big"

	"github.com/juju/clock"

	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/chain/simulated"
)

// newSimulatedBackend builds an in-memory chain from cfg and opens its seed
// streams. cfg must already be validated.
func newSimulatedBackend(ctx context.Context, clk clock.Clock, cfg ChainConfig) (*simulated.Backend, error) {
	sim := cfg.Simulated
	owner := chain.ZeroAddress
	if sim.Owner != "" {
		owner = chain.MustParseAddress(sim.Owner)
	}
	manager := chain.MustParseAddress(cfg.Manager)

	b := simulated.New(clk, manager, owner, sim.MinStreamLife)
	for _, tok := range sim.Tokens {
		addr := chain.MustParseAddress(tok.Address)
		b.AddToken(addr, tok.Decimals, tok.Accepted)
		for holder, amount := range tok.Balances {
			n, _ := new(big.Int).SetString(amount, 10)
			b.Mint(addr, chain.MustParseAddress(holder), n)
		}
	}

	mgr := chain.NewManager(b, manager)
	for i, st := range sim.Streams {
		if err := openSeedStream(ctx, mgr, st); err != nil {
			return nil, fmt.Errorf("seed stream %d: %w", i, err)
		}
	}
	return b, nil
}

func openSeedStream(ctx context.Context, mgr *chain.Manager, st SimulatedStream) error {
	creator := chain.MustParseAddress(st.Creator)
	token := chain.MustParseAddress(st.Token)
	rate, _ := new(big.Int).SetString(st.AmountPerSecond, 10)
	funded, _ := new(big.Int).SetString(st.FundedAmount, 10)

	tx, err := mgr.Approve(ctx, creator, token, funded)
	if err != nil {
		return fmt.Errorf("approving: %w", err)
	}
	if _, err := mgr.WaitMined(ctx, tx); err != nil {
		return fmt.Errorf("approving: %w", err)
	}

	var reason []byte
	if st.Reason != "" {
		reason = []byte(st.Reason)
	}
	tx, _, err = mgr.CreateStream(ctx, creator, chain.CreateRequest{
		Token:           token,
		AmountPerSecond: rate,
		FundedAmount:    funded,
		Reason:          reason,
	})
	if err != nil {
		return fmt.Errorf("creating: %w", err)
	}
	if _, err := mgr.WaitMined(ctx, tx); err != nil {
		return fmt.Errorf("creating: %w", err)
	}
	return nil
}
