package distribution

import (
	"math/big"
	"sort"

	"github.com/foundrylabs/foundry/internal/store"
)

// Share is one holder's computed payout for a cycle.
type Share struct {
	Wallet  string
	Balance int64
	Amount  int64
}

// ComputeShares splits poolAmount across holders proportionally to
// their snapshot balances, in integer base units. Each holder gets the
// floor of pool*balance/supply; the leftover units are then handed out
// one at a time in holder order (largest balance first, wallet as the
// tiebreak), so the amounts sum to exactly poolAmount and equal
// balances always receive amounts within one unit of each other.
// Zero-amount holders are dropped.
func ComputeShares(poolAmount int64, balances []store.Balance) []Share {
	if poolAmount <= 0 || len(balances) == 0 {
		return nil
	}

	var totalSupply int64
	for _, b := range balances {
		totalSupply += b.Balance
	}
	if totalSupply <= 0 {
		return nil
	}

	sorted := make([]store.Balance, len(balances))
	copy(sorted, balances)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Balance != sorted[j].Balance {
			return sorted[i].Balance > sorted[j].Balance
		}
		return sorted[i].Wallet < sorted[j].Wallet
	})

	// Products can exceed int64 (pool and balances are both base-unit
	// amounts), so the per-holder floor runs through big.Int.
	pool := big.NewInt(poolAmount)
	supply := big.NewInt(totalSupply)

	shares := make([]Share, len(sorted))
	var allocated int64
	for i, b := range sorted {
		amount := new(big.Int).Mul(pool, big.NewInt(b.Balance))
		amount.Quo(amount, supply)
		shares[i] = Share{Wallet: b.Wallet, Balance: b.Balance, Amount: amount.Int64()}
		allocated += shares[i].Amount
	}

	remainder := poolAmount - allocated
	for i := 0; remainder > 0; i = (i + 1) % len(shares) {
		shares[i].Amount++
		remainder--
	}

	out := shares[:0]
	for _, s := range shares {
		if s.Amount > 0 {
			out = append(out, s)
		}
	}
	return out
}

// FloorShare is pool*balance/supply without the remainder pass, through
// big.Int because the product can exceed int64. It is the owed amount
// for reconciliation and the pending-payout estimate on the read API.
func FloorShare(pool, balance, supply int64) int64 {
	if supply <= 0 {
		return 0
	}
	amount := new(big.Int).Mul(big.NewInt(pool), big.NewInt(balance))
	amount.Quo(amount, big.NewInt(supply))
	return amount.Int64()
}
