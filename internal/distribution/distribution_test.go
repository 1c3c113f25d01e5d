package distribution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/foundrylabs/foundry/internal/distribution"
	"github.com/foundrylabs/foundry/internal/solana"
	"github.com/foundrylabs/foundry/internal/store"
	"github.com/foundrylabs/foundry/pkg/logger"
)

type mockLedger struct {
	GetTokenBalanceFunc    func(ctx context.Context, wallet, mint string) (uint64, error)
	TransferTokenFunc      func(ctx context.Context, fromKey, to, mint string, amount uint64, decimals uint8) (string, error)
	TransferTokenBatchFunc func(ctx context.Context, fromKey, mint string, decimals uint8, transfers []solana.TransferRequest, chunkSize int) ([]solana.TransferResult, error)
}

func (m *mockLedger) GetTokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	return m.GetTokenBalanceFunc(ctx, wallet, mint)
}

func (m *mockLedger) TransferToken(ctx context.Context, fromKey, to, mint string, amount uint64, decimals uint8) (string, error) {
	return m.TransferTokenFunc(ctx, fromKey, to, mint, amount, decimals)
}

func (m *mockLedger) TransferTokenBatch(ctx context.Context, fromKey, mint string, decimals uint8, transfers []solana.TransferRequest, chunkSize int) ([]solana.TransferResult, error) {
	return m.TransferTokenBatchFunc(ctx, fromKey, mint, decimals, transfers, chunkSize)
}

type mockStore struct {
	AcquireLockFunc        func(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	ReleaseLockFunc        func(ctx context.Context, holderID string) error
	CurrentSnapshotFunc    func(ctx context.Context) (*store.Snapshot, error)
	SnapshotBalancesFunc   func(ctx context.Context, snapshotID uuid.UUID) ([]store.Balance, error)
	ExcludedWalletsFunc    func(ctx context.Context) (map[string]string, error)
	CommitDistributionFunc func(ctx context.Context, dist store.Distribution, recipients []store.DistributionRecipient) error
	FailedRecipientsFunc   func(ctx context.Context) ([]store.DistributionRecipient, error)
	DistributionByIDFunc   func(ctx context.Context, id uuid.UUID) (*store.Distribution, error)
	MarkRecipientPaidFunc  func(ctx context.Context, distributionID uuid.UUID, wallet string, amount int64, txSignature string) error
}

func (m *mockStore) AcquireLock(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	return m.AcquireLockFunc(ctx, holderID, ttl)
}

func (m *mockStore) ReleaseLock(ctx context.Context, holderID string) error {
	return m.ReleaseLockFunc(ctx, holderID)
}

func (m *mockStore) CurrentSnapshot(ctx context.Context) (*store.Snapshot, error) {
	return m.CurrentSnapshotFunc(ctx)
}

func (m *mockStore) SnapshotBalances(ctx context.Context, snapshotID uuid.UUID) ([]store.Balance, error) {
	return m.SnapshotBalancesFunc(ctx, snapshotID)
}

func (m *mockStore) ExcludedWallets(ctx context.Context) (map[string]string, error) {
	if m.ExcludedWalletsFunc == nil {
		return nil, nil
	}
	return m.ExcludedWalletsFunc(ctx)
}

func (m *mockStore) CommitDistribution(ctx context.Context, dist store.Distribution, recipients []store.DistributionRecipient) error {
	return m.CommitDistributionFunc(ctx, dist, recipients)
}

func (m *mockStore) FailedRecipients(ctx context.Context) ([]store.DistributionRecipient, error) {
	return m.FailedRecipientsFunc(ctx)
}

func (m *mockStore) DistributionByID(ctx context.Context, id uuid.UUID) (*store.Distribution, error) {
	return m.DistributionByIDFunc(ctx, id)
}

func (m *mockStore) MarkRecipientPaid(ctx context.Context, distributionID uuid.UUID, wallet string, amount int64, txSignature string) error {
	return m.MarkRecipientPaidFunc(ctx, distributionID, wallet, amount, txSignature)
}

func TestFoundry_Distribution_ComputeShares(t *testing.T) {
	t.Parallel()

	t.Run("proportional split", func(t *testing.T) {
		t.Parallel()
		shares := distribution.ComputeShares(1_000, []store.Balance{
			{Wallet: "a", Balance: 600},
			{Wallet: "b", Balance: 300},
			{Wallet: "c", Balance: 100},
		})
		require.Len(t, shares, 3)
		require.EqualValues(t, 600, shares[0].Amount)
		require.EqualValues(t, 300, shares[1].Amount)
		require.EqualValues(t, 100, shares[2].Amount)
	})

	t.Run("one percent holder gets one percent of the pool", func(t *testing.T) {
		t.Parallel()
		shares := distribution.ComputeShares(1_000_000, []store.Balance{
			{Wallet: "whale", Balance: 9_900_000},
			{Wallet: "holder", Balance: 100_000},
		})
		require.Len(t, shares, 2)
		require.Equal(t, "whale", shares[0].Wallet)
		require.EqualValues(t, 990_000, shares[0].Amount)
		require.Equal(t, "holder", shares[1].Wallet)
		require.EqualValues(t, 10_000, shares[1].Amount)
	})

	t.Run("remainder goes to largest holders first", func(t *testing.T) {
		t.Parallel()
		// 100 units across three equal holders: 33 each, remainder 1 to
		// the first in wallet order.
		shares := distribution.ComputeShares(100, []store.Balance{
			{Wallet: "c", Balance: 10},
			{Wallet: "a", Balance: 10},
			{Wallet: "b", Balance: 10},
		})
		require.Len(t, shares, 3)
		require.Equal(t, "a", shares[0].Wallet)
		require.EqualValues(t, 34, shares[0].Amount)
		require.EqualValues(t, 33, shares[1].Amount)
		require.EqualValues(t, 33, shares[2].Amount)
	})

	t.Run("amounts always sum to the pool", func(t *testing.T) {
		t.Parallel()
		balances := []store.Balance{
			{Wallet: "a", Balance: 7},
			{Wallet: "b", Balance: 11},
			{Wallet: "c", Balance: 13},
			{Wallet: "d", Balance: 17},
		}
		for _, pool := range []int64{1, 3, 48, 97, 1_000_003} {
			shares := distribution.ComputeShares(pool, balances)
			var sum int64
			for _, s := range shares {
				sum += s.Amount
			}
			require.Equal(t, pool, sum, "pool=%d", pool)
		}
	})

	t.Run("huge balances do not overflow", func(t *testing.T) {
		t.Parallel()
		shares := distribution.ComputeShares(1_000_000_000_000, []store.Balance{
			{Wallet: "a", Balance: 500_000_000_000_000_000},
			{Wallet: "b", Balance: 500_000_000_000_000_000},
		})
		require.Len(t, shares, 2)
		require.EqualValues(t, 500_000_000_000, shares[0].Amount)
		require.EqualValues(t, 500_000_000_000, shares[1].Amount)
	})

	t.Run("zero-share holders are dropped", func(t *testing.T) {
		t.Parallel()
		shares := distribution.ComputeShares(1, []store.Balance{
			{Wallet: "a", Balance: 1_000_000},
			{Wallet: "b", Balance: 1},
		})
		require.Len(t, shares, 1)
		require.Equal(t, "a", shares[0].Wallet)
		require.EqualValues(t, 1, shares[0].Amount)
	})

	t.Run("empty inputs", func(t *testing.T) {
		t.Parallel()
		require.Nil(t, distribution.ComputeShares(0, []store.Balance{{Wallet: "a", Balance: 1}}))
		require.Nil(t, distribution.ComputeShares(100, nil))
	})
}

func testEngine(t *testing.T, ledger *mockLedger, st *mockStore) *distribution.Engine {
	t.Helper()
	engine, err := distribution.New(distribution.Config{
		Logger:              logger.New(false),
		Ledger:              ledger,
		Store:               st,
		PoolWalletKey:       "pool-key",
		PoolWallet:          "pool-wallet",
		RewardTokenMint:     "reward-mint",
		RewardTokenDecimals: 6,
		HolderID:            "test-holder",
		LockTTL:             10 * time.Minute,
		BatchSize:           20,
		Interval:            time.Hour,
	})
	require.NoError(t, err)
	return engine
}

func TestFoundry_Distribution_RunCycle_LockHeldElsewhere(t *testing.T) {
	t.Parallel()

	st := &mockStore{
		AcquireLockFunc: func(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
			return false, nil
		},
	}
	engine := testEngine(t, &mockLedger{}, st)

	_, err := engine.RunCycle(t.Context(), "manual")
	require.ErrorIs(t, err, distribution.ErrLocked)
}

func TestFoundry_Distribution_RunCycle_ConcurrentCyclesSingleWinner(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	held := false
	commits := 0

	st := &mockStore{
		AcquireLockFunc: func(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			if held {
				return false, nil
			}
			held = true
			return true, nil
		},
		ReleaseLockFunc: func(ctx context.Context, holderID string) error {
			mu.Lock()
			defer mu.Unlock()
			held = false
			return nil
		},
		CurrentSnapshotFunc: func(ctx context.Context) (*store.Snapshot, error) {
			return &store.Snapshot{ID: uuid.New(), TotalSupply: 100}, nil
		},
		SnapshotBalancesFunc: func(ctx context.Context, id uuid.UUID) ([]store.Balance, error) {
			return []store.Balance{{Wallet: "a", Balance: 100}}, nil
		},
		CommitDistributionFunc: func(ctx context.Context, dist store.Distribution, recipients []store.DistributionRecipient) error {
			mu.Lock()
			defer mu.Unlock()
			commits++
			return nil
		},
	}
	ledger := &mockLedger{
		GetTokenBalanceFunc: func(ctx context.Context, wallet, mint string) (uint64, error) {
			return 1_000, nil
		},
		TransferTokenBatchFunc: func(ctx context.Context, fromKey, mint string, decimals uint8, transfers []solana.TransferRequest, chunkSize int) ([]solana.TransferResult, error) {
			// Hold the lease long enough for the second cycle to collide.
			time.Sleep(50 * time.Millisecond)
			results := make([]solana.TransferResult, len(transfers))
			for i, tr := range transfers {
				results[i] = solana.TransferResult{Wallet: tr.Wallet, Amount: tr.Amount, Signature: "sig"}
			}
			return results, nil
		},
	}
	engine := testEngine(t, ledger, st)

	start := make(chan struct{})
	errs := make(chan error, 2)
	for range 2 {
		go func() {
			<-start
			_, err := engine.RunCycle(context.Background(), "scheduled")
			errs <- err
		}()
	}
	close(start)

	var won, locked int
	for range 2 {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, distribution.ErrLocked):
			locked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, locked)
	require.Equal(t, 1, commits)
}

func TestFoundry_Distribution_RunCycle_EmptyPoolSkips(t *testing.T) {
	t.Parallel()

	released := false
	st := &mockStore{
		AcquireLockFunc: func(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
			return true, nil
		},
		ReleaseLockFunc: func(ctx context.Context, holderID string) error {
			released = true
			return nil
		},
		CurrentSnapshotFunc: func(ctx context.Context) (*store.Snapshot, error) {
			return &store.Snapshot{ID: uuid.New(), TotalSupply: 100}, nil
		},
	}
	ledger := &mockLedger{
		GetTokenBalanceFunc: func(ctx context.Context, wallet, mint string) (uint64, error) {
			return 0, nil
		},
	}
	engine := testEngine(t, ledger, st)

	result, err := engine.RunCycle(t.Context(), "scheduled")
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.True(t, released, "lease must be released on skip")
}

func TestFoundry_Distribution_RunCycle_CommitsAfterTransfers(t *testing.T) {
	t.Parallel()

	snapshotID := uuid.New()
	var committed store.Distribution
	var committedRecipients []store.DistributionRecipient
	released := false

	st := &mockStore{
		AcquireLockFunc: func(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
			return true, nil
		},
		ReleaseLockFunc: func(ctx context.Context, holderID string) error {
			released = true
			return nil
		},
		CurrentSnapshotFunc: func(ctx context.Context) (*store.Snapshot, error) {
			return &store.Snapshot{ID: snapshotID, TotalHolders: 2, TotalSupply: 1_000}, nil
		},
		SnapshotBalancesFunc: func(ctx context.Context, id uuid.UUID) ([]store.Balance, error) {
			require.Equal(t, snapshotID, id)
			return []store.Balance{
				{Wallet: "whale", Balance: 750},
				{Wallet: "minnow", Balance: 250},
			}, nil
		},
		CommitDistributionFunc: func(ctx context.Context, dist store.Distribution, recipients []store.DistributionRecipient) error {
			committed = dist
			committedRecipients = recipients
			return nil
		},
	}
	ledger := &mockLedger{
		GetTokenBalanceFunc: func(ctx context.Context, wallet, mint string) (uint64, error) {
			return 100_000, nil
		},
		TransferTokenBatchFunc: func(ctx context.Context, fromKey, mint string, decimals uint8, transfers []solana.TransferRequest, chunkSize int) ([]solana.TransferResult, error) {
			results := make([]solana.TransferResult, len(transfers))
			for i, tr := range transfers {
				results[i] = solana.TransferResult{Wallet: tr.Wallet, Amount: tr.Amount, Signature: "sig-" + tr.Wallet}
				if tr.Wallet == "minnow" {
					// Simulate one failed transfer.
					results[i] = solana.TransferResult{Wallet: tr.Wallet, Amount: tr.Amount, Err: errors.New("blockhash not found")}
				}
			}
			return results, nil
		},
	}
	engine := testEngine(t, ledger, st)

	result, err := engine.RunCycle(t.Context(), "manual")
	require.NoError(t, err)
	require.Equal(t, 1, result.Paid)
	require.Equal(t, 1, result.Failed)
	require.True(t, released)

	require.Equal(t, "manual", committed.TriggerType)
	require.EqualValues(t, 100_000, committed.PoolAmount)
	require.EqualValues(t, 1_000, committed.TotalSupply)
	require.Equal(t, 2, committed.RecipientCount)

	require.Len(t, committedRecipients, 2)
	require.Equal(t, "whale", committedRecipients[0].Wallet)
	require.EqualValues(t, 75_000, committedRecipients[0].AmountReceived)
	require.NotNil(t, committedRecipients[0].TxSignature)

	// The failed recipient is recorded unpaid for reconciliation.
	require.Equal(t, "minnow", committedRecipients[1].Wallet)
	require.EqualValues(t, 0, committedRecipients[1].AmountReceived)
	require.Nil(t, committedRecipients[1].TxSignature)
}

func TestFoundry_Distribution_RunCycle_ExcludesWalletsAddedAfterSnapshot(t *testing.T) {
	t.Parallel()

	snapshotID := uuid.New()
	var committed store.Distribution
	var committedRecipients []store.DistributionRecipient

	st := &mockStore{
		AcquireLockFunc: func(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
			return true, nil
		},
		ReleaseLockFunc: func(ctx context.Context, holderID string) error { return nil },
		CurrentSnapshotFunc: func(ctx context.Context) (*store.Snapshot, error) {
			return &store.Snapshot{ID: snapshotID, TotalHolders: 3, TotalSupply: 2_000}, nil
		},
		SnapshotBalancesFunc: func(ctx context.Context, id uuid.UUID) ([]store.Balance, error) {
			return []store.Balance{
				{Wallet: "lp", Balance: 1_000},
				{Wallet: "whale", Balance: 750},
				{Wallet: "minnow", Balance: 250},
			}, nil
		},
		ExcludedWalletsFunc: func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"lp": "liquidity pool"}, nil
		},
		CommitDistributionFunc: func(ctx context.Context, dist store.Distribution, recipients []store.DistributionRecipient) error {
			committed = dist
			committedRecipients = recipients
			return nil
		},
	}
	ledger := &mockLedger{
		GetTokenBalanceFunc: func(ctx context.Context, wallet, mint string) (uint64, error) {
			return 100_000, nil
		},
		TransferTokenBatchFunc: func(ctx context.Context, fromKey, mint string, decimals uint8, transfers []solana.TransferRequest, chunkSize int) ([]solana.TransferResult, error) {
			results := make([]solana.TransferResult, len(transfers))
			for i, tr := range transfers {
				require.NotEqual(t, "lp", tr.Wallet, "excluded wallet must not be paid")
				results[i] = solana.TransferResult{Wallet: tr.Wallet, Amount: tr.Amount, Signature: "sig"}
			}
			return results, nil
		},
	}
	engine := testEngine(t, ledger, st)

	result, err := engine.RunCycle(t.Context(), "scheduled")
	require.NoError(t, err)
	require.Equal(t, 2, result.Paid)

	// The denominator shrinks to the eligible supply, so the whole pool
	// is still paid out across the remaining holders.
	require.EqualValues(t, 1_000, committed.TotalSupply)
	require.Len(t, committedRecipients, 2)
	require.EqualValues(t, 75_000, committedRecipients[0].AmountReceived)
	require.EqualValues(t, 25_000, committedRecipients[1].AmountReceived)
}

func TestFoundry_Distribution_Preview_DoesNotLockOrTransfer(t *testing.T) {
	t.Parallel()

	snapshotID := uuid.New()
	st := &mockStore{
		AcquireLockFunc: func(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
			t.Fatal("preview must not acquire the lease")
			return false, nil
		},
		CurrentSnapshotFunc: func(ctx context.Context) (*store.Snapshot, error) {
			return &store.Snapshot{ID: snapshotID, TotalSupply: 100}, nil
		},
		SnapshotBalancesFunc: func(ctx context.Context, id uuid.UUID) ([]store.Balance, error) {
			return []store.Balance{{Wallet: "a", Balance: 100}}, nil
		},
	}
	ledger := &mockLedger{
		GetTokenBalanceFunc: func(ctx context.Context, wallet, mint string) (uint64, error) {
			return 5_000, nil
		},
		TransferTokenBatchFunc: func(ctx context.Context, fromKey, mint string, decimals uint8, transfers []solana.TransferRequest, chunkSize int) ([]solana.TransferResult, error) {
			t.Fatal("preview must not transfer")
			return nil, nil
		},
	}
	engine := testEngine(t, ledger, st)

	preview, err := engine.PreviewCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, snapshotID, preview.SnapshotID)
	require.EqualValues(t, 5_000, preview.PoolAmount)
	require.Len(t, preview.Shares, 1)
	require.EqualValues(t, 5_000, preview.Shares[0].Amount)
}

func TestFoundry_Distribution_RunCycle_NoSnapshot(t *testing.T) {
	t.Parallel()

	st := &mockStore{
		AcquireLockFunc: func(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
			return true, nil
		},
		ReleaseLockFunc: func(ctx context.Context, holderID string) error { return nil },
		CurrentSnapshotFunc: func(ctx context.Context) (*store.Snapshot, error) {
			return nil, store.ErrNotFound
		},
	}
	engine := testEngine(t, &mockLedger{}, st)

	_, err := engine.RunCycle(t.Context(), "scheduled")
	require.ErrorIs(t, err, distribution.ErrNoSnapshot)
}

func TestFoundry_Distribution_RetryFailedTransfers(t *testing.T) {
	t.Parallel()

	distID := uuid.New()
	var paidWallets []string

	st := &mockStore{
		FailedRecipientsFunc: func(ctx context.Context) ([]store.DistributionRecipient, error) {
			return []store.DistributionRecipient{
				{DistributionID: distID, Wallet: "minnow", Balance: 250},
				{DistributionID: distID, Wallet: "shrimp", Balance: 0},
			}, nil
		},
		DistributionByIDFunc: func(ctx context.Context, id uuid.UUID) (*store.Distribution, error) {
			require.Equal(t, distID, id)
			return &store.Distribution{ID: distID, PoolAmount: 100_000, TotalSupply: 1_000}, nil
		},
		MarkRecipientPaidFunc: func(ctx context.Context, id uuid.UUID, wallet string, amount int64, sig string) error {
			require.EqualValues(t, 25_000, amount)
			require.Equal(t, "retry-sig", sig)
			return nil
		},
	}
	ledger := &mockLedger{
		TransferTokenFunc: func(ctx context.Context, fromKey, to, mint string, amount uint64, decimals uint8) (string, error) {
			paidWallets = append(paidWallets, to)
			return "retry-sig", nil
		},
	}
	engine := testEngine(t, ledger, st)

	reconciled, err := engine.RetryFailedTransfers(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, reconciled)
	require.Equal(t, []string{"minnow"}, paidWallets)
}
