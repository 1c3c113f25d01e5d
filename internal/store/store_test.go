package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/foundrylabs/foundry/internal/store"
	"github.com/foundrylabs/foundry/internal/store/storetest"
	"github.com/foundrylabs/foundry/pkg/logger"
)

var testDB *storetest.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	testDB, err = storetest.NewDB(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start test database: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	os.Exit(code)
}

func newTestStore(t *testing.T) (*store.Store, clockwork.Clock) {
	t.Helper()
	pool := storetest.NewTestPool(t, testDB)
	clock := clockwork.NewRealClock()
	s, err := store.New(store.Config{
		Logger: logger.New(false),
		Pool:   pool,
		Clock:  clock,
	})
	require.NoError(t, err)
	return s, clock
}

func wallet(prefix string) string {
	return prefix + uuid.NewString()
}

func TestFoundry_Store_Snapshot(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := t.Context()

	first := store.Snapshot{
		ID:           uuid.New(),
		CreatedAt:    clock.Now().UTC().Add(-time.Minute),
		TotalHolders: 2,
		TotalSupply:  10_000_000,
	}
	walletA := wallet("A")
	walletB := wallet("B")
	err := s.InsertSnapshot(ctx, first, []store.Balance{
		{Wallet: walletA, Balance: 100_000},
		{Wallet: walletB, Balance: 9_900_000},
	})
	require.NoError(t, err)

	second := store.Snapshot{
		ID:           uuid.New(),
		CreatedAt:    clock.Now().UTC(),
		TotalHolders: 1,
		TotalSupply:  5_000_000,
	}
	err = s.InsertSnapshot(ctx, second, []store.Balance{
		{Wallet: walletA, Balance: 5_000_000},
	})
	require.NoError(t, err)

	t.Run("current snapshot is the newest", func(t *testing.T) {
		current, err := s.CurrentSnapshot(ctx)
		require.NoError(t, err)
		require.Equal(t, second.ID, current.ID)
	})

	t.Run("balances are ordered by balance desc", func(t *testing.T) {
		balances, err := s.SnapshotBalances(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, balances, 2)
		require.Equal(t, walletB, balances[0].Wallet)
		require.EqualValues(t, 9_900_000, balances[0].Balance)
	})

	t.Run("wallet rank", func(t *testing.T) {
		balance, rank, err := s.WalletBalance(ctx, first.ID, walletA)
		require.NoError(t, err)
		require.EqualValues(t, 100_000, balance)
		require.Equal(t, 2, rank)

		_, _, err = s.WalletBalance(ctx, first.ID, wallet("missing"))
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("stats reflect the latest snapshot", func(t *testing.T) {
		stats, err := s.SystemStats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.TotalHolders)
		require.NotNil(t, stats.LastSnapshotAt)
	})
}

func TestFoundry_Store_ExcludedWallets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	w := wallet("pool")
	require.NoError(t, s.AddExcludedWallet(ctx, w, "liquidity pool"))

	excluded, err := s.ExcludedWallets(ctx)
	require.NoError(t, err)
	require.Equal(t, "liquidity pool", excluded[w])

	// Re-adding updates the reason instead of failing.
	require.NoError(t, s.AddExcludedWallet(ctx, w, "team"))
	excluded, err = s.ExcludedWallets(ctx)
	require.NoError(t, err)
	require.Equal(t, "team", excluded[w])

	require.NoError(t, s.RemoveExcludedWallet(ctx, w))
	excluded, err = s.ExcludedWallets(ctx)
	require.NoError(t, err)
	require.NotContains(t, excluded, w)
}

func TestFoundry_Store_Buyback_Idempotent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := t.Context()

	sig := "sig-" + uuid.NewString()
	first := store.Buyback{
		ID:           uuid.New(),
		TxSignature:  sig,
		SOLAmount:    1_600_000_000,
		RewardAmount: 42_000_000,
		PricePerUnit: 0.000038,
		CreatedAt:    clock.Now().UTC(),
	}

	recorded, inserted, err := s.InsertBuyback(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, first.ID, recorded.ID)

	// Replaying the same signature returns the existing row and does not
	// double-count stats.
	replay := first
	replay.ID = uuid.New()
	recorded, inserted, err = s.InsertBuyback(ctx, replay)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, first.ID, recorded.ID)

	found, err := s.BuybackBySignature(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
}

func TestFoundry_Store_RevenueEvent_Dedup(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := t.Context()

	sig := "reward-" + uuid.NewString()
	now := clock.Now().UTC()
	event := store.WebhookEvent{
		TxSignature: sig,
		EventType:   "TRANSFER",
		ReceivedAt:  now,
	}
	reward := store.CreatorReward{
		ID:          uuid.New(),
		TxSignature: sig,
		Amount:      5_000_000_000,
		Source:      "pumpfun",
		ReceivedAt:  now,
	}

	inserted, err := s.RecordRevenueEvent(ctx, event, reward)
	require.NoError(t, err)
	require.True(t, inserted)

	// A redelivered signature is a no-op on both tables.
	dup := reward
	dup.ID = uuid.New()
	inserted, err = s.RecordRevenueEvent(ctx, event, dup)
	require.NoError(t, err)
	require.False(t, inserted)

	rewards, err := s.UnprocessedRewards(ctx)
	require.NoError(t, err)

	var matched []store.CreatorReward
	for _, r := range rewards {
		if r.TxSignature == sig {
			matched = append(matched, r)
		}
	}
	require.Len(t, matched, 1)

	require.NoError(t, s.MarkRewardsProcessed(ctx, []uuid.UUID{reward.ID}))
	rewards, err = s.UnprocessedRewards(ctx)
	require.NoError(t, err)
	for _, r := range rewards {
		require.NotEqual(t, sig, r.TxSignature)
	}
}

func TestFoundry_Store_DistributionLock(t *testing.T) {
	pool := storetest.NewTestPool(t, testDB)
	clock := clockwork.NewFakeClockAt(time.Now().UTC())
	s, err := store.New(store.Config{
		Logger: logger.New(false),
		Pool:   pool,
		Clock:  clock,
	})
	require.NoError(t, err)
	ctx := t.Context()

	acquired, err := s.AcquireLock(ctx, "worker-1", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	t.Run("live lease blocks other holders", func(t *testing.T) {
		acquired, err := s.AcquireLock(ctx, "worker-2", 10*time.Minute)
		require.NoError(t, err)
		require.False(t, acquired)
	})

	t.Run("expired lease is reclaimable", func(t *testing.T) {
		clock.Advance(11 * time.Minute)
		acquired, err := s.AcquireLock(ctx, "worker-2", 10*time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)
	})

	t.Run("stale holder cannot release a reclaimed lease", func(t *testing.T) {
		require.NoError(t, s.ReleaseLock(ctx, "worker-1"))

		// worker-2 still holds it.
		acquired, err := s.AcquireLock(ctx, "worker-3", 10*time.Minute)
		require.NoError(t, err)
		require.False(t, acquired)
	})

	t.Run("release frees the lease", func(t *testing.T) {
		require.NoError(t, s.ReleaseLock(ctx, "worker-2"))
		acquired, err := s.AcquireLock(ctx, "worker-3", 10*time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)
		require.NoError(t, s.ReleaseLock(ctx, "worker-3"))
	})
}

func TestFoundry_Store_Distribution_Commit(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := t.Context()

	walletA := wallet("A")
	walletB := wallet("B")
	sigA := "tx-" + uuid.NewString()

	dist := store.Distribution{
		ID:             uuid.New(),
		PoolAmount:     100_000,
		PoolValueUSD:   250.0,
		TotalSupply:    10_000_000,
		RecipientCount: 2,
		TriggerType:    "scheduled",
		CreatedAt:      clock.Now().UTC(),
	}
	recipients := []store.DistributionRecipient{
		{Wallet: walletA, Balance: 100_000, AmountReceived: 1_000, TxSignature: &sigA},
		{Wallet: walletB, Balance: 9_900_000, AmountReceived: 0, TxSignature: nil},
	}

	before, err := s.SystemStats(ctx)
	require.NoError(t, err)

	require.NoError(t, s.CommitDistribution(ctx, dist, recipients))

	t.Run("stats count only amounts actually paid", func(t *testing.T) {
		stats, err := s.SystemStats(ctx)
		require.NoError(t, err)
		// walletB failed and received nothing, so the pool amount is not
		// what lands in the counter.
		require.Equal(t, before.TotalDistributed+1_000, stats.TotalDistributed)
		require.NotNil(t, stats.LastDistributionAt)
	})

	t.Run("last distribution", func(t *testing.T) {
		last, err := s.LastDistribution(ctx)
		require.NoError(t, err)
		require.Equal(t, dist.ID, last.ID)
	})

	t.Run("wallet history", func(t *testing.T) {
		history, err := s.WalletHistory(ctx, walletA, 10, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.EqualValues(t, 1_000, history[0].AmountReceived)
		require.NotNil(t, history[0].TxSignature)
	})

	t.Run("failed recipient reconciliation", func(t *testing.T) {
		failed, err := s.FailedRecipients(ctx)
		require.NoError(t, err)

		var found bool
		for _, r := range failed {
			if r.Wallet == walletB {
				found = true
			}
		}
		require.True(t, found, "walletB should be pending reconciliation")

		sigB := "tx-" + uuid.NewString()
		require.NoError(t, s.MarkRecipientPaid(ctx, dist.ID, walletB, 99_000, sigB))

		// A second reconciliation attempt finds nothing to update.
		err = s.MarkRecipientPaid(ctx, dist.ID, walletB, 99_000, sigB)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("reconciliation bumps the distributed total once", func(t *testing.T) {
		stats, err := s.SystemStats(ctx)
		require.NoError(t, err)
		require.Equal(t, before.TotalDistributed+100_000, stats.TotalDistributed)
	})
}
