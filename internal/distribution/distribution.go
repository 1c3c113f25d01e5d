// Package distribution pays the reward pool out to snapshotted holders.
// A cycle is guarded by a database lease so exactly one instance runs
// it, and its audit record commits atomically after every transfer has
// resolved.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/foundrylabs/foundry/internal/metrics"
	"github.com/foundrylabs/foundry/internal/solana"
	"github.com/foundrylabs/foundry/internal/store"
)

var (
	// ErrLocked is returned when another instance holds the cycle lease.
	ErrLocked = errors.New("distribution already in progress")

	// ErrNoSnapshot is returned when no holder snapshot exists yet.
	ErrNoSnapshot = errors.New("no snapshot available")
)

// Ledger is the chain surface the engine needs.
type Ledger interface {
	GetTokenBalance(ctx context.Context, wallet, mint string) (uint64, error)
	TransferToken(ctx context.Context, fromKey, to, mint string, amount uint64, decimals uint8) (string, error)
	TransferTokenBatch(ctx context.Context, fromKey, mint string, decimals uint8, transfers []solana.TransferRequest, chunkSize int) ([]solana.TransferResult, error)
}

// Store is the persistence surface the engine needs.
type Store interface {
	AcquireLock(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, holderID string) error
	CurrentSnapshot(ctx context.Context) (*store.Snapshot, error)
	SnapshotBalances(ctx context.Context, snapshotID uuid.UUID) ([]store.Balance, error)
	ExcludedWallets(ctx context.Context) (map[string]string, error)
	CommitDistribution(ctx context.Context, dist store.Distribution, recipients []store.DistributionRecipient) error
	FailedRecipients(ctx context.Context) ([]store.DistributionRecipient, error)
	DistributionByID(ctx context.Context, id uuid.UUID) (*store.Distribution, error)
	MarkRecipientPaid(ctx context.Context, distributionID uuid.UUID, wallet string, amount int64, txSignature string) error
}

// Notifier publishes engine events to connected clients.
type Notifier interface {
	Publish(event string, payload any)
}

type Config struct {
	Logger   *slog.Logger
	Ledger   Ledger
	Store    Store
	Notifier Notifier
	Clock    clockwork.Clock

	// PoolWalletKey signs the payout transfers; the pool wallet's
	// reward-token balance is what gets distributed.
	PoolWalletKey string
	PoolWallet    string

	RewardTokenMint     string
	RewardTokenDecimals uint8

	// PoolValueUSD prices the pool for the audit record and the
	// readiness flag. Optional; zero when absent.
	PoolValueUSD func(ctx context.Context, rewardAmount uint64) (float64, error)

	// HolderID identifies this instance in the cycle lease. Defaults to
	// the hostname plus a random suffix.
	HolderID string

	LockTTL   time.Duration
	BatchSize int
	Interval  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.PoolWalletKey == "" {
		return errors.New("pool wallet key is required")
	}
	if cfg.PoolWallet == "" {
		return errors.New("pool wallet is required")
	}
	if cfg.RewardTokenMint == "" {
		return errors.New("reward token mint is required")
	}
	if cfg.LockTTL <= 0 {
		return errors.New("lock ttl must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if cfg.HolderID == "" {
		hostname, _ := os.Hostname()
		cfg.HolderID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result summarizes one completed or skipped cycle.
type Result struct {
	Skipped bool
	Reason  string

	Distribution store.Distribution
	Paid         int
	Failed       int
}

// Preview is a dry-run of the next cycle: what each holder would
// receive from the current pool and snapshot.
type Preview struct {
	SnapshotID   uuid.UUID
	PoolAmount   int64
	PoolValueUSD float64
	TotalSupply  int64
	Shares       []Share
}

// Engine runs distribution cycles on an interval and on demand.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	runMu sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

// Start runs the distribution loop until the context is canceled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := e.clock.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				e.safeRun(ctx)
			}
		}
	}()
}

func (e *Engine) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("distribution: panic during cycle", "panic", r)
		}
	}()
	if _, err := e.RunCycle(ctx, "scheduled"); err != nil {
		if errors.Is(err, ErrLocked) {
			e.log.Debug("distribution: lease held elsewhere, skipping")
			return
		}
		metrics.DistributionsTotal.WithLabelValues("error").Inc()
		e.log.Error("distribution: cycle failed", "error", err)
	}
}

// RunCycle executes one distribution under the cycle lease. An empty
// pool or empty snapshot is a clean skip, not an error. The audit
// record commits only after every transfer batch has resolved.
func (e *Engine) RunCycle(ctx context.Context, trigger string) (Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	acquired, err := e.cfg.Store.AcquireLock(ctx, e.cfg.HolderID, e.cfg.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !acquired {
		return Result{}, ErrLocked
	}
	defer func() {
		// Release on a fresh context so a canceled cycle still frees
		// the lease instead of waiting out the TTL.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.cfg.Store.ReleaseLock(releaseCtx, e.cfg.HolderID); err != nil {
			e.log.Warn("distribution: failed to release lease", "error", err)
		}
	}()

	plan, err := e.computeCycle(ctx)
	if err != nil {
		return Result{}, err
	}
	shares := plan.shares
	if len(shares) == 0 {
		metrics.DistributionsTotal.WithLabelValues("skipped").Inc()
		e.log.Info("distribution: nothing to distribute", "pool", plan.poolAmount)
		return Result{Skipped: true, Reason: "empty pool or no eligible holders"}, nil
	}

	poolUSD := e.poolValueUSD(ctx, uint64(plan.poolAmount))

	e.log.Info("distribution: starting cycle",
		"snapshot", plan.snapshot.ID,
		"pool", plan.poolAmount,
		"pool_usd", poolUSD,
		"recipients", len(shares),
		"trigger", trigger)

	transfers := make([]solana.TransferRequest, len(shares))
	for i, share := range shares {
		transfers[i] = solana.TransferRequest{Wallet: share.Wallet, Amount: uint64(share.Amount)}
	}

	results, err := e.cfg.Ledger.TransferTokenBatch(ctx, e.cfg.PoolWalletKey,
		e.cfg.RewardTokenMint, e.cfg.RewardTokenDecimals, transfers, e.cfg.BatchSize)
	if err != nil {
		// Batch-level failure before all chunks resolved. Nothing is
		// committed; transfers that landed will surface as a reduced
		// pool next cycle.
		return Result{}, fmt.Errorf("transfer batch aborted: %w", err)
	}

	dist := store.Distribution{
		ID:             uuid.New(),
		PoolAmount:     plan.poolAmount,
		PoolValueUSD:   poolUSD,
		TotalSupply:    plan.eligibleSupply,
		RecipientCount: len(shares),
		TriggerType:    trigger,
		CreatedAt:      e.clock.Now().UTC(),
	}

	recipients := make([]store.DistributionRecipient, len(results))
	var paid, failed int
	for i, r := range results {
		recipient := store.DistributionRecipient{
			DistributionID: dist.ID,
			Wallet:         r.Wallet,
			Balance:        shares[i].Balance,
		}
		if r.Err != nil {
			failed++
			metrics.DistributionTransferFailures.Inc()
		} else {
			paid++
			sig := r.Signature
			recipient.AmountReceived = int64(r.Amount)
			recipient.TxSignature = &sig
		}
		recipients[i] = recipient
	}

	if err := e.cfg.Store.CommitDistribution(ctx, dist, recipients); err != nil {
		return Result{}, fmt.Errorf("failed to commit distribution: %w", err)
	}

	metrics.DistributionsTotal.WithLabelValues("success").Inc()
	metrics.DistributionRecipients.Observe(float64(len(shares)))

	e.log.Info("distribution: cycle complete",
		"distribution", dist.ID,
		"paid", paid,
		"failed", failed,
		"pool", plan.poolAmount)

	if e.cfg.Notifier != nil {
		e.cfg.Notifier.Publish("distribution:executed", map[string]any{
			"distribution_id": dist.ID,
			"pool_amount":     plan.poolAmount,
			"recipients":      len(shares),
			"paid":            paid,
			"failed":          failed,
		})
		e.cfg.Notifier.Publish("pool:updated", map[string]any{
			"pool_amount": 0,
		})
	}

	return Result{Distribution: dist, Paid: paid, Failed: failed}, nil
}

// PreviewCycle computes the next cycle's payouts without locking or
// transferring anything.
func (e *Engine) PreviewCycle(ctx context.Context) (Preview, error) {
	plan, err := e.computeCycle(ctx)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		SnapshotID:   plan.snapshot.ID,
		PoolAmount:   plan.poolAmount,
		PoolValueUSD: e.poolValueUSD(ctx, uint64(plan.poolAmount)),
		TotalSupply:  plan.eligibleSupply,
		Shares:       plan.shares,
	}, nil
}

// cyclePlan is the computed input of one cycle before any transfer.
type cyclePlan struct {
	snapshot       *store.Snapshot
	poolAmount     int64
	eligibleSupply int64
	shares         []Share
}

func (e *Engine) computeCycle(ctx context.Context) (cyclePlan, error) {
	snapshot, err := e.cfg.Store.CurrentSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return cyclePlan{}, ErrNoSnapshot
	}
	if err != nil {
		return cyclePlan{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	poolBalance, err := e.cfg.Ledger.GetTokenBalance(ctx, e.cfg.PoolWallet, e.cfg.RewardTokenMint)
	if err != nil {
		return cyclePlan{}, fmt.Errorf("failed to read pool balance: %w", err)
	}
	metrics.PoolBalance.Set(float64(poolBalance))
	poolAmount := int64(poolBalance)

	if poolAmount == 0 {
		return cyclePlan{snapshot: snapshot}, nil
	}

	balances, err := e.cfg.Store.SnapshotBalances(ctx, snapshot.ID)
	if err != nil {
		return cyclePlan{}, fmt.Errorf("failed to load snapshot balances: %w", err)
	}

	// Wallets excluded after the snapshot was taken still must not be
	// paid, so the exclusion set is re-read at cycle time and drops
	// them from both the payout and the share denominator.
	excluded, err := e.cfg.Store.ExcludedWallets(ctx)
	if err != nil {
		return cyclePlan{}, fmt.Errorf("failed to load excluded wallets: %w", err)
	}
	if len(excluded) > 0 {
		eligible := balances[:0]
		for _, b := range balances {
			if _, skip := excluded[b.Wallet]; !skip {
				eligible = append(eligible, b)
			}
		}
		balances = eligible
	}

	var eligibleSupply int64
	for _, b := range balances {
		eligibleSupply += b.Balance
	}

	return cyclePlan{
		snapshot:       snapshot,
		poolAmount:     poolAmount,
		eligibleSupply: eligibleSupply,
		shares:         ComputeShares(poolAmount, balances),
	}, nil
}

func (e *Engine) poolValueUSD(ctx context.Context, rewardAmount uint64) float64 {
	if e.cfg.PoolValueUSD == nil {
		return 0
	}
	usd, err := e.cfg.PoolValueUSD(ctx, rewardAmount)
	if err != nil {
		e.log.Warn("distribution: failed to price pool", "error", err)
		return 0
	}
	return usd
}

// RetryFailedTransfers re-sends payouts whose transfer failed in an
// earlier cycle. The owed amount is recomputed from the cycle's pool
// and the recipient's snapshot balance. Already-reconciled rows are
// skipped via the NULL-signature guard in the store.
func (e *Engine) RetryFailedTransfers(ctx context.Context) (int, error) {
	failed, err := e.cfg.Store.FailedRecipients(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load failed recipients: %w", err)
	}

	cycles := make(map[uuid.UUID]*store.Distribution)
	var reconciled int
	for _, recipient := range failed {
		dist, ok := cycles[recipient.DistributionID]
		if !ok {
			dist, err = e.cfg.Store.DistributionByID(ctx, recipient.DistributionID)
			if err != nil {
				return reconciled, fmt.Errorf("failed to load distribution %s: %w", recipient.DistributionID, err)
			}
			cycles[recipient.DistributionID] = dist
		}
		if dist.TotalSupply <= 0 {
			continue
		}

		owed := FloorShare(dist.PoolAmount, recipient.Balance, dist.TotalSupply)
		if owed <= 0 {
			continue
		}

		sig, err := e.cfg.Ledger.TransferToken(ctx, e.cfg.PoolWalletKey, recipient.Wallet,
			e.cfg.RewardTokenMint, uint64(owed), e.cfg.RewardTokenDecimals)
		if err != nil {
			e.log.Warn("distribution: reconciliation transfer failed",
				"wallet", recipient.Wallet, "owed", owed, "error", err)
			continue
		}

		if err := e.cfg.Store.MarkRecipientPaid(ctx, recipient.DistributionID, recipient.Wallet, owed, sig); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return reconciled, fmt.Errorf("failed to mark recipient paid: %w", err)
		}
		reconciled++
	}

	if reconciled > 0 {
		e.log.Info("distribution: reconciled failed transfers", "count", reconciled)
	}
	return reconciled, nil
}
