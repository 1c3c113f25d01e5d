// Package buyback converts accumulated creator revenue into the reward
// token. Each cycle splits revenue between the reward pool, the algo
// bot, and the team, swaps the pool's buyback portion through an
// aggregator, and credits the proceeds to the pool wallet.
package buyback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/foundrylabs/foundry/internal/jupiter"
	"github.com/foundrylabs/foundry/internal/metrics"
	"github.com/foundrylabs/foundry/internal/store"
	"github.com/foundrylabs/foundry/pkg/retry"
)

// WrappedSOLMint is the mint address swap aggregators use for native SOL.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// Ledger is the chain surface the engine needs.
type Ledger interface {
	TransferSOL(ctx context.Context, fromKey, to string, lamports uint64) (string, error)
	TransferToken(ctx context.Context, fromKey, to, mint string, amount uint64, decimals uint8) (string, error)
	SignAndSendBase64(ctx context.Context, signerKey, txBase64 string) (string, error)
}

// Swapper is the aggregator surface the engine needs.
type Swapper interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*jupiter.Quote, error)
	BuildSwapTransaction(ctx context.Context, quote *jupiter.Quote, userPublicKey string) (string, error)
}

// Store is the persistence surface the engine needs.
type Store interface {
	UnprocessedRewards(ctx context.Context) ([]store.CreatorReward, error)
	MarkRewardsProcessed(ctx context.Context, ids []uuid.UUID) error
	InsertBuyback(ctx context.Context, buyback store.Buyback) (store.Buyback, bool, error)
}

// Notifier publishes engine events to connected clients.
type Notifier interface {
	Publish(event string, payload any)
}

type Config struct {
	Logger   *slog.Logger
	Ledger   Ledger
	Swapper  Swapper
	Store    Store
	Notifier Notifier
	Clock    clockwork.Clock
	Retry    retry.Config

	// TreasuryKey signs the swap and the split transfers. Creator
	// revenue accumulates in this wallet.
	TreasuryKey string

	// PoolWallet receives the swapped reward tokens.
	PoolWallet string

	TeamWallet    string
	AlgoBotWallet string

	RewardTokenMint     string
	RewardTokenDecimals uint8

	// Split of each revenue batch, in whole percents summing to 100.
	RewardPoolPercent int
	AlgoBotPercent    int
	TeamPercent       int

	// Of the reward pool allocation, the share swapped immediately; the
	// rest stays in the treasury as SOL reserve.
	SwapPercent int

	// MinLamports below which a cycle is a no-op.
	MinLamports uint64

	SlippageBps int
	Interval    time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Swapper == nil {
		return errors.New("swapper is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.TreasuryKey == "" {
		return errors.New("treasury key is required")
	}
	if cfg.PoolWallet == "" {
		return errors.New("pool wallet is required")
	}
	if cfg.RewardTokenMint == "" {
		return errors.New("reward token mint is required")
	}
	if sum := cfg.RewardPoolPercent + cfg.AlgoBotPercent + cfg.TeamPercent; sum != 100 {
		return fmt.Errorf("revenue split must sum to 100, got %d", sum)
	}
	if cfg.SwapPercent < 0 || cfg.SwapPercent > 100 {
		return fmt.Errorf("swap percent out of range: %d", cfg.SwapPercent)
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Result reports what one cycle did.
type Result struct {
	Skipped bool
	Reason  string

	Buyback        store.Buyback
	ReserveAmount  uint64
	TeamAmount     uint64
	TeamSignature  string
	BotAmount      uint64
	BotSignature   string
	RewardsApplied int
}

// Engine runs buyback cycles on an interval and on demand.
type Engine struct {
	log      *slog.Logger
	cfg      Config
	clock    clockwork.Clock
	treasury solana.PublicKey

	runMu sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := solana.PrivateKeyFromBase58(cfg.TreasuryKey)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury key: %w", err)
	}
	return &Engine{
		log:      cfg.Logger,
		cfg:      cfg,
		clock:    cfg.Clock,
		treasury: key.PublicKey(),
	}, nil
}

// Start runs the buyback loop until the context is canceled.
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
			e.log.Error("buyback: panic during cycle", "panic", r)
		}
	}()
	if _, err := e.Run(ctx); err != nil {
		metrics.BuybacksTotal.WithLabelValues("error").Inc()
		e.log.Error("buyback: cycle failed", "error", err)
	}
}

// Run executes one buyback cycle over the unprocessed creator rewards.
// Overlapping runs are serialized; replays of an already-recorded swap
// signature are detected at the store and not double-counted.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	rewards, err := e.cfg.Store.UnprocessedRewards(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load unprocessed rewards: %w", err)
	}

	var total uint64
	ids := make([]uuid.UUID, 0, len(rewards))
	for _, reward := range rewards {
		total += uint64(reward.Amount)
		ids = append(ids, reward.ID)
	}

	if total < e.cfg.MinLamports {
		e.log.Debug("buyback: below minimum, skipping",
			"accumulated", total, "minimum", e.cfg.MinLamports)
		metrics.BuybacksTotal.WithLabelValues("skipped").Inc()
		return Result{Skipped: true, Reason: "below minimum"}, nil
	}

	split := ComputeSplit(total, e.cfg.RewardPoolPercent, e.cfg.AlgoBotPercent, e.cfg.TeamPercent, e.cfg.SwapPercent)

	e.log.Info("buyback: starting cycle",
		"revenue", total,
		"swap", split.Swap,
		"reserve", split.Reserve,
		"team", split.Team,
		"bot", split.Bot,
		"rewards", len(rewards))

	buyback, err := e.executeSwap(ctx, split.Swap)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Buyback:        buyback,
		ReserveAmount:  split.Reserve,
		TeamAmount:     split.Team,
		BotAmount:      split.Bot,
		RewardsApplied: len(ids),
	}

	// The split transfers are best effort: a failed payout is logged and
	// retried by the next cycle's accounting, never blocks the buyback.
	if split.Team > 0 && e.cfg.TeamWallet != "" {
		sig, err := e.cfg.Ledger.TransferSOL(ctx, e.cfg.TreasuryKey, e.cfg.TeamWallet, split.Team)
		if err != nil {
			e.log.Warn("buyback: team transfer failed", "amount", split.Team, "error", err)
		} else {
			result.TeamSignature = sig
		}
	}
	if split.Bot > 0 && e.cfg.AlgoBotWallet != "" {
		sig, err := e.cfg.Ledger.TransferSOL(ctx, e.cfg.TreasuryKey, e.cfg.AlgoBotWallet, split.Bot)
		if err != nil {
			e.log.Warn("buyback: algo bot transfer failed", "amount", split.Bot, "error", err)
		} else {
			result.BotSignature = sig
		}
	}

	if err := e.cfg.Store.MarkRewardsProcessed(ctx, ids); err != nil {
		return result, fmt.Errorf("failed to mark rewards processed: %w", err)
	}

	metrics.BuybacksTotal.WithLabelValues("success").Inc()
	metrics.BuybackSOLTotal.Add(float64(split.Swap))

	if e.cfg.Notifier != nil {
		e.cfg.Notifier.Publish("pool:updated", map[string]any{
			"buyback_id":    buyback.ID,
			"sol_amount":    buyback.SOLAmount,
			"reward_amount": buyback.RewardAmount,
		})
	}

	return result, nil
}

// executeSwap quotes, swaps, records, and forwards the proceeds to the
// pool wallet. Quote and submission are retried on transient failures;
// each retry re-quotes so the swap never rides stale pricing.
func (e *Engine) executeSwap(ctx context.Context, lamports uint64) (store.Buyback, error) {
	var (
		quote *jupiter.Quote
		sig   string
	)
	err := retry.Do(ctx, e.cfg.Retry, func() error {
		var err error
		quote, err = e.cfg.Swapper.GetQuote(ctx, WrappedSOLMint, e.cfg.RewardTokenMint, lamports, e.cfg.SlippageBps)
		if err != nil {
			return fmt.Errorf("failed to quote swap: %w", err)
		}

		txBase64, err := e.cfg.Swapper.BuildSwapTransaction(ctx, quote, e.treasury.String())
		if err != nil {
			return fmt.Errorf("failed to build swap: %w", err)
		}

		sig, err = e.cfg.Ledger.SignAndSendBase64(ctx, e.cfg.TreasuryKey, txBase64)
		if err != nil {
			return fmt.Errorf("failed to execute swap: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Buyback{}, err
	}

	pricePerUnit := 0.0
	if quote.OutAmount > 0 {
		solUnits := float64(lamports) / 1e9
		tokenUnits := float64(quote.OutAmount) / math.Pow10(int(e.cfg.RewardTokenDecimals))
		pricePerUnit = solUnits / tokenUnits
	}

	recorded, inserted, err := e.cfg.Store.InsertBuyback(ctx, store.Buyback{
		ID:           uuid.New(),
		TxSignature:  sig,
		SOLAmount:    int64(lamports),
		RewardAmount: int64(quote.OutAmount),
		PricePerUnit: pricePerUnit,
		CreatedAt:    e.clock.Now().UTC(),
	})
	if err != nil {
		return store.Buyback{}, fmt.Errorf("failed to record buyback: %w", err)
	}
	if !inserted {
		e.log.Warn("buyback: swap signature already recorded, reusing",
			"signature", sig, "buyback", recorded.ID)
		return recorded, nil
	}

	// Proceeds move to the pool wallet so distribution pays from one
	// place. Failure here leaves tokens in the treasury; the next
	// operator-triggered transfer reconciles.
	if _, err := e.cfg.Ledger.TransferToken(ctx, e.cfg.TreasuryKey, e.cfg.PoolWallet,
		e.cfg.RewardTokenMint, quote.OutAmount, e.cfg.RewardTokenDecimals); err != nil {
		e.log.Warn("buyback: failed to forward proceeds to pool wallet",
			"amount", quote.OutAmount, "error", err)
	}

	e.log.Info("buyback: swap executed",
		"signature", sig,
		"sol_in", lamports,
		"reward_out", quote.OutAmount,
		"price_impact_pct", quote.PriceImpactPct)

	return recorded, nil
}

// Split is the lamport allocation of one revenue batch.
type Split struct {
	Swap    uint64 // swapped into the reward token now
	Reserve uint64 // reward pool share kept as SOL
	Team    uint64
	Bot     uint64
}

// ComputeSplit allocates a revenue total by whole percents. Integer
// division remainders stay in the reserve so nothing is minted or lost.
func ComputeSplit(total uint64, poolPct, botPct, teamPct, swapPct int) Split {
	poolShare := total * uint64(poolPct) / 100
	bot := total * uint64(botPct) / 100
	team := total * uint64(teamPct) / 100

	swap := poolShare * uint64(swapPct) / 100
	reserve := total - bot - team - swap

	return Split{Swap: swap, Reserve: reserve, Team: team, Bot: bot}
}
