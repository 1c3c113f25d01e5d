// Package snapshot captures periodic holder-balance snapshots of the
// tracked mint. Each snapshot is the eligibility basis for the next
// distribution.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/foundrylabs/foundry/internal/metrics"
	"github.com/foundrylabs/foundry/internal/solana"
	"github.com/foundrylabs/foundry/internal/store"
)

// Ledger is the chain surface the engine needs.
type Ledger interface {
	GetTokenHolders(ctx context.Context, mint string) ([]solana.Holder, error)
}

// Store is the persistence surface the engine needs.
type Store interface {
	InsertSnapshot(ctx context.Context, snapshot store.Snapshot, balances []store.Balance) error
	ExcludedWallets(ctx context.Context) (map[string]string, error)
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

	// Mint is the tracked token whose holders are snapshotted.
	Mint string

	// DustThreshold drops wallets below this balance from eligibility.
	DustThreshold uint64

	Interval time.Duration
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
	if cfg.Mint == "" {
		return errors.New("mint is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine takes snapshots on an interval and on demand.
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

// Start runs the snapshot loop until the context is canceled. The first
// snapshot is taken immediately.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		e.safeRun(ctx)

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
			e.log.Error("snapshot: panic during snapshot", "panic", r)
		}
	}()
	if _, err := e.TakeSnapshot(ctx); err != nil {
		e.log.Error("snapshot: failed to take snapshot", "error", err)
	}
}

// TakeSnapshot enumerates holders, filters excluded and dust wallets,
// and commits the snapshot. Overlapping runs are serialized.
func (e *Engine) TakeSnapshot(ctx context.Context) (store.Snapshot, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	started := e.clock.Now()

	holders, err := e.cfg.Ledger.GetTokenHolders(ctx, e.cfg.Mint)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to enumerate holders: %w", err)
	}

	excluded, err := e.cfg.Store.ExcludedWallets(ctx)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to load excluded wallets: %w", err)
	}

	snapshot := store.Snapshot{
		ID:        uuid.New(),
		CreatedAt: e.clock.Now().UTC(),
	}

	balances := make([]store.Balance, 0, len(holders))
	for _, holder := range holders {
		if _, skip := excluded[holder.Wallet]; skip {
			continue
		}
		if holder.Balance < e.cfg.DustThreshold {
			continue
		}
		balances = append(balances, store.Balance{
			Wallet:  holder.Wallet,
			Balance: int64(holder.Balance),
		})
		snapshot.TotalSupply += int64(holder.Balance)
	}
	snapshot.TotalHolders = len(balances)

	// Deterministic ordering keeps ties stable across runs.
	sort.Slice(balances, func(i, j int) bool {
		if balances[i].Balance != balances[j].Balance {
			return balances[i].Balance > balances[j].Balance
		}
		return balances[i].Wallet < balances[j].Wallet
	})

	if err := e.cfg.Store.InsertSnapshot(ctx, snapshot, balances); err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	metrics.SnapshotsTotal.Inc()
	metrics.SnapshotHolders.Set(float64(snapshot.TotalHolders))
	metrics.SnapshotDuration.Observe(e.clock.Since(started).Seconds())

	e.log.Info("snapshot: committed",
		"snapshot", snapshot.ID,
		"holders", snapshot.TotalHolders,
		"eligible_supply", snapshot.TotalSupply,
		"raw_holders", len(holders),
		"duration", e.clock.Since(started).Round(time.Millisecond))

	if e.cfg.Notifier != nil {
		e.cfg.Notifier.Publish("snapshot:taken", map[string]any{
			"snapshot_id":   snapshot.ID,
			"total_holders": snapshot.TotalHolders,
			"total_supply":  snapshot.TotalSupply,
			"created_at":    snapshot.CreatedAt,
		})
		e.cfg.Notifier.Publish("leaderboard:updated", map[string]any{
			"snapshot_id": snapshot.ID,
		})
	}

	return snapshot, nil
}
