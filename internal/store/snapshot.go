package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"
)

// InsertSnapshot writes a snapshot and its balances in one transaction
// and refreshes the holder counters. Readers never see a half-written
// snapshot: until commit, the previous snapshot stays current.
func (s *Store) InsertSnapshot(ctx context.Context, snap Snapshot, balances []Balance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO snapshots (id, created_at, total_holders, total_supply)
		VALUES ($1, $2, $3, $4)
	`, snap.ID, snap.CreatedAt, snap.TotalHolders, snap.TotalSupply)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"balances"},
		[]string{"snapshot_id", "wallet", "balance"},
		pgx.CopyFromSlice(len(balances), func(i int) ([]any, error) {
			return []any{snap.ID, balances[i].Wallet, balances[i].Balance}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy balances: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE system_stats
		SET total_holders = $1, last_snapshot_at = $2, updated_at = $2
		WHERE id = 1
	`, snap.TotalHolders, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to update system stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.log.Debug("store: snapshot inserted", "id", snap.ID, "holders", snap.TotalHolders)
	return nil
}

// CurrentSnapshot returns the most recent snapshot by created_at.
func (s *Store) CurrentSnapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT id, created_at, total_holders, total_supply
		FROM snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&snap.ID, &snap.CreatedAt, &snap.TotalHolders, &snap.TotalSupply)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current snapshot: %w", err)
	}
	return &snap, nil
}

// SnapshotBalances returns all balances recorded in a snapshot.
func (s *Store) SnapshotBalances(ctx context.Context, snapshotID uuid.UUID) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT wallet, balance
		FROM balances
		WHERE snapshot_id = $1
		ORDER BY balance DESC, wallet ASC
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.Wallet, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// WalletBalance returns the wallet's balance and 1-based rank within
// the given snapshot. ErrNotFound when the wallet is not a holder.
func (s *Store) WalletBalance(ctx context.Context, snapshotID uuid.UUID, wallet string) (int64, int, error) {
	var balance int64
	var rank int
	err := s.pool.QueryRow(ctx, `
		SELECT balance, rank FROM (
			SELECT wallet, balance,
			       RANK() OVER (ORDER BY balance DESC) AS rank
			FROM balances
			WHERE snapshot_id = $1
		) ranked
		WHERE wallet = $2
	`, snapshotID, wallet).Scan(&balance, &rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query wallet balance: %w", err)
	}
	return balance, rank, nil
}

// TopHolders returns the largest holders in the given snapshot.
func (s *Store) TopHolders(ctx context.Context, snapshotID uuid.UUID, limit int) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT wallet, balance
		FROM balances
		WHERE snapshot_id = $1
		ORDER BY balance DESC, wallet ASC
		LIMIT $2
	`, snapshotID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top holders: %w", err)
	}
	defer rows.Close()

	var holders []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.Wallet, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan holder: %w", err)
		}
		holders = append(holders, b)
	}
	return holders, rows.Err()
}
