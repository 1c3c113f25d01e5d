package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertBuyback records a buyback keyed by its swap transaction
// signature. On a replayed signature the existing row is returned with
// inserted=false instead of writing a duplicate — this makes recording
// at-most-once under retried submission or duplicate scheduler firings.
func (s *Store) InsertBuyback(ctx context.Context, b Buyback) (Buyback, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Buyback{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO buybacks (id, tx_signature, sol_amount, reward_amount, price_per_unit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_signature) DO NOTHING
	`, b.ID, b.TxSignature, b.SOLAmount, b.RewardAmount, b.PricePerUnit, b.CreatedAt)
	if err != nil {
		return Buyback{}, false, fmt.Errorf("failed to insert buyback: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var existing Buyback
		err := tx.QueryRow(ctx, `
			SELECT id, tx_signature, sol_amount, reward_amount, COALESCE(price_per_unit, 0), created_at
			FROM buybacks
			WHERE tx_signature = $1
		`, b.TxSignature).Scan(&existing.ID, &existing.TxSignature, &existing.SOLAmount,
			&existing.RewardAmount, &existing.PricePerUnit, &existing.CreatedAt)
		if err != nil {
			return Buyback{}, false, fmt.Errorf("failed to load existing buyback: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Buyback{}, false, fmt.Errorf("failed to commit: %w", err)
		}
		return existing, false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE system_stats
		SET total_buyback_sol = total_buyback_sol + $1, updated_at = $2
		WHERE id = 1
	`, b.SOLAmount, b.CreatedAt)
	if err != nil {
		return Buyback{}, false, fmt.Errorf("failed to update system stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Buyback{}, false, fmt.Errorf("failed to commit buyback: %w", err)
	}
	return b, true, nil
}

// RecentBuybacks returns the most recent buybacks, newest first.
func (s *Store) RecentBuybacks(ctx context.Context, limit int) ([]Buyback, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tx_signature, sol_amount, reward_amount, COALESCE(price_per_unit, 0), created_at
		FROM buybacks
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query buybacks: %w", err)
	}
	defer rows.Close()

	var buybacks []Buyback
	for rows.Next() {
		var b Buyback
		if err := rows.Scan(&b.ID, &b.TxSignature, &b.SOLAmount, &b.RewardAmount, &b.PricePerUnit, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan buyback: %w", err)
		}
		buybacks = append(buybacks, b)
	}
	return buybacks, rows.Err()
}

// BuybackBySignature returns the buyback recorded for a signature.
func (s *Store) BuybackBySignature(ctx context.Context, sig string) (*Buyback, error) {
	var b Buyback
	err := s.pool.QueryRow(ctx, `
		SELECT id, tx_signature, sol_amount, reward_amount, COALESCE(price_per_unit, 0), created_at
		FROM buybacks
		WHERE tx_signature = $1
	`, sig).Scan(&b.ID, &b.TxSignature, &b.SOLAmount, &b.RewardAmount, &b.PricePerUnit, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query buyback: %w", err)
	}
	return &b, nil
}
