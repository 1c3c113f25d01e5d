package store

import (
	"context"
	"fmt"
)

// AddExcludedWallet disqualifies a wallet from receiving rewards.
// Adding an already-excluded wallet updates its reason.
func (s *Store) AddExcludedWallet(ctx context.Context, wallet, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO excluded_wallets (wallet, reason, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet) DO UPDATE SET reason = EXCLUDED.reason
	`, wallet, reason, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert excluded wallet: %w", err)
	}
	return nil
}

// RemoveExcludedWallet re-qualifies a wallet. Removing a wallet that is
// not excluded is a no-op.
func (s *Store) RemoveExcludedWallet(ctx context.Context, wallet string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM excluded_wallets WHERE wallet = $1`, wallet)
	if err != nil {
		return fmt.Errorf("failed to delete excluded wallet: %w", err)
	}
	return nil
}

// ExcludedWallets returns the full exclusion set keyed by wallet.
func (s *Store) ExcludedWallets(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT wallet, reason FROM excluded_wallets`)
	if err != nil {
		return nil, fmt.Errorf("failed to query excluded wallets: %w", err)
	}
	defer rows.Close()

	excluded := make(map[string]string)
	for rows.Next() {
		var wallet, reason string
		if err := rows.Scan(&wallet, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan excluded wallet: %w", err)
		}
		excluded[wallet] = reason
	}
	return excluded, rows.Err()
}
