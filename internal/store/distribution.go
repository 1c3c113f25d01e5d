package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CommitDistribution persists a completed cycle — the distribution row,
// all its recipients, and the stats bump — in a single transaction.
// This runs only after every transfer batch has resolved; an aborted
// cycle never reaches here, so no partial audit record can exist.
func (s *Store) CommitDistribution(ctx context.Context, dist Distribution, recipients []DistributionRecipient) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO distributions (id, pool_amount, pool_value_usd, total_supply, recipient_count, trigger_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, dist.ID, dist.PoolAmount, dist.PoolValueUSD, dist.TotalSupply, dist.RecipientCount, dist.TriggerType, dist.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert distribution: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"distribution_recipients"},
		[]string{"distribution_id", "wallet", "balance", "amount_received", "tx_signature"},
		pgx.CopyFromSlice(len(recipients), func(i int) ([]any, error) {
			r := recipients[i]
			return []any{dist.ID, r.Wallet, r.Balance, r.AmountReceived, r.TxSignature}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy recipients: %w", err)
	}

	// The stats counter tracks what was actually paid; failed recipients
	// bump it later, when reconciliation pays them.
	var paid int64
	for _, r := range recipients {
		paid += r.AmountReceived
	}
	_, err = tx.Exec(ctx, `
		UPDATE system_stats
		SET total_distributed = total_distributed + $1,
		    last_distribution_at = $2,
		    updated_at = $2
		WHERE id = 1
	`, paid, dist.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to update system stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit distribution: %w", err)
	}

	s.log.Debug("store: distribution committed", "id", dist.ID, "recipients", len(recipients))
	return nil
}

// LastDistribution returns the most recent distribution.
func (s *Store) LastDistribution(ctx context.Context) (*Distribution, error) {
	var d Distribution
	err := s.pool.QueryRow(ctx, `
		SELECT id, pool_amount, pool_value_usd, total_supply, recipient_count, trigger_type, created_at
		FROM distributions
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&d.ID, &d.PoolAmount, &d.PoolValueUSD, &d.TotalSupply, &d.RecipientCount, &d.TriggerType, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last distribution: %w", err)
	}
	return &d, nil
}

// DistributionByID returns one distribution.
func (s *Store) DistributionByID(ctx context.Context, id uuid.UUID) (*Distribution, error) {
	var d Distribution
	err := s.pool.QueryRow(ctx, `
		SELECT id, pool_amount, pool_value_usd, total_supply, recipient_count, trigger_type, created_at
		FROM distributions
		WHERE id = $1
	`, id).Scan(&d.ID, &d.PoolAmount, &d.PoolValueUSD, &d.TotalSupply, &d.RecipientCount, &d.TriggerType, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query distribution: %w", err)
	}
	return &d, nil
}

// ListDistributions returns distributions newest first.
func (s *Store) ListDistributions(ctx context.Context, limit, offset int) ([]Distribution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pool_amount, pool_value_usd, total_supply, recipient_count, trigger_type, created_at
		FROM distributions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close()

	var distributions []Distribution
	for rows.Next() {
		var d Distribution
		if err := rows.Scan(&d.ID, &d.PoolAmount, &d.PoolValueUSD, &d.TotalSupply, &d.RecipientCount, &d.TriggerType, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan distribution: %w", err)
		}
		distributions = append(distributions, d)
	}
	return distributions, rows.Err()
}

// WalletHistoryItem is one payout a wallet received, joined with the
// cycle it belongs to.
type WalletHistoryItem struct {
	DistributionID uuid.UUID
	AmountReceived int64
	TxSignature    *string
	CreatedAt      time.Time
}

// WalletHistory returns a wallet's payouts newest first.
func (s *Store) WalletHistory(ctx context.Context, wallet string, limit, offset int) ([]WalletHistoryItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.distribution_id, r.amount_received, r.tx_signature, d.created_at
		FROM distribution_recipients r
		JOIN distributions d ON d.id = r.distribution_id
		WHERE r.wallet = $1
		ORDER BY d.created_at DESC
		LIMIT $2 OFFSET $3
	`, wallet, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet history: %w", err)
	}
	defer rows.Close()

	var items []WalletHistoryItem
	for rows.Next() {
		var item WalletHistoryItem
		if err := rows.Scan(&item.DistributionID, &item.AmountReceived, &item.TxSignature, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// FailedRecipients returns recipients whose transfer permanently failed
// (NULL signature), oldest cycle first, for reconciliation.
func (s *Store) FailedRecipients(ctx context.Context) ([]DistributionRecipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.distribution_id, r.wallet, r.balance, r.amount_received, r.tx_signature
		FROM distribution_recipients r
		JOIN distributions d ON d.id = r.distribution_id
		WHERE r.tx_signature IS NULL
		ORDER BY d.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed recipients: %w", err)
	}
	defer rows.Close()

	var recipients []DistributionRecipient
	for rows.Next() {
		var r DistributionRecipient
		if err := rows.Scan(&r.DistributionID, &r.Wallet, &r.Balance, &r.AmountReceived, &r.TxSignature); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// MarkRecipientPaid records a successful reconciliation transfer and
// adds the amount to the distributed total, in one transaction. The
// NULL-signature guard makes a repeated reconciliation a no-op, so the
// total is bumped at most once per recipient.
func (s *Store) MarkRecipientPaid(ctx context.Context, distributionID uuid.UUID, wallet string, amount int64, txSignature string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE distribution_recipients
		SET amount_received = $3, tx_signature = $4
		WHERE distribution_id = $1 AND wallet = $2 AND tx_signature IS NULL
	`, distributionID, wallet, amount, txSignature)
	if err != nil {
		return fmt.Errorf("failed to mark recipient paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE system_stats
		SET total_distributed = total_distributed + $1,
		    updated_at = $2
		WHERE id = 1
	`, amount, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update system stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return nil
}

// DistributionRecipients returns the full recipient set for a cycle.
func (s *Store) DistributionRecipients(ctx context.Context, distributionID uuid.UUID) ([]DistributionRecipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT distribution_id, wallet, balance, amount_received, tx_signature
		FROM distribution_recipients
		WHERE distribution_id = $1
		ORDER BY amount_received DESC, wallet ASC
	`, distributionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []DistributionRecipient
	for rows.Next() {
		var r DistributionRecipient
		if err := rows.Scan(&r.DistributionID, &r.Wallet, &r.Balance, &r.AmountReceived, &r.TxSignature); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}
