package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RecordRevenueEvent records a webhook delivery and the creator reward
// it carries in a single transaction: either both rows exist afterwards
// or neither does, so a failed insert leaves the signature unclaimed and
// the delivery retryable. Returns false when the signature was already
// seen; the unique constraint is the dedup boundary against
// at-least-once redelivery.
func (s *Store) RecordRevenueEvent(ctx context.Context, ev WebhookEvent, reward CreatorReward) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_events (tx_signature, event_type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tx_signature) DO NOTHING
	`, ev.TxSignature, ev.EventType, ev.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO creator_rewards (id, tx_signature, amount, source, processed, received_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (tx_signature) DO NOTHING
	`, reward.ID, reward.TxSignature, reward.Amount, reward.Source, reward.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert creator reward: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit revenue event: %w", err)
	}
	return true, nil
}

// UnprocessedRewards returns revenue events not yet consumed by a
// buyback cycle, oldest first.
func (s *Store) UnprocessedRewards(ctx context.Context) ([]CreatorReward, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tx_signature, amount, source, processed, received_at
		FROM creator_rewards
		WHERE NOT processed
		ORDER BY received_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed rewards: %w", err)
	}
	defer rows.Close()

	var rewards []CreatorReward
	for rows.Next() {
		var r CreatorReward
		if err := rows.Scan(&r.ID, &r.TxSignature, &r.Amount, &r.Source, &r.Processed, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan creator reward: %w", err)
		}
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

// MarkRewardsProcessed flags the given revenue events as consumed.
func (s *Store) MarkRewardsProcessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE creator_rewards SET processed = TRUE WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark rewards processed: %w", err)
	}
	return nil
}
