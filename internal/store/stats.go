package store

import (
	"context"
	"fmt"
)

// SystemStats returns the cached aggregate counters.
func (s *Store) SystemStats(ctx context.Context) (SystemStats, error) {
	var stats SystemStats
	err := s.pool.QueryRow(ctx, `
		SELECT total_holders, total_distributed, total_buyback_sol,
		       last_snapshot_at, last_distribution_at, updated_at
		FROM system_stats
		WHERE id = 1
	`).Scan(&stats.TotalHolders, &stats.TotalDistributed, &stats.TotalBuybackSOL,
		&stats.LastSnapshotAt, &stats.LastDistributionAt, &stats.UpdatedAt)
	if err != nil {
		return SystemStats{}, fmt.Errorf("failed to query system stats: %w", err)
	}
	return stats, nil
}
