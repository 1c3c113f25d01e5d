package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foundrylabs/foundry/internal/distribution"
	"github.com/foundrylabs/foundry/internal/store"
)

type statsResponse struct {
	TotalHolders       int               `json:"total_holders"`
	TotalDistributed   int64             `json:"total_distributed"`
	TotalBuybackSOL    int64             `json:"total_buyback_sol"`
	LastSnapshotAt     *time.Time        `json:"last_snapshot_at"`
	LastDistributionAt *time.Time        `json:"last_distribution_at"`
	LastDistribution   *distributionItem `json:"last_distribution,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.SystemStats(r.Context())
	if err != nil {
		s.log.Error("server: failed to load stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp := statsResponse{
		TotalHolders:       stats.TotalHolders,
		TotalDistributed:   stats.TotalDistributed,
		TotalBuybackSOL:    stats.TotalBuybackSOL,
		LastSnapshotAt:     stats.LastSnapshotAt,
		LastDistributionAt: stats.LastDistributionAt,
	}
	if last, err := s.cfg.Store.LastDistribution(r.Context()); err == nil {
		resp.LastDistribution = &distributionItem{
			ID:             last.ID.String(),
			PoolAmount:     last.PoolAmount,
			PoolValueUSD:   last.PoolValueUSD,
			RecipientCount: last.RecipientCount,
			TriggerType:    last.TriggerType,
			CreatedAt:      last.CreatedAt,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type poolResponse struct {
	PoolAmount   int64   `json:"pool_amount"`
	PoolValueUSD float64 `json:"pool_value_usd"`
	ReserveSOL   uint64  `json:"reserve_sol"`
	ReadyUSD     float64 `json:"ready_usd"`
	Ready        bool    `json:"ready"`
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	poolBalance, err := s.cfg.Ledger.GetTokenBalance(ctx, s.cfg.PoolWallet, s.cfg.RewardTokenMint)
	if err != nil {
		s.log.Error("server: failed to read pool balance", "error", err)
		respondError(w, http.StatusBadGateway, "failed to read pool balance")
		return
	}

	resp := poolResponse{
		PoolAmount: int64(poolBalance),
		ReadyUSD:   s.cfg.PoolReadyUSD,
	}

	if s.cfg.TreasuryWallet != "" {
		if reserve, err := s.cfg.Ledger.GetSOLBalance(ctx, s.cfg.TreasuryWallet); err == nil {
			resp.ReserveSOL = reserve
		}
	}
	if s.cfg.PoolValueUSD != nil {
		if usd, err := s.cfg.PoolValueUSD(ctx, poolBalance); err == nil {
			resp.PoolValueUSD = usd
			resp.Ready = usd >= s.cfg.PoolReadyUSD
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

type userResponse struct {
	Wallet          string    `json:"wallet"`
	Balance         int64     `json:"balance"`
	Rank            int       `json:"rank"`
	ShareBps        int64     `json:"share_bps"`
	PendingEstimate int64     `json:"pending_estimate"`
	SnapshotID      string    `json:"snapshot_id"`
	SnapshotTakenAt time.Time `json:"snapshot_taken_at"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wallet := chi.URLParam(r, "wallet")

	snapshot, err := s.cfg.Store.CurrentSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no snapshot yet")
		return
	}
	if err != nil {
		s.log.Error("server: failed to load snapshot", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	balance, rank, err := s.cfg.Store.WalletBalance(ctx, snapshot.ID, wallet)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "wallet is not a holder")
		return
	}
	if err != nil {
		s.log.Error("server: failed to load wallet balance", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load wallet")
		return
	}

	var shareBps int64
	if snapshot.TotalSupply > 0 {
		shareBps = balance * 10_000 / snapshot.TotalSupply
	}

	// What the wallet would receive if the current pool distributed now.
	var pending int64
	if poolBalance, err := s.cfg.Ledger.GetTokenBalance(ctx, s.cfg.PoolWallet, s.cfg.RewardTokenMint); err == nil {
		pending = distribution.FloorShare(int64(poolBalance), balance, snapshot.TotalSupply)
	} else {
		s.log.Warn("server: failed to read pool balance for estimate", "error", err)
	}

	respondJSON(w, http.StatusOK, userResponse{
		Wallet:          wallet,
		Balance:         balance,
		Rank:            rank,
		ShareBps:        shareBps,
		PendingEstimate: pending,
		SnapshotID:      snapshot.ID.String(),
		SnapshotTakenAt: snapshot.CreatedAt,
	})
}

type historyItem struct {
	DistributionID string    `json:"distribution_id"`
	AmountReceived int64     `json:"amount_received"`
	TxSignature    *string   `json:"tx_signature"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	limit, offset := pagination(r)

	history, err := s.cfg.Store.WalletHistory(r.Context(), wallet, limit, offset)
	if err != nil {
		s.log.Error("server: failed to load wallet history", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	items := make([]historyItem, len(history))
	for i, h := range history {
		items[i] = historyItem{
			DistributionID: h.DistributionID.String(),
			AmountReceived: h.AmountReceived,
			TxSignature:    h.TxSignature,
			CreatedAt:      h.CreatedAt,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"wallet": wallet, "history": items})
}

type distributionItem struct {
	ID             string    `json:"id"`
	PoolAmount     int64     `json:"pool_amount"`
	PoolValueUSD   float64   `json:"pool_value_usd"`
	RecipientCount int       `json:"recipient_count"`
	TriggerType    string    `json:"trigger_type"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Server) handleDistributions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	distributions, err := s.cfg.Store.ListDistributions(r.Context(), limit, offset)
	if err != nil {
		s.log.Error("server: failed to list distributions", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list distributions")
		return
	}

	items := make([]distributionItem, len(distributions))
	for i, d := range distributions {
		items[i] = distributionItem{
			ID:             d.ID.String(),
			PoolAmount:     d.PoolAmount,
			PoolValueUSD:   d.PoolValueUSD,
			RecipientCount: d.RecipientCount,
			TriggerType:    d.TriggerType,
			CreatedAt:      d.CreatedAt,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"distributions": items})
}

func (s *Server) handleDistributionDetail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid distribution id")
		return
	}

	recipients, err := s.cfg.Store.DistributionRecipients(r.Context(), id)
	if err != nil {
		s.log.Error("server: failed to load distribution recipients", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load distribution")
		return
	}

	items := make([]map[string]any, len(recipients))
	for i, rec := range recipients {
		items[i] = map[string]any{
			"wallet":          rec.Wallet,
			"balance":         rec.Balance,
			"amount_received": rec.AmountReceived,
			"tx_signature":    rec.TxSignature,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"distribution_id": id.String(),
		"recipients":      items,
	})
}

type buybackItem struct {
	ID           string    `json:"id"`
	TxSignature  string    `json:"tx_signature"`
	SOLAmount    int64     `json:"sol_amount"`
	RewardAmount int64     `json:"reward_amount"`
	PricePerUnit float64   `json:"price_per_unit"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Server) handleBuybacks(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)

	buybacks, err := s.cfg.Store.RecentBuybacks(r.Context(), limit)
	if err != nil {
		s.log.Error("server: failed to list buybacks", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list buybacks")
		return
	}

	items := make([]buybackItem, len(buybacks))
	for i, b := range buybacks {
		items[i] = buybackItem{
			ID:           b.ID.String(),
			TxSignature:  b.TxSignature,
			SOLAmount:    b.SOLAmount,
			RewardAmount: b.RewardAmount,
			PricePerUnit: b.PricePerUnit,
			CreatedAt:    b.CreatedAt,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"buybacks": items})
}

type leaderboardEntry struct {
	Rank    int    `json:"rank"`
	Wallet  string `json:"wallet"`
	Balance int64  `json:"balance"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, _ := pagination(r)

	snapshot, err := s.cfg.Store.CurrentSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		respondJSON(w, http.StatusOK, map[string]any{"leaderboard": []leaderboardEntry{}})
		return
	}
	if err != nil {
		s.log.Error("server: failed to load snapshot", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	holders, err := s.cfg.Store.TopHolders(ctx, snapshot.ID, limit)
	if err != nil {
		s.log.Error("server: failed to load top holders", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}

	entries := make([]leaderboardEntry, len(holders))
	for i, h := range holders {
		entries[i] = leaderboardEntry{Rank: i + 1, Wallet: h.Wallet, Balance: h.Balance}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"snapshot_id": snapshot.ID.String(),
		"leaderboard": entries,
	})
}
