package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foundrylabs/foundry/internal/distribution"
)

func (s *Server) handleAdminSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Snapshots == nil {
		respondError(w, http.StatusServiceUnavailable, "snapshot engine not running")
		return
	}
	snapshot, err := s.cfg.Snapshots.TakeSnapshot(r.Context())
	if err != nil {
		s.log.Error("server: manual snapshot failed", "error", err)
		respondError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"snapshot_id":   snapshot.ID.String(),
		"total_holders": snapshot.TotalHolders,
		"total_supply":  snapshot.TotalSupply,
	})
}

func (s *Server) handleAdminBuyback(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Buybacks == nil {
		respondError(w, http.StatusServiceUnavailable, "buyback engine not running")
		return
	}
	result, err := s.cfg.Buybacks.Run(r.Context())
	if err != nil {
		s.log.Error("server: manual buyback failed", "error", err)
		respondError(w, http.StatusInternalServerError, "buyback failed")
		return
	}
	if result.Skipped {
		respondJSON(w, http.StatusOK, map[string]any{"skipped": true, "reason": result.Reason})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"buyback_id":    result.Buyback.ID.String(),
		"tx_signature":  result.Buyback.TxSignature,
		"sol_amount":    result.Buyback.SOLAmount,
		"reward_amount": result.Buyback.RewardAmount,
		"reserve":       result.ReserveAmount,
	})
}

func (s *Server) handleAdminDistribute(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Distributions == nil {
		respondError(w, http.StatusServiceUnavailable, "distribution engine not running")
		return
	}
	result, err := s.cfg.Distributions.RunCycle(r.Context(), "manual")
	if errors.Is(err, distribution.ErrLocked) {
		respondError(w, http.StatusConflict, "distribution already in progress")
		return
	}
	if errors.Is(err, distribution.ErrNoSnapshot) {
		respondError(w, http.StatusPreconditionFailed, "no snapshot available")
		return
	}
	if err != nil {
		s.log.Error("server: manual distribution failed", "error", err)
		respondError(w, http.StatusInternalServerError, "distribution failed")
		return
	}
	if result.Skipped {
		respondJSON(w, http.StatusOK, map[string]any{"skipped": true, "reason": result.Reason})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"distribution_id": result.Distribution.ID.String(),
		"pool_amount":     result.Distribution.PoolAmount,
		"recipients":      result.Distribution.RecipientCount,
		"paid":            result.Paid,
		"failed":          result.Failed,
	})
}

func (s *Server) handleAdminPreview(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Distributions == nil {
		respondError(w, http.StatusServiceUnavailable, "distribution engine not running")
		return
	}
	preview, err := s.cfg.Distributions.PreviewCycle(r.Context())
	if errors.Is(err, distribution.ErrNoSnapshot) {
		respondError(w, http.StatusPreconditionFailed, "no snapshot available")
		return
	}
	if err != nil {
		s.log.Error("server: distribution preview failed", "error", err)
		respondError(w, http.StatusInternalServerError, "preview failed")
		return
	}

	shares := make([]map[string]any, len(preview.Shares))
	for i, share := range preview.Shares {
		shares[i] = map[string]any{
			"wallet":  share.Wallet,
			"balance": share.Balance,
			"amount":  share.Amount,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"snapshot_id":    preview.SnapshotID.String(),
		"pool_amount":    preview.PoolAmount,
		"pool_value_usd": preview.PoolValueUSD,
		"total_supply":   preview.TotalSupply,
		"shares":         shares,
	})
}

func (s *Server) handleAdminRetryTransfers(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Distributions == nil {
		respondError(w, http.StatusServiceUnavailable, "distribution engine not running")
		return
	}
	reconciled, err := s.cfg.Distributions.RetryFailedTransfers(r.Context())
	if err != nil {
		s.log.Error("server: transfer reconciliation failed", "error", err)
		respondError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reconciled": reconciled})
}

func (s *Server) handleAdminPendingRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := s.cfg.Store.UnprocessedRewards(r.Context())
	if err != nil {
		s.log.Error("server: failed to load pending rewards", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load pending rewards")
		return
	}

	var total int64
	items := make([]map[string]any, len(rewards))
	for i, reward := range rewards {
		total += reward.Amount
		items[i] = map[string]any{
			"id":           reward.ID.String(),
			"tx_signature": reward.TxSignature,
			"amount":       reward.Amount,
			"source":       reward.Source,
			"received_at":  reward.ReceivedAt,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"total_lamports": total,
		"rewards":        items,
	})
}

func (s *Server) handleAdminPoolBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	poolBalance, err := s.cfg.Ledger.GetTokenBalance(ctx, s.cfg.PoolWallet, s.cfg.RewardTokenMint)
	if err != nil {
		respondError(w, http.StatusBadGateway, "failed to read pool balance")
		return
	}
	var treasury uint64
	if s.cfg.TreasuryWallet != "" {
		treasury, _ = s.cfg.Ledger.GetSOLBalance(ctx, s.cfg.TreasuryWallet)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pool_reward_balance": poolBalance,
		"treasury_sol":        treasury,
	})
}

func (s *Server) handleAdminListExcluded(w http.ResponseWriter, r *http.Request) {
	excluded, err := s.cfg.Store.ExcludedWallets(r.Context())
	if err != nil {
		s.log.Error("server: failed to list excluded wallets", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list excluded wallets")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"excluded": excluded})
}

type excludeRequest struct {
	Wallet string `json:"wallet"`
	Reason string `json:"reason"`
}

func (s *Server) handleAdminAddExcluded(w http.ResponseWriter, r *http.Request) {
	var req excludeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Wallet == "" {
		respondError(w, http.StatusBadRequest, "wallet is required")
		return
	}
	if err := s.cfg.Store.AddExcludedWallet(r.Context(), req.Wallet, req.Reason); err != nil {
		s.log.Error("server: failed to exclude wallet", "wallet", req.Wallet, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to exclude wallet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"wallet": req.Wallet, "excluded": true})
}

func (s *Server) handleAdminRemoveExcluded(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	if err := s.cfg.Store.RemoveExcludedWallet(r.Context(), wallet); err != nil {
		s.log.Error("server: failed to un-exclude wallet", "wallet", wallet, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to remove excluded wallet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"wallet": wallet, "excluded": false})
}
