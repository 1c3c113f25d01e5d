// Package server exposes the HTTP API: public read endpoints, the
// admin trigger surface, webhook ingestion, the websocket stream, and
// the operational endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foundrylabs/foundry/internal/buyback"
	"github.com/foundrylabs/foundry/internal/distribution"
	"github.com/foundrylabs/foundry/internal/store"
)

// Store is the persistence surface the API reads from.
type Store interface {
	SystemStats(ctx context.Context) (store.SystemStats, error)
	CurrentSnapshot(ctx context.Context) (*store.Snapshot, error)
	WalletBalance(ctx context.Context, snapshotID uuid.UUID, wallet string) (int64, int, error)
	TopHolders(ctx context.Context, snapshotID uuid.UUID, limit int) ([]store.Balance, error)
	LastDistribution(ctx context.Context) (*store.Distribution, error)
	ListDistributions(ctx context.Context, limit, offset int) ([]store.Distribution, error)
	DistributionRecipients(ctx context.Context, distributionID uuid.UUID) ([]store.DistributionRecipient, error)
	RecentBuybacks(ctx context.Context, limit int) ([]store.Buyback, error)
	WalletHistory(ctx context.Context, wallet string, limit, offset int) ([]store.WalletHistoryItem, error)
	UnprocessedRewards(ctx context.Context) ([]store.CreatorReward, error)
	AddExcludedWallet(ctx context.Context, wallet, reason string) error
	RemoveExcludedWallet(ctx context.Context, wallet string) error
	ExcludedWallets(ctx context.Context) (map[string]string, error)
}

// Ledger is the chain surface the API reads from.
type Ledger interface {
	GetSOLBalance(ctx context.Context, wallet string) (uint64, error)
	GetTokenBalance(ctx context.Context, wallet, mint string) (uint64, error)
}

// SnapshotRunner triggers an on-demand snapshot.
type SnapshotRunner interface {
	TakeSnapshot(ctx context.Context) (store.Snapshot, error)
}

// BuybackRunner triggers an on-demand buyback cycle.
type BuybackRunner interface {
	Run(ctx context.Context) (buyback.Result, error)
}

// DistributionRunner triggers and inspects distribution cycles.
type DistributionRunner interface {
	RunCycle(ctx context.Context, trigger string) (distribution.Result, error)
	PreviewCycle(ctx context.Context) (distribution.Preview, error)
	RetryFailedTransfers(ctx context.Context) (int, error)
}

type Config struct {
	Logger *slog.Logger
	Store  Store
	Ledger Ledger

	Snapshots     SnapshotRunner
	Buybacks      BuybackRunner
	Distributions DistributionRunner

	// WebhookHandler serves POST /webhook/helius. Optional; the route
	// is absent without it.
	WebhookHandler http.Handler

	// WSHandler serves GET /ws. Optional.
	WSHandler http.Handler

	// AdminKey guards the /api/admin surface. Empty disables it.
	AdminKey string

	PoolWallet      string
	TreasuryWallet  string
	RewardTokenMint string

	// PoolValueUSD prices the pool for /api/pool. Optional.
	PoolValueUSD func(ctx context.Context, rewardAmount uint64) (float64, error)

	// PoolReadyUSD is the advertised readiness threshold.
	PoolReadyUSD float64

	CORSOrigins []string
	Version     string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.PoolWallet == "" {
		return errors.New("pool wallet is required")
	}
	if cfg.RewardTokenMint == "" {
		return errors.New("reward token mint is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

// Server is the HTTP API.
type Server struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{log: cfg.Logger, cfg: cfg}, nil
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.cfg.WSHandler != nil {
		r.Method(http.MethodGet, "/ws", s.cfg.WSHandler)
	}
	r.Route("/api", func(r chi.Router) {
		if s.cfg.WebhookHandler != nil {
			r.Method(http.MethodPost, "/webhook/helius", s.cfg.WebhookHandler)
		}

		r.Get("/stats", s.handleStats)
		r.Get("/pool", s.handlePool)
		r.Get("/buybacks", s.handleBuybacks)
		r.Get("/distributions", s.handleDistributions)
		r.Get("/distributions/{id}", s.handleDistributionDetail)
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/user/{wallet}", s.handleUser)
		r.Get("/user/{wallet}/history", s.handleUserHistory)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/trigger/snapshot", s.handleAdminSnapshot)
			r.Post("/trigger/buyback", s.handleAdminBuyback)
			r.Post("/trigger/distribution", s.handleAdminDistribute)
			r.Get("/distribution-preview", s.handleAdminPreview)
			r.Post("/retry-transfers", s.handleAdminRetryTransfers)
			r.Get("/pending-rewards", s.handleAdminPendingRewards)
			r.Get("/pool-balance", s.handleAdminPoolBalance)
			r.Get("/excluded-wallets", s.handleAdminListExcluded)
			r.Post("/excluded-wallets", s.handleAdminAddExcluded)
			r.Delete("/excluded-wallets/{wallet}", s.handleAdminRemoveExcluded)
		})
	})

	return r
}

// requireAdmin guards the admin surface with the configured key. An
// unset key disables the surface entirely rather than leaving it open.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			respondError(w, http.StatusNotFound, "admin api disabled")
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if key != s.cfg.AdminKey {
			s.log.Warn("server: rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			respondError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the store must answer.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Store.SystemStats(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}
