// Package webhook ingests Helius enhanced-transaction deliveries that
// carry creator revenue into the treasury wallet. Delivery is
// at-least-once; the transaction signature is the dedup boundary, so a
// replayed delivery is acknowledged without effect.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/foundrylabs/foundry/internal/metrics"
	"github.com/foundrylabs/foundry/internal/store"
)

const maxBodyBytes = 1 << 20

// Store is the persistence surface the handler needs.
type Store interface {
	RecordRevenueEvent(ctx context.Context, event store.WebhookEvent, reward store.CreatorReward) (bool, error)
}

type Config struct {
	Logger *slog.Logger
	Store  Store
	Clock  clockwork.Clock

	// Secret authenticates deliveries: either as a shared Authorization
	// value or as the HMAC key when the sender signs the body.
	Secret string

	// TreasuryWallet is the revenue destination; only transfers into it
	// count as creator rewards.
	TreasuryWallet string

	// AllowIPs restricts senders when non-empty.
	AllowIPs []string

	// MaxAge rejects deliveries whose transaction timestamp is older
	// than this, bounding the replay surface.
	MaxAge time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Secret == "" {
		return errors.New("secret is required")
	}
	if cfg.TreasuryWallet == "" {
		return errors.New("treasury wallet is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler processes webhook deliveries.
type Handler struct {
	log     *slog.Logger
	cfg     Config
	clock   clockwork.Clock
	allowed map[string]struct{}
}

func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(cfg.AllowIPs))
	for _, ip := range cfg.AllowIPs {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			allowed[ip] = struct{}{}
		}
	}
	return &Handler{
		log:     cfg.Logger,
		cfg:     cfg,
		clock:   cfg.Clock,
		allowed: allowed,
	}, nil
}

// transaction is the subset of a Helius enhanced transaction the engine
// consumes.
type transaction struct {
	Signature       string           `json:"signature"`
	Type            string           `json:"type"`
	Timestamp       int64            `json:"timestamp"`
	NativeTransfers []nativeTransfer `json:"nativeTransfers"`
}

type nativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"`
}

// ServeHTTP handles one delivery. The response is 200 for anything
// authenticated, parseable, and durably recorded, including replays and
// transactions that carry no revenue. A store failure answers 500 so
// the sender redelivers; the signature dedup absorbs the replay of
// whatever did get recorded.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.allowedSender(r) {
		metrics.WebhookEventsTotal.WithLabelValues("forbidden").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.authenticate(r, body) {
		metrics.WebhookEventsTotal.WithLabelValues("unauthorized").Inc()
		h.log.Warn("webhook: rejected unauthenticated delivery", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var transactions []transaction
	if err := json.Unmarshal(body, &transactions); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("malformed").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	var recorded, duplicates, stale, failed int
	for _, tx := range transactions {
		switch h.process(r.Context(), tx) {
		case outcomeRecorded:
			recorded++
		case outcomeDuplicate:
			duplicates++
		case outcomeStale:
			stale++
		case outcomeFailed:
			failed++
		}
	}

	if failed > 0 {
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		h.log.Error("webhook: delivery not fully recorded",
			"transactions", len(transactions), "failed", failed)
		http.Error(w, "failed to record delivery", http.StatusInternalServerError)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues("ok").Inc()
	h.log.Info("webhook: delivery processed",
		"transactions", len(transactions),
		"recorded", recorded,
		"duplicates", duplicates,
		"stale", stale)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"recorded":   recorded,
		"duplicates": duplicates,
	})
}

type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeRecorded
	outcomeDuplicate
	outcomeStale
	outcomeFailed
)

func (h *Handler) process(ctx context.Context, tx transaction) outcome {
	if tx.Signature == "" {
		return outcomeIgnored
	}

	if tx.Timestamp > 0 {
		age := h.clock.Now().Sub(time.Unix(tx.Timestamp, 0))
		if age > h.cfg.MaxAge {
			h.log.Debug("webhook: dropping stale transaction",
				"signature", tx.Signature, "age", age.Round(time.Second))
			return outcomeStale
		}
	}

	var amount int64
	for _, transfer := range tx.NativeTransfers {
		if transfer.ToUserAccount == h.cfg.TreasuryWallet {
			amount += transfer.Amount
		}
	}
	if amount <= 0 {
		return outcomeIgnored
	}

	now := h.clock.Now().UTC()
	inserted, err := h.cfg.Store.RecordRevenueEvent(ctx, store.WebhookEvent{
		TxSignature: tx.Signature,
		EventType:   tx.Type,
		ReceivedAt:  now,
	}, store.CreatorReward{
		ID:          uuid.New(),
		TxSignature: tx.Signature,
		Amount:      amount,
		Source:      strings.ToLower(tx.Type),
		ReceivedAt:  now,
	})
	if err != nil {
		h.log.Error("webhook: failed to record revenue event", "signature", tx.Signature, "error", err)
		return outcomeFailed
	}
	if !inserted {
		return outcomeDuplicate
	}

	h.log.Info("webhook: creator reward recorded",
		"signature", tx.Signature, "amount", amount)
	return outcomeRecorded
}

// authenticate accepts either an HMAC-SHA256 body signature or the raw
// shared secret in the Authorization header. Both compare in constant
// time.
func (h *Handler) authenticate(r *http.Request, body []byte) bool {
	if sig := r.Header.Get("X-Webhook-Signature"); sig != "" {
		mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected))
	}

	auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(auth), []byte(h.cfg.Secret)) == 1
}

func (h *Handler) allowedSender(r *http.Request) bool {
	if len(h.allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	_, ok := h.allowed[host]
	return ok
}
