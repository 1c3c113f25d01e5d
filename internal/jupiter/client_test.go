package jupiter_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/foundrylabs/foundry/internal/jupiter"
	"github.com/foundrylabs/foundry/pkg/logger"
)

func newTestClient(t *testing.T, handler http.Handler, clock clockwork.Clock) *jupiter.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := jupiter.New(jupiter.Config{
		Logger:      logger.New(false),
		Clock:       clock,
		BaseURL:     srv.URL,
		QuoteMaxAge: 50 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestFoundry_Jupiter_GetQuote(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "So11111111111111111111111111111111111111112", r.URL.Query().Get("inputMint"))
		require.Equal(t, "1600000000", r.URL.Query().Get("amount"))
		require.Equal(t, "100", r.URL.Query().Get("slippageBps"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"inputMint":      r.URL.Query().Get("inputMint"),
			"outputMint":     r.URL.Query().Get("outputMint"),
			"inAmount":       "1600000000",
			"outAmount":      "42000000000",
			"priceImpactPct": "0.12",
		})
	})

	client := newTestClient(t, mux, clockwork.NewRealClock())

	quote, err := client.GetQuote(t.Context(),
		"So11111111111111111111111111111111111111112", "RewardMint1111111111111111111111111111111111",
		1_600_000_000, 100)
	require.NoError(t, err)
	require.EqualValues(t, 1_600_000_000, quote.InAmount)
	require.EqualValues(t, 42_000_000_000, quote.OutAmount)
	require.InDelta(t, 0.12, quote.PriceImpactPct, 1e-9)
}

func TestFoundry_Jupiter_GetQuote_NoRoute(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "Could not find any route"})
	})

	client := newTestClient(t, mux, clockwork.NewRealClock())

	_, err := client.GetQuote(t.Context(), "in", "out", 1, 100)
	require.ErrorIs(t, err, jupiter.ErrNoRoute)
}

func TestFoundry_Jupiter_BuildSwap_RejectsStaleQuote(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Now().UTC())

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"inAmount": "1", "outAmount": "2", "priceImpactPct": "0",
		})
	})
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "payer", req["userPublicKey"])
		_ = json.NewEncoder(w).Encode(map[string]any{"swapTransaction": "c2lnbmVk"})
	})

	client := newTestClient(t, mux, clock)

	quote, err := client.GetQuote(t.Context(), "in", "out", 1, 100)
	require.NoError(t, err)

	tx, err := client.BuildSwapTransaction(t.Context(), quote, "payer")
	require.NoError(t, err)
	require.Equal(t, "c2lnbmVk", tx)

	clock.Advance(51 * time.Second)
	_, err = client.BuildSwapTransaction(t.Context(), quote, "payer")
	require.ErrorIs(t, err, jupiter.ErrQuoteExpired)
}

func TestFoundry_Jupiter_APIError_StatusCode(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	client := newTestClient(t, mux, clockwork.NewRealClock())

	_, err := client.GetQuote(t.Context(), "in", "out", 1, 100)
	require.Error(t, err)

	var apiErr *jupiter.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode())
}
