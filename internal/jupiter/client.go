// Package jupiter is a thin client for the Jupiter v6 swap aggregator:
// quote lookup and swap-transaction construction. Signing and
// submission stay with the caller.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultBaseURL is the public Jupiter v6 API endpoint.
	DefaultBaseURL = "https://quote-api.jup.ag/v6"

	requestTimeout = 15 * time.Second
)

var (
	// ErrQuoteExpired is returned when a quote is older than the
	// configured freshness window at swap-build time.
	ErrQuoteExpired = errors.New("quote expired")

	// ErrNoRoute is returned when the aggregator has no route for the
	// requested pair and amount.
	ErrNoRoute = errors.New("no swap route available")
)

// APIError is a non-2xx response from the Jupiter API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jupiter api error: status %d: %s", e.Status, e.Body)
}

// StatusCode reports the HTTP status, which retry policies use to
// decide whether the call is worth repeating.
func (e *APIError) StatusCode() int {
	return e.Status
}

// Quote is one priced route returned by the aggregator. Raw holds the
// untouched response payload because the swap endpoint requires it
// verbatim.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct float64
	SlippageBps    int

	Raw       json.RawMessage
	FetchedAt time.Time
}

// Age reports how long ago the quote was fetched.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// BaseURL defaults to the public v6 endpoint.
	BaseURL string

	// HTTPClient defaults to a client with a request timeout.
	HTTPClient *http.Client

	// QuoteMaxAge bounds how stale a quote may be when building the
	// swap transaction.
	QuoteMaxAge time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if cfg.QuoteMaxAge <= 0 {
		cfg.QuoteMaxAge = 50 * time.Second
	}
	return nil
}

type Client struct {
	log   *slog.Logger
	cfg   Config
	http  *http.Client
	clock clockwork.Clock
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:   cfg.Logger,
		cfg:   cfg,
		http:  cfg.HTTPClient,
		clock: cfg.Clock,
	}, nil
}

type quoteResponse struct {
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	ErrorMessage   string `json:"error"`
}

// GetQuote fetches a priced route for swapping amount units of
// inputMint into outputMint at the given slippage tolerance.
func (c *Client) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error) {
	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", strconv.FormatUint(amount, 10))
	params.Set("slippageBps", strconv.Itoa(slippageBps))

	body, err := c.get(ctx, "/quote?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed quoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	if parsed.ErrorMessage != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, parsed.ErrorMessage)
	}

	inAmount, err := strconv.ParseUint(parsed.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quote inAmount %q: %w", parsed.InAmount, err)
	}
	outAmount, err := strconv.ParseUint(parsed.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quote outAmount %q: %w", parsed.OutAmount, err)
	}
	priceImpact, _ := strconv.ParseFloat(parsed.PriceImpactPct, 64)

	return &Quote{
		InputMint:      parsed.InputMint,
		OutputMint:     parsed.OutputMint,
		InAmount:       inAmount,
		OutAmount:      outAmount,
		PriceImpactPct: priceImpact,
		SlippageBps:    slippageBps,
		Raw:            body,
		FetchedAt:      c.clock.Now(),
	}, nil
}

type swapRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSOL bool            `json:"wrapAndUnwrapSol"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
	ErrorMessage    string `json:"error"`
}

// BuildSwapTransaction exchanges a fresh quote for a base64-encoded
// unsigned transaction. A quote past the freshness window is rejected;
// the caller should re-quote rather than swap on stale pricing.
func (c *Client) BuildSwapTransaction(ctx context.Context, quote *Quote, userPublicKey string) (string, error) {
	if age := quote.Age(c.clock.Now()); age > c.cfg.QuoteMaxAge {
		return "", fmt.Errorf("%w: quote is %s old, max %s", ErrQuoteExpired, age.Round(time.Second), c.cfg.QuoteMaxAge)
	}

	payload, err := json.Marshal(swapRequest{
		QuoteResponse:    quote.Raw,
		UserPublicKey:    userPublicKey,
		WrapAndUnwrapSOL: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode swap request: %w", err)
	}

	body, err := c.post(ctx, "/swap", payload)
	if err != nil {
		return "", err
	}

	var parsed swapResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode swap response: %w", err)
	}
	if parsed.ErrorMessage != "" {
		return "", fmt.Errorf("swap build rejected: %s", parsed.ErrorMessage)
	}
	if parsed.SwapTransaction == "" {
		return "", errors.New("swap response missing transaction")
	}
	return parsed.SwapTransaction, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupiter request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read jupiter response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
