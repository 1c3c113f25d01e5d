// Package solana wraps the chain RPC behind a small gateway: balance
// queries, holder enumeration, and transfer submission. No business
// logic lives here.
package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	// LamportsPerSOL is the number of lamports in one SOL.
	LamportsPerSOL = 1_000_000_000

	rpcTimeout     = 30 * time.Second
	confirmPoll    = 2 * time.Second
	confirmTimeout = 30 * time.Second

	// SPL token account fixed layout size, used to filter program
	// accounts down to token accounts.
	tokenAccountSize = 165
)

// Holder is one wallet's balance of the tracked mint.
type Holder struct {
	Wallet  string
	Balance uint64
}

// TransferRequest is one reward-token transfer within a batch.
type TransferRequest struct {
	Wallet string
	Amount uint64
}

type ClientConfig struct {
	Logger *slog.Logger
	RPCURL string
	Clock  clockwork.Clock

	// SubmitRate bounds transaction submissions per second so batched
	// transfers stay under provider rate limits.
	SubmitRate float64
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = 6
	}
	return nil
}

// Client is the ledger gateway over a Solana JSON-RPC endpoint.
type Client struct {
	log     *slog.Logger
	cfg     ClientConfig
	rpc     *solanarpc.Client
	clock   clockwork.Clock
	limiter *rate.Limiter
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		rpc:     solanarpc.New(cfg.RPCURL),
		clock:   cfg.Clock,
		limiter: rate.NewLimiter(rate.Limit(cfg.SubmitRate), 1),
	}, nil
}

// GetSOLBalance returns the wallet's native balance in lamports.
func (c *Client) GetSOLBalance(ctx context.Context, wallet string) (uint64, error) {
	pubkey, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return 0, fmt.Errorf("invalid wallet address %q: %w", wallet, err)
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	out, err := c.rpc.GetBalance(ctx, pubkey, solanarpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for %s: %w", wallet, err)
	}
	return out.Value, nil
}

// GetTokenBalance returns the wallet's balance of the given mint, in the
// token's smallest unit. A wallet without a token account holds zero.
func (c *Client) GetTokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	owner, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return 0, fmt.Errorf("invalid wallet address %q: %w", wallet, err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("invalid mint %q: %w", mint, err)
	}

	ata, _, err := solana.FindAssociatedTokenAddress(owner, mintKey)
	if err != nil {
		return 0, fmt.Errorf("failed to derive token account: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	out, err := c.rpc.GetTokenAccountBalance(ctx, ata, solanarpc.CommitmentConfirmed)
	if err != nil {
		// Missing account means zero balance, not an error.
		return 0, nil
	}
	if out.Value == nil {
		return 0, nil
	}

	var amount uint64
	if _, err := fmt.Sscan(out.Value.Amount, &amount); err != nil {
		return 0, fmt.Errorf("failed to parse token amount %q: %w", out.Value.Amount, err)
	}
	return amount, nil
}

// GetTokenHolders enumerates every wallet holding the mint, aggregating
// per owner across token accounts.
func (c *Client) GetTokenHolders(ctx context.Context, mint string) ([]Holder, error) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", mint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	accounts, err := c.rpc.GetProgramAccountsWithOpts(ctx, solana.TokenProgramID, &solanarpc.GetProgramAccountsOpts{
		Commitment: solanarpc.CommitmentConfirmed,
		Filters: []solanarpc.RPCFilter{
			{DataSize: tokenAccountSize},
			{Memcmp: &solanarpc.RPCFilterMemcmp{
				Offset: 0,
				Bytes:  solana.Base58(mintKey.Bytes()),
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate token accounts: %w", err)
	}

	byOwner := make(map[string]uint64, len(accounts))
	for _, account := range accounts {
		var tokenAccount token.Account
		if err := bin.NewBinDecoder(account.Account.Data.GetBinary()).Decode(&tokenAccount); err != nil {
			c.log.Warn("solana: skipping undecodable token account",
				"account", account.Pubkey.String(), "error", err)
			continue
		}
		if tokenAccount.Amount == 0 {
			continue
		}
		byOwner[tokenAccount.Owner.String()] += tokenAccount.Amount
	}

	holders := make([]Holder, 0, len(byOwner))
	for wallet, balance := range byOwner {
		holders = append(holders, Holder{Wallet: wallet, Balance: balance})
	}
	return holders, nil
}
