package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mr-tron/base58"
)

// Config holds all runtime configuration for the foundry daemon. Values
// are read from the environment; Validate must pass before anything
// starts.
type Config struct {
	Environment string

	// HTTP
	ListenAddr  string
	CORSOrigins string
	AdminAPIKey string

	// PostgreSQL
	PostgresURL   string
	RunMigrations bool

	// Solana
	RPCURL              string
	HoldTokenMint       string
	HoldTokenDecimals   int
	RewardTokenMint     string
	RewardTokenDecimals int

	// Wallets
	TreasuryWalletKey string // base58 private key of the creator/treasury wallet
	PoolWalletKey     string // base58 private key of the reward pool wallet
	TeamWallet        string // public address
	AlgoBotWallet     string // public address

	// Reward split, in whole percents. Must sum to 100.
	RewardPoolPercent int
	AlgoBotPercent    int
	TeamPercent       int

	// Of the reward pool allocation: swapped now vs held as SOL reserve.
	// Must sum to 100.
	BuybackSwapPercent    int
	BuybackReservePercent int

	// Thresholds
	MinBuybackLamports uint64 // treasury balance below this is a no-op
	DustThreshold      uint64 // holder balances at or below this are ignored
	PoolReadyUSD       float64

	// Scheduling
	SnapshotInterval     time.Duration
	BuybackInterval      time.Duration
	DistributionInterval time.Duration
	LockTTL              time.Duration

	// Transfers
	TransferBatchSize int
	TransferRate      float64 // transfers per second submitted to the RPC

	// Jupiter
	JupiterBaseURL     string
	SlippageBps        int
	MaxSlippageBps     int
	QuoteMaxAge        time.Duration

	// Webhook
	WebhookSecret    string
	WebhookAllowIPs  string // comma-separated; empty disables the IP check
	WebhookMaxAge    time.Duration
}

// Load reads configuration from the environment with defaults matching
// production operation.
func Load() Config {
	return Config{
		Environment: envString("FOUNDRY_ENV", "development"),

		ListenAddr:  envString("LISTEN_ADDR", ":8080"),
		CORSOrigins: envString("CORS_ORIGINS", "http://localhost:3000"),
		AdminAPIKey: os.Getenv("ADMIN_API_KEY"),

		PostgresURL:   os.Getenv("POSTGRES_URL"),
		RunMigrations: os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true",

		RPCURL:              envString("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		HoldTokenMint:       os.Getenv("HOLD_TOKEN_MINT"),
		HoldTokenDecimals:   envInt("HOLD_TOKEN_DECIMALS", 9),
		RewardTokenMint:     os.Getenv("REWARD_TOKEN_MINT"),
		RewardTokenDecimals: envInt("REWARD_TOKEN_DECIMALS", 6),

		TreasuryWalletKey: os.Getenv("TREASURY_WALLET_PRIVATE_KEY"),
		PoolWalletKey:     os.Getenv("POOL_WALLET_PRIVATE_KEY"),
		TeamWallet:        os.Getenv("TEAM_WALLET"),
		AlgoBotWallet:     os.Getenv("ALGO_BOT_WALLET"),

		RewardPoolPercent: envInt("REWARD_POOL_PERCENT", 80),
		AlgoBotPercent:    envInt("ALGO_BOT_PERCENT", 10),
		TeamPercent:       envInt("TEAM_PERCENT", 10),

		BuybackSwapPercent:    envInt("BUYBACK_SWAP_PERCENT", 20),
		BuybackReservePercent: envInt("BUYBACK_RESERVE_PERCENT", 80),

		MinBuybackLamports: envUint64("MIN_BUYBACK_LAMPORTS", 10_000_000), // 0.01 SOL
		DustThreshold:      envUint64("DUST_THRESHOLD", 0),
		PoolReadyUSD:       envFloat64("POOL_READY_USD", 250),

		SnapshotInterval:     envDuration("SNAPSHOT_INTERVAL", 15*time.Minute),
		BuybackInterval:      envDuration("BUYBACK_INTERVAL", time.Hour),
		DistributionInterval: envDuration("DISTRIBUTION_INTERVAL", time.Hour),
		LockTTL:              envDuration("DISTRIBUTION_LOCK_TTL", 10*time.Minute),

		TransferBatchSize: envInt("TRANSFER_BATCH_SIZE", 20),
		TransferRate:      envFloat64("TRANSFER_RATE", 6),

		JupiterBaseURL: envString("JUPITER_BASE_URL", "https://quote-api.jup.ag/v6"),
		SlippageBps:    envInt("JUPITER_SLIPPAGE_BPS", 50),
		MaxSlippageBps: envInt("JUPITER_MAX_SLIPPAGE_BPS", 200),
		QuoteMaxAge:    envDuration("JUPITER_QUOTE_MAX_AGE", 50*time.Second),

		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		WebhookAllowIPs: os.Getenv("WEBHOOK_ALLOW_IPS"),
		WebhookMaxAge:   envDuration("WEBHOOK_MAX_AGE", 5*time.Minute),
	}
}

// Validate enforces the configuration invariants. A violation here is
// fatal at startup, never auto-corrected.
func (cfg *Config) Validate() error {
	if cfg.PostgresURL == "" {
		return errors.New("POSTGRES_URL is required")
	}
	if cfg.HoldTokenMint == "" {
		return errors.New("HOLD_TOKEN_MINT is required")
	}
	if cfg.RewardTokenMint == "" {
		return errors.New("REWARD_TOKEN_MINT is required")
	}
	for name, addr := range map[string]string{
		"HOLD_TOKEN_MINT":   cfg.HoldTokenMint,
		"REWARD_TOKEN_MINT": cfg.RewardTokenMint,
		"TEAM_WALLET":       cfg.TeamWallet,
		"ALGO_BOT_WALLET":   cfg.AlgoBotWallet,
	} {
		if addr == "" {
			continue
		}
		if err := validateAddress(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if cfg.HoldTokenDecimals < 0 || cfg.HoldTokenDecimals > 18 {
		return fmt.Errorf("hold token decimals out of range: %d", cfg.HoldTokenDecimals)
	}
	if cfg.RewardTokenDecimals < 0 || cfg.RewardTokenDecimals > 18 {
		return fmt.Errorf("reward token decimals out of range: %d", cfg.RewardTokenDecimals)
	}

	if sum := cfg.RewardPoolPercent + cfg.AlgoBotPercent + cfg.TeamPercent; sum != 100 {
		return fmt.Errorf("reward split must sum to 100, got %d (pool=%d bot=%d team=%d)",
			sum, cfg.RewardPoolPercent, cfg.AlgoBotPercent, cfg.TeamPercent)
	}
	if cfg.RewardPoolPercent < 0 || cfg.AlgoBotPercent < 0 || cfg.TeamPercent < 0 {
		return errors.New("reward split percentages must be non-negative")
	}

	if sum := cfg.BuybackSwapPercent + cfg.BuybackReservePercent; sum != 100 {
		return fmt.Errorf("buyback split must sum to 100, got %d (swap=%d reserve=%d)",
			sum, cfg.BuybackSwapPercent, cfg.BuybackReservePercent)
	}
	if cfg.BuybackSwapPercent < 0 || cfg.BuybackReservePercent < 0 {
		return errors.New("buyback split percentages must be non-negative")
	}

	if cfg.SnapshotInterval <= 0 {
		return errors.New("snapshot interval must be greater than 0")
	}
	if cfg.BuybackInterval <= 0 {
		return errors.New("buyback interval must be greater than 0")
	}
	if cfg.DistributionInterval <= 0 {
		return errors.New("distribution interval must be greater than 0")
	}
	if cfg.LockTTL <= 0 {
		return errors.New("distribution lock TTL must be greater than 0")
	}
	if cfg.TransferBatchSize <= 0 {
		return errors.New("transfer batch size must be greater than 0")
	}
	if cfg.SlippageBps < 0 || cfg.MaxSlippageBps <= 0 {
		return errors.New("slippage settings must be non-negative")
	}
	return nil
}

// SafeSlippageBps returns the configured slippage capped at the maximum.
// The cap bounds how much a sandwiching counterparty can extract.
func (cfg *Config) SafeSlippageBps() int {
	if cfg.SlippageBps > cfg.MaxSlippageBps {
		return cfg.MaxSlippageBps
	}
	return cfg.SlippageBps
}

// IsProduction reports whether the daemon runs in production mode.
// Production tightens the webhook surface (IP allowlist enforced).
func (cfg *Config) IsProduction() bool {
	return cfg.Environment == "production"
}

// validateAddress checks that a value is a well-formed Solana address:
// base58 text decoding to a 32-byte public key.
func validateAddress(addr string) error {
	decoded, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("not a base58 address: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("address decodes to %d bytes, want 32", len(decoded))
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envUint64(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat64(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
