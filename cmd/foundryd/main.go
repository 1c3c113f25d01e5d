package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/foundrylabs/foundry/internal/buyback"
	"github.com/foundrylabs/foundry/internal/config"
	"github.com/foundrylabs/foundry/internal/distribution"
	"github.com/foundrylabs/foundry/internal/jupiter"
	"github.com/foundrylabs/foundry/internal/server"
	"github.com/foundrylabs/foundry/internal/snapshot"
	solclient "github.com/foundrylabs/foundry/internal/solana"
	"github.com/foundrylabs/foundry/internal/store"
	"github.com/foundrylabs/foundry/internal/webhook"
	"github.com/foundrylabs/foundry/internal/ws"
	"github.com/foundrylabs/foundry/pkg/logger"
)

// USDCMint prices the pool in dollars through the aggregator.
const USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

var version = "dev"

func main() {
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	envFile := pflag.String("env-file", "", "path to a .env file to load")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	log := logger.New(*verbose)

	if err := run(log); err != nil {
		log.Error("foundryd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting foundryd",
		"version", version,
		"environment", cfg.Environment,
		"listen", cfg.ListenAddr)

	if cfg.RunMigrations {
		if err := store.RunMigrations(log, cfg.PostgresURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := store.NewPool(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	db, err := store.New(store.Config{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	ledger, err := solclient.NewClient(solclient.ClientConfig{
		Logger:     log,
		RPCURL:     cfg.RPCURL,
		SubmitRate: cfg.TransferRate,
	})
	if err != nil {
		return fmt.Errorf("failed to create solana client: %w", err)
	}

	jup, err := jupiter.New(jupiter.Config{
		Logger:      log,
		BaseURL:     cfg.JupiterBaseURL,
		QuoteMaxAge: cfg.QuoteMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create jupiter client: %w", err)
	}

	treasuryKey, err := solana.PrivateKeyFromBase58(cfg.TreasuryWalletKey)
	if err != nil {
		return fmt.Errorf("invalid treasury wallet key: %w", err)
	}
	poolKey, err := solana.PrivateKeyFromBase58(cfg.PoolWalletKey)
	if err != nil {
		return fmt.Errorf("invalid pool wallet key: %w", err)
	}
	treasuryWallet := treasuryKey.PublicKey().String()
	poolWallet := poolKey.PublicKey().String()

	poolValueUSD := poolPricer(jup, cfg.RewardTokenMint, cfg.RewardTokenDecimals, cfg.SafeSlippageBps())

	hub, err := ws.NewHub(ws.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create websocket hub: %w", err)
	}
	go hub.Run()
	defer hub.Stop()

	snapshots, err := snapshot.New(snapshot.Config{
		Logger:        log,
		Ledger:        ledger,
		Store:         db,
		Notifier:      hub,
		Mint:          cfg.HoldTokenMint,
		DustThreshold: cfg.DustThreshold,
		Interval:      cfg.SnapshotInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot engine: %w", err)
	}

	buybacks, err := buyback.New(buyback.Config{
		Logger:              log,
		Ledger:              ledger,
		Swapper:             jup,
		Store:               db,
		Notifier:            hub,
		TreasuryKey:         cfg.TreasuryWalletKey,
		PoolWallet:          poolWallet,
		TeamWallet:          cfg.TeamWallet,
		AlgoBotWallet:       cfg.AlgoBotWallet,
		RewardTokenMint:     cfg.RewardTokenMint,
		RewardTokenDecimals: uint8(cfg.RewardTokenDecimals),
		RewardPoolPercent:   cfg.RewardPoolPercent,
		AlgoBotPercent:      cfg.AlgoBotPercent,
		TeamPercent:         cfg.TeamPercent,
		SwapPercent:         cfg.BuybackSwapPercent,
		MinLamports:         cfg.MinBuybackLamports,
		SlippageBps:         cfg.SafeSlippageBps(),
		Interval:            cfg.BuybackInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create buyback engine: %w", err)
	}

	distributions, err := distribution.New(distribution.Config{
		Logger:              log,
		Ledger:              ledger,
		Store:               db,
		Notifier:            hub,
		PoolWalletKey:       cfg.PoolWalletKey,
		PoolWallet:          poolWallet,
		RewardTokenMint:     cfg.RewardTokenMint,
		RewardTokenDecimals: uint8(cfg.RewardTokenDecimals),
		PoolValueUSD:        poolValueUSD,
		LockTTL:             cfg.LockTTL,
		BatchSize:           cfg.TransferBatchSize,
		Interval:            cfg.DistributionInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create distribution engine: %w", err)
	}

	var webhookHandler http.Handler
	if cfg.WebhookSecret != "" {
		var allowIPs []string
		if cfg.IsProduction() && cfg.WebhookAllowIPs != "" {
			allowIPs = strings.Split(cfg.WebhookAllowIPs, ",")
		}
		webhookHandler, err = webhook.New(webhook.Config{
			Logger:         log,
			Store:          db,
			Secret:         cfg.WebhookSecret,
			TreasuryWallet: treasuryWallet,
			AllowIPs:       allowIPs,
			MaxAge:         cfg.WebhookMaxAge,
		})
		if err != nil {
			return fmt.Errorf("failed to create webhook handler: %w", err)
		}
	} else {
		log.Warn("webhook secret not set, webhook ingestion disabled")
	}

	api, err := server.New(server.Config{
		Logger:          log,
		Store:           db,
		Ledger:          ledger,
		Snapshots:       snapshots,
		Buybacks:        buybacks,
		Distributions:   distributions,
		WebhookHandler:  webhookHandler,
		WSHandler:       hub,
		AdminKey:        cfg.AdminAPIKey,
		PoolWallet:      poolWallet,
		TreasuryWallet:  treasuryWallet,
		RewardTokenMint: cfg.RewardTokenMint,
		PoolValueUSD:    poolValueUSD,
		PoolReadyUSD:    cfg.PoolReadyUSD,
		CORSOrigins:     strings.Split(cfg.CORSOrigins, ","),
		Version:         version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	snapshots.Start(ctx)
	buybacks.Start(ctx)
	distributions.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("foundryd stopped")
	return nil
}

// poolPricer values reward-token amounts in USD by quoting one whole
// token against USDC.
func poolPricer(jup *jupiter.Client, mint string, decimals, slippageBps int) func(ctx context.Context, rewardAmount uint64) (float64, error) {
	oneToken := uint64(math.Pow10(decimals))
	return func(ctx context.Context, rewardAmount uint64) (float64, error) {
		if rewardAmount == 0 {
			return 0, nil
		}
		quote, err := jup.GetQuote(ctx, mint, USDCMint, oneToken, slippageBps)
		if err != nil {
			return 0, err
		}
		// USDC has 6 decimals.
		pricePerToken := float64(quote.OutAmount) / 1e6
		tokens := float64(rewardAmount) / float64(oneToken)
		return pricePerToken * tokens, nil
	}
}
