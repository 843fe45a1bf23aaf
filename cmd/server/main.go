/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commute rewards server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env files, read environment, parse command-line flags
  2. Initialize store (PostgreSQL if DATABASE_URL is set, else SQLite)
  3. Initialize ledger (ERC-20 over JSON-RPC if ETH_RPC_URL is set,
     else the in-process simulated ledger)
  4. Create API handler, router and balance sync
  5. Run server and balance sync until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: $PORT or 8080)
  -db         SQLite database path (default: $DB_PATH or rewards.db)
              Use ":memory:" for in-memory database
  -log-level  debug | info | warn | error

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop balance sync
  4. Close database connection
  5. Exit

EXAMPLES:
  # Local development with simulated ledger
  ./server -db=":memory:" -log-level=debug

  # Against a testnet token
  ETH_RPC_URL=https://sepolia.example CHAIN_ID=11155111 \
  TOKEN_ADDRESS=0x... MINTER_PRIVATE_KEY=... JWT_SECRET=... ./server

SEE ALSO:
  - config/config.go: All environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Balance sync
*/
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/commute-rewards/api"
	"github.com/warp/commute-rewards/chain"
	"github.com/warp/commute-rewards/config"
	"github.com/warp/commute-rewards/generic"
	"github.com/warp/commute-rewards/logging"
	"github.com/warp/commute-rewards/metrics"
	"github.com/warp/commute-rewards/store/postgres"
	"github.com/warp/commute-rewards/store/sqlite"
	"golang.org/x/sync/errgroup"
)

func main() {
	bootLogger := logging.New(logging.Options{Level: os.Getenv("LOG_LEVEL")})
	config.LoadEnv(bootLogger)

	cfg := config.FromEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	logger := logging.NewWithService("commute-rewards", logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
	logger.Info("Server stopped")
}

func run(cfg config.Config, logger logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Initialize ledger
	ledger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Session tokens
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate session secret: %w", err)
		}
		logger.Warn("JWT_SECRET not set; sessions will not survive a restart")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Store:       store,
		Ledger:      ledger,
		Auth:        api.NewAuthenticator(secret, cfg.SessionTTL),
		Metrics:     m,
		Logger:      logger,
		MintTimeout: cfg.MintTimeout,
	})

	opts := api.DefaultRouterOptions()
	opts.CORSOrigins = cfg.CORSOrigins
	opts.Gatherer = reg
	router := api.NewRouter(handler, opts)

	balanceSync := api.NewBalanceSync(handler.Sessions, ledger, cfg.BalanceSyncInterval)
	balanceSync.Metrics = m
	balanceSync.Logger = logger

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.MintTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		balanceSync.Start()
		<-gctx.Done()
		balanceSync.Stop()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger logging.Logger) (generic.Store, error) {
	if cfg.DatabaseURL != "" {
		store, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		logger.Info("Using PostgreSQL store")
		return store, nil
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.WithField("path", cfg.DBPath).Info("Using SQLite store")
	return store, nil
}

func openLedger(ctx context.Context, cfg config.Config, logger logging.Logger) (generic.Ledger, error) {
	if !cfg.ChainEnabled() {
		logger.Warn("ETH_RPC_URL not set; using simulated ledger")
		return chain.NewSimulated(), nil
	}

	key, err := chain.ParseMinterKey(cfg.MinterKey)
	if err != nil {
		return nil, err
	}
	client, err := chain.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger: %w", err)
	}

	ledger, err := chain.NewERC20Ledger(client, chain.ERC20Config{
		ChainID:      big.NewInt(cfg.ChainID),
		Token:        common.HexToAddress(cfg.TokenAddress),
		Decimals:     cfg.TokenDecimals,
		MinterKey:    key,
		PollInterval: cfg.ReceiptPollInterval,
		Logger:       logger,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	// A wrong network at boot is logged, not fatal; every mint checks again.
	if err := ledger.EnsureNetwork(ctx); err != nil {
		logger.WithError(err).Error("Ledger network check failed")
	}
	logger.WithFields(logging.Fields{
		"chain_id": cfg.ChainID,
		"token":    cfg.TokenAddress,
		"minter":   ledger.Minter().Hex(),
	}).Info("Using ERC-20 ledger")
	return ledger, nil
}
