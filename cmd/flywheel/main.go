package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/powerpump/flywheel/pkg/config"
	"github.com/powerpump/flywheel/pkg/holders"
	"github.com/powerpump/flywheel/pkg/ledger"
	"github.com/powerpump/flywheel/pkg/metrics"
	"github.com/powerpump/flywheel/pkg/pipeline"
	"github.com/powerpump/flywheel/pkg/pumpportal"
	"github.com/powerpump/flywheel/pkg/scheduler"
	"github.com/powerpump/flywheel/pkg/server"
	solanaclient "github.com/powerpump/flywheel/pkg/solana"
	"github.com/powerpump/flywheel/pkg/wallet"
	"github.com/powerpump/flywheel/utils/pkg/logger"
)

// Set via LDFLAGS at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", "", "HTTP listen address (overrides LISTEN_ADDR env var)")
	migrateFlag := flag.Bool("migrate", true, "run database migrations on startup")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	flag.Parse()

	log := logger.New(*verboseFlag)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *listenAddrFlag != "" {
		cfg.ListenAddr = *listenAddrFlag
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("flywheel: starting",
		"version", version,
		"mode", cfg.Mode,
		"interval", cfg.Interval,
		"mint_configured", !cfg.Mint.IsZero(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chain, err := solanaclient.New(solanaclient.Config{
		Logger: log,
		RPCURL: cfg.RPCURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}

	trade, err := pumpportal.New(pumpportal.Config{
		Logger:      log,
		BaseURL:     cfg.PumpPortalBaseURL,
		APIKey:      cfg.PumpPortalAPIKey,
		Pool:        cfg.Pool,
		PriorityFee: cfg.PriorityFeeSOL,
	})
	if err != nil {
		return fmt.Errorf("failed to create trade client: %w", err)
	}

	operatorWallet, err := wallet.New(wallet.Config{
		Logger: log,
		Secret: cfg.WalletSecret,
		RPCURL: cfg.RPCURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}

	store, err := newLedger(ctx, log, cfg, *migrateFlag)
	if err != nil {
		return err
	}

	excluded := []solana.PublicKey{operatorWallet.PublicKey()}
	if !cfg.DevWallet.IsZero() {
		excluded = append(excluded, cfg.DevWallet)
	}
	selector, err := holders.NewSelector(holders.SelectorConfig{
		Logger:   log,
		Chain:    chain,
		Excluded: excluded,
	})
	if err != nil {
		return fmt.Errorf("failed to create holder selector: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Logger:           log,
		Chain:            chain,
		Trade:            trade,
		Wallet:           operatorWallet,
		Ledger:           store,
		Selector:         selector,
		Mode:             cfg.Mode,
		Mint:             cfg.Mint,
		Interval:         cfg.Interval,
		ReserveLamports:  cfg.ReserveLamports,
		MinClaimLamports: cfg.MinClaimLamports,
		SettleDelay:      cfg.SettleDelay,
		SwapSettleDelay:  cfg.SwapSettleDelay,
		SlippageBps:      cfg.SlippageBps,
		PriorityFee:      cfg.PriorityFeeSOL,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: cfg.ListenAddr,
		Runner:     pipe,
		Ledger:     store,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		ShutdownTimeout: *shutdownTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	if cfg.SchedulerEnable {
		sched, err := scheduler.New(scheduler.Config{
			Logger:   log,
			Runner:   pipe,
			Interval: cfg.Interval,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		g.Go(func() error {
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	} else {
		log.Info("flywheel: scheduler disabled, cycles run on manual trigger only")
	}

	if err := g.Wait(); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		return err
	}
	log.Info("flywheel: shutdown complete")
	return nil
}

// newLedger picks the persistent store when a database is configured and
// falls back to the bounded in-memory store otherwise.
func newLedger(ctx context.Context, log *slog.Logger, cfg *config.Config, migrate bool) (ledger.Ledger, error) {
	if !cfg.Postgres.Configured() {
		log.Warn("flywheel: no database configured, cycle history will not survive restarts")
		return ledger.NewMemoryStore(ledger.MemoryStoreConfig{Logger: log})
	}

	connStr := cfg.Postgres.ConnString()
	if migrate {
		if err := ledger.RunMigrations(log, connStr); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return ledger.NewPostgresStore(ledger.PostgresStoreConfig{Logger: log, Pool: pool})
}
