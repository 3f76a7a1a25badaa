// Package config assembles the runtime configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"

	"github.com/powerpump/flywheel/pkg/cycle"
	"github.com/powerpump/flywheel/pkg/ledger"
)

const (
	DefaultRPCURL            = "https://api.mainnet-beta.solana.com"
	DefaultPumpPortalBaseURL = "https://pumpportal.fun/api"
	DefaultListenAddr        = ":8080"
	DefaultInterval          = time.Hour
	DefaultReserveLamports   = 1_000_000
	DefaultMinClaimLamports  = 100_000
	DefaultSettleDelay       = 10 * time.Second
	DefaultSwapSettleDelay   = 5 * time.Second
	DefaultSlippageBps       = 1000
	DefaultPriorityFeeSOL    = 0.00005
)

type Config struct {
	RPCURL string

	PumpPortalBaseURL string
	PumpPortalAPIKey  string
	Pool              string

	WalletSecret string

	// Mint is zero when TOKEN_MINT is unset, which is a valid deployment
	// state: the service serves timing metadata and does no distribution.
	Mint solana.PublicKey

	// DevWallet is excluded from holder selection alongside the operator.
	DevWallet solana.PublicKey

	Mode     ledger.Mode
	Interval time.Duration

	ReserveLamports  int64
	MinClaimLamports int64
	SettleDelay      time.Duration
	SwapSettleDelay  time.Duration
	SlippageBps      uint64
	PriorityFeeSOL   float64

	Postgres PostgresConfig

	SchedulerEnable bool
	ListenAddr      string
}

// PostgresConfig mirrors the standard POSTGRES_* variables. Database empty
// means "run on the in-memory ledger".
type PostgresConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
}

// Configured reports whether a database was specified at all.
func (c PostgresConfig) Configured() bool {
	return c.Database != ""
}

func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

// Load reads the configuration from the environment. A .env file in the
// working directory is merged in first when present; real environment
// variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RPCURL:            getenv("SOLANA_RPC_URL", DefaultRPCURL),
		PumpPortalBaseURL: getenv("PUMPPORTAL_BASE_URL", DefaultPumpPortalBaseURL),
		PumpPortalAPIKey:  os.Getenv("PUMPPORTAL_API_KEY"),
		Pool:              getenv("PUMPPORTAL_POOL", "pump"),
		WalletSecret:      os.Getenv("WALLET_SECRET"),
		ListenAddr:        getenv("LISTEN_ADDR", DefaultListenAddr),
	}

	if cfg.PumpPortalAPIKey == "" {
		return nil, errors.New("PUMPPORTAL_API_KEY is required")
	}
	if cfg.WalletSecret == "" {
		return nil, errors.New("WALLET_SECRET is required")
	}

	if raw := os.Getenv("TOKEN_MINT"); raw != "" {
		mint, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_MINT: %w", err)
		}
		cfg.Mint = mint
	}

	if raw := os.Getenv("DEV_WALLET"); raw != "" {
		dev, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid DEV_WALLET: %w", err)
		}
		cfg.DevWallet = dev
	}

	mode := ledger.Mode(getenv("MODE", string(ledger.ModeForward)))
	if mode != ledger.ModeForward && mode != ledger.ModeBuyback {
		return nil, fmt.Errorf("MODE must be %q or %q, got %q", ledger.ModeForward, ledger.ModeBuyback, mode)
	}
	cfg.Mode = mode

	interval, err := getenvDuration("CYCLE_INTERVAL", DefaultInterval)
	if err != nil {
		return nil, err
	}
	if err := cycle.ValidateInterval(interval); err != nil {
		return nil, fmt.Errorf("invalid CYCLE_INTERVAL: %w", err)
	}
	cfg.Interval = interval

	if cfg.ReserveLamports, err = getenvInt64("RESERVE_LAMPORTS", DefaultReserveLamports); err != nil {
		return nil, err
	}
	if cfg.MinClaimLamports, err = getenvInt64("MIN_CLAIM_LAMPORTS", DefaultMinClaimLamports); err != nil {
		return nil, err
	}
	if cfg.SettleDelay, err = getenvDuration("SETTLE_DELAY", DefaultSettleDelay); err != nil {
		return nil, err
	}
	if cfg.SwapSettleDelay, err = getenvDuration("SWAP_SETTLE_DELAY", DefaultSwapSettleDelay); err != nil {
		return nil, err
	}

	slippage, err := getenvInt64("SLIPPAGE_BPS", DefaultSlippageBps)
	if err != nil {
		return nil, err
	}
	if slippage < 0 || slippage > 10_000 {
		return nil, fmt.Errorf("SLIPPAGE_BPS must be between 0 and 10000, got %d", slippage)
	}
	cfg.SlippageBps = uint64(slippage)

	if cfg.PriorityFeeSOL, err = getenvFloat("PRIORITY_FEE_SOL", DefaultPriorityFeeSOL); err != nil {
		return nil, err
	}

	cfg.Postgres = PostgresConfig{
		Host:     getenv("POSTGRES_HOST", "localhost"),
		Port:     getenv("POSTGRES_PORT", "5432"),
		Database: os.Getenv("POSTGRES_DB"),
		Username: os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
	}
	if cfg.Postgres.Configured() {
		if cfg.Postgres.Username == "" {
			return nil, errors.New("POSTGRES_USER is required when POSTGRES_DB is set")
		}
		if cfg.Postgres.Password == "" {
			return nil, errors.New("POSTGRES_PASSWORD is required when POSTGRES_DB is set")
		}
	}

	if cfg.SchedulerEnable, err = getenvBool("SCHEDULER_ENABLE", true); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvInt64(key string, fallback int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getenvFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
