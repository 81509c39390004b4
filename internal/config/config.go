package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"offramp/internal/catalog"
	"offramp/internal/escrow"
)

// SeedConfig models seed.json: reference data plus secrets and tuning.
type SeedConfig struct {
	Providers []catalog.Provider `json:"providers"`
	Rates     map[string]string  `json:"rates"`
	Secrets   Secrets            `json:"secrets"`
	Chain     struct {
		RPCURL         string `json:"rpcUrl"`
		EscrowContract string `json:"escrowContract"`
	} `json:"chain"`
	Retry struct {
		MaxAttempts       int     `json:"maxAttempts"`
		InitialBackoffMs  int     `json:"initialBackoffMs"`
		MaxBackoffMs      int     `json:"maxBackoffMs"`
		BackoffMultiplier float64 `json:"backoffMultiplier"`
	} `json:"retry"`
	Timeouts struct {
		EscrowCallTimeoutMs   int `json:"escrowCallTimeoutMs"`
		DepositWindowSeconds  int `json:"depositWindowSeconds"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// Secrets are the shared HMAC keys for the settlement API and the payout
// provider's webhooks. Both are required unless ALLOW_UNSIGNED_REQUESTS is set.
type Secrets struct {
	APIHMACSecret       string `json:"apiHmacSecret"`
	PayoutWebhookSecret string `json:"payoutWebhookSecret"`
}

// AppConfig ties together seed data and environment-derived values.
type AppConfig struct {
	Seed       SeedConfig
	Service    ServiceConfig
	Storage    StorageConfig
	Chain      ChainConfig
	Settlement SettlementConfig
	Retry      escrow.RetryPolicy
	Log        LogConfig

	Providers []catalog.Provider
	Rates     map[string]decimal.Decimal
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyStore     string
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DLQPath              string
	ShutdownTimeout      time.Duration
	// AllowUnsigned lets the service boot without HMAC secrets, for local use.
	AllowUnsigned bool
}

type StorageConfig struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	RedisAddr   string
	Locker      string
}

type ChainConfig struct {
	RPCURL         string
	PrivateKey     string
	EscrowContract string
}

type SettlementConfig struct {
	DepositWindow     time.Duration
	SweepInterval     time.Duration
	ResumeMaxAttempts int
}

type LogConfig struct {
	Level       string
	Development bool
}

const defaultSeedPath = "./seed.json"

// Load reads .env (if present), then seed.json, then environment overrides.
// A missing seed file falls back to the built-in development catalog.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(envOr("ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	seedCfg, err := loadSeed(envOr("SEED_PATH", defaultSeedPath))
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	return fromSeed(seedCfg)
}

func fromSeed(seedCfg *SeedConfig) (*AppConfig, error) {
	providers := seedCfg.Providers
	if len(providers) == 0 {
		providers = catalog.DefaultProviders()
	}
	rates := catalog.DefaultRates()
	if len(seedCfg.Rates) > 0 {
		rates = make(map[string]decimal.Decimal, len(seedCfg.Rates))
		for pair, raw := range seedCfg.Rates {
			rate, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("rate %s: %w", pair, err)
			}
			rates[strings.ToUpper(pair)] = rate
		}
	}

	idemWindow := time.Duration(seedCfg.Timeouts.IdempotencyWindowSecs) * time.Second
	if idemWindow <= 0 {
		idemWindow = 24 * time.Hour
	}
	depositWindow := seconds(seedCfg.Timeouts.DepositWindowSeconds, 3600)

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 300)) * time.Second,
		IdempotencyStore:     strings.ToLower(envOr("IDEMPOTENCY_STORE", "file")),
		IdempotencyWindow:    idemWindow,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "offramp-idem.json")),
		DLQPath:              envOr("DLQ_PATH", filepath.Join(os.TempDir(), "offramp-dlq")),
		ShutdownTimeout:      time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
		AllowUnsigned:        envOrBool("ALLOW_UNSIGNED_REQUESTS", false),
	}

	seedCfg.Secrets.APIHMACSecret = envOr("API_HMAC_SECRET", seedCfg.Secrets.APIHMACSecret)
	seedCfg.Secrets.PayoutWebhookSecret = envOr("PAYOUT_WEBHOOK_SECRET", seedCfg.Secrets.PayoutWebhookSecret)

	storageCfg := StorageConfig{
		Driver:      strings.ToLower(envOr("STORAGE_DRIVER", "sqlite")),
		SQLitePath:  envOr("SQLITE_PATH", filepath.Join(os.TempDir(), "offramp.db")),
		PostgresDSN: envOr("POSTGRES_DSN", ""),
		RedisAddr:   envOr("REDIS_ADDR", ""),
		Locker:      strings.ToLower(envOr("LOCKER", "local")),
	}

	chainCfg := ChainConfig{
		RPCURL:         envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey:     envOr("CHAIN_PRIVATE_KEY", ""),
		EscrowContract: envOr("ESCROW_CONTRACT", seedCfg.Chain.EscrowContract),
	}

	settlementCfg := SettlementConfig{
		DepositWindow:     time.Duration(envOrInt("DEPOSIT_WINDOW_SECONDS", int(depositWindow/time.Second))) * time.Second,
		SweepInterval:     time.Duration(envOrInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		ResumeMaxAttempts: envOrInt("RESUME_MAX_ATTEMPTS", 5),
	}

	retry := escrow.RetryPolicy{
		MaxAttempts:       seedCfg.Retry.MaxAttempts,
		InitialBackoff:    time.Duration(seedCfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:        time.Duration(seedCfg.Retry.MaxBackoffMs) * time.Millisecond,
		BackoffMultiplier: seedCfg.Retry.BackoffMultiplier,
		CallTimeout:       time.Duration(seedCfg.Timeouts.EscrowCallTimeoutMs) * time.Millisecond,
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}

	logCfg := LogConfig{
		Level:       envOr("LOG_LEVEL", "info"),
		Development: envOrBool("LOG_DEV", false),
	}

	if err := validate(storageCfg, serviceCfg, seedCfg.Secrets); err != nil {
		return nil, err
	}

	return &AppConfig{
		Seed:       *seedCfg,
		Service:    serviceCfg,
		Storage:    storageCfg,
		Chain:      chainCfg,
		Settlement: settlementCfg,
		Retry:      retry,
		Log:        logCfg,
		Providers:  providers,
		Rates:      rates,
	}, nil
}

func validate(storage StorageConfig, service ServiceConfig, secrets Secrets) error {
	if !service.AllowUnsigned {
		if secrets.PayoutWebhookSecret == "" {
			return errors.New("PAYOUT_WEBHOOK_SECRET is required (set ALLOW_UNSIGNED_REQUESTS=true for local development)")
		}
		if secrets.APIHMACSecret == "" {
			return errors.New("API_HMAC_SECRET is required (set ALLOW_UNSIGNED_REQUESTS=true for local development)")
		}
	}
	switch storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if storage.PostgresDSN == "" {
			return errors.New("STORAGE_DRIVER=postgres requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", storage.Driver)
	}
	switch storage.Locker {
	case "local":
	case "redis":
		if storage.RedisAddr == "" {
			return errors.New("LOCKER=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown LOCKER %q", storage.Locker)
	}
	switch service.IdempotencyStore {
	case "memory", "file":
	case "postgres":
		if storage.PostgresDSN == "" {
			return errors.New("IDEMPOTENCY_STORE=postgres requires POSTGRES_DSN")
		}
	case "redis":
		if storage.RedisAddr == "" {
			return errors.New("IDEMPOTENCY_STORE=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown IDEMPOTENCY_STORE %q", service.IdempotencyStore)
	}
	return nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &SeedConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
