package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutSeed(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SEED_PATH", filepath.Join(dir, "missing.json"))
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("ALLOW_UNSIGNED_REQUESTS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.Service.AllowUnsigned)
	require.Len(t, cfg.Providers, 2)
	require.Equal(t, "flutterwave_mock", cfg.Providers[0].ID)
	require.Equal(t, "1520", cfg.Rates["USDC_NGN"].String())
	require.Equal(t, time.Hour, cfg.Settlement.DepositWindow)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 5, cfg.Settlement.ResumeMaxAttempts)
	require.Equal(t, "local", cfg.Storage.Locker)
}

func TestLoadSeedAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	seed := `{
  "providers": [{
    "id": "mockA",
    "name": "Mock A",
    "supportedCountries": ["NG"],
    "supportedCurrencies": ["NGN"],
    "payoutMethods": ["Bank Transfer"],
    "minAmountUsdc": "10",
    "maxAmountUsdc": "5000",
    "feePercent": "0.8",
    "feeFixedUsdc": "0.5",
    "processingTime": "15-60 minutes"
  }],
  "rates": {"usdc_ngn": "1520"},
  "secrets": {"apiHmacSecret": "api", "payoutWebhookSecret": "hook"},
  "chain": {"rpcUrl": "http://seed:8545", "escrowContract": "0xabc"},
  "retry": {"maxAttempts": 4, "initialBackoffMs": 100, "maxBackoffMs": 1000, "backoffMultiplier": 2},
  "timeouts": {"escrowCallTimeoutMs": 5000, "depositWindowSeconds": 1800, "idempotencyWindowSeconds": 60}
}`
	seedPath := filepath.Join(dir, "seed.json")
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0o600))
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("RESUME_MAX_ATTEMPTS=7\n"), 0o600))

	t.Setenv("SEED_PATH", seedPath)
	t.Setenv("ENV_FILE", envPath)
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("CHAIN_RPC_URL", "http://env:8545")
	t.Setenv("API_HTTP_PORT", "8088")
	t.Setenv("PAYOUT_WEBHOOK_SECRET", "env-hook")
	t.Setenv("ALLOW_UNSIGNED_REQUESTS", "false")

	cfg, err := Load()
	t.Cleanup(func() { os.Unsetenv("RESUME_MAX_ATTEMPTS") })
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 1)
	require.Equal(t, "1520", cfg.Rates["USDC_NGN"].String())
	require.Equal(t, "api", cfg.Seed.Secrets.APIHMACSecret)
	require.Equal(t, "env-hook", cfg.Seed.Secrets.PayoutWebhookSecret)
	require.Equal(t, "http://env:8545", cfg.Chain.RPCURL)
	require.Equal(t, "0xabc", cfg.Chain.EscrowContract)
	require.Equal(t, 8088, cfg.Service.HTTPPort)
	require.Equal(t, 30*time.Minute, cfg.Settlement.DepositWindow)
	require.Equal(t, time.Minute, cfg.Service.IdempotencyWindow)
	require.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.Equal(t, 5*time.Second, cfg.Retry.CallTimeout)
	require.Equal(t, 7, cfg.Settlement.ResumeMaxAttempts)
}

func TestLoadRejectsIncompleteStorage(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SEED_PATH", filepath.Join(dir, "missing.json"))
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("ALLOW_UNSIGNED_REQUESTS", "true")

	_, err := Load()
	require.ErrorContains(t, err, "POSTGRES_DSN")
}

func TestLoadRequiresSigningSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SEED_PATH", filepath.Join(dir, "missing.json"))
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("API_HMAC_SECRET", "api")
	t.Setenv("PAYOUT_WEBHOOK_SECRET", "")
	t.Setenv("ALLOW_UNSIGNED_REQUESTS", "")

	_, err := Load()
	require.ErrorContains(t, err, "PAYOUT_WEBHOOK_SECRET")

	t.Setenv("PAYOUT_WEBHOOK_SECRET", "hook")
	t.Setenv("API_HMAC_SECRET", "")
	_, err = Load()
	require.ErrorContains(t, err, "API_HMAC_SECRET")

	t.Setenv("API_HMAC_SECRET", "api")
	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.Service.AllowUnsigned)
	require.Equal(t, "hook", cfg.Seed.Secrets.PayoutWebhookSecret)
}
