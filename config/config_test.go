package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-gateway/logger"
	"github.com/vitwit/x402-gateway/types"
)

const wallet = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

// clearEnv blanks every variable FromEnv reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"NETWORK", "FACILITATOR_URL", "FACILITATOR_API_KEY", "PAYMENT_WALLET_ADDRESS", "ASSET_ADDRESS",
		"PAYMENT_PRICE", "PAYMENT_PRICE_DESCRIPTION", "VERIFIED_PRICE", "VERIFIED_PRICE_DESCRIPTION",
		"VERIFICATION_ENABLED", "VERIFICATION_MINIMUM_AGE", "VERIFICATION_EXCLUDED_COUNTRIES",
		"VERIFICATION_OFAC", "VERIFICATION_SCOPE", "MAX_TIMEOUT_SECONDS", "SETTLE_TIMEOUT",
		"SETTLE_MAX_RETRIES", "SETTLE_RETRY_BASE_DELAY", "SETTLE_RETRY_MAX_DELAY", "NONCE_GRACE",
		"REMOTE_VERIFY", "DISCOVERY_CACHE_SECONDS", "DISCOVERABLE", "ROUTES_FILE", "LISTEN_ADDR",
		"SHUTDOWN_TIMEOUT", "LOG_LEVEL", "LOG_FORMAT", "LEDGER_BACKEND", "REDIS_URL", "REDIS_KEY_PREFIX",
		"FACILITATOR_CHECK", "OPENAI_API_URL", "OPENAI_API_KEY", "OPENAI_MODEL", "SMTP_HOST", "SMTP_PORT",
		"SMTP_USER", "SMTP_PASSWORD", "SMTP_FROM", "SMTP_FROM_NAME", "VERIFIED_HUMAN_TOKEN",
	} {
		t.Setenv(key, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAYMENT_WALLET_ADDRESS", wallet)

	cfg, err := FromEnv()
	require.NoError(t, err)

	gw := cfg.Gateway
	assert.Equal(t, types.NetworkCelo, gw.Network)
	assert.Equal(t, types.DefaultFacilitatorURL, gw.FacilitatorURL)
	assert.Equal(t, wallet, gw.PayTo)
	assert.Equal(t, "0.001", gw.Pricing.Unverified.Price)
	assert.Equal(t, "0.001", gw.Pricing.VerifiedHuman.Price)
	assert.Equal(t, types.DefaultSettleTimeout, gw.SettleTimeout)
	assert.Equal(t, types.DefaultNonceGrace, gw.NonceGrace)
	assert.True(t, gw.Verification.Enabled)
	assert.Equal(t, 18, gw.Verification.MinimumAge)
	assert.Equal(t, DefaultVerificationScope, gw.Verification.Scope)
	require.Len(t, gw.Routes, 1)
	assert.Equal(t, "POST /api/generate-cover-letter", gw.Routes[0].Key())

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, LedgerMemory, cfg.LedgerBackend)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.CheckFacilitator)
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAYMENT_WALLET_ADDRESS", wallet)
	t.Setenv("NETWORK", "celo-sepolia")
	t.Setenv("PAYMENT_PRICE", "0.01")
	t.Setenv("VERIFIED_PRICE", "0.0001")
	t.Setenv("SETTLE_TIMEOUT", "45s")
	t.Setenv("SETTLE_MAX_RETRIES", "5")
	t.Setenv("NONCE_GRACE", "120")
	t.Setenv("VERIFICATION_EXCLUDED_COUNTRIES", "KP, IR,,")
	t.Setenv("LEDGER_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_FORMAT", "console")
	t.Setenv("DISCOVERABLE", "false")

	cfg, err := FromEnv()
	require.NoError(t, err)

	gw := cfg.Gateway
	assert.Equal(t, types.NetworkCeloSepolia, gw.Network)
	assert.Equal(t, "0.01", gw.Pricing.Unverified.Price)
	assert.Equal(t, "0.0001", gw.Pricing.VerifiedHuman.Price)
	assert.Equal(t, 45*time.Second, gw.SettleTimeout)
	assert.Equal(t, 5, gw.SettleMaxRetries)
	assert.Equal(t, 2*time.Minute, gw.NonceGrace)
	assert.Equal(t, []string{"KP", "IR"}, gw.Verification.ExcludedCountries)
	assert.False(t, gw.Discoverable)
	assert.Equal(t, "0x01C5C0122039549AD1493B8220cABEdD739BC44E", gw.AssetAddress())

	assert.Equal(t, LedgerRedis, cfg.LedgerBackend)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing wallet", map[string]string{}},
		{"bad wallet", map[string]string{"PAYMENT_WALLET_ADDRESS": "0x123"}},
		{"unknown network", map[string]string{"PAYMENT_WALLET_ADDRESS": wallet, "NETWORK": "base"}},
		{"redis without url", map[string]string{"PAYMENT_WALLET_ADDRESS": wallet, "LEDGER_BACKEND": "redis"}},
		{"unknown ledger", map[string]string{"PAYMENT_WALLET_ADDRESS": wallet, "LEDGER_BACKEND": "postgres"}},
		{"bad log level", map[string]string{"PAYMENT_WALLET_ADDRESS": wallet, "LOG_LEVEL": "loud"}},
		{"smtp without from", map[string]string{"PAYMENT_WALLET_ADDRESS": wallet, "SMTP_HOST": "smtp.example.com"}},
		{"missing routes file", map[string]string{"PAYMENT_WALLET_ADDRESS": wallet, "ROUTES_FILE": "/does/not/exist.json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrConfigError), "got %v", err)
		})
	}
}

func TestSettleRetries(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", types.DefaultSettleMaxRetries},
		{"0", types.SettleRetriesDisabled},
		{"-1", types.SettleRetriesDisabled},
		{"7", 7},
	}
	for _, tt := range tests {
		t.Run("SETTLE_MAX_RETRIES="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("PAYMENT_WALLET_ADDRESS", wallet)
			t.Setenv("SETTLE_MAX_RETRIES", tt.value)

			cfg, err := FromEnv()
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Gateway.SettleMaxRetries)
		})
	}

	for _, bad := range []string{"-2", "11"} {
		clearEnv(t)
		t.Setenv("PAYMENT_WALLET_ADDRESS", wallet)
		t.Setenv("SETTLE_MAX_RETRIES", bad)
		_, err := FromEnv()
		assert.True(t, types.IsCode(err, types.ErrConfigError), bad)
	}
}

func TestNetworkNameIgnoresCase(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAYMENT_WALLET_ADDRESS", wallet)
	t.Setenv("NETWORK", " Celo-Sepolia ")
	t.Setenv("VERIFIED_HUMAN_TOKEN", "s3cret")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, types.NetworkCeloSepolia, cfg.Gateway.Network)
	assert.Equal(t, "s3cret", cfg.VerifiedHumanToken)
}

func TestRoutesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "routes.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"method":"POST","path":"/api/a","price":"0.002"},
		{"method":"GET","path":"/api/b","verifiedPrice":"0.0005","discoverable":false}
	]`), 0o600))

	t.Setenv("PAYMENT_WALLET_ADDRESS", wallet)
	t.Setenv("ROUTES_FILE", path)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Len(t, cfg.Gateway.Routes, 2)
	assert.Equal(t, "0.002", cfg.Gateway.Routes[0].Price)
	require.NotNil(t, cfg.Gateway.Routes[1].Discoverable)
	assert.False(t, *cfg.Gateway.Routes[1].Discoverable)
}

func TestLoadEnvFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	base := filepath.Join(dir, ".env")
	local := filepath.Join(dir, ".env.local")
	require.NoError(t, os.WriteFile(base, []byte("PAYMENT_WALLET_ADDRESS="+wallet+"\nPAYMENT_PRICE=0.5\n"), 0o600))
	require.NoError(t, os.WriteFile(local, []byte("PAYMENT_PRICE=0.25\n"), 0o600))

	loaded := LoadEnv(logger.NoopLogger{}, base, local, filepath.Join(dir, "missing"))
	assert.Equal(t, []string{base, local}, loaded)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "0.25", cfg.Gateway.Pricing.Unverified.Price)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_STR", "  ")
	assert.Equal(t, "d", GetEnv("X_STR", "d"))

	t.Setenv("X_INT", "nope")
	assert.Equal(t, 7, GetEnvInt("X_INT", 7))

	t.Setenv("X_BOOL", "true")
	assert.True(t, GetEnvBool("X_BOOL", false))

	t.Setenv("X_DUR", "1m30s")
	assert.Equal(t, 90*time.Second, GetEnvDuration("X_DUR", 0))
	t.Setenv("X_DUR", "garbage")
	assert.Equal(t, time.Second, GetEnvDuration("X_DUR", time.Second))

	t.Setenv("X_LIST", "")
	assert.Nil(t, GetEnvList("X_LIST"))
}
