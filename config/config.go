// Package config assembles the gateway's configuration from the
// environment and optional .env files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/vitwit/x402-gateway/logger"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"

	DefaultListenAddr        = ":3000"
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultVerificationScope = "jobassistant-x402-v1"
)

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	From     string `json:"from" validate:"omitempty,email"`
	FromName string `json:"fromName"`
}

type OpenAIConfig struct {
	APIURL string `json:"apiUrl" validate:"omitempty,url"`
	APIKey string `json:"-"`
	Model  string `json:"model"`
}

// AppConfig is everything cmd/x402-gateway needs.
type AppConfig struct {
	Gateway types.GatewayConfig `json:"gateway" validate:"-"`

	ListenAddr      string        `json:"listenAddr" validate:"required"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
	LogLevel        string        `json:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat       string        `json:"logFormat" validate:"oneof=json console"`

	LedgerBackend  string `json:"ledgerBackend" validate:"oneof=memory redis"`
	RedisURL       string `json:"redisUrl" validate:"required_if=LedgerBackend redis"`
	RedisKeyPrefix string `json:"redisKeyPrefix"`

	// VerifiedHumanToken, when set, is the shared secret an upstream
	// identity check puts in X-Verified-Human to get verified_human pricing.
	VerifiedHumanToken string `json:"-"`

	// CheckFacilitator checks the facilitator's /supported at startup.
	CheckFacilitator bool `json:"checkFacilitator"`

	OpenAI OpenAIConfig `json:"openai"`
	SMTP   SMTPConfig   `json:"smtp"`
}

// Load reads env files, then the environment, and validates the result.
func Load(l logger.Logger, files ...string) (*AppConfig, error) {
	LoadEnv(l, files...)
	return FromEnv()
}

// FromEnv builds an AppConfig from the process environment alone.
func FromEnv() (*AppConfig, error) {
	gw := types.GatewayConfig{
		Network:           network(GetEnv("NETWORK", string(types.NetworkCelo))),
		FacilitatorURL:    GetEnv("FACILITATOR_URL", types.DefaultFacilitatorURL),
		FacilitatorAPIKey: GetEnv("FACILITATOR_API_KEY", ""),
		PayTo:             GetEnv("PAYMENT_WALLET_ADDRESS", ""),
		Asset:             GetEnv("ASSET_ADDRESS", ""),
		Pricing: types.PricingTiers{
			Unverified: types.TierPrice{
				Price:       GetEnv("PAYMENT_PRICE", types.DefaultPrice),
				Description: GetEnv("PAYMENT_PRICE_DESCRIPTION", ""),
			},
			VerifiedHuman: types.TierPrice{
				Price:       GetEnv("VERIFIED_PRICE", ""),
				Description: GetEnv("VERIFIED_PRICE_DESCRIPTION", ""),
			},
		},
		Verification: types.VerificationConfig{
			Enabled:           GetEnvBool("VERIFICATION_ENABLED", true),
			MinimumAge:        GetEnvInt("VERIFICATION_MINIMUM_AGE", 18),
			ExcludedCountries: GetEnvList("VERIFICATION_EXCLUDED_COUNTRIES"),
			OFAC:              GetEnvBool("VERIFICATION_OFAC", false),
			Scope:             GetEnv("VERIFICATION_SCOPE", DefaultVerificationScope),
		},
		MaxTimeoutSeconds:     GetEnvInt("MAX_TIMEOUT_SECONDS", types.DefaultMaxTimeoutSeconds),
		SettleTimeout:         GetEnvDuration("SETTLE_TIMEOUT", types.DefaultSettleTimeout),
		SettleMaxRetries:      settleRetries(),
		RetryBaseDelay:        GetEnvDuration("SETTLE_RETRY_BASE_DELAY", types.DefaultRetryBaseDelay),
		RetryMaxDelay:         GetEnvDuration("SETTLE_RETRY_MAX_DELAY", types.DefaultRetryMaxDelay),
		NonceGrace:            GetEnvDuration("NONCE_GRACE", types.DefaultNonceGrace),
		RemoteVerify:          GetEnvBool("REMOTE_VERIFY", false),
		DiscoveryCacheSeconds: GetEnvInt("DISCOVERY_CACHE_SECONDS", types.DefaultDiscoveryCacheSeconds),
		Discoverable:          GetEnvBool("DISCOVERABLE", true),
	}

	routes, err := loadRoutes(GetEnv("ROUTES_FILE", ""))
	if err != nil {
		return nil, err
	}
	gw.Routes = routes

	gw.ApplyDefaults()
	if err := utils.ValidateGatewayConfig(&gw); err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		Gateway:          gw,
		ListenAddr:       GetEnv("LISTEN_ADDR", DefaultListenAddr),
		ShutdownTimeout:  GetEnvDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		LogLevel:         GetEnv("LOG_LEVEL", "info"),
		LogFormat:        GetEnv("LOG_FORMAT", "json"),
		LedgerBackend:    GetEnv("LEDGER_BACKEND", LedgerMemory),
		RedisURL:         GetEnv("REDIS_URL", ""),
		RedisKeyPrefix:   GetEnv("REDIS_KEY_PREFIX", ""),
		CheckFacilitator: GetEnvBool("FACILITATOR_CHECK", true),

		VerifiedHumanToken: GetEnv("VERIFIED_HUMAN_TOKEN", ""),
		OpenAI: OpenAIConfig{
			APIURL: GetEnv("OPENAI_API_URL", ""),
			APIKey: GetEnv("OPENAI_API_KEY", ""),
			Model:  GetEnv("OPENAI_MODEL", ""),
		},
		SMTP: SMTPConfig{
			Host:     GetEnv("SMTP_HOST", ""),
			Port:     GetEnv("SMTP_PORT", "587"),
			User:     GetEnv("SMTP_USER", ""),
			Password: GetEnv("SMTP_PASSWORD", ""),
			From:     GetEnv("SMTP_FROM", ""),
			FromName: GetEnv("SMTP_FROM_NAME", ""),
		},
	}

	details := utils.ValidateStruct(cfg)
	if cfg.SMTP.Host != "" && cfg.SMTP.From == "" {
		details = append(details, types.FieldError{Field: "smtp.from", Message: "is required when smtp.host is set"})
	}
	if len(details) > 0 {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("invalid configuration: %s: %s", details[0].Field, details[0].Message),
			Data:    details,
		}
	}
	return cfg, nil
}

// network accepts any casing of a known network name. Unknown names are
// kept as given so validation can report them.
func network(name string) types.Network {
	if n, ok := types.ParseNetwork(name); ok {
		return n
	}
	return types.Network(name)
}

// settleRetries reads SETTLE_MAX_RETRIES. An explicit 0 turns retries off;
// unset keeps the default.
func settleRetries() int {
	n := GetEnvInt("SETTLE_MAX_RETRIES", types.DefaultSettleMaxRetries)
	if n == 0 {
		return types.SettleRetriesDisabled
	}
	return n
}

// loadRoutes reads the route table from path, or falls back to the
// built-in cover letter route.
func loadRoutes(path string) ([]types.RouteConfig, error) {
	if path == "" {
		return DefaultRoutes(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.ErrConfigError, "failed to read routes file "+path, err)
	}
	return utils.ParseRoutes(data)
}

// DefaultRoutes prices the cover letter route at the global tier prices.
func DefaultRoutes() []types.RouteConfig {
	return []types.RouteConfig{{
		Method:      "POST",
		Path:        "/api/generate-cover-letter",
		Description: "AI-powered cover letter generation - Send personalized cover letter to email",
		MimeType:    "application/json",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"email", "jobDescription", "resume"},
			"properties": map[string]any{
				"email":          map[string]any{"type": "string", "format": "email"},
				"jobDescription": map[string]any{"type": "string", "minLength": 50, "maxLength": 5000},
				"resume":         map[string]any{"type": "string", "minLength": 100, "maxLength": 10000},
				"companyName":    map[string]any{"type": "string", "maxLength": 200},
				"positionTitle":  map[string]any{"type": "string", "maxLength": 200},
			},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"success":       map[string]any{"type": "boolean"},
				"message":       map[string]any{"type": "string"},
				"coverLetter":   map[string]any{"type": "string"},
				"sentTo":        map[string]any{"type": "string"},
				"companyName":   map[string]any{"type": "string"},
				"positionTitle": map[string]any{"type": "string"},
				"generatedAt":   map[string]any{"type": "string", "format": "date-time"},
			},
		},
	}}
}
