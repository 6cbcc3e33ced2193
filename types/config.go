package types

import (
	"strings"
	"time"
)

const (
	DefaultFacilitatorURL        = "https://facilitator.selfx402.xyz"
	DefaultPrice                 = "0.001"
	DefaultMaxTimeoutSeconds     = 60
	DefaultSettleTimeout         = 30 * time.Second
	DefaultSettleMaxRetries      = 3
	DefaultRetryBaseDelay        = 200 * time.Millisecond
	DefaultRetryMaxDelay         = 2 * time.Second
	DefaultNonceGrace            = 10 * time.Minute
	DefaultDiscoveryCacheSeconds = 3600

	// SettleRetriesDisabled in SettleMaxRetries settles with a single
	// attempt. Zero means the default.
	SettleRetriesDisabled = -1

	// MaxNonceRetention caps how long the ledger keeps a settled nonce,
	// however far away the authorization's validBefore is.
	MaxNonceRetention = 7 * 24 * time.Hour
)

// RouteConfig prices one "METHOD PATH" pair.
type RouteConfig struct {
	Method string `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Path   string `json:"path" validate:"required,startswith=/"`

	// Price for unverified callers; empty means the global tier price.
	Price string `json:"price,omitempty" validate:"omitempty,numeric"`
	// VerifiedPrice for verified_human callers; empty means the global tier price.
	VerifiedPrice string `json:"verifiedPrice,omitempty" validate:"omitempty,numeric"`

	Description  string           `json:"description,omitempty"`
	MimeType     string           `json:"mimeType,omitempty"`
	Discoverable *bool            `json:"discoverable,omitempty"`
	InputSchema  map[string]any   `json:"inputSchema,omitempty"`
	OutputSchema map[string]any   `json:"outputSchema,omitempty"`
	Examples     []map[string]any `json:"examples,omitempty"`
}

// Key returns the route table key, "METHOD PATH".
func (r RouteConfig) Key() string {
	return RouteKey(r.Method, r.Path)
}

// RouteKey normalizes a method and path into a route table key.
func RouteKey(method, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(path)
}

type TierPrice struct {
	Price       string `json:"price" validate:"required,numeric"`
	Description string `json:"description,omitempty"`
}

type PricingTiers struct {
	Unverified    TierPrice `json:"unverified"`
	VerifiedHuman TierPrice `json:"verified_human"`
}

// VerificationConfig describes the proof-of-human side channel that unlocks
// the verified_human tier. The gateway only publishes it.
type VerificationConfig struct {
	Enabled           bool     `json:"enabled"`
	MinimumAge        int      `json:"minimumAge"`
	ExcludedCountries []string `json:"excludedCountries"`
	OFAC              bool     `json:"ofac"`
	Scope             string   `json:"scope"`
}

// GatewayConfig is everything the payment gateway needs at construction.
type GatewayConfig struct {
	Network           Network `json:"network" validate:"required,oneof=celo celo-sepolia"`
	FacilitatorURL    string  `json:"facilitatorUrl" validate:"required,url"`
	FacilitatorAPIKey string  `json:"facilitatorApiKey,omitempty"`
	PayTo             string  `json:"payTo" validate:"required,eth_addr"`

	// Asset overrides the network's USDC contract.
	Asset string `json:"asset,omitempty" validate:"omitempty,eth_addr"`

	Pricing      PricingTiers       `json:"pricing"`
	Verification VerificationConfig `json:"verification"`
	Routes       []RouteConfig      `json:"routes" validate:"dive"`

	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds,omitempty" validate:"gte=0"`
	SettleTimeout     time.Duration `json:"settleTimeout,omitempty"`
	SettleMaxRetries  int           `json:"settleMaxRetries,omitempty" validate:"gte=-1,lte=10"`
	RetryBaseDelay    time.Duration `json:"retryBaseDelay,omitempty"`
	RetryMaxDelay     time.Duration `json:"retryMaxDelay,omitempty"`
	NonceGrace        time.Duration `json:"nonceGrace,omitempty"`

	// RemoteVerify asks the facilitator's /verify before settling.
	RemoteVerify bool `json:"remoteVerify,omitempty"`

	DiscoveryCacheSeconds int  `json:"discoveryCacheSeconds,omitempty" validate:"gte=0"`
	Discoverable          bool `json:"discoverable"`
}

// AssetAddress returns the configured asset or the network's USDC contract.
func (c *GatewayConfig) AssetAddress() string {
	if c.Asset != "" {
		return c.Asset
	}
	info, _ := c.Network.Info()
	return info.USDC
}

// ApplyDefaults fills zero values with the package defaults.
func (c *GatewayConfig) ApplyDefaults() {
	if c.FacilitatorURL == "" {
		c.FacilitatorURL = DefaultFacilitatorURL
	}
	if c.Pricing.Unverified.Price == "" {
		c.Pricing.Unverified.Price = DefaultPrice
	}
	if c.Pricing.VerifiedHuman.Price == "" {
		c.Pricing.VerifiedHuman.Price = c.Pricing.Unverified.Price
	}
	if c.MaxTimeoutSeconds == 0 {
		c.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if c.SettleTimeout == 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	if c.SettleMaxRetries == 0 {
		c.SettleMaxRetries = DefaultSettleMaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.NonceGrace == 0 {
		c.NonceGrace = DefaultNonceGrace
	}
	if c.DiscoveryCacheSeconds == 0 {
		c.DiscoveryCacheSeconds = DefaultDiscoveryCacheSeconds
	}
}
