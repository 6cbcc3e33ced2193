package pricing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-gateway/types"
)

func config() *types.GatewayConfig {
	cfg := &types.GatewayConfig{
		Network: types.NetworkCelo,
		PayTo:   "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Pricing: types.PricingTiers{
			Unverified:    types.TierPrice{Price: "0.01"},
			VerifiedHuman: types.TierPrice{Price: "0.001"},
		},
		Routes: []types.RouteConfig{
			{Method: "POST", Path: "/api/generate-cover-letter", Price: "0.001", Description: "cover letter"},
			{Method: "GET", Path: "/api/tiered"},
			{Method: "GET", Path: "/api/verified-dearer", Price: "0.002", VerifiedPrice: "0.005"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestResolve(t *testing.T) {
	r, err := NewResolver(config())
	require.NoError(t, err)

	req, err := r.Resolve("post", "/api/generate-cover-letter", types.TierUnverified)
	require.NoError(t, err)

	assert.Equal(t, "0.001", req.Price)
	assert.Equal(t, "1000", req.MaxAmountRequired)
	assert.Equal(t, types.NetworkCelo, req.Network)
	assert.Equal(t, "0xcebA9300f2b948710d2653dD7B07f33A8B32118C", req.Asset)
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", req.PayTo)
	assert.Equal(t, "POST /api/generate-cover-letter", req.Resource)
	assert.Equal(t, types.SchemeExact, req.Scheme)
	assert.Equal(t, "USD Coin", req.Extra["name"])
}

func TestResolveTiers(t *testing.T) {
	r, err := NewResolver(config())
	require.NoError(t, err)

	tests := []struct {
		name  string
		path  string
		tier  types.Tier
		price string
		minor string
	}{
		{"global unverified", "/api/tiered", types.TierUnverified, "0.01", "10000"},
		{"global verified is cheaper", "/api/tiered", types.TierVerifiedHuman, "0.001", "1000"},
		{"route verified never dearer", "/api/verified-dearer", types.TierVerifiedHuman, "0.002", "2000"},
		{"unknown tier falls back", "/api/tiered", types.Tier("vip"), "0.01", "10000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := r.Resolve("GET", tt.path, tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.price, req.Price)
			assert.Equal(t, tt.minor, req.MaxAmountRequired)
		})
	}
}

func TestResolveRouteNotFound(t *testing.T) {
	r, err := NewResolver(config())
	require.NoError(t, err)

	_, err = r.Resolve("GET", "/api/generate-cover-letter", types.TierUnverified)
	assert.True(t, types.IsCode(err, types.ErrRouteNotFound))

	_, err = r.Resolve("POST", "/api/unknown", types.TierUnverified)
	assert.True(t, types.IsCode(err, types.ErrRouteNotFound))
}

func TestResolveReturnsCopies(t *testing.T) {
	r, err := NewResolver(config())
	require.NoError(t, err)

	a, err := r.Resolve("GET", "/api/tiered", types.TierUnverified)
	require.NoError(t, err)
	a.Price = "999"
	a.Extra["name"] = "changed"

	b, err := r.Resolve("GET", "/api/tiered", types.TierUnverified)
	require.NoError(t, err)
	assert.Equal(t, "0.01", b.Price)
	assert.Equal(t, "USD Coin", b.Extra["name"])
}

func TestNewResolverRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.GatewayConfig)
	}{
		{"too precise", func(c *types.GatewayConfig) { c.Routes[0].Price = "0.0000001" }},
		{"zero", func(c *types.GatewayConfig) { c.Routes[0].Price = "0" }},
		{"not a number", func(c *types.GatewayConfig) { c.Routes[0].Price = "abc" }},
		{"duplicate", func(c *types.GatewayConfig) { c.Routes = append(c.Routes, c.Routes[0]) }},
		{"unknown network", func(c *types.GatewayConfig) { c.Network = "base" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config()
			tt.mutate(cfg)
			_, err := NewResolver(cfg)
			assert.True(t, types.IsCode(err, types.ErrConfigError), "got %v", err)
		})
	}
}

func TestResolveConcurrent(t *testing.T) {
	r, err := NewResolver(config())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := r.Resolve("POST", "/api/generate-cover-letter", types.TierVerifiedHuman)
			assert.NoError(t, err)
			assert.Equal(t, "1000", req.MaxAmountRequired)
		}()
	}
	wg.Wait()
}

func TestRoutesSorted(t *testing.T) {
	r, err := NewResolver(config())
	require.NoError(t, err)

	routes := r.Routes()
	require.Len(t, routes, 3)
	assert.Equal(t, "GET /api/tiered", routes[0].Key())
	assert.Equal(t, "GET /api/verified-dearer", routes[1].Key())
	assert.Equal(t, "POST /api/generate-cover-letter", routes[2].Key())
}
