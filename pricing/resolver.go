// Package pricing resolves what a caller must pay for a route.
package pricing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

// Resolver maps "METHOD PATH" to a requirement per tier. It is immutable
// after construction, so concurrent Resolve calls need no locking.
type Resolver struct {
	network types.Network
	routes  map[string]route
	keys    []string
}

// route holds one fully built requirement per tier.
type route struct {
	config types.RouteConfig
	tiers  map[types.Tier]types.PaymentRequirement
}

// NewResolver builds the route table. Prices are converted to minor units
// up front so a bad price fails at startup instead of on a request.
func NewResolver(cfg *types.GatewayConfig) (*Resolver, error) {
	info, ok := cfg.Network.Info()
	if !ok {
		return nil, types.NewError(types.ErrConfigError, "unsupported network %q", cfg.Network)
	}
	asset := utils.NormalizeAddress(cfg.AssetAddress())

	r := &Resolver{
		network: cfg.Network,
		routes:  make(map[string]route, len(cfg.Routes)),
	}

	for _, rc := range cfg.Routes {
		key := rc.Key()
		if _, dup := r.routes[key]; dup {
			return nil, types.NewError(types.ErrConfigError, "route %s is priced twice", key)
		}

		unverified := firstNonEmpty(rc.Price, cfg.Pricing.Unverified.Price)
		verified := firstNonEmpty(rc.VerifiedPrice, cfg.Pricing.VerifiedHuman.Price, unverified)

		// A verified caller never pays more than an unverified one.
		verified, err := utils.MinPrice(unverified, verified)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigError, fmt.Sprintf("route %s", key), err)
		}

		tiers := make(map[types.Tier]types.PaymentRequirement, 2)
		for tier, price := range map[types.Tier]string{
			types.TierUnverified:    unverified,
			types.TierVerifiedHuman: verified,
		} {
			minor, err := utils.ToMinorUnits(price, info.Decimals)
			if err != nil {
				return nil, types.WrapError(types.ErrConfigError, fmt.Sprintf("route %s %s price", key, tier), err)
			}
			if minor.Sign() <= 0 {
				return nil, types.NewError(types.ErrConfigError, "route %s %s price must be positive", key, tier)
			}

			tiers[tier] = types.PaymentRequirement{
				Scheme:            types.SchemeExact,
				Network:           cfg.Network,
				Price:             price,
				MaxAmountRequired: minor.String(),
				Resource:          key,
				Description:       rc.Description,
				MimeType:          firstNonEmpty(rc.MimeType, "application/json"),
				PayTo:             utils.NormalizeAddress(cfg.PayTo),
				MaxTimeoutSeconds: cfg.MaxTimeoutSeconds,
				Asset:             asset,
				Tier:              tier,
				Extra: map[string]any{
					"name":    info.TokenName,
					"version": info.TokenVersion,
				},
			}
		}

		r.routes[key] = route{config: rc, tiers: tiers}
		r.keys = append(r.keys, key)
	}

	sort.Strings(r.keys)
	return r, nil
}

// Resolve returns the requirement for method and path at the caller's
// tier. Unknown tiers are treated as unverified.
func (r *Resolver) Resolve(method, path string, tier types.Tier) (*types.PaymentRequirement, error) {
	rt, ok := r.routes[types.RouteKey(method, path)]
	if !ok {
		return nil, types.NewError(types.ErrRouteNotFound, "no price configured for %s %s", strings.ToUpper(method), path)
	}
	if !tier.IsValid() {
		tier = types.TierUnverified
	}

	req := rt.tiers[tier]
	req.Extra = copyExtra(req.Extra)
	return &req, nil
}

// Network is the network every route is priced on.
func (r *Resolver) Network() types.Network {
	return r.network
}

// Routes returns the configured routes sorted by key.
func (r *Resolver) Routes() []types.RouteConfig {
	out := make([]types.RouteConfig, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.routes[k].config)
	}
	return out
}

// Requirement returns the built requirement for a route key and tier.
func (r *Resolver) Requirement(key string, tier types.Tier) (types.PaymentRequirement, bool) {
	rt, ok := r.routes[key]
	if !ok {
		return types.PaymentRequirement{}, false
	}
	req, ok := rt.tiers[tier]
	return req, ok
}

func copyExtra(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
