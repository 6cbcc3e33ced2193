// Package discovery publishes the gateway's payment terms at
// /.well-known/x402 so that clients can price a call before making it.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vitwit/x402-gateway/pricing"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

// Paths the document is served on. The second is kept for clients that
// cannot reach dot-directories.
var Paths = []string{"/.well-known/x402", "/api/well-known/x402"}

const DocumentVersion = 1

type Document struct {
	Version        int              `json:"version"`
	FacilitatorURL string           `json:"facilitatorUrl"`
	Payment        Payment          `json:"payment"`
	Verification   Verification     `json:"verification"`
	Pricing        Pricing          `json:"pricing"`
	Routes         map[string]Route `json:"routes"`
}

type Payment struct {
	Network types.Network `json:"network"`
	Testnet bool          `json:"testnet"`
	Asset   string        `json:"asset"`
	PayTo   string        `json:"payTo"`
}

type Verification struct {
	Enabled      bool         `json:"enabled"`
	Requirements Requirements `json:"requirements"`
	Scope        string       `json:"scope,omitempty"`
}

type Requirements struct {
	MinimumAge        int      `json:"minimumAge"`
	ExcludedCountries []string `json:"excludedCountries"`
	OFAC              bool     `json:"ofac"`
}

type Pricing struct {
	Tiers types.PricingTiers `json:"tiers"`
}

// Route is the public view of one priced route.
type Route struct {
	Price         string           `json:"price"`
	VerifiedPrice string           `json:"verifiedPrice,omitempty"`
	Network       types.Network    `json:"network"`
	Asset         string           `json:"asset"`
	PayTo         string           `json:"payTo"`
	Discoverable  bool             `json:"discoverable"`
	Description   string           `json:"description,omitempty"`
	MimeType      string           `json:"mimeType,omitempty"`
	InputSchema   map[string]any   `json:"inputSchema,omitempty"`
	OutputSchema  map[string]any   `json:"outputSchema,omitempty"`
	Examples      []map[string]any `json:"examples,omitempty"`
}

// Build assembles the document. Route prices are the effective ones from
// the resolver, so the document never disagrees with a 402 challenge.
func Build(cfg types.GatewayConfig, resolver *pricing.Resolver) Document {
	excluded := cfg.Verification.ExcludedCountries
	if excluded == nil {
		excluded = []string{}
	}

	doc := Document{
		Version:        DocumentVersion,
		FacilitatorURL: cfg.FacilitatorURL,
		Payment: Payment{
			Network: cfg.Network,
			Testnet: cfg.Network.IsTestnet(),
			Asset:   utils.NormalizeAddress(cfg.AssetAddress()),
			PayTo:   utils.NormalizeAddress(cfg.PayTo),
		},
		Verification: Verification{
			Enabled: cfg.Verification.Enabled,
			Requirements: Requirements{
				MinimumAge:        cfg.Verification.MinimumAge,
				ExcludedCountries: excluded,
				OFAC:              cfg.Verification.OFAC,
			},
			Scope: cfg.Verification.Scope,
		},
		Pricing: Pricing{Tiers: tiers(cfg.Pricing)},
		Routes:  make(map[string]Route),
	}

	for _, rc := range resolver.Routes() {
		key := rc.Key()
		unverified, _ := resolver.Requirement(key, types.TierUnverified)
		verified, _ := resolver.Requirement(key, types.TierVerifiedHuman)

		discoverable := cfg.Discoverable
		if rc.Discoverable != nil {
			discoverable = *rc.Discoverable
		}

		route := Route{
			Price:        unverified.Price,
			Network:      unverified.Network,
			Asset:        unverified.Asset,
			PayTo:        unverified.PayTo,
			Discoverable: discoverable,
			Description:  rc.Description,
			MimeType:     unverified.MimeType,
			InputSchema:  rc.InputSchema,
			OutputSchema: rc.OutputSchema,
			Examples:     rc.Examples,
		}
		if verified.Price != unverified.Price {
			route.VerifiedPrice = verified.Price
		}
		doc.Routes[key] = route
	}

	return doc
}

func tiers(p types.PricingTiers) types.PricingTiers {
	if p.Unverified.Description == "" {
		p.Unverified.Description = fmt.Sprintf("Bot pricing - $%s per call", p.Unverified.Price)
	}
	if p.VerifiedHuman.Description == "" {
		p.VerifiedHuman.Description = fmt.Sprintf("Verified human pricing - $%s per call", p.VerifiedHuman.Price)
	}
	return p
}

// Publisher serves a document rendered once at construction. The document
// is static for the life of the process, so responses are cacheable.
type Publisher struct {
	body   []byte
	etag   string
	maxAge int
}

func NewPublisher(doc Document, maxAge int) (*Publisher, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render discovery document: %w", err)
	}
	sum := sha256.Sum256(body)

	return &Publisher{
		body:   body,
		etag:   `"` + hex.EncodeToString(sum[:8]) + `"`,
		maxAge: maxAge,
	}, nil
}

// Body returns the rendered document.
func (p *Publisher) Body() []byte {
	return p.body
}

func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", p.maxAge))
	h.Set("ETag", p.etag)

	if r.Header.Get("If-None-Match") == p.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(p.body)
	}
}

// Register mounts the publisher on every discovery path of a gin router.
func (p *Publisher) Register(r gin.IRoutes) {
	h := gin.WrapH(p)
	for _, path := range Paths {
		r.GET(path, h)
		r.HEAD(path, h)
	}
}
