// Package payer is the calling side of the gateway: an http.RoundTripper
// that answers a 402 challenge by signing a USDC TransferWithAuthorization
// and retrying the request.
package payer

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	x402 "github.com/vitwit/x402-gateway"
	"github.com/vitwit/x402-gateway/envelope"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

const DefaultValidFor = 5 * time.Minute

// Transport pays for requests that come back 402. A request is paid at
// most once; a second 402 is returned to the caller as is.
type Transport struct {
	Base http.RoundTripper
	Key  *ecdsa.PrivateKey

	// Network restricts which requirements are accepted; empty accepts any
	// supported network.
	Network types.Network
	// MaxPrice refuses requirements above this whole-unit price; empty
	// means no limit.
	MaxPrice string
	// ValidFor bounds the signed authorization's lifetime.
	ValidFor time.Duration

	// OnPayment is called with the requirement that was signed.
	OnPayment func(req types.PaymentRequirement)

	now func() time.Time
}

// NewClient returns an http.Client whose transport pays with key.
func NewClient(key *ecdsa.PrivateKey, opts ...func(*Transport)) *http.Client {
	t := &Transport{Key: key}
	for _, opt := range opts {
		opt(t)
	}
	return &http.Client{Transport: t}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := base.RoundTrip(withBody(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := readChallenge(resp)
	if err != nil {
		return nil, err
	}

	requirement, err := t.choose(challenge.Accepts)
	if err != nil {
		return nil, err
	}

	header, err := t.sign(requirement)
	if err != nil {
		return nil, err
	}
	if t.OnPayment != nil {
		t.OnPayment(*requirement)
	}

	retry := withBody(req, body)
	retry.Header.Set(envelope.Headers[0], header)
	return base.RoundTrip(retry)
}

// choose picks the first requirement this payer can and will pay.
func (t *Transport) choose(accepts []types.PaymentRequirement) (*types.PaymentRequirement, error) {
	if len(accepts) == 0 {
		return nil, types.NewError(types.ErrMalformedEnvelope, "payment challenge lists no accepted requirements")
	}

	var limit *decimal.Decimal
	if t.MaxPrice != "" {
		l, err := utils.ValidateAmount(t.MaxPrice)
		if err != nil {
			return nil, types.WrapError(types.ErrValidationError, "invalid max price", err)
		}
		limit = l
	}

	for i := range accepts {
		r := &accepts[i]
		if r.Scheme != types.SchemeExact || !r.Network.IsSupported() {
			continue
		}
		if t.Network != "" && r.Network != t.Network {
			continue
		}
		if r.Validate() != nil || !utils.ValidateAddress(r.PayTo) || !utils.ValidateAddress(r.Asset) {
			continue
		}
		if limit != nil {
			cost, err := charged(r)
			if err != nil || cost.GreaterThan(*limit) {
				continue
			}
		}
		return r, nil
	}
	return nil, types.NewError(types.ErrAmountMismatch, "no acceptable payment requirement among %d offered", len(accepts))
}

// charged is the whole-unit amount the payer would sign for. It is read
// from maxAmountRequired, not the advertised price.
func charged(r *types.PaymentRequirement) (*decimal.Decimal, error) {
	info, ok := r.Network.Info()
	if !ok {
		return nil, fmt.Errorf("unsupported network %q", r.Network)
	}
	minor, err := r.MinorAmount()
	if err != nil {
		return nil, err
	}
	return utils.ValidateAmount(utils.FromMinorUnits(minor, info.Decimals))
}

func (t *Transport) sign(req *types.PaymentRequirement) (string, error) {
	if t.Key == nil {
		return "", types.NewError(types.ErrConfigError, "payer key is required")
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	validFor := t.ValidFor
	if validFor <= 0 {
		validFor = DefaultValidFor
	}

	env, err := utils.BuildEnvelope(t.Key, req, now(), validFor)
	if err != nil {
		return "", types.WrapError(types.ErrInternal, "failed to sign payment authorization", err)
	}
	return envelope.EncodeBase64(env)
}

// readChallenge decodes and closes a 402 body.
func readChallenge(resp *http.Response) (*types.ChallengeResponse, error) {
	defer resp.Body.Close()

	var challenge types.ChallengeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&challenge); err != nil {
		return nil, types.WrapError(types.ErrMalformedEnvelope, "failed to decode payment challenge", err)
	}
	return &challenge, nil
}

func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return b, nil
}

func withBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body == nil {
		clone.Body = http.NoBody
		return clone
	}
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	return clone
}

// Settlement decodes the X-Payment-Response header of a paid response.
func Settlement(resp *http.Response) (*types.SettlementResult, bool) {
	raw := resp.Header.Get(x402.PaymentResponseHeader)
	if raw == "" {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false
	}
	var s types.SettlementResult
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, false
	}
	return &s, true
}
