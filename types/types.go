package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// PaymentScheme represents the payment schemes the gateway understands
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// Tier classifies a caller for pricing purposes.
type Tier string

const (
	TierUnverified    Tier = "unverified"
	TierVerifiedHuman Tier = "verified_human"
)

func (t Tier) IsValid() bool {
	return t == TierUnverified || t == TierVerifiedHuman
}

// PaymentRequirement defines what a caller must pay to reach one route.
type PaymentRequirement struct {
	// Scheme of the payment protocol, always "exact" here.
	Scheme PaymentScheme `json:"scheme"`

	Network Network `json:"network"`

	// Price in whole asset units as published to callers, e.g. "0.001".
	Price string `json:"price"`

	// Price in minor units of the asset. Represented as a string because
	// Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Route key of the resource, "METHOD PATH".
	Resource string `json:"resource"`

	Description string `json:"description,omitempty"`

	MimeType string `json:"mimeType,omitempty"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo"`

	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Address of the EIP-3009 compliant token contract.
	Asset string `json:"asset"`

	Tier Tier `json:"tier"`

	// For the exact scheme on EVM this carries the token's EIP-712 name and version.
	Extra map[string]any `json:"extra,omitempty"`
}

// MinorAmount returns MaxAmountRequired as an integer.
func (pr *PaymentRequirement) MinorAmount() (*big.Int, error) {
	n, ok := new(big.Int).SetString(pr.MaxAmountRequired, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid maxAmountRequired %q", pr.MaxAmountRequired)
	}
	return n, nil
}

func (pr *PaymentRequirement) Validate() error {
	if pr.Network == "" {
		return fmt.Errorf("paymentRequirement.network is required")
	}
	if pr.MaxAmountRequired == "" {
		return fmt.Errorf("paymentRequirement.maxAmountRequired is required")
	}
	if pr.PayTo == "" {
		return fmt.Errorf("paymentRequirement.payTo is required")
	}
	if pr.Asset == "" {
		return fmt.Errorf("paymentRequirement.asset is required")
	}
	return nil
}

// PaymentAuthorization is the EIP-3009 TransferWithAuthorization message
// signed by the payer.
type PaymentAuthorization struct {
	From  string `json:"from" validate:"required,eth_addr"`
	To    string `json:"to" validate:"required,eth_addr"`
	Value string `json:"value" validate:"required,uint256"` // minor units

	// Unix seconds. Clients send these either as numbers or numeric strings.
	ValidAfter  json.Number `json:"validAfter" validate:"required,uint256"`
	ValidBefore json.Number `json:"validBefore" validate:"required,uint256"`

	Nonce string `json:"nonce" validate:"required,bytes32"`
}

// ValidWindow returns validAfter and validBefore as unix seconds. Both are
// uint256 on chain, so payers may use values far beyond int64, such as
// 2^256-1 for "never expires".
func (a *PaymentAuthorization) ValidWindow() (after, before *big.Int, err error) {
	if after, err = parseUint256(a.ValidAfter); err != nil {
		return nil, nil, fmt.Errorf("validAfter: %w", err)
	}
	if before, err = parseUint256(a.ValidBefore); err != nil {
		return nil, nil, fmt.Errorf("validBefore: %w", err)
	}
	return after, before, nil
}

func parseUint256(n json.Number) (*big.Int, error) {
	v, ok := new(big.Int).SetString(n.String(), 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%q is not a uint256", n.String())
	}
	return v, nil
}

// PaymentEnvelope is carried in the X-Payment request header.
type PaymentEnvelope struct {
	X402Version int           `json:"x402Version,omitempty"`
	Scheme      PaymentScheme `json:"scheme,omitempty"`

	Network       Network              `json:"network" validate:"required"`
	Authorization PaymentAuthorization `json:"authorization"`

	// 65-byte r||s||v signature, 0x-prefixed hex.
	Signature string `json:"signature" validate:"required,signature65"`
}

// NonceKey identifies an authorization for replay protection. Addresses and
// nonces are lowercased so that checksum casing cannot create a second key.
func (e *PaymentEnvelope) NonceKey() string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s", e.Network, e.Authorization.From, e.Authorization.Nonce))
}

// ExactEVMPayload is the scheme-specific body sent to a facilitator.
type ExactEVMPayload struct {
	Signature     string               `json:"signature"`
	Authorization PaymentAuthorization `json:"authorization"`
}

// PaymentPayload is the facilitator's view of a client payment.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      PaymentScheme   `json:"scheme"`
	Network     Network         `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

// FacilitatorRequest is the body of both /verify and /settle.
type FacilitatorRequest struct {
	X402Version         int                `json:"x402Version"`
	PaymentPayload      PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
}

// SettleResponse is what a facilitator returns from /settle.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`

	// Facilitators report the block as a number, a decimal string or hex.
	BlockNumber json.RawMessage `json:"blockNumber,omitempty"`
}

// VerifyResponse represents the facilitator's verification result.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type SupportedItem struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedItem `json:"kinds"`
}

// Supports reports whether the facilitator advertises the exact scheme on n.
func (s *SupportedResponse) Supports(n Network) bool {
	for _, k := range s.Kinds {
		if k.Network == n.String() && k.Scheme == string(SchemeExact) {
			return true
		}
	}
	return false
}

// SettlementResult contains the result of a successful settlement. The JSON
// names are the ones echoed to callers under metadata.settlement.
type SettlementResult struct {
	TransactionHash string    `json:"transaction"`
	BlockNumber     uint64    `json:"blockNumber,omitempty"`
	ExplorerURL     string    `json:"explorer,omitempty"`
	PayerAddress    string    `json:"payer"`
	Network         Network   `json:"network"`
	SettledAt       time.Time `json:"settledAt"`
}

// ChallengeResponse is the 402 body sent when payment is missing or failed.
type ChallengeResponse struct {
	Error       string               `json:"error"`
	Message     string               `json:"message"`
	Reason      string               `json:"reason,omitempty"`
	Price       string               `json:"price"`
	Network     Network              `json:"network"`
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// ErrorResponse is the body for 400 and 500 responses.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Message string       `json:"message,omitempty"`
	Details []FieldError `json:"details,omitempty"`
}
