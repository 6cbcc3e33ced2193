package verification

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
	"github.com/vitwit/x402-gateway/utils/eip712"
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(env *types.PaymentEnvelope, req *types.PaymentRequirement) error
}

// VerificationService checks envelopes locally. It never performs I/O, so a
// single instance is safe for concurrent use.
type VerificationService struct {
	now func() time.Time
}

type Option func(*VerificationService)

// WithClock replaces the wall clock used for the validity window.
func WithClock(now func() time.Time) Option {
	return func(s *VerificationService) {
		s.now = now
	}
}

// NewVerificationService creates a new verification service
func NewVerificationService(opts ...Option) *VerificationService {
	s := &VerificationService{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify checks env against req. The checks run in a fixed order and the
// first failure wins: network, validity window, recipient, amount, then the
// EIP-712 signature. The signing domain is built from req, never from env.
func (s *VerificationService) Verify(env *types.PaymentEnvelope, req *types.PaymentRequirement) error {
	if env.Network != req.Network {
		return types.NewError(types.ErrNetworkMismatch,
			"payment is for network %q but %q is required", env.Network, req.Network)
	}

	if err := s.checkWindow(&env.Authorization); err != nil {
		return err
	}
	if err := checkRecipient(&env.Authorization, req); err != nil {
		return err
	}
	if err := checkAmount(&env.Authorization, req); err != nil {
		return err
	}
	return checkSignature(env, req)
}

func (s *VerificationService) checkWindow(auth *types.PaymentAuthorization) error {
	after, before, err := auth.ValidWindow()
	if err != nil {
		return types.WrapError(types.ErrExpiredAuthorization, "authorization window is unreadable", err)
	}

	now := big.NewInt(s.now().Unix())
	if now.Cmp(after) < 0 {
		return types.NewError(types.ErrExpiredAuthorization,
			"authorization is not valid until %s (now %s)", after, now)
	}
	if now.Cmp(before) >= 0 {
		return types.NewError(types.ErrExpiredAuthorization,
			"authorization expired at %s (now %s)", before, now)
	}
	return nil
}

func checkRecipient(auth *types.PaymentAuthorization, req *types.PaymentRequirement) error {
	if !utils.SameAddress(auth.To, req.PayTo) {
		return types.NewError(types.ErrRecipientMismatch,
			"authorization pays %s but %s is required", auth.To, req.PayTo)
	}
	return nil
}

func checkAmount(auth *types.PaymentAuthorization, req *types.PaymentRequirement) error {
	required, err := req.MinorAmount()
	if err != nil {
		return types.WrapError(types.ErrInternal, "requirement amount is invalid", err)
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return types.NewError(types.ErrAmountMismatch, "authorization value %q is not an integer", auth.Value)
	}
	if value.Cmp(required) < 0 {
		return types.NewError(types.ErrAmountMismatch,
			"authorization value %s is below required %s", value, required)
	}
	return nil
}

func checkSignature(env *types.PaymentEnvelope, req *types.PaymentRequirement) error {
	domain, err := utils.TokenDomain(req)
	if err != nil {
		return types.WrapError(types.ErrInternal, "cannot build signing domain", err)
	}

	digest, err := utils.AuthorizationDigest(domain, &env.Authorization)
	if err != nil {
		return types.WrapError(types.ErrInvalidSignature, "authorization cannot be hashed", err)
	}

	sig, err := hexutil.Decode(env.Signature)
	if err != nil {
		return types.WrapError(types.ErrInvalidSignature, "signature is not hex", err)
	}

	signer, err := eip712.RecoverSigner(digest, sig)
	if err != nil {
		return types.WrapError(types.ErrInvalidSignature, "signature recovery failed", err)
	}

	if signer != common.HexToAddress(env.Authorization.From) {
		return &types.X402Error{
			Code:    types.ErrInvalidSignature,
			Message: fmt.Sprintf("signature was produced by %s, not %s", signer.Hex(), env.Authorization.From),
		}
	}
	return nil
}
