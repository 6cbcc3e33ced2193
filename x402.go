// Package x402 gates HTTP routes behind x402 payments settled in USDC on Celo.
//
// Each priced request runs through a small state machine. Every transition
// returns a complete Outcome, and the machine stops at the first terminal
// state:
//
//	Unpaid -> Challenged
//	Unpaid -> Rejected (precheck)
//	Unpaid -> EnvelopeReceived -> Verifying -> Settling -> Admitted
//	                 \________________\____________\_____-> Rejected
package x402

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/vitwit/x402-gateway/envelope"
	"github.com/vitwit/x402-gateway/ledger"
	"github.com/vitwit/x402-gateway/logger"
	"github.com/vitwit/x402-gateway/metrics"
	"github.com/vitwit/x402-gateway/pricing"
	"github.com/vitwit/x402-gateway/settlement"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
	"github.com/vitwit/x402-gateway/verification"
)

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = int(types.X402Version1)
)

type State string

const (
	StateUnpaid           State = "unpaid"
	StateChallenged       State = "challenged"
	StateEnvelopeReceived State = "envelope_received"
	StateVerifying        State = "verifying"
	StateSettling         State = "settling"
	StateAdmitted         State = "admitted"
	StateRejected         State = "rejected"

	// StateUnpriced marks a route with no configured price. The request
	// passes through without payment.
	StateUnpriced State = "unpriced"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateChallenged, StateAdmitted, StateRejected, StateUnpriced:
		return true
	}
	return false
}

// Outcome is the full result of one transition. Fields are filled in as the
// machine advances: Requirement from Unpaid on, Envelope from Verifying on,
// Settlement only when Admitted and Err only when Rejected.
type Outcome struct {
	State       State
	RequestID   string
	Tier        types.Tier
	Requirement *types.PaymentRequirement
	Envelope    *types.PaymentEnvelope
	Settlement  *types.SettlementResult
	Err         error

	header string
}

func (o Outcome) to(s State) Outcome {
	o.State = s
	return o
}

func (o Outcome) reject(err error) Outcome {
	o.State = StateRejected
	o.Err = err
	return o
}

// TierFunc classifies the caller of r for pricing.
type TierFunc func(r *http.Request) types.Tier

// Unverified prices every caller at the unverified tier.
func Unverified(*http.Request) types.Tier {
	return types.TierUnverified
}

// Precheck validates a priced request before any payment is looked at. A
// request it rejects is never challenged or charged. Errors that are not
// an *types.X402Error are reported as VALIDATION_ERROR.
type Precheck func(r *http.Request) error

// PriceResolver looks up what a route costs.
type PriceResolver interface {
	Resolve(method, path string, tier types.Tier) (*types.PaymentRequirement, error)
}

// Gateway is the payment gate in front of priced routes. It is safe for
// concurrent use; all per-request state lives in the Outcome.
type Gateway struct {
	config   types.GatewayConfig
	resolver *pricing.Resolver

	prices   PriceResolver
	verifier verification.Verifier
	remote   settlement.RemoteVerifier
	settler  settlement.Settler
	ledger   ledger.Ledger
	tierFunc TierFunc

	prechecks map[string]Precheck

	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

// New builds a gateway from cfg. Collaborators not supplied through opts
// get their production defaults: local signature verification, the HTTP
// facilitator client and an in-memory nonce ledger.
func New(cfg *types.GatewayConfig, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrConfigError, "gateway config is required")
	}

	g := &Gateway{
		config:   *cfg,
		tierFunc: Unverified,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		now:      time.Now,
	}
	g.config.ApplyDefaults()
	if err := utils.ValidateGatewayConfig(&g.config); err != nil {
		return nil, err
	}

	resolver, err := pricing.NewResolver(&g.config)
	if err != nil {
		return nil, err
	}
	g.resolver = resolver
	g.prices = resolver

	for _, opt := range opts {
		opt(g)
	}

	if g.verifier == nil {
		g.verifier = verification.NewVerificationService(verification.WithClock(g.now))
	}
	if g.settler == nil {
		client := settlement.NewFacilitatorClient(settlement.Config{
			BaseURL:    g.config.FacilitatorURL,
			APIKey:     g.config.FacilitatorAPIKey,
			Timeout:    g.config.SettleTimeout,
			MaxRetries: g.config.SettleMaxRetries,
			BaseDelay:  g.config.RetryBaseDelay,
			MaxDelay:   g.config.RetryMaxDelay,
		},
			settlement.WithLogger(g.logger),
			settlement.WithMetrics(g.metrics),
		)
		g.settler = client
		if g.config.RemoteVerify && g.remote == nil {
			g.remote = client
		}
	}
	if g.ledger == nil {
		g.ledger = ledger.NewMemoryLedger()
	}

	return g, nil
}

// Config returns the effective configuration, defaults applied.
func (g *Gateway) Config() types.GatewayConfig {
	return g.config
}

// Resolver returns the route table built from the configuration.
func (g *Gateway) Resolver() *pricing.Resolver {
	return g.resolver
}

// Process runs the state machine for r until it reaches a terminal state.
func (g *Gateway) Process(ctx context.Context, r *http.Request) Outcome {
	start := g.now()
	o := Outcome{
		State:     StateUnpaid,
		RequestID: requestID(ctx, r),
	}

	for !o.State.Terminal() {
		o = g.step(ctx, r, o)
	}

	g.record(o, start)
	return o
}

func (g *Gateway) step(ctx context.Context, r *http.Request, o Outcome) Outcome {
	switch o.State {
	case StateUnpaid:
		return g.price(r, o)
	case StateEnvelopeReceived:
		return g.decode(o)
	case StateVerifying:
		return g.verify(ctx, o)
	case StateSettling:
		return g.settle(ctx, o)
	default:
		return o.reject(types.NewError(types.ErrInternal, "no transition from state %q", o.State))
	}
}

// price resolves the route and checks for a payment header.
func (g *Gateway) price(r *http.Request, o Outcome) Outcome {
	o.Tier = g.tierFunc(r)

	req, err := g.prices.Resolve(r.Method, r.URL.Path, o.Tier)
	if types.IsCode(err, types.ErrRouteNotFound) {
		return o.to(StateUnpriced)
	}
	if err != nil {
		return o.reject(err)
	}
	o.Requirement = req

	if check := g.prechecks[req.Resource]; check != nil {
		if err := check(r); err != nil {
			return o.reject(asValidationError(err))
		}
	}

	o.header = envelope.FromHeader(r.Header.Get)
	if o.header == "" {
		return o.to(StateChallenged)
	}
	return o.to(StateEnvelopeReceived)
}

// nonceExpiry is when the ledger may forget a settled nonce: NonceGrace
// past validBefore, capped at MaxNonceRetention from now. Past the cap the
// token contract's own nonce state still refuses a replay.
func (g *Gateway) nonceExpiry(validBefore *big.Int) time.Time {
	limit := g.now().Add(types.MaxNonceRetention)
	if validBefore.IsInt64() {
		if t := time.Unix(validBefore.Int64(), 0).Add(g.config.NonceGrace); t.Before(limit) {
			return t
		}
	}
	return limit
}

func asValidationError(err error) error {
	var xe *types.X402Error
	if errors.As(err, &xe) {
		return err
	}
	return types.WrapError(types.ErrValidationError, err.Error(), err)
}

func (g *Gateway) decode(o Outcome) Outcome {
	env, err := envelope.Decode(o.header)
	if err != nil {
		return o.reject(err)
	}
	o.Envelope = env
	return o.to(StateVerifying)
}

func (g *Gateway) verify(ctx context.Context, o Outcome) Outcome {
	start := g.now()
	err := g.verifier.Verify(o.Envelope, o.Requirement)
	metrics.Since(g.metrics, metrics.OpVerify, start, map[string]string{"network": o.Requirement.Network.String()})
	if err != nil {
		return o.reject(err)
	}

	if g.remote != nil {
		if _, err := g.remote.Verify(ctx, o.Envelope, o.Requirement); err != nil {
			return o.reject(err)
		}
	}
	return o.to(StateSettling)
}

// settle reserves the nonce, settles and records the result. It runs on a
// context detached from the caller: once a nonce is reserved the attempt is
// finished and the ledger updated even if the client has gone away.
func (g *Gateway) settle(ctx context.Context, o Outcome) Outcome {
	ctx = context.WithoutCancel(ctx)
	log := g.logger.With(map[string]any{"request_id": o.RequestID})

	key := o.Envelope.NonceKey()
	_, before, err := o.Envelope.Authorization.ValidWindow()
	if err != nil {
		return o.reject(types.WrapError(types.ErrMalformedEnvelope, "invalid validity window", err))
	}
	expiresAt := g.nonceExpiry(before)

	if err := g.ledger.Reserve(ctx, key, expiresAt); err != nil {
		return o.reject(err)
	}

	result, err := g.settler.Settle(ctx, o.Envelope, o.Requirement)
	if err != nil {
		if rerr := g.ledger.Release(ctx, key); rerr != nil {
			log.Error("failed to release nonce reservation", map[string]any{
				"nonce_key": key,
				"error":     rerr,
			})
		}
		return o.reject(err)
	}

	if err := g.ledger.Commit(ctx, key, expiresAt); err != nil {
		// The transfer is on chain. The pending entry still blocks replays
		// until it expires, so the caller is admitted.
		log.Error("failed to commit settled nonce", map[string]any{
			"nonce_key":   key,
			"transaction": result.TransactionHash,
			"error":       err,
		})
	}

	o.Settlement = result
	return o.to(StateAdmitted)
}

func (g *Gateway) record(o Outcome, start time.Time) {
	network := g.config.Network.String()
	outcome := string(o.State)
	if o.State == StateRejected {
		outcome = types.Code(o.Err)
	}
	g.metrics.IncCounter(metrics.EventPayment, map[string]string{
		"network": network,
		"outcome": outcome,
	})

	fields := map[string]any{
		"request_id": o.RequestID,
		"state":      string(o.State),
		"duration":   g.now().Sub(start).String(),
	}
	if o.Requirement != nil {
		fields["resource"] = o.Requirement.Resource
		fields["tier"] = string(o.Tier)
	}
	if o.Envelope != nil {
		fields["payer"] = o.Envelope.Authorization.From
	}

	switch o.State {
	case StateAdmitted:
		fields["transaction"] = o.Settlement.TransactionHash
		g.logger.Info("payment settled", fields)
	case StateRejected:
		fields["error"] = o.Err
		fields["code"] = types.Code(o.Err)
		if types.Code(o.Err) == types.ErrInternal {
			g.logger.Error("payment processing failed", fields)
		} else {
			g.logger.Warn("payment rejected", fields)
		}
	case StateChallenged:
		g.logger.Debug("payment required", fields)
	}
}

// String is used in logs.
func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s(%s)", o.State, types.Code(o.Err))
	}
	return string(o.State)
}
