package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/vitwit/x402-gateway/types"
)

const (
	// PaymentResponseHeader carries the base64 JSON settlement on admitted
	// responses.
	PaymentResponseHeader = "X-Payment-Response"
	RequestIDHeader       = "X-Request-ID"
)

type contextKey string

const (
	settlementKey  contextKey = "x402_settlement"
	requirementKey contextKey = "x402_requirement"
	requestIDKey   contextKey = "x402_request_id"
)

// WithSettlement stores the settlement of an admitted request in ctx.
func WithSettlement(ctx context.Context, s *types.SettlementResult) context.Context {
	return context.WithValue(ctx, settlementKey, s)
}

// SettlementFromContext returns the settlement stored by the middleware.
func SettlementFromContext(ctx context.Context) (*types.SettlementResult, bool) {
	s, ok := ctx.Value(settlementKey).(*types.SettlementResult)
	return s, ok && s != nil
}

func WithRequirement(ctx context.Context, req *types.PaymentRequirement) context.Context {
	return context.WithValue(ctx, requirementKey, req)
}

// RequirementFromContext returns the requirement the caller paid.
func RequirementFromContext(ctx context.Context) (*types.PaymentRequirement, bool) {
	r, ok := ctx.Value(requirementKey).(*types.PaymentRequirement)
	return r, ok && r != nil
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID prefers an id already in ctx, then the caller's header, and
// otherwise mints one.
func requestID(ctx context.Context, r *http.Request) string {
	if id := RequestIDFromContext(ctx); id != "" {
		return id
	}
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

// Admit attaches the outcome of an admitted request to ctx.
func Admit(ctx context.Context, o Outcome) context.Context {
	ctx = WithRequestID(ctx, o.RequestID)
	ctx = WithRequirement(ctx, o.Requirement)
	return WithSettlement(ctx, o.Settlement)
}

// EncodePaymentResponse renders a settlement for the X-Payment-Response header.
func EncodePaymentResponse(s *types.SettlementResult) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Render maps a non-admitted outcome onto a status code and JSON body.
func Render(o Outcome) (int, any) {
	if o.State == StateChallenged {
		return http.StatusPaymentRequired, challenge(o, "Payment required",
			"This endpoint requires x402 payment. Please include X-Payment header.", "")
	}
	if o.State != StateRejected {
		return http.StatusInternalServerError, types.ErrorResponse{
			Error:   "Internal server error",
			Message: fmt.Sprintf("unexpected payment state %q", o.State),
		}
	}

	code := types.Code(o.Err)
	status := types.HTTPStatus(code)

	switch {
	case code == types.ErrValidationError:
		resp := types.ErrorResponse{Error: "Validation error", Details: types.FieldErrors(o.Err)}
		if len(resp.Details) == 0 {
			resp.Message = message(o.Err)
		}
		return http.StatusBadRequest, resp
	case code == types.ErrMalformedEnvelope:
		return http.StatusBadRequest, types.ErrorResponse{
			Error:   "Invalid payment envelope",
			Message: message(o.Err),
			Details: types.FieldErrors(o.Err),
		}
	case types.IsPaymentFailure(code) && o.Requirement != nil:
		title := "Payment verification failed"
		if code == types.ErrSettlementRejected || code == types.ErrSettlementTimeout {
			title = "Payment settlement failed"
		}
		return status, challenge(o, title, message(o.Err), code)
	default:
		return http.StatusInternalServerError, types.ErrorResponse{
			Error:   "Internal server error",
			Message: message(o.Err),
		}
	}
}

func challenge(o Outcome, title, msg, reason string) types.ChallengeResponse {
	return types.ChallengeResponse{
		Error:       title,
		Message:     msg,
		Reason:      reason,
		Price:       o.Requirement.Price,
		Network:     o.Requirement.Network,
		X402Version: ProtocolVersion,
		Accepts:     []types.PaymentRequirement{*o.Requirement},
	}
}

// message returns the taxonomy message without the wrapped cause, which may
// carry backend details.
func message(err error) string {
	var xe *types.X402Error
	if errors.As(err, &xe) {
		return xe.Message
	}
	return "payment could not be processed"
}

// Middleware gates next behind payment. Unpriced routes pass straight
// through; admitted requests reach next with the settlement in context.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o := g.Process(r.Context(), r)
		w.Header().Set(RequestIDHeader, o.RequestID)

		switch o.State {
		case StateUnpriced:
			next.ServeHTTP(w, r)
			return
		case StateAdmitted:
			if h, err := EncodePaymentResponse(o.Settlement); err == nil {
				w.Header().Set(PaymentResponseHeader, h)
			}
			next.ServeHTTP(w, r.WithContext(Admit(r.Context(), o)))
			return
		}

		status, body := Render(o)
		writeJSON(w, status, body)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
