package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
type X402Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Err     error  `json:"-"`
}

func (e *X402Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *X402Error) Unwrap() error {
	return e.Err
}

// Is matches another X402Error carrying the same code, so codes can be
// compared through wrapped chains with errors.Is.
func (e *X402Error) Is(target error) bool {
	t, ok := target.(*X402Error)
	return ok && t.Code == e.Code
}

// Common error codes
const (
	ErrRouteNotFound         = "ROUTE_NOT_FOUND"
	ErrMalformedEnvelope     = "MALFORMED_ENVELOPE"
	ErrNetworkMismatch       = "NETWORK_MISMATCH"
	ErrExpiredAuthorization  = "EXPIRED_AUTHORIZATION"
	ErrAmountMismatch        = "AMOUNT_MISMATCH"
	ErrRecipientMismatch     = "RECIPIENT_MISMATCH"
	ErrInvalidSignature      = "INVALID_SIGNATURE"
	ErrReplayedAuthorization = "REPLAYED_AUTHORIZATION"
	ErrSettlementRejected    = "SETTLEMENT_REJECTED"
	ErrSettlementTimeout     = "SETTLEMENT_TIMEOUT"
	ErrGenerationError       = "GENERATION_ERROR"
	ErrDeliveryError         = "DELIVERY_ERROR"
	ErrValidationError       = "VALIDATION_ERROR"
	ErrConfigError           = "CONFIG_ERROR"
	ErrInternal              = "INTERNAL_ERROR"
)

// FieldError points at one invalid input field using its JSON path.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewError builds an X402Error with a formatted message.
func NewError(code, format string, args ...any) *X402Error {
	return &X402Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an X402Error that keeps cause in its chain.
func WrapError(code, message string, cause error) *X402Error {
	return &X402Error{Code: code, Message: message, Err: cause}
}

// Code extracts the X402Error code from err, or ErrInternal.
func Code(err error) string {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	return errors.Is(err, &X402Error{Code: code})
}

// FieldErrors returns the per-field details attached to err, if any.
func FieldErrors(err error) []FieldError {
	var xe *X402Error
	if !errors.As(err, &xe) {
		return nil
	}
	details, _ := xe.Data.([]FieldError)
	return details
}

// HTTPStatus maps an error code onto the status the caller sees: 402 for
// payment failures, 400 for bad input and 500 for everything else.
func HTTPStatus(code string) int {
	switch code {
	case ErrMalformedEnvelope, ErrValidationError:
		return http.StatusBadRequest
	case ErrRouteNotFound:
		return http.StatusNotFound
	case ErrNetworkMismatch,
		ErrExpiredAuthorization,
		ErrAmountMismatch,
		ErrRecipientMismatch,
		ErrInvalidSignature,
		ErrReplayedAuthorization,
		ErrSettlementRejected,
		ErrSettlementTimeout:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// IsPaymentFailure reports whether code belongs to the payment path.
func IsPaymentFailure(code string) bool {
	return HTTPStatus(code) == http.StatusPaymentRequired
}
