// Package envelope decodes and encodes the X-Payment request header.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

// Header names a payment envelope may arrive in, in lookup order.
var Headers = []string{"X-Payment", "Payment-Signature"}

// wireEnvelope accepts both the flat envelope and the nested x402 payload
// form, {x402Version, scheme, network, payload:{signature, authorization}}.
type wireEnvelope struct {
	X402Version int                         `json:"x402Version"`
	Scheme      types.PaymentScheme         `json:"scheme"`
	Network     types.Network               `json:"network"`
	Auth        *types.PaymentAuthorization `json:"authorization"`
	Signature   string                      `json:"signature"`
	Payload     *types.ExactEVMPayload      `json:"payload"`
}

// Decode parses a header value into a validated envelope. An empty header,
// invalid JSON, or any missing or ill-shaped field fails with a
// MalformedEnvelope error whose Data lists the offending fields.
func Decode(header string) (*types.PaymentEnvelope, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return nil, malformed("payment header is missing", types.FieldError{Field: "X-Payment", Message: "is required"})
	}

	data, err := rawJSON(raw)
	if err != nil {
		return nil, malformed("payment header is not valid JSON", types.FieldError{Field: "X-Payment", Message: err.Error()})
	}

	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return nil, malformed("payment header is not valid JSON", types.FieldError{Field: "X-Payment", Message: err.Error()})
	}

	env := &types.PaymentEnvelope{
		X402Version: w.X402Version,
		Scheme:      w.Scheme,
		Network:     w.Network,
		Signature:   w.Signature,
	}
	if w.Auth != nil {
		env.Authorization = *w.Auth
	}
	if w.Payload != nil && w.Auth == nil && w.Signature == "" {
		env.Authorization = w.Payload.Authorization
		env.Signature = w.Payload.Signature
	}

	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks an envelope's shape without touching cryptography.
func Validate(env *types.PaymentEnvelope) error {
	if details := utils.ValidateStruct(env); len(details) > 0 {
		return malformed("payment envelope is missing or has invalid fields", details...)
	}
	if env.Scheme != "" && env.Scheme != types.SchemeExact {
		return malformed("unsupported payment scheme", types.FieldError{Field: "scheme", Message: "must be exact"})
	}

	after, before, err := env.Authorization.ValidWindow()
	if err != nil {
		return malformed("payment authorization window is invalid", types.FieldError{Field: "authorization", Message: err.Error()})
	}
	if after.Cmp(before) >= 0 {
		return malformed("payment authorization window is empty", types.FieldError{
			Field:   "authorization.validBefore",
			Message: "must be greater than validAfter",
		})
	}
	return nil
}

// Encode serializes an envelope as the raw JSON header value.
func Encode(env *types.PaymentEnvelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeBase64 serializes an envelope as base64 JSON, the form most x402
// client libraries send.
func EncodeBase64(env *types.PaymentEnvelope) (string, error) {
	s, err := Encode(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(s)), nil
}

// FromHeader returns the first non-empty payment header read through get,
// typically http.Header.Get.
func FromHeader(get func(string) string) string {
	for _, name := range Headers {
		if v := strings.TrimSpace(get(name)); v != "" {
			return v
		}
	}
	return ""
}

// rawJSON returns the header as JSON bytes, decoding base64 when the value
// is not already a JSON object.
func rawJSON(v string) ([]byte, error) {
	if strings.HasPrefix(v, "{") {
		return []byte(v), nil
	}

	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(v)
		if err != nil {
			lastErr = err
			continue
		}
		b = bytes.TrimSpace(b)
		if len(b) > 0 && b[0] == '{' {
			return b, nil
		}
		lastErr = errNotObject
	}
	return nil, lastErr
}

var errNotObject = &types.X402Error{Code: types.ErrMalformedEnvelope, Message: "decoded header is not a JSON object"}

func malformed(msg string, details ...types.FieldError) error {
	return &types.X402Error{
		Code:    types.ErrMalformedEnvelope,
		Message: msg,
		Data:    details,
	}
}
