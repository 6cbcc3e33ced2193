package utils

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-gateway/types"
)

var validate *validator.Validate

var (
	uint256Pattern = regexp.MustCompile(`^[0-9]{1,78}$`)
	bytes32Pattern = regexp.MustCompile(`^0[xX][0-9a-fA-F]{64}$`)
	sig65Pattern   = regexp.MustCompile(`^0[xX][0-9a-fA-F]{130}$`)
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names so callers can locate them.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	_ = validate.RegisterValidation("uint256", matchString(uint256Pattern))
	_ = validate.RegisterValidation("bytes32", matchString(bytes32Pattern))
	_ = validate.RegisterValidation("signature65", matchString(sig65Pattern))
}

func matchString(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

// ValidateStruct runs struct tag validation and flattens failures into
// field errors keyed by JSON path, e.g. "authorization.nonce".
func ValidateStruct(v any) []types.FieldError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return []types.FieldError{{Field: "", Message: err.Error()}}
	}

	out := make([]types.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, types.FieldError{
			Field:   fieldPath(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return out
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "eth_addr":
		return "must be a 0x-prefixed 20-byte hex address"
	case "uint256":
		return "must be a non-negative integer"
	case "bytes32":
		return "must be a 0x-prefixed 32-byte hex value"
	case "signature65":
		return "must be a 0x-prefixed 65-byte hex signature"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		return "must be a valid URL"
	case "numeric":
		return "must be numeric"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// ParseGatewayConfig parses and validates a GatewayConfig from JSON. Defaults
// are applied before validation.
func ParseGatewayConfig(data []byte) (*types.GatewayConfig, error) {
	var cfg types.GatewayConfig

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse gateway config: %v", err),
		}
	}

	cfg.ApplyDefaults()

	if err := ValidateGatewayConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateGatewayConfig checks struct tags and that the network is known.
func ValidateGatewayConfig(cfg *types.GatewayConfig) error {
	if details := ValidateStruct(cfg); len(details) > 0 {
		return &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %s", joinDetails(details)),
			Data:    details,
		}
	}
	if !cfg.Network.IsSupported() {
		return types.NewError(types.ErrConfigError, "unsupported network %q, want one of %v", cfg.Network, types.SupportedNetworks())
	}
	return nil
}

// ParseRoutes parses a JSON array of route definitions.
func ParseRoutes(data []byte) ([]types.RouteConfig, error) {
	var routes []types.RouteConfig
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse routes: %v", err),
		}
	}
	for i := range routes {
		if details := ValidateStruct(&routes[i]); len(details) > 0 {
			return nil, &types.X402Error{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("route %d: %s", i, joinDetails(details)),
				Data:    details,
			}
		}
	}
	return routes, nil
}

func joinDetails(details []types.FieldError) string {
	parts := make([]string, 0, len(details))
	for _, d := range details {
		parts = append(parts, d.Field+" "+d.Message)
	}
	return strings.Join(parts, "; ")
}
