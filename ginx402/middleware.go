// Package ginx402 adapts the x402 payment gateway to gin. All payment logic
// stays in the root package; this only translates gin.Context.
package ginx402

import (
	"github.com/gin-gonic/gin"
	x402 "github.com/vitwit/x402-gateway"
	"github.com/vitwit/x402-gateway/types"
)

// Context keys set on admitted requests.
const (
	SettlementKey  = "x402_settlement"
	RequirementKey = "x402_requirement"
	RequestIDKey   = "request_id"
)

// Middleware gates the routes it is attached to. On failure it aborts the
// chain with the rendered outcome; on success the settlement is available
// through Settlement(c) and x402.SettlementFromContext.
func Middleware(g *x402.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetString(RequestIDKey); id != "" {
			ctx = x402.WithRequestID(ctx, id)
		}

		o := g.Process(ctx, c.Request)
		c.Header(x402.RequestIDHeader, o.RequestID)

		switch o.State {
		case x402.StateUnpriced:
			c.Next()
			return
		case x402.StateAdmitted:
			if h, err := x402.EncodePaymentResponse(o.Settlement); err == nil {
				c.Header(x402.PaymentResponseHeader, h)
			}
			c.Request = c.Request.WithContext(x402.Admit(c.Request.Context(), o))
			c.Set(SettlementKey, o.Settlement)
			c.Set(RequirementKey, o.Requirement)
			c.Next()
			return
		}

		status, body := x402.Render(o)
		c.AbortWithStatusJSON(status, body)
	}
}

// Settlement returns the settlement of an admitted request.
func Settlement(c *gin.Context) (*types.SettlementResult, bool) {
	v, ok := c.Get(SettlementKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*types.SettlementResult)
	return s, ok && s != nil
}

// Requirement returns the requirement an admitted request paid.
func Requirement(c *gin.Context) (*types.PaymentRequirement, bool) {
	v, ok := c.Get(RequirementKey)
	if !ok {
		return nil, false
	}
	r, ok := v.(*types.PaymentRequirement)
	return r, ok && r != nil
}
