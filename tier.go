package x402

import (
	"crypto/subtle"
	"net/http"

	"github.com/vitwit/x402-gateway/types"
)

// VerifiedHumanHeader carries the token an identity-verification front end
// attaches to callers it has verified.
const VerifiedHumanHeader = "X-Verified-Human"

// HeaderTier classifies a caller as verified_human when header holds token.
// An empty token classifies everyone as unverified.
func HeaderTier(header, token string) TierFunc {
	return func(r *http.Request) types.Tier {
		got := r.Header.Get(header)
		if token == "" || got == "" {
			return types.TierUnverified
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			return types.TierVerifiedHuman
		}
		return types.TierUnverified
	}
}
