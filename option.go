package x402

import (
	"time"

	"github.com/vitwit/x402-gateway/ledger"
	"github.com/vitwit/x402-gateway/logger"
	"github.com/vitwit/x402-gateway/metrics"
	"github.com/vitwit/x402-gateway/settlement"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/verification"
)

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		g.metrics = r
	}
}

// WithLedger replaces the in-memory nonce ledger, e.g. with a RedisLedger
// shared between replicas.
func WithLedger(l ledger.Ledger) Option {
	return func(g *Gateway) {
		g.ledger = l
	}
}

func WithSettler(s settlement.Settler) Option {
	return func(g *Gateway) {
		g.settler = s
	}
}

func WithVerifier(v verification.Verifier) Option {
	return func(g *Gateway) {
		g.verifier = v
	}
}

// WithRemoteVerifier adds a facilitator pre-check after local verification.
func WithRemoteVerifier(v settlement.RemoteVerifier) Option {
	return func(g *Gateway) {
		g.remote = v
	}
}

func WithTierFunc(f TierFunc) Option {
	return func(g *Gateway) {
		if f != nil {
			g.tierFunc = f
		}
	}
}

// WithPrecheck runs check on requests to the priced route method path
// before the payment header is read.
func WithPrecheck(method, path string, check Precheck) Option {
	return func(g *Gateway) {
		if check == nil {
			return
		}
		if g.prechecks == nil {
			g.prechecks = make(map[string]Precheck)
		}
		g.prechecks[types.RouteKey(method, path)] = check
	}
}

// WithClock sets the clock used by the default verifier and for timings.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}
