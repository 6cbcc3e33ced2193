package ginx402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	x402 "github.com/vitwit/x402-gateway"
	"github.com/vitwit/x402-gateway/envelope"
	"github.com/vitwit/x402-gateway/logger"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

const (
	payerKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	payTo     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	paidPath  = "/api/generate-cover-letter"
	settledTx = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type okSettler struct{}

func (okSettler) Settle(_ context.Context, env *types.PaymentEnvelope, req *types.PaymentRequirement) (*types.SettlementResult, error) {
	return &types.SettlementResult{
		TransactionHash: settledTx,
		PayerAddress:    env.Authorization.From,
		Network:         req.Network,
		ExplorerURL:     req.Network.ExplorerURL(settledTx),
	}, nil
}

func newRouter(t *testing.T) (*gin.Engine, *x402.Gateway) {
	t.Helper()
	g, err := x402.New(&types.GatewayConfig{
		Network:        types.NetworkCelo,
		FacilitatorURL: "http://facilitator.test",
		PayTo:          payTo,
		Routes:         []types.RouteConfig{{Method: http.MethodPost, Path: paidPath}},
	}, x402.WithSettler(okSettler{}))
	require.NoError(t, err)

	r := gin.New()
	r.Use(RequestID(), Recovery(logger.NoopLogger{}), Logging(logger.NoopLogger{}), Middleware(g))
	r.POST(paidPath, func(c *gin.Context) {
		s, ok := Settlement(c)
		require.True(t, ok)
		fromCtx, ok := x402.SettlementFromContext(c.Request.Context())
		require.True(t, ok)
		req, ok := Requirement(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{
			"transaction": s.TransactionHash,
			"same":        s == fromCtx,
			"price":       req.Price,
		})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/boom", func(c *gin.Context) {
		panic("boom")
	})
	return r, g
}

func TestGinChallenge(t *testing.T) {
	r, _ := newRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, paidPath, nil))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(x402.RequestIDHeader))

	var body types.ChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Payment required", body.Error)
	assert.Equal(t, types.DefaultPrice, body.Price)
	assert.Equal(t, types.NetworkCelo, body.Network)
	require.Len(t, body.Accepts, 1)
}

func TestGinAdmitted(t *testing.T) {
	r, g := newRouter(t)

	req, err := g.Resolver().Resolve(http.MethodPost, paidPath, types.TierUnverified)
	require.NoError(t, err)
	key, err := utils.PrivateKeyFromHex(payerKey)
	require.NoError(t, err)
	env, err := utils.BuildEnvelope(key, req, time.Now(), time.Minute)
	require.NoError(t, err)
	header, err := envelope.EncodeBase64(env)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, paidPath, nil)
	httpReq.Header.Set("X-Payment", header)
	httpReq.Header.Set(x402.RequestIDHeader, "abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "abc", rec.Header().Get(x402.RequestIDHeader))
	assert.NotEmpty(t, rec.Header().Get(x402.PaymentResponseHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, settledTx, body["transaction"])
	assert.Equal(t, true, body["same"])
	assert.Equal(t, types.DefaultPrice, body["price"])
}

func TestGinMalformed(t *testing.T) {
	r, _ := newRouter(t)

	httpReq := httptest.NewRequest(http.MethodPost, paidPath, nil)
	httpReq.Header.Set("X-Payment", "{")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Invalid payment envelope", body.Error)
}

func TestGinUnpricedAndRecovery(t *testing.T) {
	r, _ := newRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
