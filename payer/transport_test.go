package payer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	x402 "github.com/vitwit/x402-gateway"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

const (
	payerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	payerAdr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	payTo    = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	paidPath = "/api/generate-cover-letter"
	tx       = "0x5e4f0b8d3c2a19e7f6d5c4b3a29180706f5e4d3c2b1a09f8e7d6c5b4a3928170"
)

type okSettler struct{ calls atomic.Int32 }

func (s *okSettler) Settle(_ context.Context, env *types.PaymentEnvelope, req *types.PaymentRequirement) (*types.SettlementResult, error) {
	s.calls.Add(1)
	return &types.SettlementResult{
		TransactionHash: tx,
		PayerAddress:    env.Authorization.From,
		Network:         req.Network,
	}, nil
}

func gatewayServer(t *testing.T) (*httptest.Server, *okSettler) {
	t.Helper()
	settler := &okSettler{}
	gw, err := x402.New(&types.GatewayConfig{
		Network:        types.NetworkCelo,
		FacilitatorURL: "http://facilitator.test",
		PayTo:          payTo,
		Pricing:        types.PricingTiers{Unverified: types.TierPrice{Price: "0.001"}},
		Routes:         []types.RouteConfig{{Method: http.MethodPost, Path: paidPath}},
	}, x402.WithSettler(settler))
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte("paid:" + string(body)))
	})
	srv := httptest.NewServer(gw.Middleware(next))
	t.Cleanup(srv.Close)
	return srv, settler
}

func testKey(t *testing.T) *Transport {
	t.Helper()
	key, err := utils.PrivateKeyFromHex(payerKey)
	require.NoError(t, err)
	return &Transport{Key: key}
}

func TestTransportPaysChallenge(t *testing.T) {
	srv, settler := gatewayServer(t)

	var paid []types.PaymentRequirement
	tr := testKey(t)
	tr.OnPayment = func(r types.PaymentRequirement) { paid = append(paid, r) }
	client := &http.Client{Transport: tr}

	resp, err := client.Post(srv.URL+paidPath, "application/json", strings.NewReader(`{"hello":"world"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `paid:{"hello":"world"}`, string(body))
	assert.EqualValues(t, 1, settler.calls.Load())

	require.Len(t, paid, 1)
	assert.Equal(t, "1000", paid[0].MaxAmountRequired)

	s, ok := Settlement(resp)
	require.True(t, ok)
	assert.Equal(t, tx, s.TransactionHash)
	assert.True(t, utils.SameAddress(payerAdr, s.PayerAddress))
}

func TestTransportPassesThroughUnpaidRoutes(t *testing.T) {
	srv, settler := gatewayServer(t)
	client := &http.Client{Transport: testKey(t)}

	resp, err := client.Get(srv.URL + "/free")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, settler.calls.Load())
}

func TestTransportRefusesExpensiveRequirement(t *testing.T) {
	srv, settler := gatewayServer(t)
	tr := testKey(t)
	tr.MaxPrice = "0.0001"
	client := &http.Client{Transport: tr}

	_, err := client.Post(srv.URL+paidPath, "application/json", strings.NewReader(`{}`))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAmountMismatch))
	assert.Zero(t, settler.calls.Load())
}

func TestTransportNetworkFilter(t *testing.T) {
	srv, _ := gatewayServer(t)
	tr := testKey(t)
	tr.Network = types.NetworkCeloSepolia
	client := &http.Client{Transport: tr}

	_, err := client.Post(srv.URL+paidPath, "application/json", strings.NewReader(`{}`))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAmountMismatch))
}

func TestTransportRequiresKey(t *testing.T) {
	srv, _ := gatewayServer(t)
	client := &http.Client{Transport: &Transport{}}

	_, err := client.Post(srv.URL+paidPath, "application/json", strings.NewReader(`{}`))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfigError))
}

func TestTransportUnreadableChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte("pay up"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: testKey(t)}
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrMalformedEnvelope))
}

func celoRequirement(price, minor string) types.PaymentRequirement {
	return types.PaymentRequirement{
		Scheme:            types.SchemeExact,
		Network:           types.NetworkCelo,
		Price:             price,
		MaxAmountRequired: minor,
		PayTo:             payTo,
		Asset:             "0xcebA9300f2b948710d2653dD7B07f33A8B32118C",
	}
}

func TestChooseSkipsUnsupported(t *testing.T) {
	tr := testKey(t)

	upto := celoRequirement("0.001", "1000")
	upto.Scheme = "upto"
	base := celoRequirement("0.001", "1000")
	base.Network = "base"
	noPayTo := celoRequirement("0.001", "1000")
	noPayTo.PayTo = ""
	badAsset := celoRequirement("0.001", "1000")
	badAsset.Asset = "0x12"

	r, err := tr.choose([]types.PaymentRequirement{upto, base, noPayTo, badAsset, celoRequirement("0.002", "2000")})
	require.NoError(t, err)
	assert.Equal(t, "0.002", r.Price)

	_, err = tr.choose(nil)
	assert.True(t, types.IsCode(err, types.ErrMalformedEnvelope))
}

func TestChooseLimitsSignedAmount(t *testing.T) {
	tr := testKey(t)
	tr.MaxPrice = "0.01"

	// Advertised as a tenth of a cent but asks for 5 USDC.
	_, err := tr.choose([]types.PaymentRequirement{celoRequirement("0.001", "5000000")})
	assert.True(t, types.IsCode(err, types.ErrAmountMismatch))

	r, err := tr.choose([]types.PaymentRequirement{celoRequirement("0.01", "10000")})
	require.NoError(t, err)
	assert.Equal(t, "10000", r.MaxAmountRequired)
}

func TestSettlementHeaderMissing(t *testing.T) {
	_, ok := Settlement(&http.Response{Header: http.Header{}})
	assert.False(t, ok)

	_, ok = Settlement(&http.Response{Header: http.Header{x402.PaymentResponseHeader: {"%%%"}}})
	assert.False(t, ok)
}
