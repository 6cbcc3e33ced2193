package utils

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-gateway/types"
)

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount  string
		want    int64
		wantErr bool
	}{
		{"0.001", 1000, false},
		{"1", 1000000, false},
		{"0.000001", 1, false},
		{"0", 0, false},
		{"0.0000001", 0, true},
		{"-1", 0, true},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToMinorUnits(tt.amount, 6)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, got.Int64())
		})
	}
}

func TestFromMinorUnits(t *testing.T) {
	assert.Equal(t, "0.001", FromMinorUnits(big.NewInt(1000), 6))
	assert.Equal(t, "2.5", FromMinorUnits(big.NewInt(2500000), 6))
}

func TestMinPrice(t *testing.T) {
	got, err := MinPrice("0.001", "0.0005")
	require.NoError(t, err)
	assert.Equal(t, "0.0005", got)

	got, err = MinPrice("0.001", "0.01")
	require.NoError(t, err)
	assert.Equal(t, "0.001", got)

	_, err = MinPrice("x", "0.01")
	assert.Error(t, err)
}

func TestAddresses(t *testing.T) {
	assert.True(t, SameAddress("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"))
	assert.False(t, SameAddress("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"))
	assert.False(t, SameAddress("nope", "nope"))

	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", NormalizeAddress("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"))
	assert.Empty(t, NormalizeAddress("0x12"))
	assert.False(t, ValidateAddress("0x12"))
}

func TestValidateTransactionHash(t *testing.T) {
	assert.NoError(t, ValidateTransactionHash("0x5e4f0b8d3c2a19e7f6d5c4b3a29180706f5e4d3c2b1a09f8e7d6c5b4a3928170"))
	assert.Error(t, ValidateTransactionHash(""))
	assert.Error(t, ValidateTransactionHash("5e4f"))
	assert.Error(t, ValidateTransactionHash("0x1234"))
	assert.Error(t, ValidateTransactionHash("0xzz4f0b8d3c2a19e7f6d5c4b3a29180706f5e4d3c2b1a09f8e7d6c5b4a3928170"))
}

func TestValidateStructUsesJSONPaths(t *testing.T) {
	env := &types.PaymentEnvelope{
		Network: types.NetworkCelo,
		Authorization: types.PaymentAuthorization{
			From:        "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			To:          "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			Value:       "1000",
			ValidAfter:  "0",
			ValidBefore: "9999999999",
			Nonce:       "0x1234",
		},
		Signature: "0x00",
	}

	details := ValidateStruct(env)
	fields := map[string]string{}
	for _, d := range details {
		fields[d.Field] = d.Message
	}
	assert.Equal(t, "must be a 0x-prefixed 32-byte hex value", fields["authorization.nonce"])
	assert.Equal(t, "must be a 0x-prefixed 65-byte hex signature", fields["signature"])
}

func TestParseGatewayConfig(t *testing.T) {
	cfg, err := ParseGatewayConfig([]byte(`{
		"network": "celo",
		"payTo": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"pricing": {"unverified": {"price": "0.002"}},
		"routes": [{"method": "POST", "path": "/api/x"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "0.002", cfg.Pricing.VerifiedHuman.Price)
	assert.Equal(t, types.DefaultFacilitatorURL, cfg.FacilitatorURL)

	_, err = ParseGatewayConfig([]byte(`{`))
	assert.True(t, types.IsCode(err, types.ErrConfigError))

	_, err = ParseGatewayConfig([]byte(`{"network": "celo", "payTo": "nope"}`))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfigError))
	assert.Equal(t, "payTo", types.FieldErrors(err)[0].Field)
}

func TestParseRoutes(t *testing.T) {
	routes, err := ParseRoutes([]byte(`[{"method":"POST","path":"/a","price":"0.5"}]`))
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "POST /a", routes[0].Key())

	tests := map[string]string{
		"not json":      `{`,
		"bad method":    `[{"method":"FETCH","path":"/a"}]`,
		"relative path": `[{"method":"GET","path":"a"}]`,
		"bad price":     `[{"method":"GET","path":"/a","price":"free"}]`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRoutes([]byte(body))
			assert.True(t, types.IsCode(err, types.ErrConfigError))
		})
	}
}
