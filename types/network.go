package types

import (
	"math/big"
	"sort"
	"strings"
)

// Network represents the Celo networks the gateway accepts payment on
type Network string

const (
	NetworkCelo        Network = "celo"
	NetworkCeloSepolia Network = "celo-sepolia" // testnet
)

// NetworkInfo describes the chain and the USDC deployment used on a network.
type NetworkInfo struct {
	Network Network
	ChainID int64

	// USDC contract, the EIP-712 verifyingContract for TransferWithAuthorization.
	USDC string

	Decimals     int32
	TokenName    string
	TokenVersion string

	// ExplorerTxURL is joined with a transaction hash to link to the explorer.
	ExplorerTxURL string
	Testnet       bool
}

var networks = map[Network]NetworkInfo{
	NetworkCelo: {
		Network:       NetworkCelo,
		ChainID:       42220,
		USDC:          "0xcebA9300f2b948710d2653dD7B07f33A8B32118C",
		Decimals:      6,
		TokenName:     "USD Coin",
		TokenVersion:  "2",
		ExplorerTxURL: "https://celoscan.io/tx/",
	},
	NetworkCeloSepolia: {
		Network:       NetworkCeloSepolia,
		ChainID:       11142220,
		USDC:          "0x01C5C0122039549AD1493B8220cABEdD739BC44E",
		Decimals:      6,
		TokenName:     "USD Coin",
		TokenVersion:  "2",
		ExplorerTxURL: "https://celo-sepolia.blockscout.com/tx/",
		Testnet:       true,
	},
}

// Info returns the chain description for n.
func (n Network) Info() (NetworkInfo, bool) {
	info, ok := networks[n]
	return info, ok
}

func (n Network) IsSupported() bool {
	_, ok := networks[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return networks[n].Testnet
}

// ChainID returns the EIP-155 chain id, or nil for an unknown network.
func (n Network) ChainID() *big.Int {
	info, ok := networks[n]
	if !ok {
		return nil
	}
	return big.NewInt(info.ChainID)
}

// ExplorerURL links a transaction hash to the network's block explorer.
func (n Network) ExplorerURL(txHash string) string {
	info, ok := networks[n]
	if !ok || txHash == "" {
		return ""
	}
	return info.ExplorerTxURL + txHash
}

func (n Network) String() string {
	return string(n)
}

// ParseNetwork matches a network name case-insensitively.
func ParseNetwork(s string) (Network, bool) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	return n, n.IsSupported()
}

// SupportedNetworks lists known networks in a stable order.
func SupportedNetworks() []Network {
	out := make([]Network, 0, len(networks))
	for n := range networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
