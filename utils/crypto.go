package utils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils/eip712"
)

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// SignHash signs a hash with the given private key. The recovery id is
// shifted to 27/28 as wallets produce it.
func SignHash(hash []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign hash: %w", err)
	}
	signature[64] += 27

	return hexutil.Encode(signature), nil
}

// RandomNonce returns a fresh 0x-prefixed 32-byte authorization nonce.
func RandomNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hexutil.Encode(b[:]), nil
}

// TokenDomain returns the EIP-712 domain a requirement binds signatures to.
// The chain id always comes from the requirement's network and the
// verifying contract from its asset.
func TokenDomain(req *types.PaymentRequirement) (eip712.Domain, error) {
	info, ok := req.Network.Info()
	if !ok {
		return eip712.Domain{}, fmt.Errorf("unsupported network %q", req.Network)
	}
	if !common.IsHexAddress(req.Asset) {
		return eip712.Domain{}, fmt.Errorf("invalid asset address %q", req.Asset)
	}
	return eip712.Domain{
		Name:              info.TokenName,
		Version:           info.TokenVersion,
		ChainID:           req.Network.ChainID(),
		VerifyingContract: common.HexToAddress(req.Asset),
	}, nil
}

// AuthorizationDigest builds the EIP-712 digest of auth under domain.
func AuthorizationDigest(domain eip712.Domain, auth *types.PaymentAuthorization) (common.Hash, error) {
	msg, err := eip712.ParseAuthorization(
		auth.From, auth.To, auth.Value,
		auth.ValidAfter.String(), auth.ValidBefore.String(),
		auth.Nonce,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return eip712.Digest(domain, msg)
}

// BuildEnvelope signs a TransferWithAuthorization paying req from key and
// wraps it in an envelope. validFor bounds how long the authorization lives.
func BuildEnvelope(key *ecdsa.PrivateKey, req *types.PaymentRequirement, now time.Time, validFor time.Duration) (*types.PaymentEnvelope, error) {
	nonce, err := RandomNonce()
	if err != nil {
		return nil, err
	}

	auth := types.PaymentAuthorization{
		From:        AddressFromPrivateKey(key).Hex(),
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  unixNumber(now.Add(-time.Minute)),
		ValidBefore: unixNumber(now.Add(validFor)),
		Nonce:       nonce,
	}

	env := &types.PaymentEnvelope{
		X402Version:   int(types.X402Version1),
		Scheme:        types.SchemeExact,
		Network:       req.Network,
		Authorization: auth,
	}
	if err := SignEnvelope(key, req, env); err != nil {
		return nil, err
	}
	return env, nil
}

// SignEnvelope (re)computes env.Signature over its authorization.
func SignEnvelope(key *ecdsa.PrivateKey, req *types.PaymentRequirement, env *types.PaymentEnvelope) error {
	domain, err := TokenDomain(req)
	if err != nil {
		return err
	}
	digest, err := AuthorizationDigest(domain, &env.Authorization)
	if err != nil {
		return err
	}
	sig, err := SignHash(digest.Bytes(), key)
	if err != nil {
		return err
	}
	env.Signature = sig
	return nil
}

func unixNumber(t time.Time) json.Number {
	return json.Number(strconv.FormatInt(t.Unix(), 10))
}
