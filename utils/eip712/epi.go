// Package eip712 builds EIP-712 digests for EIP-3009 TransferWithAuthorization
// and recovers their signers.
package eip712

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	TransferWithAuthorizationType = "TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"
	DomainType                    = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
)

var (
	transferAuthTypeHash = crypto.Keccak256Hash([]byte(TransferWithAuthorizationType))
	domainTypeHash       = crypto.Keccak256Hash([]byte(DomainType))
)

var (
	ErrIncompleteDomain  = errors.New("incomplete domain")
	ErrSignatureLength   = errors.New("signature must be 65 bytes")
	ErrMalleableSig      = errors.New("signature r/s values out of range")
	ErrInvalidRecoveryID = errors.New("invalid signature recovery id")
)

// Domain is the EIP712Domain of a token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// TransferAuthorization is the decoded TransferWithAuthorization message.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// padLeft32 returns a 32-byte right-aligned representation of the given big.Int
func padLeft32(i *big.Int) []byte {
	return common.LeftPadBytes(i.Bytes(), 32)
}

// addressTo32 left-pads an address into a 32-byte ABI word
func addressTo32(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// DomainSeparator builds the domainSeparator hash per EIP-712:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func DomainSeparator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil || d.VerifyingContract == (common.Address{}) {
		return common.Hash{}, ErrIncompleteDomain
	}

	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(d.ChainID),
		addressTo32(d.VerifyingContract),
	), nil
}

// HashTransferAuthorization computes keccak256(abi.encode(TRANSFER_WITH_AUTH_TYPEHASH,
// from, to, value, validAfter, validBefore, nonce)).
func HashTransferAuthorization(a TransferAuthorization) common.Hash {
	return crypto.Keccak256Hash(
		transferAuthTypeHash.Bytes(),
		addressTo32(a.From),
		addressTo32(a.To),
		padLeft32(a.Value),
		padLeft32(a.ValidAfter),
		padLeft32(a.ValidBefore),
		a.Nonce[:],
	)
}

// TypedDataHash returns the final digest: keccak256("\x19\x01" || domainSeparator || structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// Digest builds the digest a payer signs for a TransferWithAuthorization.
func Digest(d Domain, a TransferAuthorization) (common.Hash, error) {
	sep, err := DomainSeparator(d)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataHash(sep, HashTransferAuthorization(a)), nil
}

// ParseAuthorization converts the string form carried on the wire. Integers
// are decimal strings, the nonce is 0x-prefixed 32-byte hex.
func ParseAuthorization(from, to, value, validAfter, validBefore, nonce string) (TransferAuthorization, error) {
	var out TransferAuthorization

	if !common.IsHexAddress(from) {
		return out, fmt.Errorf("invalid from address %q", from)
	}
	if !common.IsHexAddress(to) {
		return out, fmt.Errorf("invalid to address %q", to)
	}
	out.From = common.HexToAddress(from)
	out.To = common.HexToAddress(to)

	var err error
	if out.Value, err = parseUint256(value); err != nil {
		return out, fmt.Errorf("value: %w", err)
	}
	if out.ValidAfter, err = parseUint256(validAfter); err != nil {
		return out, fmt.Errorf("validAfter: %w", err)
	}
	if out.ValidBefore, err = parseUint256(validBefore); err != nil {
		return out, fmt.Errorf("validBefore: %w", err)
	}

	nb, err := hexutil.Decode(nonce)
	if err != nil {
		return out, fmt.Errorf("nonce: %w", err)
	}
	if len(nb) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(nb))
	}
	copy(out.Nonce[:], nb)

	return out, nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseUint256(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("invalid decimal integer string")
	}
	if n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return nil, errors.New("out of uint256 range")
	}
	return n, nil
}

// RecoverSigner recovers the Ethereum address that signed the given digest.
// sig must be 65 bytes (R||S||V). V may be 0/1 or 27/28. High-s signatures are
// rejected so a single authorization has exactly one valid encoding.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrSignatureLength
	}

	// copy to avoid mutating caller slice
	s := make([]byte, 65)
	copy(s, sig)

	if s[64] >= 27 {
		s[64] -= 27
	}
	if s[64] > 1 {
		return common.Address{}, ErrInvalidRecoveryID
	}
	r, sv := new(big.Int).SetBytes(s[:32]), new(big.Int).SetBytes(s[32:64])
	if !crypto.ValidateSignatureValues(s[64], r, sv, true) {
		return common.Address{}, ErrMalleableSig
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
