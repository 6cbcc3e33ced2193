package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ValidateAmount checks if an amount string is a valid decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ToMinorUnits converts a whole-unit price like "0.001" into the asset's
// smallest unit. Prices finer than the asset's precision are rejected rather
// than rounded.
func ToMinorUnits(amount string, decimals int32) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	scaled := dec.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromMinorUnits formats a minor-unit integer as a whole-unit decimal string.
func FromMinorUnits(minor *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(minor, -decimals).String()
}

// MinPrice returns the cheaper of two decimal price strings.
func MinPrice(a, b string) (string, error) {
	da, err := ValidateAmount(a)
	if err != nil {
		return "", err
	}
	db, err := ValidateAmount(b)
	if err != nil {
		return "", err
	}
	if db.LessThan(*da) {
		return b, nil
	}
	return a, nil
}

// ValidateAddress checks if a string is a valid Ethereum address
func ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress ensures an address is properly checksummed
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// ValidateTransactionHash checks an EVM transaction hash (0x + 64 hex).
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !strings.HasPrefix(hash, "0x") {
		return fmt.Errorf("transaction hash must start with 0x")
	}
	if len(hash) != 66 {
		return fmt.Errorf("transaction hash must be 66 characters long")
	}
	if !isHexString(hash[2:]) {
		return fmt.Errorf("transaction hash must be valid hex")
	}
	return nil
}

func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
