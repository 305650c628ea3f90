// Package units converts between wei amounts and their ether display form.
// Amounts stay *big.Int everywhere inside the ledger; decimals only appear at
// the edges where people read or type them.
package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimal places between wei and ether.
const EtherDecimals = 18

// ToEther renders wei as an ether decimal. A nil amount renders as zero.
func ToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -EtherDecimals)
}

// FormatEther renders wei as an ether string with trailing zeros removed,
// e.g. 1500000000000000000 -> "1.5".
func FormatEther(wei *big.Int) string {
	return ToEther(wei).String()
}

// ParseEther parses an ether amount such as "0.25" into wei. More than 18
// fractional digits cannot be represented and are rejected.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("units: parse %q: %w", s, err)
	}
	wei := d.Shift(EtherDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("units: %q has more than %d decimal places", s, EtherDecimals)
	}
	return wei.BigInt(), nil
}

// ParseWei parses a base-10 wei amount.
func ParseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("units: %q is not a base-10 integer", s)
	}
	return v, nil
}
