// Package pricing implements the decimal-string <-> fixed-point x10^6
// conversions and bucket/notional/margin math from section 4.3 and 9 of the
// design. All arithmetic goes through math/big; float64 never appears here.
package pricing

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/web3guy0/perpindexer/types"
)

const scale = 1_000_000

var bigScale = big.NewInt(scale)

// ParseToX6 converts a decimal string ("108.91001") into a fixed-point x10^6
// integer (108910010), per the source's parsing rule: split on '.', pad the
// fractional part to 6 digits, concatenate, preserve sign.
func ParseToX6(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty decimal string")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	} else if s[0] == '+' {
		s = s[1:]
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !hasFrac {
		frac = ""
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("decimal string %q has more than 6 fractional digits", s)
	}
	frac = frac + strings.Repeat("0", 6-len(frac))

	digits := whole + frac
	i, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return 0, fmt.Errorf("invalid decimal string %q", s)
	}
	if neg {
		i.Neg(i)
	}
	if !i.IsInt64() {
		return 0, fmt.Errorf("decimal string %q overflows int64 x10^6", s)
	}
	return i.Int64(), nil
}

// FormatX6 is the inverse of ParseToX6, rendering a fixed-point field back
// to a decimal string.
func FormatX6(x int64) string {
	neg := x < 0
	if neg {
		x = -x
	}
	whole := x / scale
	frac := x % scale
	s := fmt.Sprintf("%d.%06d", whole, frac)
	if neg {
		s = "-" + s
	}
	return s
}

// Bucket computes floor(priceX6 / tickX6) using the asset's current tick.
// tickX6 <= 0 fails with ErrBadTick.
func Bucket(priceX6, tickX6 int64) (int64, error) {
	if tickX6 <= 0 {
		return 0, types.ErrBadTick
	}
	p := big.NewInt(priceX6)
	t := big.NewInt(tickX6)
	q := new(big.Int)
	r := new(big.Int)
	q.DivMod(p, t, r) // Euclidean division: floor for this domain since t > 0
	return q.Int64(), nil
}

// Notional computes floor(entryX6 * lots * lotNum / lotDen), truncating
// toward zero.
func Notional(entryX6 int64, lots int16, lotNum, lotDen int64) (int64, error) {
	if lotDen == 0 {
		return 0, fmt.Errorf("lot_den is zero")
	}
	num := new(big.Int).Mul(big.NewInt(entryX6), big.NewInt(int64(lots)))
	num.Mul(num, big.NewInt(lotNum))
	den := big.NewInt(lotDen)
	q := new(big.Int).Quo(num, den) // Quo truncates toward zero
	if !q.IsInt64() {
		return 0, fmt.Errorf("notional overflows int64")
	}
	return q.Int64(), nil
}

// Margin computes floor(notionalUsd6 / leverageX), truncating toward zero.
func Margin(notionalUsd6 int64, leverageX int16) (int64, error) {
	if leverageX == 0 {
		return 0, fmt.Errorf("leverage_x is zero")
	}
	n := big.NewInt(notionalUsd6)
	l := big.NewInt(int64(leverageX))
	q := new(big.Int).Quo(n, l)
	return q.Int64(), nil
}
