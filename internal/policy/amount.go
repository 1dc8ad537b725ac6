package policy

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// USDCDecimals is the number of minor-unit decimals of the settlement token
const USDCDecimals = 6

// Amount is a fixed-point token amount in minor units (1 USDC = 1_000_000)
type Amount int64

// ParseAmount parses a normalized decimal string ("100", "0.001") into minor units
func ParseAmount(s string, decimals int) (Amount, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return 0, errors.New("amount is required")
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") || strings.ContainsAny(s, "eE") {
		return 0, fmt.Errorf("amount %q must be a plain non-negative decimal", s)
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 || parts[0] == "" {
		return 0, fmt.Errorf("amount %q must be a plain non-negative decimal", s)
	}
	intVal, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
		if frac == "" {
			return 0, fmt.Errorf("amount %q must be a plain non-negative decimal", s)
		}
	}
	if len(frac) > decimals {
		return 0, fmt.Errorf("amount %q exceeds %d decimals", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	pow := int64(1)
	for i := 0; i < decimals; i++ {
		pow *= 10
	}
	if intVal > (1<<62)/pow {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	var fracVal int64
	if frac != "" {
		fracVal, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("amount %q: %w", s, err)
		}
	}
	return Amount(intVal*pow + fracVal), nil
}

// Format renders the amount as a decimal string with trailing zeros trimmed
func (a Amount) Format(decimals int) string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	pow := int64(1)
	for i := 0; i < decimals; i++ {
		pow *= 10
	}
	whole := v / pow
	frac := v % pow
	out := strconv.FormatInt(whole, 10)
	if frac != 0 {
		fs := fmt.Sprintf("%0*d", decimals, frac)
		out += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

// BigInt converts the amount for ABI encoding
func (a Amount) BigInt() *big.Int {
	return big.NewInt(int64(a))
}

// String formats in USDC units
func (a Amount) String() string {
	return a.Format(USDCDecimals)
}
