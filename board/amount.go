package board

import (
	"fmt"
	"strings"
)

// Amount is a quantity of board credits in integer micros.
// One credit is 1_000_000 micros; integer math keeps escrow and
// balance accounting exact.
type Amount uint64

// MicrosPerCredit is the subdivision of one credit.
const MicrosPerCredit = 1_000_000

// Credits builds an Amount from whole credits.
func Credits(n uint64) Amount {
	return Amount(n * MicrosPerCredit)
}

// ParseAmount parses a decimal credit string such as "0.1", "2", or
// "1.000001" into an Amount. At most six fractional digits are allowed.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("amount %q has more than 6 fractional digits", s)
	}

	var micros uint64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		micros = micros*10 + uint64(c-'0')
	}
	micros *= MicrosPerCredit

	scale := uint64(MicrosPerCredit / 10)
	for _, c := range frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		micros += uint64(c-'0') * scale
		scale /= 10
	}

	return Amount(micros), nil
}

// String renders the amount as decimal credits with trailing zeros
// trimmed, e.g. 100000 micros renders as "0.1".
func (a Amount) String() string {
	whole := uint64(a) / MicrosPerCredit
	frac := uint64(a) % MicrosPerCredit
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	s := fmt.Sprintf("%d.%06d", whole, frac)
	return strings.TrimRight(s, "0")
}

// Scale returns a*num/den, used for fee bumping on retries.
func (a Amount) Scale(num, den uint64) Amount {
	if den == 0 {
		return a
	}
	return Amount(uint64(a) * num / den)
}
