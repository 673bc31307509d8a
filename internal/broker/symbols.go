package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// OptionSymbol is a parsed OCC option symbol, e.g. XYZ260313P00048000.
type OptionSymbol struct {
	Expiration time.Time
	Underlying string
	Type       models.OptionType
	Strike     float64
}

// ParseOptionSymbol parses UNDERLYING + YYMMDD + P/C + 8-digit strike (×1000).
func ParseOptionSymbol(s string) (OptionSymbol, error) {
	trimmed := strings.TrimSpace(s)
	// shortest valid symbol: one letter + 15 characters of suffix
	if len(trimmed) < 16 {
		return OptionSymbol{}, fmt.Errorf("not an option symbol: %q", s)
	}
	suffix := trimmed[len(trimmed)-15:]
	underlying := strings.TrimSpace(trimmed[:len(trimmed)-15])
	if underlying == "" || strings.ContainsAny(underlying[len(underlying)-1:], "0123456789") {
		return OptionSymbol{}, fmt.Errorf("not an option symbol: %q", s)
	}

	datePart, typeChar, strikePart := suffix[:6], suffix[6], suffix[7:]
	if !isDigits(datePart, 6) || !isDigits(strikePart, 8) {
		return OptionSymbol{}, fmt.Errorf("not an option symbol: %q", s)
	}
	exp, err := time.Parse("060102", datePart)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("option symbol %q has invalid expiration: %w", s, err)
	}
	optType, err := models.ParseOptionType(string(typeChar))
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: %w", s, err)
	}
	milli, err := strconv.ParseInt(strikePart, 10, 64)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("option symbol %q has invalid strike: %w", s, err)
	}

	return OptionSymbol{
		Underlying: underlying,
		Expiration: exp,
		Type:       optType,
		Strike:     float64(milli) / 1000,
	}, nil
}

// FormatOptionSymbol builds an OCC symbol.
func FormatOptionSymbol(underlying string, expiration time.Time, optType models.OptionType, strike float64) string {
	typeChar := "P"
	if optType == models.OptionTypeCall {
		typeChar = "C"
	}
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), expiration.Format("060102"), typeChar,
		int64(math.Round(strike*1000)))
}

// IsOptionSymbol reports whether s parses as an OCC option symbol.
func IsOptionSymbol(s string) bool {
	_, err := ParseOptionSymbol(s)
	return err == nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
