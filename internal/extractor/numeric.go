package extractor

import (
	"strconv"
	"strings"
)

// ParsePrice keeps only digits and dots before parsing, so "$1,234.56"
// becomes 1234.56. Anything unparseable yields nil.
func ParsePrice(s string) *float64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, s)

	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return nil
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}
