package resolver

import "strings"

// Normalize converts a raw contact value into the canonical address form:
// digits only, a single leading trunk zero dropped, and the country code
// prepended when the remaining digits fit the domestic length.
func Normalize(raw, countryCode string, domesticLength int) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	d = strings.TrimPrefix(d, "0")
	if d == "" {
		return ""
	}
	if countryCode != "" && len(d) <= domesticLength {
		d = countryCode + d
	}
	return d
}

// ValidLength reports whether addr is within [min, max] digits.
// A non-positive bound is not enforced.
func ValidLength(addr string, min, max int) bool {
	n := len(addr)
	if n == 0 {
		return false
	}
	if min > 0 && n < min {
		return false
	}
	if max > 0 && n > max {
		return false
	}
	return true
}
