// Package phone canonicalizes raw phone strings into a single
// international representation ("+" followed by country code and subscriber
// digits). Both the live check-in path and bulk imports go through Normalize,
// so two spellings of the same number always map to the same customer.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidInternationalFormat is returned for "+"-prefixed input that
	// does not carry 10 to 15 digits once separators are removed.
	ErrInvalidInternationalFormat = errors.New("invalid international format")
	// ErrInvalidFormat is returned for national input that is neither a
	// 10-digit local number nor an 11-digit number with the trunk digit.
	ErrInvalidFormat = errors.New("invalid format")
)

// DefaultCountryCode is prefixed to 10-digit national numbers when a
// Normalizer is built without an explicit country code.
const DefaultCountryCode = "1"

var (
	separators    = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "/", "", "\t", "")
	international = regexp.MustCompile(`^\+\d{10,15}$`)
	nonDigit      = regexp.MustCompile(`\D`)
	phoneShaped   = regexp.MustCompile(`^\+?[\d\s\-().]{7,20}$`)
)

// Normalizer holds the country settings used for national numbers.
type Normalizer struct {
	// CountryCode is prefixed to 10-digit inputs, without the "+".
	CountryCode string
	// TrunkDigit is the leading digit that makes an 11-digit input already
	// country-qualified. Defaults to CountryCode when empty.
	TrunkDigit string
}

// New returns a Normalizer for the given country code. An empty code falls
// back to DefaultCountryCode.
func New(countryCode string) Normalizer {
	cc := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	if cc == "" {
		cc = DefaultCountryCode
	}
	return Normalizer{CountryCode: cc, TrunkDigit: cc[:1]}
}

// Normalize converts raw into canonical form.
//
// Rules:
//   - leading "+": separators are stripped and the rest must be 10-15 digits
//   - otherwise all non-digits are dropped; 10 digits get the country code,
//     11 digits starting with the trunk digit are taken as-is
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func (n Normalizer) Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidFormat
	}
	if strings.HasPrefix(s, "+") {
		s = separators.Replace(s)
		if !international.MatchString(s) {
			return "", ErrInvalidInternationalFormat
		}
		return s, nil
	}

	digits := nonDigit.ReplaceAllString(s, "")
	cc := n.CountryCode
	if cc == "" {
		cc = DefaultCountryCode
	}
	trunk := n.TrunkDigit
	if trunk == "" {
		trunk = cc[:1]
	}

	switch {
	case len(digits) == 10:
		return "+" + cc + digits, nil
	case len(digits) == 11 && strings.HasPrefix(digits, trunk):
		return "+" + digits, nil
	default:
		return "", ErrInvalidFormat
	}
}

// Normalize runs the default normalizer.
func Normalize(raw string) (string, error) {
	return New(DefaultCountryCode).Normalize(raw)
}

// LooksLikePhone reports whether v is plausibly a phone number. It is a
// cheap shape check used for column classification and does not validate.
func LooksLikePhone(v string) bool {
	v = strings.TrimSpace(v)
	if !phoneShaped.MatchString(v) {
		return false
	}
	d := nonDigit.ReplaceAllString(v, "")
	return len(d) >= 7 && len(d) <= 15
}

// CountryCodeOf returns the country code of a canonical number by matching it
// against the given candidate codes, longest first. It returns "" when none
// match.
func CountryCodeOf(canonical string, candidates []string) string {
	digits := strings.TrimPrefix(canonical, "+")
	best := ""
	for _, c := range candidates {
		c = strings.TrimPrefix(strings.TrimSpace(c), "+")
		if c != "" && strings.HasPrefix(digits, c) && len(c) > len(best) {
			best = c
		}
	}
	return best
}

// Mask hides all but the last four digits, for logs.
func Mask(canonical string) string {
	if len(canonical) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(canonical)-4) + canonical[len(canonical)-4:]
}
