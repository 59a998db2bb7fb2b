package patterns

import (
	"math/big"
	"strings"
)

// validator rejects regex hits that have the right shape but fail a checksum
// or structural rule.
type validator func(s string) bool

var validators = map[string]validator{
	"luhn":        luhn,
	"iban":        ibanMod97,
	"mixed_alnum": mixedAlnum,
	"has_digit":   hasDigit,
}

// luhn validates payment card numbers, ignoring spaces and dashes.
func luhn(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 12 && sum%10 == 0
}

// ibanMod97 implements the ISO 13616 check: move the first four characters
// to the end, map letters to 10..35, and the number mod 97 must be 1.
func ibanMod97(s string) bool {
	s = strings.ReplaceAll(strings.ToUpper(s), " ", "")
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	var b strings.Builder
	for _, c := range s[4:] + s[:4] {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			b.WriteString(itoa(int(c-'A') + 10))
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func itoa(v int) string {
	return string([]byte{byte('0' + v/10), byte('0' + v%10)})
}

// mixedAlnum requires at least one letter and one digit, which rules out
// 17-digit numbers and 17-letter words for VIN-shaped hits.
func mixedAlnum(s string) bool {
	var letter, digit bool
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			digit = true
		case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z'):
			letter = true
		}
	}
	return letter && digit
}

func hasDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}
