package util

import (
	"strings"
	"unicode/utf8"
)

// NormalizePhone keeps digits only and strips leading zeros. The country code
// is expected to be part of the input; nothing is inferred.
func NormalizePhone(phone string) string {
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	s := sb.String()

	for len(s) > 0 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeName trims and lowercases first/last names.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeCompact lowercases and removes all whitespace (city, zip).
func NormalizeCompact(v string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, strings.ToLower(v))
}

// NormalizeDigits keeps only digits (date of birth as YYYYMMDD).
func NormalizeDigits(v string) string {
	var sb strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// NormalizeGender maps any spelling to its lowercase initial.
func NormalizeGender(v string) string {
	v = NormalizeName(v)
	if v == "" {
		return ""
	}
	_, size := utf8.DecodeRuneInString(v)
	return v[:size]
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	email = NormalizeEmail(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return maskAll(email)
	}
	_, size := utf8.DecodeRuneInString(email)
	return email[:size] + strings.Repeat("*", utf8.RuneCountInString(email[size:at])) + email[at:]
}

// MaskPhone shows only the last 4 digits.
func MaskPhone(phone string) string {
	digits := NormalizePhone(phone)
	if len(digits) <= 4 {
		return maskAll(digits)
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}

func maskAll(v string) string {
	return strings.Repeat("*", utf8.RuneCountInString(v))
}
