package compliance

import (
	"strings"
	"unicode"
)

var optOutKeywords = map[string]bool{
	"stop":        true,
	"stopall":     true,
	"unsubscribe": true,
	"cancel":      true,
	"end":         true,
	"quit":        true,
	"optout":      true,
	"opt out":     true,
	"revoke":      true,
}

var optInKeywords = map[string]bool{
	"start":  true,
	"unstop": true,
}

// normalizeKeyword lower-cases, trims, and drops surrounding punctuation
// so "STOP!" and " stop." both match.
func normalizeKeyword(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimFunc(s, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
	return strings.Join(strings.Fields(s), " ")
}

// DetectOptOut reports whether an inbound body is an opt-out request. Only
// exact keyword matches count; "please stop by the office" does not.
func DetectOptOut(body, customKeyword string) bool {
	k := normalizeKeyword(body)
	if k == "" {
		return false
	}
	if optOutKeywords[k] {
		return true
	}
	return customKeyword != "" && k == normalizeKeyword(customKeyword)
}

func DetectOptIn(body string) bool {
	return optInKeywords[normalizeKeyword(body)]
}
