package compliance

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const DefaultRegion = "US"

// NormalizePhone renders raw as E.164. Input the parser rejects is reduced
// to "+" and its digits so lookups still match byte for byte.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	num, err := phonenumbers.Parse(raw, DefaultRegion)
	if err == nil && phonenumbers.IsPossibleNumber(num) {
		return phonenumbers.Format(num, phonenumbers.E164)
	}
	var b strings.Builder
	b.WriteByte('+')
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}
