package store

import (
	"strconv"
	"strings"
)

// NormalizeEmail trims surrounding whitespace. Matching is case-sensitive by
// contract, so no case folding happens here.
func NormalizeEmail(raw string) string {
	return strings.TrimSpace(raw)
}

// NormalizePhone canonicalizes a phone value so read and write paths compare
// identically. Callers may receive phones as JSON numbers; a purely numeric
// value is reduced to its canonical integer form (no leading zeros kept from
// float formatting artifacts). Anything else passes through trimmed, since
// formatted numbers like "+1 555 0199" are opaque match keys.
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return s
}
