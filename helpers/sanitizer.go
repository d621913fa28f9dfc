package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 drops NUL bytes and invalid UTF-8 from s. Held message
// subjects and moderation reasons come from arbitrary mail and end up in
// PostgreSQL text columns, which reject both.
func SanitizeUTF8(s string) string {
	if !strings.ContainsRune(s, 0) && utf8.ValidString(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r != 0 && !(r == utf8.RuneError && size == 1) {
			b.WriteString(s[:size])
		}
		s = s[size:]
	}
	return b.String()
}
