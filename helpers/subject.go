package helpers

import (
	"strings"
)

// StripSubjectPrefix removes the list's subject prefix (for example "[dev] ")
// and any reply or forward markers in front of it, returning what the poster
// actually wrote. Matching is case-insensitive.
func StripSubjectPrefix(subject, prefix string) string {
	s := strings.TrimSpace(SanitizeUTF8(subject))
	prefix = strings.TrimSpace(prefix)

	changed := true
	for changed {
		changed = false
		old := s

		s = removeReplyPrefix(s)
		s = removeForwardPrefix(s)
		if prefix != "" && len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
		}

		if old != s {
			changed = true
		}
	}
	return s
}

// removeReplyPrefix removes reply prefixes like "Re:", "RE:", "Re[2]:".
func removeReplyPrefix(s string) string {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	if strings.HasPrefix(upper, "RE:") {
		return strings.TrimSpace(s[3:])
	}

	if strings.HasPrefix(upper, "RE[") || strings.HasPrefix(upper, "RE(") {
		closeChar := ']'
		if s[2] == '(' {
			closeChar = ')'
		}
		closeIdx := strings.IndexRune(s[3:], closeChar)
		if closeIdx >= 0 {
			afterBracket := s[3+closeIdx+1:]
			if strings.HasPrefix(afterBracket, ":") {
				return strings.TrimSpace(afterBracket[1:])
			}
		}
	}

	return s
}

// removeForwardPrefix removes forward prefixes like "Fwd:", "FW:", "Forward:".
func removeForwardPrefix(s string) string {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	for _, prefix := range []string{"FWD:", "FW:", "FORWARD:"} {
		if strings.HasPrefix(upper, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}

	return s
}
