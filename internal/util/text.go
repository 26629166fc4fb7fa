package util

import "strings"

// SanitizeText drops invalid UTF-8 and C0/DEL control characters except tab,
// newline and carriage return. Decoded U+FFFD replacement characters are kept.
func SanitizeText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
}
