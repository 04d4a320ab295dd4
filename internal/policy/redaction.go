// Package policy keeps patient and clinician identifiers out of logs.
package policy

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks emails, card numbers and phone numbers in free text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		pattern *regexp.Regexp
		marker  string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		// Cards before phones, a card number also matches the phone pattern.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// MaskName keeps the first letter of each word of a display name.
func MaskName(name string) string {
	name, _ = RedactPII(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	words := strings.Fields(name)
	for i, w := range words {
		if strings.HasPrefix(w, "[REDACTED_") {
			continue
		}
		r, _ := utf8.DecodeRuneInString(w)
		words[i] = string(r) + "***"
	}
	return strings.Join(words, " ")
}

// NameAttr is a log attribute carrying a masked display name.
func NameAttr(name string) slog.Attr {
	return slog.String("user_name", MaskName(name))
}
