// Package redact masks personal data before text reaches logs, task history or events.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	resIDPattern  = regexp.MustCompile(`\b\d{17}[\dXx]\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]+`)
	apiKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9]{8,}\b`)
)

// PII masks common high-risk personal data patterns.
func PII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		pattern *regexp.Regexp
		marker  string
	}{
		{bearerPattern, "bearer [REDACTED_TOKEN]"},
		{apiKeyPattern, "[REDACTED_KEY]"},
		{emailPattern, "[REDACTED_EMAIL]"},
		// Identity numbers and cards before phone, which would swallow them.
		{resIDPattern, "[REDACTED_ID]"},
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// Preview returns a redacted single-line prefix of text, at most maxRunes long.
func Preview(text string, maxRunes int) string {
	out, _ := PII(text)
	out = strings.Join(strings.Fields(out), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxRunes]) + "…"
}

// Error is the redacted text of err, or "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	out, _ := PII(err.Error())
	return out
}
