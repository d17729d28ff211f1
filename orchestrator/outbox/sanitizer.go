package outbox

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxErrorLength       = 512
	errorTruncatedSuffix = "... (truncated)"
	redactedValue        = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// Error text lands in last_error and the admin API; credentials and personal
// data are stripped first.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redactedValue + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redactedValue},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redactedValue},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`), `$1=` + redactedValue},
	{regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`), redactedValue},
	{regexp.MustCompile(`\b\d{12,19}\b`), redactedValue},
}

// SanitizeError renders err for persistence. A nil err yields "".
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts secrets and bounds the length of msg.
func SanitizeErrorMessage(msg string) string {
	out := strings.TrimSpace(msg)
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}

	if len(out) <= maxErrorLength {
		return out
	}

	cut := maxErrorLength - len(errorTruncatedSuffix)
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}

	return out[:cut] + errorTruncatedSuffix
}
