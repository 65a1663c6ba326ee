package transcript

import "regexp"

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers would otherwise match the phone rule.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// Redact masks e-mail addresses, Google API keys, card and phone numbers.
func Redact(text string) (string, bool) {
	changed := false
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(text, r.marker)
		if next != text {
			changed = true
			text = next
		}
	}
	return text, changed
}
