package livechat

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Ellipsis marks a truncated line.
const Ellipsis = "…"

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Sanitize makes a chat line safe to inject into a prompt: invalid UTF-8
// dropped, line breaks turned into spaces, control characters other than tab
// removed, trimmed and capped at maxChars runes. The text is otherwise left
// verbatim.
func Sanitize(text string, maxChars int) string {
	text = strings.ToValidUTF8(text, "")
	text = stripControls(lineBreaks.Replace(text))
	text = strings.TrimSpace(text)
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		text = string([]rune(text)[:maxChars]) + Ellipsis
	}
	return text
}

func stripControls(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, text)
}

// PromptLine formats a sanitized line for the generation service.
func PromptLine(author, text string, maxChars int) string {
	name := Sanitize(author, 100)
	if name == "" {
		name = "viewer"
	}
	return "[YouTube] " + name + ": " + Sanitize(text, maxChars)
}
