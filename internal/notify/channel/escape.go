package channel

import "strings"

// escapeSet prefixes every rune of s found in set with a backslash. The
// input is walked once, so text that is already escaped gets escaped again
// (double-escaping "\x" yields "\\\x"); callers must escape exactly once.
func escapeSet(s, set string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(set, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EscapeTelegramMarkdownV2 escapes the exact character set Telegram's
// MarkdownV2 parser reserves.
func EscapeTelegramMarkdownV2(s string) string {
	return escapeSet(s, "_*[]()~`>#+-=|{}.!\\")
}

// EscapeTelegramMarkdown escapes the legacy Markdown (v1) specials.
func EscapeTelegramMarkdown(s string) string {
	return escapeSet(s, "*_`[]")
}

// EscapeTelegramHTML escapes the characters Telegram's HTML parse mode
// treats specially.
func EscapeTelegramHTML(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
		"/", "&#x2F;",
	)
	return replacer.Replace(s)
}

// EscapeLarkMarkdown escapes the specials of Lark's card markdown element.
func EscapeLarkMarkdown(s string) string {
	return escapeSet(s, "*_`[]()\\")
}

// EscapeSlackMrkdwn escapes Slack mrkdwn formatting specials.
func EscapeSlackMrkdwn(s string) string {
	return escapeSet(s, "*_~`>")
}
