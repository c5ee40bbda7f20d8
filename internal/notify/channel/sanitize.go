package channel

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Per-channel content length caps, enforced after sanitization and before
// escaping.
const (
	WebhookMaxContent  = 100_000
	TelegramMaxContent = 4096
)

// Sanitize normalizes caller-supplied text before escaping: trims
// whitespace, strips control characters (keeping \n and \t), and validates
// UTF-8. It is applied to both subject and content for every channel.
func Sanitize(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("content is not valid UTF-8")
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String()), nil
}

// SanitizeHeaderValue strips CR, LF, and all other control characters from a
// user-supplied webhook header value to prevent header injection.
func SanitizeHeaderValue(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Truncate cuts s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

var scriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on(load|error|click|mouseover)\s*=`),
}

// ScanThreats runs the request-validation threat scan: null bytes, excessive
// control characters, and script-injection patterns. It runs before any
// adapter is invoked; a hit rejects the whole request as
// SECURITY_THREAT_DETECTED.
func ScanThreats(s string) error {
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("null byte in content")
	}

	controls := 0
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			controls++
		}
	}
	if controls > 10 {
		return fmt.Errorf("excessive control characters in content")
	}

	for _, p := range scriptPatterns {
		if p.MatchString(s) {
			return fmt.Errorf("script injection pattern detected")
		}
	}
	return nil
}
