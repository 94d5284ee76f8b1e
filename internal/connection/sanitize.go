package connection

import (
	"strings"
	"unicode"
)

// MaxMessageLen is the longest command or message accepted for
// transmission, measured before sanitization.
const MaxMessageLen = 1000

// minSanitizedLen guards against garbage input: a payload that
// sanitizes down to less than this many characters is rejected rather
// than sent. Heavy stripping indicates malicious or junk input, not a
// message worth forwarding.
const minSanitizedLen = 2

// sanitize strips control and non-printable runes and trims
// surrounding whitespace. Inner whitespace is preserved.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r):
			// dropped
		case unicode.IsPrint(r):
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// sanitizeForSend applies the outbound policy: reject oversized input
// up front, then reject anything that sanitizes to a near-empty
// remainder. Returns the cleaned payload and whether it may be sent.
func sanitizeForSend(s string) (string, bool) {
	if len(s) == 0 || len(s) > MaxMessageLen {
		return "", false
	}
	clean := sanitize(s)
	if len(clean) < minSanitizedLen {
		return "", false
	}
	return clean, true
}

// sanitizeArg cleans a single command argument. Unlike messages, an
// argument may sanitize to empty (it is then dropped by the caller).
func sanitizeArg(s string) string {
	if len(s) > MaxMessageLen {
		s = s[:MaxMessageLen]
	}
	return sanitize(s)
}
