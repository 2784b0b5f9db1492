// Package textx provides small text utilities used across the project.
package textx

import (
	"regexp"
	"strings"
)

// ansiRe matches CSI/OSC escape sequences as emitted by test runners
// (colors, cursor movement, hyperlinks).
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// StripANSI removes ANSI escape sequences from s.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}
	return ansiRe.ReplaceAllString(s, "")
}

// SanitizeText strips ANSI escape sequences, removes remaining control
// characters except tab/newline/CR, and trims surrounding spaces.
func SanitizeText(s string) string {
	s = StripANSI(s)
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Tail returns at most n bytes from the end of s, snapped forward to a rune
// boundary so the cut never splits a multi-byte character.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	for i := 0; i < len(cut); i++ {
		if (cut[i] & 0xC0) != 0x80 {
			return cut[i:]
		}
	}
	return ""
}
