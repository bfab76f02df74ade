// Package segment splits narrative paragraphs into sentence-sized units for speech synthesis.
package segment

import "strings"

// IsTerminal reports whether r ends a sentence-like clause.
func IsTerminal(r rune) bool {
	switch r {
	case '。', '！', '？', '；':
		return true
	default:
		return false
	}
}

// Split cuts text after every full-width period, exclamation, question mark or semicolon.
// The punctuation stays attached to its clause, trailing text without a terminator becomes
// the last segment, and blank segments are dropped.
func Split(text string) []string {
	var (
		out   []string
		start int
	)
	emit := func(piece string) {
		piece = strings.TrimSpace(piece)
		if piece != "" {
			out = append(out, piece)
		}
	}
	for i, r := range text {
		if !IsTerminal(r) {
			continue
		}
		end := i + len(string(r))
		emit(text[start:end])
		start = end
	}
	if start < len(text) {
		emit(text[start:])
	}
	return out
}

// Count returns the number of segments Split would produce.
func Count(text string) int {
	return len(Split(text))
}

// Truncate keeps at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
