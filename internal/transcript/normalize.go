// Package transcript holds the text rules applied to recognizer output:
// normalization for comparison, suppression of echoed final transcripts, and
// the match test that decides whether a speculative reply still answers the
// final utterance.
package transcript

import (
	"strings"
	"unicode"
)

// stripped lists the punctuation removed before comparing transcripts,
// including Hebrew geresh and gershayim.
const stripped = `.,!?;:"'׳״()[]-–—`

// Normalize prepares a transcript for comparison. It lowercases, removes
// bidi control marks and common punctuation, and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case isBidiMark(r), strings.ContainsRune(stripped, r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// CloseEnough reports whether a speculative reply computed from partial text
// may stand in for a reply to final. After normalization the two must be
// equal, or one must contain the other. Empty text never matches.
func CloseEnough(partial, final string) bool {
	p, f := Normalize(partial), Normalize(final)
	if p == "" || f == "" {
		return false
	}
	return p == f || strings.Contains(f, p) || strings.Contains(p, f)
}

// CountNonSpace returns the number of non-whitespace runes in s.
func CountNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func isBidiMark(r rune) bool {
	switch {
	case r == '\u200e', r == '\u200f', r == '\u061c':
		return true
	case r >= '\u202a' && r <= '\u202e':
		return true
	case r >= '\u2066' && r <= '\u2069':
		return true
	}
	return false
}
