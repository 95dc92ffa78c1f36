// Package textwrap splits text into size-bounded chunks at whitespace boundaries.
//
// Lengths are measured in runes. Whitespace inside a chunk (including newlines)
// is kept verbatim; the whitespace run where a break happens is dropped. A single
// token longer than the limit is emitted whole rather than split mid-word.
package textwrap

import (
	"iter"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunks returns a restartable sequence of chunks of text, each at most max
// runes long unless it consists of a single oversize token.
//
// It yields nothing when max <= 0 or text is whitespace only.
func Chunks(text string, max int) iter.Seq[string] {
	return func(yield func(string) bool) {
		if max <= 0 || strings.TrimSpace(text) == "" {
			return
		}

		var (
			cur    strings.Builder
			curLen int
			gap    string // whitespace seen since the last word
		)
		first := true
		for tok, space := range tokens(text) {
			if space {
				gap = tok
				continue
			}
			n := utf8.RuneCountInString(tok)
			if curLen == 0 {
				// Leading whitespace belongs to the first chunk only.
				if first && gap != "" && utf8.RuneCountInString(gap)+n <= max {
					cur.WriteString(gap)
					curLen += utf8.RuneCountInString(gap)
				}
				cur.WriteString(tok)
				curLen += n
				gap = ""
				first = false
				continue
			}
			g := utf8.RuneCountInString(gap)
			if curLen+g+n <= max {
				cur.WriteString(gap)
				cur.WriteString(tok)
				curLen += g + n
				gap = ""
				continue
			}
			if !yield(cur.String()) {
				return
			}
			cur.Reset()
			cur.WriteString(tok)
			curLen = n
			gap = ""
		}
		if curLen > 0 {
			yield(cur.String())
		}
	}
}

// Split collects Chunks into a slice.
func Split(text string, max int) []string {
	return slices.Collect(Chunks(text, max))
}

// tokens yields alternating runs of non-space and space runes.
// The bool is true for whitespace runs.
func tokens(text string) iter.Seq2[string, bool] {
	return func(yield func(string, bool) bool) {
		start := 0
		inSpace := false
		for i, r := range text {
			sp := unicode.IsSpace(r)
			if i == 0 {
				inSpace = sp
				continue
			}
			if sp != inSpace {
				if !yield(text[start:i], inSpace) {
					return
				}
				start = i
				inSpace = sp
			}
		}
		if start < len(text) {
			yield(text[start:], inSpace)
		}
	}
}

// Len reports the length of s in runes, the unit every limit in this package uses.
func Len(s string) int { return utf8.RuneCountInString(s) }
